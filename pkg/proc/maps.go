package proc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MemoryRegion is one mapped range of a process's address space at a point
// in time. Regions are immutable snapshots, re-enumerated per run and never
// cached across stop/resume boundaries.
type MemoryRegion struct {
	Start    uint64
	End      uint64
	Perms    string
	Offset   uint64
	Dev      string
	Inode    uint64
	Pathname string
}

// Size returns the length of the region in bytes.
func (r *MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

// Readable reports whether the region is mapped readable.
func (r *MemoryRegion) Readable() bool {
	return len(r.Perms) > 0 && r.Perms[0] == 'r'
}

// MemoryMap enumerates the mapped regions of the process with the given
// pid, in the ascending-address order of /proc/<pid>/maps. Malformed lines
// are skipped rather than aborting the enumeration. Safe to call both
// before and after the target is stopped.
func MemoryMap(pid int) ([]MemoryRegion, error) {
	mapsbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	return parseMaps(mapsbuf), nil
}

func parseMaps(mapsbuf []byte) []MemoryRegion {
	lines := strings.Split(string(mapsbuf), "\n")
	r := make([]MemoryRegion, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		region, err := parseMapsLine(line)
		if err != nil {
			continue
		}
		r = append(r, region)
	}
	return r
}

func parseMapsLine(in string) (MemoryRegion, error) {
	var region MemoryRegion

	fields := strings.SplitN(in, " ", 6)
	if len(fields) < 5 {
		return region, errors.New("wrong number of fields")
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		return region, errors.New("bad address field")
	}
	var err error
	region.Start, err = strconv.ParseUint(v[0], 16, 64)
	if err != nil {
		return region, err
	}
	region.End, err = strconv.ParseUint(v[1], 16, 64)
	if err != nil {
		return region, err
	}

	region.Perms = fields[1]
	if len(region.Perms) < 4 {
		return region, errors.New("permissions column too short")
	}

	region.Offset, err = strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return region, err
	}

	region.Dev = fields[3]

	region.Inode, err = strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return region, err
	}

	if len(fields) > 5 {
		region.Pathname = strings.TrimLeft(fields[5], " ")
	}
	return region, nil
}
