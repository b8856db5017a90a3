package proc

import (
	"path"
	"sort"
	"strings"
)

// SharedObject describes a loaded native library with its mappings
// coalesced into a single address range.
type SharedObject struct {
	Name  string
	Path  string
	Start uint64
	End   uint64
	Size  uint64
	Perms string
}

// ListSharedObjects returns the native libraries mapped by the process with
// the given pid, merged by basename and sorted by start address.
func ListSharedObjects(pid int) ([]SharedObject, error) {
	regions, err := MemoryMap(pid)
	if err != nil {
		return nil, err
	}
	return mergeSharedObjects(regions), nil
}

func mergeSharedObjects(regions []MemoryRegion) []SharedObject {
	byName := make(map[string]*SharedObject)
	for i := range regions {
		region := &regions[i]
		if !strings.Contains(region.Pathname, ".so") {
			continue
		}
		name := path.Base(region.Pathname)
		so := byName[name]
		if so == nil {
			byName[name] = &SharedObject{
				Name:  name,
				Path:  region.Pathname,
				Start: region.Start,
				End:   region.End,
				Size:  region.End - region.Start,
				Perms: region.Perms,
			}
			continue
		}
		if region.Start < so.Start {
			so.Start = region.Start
		}
		if region.End > so.End {
			so.End = region.End
		}
		so.Size = so.End - so.Start
	}

	r := make([]SharedObject, 0, len(byName))
	for _, so := range byName {
		r = append(r, *so)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Start < r[j].Start })
	return r
}
