package dex

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mrack/tinydump/pkg/config"
	"github.com/mrack/tinydump/pkg/logflags"
	"github.com/mrack/tinydump/pkg/proc"
)

// magicRE matches the dex magic with a wildcard version: the loader keeps
// images of any 03x version mapped, so the version bytes are not pinned.
var magicRE = regexp.MustCompile(`dex\n0..\x00`)

var magicPrefix = []byte("dex")

// Scanner finds dex images in the mapped regions of a stopped process and
// reconstructs ones whose header was relocated or stripped.
type Scanner struct {
	mem          proc.MemoryReader
	outDir       string
	skipPrefixes []string
	log          *logrus.Entry
}

// NewScanner returns a Scanner writing recovered images to outDir.
func NewScanner(mem proc.MemoryReader, outDir string, skipPrefixes []string) *Scanner {
	return &Scanner{
		mem:          mem,
		outDir:       outDir,
		skipPrefixes: skipPrefixes,
		log:          logflags.DexScanLogger(),
	}
}

// candidate reports whether a region is worth scanning: readable, large
// enough to hold a header, and not backed by a path known to contain only
// framework-verified images.
func (s *Scanner) candidate(r *proc.MemoryRegion) bool {
	if !r.Readable() || r.Size() <= minRegionSize {
		return false
	}
	for _, prefix := range s.skipPrefixes {
		if r.Pathname != "" && strings.HasPrefix(r.Pathname, prefix) {
			return false
		}
	}
	return true
}

// Scan searches every candidate region for dex images and writes each
// recovered image to the output directory. A failure in one region or one
// match never aborts the scan; the number of recovered images is returned.
func (s *Scanner) Scan(regions []proc.MemoryRegion) (int, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return 0, err
	}

	candidates := make([]*proc.MemoryRegion, 0, len(regions))
	for i := range regions {
		if s.candidate(&regions[i]) {
			candidates = append(candidates, &regions[i])
		}
	}
	s.log.Infof("searching %d memory regions for dex images", len(candidates))

	found := 0
	for _, region := range candidates {
		n, err := s.scanRegion(region)
		found += n
		if err != nil {
			s.log.Debugf("region %#x-%#x skipped: %v", region.Start, region.End, err)
		}
	}
	s.log.Infof("dex search completed, %d images recovered", found)
	return found, nil
}

func (s *Scanner) scanRegion(region *proc.MemoryRegion) (int, error) {
	buf := make([]byte, region.Size())
	if _, err := s.mem.ReadMemory(buf, region.Start); err != nil {
		return 0, err
	}

	found := 0
	for _, loc := range magicRE.FindAllIndex(buf, -1) {
		addr := region.Start + uint64(loc[0])
		if err := s.dumpAt(addr); err != nil {
			s.log.Debugf("match at %#x skipped: %v", addr, err)
			continue
		}
		found++
	}

	// A region whose first bytes are not the dex prefix may still be a
	// dex image whose header the runtime wiped after loading.
	if !bytes.HasPrefix(buf, magicPrefix) {
		ok, err := s.recoverHeaderless(region.Start)
		if err != nil {
			s.log.Debugf("headerless recovery at %#x failed: %v", region.Start, err)
		}
		if ok {
			found++
		}
	}
	return found, nil
}

// dumpAt recovers the image at a discovered magic address and writes it out.
func (s *Scanner) dumpAt(addr uint64) error {
	declared, real, err := guessSize(s.mem, addr)
	if err != nil {
		return err
	}

	data := make([]byte, real)
	if _, err := s.mem.ReadMemory(data, addr); err != nil {
		return err
	}

	outPath := filepath.Join(s.outDir, fmt.Sprintf("dex_%#x.dex", addr))
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return err
	}
	s.log.Infof("found dex at %#x, declared size %#x, recovered size %#x, saved to %s",
		addr, declared, real, outPath)
	return nil
}

// recoverHeaderless attempts the no-header-present path: size recovery
// anchored at the region start, then header synthesis over the raw bytes.
func (s *Scanner) recoverHeaderless(addr uint64) (bool, error) {
	declared, guess, err := guessSize(s.mem, addr)
	if err != nil {
		// Most regions simply are not headerless dex images.
		return false, nil
	}
	s.log.Debugf("no header at %#x, declared size %#x, guessed size %#x", addr, declared, guess)

	data := make([]byte, guess)
	if _, err := s.mem.ReadMemory(data, addr); err != nil {
		return false, err
	}

	fixed, err := fixHeader(data)
	if err != nil {
		return false, err
	}

	outPath := filepath.Join(s.outDir, fmt.Sprintf("dex_%#x.dex", addr))
	if err := os.WriteFile(outPath, fixed, 0o644); err != nil {
		return false, err
	}
	s.log.Infof("synthesized header for dex at %#x, saved to %s", addr, outPath)
	return true, nil
}

// Dump pauses the target, scans its mapped regions for dex images and
// writes every recovered image to outDir. The target is resumed on every
// exit path.
func Dump(p *proc.Process, outDir string, conf *config.Config) (int, error) {
	scanner := NewScanner(p, outDir, conf.SkipPathPrefixes)
	found := 0
	err := p.ExecStopped(func() error {
		regions, err := proc.MemoryMap(p.Pid())
		if err != nil {
			return err
		}
		found, err = scanner.Scan(regions)
		return err
	})
	return found, err
}
