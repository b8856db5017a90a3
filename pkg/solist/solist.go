package solist

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/mrack/tinydump/pkg/config"
	"github.com/mrack/tinydump/pkg/logflags"
	"github.com/mrack/tinydump/pkg/proc"
)

// solistSymbol is the substring identifying the linker's private symbol
// for the head of its list of loaded objects.
const solistSymbol = "__dl__ZL6solist"

// lowAddressLimit splits 32-bit load addresses from 64-bit ones; 32-bit
// targets map below it and are not supported.
const lowAddressLimit = 0x80000000

// soinfoRecordSize is how many bytes of a soinfo record are read per node;
// it comfortably covers every field offset the config can select.
const soinfoRecordSize = 256

var (
	// ErrUnsupportedArch is returned for targets mapped below the 64-bit
	// address split; only 64-bit libraries are supported.
	ErrUnsupportedArch = errors.New("target library is 32-bit, only 64-bit targets are supported")
	// ErrSymbolNotFound is returned when the linker binary has no solist
	// symbol; nothing can be recovered without it.
	ErrSymbolNotFound = errors.New("solist symbol not found in linker")
	// ErrLinkerNotFound is returned when the linker has no mapping in the
	// target's address space.
	ErrLinkerNotFound = errors.New("linker not found in process maps")
	// ErrTargetNotFound is returned when no mapping matches the target
	// library's name.
	ErrTargetNotFound = errors.New("target library not found in process maps")
	// ErrChainExhausted is returned when the soinfo walk hit a null next
	// pointer or the iteration cap without finding the target; it triggers
	// the raw pattern fallback.
	ErrChainExhausted = errors.New("soinfo chain exhausted without finding target")
	// ErrPatternNotFound is returned when the raw pattern fallback found
	// no occurrence of the target base.
	ErrPatternNotFound = errors.New("target base pattern not found in chain window")
)

// SoInfo is one node of the linker's private registry of loaded objects,
// read directly out of the target's memory. The registry is not owned by
// this tool and may be corrupted or mid-mutation, since the target is
// merely stopped rather than frozen at a safe point.
type SoInfo struct {
	Base uint64
	Size uint64
	Next uint64
}

var symbolCache, _ = lru.New(8)

// SymbolOffset parses the linker's on-disk binary and returns the offset
// of the solist registry pointer within the linker's mapped image. The
// result is memoized per linker path.
func SymbolOffset(linkerPath string) (uint64, error) {
	if v, ok := symbolCache.Get(linkerPath); ok {
		return v.(uint64), nil
	}

	f, err := elf.Open(linkerPath)
	if err != nil {
		return 0, fmt.Errorf("could not open linker %s: %v", linkerPath, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		syms, err = f.DynamicSymbols()
		if err != nil {
			return 0, fmt.Errorf("%w: %s has no symbol table (%v)", ErrSymbolNotFound, linkerPath, err)
		}
	}
	for _, sym := range syms {
		if strings.Contains(sym.Name, solistSymbol) {
			symbolCache.Add(linkerPath, sym.Value)
			return sym.Value, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, linkerPath)
}

// Locator resolves the true mapped size of a target library through the
// linker's registry, with a raw pattern fallback when the structured walk
// fails. It only ever reads the target's memory.
type Locator struct {
	mem     proc.MemoryReader
	regions []proc.MemoryRegion
	conf    *config.Config
	log     *logrus.Entry
}

// New returns a Locator over a snapshot of the target's memory regions.
func New(mem proc.MemoryReader, regions []proc.MemoryRegion, conf *config.Config) *Locator {
	return &Locator{
		mem:     mem,
		regions: regions,
		conf:    conf,
		log:     logflags.SolistLogger(),
	}
}

// LinkerBase returns the current mapped base address of the linker.
func (l *Locator) LinkerBase() (uint64, error) {
	name := path.Base(l.conf.LinkerPath)
	for i := range l.regions {
		if strings.Contains(l.regions[i].Pathname, name) {
			return l.regions[i].Start, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrLinkerNotFound, name)
}

// TargetMapping returns the coalesced load range of the library whose
// pathname contains name: lowest start and highest end over its mappings.
// A base below the 64-bit split is rejected before any memory is read.
func (l *Locator) TargetMapping(name string) (base, end uint64, err error) {
	found := false
	for i := range l.regions {
		r := &l.regions[i]
		if !strings.Contains(r.Pathname, name) {
			continue
		}
		if !found {
			base, end = r.Start, r.End
			found = true
			continue
		}
		if r.Start < base {
			base = r.Start
		}
		if r.End > end {
			end = r.End
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
	}
	if base < lowAddressLimit {
		return 0, 0, fmt.Errorf("%w: base %#x", ErrUnsupportedArch, base)
	}
	return base, end, nil
}

// RegistryHead reads the head pointer of the soinfo list from the live
// registry address.
func (l *Locator) RegistryHead(linkerBase, symOffset uint64) (uint64, error) {
	head, err := proc.ReadUint64(l.mem, linkerBase+symOffset)
	if err != nil {
		return 0, fmt.Errorf("could not read solist head at %#x: %v", linkerBase+symOffset, err)
	}
	l.log.Debugf("solist head %#x", head)
	return head, nil
}

func (l *Locator) readSoInfo(addr uint64) (SoInfo, error) {
	buf := make([]byte, soinfoRecordSize)
	if _, err := l.mem.ReadMemory(buf, addr); err != nil {
		return SoInfo{}, err
	}
	var si SoInfo
	for _, f := range []struct {
		off uint64
		dst *uint64
	}{
		{l.conf.SoinfoBaseOffset, &si.Base},
		{l.conf.SoinfoSizeOffset, &si.Size},
		{l.conf.SoinfoNextOffset, &si.Next},
	} {
		if f.off+8 > soinfoRecordSize {
			return SoInfo{}, fmt.Errorf("soinfo field offset %#x out of record bounds", f.off)
		}
		*f.dst = binary.LittleEndian.Uint64(buf[f.off:])
	}
	return si, nil
}

// findInChain walks the soinfo list until it finds a node whose base
// matches targetBase. The walk is bounded so that a corrupted or cyclic
// chain terminates through the cap.
func (l *Locator) findInChain(head, targetBase uint64) (uint64, error) {
	current := head
	for i := 0; current != 0 && i < l.conf.MaxSoinfoIterations; i++ {
		si, err := l.readSoInfo(current)
		if err != nil {
			return 0, err
		}
		l.log.Debugf("soinfo base %#x, size %#x, next %#x", si.Base, si.Size, si.Next)
		if si.Base == targetBase {
			return si.Size, nil
		}
		current = si.Next
	}
	return 0, ErrChainExhausted
}

// scanChainWindow is the raw fallback: read a window of memory at the
// registry head and look for the target base encoded little-endian; the 8
// bytes following the first occurrence are taken as the size. This
// recovers cases where the record layout assumptions do not hold but the
// base/size pair still sits adjacent in memory.
func (l *Locator) scanChainWindow(head, targetBase uint64) (uint64, error) {
	window := make([]byte, l.conf.ChainWindowSize)
	if _, err := l.mem.ReadMemory(window, head); err != nil {
		return 0, err
	}

	var pattern [8]byte
	binary.LittleEndian.PutUint64(pattern[:], targetBase)

	idx := bytes.Index(window, pattern[:])
	if idx < 0 || idx+16 > len(window) {
		return 0, ErrPatternNotFound
	}
	size := binary.LittleEndian.Uint64(window[idx+8:])
	l.log.Debugf("pattern match at window offset %#x, size %#x", idx, size)
	return size, nil
}

// ResolveSize runs the full fallback chain: structured walk, raw pattern
// scan, then the raw mapped span. A recovered size larger than the clamp
// factor times the mapped span is discarded as implausible.
func (l *Locator) ResolveSize(head, targetBase, mappedSize uint64) uint64 {
	size, err := l.findInChain(head, targetBase)
	if err != nil {
		l.log.Debugf("soinfo walk failed (%v), trying pattern search", err)
		size, err = l.scanChainWindow(head, targetBase)
	}
	if err != nil {
		l.log.Infof("pattern search failed (%v), using mapped span %#x", err, mappedSize)
		return mappedSize
	}
	if size == 0 || size > mappedSize*l.conf.SizeClampFactor {
		l.log.Infof("recovered size %#x implausible, using mapped span %#x", size, mappedSize)
		return mappedSize
	}
	return size
}
