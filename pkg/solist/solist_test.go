package solist

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrack/tinydump/pkg/config"
	"github.com/mrack/tinydump/pkg/proc"
)

// fakeMemory implements proc.MemoryReader over a byte slice mapped at a
// synthetic base address, recording the address of every read.
type fakeMemory struct {
	base  uint64
	data  []byte
	reads []uint64
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads = append(m.reads, addr)
	if addr < m.base || addr+uint64(len(buf)) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("read %#x+%d out of bounds", addr, len(buf))
	}
	copy(buf, m.data[addr-m.base:])
	return len(buf), nil
}

const (
	registryBase = uint64(0x7f8800000000)
	targetBase   = uint64(0x7000000000)
)

// putNode writes a soinfo record at offset off: base/size at the default
// field offsets and next as an absolute node address (0 terminates).
func putNode(data []byte, off int, base, size, next uint64) {
	binary.LittleEndian.PutUint64(data[off+config.DefaultSoinfoBaseOffset:], base)
	binary.LittleEndian.PutUint64(data[off+config.DefaultSoinfoSizeOffset:], size)
	binary.LittleEndian.PutUint64(data[off+config.DefaultSoinfoNextOffset:], next)
}

// chainMemory lays out a 5-node chain with the target at the third node.
func chainMemory() *fakeMemory {
	data := make([]byte, 0x1000)
	bases := []uint64{0x7a00000000, 0x7b00000000, targetBase, 0x7c00000000, 0x7d00000000}
	for i, base := range bases {
		next := registryBase + uint64((i+1)*0x100)
		if i == len(bases)-1 {
			next = 0
		}
		putNode(data, i*0x100, base, uint64(0x1000*(i+1)), next)
	}
	return &fakeMemory{base: registryBase, data: data}
}

func testLocator(mem proc.MemoryReader, regions []proc.MemoryRegion) *Locator {
	return New(mem, regions, config.Default())
}

func TestFindInChainVisitsOnlyNeededNodes(t *testing.T) {
	mem := chainMemory()
	l := testLocator(mem, nil)

	size, err := l.findInChain(registryBase, targetBase)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3000), size, "size must come from the matching node")
	require.Equal(t, []uint64{
		registryBase,
		registryBase + 0x100,
		registryBase + 0x200,
	}, mem.reads, "the walk must stop at the matching node")
}

func TestFindInChainTerminatesViaCap(t *testing.T) {
	data := make([]byte, 0x1000)
	// A node whose next pointer loops back to itself never reaches a null
	// terminator; only the cap can end the walk.
	putNode(data, 0, 0x7a00000000, 0x1000, registryBase)
	mem := &fakeMemory{base: registryBase, data: data}

	conf := config.Default()
	conf.MaxSoinfoIterations = 10
	l := New(mem, nil, conf)

	_, err := l.findInChain(registryBase, targetBase)
	require.ErrorIs(t, err, ErrChainExhausted)
	require.Len(t, mem.reads, 10, "steps taken must be bounded by the cap")
}

func TestResolveSizeFallsBackToPatternSearch(t *testing.T) {
	data := make([]byte, 0x1000)
	// Chain is corrupted: the head node's next pointer leads nowhere and
	// its base never matches. The base/size pair still appears raw in the
	// window.
	putNode(data, 0, 0x7a00000000, 0x1000, 0)
	binary.LittleEndian.PutUint64(data[0x500:], targetBase)
	binary.LittleEndian.PutUint64(data[0x508:], 0x4242)
	mem := &fakeMemory{base: registryBase, data: data}

	conf := config.Default()
	conf.ChainWindowSize = len(data)
	l := New(mem, nil, conf)

	size := l.ResolveSize(registryBase, targetBase, 0x1000)
	require.Equal(t, uint64(0x4242), size)
}

func TestResolveSizeClampsImplausibleSizes(t *testing.T) {
	const mappedSize = uint64(0x1000)

	data := make([]byte, 0x1000)
	putNode(data, 0, targetBase, mappedSize*100, 0)
	mem := &fakeMemory{base: registryBase, data: data}

	l := testLocator(mem, nil)
	size := l.ResolveSize(registryBase, targetBase, mappedSize)
	require.Equal(t, mappedSize, size,
		"a size beyond the clamp factor must fall back to the mapped span")
}

func TestResolveSizeMappedSpanWhenPatternAbsent(t *testing.T) {
	data := make([]byte, 0x1000)
	// Readable window, but the target base appears nowhere in it.
	putNode(data, 0, 0x7a00000000, 0x1000, 0)
	mem := &fakeMemory{base: registryBase, data: data}

	conf := config.Default()
	conf.ChainWindowSize = len(data)
	l := New(mem, nil, conf)

	_, err := l.scanChainWindow(registryBase, targetBase)
	require.ErrorIs(t, err, ErrPatternNotFound)

	size := l.ResolveSize(registryBase, targetBase, 0x2000)
	require.Equal(t, uint64(0x2000), size)
}

func TestResolveSizeFallsBackToMappedSpan(t *testing.T) {
	// Nothing is readable at the head: both strategies fail.
	mem := &fakeMemory{base: registryBase, data: nil}
	l := testLocator(mem, nil)

	size := l.ResolveSize(registryBase+0x10000, targetBase, 0x2000)
	require.Equal(t, uint64(0x2000), size)
}

// failingMemory fails the test if any read is attempted.
type failingMemory struct {
	t *testing.T
}

func (m *failingMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.t.Fatalf("unexpected memory read at %#x", addr)
	return 0, nil
}

func TestTargetMappingRejects32BitBeforeAnyRead(t *testing.T) {
	regions := []proc.MemoryRegion{
		{Start: 0x400000, End: 0x500000, Perms: "r-xp", Pathname: "/data/app/libtarget.so"},
	}
	l := testLocator(&failingMemory{t: t}, regions)

	_, _, err := l.TargetMapping("libtarget.so")
	require.ErrorIs(t, err, ErrUnsupportedArch)
}

func TestTargetMappingCoalescesMappings(t *testing.T) {
	regions := []proc.MemoryRegion{
		{Start: 0x7f00002000, End: 0x7f00003000, Perms: "r--p", Pathname: "/data/app/libtarget.so"},
		{Start: 0x7f00000000, End: 0x7f00001000, Perms: "r-xp", Pathname: "/data/app/libtarget.so"},
		{Start: 0x7f00009000, End: 0x7f0000a000, Perms: "rw-p", Pathname: "/data/app/other.so"},
	}
	l := testLocator(&failingMemory{t: t}, regions)

	base, end, err := l.TargetMapping("libtarget.so")
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f00000000), base)
	require.Equal(t, uint64(0x7f00003000), end)
}

func TestTargetMappingNotFound(t *testing.T) {
	l := testLocator(&failingMemory{t: t}, nil)
	_, _, err := l.TargetMapping("libmissing.so")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestSymbolOffsetMissingLinker(t *testing.T) {
	_, err := SymbolOffset(filepath.Join(t.TempDir(), "linker64"))
	require.Error(t, err)
}

func TestSymbolOffsetSymbolNotFound(t *testing.T) {
	// The test binary is a valid ELF with a symbol table that has no
	// solist entry.
	exe, err := os.Executable()
	require.NoError(t, err)

	_, err = SymbolOffset(exe)
	require.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestLinkerBase(t *testing.T) {
	regions := []proc.MemoryRegion{
		{Start: 0x7f11000000, End: 0x7f11100000, Perms: "r-xp", Pathname: "/system/bin/linker64"},
	}
	l := testLocator(&failingMemory{t: t}, regions)

	base, err := l.LinkerBase()
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f11000000), base)

	l = testLocator(&failingMemory{t: t}, nil)
	_, err = l.LinkerBase()
	require.ErrorIs(t, err, ErrLinkerNotFound)
}
