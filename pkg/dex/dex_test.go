package dex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory implements proc.MemoryReader by reading from a byte slice
// mapped at a synthetic base address.
type fakeMemory struct {
	base uint64
	data []byte
}

func (m *fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	if addr < m.base || addr+uint64(len(buf)) > m.base+uint64(len(m.data)) {
		return 0, fmt.Errorf("read %#x+%d out of bounds", addr, len(buf))
	}
	copy(buf, m.data[addr-m.base:])
	return len(buf), nil
}

// buildDexImage returns a buffer laid out like an in-memory dex image: a
// map section at mapOff with entryCount entries, a consistent string_ids
// offset, and a deliberately stale declared file size.
func buildDexImage(withMagic bool, mapOff, entryCount uint32) []byte {
	size := mapOff + entryCount*mapEntrySize + 4
	buf := make([]byte, size)
	for i := uint32(HeaderSize); i < size; i++ {
		buf[i] = byte(i)
	}
	if withMagic {
		copy(buf, Magic)
	}
	binary.LittleEndian.PutUint32(buf[fileSizeOffset:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(buf[stringIdsOffOffset:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[mapOffOffset:], mapOff)
	binary.LittleEndian.PutUint32(buf[mapOff:], entryCount)
	return buf
}

func TestGuessSizeIgnoresDeclaredFileSize(t *testing.T) {
	const base = uint64(0x7f4200000000)
	img := buildDexImage(true, 0x200, 3)
	mem := &fakeMemory{base: base, data: img}

	declared, real, err := guessSize(mem, base)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), declared)
	require.Equal(t, uint32(0x200+3*mapEntrySize+4), real,
		"size must come from the map section, not the file_size field")
}

func TestGuessSizeRejectsNonStandardHeader(t *testing.T) {
	const base = uint64(0x7f4200000000)
	img := buildDexImage(true, 0x200, 3)
	binary.LittleEndian.PutUint32(img[stringIdsOffOffset:], 0x74)
	mem := &fakeMemory{base: base, data: img}

	_, _, err := guessSize(mem, base)
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestGuessSizeOverflowAbortsMatch(t *testing.T) {
	const base = uint64(0x7f4200000000)
	// Only the header and the map count need to be mapped; an entry count
	// this large pushes map_off + map_size*12 + 4 past 32 bits.
	buf := make([]byte, 0x204)
	copy(buf, Magic)
	binary.LittleEndian.PutUint32(buf[stringIdsOffOffset:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[mapOffOffset:], 0x200)
	binary.LittleEndian.PutUint32(buf[0x200:], 0x40000000)
	mem := &fakeMemory{base: base, data: buf}

	_, _, err := guessSize(mem, base)
	require.ErrorIs(t, err, ErrSizeOverflow)
}

func TestGuessSizeUnreadableMap(t *testing.T) {
	const base = uint64(0x7f4200000000)
	img := buildDexImage(true, 0x200, 3)
	// Point the map section past the mapped bytes.
	binary.LittleEndian.PutUint32(img[mapOffOffset:], uint32(len(img)+0x1000))
	mem := &fakeMemory{base: base, data: img}

	_, _, err := guessSize(mem, base)
	require.Error(t, err)
}

func TestFixHeaderSynthesizesCanonicalFields(t *testing.T) {
	img := buildDexImage(false, 0x100, 2)
	binary.LittleEndian.PutUint32(img[endianTagOffset:], 0x11111111)

	fixed, err := fixHeader(img)
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(fixed, Magic))
	require.Equal(t, uint32(len(img)), binary.LittleEndian.Uint32(fixed[fileSizeOffset:]))
	require.Equal(t, uint32(HeaderSize), binary.LittleEndian.Uint32(fixed[headerSizeOffset:]))
	require.Equal(t, uint32(endianTag), binary.LittleEndian.Uint32(fixed[endianTagOffset:]),
		"an unrecognized endian tag is corrupt and must be replaced")
}

func TestFixHeaderKeepsRecognizedEndianTags(t *testing.T) {
	for _, tag := range []uint32{endianTag, endianTagSwapped} {
		img := buildDexImage(false, 0x100, 2)
		binary.LittleEndian.PutUint32(img[endianTagOffset:], tag)

		fixed, err := fixHeader(img)
		require.NoError(t, err)
		require.Equal(t, tag, binary.LittleEndian.Uint32(fixed[endianTagOffset:]),
			"a recognized tag, even byte-swapped, is left untouched")
	}
}

func TestFixHeaderPreservesTail(t *testing.T) {
	img := buildDexImage(false, 0x100, 2)
	fixed, err := fixHeader(img)
	require.NoError(t, err)
	require.Equal(t, img[HeaderSize:], fixed[HeaderSize:],
		"only header fields may be rewritten")
}

func TestFixHeaderIdempotent(t *testing.T) {
	img := buildDexImage(false, 0x100, 2)
	once, err := fixHeader(img)
	require.NoError(t, err)
	twice, err := fixHeader(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestFixHeaderShortBuffer(t *testing.T) {
	_, err := fixHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortBuffer)
}
