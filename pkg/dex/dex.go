package dex

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/mrack/tinydump/pkg/proc"
)

// Layout of the fixed-size dex header. Offsets are from the start of the
// header, all fields little-endian.
const (
	// HeaderSize is the canonical size of a dex header; string_ids
	// immediately follows the header in every standard dex file, which is
	// what makes the map-based size recovery safe to apply.
	HeaderSize = 0x70

	fileSizeOffset     = 0x20
	headerSizeOffset   = 0x24
	endianTagOffset    = 0x28
	mapOffOffset       = 0x34
	stringIdsOffOffset = 0x3c

	endianTag        = 0x12345678
	endianTagSwapped = 0x78563412

	// mapEntrySize is the size of one map_list entry; the map section is a
	// 4-byte count followed by count entries.
	mapEntrySize = 0xC

	// minRegionSize is the smallest mapping that could still hold a header
	// worth scanning.
	minRegionSize = 0x60
)

// Magic is the canonical magic of a version-035 dex file.
var Magic = []byte("dex\n035\x00")

var (
	// ErrBadHeader is returned when the string_ids offset does not equal
	// the header size; such a header is non-standard and the map-based
	// size recovery does not apply.
	ErrBadHeader = errors.New("non-standard dex header")
	// ErrSizeOverflow is returned when the recovered size computation
	// would overflow a 32-bit size field.
	ErrSizeOverflow = errors.New("dex size computation overflows")
	// ErrShortBuffer is returned when a recovered buffer is too small to
	// hold a full header.
	ErrShortBuffer = errors.New("buffer smaller than dex header")
)

// guessSize recovers the true byte length of the dex image at addr from
// its map section: map_off + map_size*12 + 4. The map section survives in
// memory even when the declared file_size field is a stale artifact, so
// the declared value is returned only for reporting.
func guessSize(mem proc.MemoryReader, addr uint64) (declared, real uint32, err error) {
	declared, err = proc.ReadUint32(mem, addr+fileSizeOffset)
	if err != nil {
		return 0, 0, err
	}

	stringIdsOff, err := proc.ReadUint32(mem, addr+stringIdsOffOffset)
	if err != nil {
		return 0, 0, err
	}
	if stringIdsOff != HeaderSize {
		return 0, 0, ErrBadHeader
	}

	mapOff, err := proc.ReadUint32(mem, addr+mapOffOffset)
	if err != nil {
		return 0, 0, err
	}
	mapSize, err := proc.ReadUint32(mem, addr+uint64(mapOff))
	if err != nil {
		return 0, 0, err
	}

	real64 := uint64(mapOff) + uint64(mapSize)*mapEntrySize + 4
	if real64 > math.MaxUint32 {
		return 0, 0, ErrSizeOverflow
	}
	return declared, uint32(real64), nil
}

// fixHeader synthesizes a canonical header in a copy of dex: the magic,
// file_size and header_size fields are rewritten, and the endian tag is
// replaced only when the existing value is neither the canonical tag nor
// its byte-swapped form. Bytes past the header are left untouched.
func fixHeader(dex []byte) ([]byte, error) {
	if len(dex) < HeaderSize {
		return nil, ErrShortBuffer
	}

	fixed := make([]byte, len(dex))
	copy(fixed, dex)

	copy(fixed, Magic)
	binary.LittleEndian.PutUint32(fixed[fileSizeOffset:], uint32(len(fixed)))
	binary.LittleEndian.PutUint32(fixed[headerSizeOffset:], HeaderSize)

	tag := binary.LittleEndian.Uint32(fixed[endianTagOffset:])
	if tag != endianTag && tag != endianTagSwapped {
		binary.LittleEndian.PutUint32(fixed[endianTagOffset:], endianTag)
	}
	return fixed, nil
}
