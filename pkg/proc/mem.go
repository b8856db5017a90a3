package proc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory and a short read is always reported as
// an error. Callers must treat any failure as "unreadable, skip and
// continue", never as a fatal condition for a whole scan.
type MemoryReader interface {
	// ReadMemory fills buf with the target's memory at addr.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// ReadMemory reads len(data) bytes of the target's address space at addr
// through the /proc/<pid>/mem handle. Reads that cross into unmapped
// memory fail; no truncated data is ever returned.
func (p *Process) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if _, err := p.mem.Seek(int64(addr), io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek %#x: %v", addr, err)
	}
	n, err = io.ReadFull(p.mem, data)
	if err != nil {
		return n, fmt.Errorf("read %#x-%#x: %v", addr, addr+uint64(len(data)), err)
	}
	return n, nil
}

// ReadUint32 reads a little-endian uint32 from the target at addr.
func ReadUint32(mem MemoryReader, addr uint64) (uint32, error) {
	var buf [4]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian uint64 from the target at addr.
func ReadUint64(mem MemoryReader, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := mem.ReadMemory(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
