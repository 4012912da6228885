package rv64

import (
	"fmt"
	"io"
)

// MemoryRegion is linear, byte-addressable RAM: the Bus's fast path for the
// guest's DRAM, and also reused as the backing store for any device that
// just needs a flat byte array behind a Device interface.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion creates a new memory region of the given size
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{
		Data: make([]byte, size),
	}
}

// Read implements Device
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// ReadAt implements io.ReaderAt for loading data
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	return n, nil
}

// WriteAt implements io.WriterAt for loading data
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset out of bounds")
	}
	n := copy(m.Data[off:], p)
	return n, nil
}

// Slice returns a slice of the memory region
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

var _ Device = (*MemoryRegion)(nil)
