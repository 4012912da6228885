package rv64

import (
	"fmt"
)

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// Ticker is implemented by devices whose state advances with wall-time-free
// bus ticks (CLINT's mtime counter, the UART's staged transmitter).
type Ticker interface {
	Tick()
}

// MemoryRegion (the bus's DRAM backing store) lives in dram.go.

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// BusInterface defines the interface for memory bus operations
type BusInterface interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Bus connects the CPU to memory and devices over a single unified
// physical address space. Every peripheral that needs to advance with
// time (CLINT, UART) is driven once per Tick call rather than polling a
// wall clock, so a run's timing is reproducible.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	tickers []Ticker

	// currentIRQ is the most recently claimed-or-asserted external
	// interrupt source, exposed for debugging/diagnostics.
	currentIRQ uint32
}

// NewBus creates a new bus with the given RAM size
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: RAMBase,
	}
}

// AddDevice adds a device mapping to the bus. A device implementing Ticker
// is also registered to receive Tick calls.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{
		Base:   base,
		Size:   dev.Size(),
		Device: dev,
	})
	if t, ok := dev.(Ticker); ok {
		bus.tickers = append(bus.tickers, t)
	}
}

// Tick advances every tick-driven peripheral on the bus by one step. The
// machine calls this at the start of every Step (its unit of simulated
// time), so CLINT's mtime, the UART's transmitter and the virtio queue
// walk stay in lockstep with each other independent of host wall-clock
// scheduling. The PLIC is not a Ticker; Machine.Step refreshes its
// pending lines right after Tick.
func (bus *Bus) Tick() {
	for _, t := range bus.tickers {
		t.Tick()
	}
}

// CurrentIRQ reports the most recently latched external interrupt source,
// for diagnostics.
func (bus *Bus) CurrentIRQ() uint32 {
	return bus.currentIRQ
}

// SetCurrentIRQ records the most recently latched external interrupt
// source. Machine does not call it; interrupt delivery takes the IRQ
// number from PLIC.PendingSource instead.
func (bus *Bus) SetCurrentIRQ(source uint32) {
	bus.currentIRQ = source
}

// findDevice finds a device at the given address
func (bus *Bus) findDevice(addr uint64) (Device, uint64, error) {
	// Fast path for RAM
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, nil
	}

	// Check devices
	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, nil
		}
	}

	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

// Read reads from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write writes to the bus
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

// Read8 reads a byte from the bus
func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

// Read16 reads a halfword from the bus
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

// Read32 reads a word from the bus
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write8 writes a byte to the bus
func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

// Write16 writes a halfword to the bus
func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

// Write32 writes a word to the bus
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes loads bytes into the bus at the given address
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	// Fast path for RAM
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}

	// Slow path - write byte by byte
	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch fetches a 32-bit instruction word from memory. There is no
// compressed-instruction support, so every fetch is a full aligned word.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	return bus.Read32(addr)
}

var _ BusInterface = (*Bus)(nil)
