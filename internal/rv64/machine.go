package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// Machine represents a complete RV64IMA system: a hart, an MMU, and the
// bus wiring together DRAM, CLINT, PLIC, UART and an optional virtio-mmio
// block device.
type Machine struct {
	CPU    *CPU
	Bus    *Bus
	MMU    *MMU
	CLINT  *CLINT
	PLIC   *PLIC
	UART   *UART
	Virtio *VirtioBlockDevice

	// Debug output
	DebugOutput io.Writer

	// Halt flag
	halted atomic.Bool

	// stopOnZero halts the machine when the guest drives PC to zero —
	// this emulator's termination convention, used by test fixtures and
	// guest shutdown code alike, since there is no SBI/hosted-syscall
	// surface to call out through instead.
	stopOnZero bool

	// Instruction count for yielding
	instructionCount uint64

	// watchpoint, if armed, is checked once per Step after execution.
	watchpoint *Watchpoint
}

// WatchAction names what happens when a watchpoint fires.
type WatchAction int

const (
	// WatchExit halts the machine immediately.
	WatchExit WatchAction = iota
	// WatchStep drops the machine into single-step mode.
	WatchStep
)

// Watchpoint triggers when a named register, or the PC (sampled before
// translation), reaches Value. Reg -1 watches PC; 0..31 watches x0..x31.
type Watchpoint struct {
	Reg    int
	Value  uint64
	Action WatchAction
}

// ErrWatchpoint is returned by Step/Run when an armed watchpoint fires with
// WatchExit.
var ErrWatchpoint = errors.New("watchpoint hit")

// SetWatchpoint arms a watchpoint, replacing any previously armed one. Pass
// nil to disarm.
func (m *Machine) SetWatchpoint(w *Watchpoint) {
	m.watchpoint = w
}

// CheckWatchpoint reports whether the armed watchpoint (if any) fires for
// the current CPU state, and whether it demands an immediate halt (as
// opposed to dropping into single-step mode, which is the CLI driver's
// responsibility).
func (m *Machine) CheckWatchpoint() (fired bool, exit bool) {
	return m.checkWatchpoint()
}

func (m *Machine) checkWatchpoint() (fired bool, exit bool) {
	if m.watchpoint == nil {
		return false, false
	}
	var val uint64
	if m.watchpoint.Reg < 0 {
		val = m.CPU.PC
	} else {
		val = m.CPU.ReadReg(uint32(m.watchpoint.Reg))
	}
	if val != m.watchpoint.Value {
		return false, false
	}
	return true, m.watchpoint.Action == WatchExit
}

// NewMachine creates a new RV64IMA machine. disk may be nil, in which
// case no virtio-mmio device is mapped at all (software probing that
// address range sees "no device" rather than an empty disk).
func NewMachine(ramSize uint64, output io.Writer, input io.Reader, disk []byte) (*Machine, error) {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, input)

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	m := &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
	}

	if disk != nil {
		virtio, err := NewVirtioBlockDevice(bus, disk)
		if err != nil {
			return nil, err
		}
		bus.AddDevice(VirtIOBase, virtio)
		m.Virtio = virtio
	}

	return m, nil
}

// Reset resets the machine to initial state
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.halted.Store(false)
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when the guest drives PC to zero.
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// updateIRQLines recomputes the PLIC's live pending bits from the
// devices that assert fixed interrupt sources. Called once per Tick so
// the PLIC never has to poll devices itself.
func (m *Machine) updateIRQLines() {
	m.PLIC.SetPending(PLICSourceUART, m.UART.InterruptPending)
	if m.Virtio != nil {
		m.PLIC.SetPending(PLICSourceVirtio, m.Virtio.IRQPending())
	}
}

// Step advances the machine by one unit of simulated time, in the order
// the core is specified to follow: tick peripherals, sample pending
// interrupts, fetch, execute, update PC.
func (m *Machine) Step() error {
	m.Bus.Tick()
	m.updateIRQLines()

	// Check for pending interrupts
	if !m.CPU.WFI {
		if pending, cause := m.CPU.CheckInterrupt(); pending {
			m.CPU.HandleTrap(cause, m.interruptTval(cause))
			return nil
		}
	} else {
		// WFI - check if we should wake up
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			return nil // Still waiting
		}
	}

	// Translate instruction address
	pc := m.CPU.PC
	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	// Fetch instruction
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return nil
	}

	// Save old PC for exception handling
	oldPC := m.CPU.PC

	// Execute instruction
	err = m.executeWithMMU(insn)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			m.CPU.PC = oldPC
			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	// Guest drove PC to zero: the termination convention for this
	// emulator, checked only when stopOnZero is armed; the halt is then
	// visible through IsHalted and Step/Run's ErrHalt.
	if m.stopOnZero && m.CPU.PC == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	// If PC wasn't changed by a jump, increment it
	if m.CPU.PC == oldPC {
		m.CPU.PC += 4
	}

	// Update counters
	m.CPU.Cycle++
	m.CPU.Instret++
	m.instructionCount++

	if m.CPU.Log != nil {
		m.CPU.Log.Debug("retired", "pc", fmt.Sprintf("0x%x", oldPC), "insn", fmt.Sprintf("0x%08x", insn), "priv", m.CPU.Priv)
	}

	if fired, exit := m.checkWatchpoint(); fired && exit {
		m.halted.Store(true)
		return ErrWatchpoint
	}

	return nil
}

// interruptTval reports the value HandleTrap should latch into *TVAL for a
// delivered interrupt. Software and timer interrupts carry no such value;
// an external interrupt's *TVAL holds the IRQ number the PLIC would hand
// out for the matching context's next claim, sampled here rather than
// waiting for the handler to read the claim register itself.
func (m *Machine) interruptTval(cause uint64) uint64 {
	switch cause {
	case CauseMExternalInt:
		return uint64(m.PLIC.PendingSource(0))
	case CauseSExternalInt:
		return uint64(m.PLIC.PendingSource(1))
	default:
		return 0
	}
}

// executeWithMMU executes an instruction with MMU translation for memory ops
func (m *Machine) executeWithMMU(insn uint32) error {
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// execLoadMMU translates vaddr through the MMU and then performs the same
// width-dispatched read execLoad does for the untranslated (M-mode,
// identity-mapped) case.
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	size, signExt, ok := loadWidth(funct3(insn))
	if !ok {
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	val, err := busRead(m.Bus, paddr, size, signExt)
	if err != nil {
		return Exception(CauseLoadAccessFault, vaddr)
	}
	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU translates vaddr through the MMU and then performs the
// same width-dispatched write execStore does, additionally invalidating
// any reservation the store's granule overlaps.
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	size, ok := storeWidth(funct3(insn))
	if !ok {
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if err := busWrite(m.Bus, paddr, size, m.CPU.ReadReg(rs2(insn))); err != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	// A plain store still invalidates an outstanding LR reservation if it
	// overlaps the reserved granule, same as any other intervening write.
	m.CPU.invalidateReservation(vaddr, size)

	return nil
}

// execAMOMMU executes atomic operations with MMU
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Temporarily swap bus address translation
	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr, vaddr: vaddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus wraps Bus to use a pre-translated address
type translatedBus struct {
	bus   *Bus
	paddr uint64
	vaddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// Run runs the machine until halted or context cancelled, yielding to
// check ctx.Err() every yieldAfter instructions.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i := int64(0); i < yieldAfter; i++ {
			err := m.Step()
			if err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				if errors.Is(err, ErrWatchpoint) {
					return ErrWatchpoint
				}
				var fatal *FatalError
				if errors.As(err, &fatal) {
					return fmt.Errorf("fatal error at PC=0x%x: %w", m.CPU.PC, err)
				}
				return fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
			}
		}
	}
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
