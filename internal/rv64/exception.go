package rv64

import "fmt"

// ExceptionError represents one of the CPU's synchronous exception kinds.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: cause=%d tval=0x%x", e.Cause, e.Tval)
}

// Exception creates an exception with the given cause and tval.
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

// FatalError represents an unrecoverable condition: a decoded-but-unknown
// opcode, or an access to physical memory outside any defined region
// outside of a legal fault path. Unlike ExceptionError, it is never routed
// through the trap pipeline — Run propagates it and the caller terminates.
type FatalError struct {
	msg string
}

func (e *FatalError) Error() string { return e.msg }

func fatalUnknownInsn(insn uint32, pc uint64) error {
	return &FatalError{msg: fmt.Sprintf("unknown instruction: 0x%x (pc: 0x%x)", insn, pc)}
}

func fatalInvalidPaddr(addr uint64) error {
	return &FatalError{msg: fmt.Sprintf("invalid paddr: 0x%x", addr)}
}

// CheckInterrupt reports whether a pending, enabled interrupt should
// preempt the next step, in RISC-V's standard priority order: machine
// external/software/timer, then supervisor, then user.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.CSR.read(CSRMip) & cpu.CSR.read(CSRMie)
	if pending == 0 {
		return false, 0
	}

	mstatus := cpu.CSR.read(CSRMstatus)

	enabledAt := func(level uint8) bool {
		if cpu.Priv < level {
			return true
		}
		if cpu.Priv > level {
			return false
		}
		switch level {
		case PrivMachine:
			return mstatus&MstatusMIE != 0
		case PrivSupervisor:
			return mstatus&MstatusSIE != 0
		default:
			return mstatus&MstatusUIE != 0
		}
	}

	type candidate struct {
		bit   uint64
		level uint8
		cause uint64
	}
	order := []candidate{
		{MipMEIP, PrivMachine, CauseMExternalInt},
		{MipMSIP, PrivMachine, CauseMSoftwareInt},
		{MipMTIP, PrivMachine, CauseMTimerInt},
		{MipSEIP, PrivSupervisor, CauseSExternalInt},
		{MipSSIP, PrivSupervisor, CauseSSoftwareInt},
		{MipSTIP, PrivSupervisor, CauseSTimerInt},
		{MipUEIP, PrivUser, CauseUExternalInt},
		{MipUSIP, PrivUser, CauseUSoftwareInt},
		{MipUTIP, PrivUser, CauseUTimerInt},
	}

	for _, c := range order {
		if pending&c.bit != 0 && enabledAt(c.level) {
			return true, c.cause
		}
	}

	return false, 0
}

// HandleTrap drives a synchronous exception or asynchronous interrupt
// through the trap entry sequence: delegation routing, EPC/CAUSE/TVAL
// save, status save/restore, privilege change, and PC redirect to the
// target level's trap vector.
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := cause>>63 != 0
	code := cause & 0x3f

	target := cpu.delegationTarget(code, isInterrupt)

	mstatus := cpu.CSR.read(CSRMstatus)
	prevPriv := cpu.Priv

	switch target {
	case PrivMachine:
		cpu.CSR.write(CSRMepc, cpu.PC)
		cpu.CSR.write(CSRMcause, cause)
		cpu.CSR.write(CSRMtval, tval)

		mstatus = WriteBit(mstatus, 7, mstatus&MstatusMIE != 0) // MPIE <- MIE
		mstatus = WriteBit(mstatus, 3, false)                   // MIE <- 0
		mstatus = WriteBitRange(mstatus, MstatusMPPShift, MstatusMPPShift+2, uint64(prevPriv))
		cpu.CSR.write(CSRMstatus, mstatus)

		cpu.Priv = PrivMachine
		cpu.PC = trapTarget(cpu.CSR.read(CSRMtvec), code, isInterrupt)

	case PrivSupervisor:
		cpu.CSR.write(CSRSepc, cpu.PC)
		cpu.CSR.write(CSRScause, cause)
		cpu.CSR.write(CSRStval, tval)

		mstatus = WriteBit(mstatus, 5, mstatus&MstatusSIE != 0) // SPIE <- SIE
		mstatus = WriteBit(mstatus, 1, false)                   // SIE <- 0
		mstatus = WriteBit(mstatus, MstatusSPPShift, prevPriv == PrivSupervisor)
		cpu.CSR.write(CSRMstatus, mstatus)

		cpu.Priv = PrivSupervisor
		cpu.PC = trapTarget(cpu.CSR.read(CSRStvec), code, isInterrupt)

	default: // PrivUser
		cpu.CSR.write(CSRUepc, cpu.PC)
		cpu.CSR.write(CSRUcause, cause)
		cpu.CSR.write(CSRUtval, tval)

		mstatus = WriteBit(mstatus, 4, mstatus&MstatusUIE != 0) // UPIE <- UIE
		mstatus = WriteBit(mstatus, 0, false)                   // UIE <- 0
		cpu.CSR.write(CSRMstatus, mstatus)

		cpu.Priv = PrivUser
		cpu.PC = trapTarget(cpu.CSR.read(CSRUtvec), code, isInterrupt)
	}

	if isInterrupt {
		mip := cpu.CSR.read(CSRMip)
		cpu.CSR.write(CSRMip, mip&^(uint64(1)<<code))
	}
}

// delegationTarget computes the target privilege for a trap: Machine
// unless the exception/interrupt bit is set in M[EI]DELEG, else Supervisor
// unless also set in S[EI]DELEG, else User.
func (cpu *CPU) delegationTarget(code uint64, isInterrupt bool) uint8 {
	if cpu.Priv == PrivMachine {
		return PrivMachine
	}

	var mdeleg, sdeleg uint64
	if isInterrupt {
		mdeleg = cpu.CSR.read(CSRMideleg)
		sdeleg = cpu.CSR.read(CSRSideleg)
	} else {
		mdeleg = cpu.CSR.read(CSRMedeleg)
		sdeleg = cpu.CSR.read(CSRSedeleg)
	}

	if !ReadBit(mdeleg, int(code)) {
		return PrivMachine
	}
	if !ReadBit(sdeleg, int(code)) {
		return PrivSupervisor
	}
	return PrivUser
}

// trapTarget computes the PC after a trap: direct mode jumps straight to
// the base, vectored mode (low bit set) offsets interrupts by 4*cause.
func trapTarget(tvec uint64, code uint64, isInterrupt bool) uint64 {
	base := tvec &^ uint64(3)
	if tvec&1 == 1 && isInterrupt {
		return base + 4*code
	}
	return base
}

// handleMret executes the MRET trap-return sequence.
func (cpu *CPU) handleMret() error {
	if cpu.Priv < PrivMachine {
		return Exception(CauseIllegalInsn, 0)
	}

	mstatus := cpu.CSR.read(CSRMstatus)
	mpp := uint8(ReadBitRange(mstatus, MstatusMPPShift, MstatusMPPShift+2))

	mstatus = WriteBit(mstatus, 3, mstatus&MstatusMPIE != 0) // MIE <- MPIE
	mstatus = WriteBit(mstatus, 7, true)                     // MPIE <- 1
	mstatus = WriteBitRange(mstatus, MstatusMPPShift, MstatusMPPShift+2, uint64(PrivUser))
	cpu.CSR.write(CSRMstatus, mstatus)

	cpu.Priv = mpp
	cpu.PC = cpu.CSR.read(CSRMepc)
	return nil
}

// handleSret executes the SRET trap-return sequence.
func (cpu *CPU) handleSret() error {
	if cpu.Priv < PrivSupervisor {
		return Exception(CauseIllegalInsn, 0)
	}

	mstatus := cpu.CSR.read(CSRMstatus)
	var spp uint8 = PrivUser
	if ReadBit(mstatus, MstatusSPPShift) {
		spp = PrivSupervisor
	}

	mstatus = WriteBit(mstatus, 1, mstatus&MstatusSPIE != 0) // SIE <- SPIE
	mstatus = WriteBit(mstatus, 5, true)                     // SPIE <- 1
	mstatus = WriteBit(mstatus, MstatusSPPShift, false)
	cpu.CSR.write(CSRMstatus, mstatus)

	cpu.Priv = spp
	cpu.PC = cpu.CSR.read(CSRSepc)
	return nil
}

// handleUret executes the URET trap-return sequence (trap always returns
// to User since there is no level below it).
func (cpu *CPU) handleUret() error {
	mstatus := cpu.CSR.read(CSRMstatus)
	mstatus = WriteBit(mstatus, 0, mstatus&MstatusUPIE != 0) // UIE <- UPIE
	mstatus = WriteBit(mstatus, 4, true)                     // UPIE <- 1
	cpu.CSR.write(CSRMstatus, mstatus)

	cpu.Priv = PrivUser
	cpu.PC = cpu.CSR.read(CSRUepc)
	return nil
}
