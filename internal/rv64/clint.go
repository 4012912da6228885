package rv64

import (
	"sync/atomic"
)

// CLINT register offsets
const (
	CLINTMsip     = 0x0000 // Machine Software Interrupt Pending (per hart)
	CLINTMtimecmp = 0x4000 // Machine Timer Compare (per hart)
	CLINTMtime    = 0xbff8 // Machine Time
)

// CLINTTicksPerMtime is the number of bus ticks that elapse mtime by one.
const CLINTTicksPerMtime = 8

// CLINT implements the Core Local Interruptor. Unlike a wall-clock timer,
// mtime here advances strictly with Tick calls: by one every
// CLINTTicksPerMtime bus ticks, so a run is reproducible independent of
// host scheduling.
type CLINT struct {
	cpu *CPU

	msip uint32

	mtime    uint64
	mtimecmp uint64

	tickCount uint64
}

// NewCLINT creates a new CLINT
func NewCLINT(cpu *CPU) *CLINT {
	return &CLINT{
		cpu:      cpu,
		mtimecmp: ^uint64(0), // no timer interrupt until software sets a deadline
	}
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		return uint64(atomic.LoadUint32(&c.msip)), nil

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, nil

	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.mtime, nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= CLINTMsip && offset < CLINTMsip+4:
		if value&1 != 0 {
			atomic.StoreUint32(&c.msip, 1)
			c.cpu.WriteBit(CSRMip, 3, true)
		} else {
			atomic.StoreUint32(&c.msip, 0)
			c.cpu.WriteBit(CSRMip, 3, false)
		}

	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		if size == 4 {
			if offset == CLINTMtimecmp {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
			} else {
				c.mtimecmp = (c.mtimecmp &^ 0xffffffff00000000) | ((value & 0xffffffff) << 32)
			}
		} else {
			c.mtimecmp = value
		}
		if c.mtimecmp > c.mtime {
			c.cpu.WriteBit(CSRMip, 7, false)
		}
	}

	return nil
}

// Tick advances the CLINT's internal tick counter, rolling mtime forward
// once every CLINTTicksPerMtime ticks, and latches mip.MTIP whenever
// mtime has reached mtimecmp.
func (c *CLINT) Tick() {
	c.tickCount++
	if c.tickCount >= CLINTTicksPerMtime {
		c.tickCount = 0
		c.mtime++
	}
	if c.mtimecmp > 0 && c.mtime >= c.mtimecmp {
		c.cpu.WriteBit(CSRMip, 7, true)
	}
}

var _ Device = (*CLINT)(nil)
