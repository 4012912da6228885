package rv64

import (
	"sync"
)

// PLIC register offsets
const (
	PLICPriorityBase  = 0x000000 // Priority registers (1024 sources)
	PLICPendingBase   = 0x001000 // Pending bits
	PLICEnableBase    = 0x002000 // Enable bits per context
	PLICThresholdBase = 0x200000 // Threshold and claim per context
)

// PLIC context offsets (per-hart, per-mode)
const (
	PLICContextStride = 0x1000
)

// Maximum number of interrupt sources
const PLICMaxSources = 1024

// Fixed source numbers for the two wired devices.
const (
	PLICSourceVirtio = 1
	PLICSourceUART   = 10
)

// PLIC implements the Platform Level Interrupt Controller. Pending bits are
// a live view of each device's IRQ line, recomputed from SetPending every
// time the owning device's state changes (normally once per bus Tick) —
// not a one-shot latch cleared by claim. A device that is still asserting
// its line remains visible to the next claim even after a previous claim,
// matching the level-triggered wiring of a real PLIC.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	// Priority for each source (0-7, 0 = disabled)
	priority [PLICMaxSources]uint32

	// Pending bits (1 bit per source) — the live IRQ line state.
	pending [PLICMaxSources / 32]uint32

	// Enable bits per context.
	// For simplicity, we only support 2 contexts: M-mode and S-mode.
	enable [2][PLICMaxSources / 32]uint32

	// Threshold per context
	threshold [2]uint32

	// Claimed interrupt per context: the source handed out by the last
	// claim that has not yet been completed.
	claimed [2]uint32
}

// NewPLIC creates a new PLIC
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{
		cpu: cpu,
	}
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources {
			return uint64(p.priority[source]), nil
		}

	case offset >= PLICPendingBase && offset < PLICEnableBase:
		word := (offset - PLICPendingBase) / 4
		if word < uint64(len(p.pending)) {
			return uint64(p.pending[word]), nil
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			return uint64(p.enable[context][word]), nil
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // Threshold
				return uint64(p.threshold[context]), nil
			case 4: // Claim
				return uint64(p.claim(int(context))), nil
			}
		}
	}

	return 0, nil
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < PLICPendingBase:
		source := offset / 4
		if source < PLICMaxSources && source > 0 { // Source 0 is reserved
			p.priority[source] = uint32(value) & 7 // 3 bits
		}

	case offset >= PLICEnableBase && offset < PLICThresholdBase:
		relOffset := offset - PLICEnableBase
		context := relOffset / 0x80
		word := (relOffset % 0x80) / 4
		if context < 2 && word < uint64(len(p.enable[0])) {
			p.enable[context][word] = uint32(value)
		}

	case offset >= PLICThresholdBase:
		relOffset := offset - PLICThresholdBase
		context := relOffset / PLICContextStride
		regOffset := relOffset % PLICContextStride

		if context < 2 {
			switch regOffset {
			case 0: // Threshold
				p.threshold[context] = uint32(value) & 7
			case 4: // Complete
				p.complete(int(context), uint32(value))
			}
		}
	}

	p.updateInterrupt()
	return nil
}

// SetPending sets a device's live IRQ line state for source. Call this
// whenever the owning device's interrupt condition may have changed
// (typically once per Tick); it is the only way pending bits change other
// than through claim/complete bookkeeping of which context currently holds
// a source.
func (p *PLIC) SetPending(source uint32, pending bool) {
	if source == 0 || source >= PLICMaxSources {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	word := source / 32
	bit := source % 32

	if pending {
		p.pending[word] |= 1 << bit
	} else {
		p.pending[word] &^= 1 << bit
	}

	p.updateInterrupt()
}

// claim returns the highest-priority pending, enabled, above-threshold
// source for a context, ties broken toward the lower source number since
// the scan runs in ascending order and only replaces bestSource on a
// strictly greater priority. The pending bit is left untouched — it still
// reflects the device's live IRQ line — only claimed[context] is recorded,
// so a future claim will not re-hand out the same source to the same
// context until complete() releases it.
func (p *PLIC) claim(context int) uint32 {
	if context >= 2 || p.claimed[context] != 0 {
		return 0
	}

	bestSource := p.bestPending(context)
	if bestSource != 0 {
		p.claimed[context] = bestSource
	}

	p.updateInterrupt()
	return bestSource
}

// bestPending scans for the highest-priority pending, enabled, above-
// threshold source for a context without recording a claim. Shared by
// claim() and the externally visible PendingSource() peek.
func (p *PLIC) bestPending(context int) uint32 {
	if context >= 2 || p.claimed[context] != 0 {
		return 0
	}

	var bestSource, bestPriority uint32
	for source := uint32(1); source < PLICMaxSources; source++ {
		word := source / 32
		bit := source % 32

		if (p.pending[word] & (1 << bit)) == 0 {
			continue
		}
		if (p.enable[context][word] & (1 << bit)) == 0 {
			continue
		}

		priority := p.priority[source]
		if priority <= p.threshold[context] {
			continue
		}

		if priority > bestPriority {
			bestPriority = priority
			bestSource = source
		}
	}

	return bestSource
}

// PendingSource reports the source number a claim for context would
// currently hand out, without consuming it. Used to populate *tval with
// the external IRQ number at interrupt delivery time, independent of the
// hart's own claim/complete MMIO sequence which happens later in the trap
// handler.
func (p *PLIC) PendingSource(context int) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bestPending(context)
}

// complete signals completion of interrupt handling, releasing the
// context's claim so the source becomes eligible for claim again if its
// line is still asserted.
func (p *PLIC) complete(context int, source uint32) {
	if context >= 2 || source == 0 || source >= PLICMaxSources {
		return
	}

	if p.claimed[context] == source {
		p.claimed[context] = 0
	}

	p.updateInterrupt()
}

// updateInterrupt updates the external interrupt pending bits
func (p *PLIC) updateInterrupt() {
	mInt := p.hasPendingInterrupt(0)
	p.cpu.WriteBit(CSRMip, 11, mInt)

	sInt := p.hasPendingInterrupt(1)
	p.cpu.WriteBit(CSRMip, 9, sInt)
}

// hasPendingInterrupt checks if there's a pending, unclaimed interrupt
// above threshold for a context.
func (p *PLIC) hasPendingInterrupt(context int) bool {
	if context >= 2 {
		return false
	}
	if p.claimed[context] != 0 {
		return false
	}

	for source := uint32(1); source < PLICMaxSources; source++ {
		word := source / 32
		bit := source % 32

		if (p.pending[word] & (1 << bit)) == 0 {
			continue
		}
		if (p.enable[context][word] & (1 << bit)) == 0 {
			continue
		}

		if p.priority[source] > p.threshold[context] {
			return true
		}
	}

	return false
}

var _ Device = (*PLIC)(nil)
