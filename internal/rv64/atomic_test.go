package rv64

import "testing"

func encodeAMO(funct5, rs2, rs1, funct3, rd uint32) uint32 {
	funct7 := funct5 << 2 // aq/rl bits left clear
	return (funct7&0x7f)<<25 | (rs2&0x1f)<<20 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | (rd&0x1f)<<7 | OpAMO
}

func encodeSType(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return ((u>>5)&0x7f)<<25 | (rs2&0x1f)<<20 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | (u&0x1f)<<7 | OpStore
}

func TestLRSCRoundTrip(t *testing.T) {
	bus := NewBus(PageSize)
	cpu := NewCPU(bus)
	cpu.X[1] = RAMBase // address for LR/SC
	cpu.X[2] = 77      // value to conditionally store

	lr := encodeAMO(0b00010, 0, 1, 0b010, 3) // LR.W x3, (x1)
	if err := cpu.Execute(lr); err != nil {
		t.Fatalf("LR.W: %v", err)
	}
	if !cpu.ReservationValid || cpu.Reservation != RAMBase {
		t.Fatalf("LR.W did not record a reservation at 0x%x", RAMBase)
	}

	sc := encodeAMO(0b00011, 2, 1, 0b010, 4) // SC.W x4, x2, (x1)
	if err := cpu.Execute(sc); err != nil {
		t.Fatalf("SC.W: %v", err)
	}
	if cpu.X[4] != 0 {
		t.Errorf("SC.W result = %d, want 0 (success)", cpu.X[4])
	}
	if cpu.ReservationValid {
		t.Error("reservation still valid after a successful SC.W")
	}

	stored, err := bus.Read32(RAMBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if stored != 77 {
		t.Errorf("stored value = %d, want 77", stored)
	}
}

func TestSCFailsWithoutReservation(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	cpu.X[1] = RAMBase
	cpu.X[2] = 1

	sc := encodeAMO(0b00011, 2, 1, 0b010, 4)
	if err := cpu.Execute(sc); err != nil {
		t.Fatalf("SC.W: %v", err)
	}
	if cpu.X[4] != 1 {
		t.Errorf("SC.W result = %d, want 1 (failure, no reservation)", cpu.X[4])
	}
}

func TestSCInvalidatedByInterveningReservationAddress(t *testing.T) {
	cpu := NewCPU(NewBus(2 * PageSize))
	cpu.X[1] = RAMBase
	lr := encodeAMO(0b00010, 0, 1, 0b010, 3)
	if err := cpu.Execute(lr); err != nil {
		t.Fatalf("LR.W: %v", err)
	}

	cpu.X[1] = RAMBase + 8 // SC targets a different address than the LR
	cpu.X[2] = 9
	sc := encodeAMO(0b00011, 2, 1, 0b010, 4)
	if err := cpu.Execute(sc); err != nil {
		t.Fatalf("SC.W: %v", err)
	}
	if cpu.X[4] != 1 {
		t.Errorf("SC.W to a different address = %d, want 1 (failure)", cpu.X[4])
	}
}

// A plain store that overlaps a live reservation must invalidate it, even
// though it never goes through SC — the reservation tracks the granule,
// not just a matching LR/SC pair.
func TestSCInvalidatedByInterveningPlainStore(t *testing.T) {
	m := newTestMachine(t)
	m.CPU.X[1] = RAMBase
	m.CPU.X[2] = 99

	lr := encodeAMO(0b00010, 0, 1, 0b010, 3) // LR.W x3, (x1)
	if err := m.executeWithMMU(lr); err != nil {
		t.Fatalf("LR.W: %v", err)
	}
	if !m.CPU.ReservationValid {
		t.Fatal("LR.W did not arm a reservation")
	}

	sw := encodeSType(0b010, 1, 2, 0) // SW x2, 0(x1)
	if err := m.executeWithMMU(sw); err != nil {
		t.Fatalf("SW: %v", err)
	}
	if m.CPU.ReservationValid {
		t.Fatal("plain store to the reserved address did not invalidate the reservation")
	}

	sc := encodeAMO(0b00011, 2, 1, 0b010, 4) // SC.W x4, x2, (x1)
	if err := m.executeWithMMU(sc); err != nil {
		t.Fatalf("SC.W: %v", err)
	}
	if m.CPU.X[4] != 1 {
		t.Errorf("SC.W after an intervening store = %d, want 1 (failure)", m.CPU.X[4])
	}
}

func TestInvalidateReservationOnlyClearsOverlappingGranule(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	cpu.Reservation = RAMBase + 8
	cpu.ReservationSize = 4
	cpu.ReservationValid = true

	cpu.invalidateReservation(RAMBase, 4) // [RAMBase, RAMBase+4) does not reach RAMBase+8
	if !cpu.ReservationValid {
		t.Fatal("a non-overlapping write invalidated the reservation")
	}

	cpu.invalidateReservation(RAMBase+4, 8) // [RAMBase+4, RAMBase+12) overlaps [RAMBase+8, RAMBase+12)
	if cpu.ReservationValid {
		t.Error("an overlapping write did not invalidate the reservation")
	}
}

func TestAMOADDAccumulates(t *testing.T) {
	bus := NewBus(PageSize)
	if err := bus.Write32(RAMBase, 10); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	cpu := NewCPU(bus)
	cpu.X[1] = RAMBase
	cpu.X[2] = 5

	amoadd := encodeAMO(0b00000, 2, 1, 0b010, 3) // AMOADD.W x3, x2, (x1)
	if err := cpu.Execute(amoadd); err != nil {
		t.Fatalf("AMOADD.W: %v", err)
	}
	if cpu.X[3] != 10 {
		t.Errorf("AMOADD.W returned old value %d, want 10", cpu.X[3])
	}
	v, _ := bus.Read32(RAMBase)
	if v != 15 {
		t.Errorf("memory after AMOADD.W = %d, want 15", v)
	}
}
