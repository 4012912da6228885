package rv64

import "testing"

func encodeI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return (uint32(imm)<<20)&0xfff00000 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | (rd&0x1f)<<7 | (opcode & 0x7f)
}

func encodeU(imm uint32, rd, opcode uint32) uint32 {
	return (imm & 0xfffff000) | (rd&0x1f)<<7 | (opcode & 0x7f)
}

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7&0x7f)<<25 | (rs2&0x1f)<<20 | (rs1&0x1f)<<15 | (funct3&0x7)<<12 | (rd&0x1f)<<7 | (opcode & 0x7f)
}

// ADDI x1, x0, -1 must sign-extend the 12-bit immediate across all 64 bits
// of the destination register.
func TestExecADDISignExtends(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	insn := encodeI(-1, 0, 0b000, 1, OpOpImm)
	if insn != 0xfff00093 {
		t.Fatalf("encoded ADDI = 0x%x, want 0xfff00093", insn)
	}
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != ^uint64(0) {
		t.Errorf("x1 = 0x%x, want 0x%x", cpu.X[1], ^uint64(0))
	}
}

// AUIPC x1, 0 at the DRAM base must produce exactly the DRAM base, since
// the U-type immediate is zero and AUIPC adds it to the current PC.
func TestExecAUIPCAtRAMBase(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	cpu.PC = RAMBase
	insn := encodeU(0, 1, OpAuipc)
	if insn != 0x00000097 {
		t.Fatalf("encoded AUIPC = 0x%x, want 0x97", insn)
	}
	if err := cpu.Execute(insn); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.X[1] != RAMBase {
		t.Errorf("x1 = 0x%x, want RAMBase 0x%x", cpu.X[1], RAMBase)
	}
}

func TestExecBranchTakenAndNotTaken(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	cpu.PC = RAMBase
	cpu.X[1] = 5
	cpu.X[2] = 5

	// BEQ x1, x2, +8
	beq := encodeBType(0b000, 1, 2, 8)
	if err := cpu.Execute(beq); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.PC != RAMBase+8 {
		t.Errorf("PC = 0x%x after taken branch, want 0x%x", cpu.PC, RAMBase+8)
	}

	cpu.PC = RAMBase
	cpu.X[2] = 6
	if err := cpu.Execute(beq); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if cpu.PC != RAMBase {
		t.Errorf("PC = 0x%x after non-taken branch, want unchanged 0x%x", cpu.PC, RAMBase)
	}
}

func encodeBType(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	var insn uint32
	insn |= ((u >> 11) & 0x1) << 7
	insn |= ((u >> 1) & 0xf) << 8
	insn |= (funct3 & 0x7) << 12
	insn |= (rs1 & 0x1f) << 15
	insn |= (rs2 & 0x1f) << 20
	insn |= ((u >> 5) & 0x3f) << 25
	insn |= ((u >> 12) & 0x1) << 31
	insn |= OpBranch
	return insn
}

func TestExecMULAndDIV(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	cpu.X[1] = 6
	cpu.X[2] = 7

	mul := encodeR(0b0000001, 2, 1, 0b000, 3, OpOp)
	if err := cpu.Execute(mul); err != nil {
		t.Fatalf("Execute MUL: %v", err)
	}
	if cpu.X[3] != 42 {
		t.Errorf("MUL result = %d, want 42", cpu.X[3])
	}

	cpu.X[1] = 42
	cpu.X[2] = 6
	div := encodeR(0b0000001, 2, 1, 0b100, 4, OpOp)
	if err := cpu.Execute(div); err != nil {
		t.Fatalf("Execute DIV: %v", err)
	}
	if cpu.X[4] != 7 {
		t.Errorf("DIV result = %d, want 7", cpu.X[4])
	}

	// Division by zero yields all-ones, not a trap.
	cpu.X[2] = 0
	if err := cpu.Execute(div); err != nil {
		t.Fatalf("Execute DIV by zero: %v", err)
	}
	if cpu.X[4] != ^uint64(0) {
		t.Errorf("DIV by zero result = 0x%x, want all-ones", cpu.X[4])
	}
}

func TestExecUnknownOpcodeIsFatal(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize))
	err := cpu.Execute(0x0000006b) // custom-1 opcode, unassigned
	if err == nil {
		t.Fatal("expected a fatal error for an unassigned opcode")
	}
	if _, ok := err.(*FatalError); !ok {
		t.Errorf("err = %T, want *FatalError", err)
	}
}
