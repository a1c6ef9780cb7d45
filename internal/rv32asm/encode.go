// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Package rv32asm encodes the subset of RV32I (plus the Zicfilp landing
// pad and Zicfiss shadow-stack instructions) that this firmware needs,
// and provides Builder, a tiny local-label assembler for writing naked
// routines as sequences of raw instruction words.
package rv32asm

// Reg is an integer register index, x0-x31.
type Reg uint32

// Register aliases used throughout the firmware, matching the standard
// RISC-V calling-convention names.
const (
	Zero Reg = 0
	RA   Reg = 1 // return address
	SP   Reg = 2 // stack pointer
	GP   Reg = 3 // reserved exclusively as the software shadow-stack pointer
	T0   Reg = 5
	T1   Reg = 6
	T2   Reg = 7
	A0   Reg = 10
	A1   Reg = 11
	A2   Reg = 12
	A7   Reg = 17 // syscall number, per the standard RISC-V ecall ABI
	T3   Reg = 28
)

// Opcodes (major, bits 6:0).
const (
	opLoad   = 0x03
	opStore  = 0x23
	opAuipc  = 0x17
	opLui    = 0x37
	opOpImm  = 0x13
	opOp     = 0x33
	opBranch = 0x63
	opJal    = 0x6F
	opJalr   = 0x67
	opSystem = 0x73
)

func rType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func iType(imm uint32, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func sType(imm uint32, rs2, rs1, funct3, opcode uint32) uint32 {
	imm11_5 := (imm >> 5) & 0x7F
	imm4_0 := imm & 0x1F
	return imm11_5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | imm4_0<<7 | opcode
}

func bType(imm uint32, rs2, rs1, funct3, opcode uint32) uint32 {
	imm12 := (imm >> 12) & 0x1
	imm10_5 := (imm >> 5) & 0x3F
	imm4_1 := (imm >> 1) & 0xF
	imm11 := (imm >> 11) & 0x1
	return imm12<<31 | imm10_5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | imm4_1<<8 | imm11<<7 | opcode
}

func uType(imm uint32, rd, opcode uint32) uint32 {
	return (imm & 0xFFFFF000) | rd<<7 | opcode
}

func jType(imm uint32, rd, opcode uint32) uint32 {
	imm20 := (imm >> 20) & 0x1
	imm10_1 := (imm >> 1) & 0x3FF
	imm11 := (imm >> 11) & 0x1
	imm19_12 := (imm >> 12) & 0xFF
	return imm20<<31 | imm10_1<<21 | imm11<<20 | imm19_12<<12 | rd<<7 | opcode
}

// Lui encodes `lui rd, imm20` (imm20 occupies bits 31:12 already).
func Lui(rd Reg, imm20 uint32) uint32 { return uType(imm20<<12, uint32(rd), opLui) }

// Addi encodes `addi rd, rs1, imm12`.
func Addi(rd, rs1 Reg, imm12 int32) uint32 {
	return iType(uint32(imm12), uint32(rs1), 0, uint32(rd), opOpImm)
}

// Andi encodes `andi rd, rs1, imm12`.
func Andi(rd, rs1 Reg, imm12 int32) uint32 {
	return iType(uint32(imm12), uint32(rs1), 7, uint32(rd), opOpImm)
}

// Slli encodes `slli rd, rs1, shamt`.
func Slli(rd, rs1 Reg, shamt uint32) uint32 {
	return iType(shamt&0x1F, uint32(rs1), 1, uint32(rd), opOpImm)
}

// Srli encodes `srli rd, rs1, shamt`.
func Srli(rd, rs1 Reg, shamt uint32) uint32 {
	return iType(shamt&0x1F, uint32(rs1), 5, uint32(rd), opOpImm)
}

func rAlu(funct7, funct3 uint32, rd, rs1, rs2 Reg) uint32 {
	return rType(funct7, uint32(rs2), uint32(rs1), funct3, uint32(rd), opOp)
}

// Add, Sub, Xor, Or, And encode the corresponding R-type ALU ops.
func Add(rd, rs1, rs2 Reg) uint32 { return rAlu(0x00, 0x0, rd, rs1, rs2) }
func Sub(rd, rs1, rs2 Reg) uint32 { return rAlu(0x20, 0x0, rd, rs1, rs2) }
func Xor(rd, rs1, rs2 Reg) uint32 { return rAlu(0x00, 0x4, rd, rs1, rs2) }
func Or(rd, rs1, rs2 Reg) uint32  { return rAlu(0x00, 0x6, rd, rs1, rs2) }
func And(rd, rs1, rs2 Reg) uint32 { return rAlu(0x00, 0x7, rd, rs1, rs2) }

// Lw, Lbu encode `lw rd, imm(rs1)` / `lbu rd, imm(rs1)`.
func Lw(rd, rs1 Reg, imm12 int32) uint32 {
	return iType(uint32(imm12), uint32(rs1), 2, uint32(rd), opLoad)
}
func Lbu(rd, rs1 Reg, imm12 int32) uint32 {
	return iType(uint32(imm12), uint32(rs1), 4, uint32(rd), opLoad)
}

// Sw, Sb encode `sw rs2, imm(rs1)` / `sb rs2, imm(rs1)`.
func Sw(rs2, rs1 Reg, imm12 int32) uint32 {
	return sType(uint32(imm12), uint32(rs2), uint32(rs1), 2, opStore)
}
func Sb(rs2, rs1 Reg, imm12 int32) uint32 {
	return sType(uint32(imm12), uint32(rs2), uint32(rs1), 0, opStore)
}

// branch funct3 codes.
const (
	bfEq  = 0x0
	bfNe  = 0x1
	bfLt  = 0x4
	bfGe  = 0x5
	bfLtu = 0x6
	bfGeu = 0x7
)

func branch(funct3 uint32, rs1, rs2 Reg, offset int32) uint32 {
	return bType(uint32(offset), uint32(rs2), uint32(rs1), funct3, opBranch)
}

func Beq(rs1, rs2 Reg, offset int32) uint32  { return branch(bfEq, rs1, rs2, offset) }
func Bne(rs1, rs2 Reg, offset int32) uint32  { return branch(bfNe, rs1, rs2, offset) }
func Blt(rs1, rs2 Reg, offset int32) uint32  { return branch(bfLt, rs1, rs2, offset) }
func Bge(rs1, rs2 Reg, offset int32) uint32  { return branch(bfGe, rs1, rs2, offset) }
func Bltu(rs1, rs2 Reg, offset int32) uint32 { return branch(bfLtu, rs1, rs2, offset) }
func Bgeu(rs1, rs2 Reg, offset int32) uint32 { return branch(bfGeu, rs1, rs2, offset) }

// Jal encodes `jal rd, offset`.
func Jal(rd Reg, offset int32) uint32 { return jType(uint32(offset), uint32(rd), opJal) }

// Jalr encodes `jalr rd, rs1, imm12`.
func Jalr(rd, rs1 Reg, imm12 int32) uint32 {
	return iType(uint32(imm12), uint32(rs1), 0, uint32(rd), opJalr)
}

// CSR funct3 codes.
const (
	csrRW = 0x1
	csrRS = 0x2
	csrRC = 0x3
)

func csr(funct3, csrNum uint32, rd, rs1 Reg) uint32 {
	return iType(csrNum, uint32(rs1), funct3, uint32(rd), opSystem)
}

func Csrrw(rd Reg, csrNum uint32, rs1 Reg) uint32 { return csr(csrRW, csrNum, rd, rs1) }
func Csrrs(rd Reg, csrNum uint32, rs1 Reg) uint32 { return csr(csrRS, csrNum, rd, rs1) }
func Csrrc(rd Reg, csrNum uint32, rs1 Reg) uint32 { return csr(csrRC, csrNum, rd, rs1) }

// Fixed-encoding SYSTEM instructions with no operands.
const (
	Ecall  uint32 = 0x00000073
	Ebreak uint32 = 0x00100073
	Mret   uint32 = 0x30200073
	Wfi    uint32 = 0x10500073
)
