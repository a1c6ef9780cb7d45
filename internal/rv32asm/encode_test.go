// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the RV32 instruction encoders and decoder.

package rv32asm

import "testing"

// TestFixedEncodings checks emitted words against independently known
// RV32 encodings (cross-checked with a stock assembler).
func TestFixedEncodings(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"lpad 0", EncodeLandingPad(0), 0x00000017},
		{"lpad 7", EncodeLandingPad(7), 0x00007017},
		{"sspush", HWSSPush, 0x60100073},
		{"sspopchk", HWSSPopChk, 0x60500073},
		{"addi a0, x0, 100", Addi(A0, Zero, 100), 0x06400513},
		{"addi a0, a0, -1", Addi(A0, A0, -1), 0xFFF50513},
		{"andi t1, t1, 3", Andi(T1, T1, 3), 0x00337313},
		{"lui t0, 0x80000", Lui(T0, 0x80000), 0x800002B7},
		{"sw ra, 12(sp)", Sw(RA, SP, 12), 0x00112623},
		{"lw ra, 12(sp)", Lw(RA, SP, 12), 0x00C12083},
		{"beq t0, t1, +8", Beq(T0, T1, 8), 0x00628463},
		{"jal x0, -8", Jal(Zero, -8), 0xFF9FF06F},
		{"ret", Jalr(Zero, RA, 0), 0x00008067},
		{"csrw mtvec, t0", Csrrw(Zero, 0x305, T0), 0x30529073},
		{"ecall", Ecall, 0x00000073},
		{"ebreak", Ebreak, 0x00100073},
		{"mret", Mret, 0x30200073},
		{"wfi", Wfi, 0x10500073},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got 0x%08X, want 0x%08X", tt.name, tt.got, tt.want)
		}
	}
}

// TestLandingPadLabelMasking verifies the label occupies exactly the
// 20-bit field above the opcode.
func TestLandingPadLabelMasking(t *testing.T) {
	w := EncodeLandingPad(0xFFFFF)
	if w != 0xFFFFF017 {
		t.Errorf("max label: got 0x%08X", w)
	}
	// A label wider than 20 bits is truncated, never bleeds into the
	// opcode field.
	if EncodeLandingPad(0x100001) != EncodeLandingPad(1) {
		t.Errorf("label truncation broken")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		want Decoded
	}{
		{"addi", Addi(A0, SP, -32), Decoded{Kind: KindAddi, Rd: A0, Rs1: SP, Imm: -32}},
		{"andi", Andi(T2, T2, 0x20), Decoded{Kind: KindAndi, Rd: T2, Rs1: T2, Imm: 0x20}},
		{"xor", Xor(A0, A0, A1), Decoded{Kind: KindXor, Rd: A0, Rs1: A0, Rs2: A1}},
		{"lw", Lw(T3, GP, -4), Decoded{Kind: KindLw, Rd: T3, Rs1: GP, Imm: -4}},
		{"sw", Sw(RA, GP, 0), Decoded{Kind: KindSw, Rs1: GP, Rs2: RA}},
		{"beq", Beq(T3, RA, 8), Decoded{Kind: KindBeq, Rs1: T3, Rs2: RA, Imm: 8}},
		{"bgeu", Bgeu(T0, T2, -16), Decoded{Kind: KindBgeu, Rs1: T0, Rs2: T2, Imm: -16}},
		{"jal", Jal(RA, 2048), Decoded{Kind: KindJal, Rd: RA, Imm: 2048}},
		{"jalr", Jalr(RA, T0, 0), Decoded{Kind: KindJalr, Rd: RA, Rs1: T0}},
		{"csrrs", Csrrs(T0, 0x342, Zero), Decoded{Kind: KindCsrrs, Rd: T0, Rs1: Zero, CSR: 0x342}},
		{"sspush", HWSSPush, Decoded{Kind: KindHWSSPush}},
		{"sspopchk", HWSSPopChk, Decoded{Kind: KindHWSSPopChk}},
		{"lpad 7", EncodeLandingPad(7), Decoded{Kind: KindLandingPad, Label: 7}},
	}
	for _, tt := range tests {
		got := Decode(tt.word)
		if got != tt.want {
			t.Errorf("%s (0x%08X): got %+v, want %+v", tt.name, tt.word, got, tt.want)
		}
	}
}

func TestDecodeLui(t *testing.T) {
	d := Decode(Lui(T0, 0x80018))
	if d.Kind != KindLui || d.Rd != T0 || d.Imm20 != 0x80018000 {
		t.Errorf("lui: got %+v", d)
	}
}

func TestDecodeIllegal(t *testing.T) {
	for _, w := range []uint32{0x00000000, 0x0000007F, 0x0000001B} {
		if d := Decode(w); d.Kind != KindIllegal {
			t.Errorf("0x%08X: expected illegal, got kind %d", w, d.Kind)
		}
	}
}

func TestIsCompressed(t *testing.T) {
	tests := []struct {
		half uint16
		want bool
	}{
		{0x0001, true},  // low bits 01
		{0x0002, true},  // low bits 10
		{0x0000, true},  // low bits 00
		{0x0003, false}, // low bits 11: full-width
		{0x8067, false}, // ret's low halfword
	}
	for _, tt := range tests {
		if got := IsCompressed(tt.half); got != tt.want {
			t.Errorf("IsCompressed(0x%04X) = %v, want %v", tt.half, got, tt.want)
		}
	}
}

// TestShadowStackSequences pins down the software shadow-stack push and
// pop-and-check instruction sequences.
func TestShadowStackSequences(t *testing.T) {
	push := EncodeSWSSPush(GP)
	if len(push) != 2 || push[0] != Sw(RA, GP, 0) || push[1] != Addi(GP, GP, 4) {
		t.Errorf("push sequence: %08X", push)
	}

	pop := EncodeSWSSPopChk(GP, T3)
	want := []uint32{Addi(GP, GP, -4), Lw(T3, GP, 0), Beq(T3, RA, 8), Ebreak}
	if len(pop) != len(want) {
		t.Fatalf("pop length %d", len(pop))
	}
	for i := range want {
		if pop[i] != want[i] {
			t.Errorf("pop[%d]: got 0x%08X, want 0x%08X", i, pop[i], want[i])
		}
	}
}
