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

package rv32asm

// LandingPadLabelBits is the width of the label field carried by a
// landing pad instruction.
const LandingPadLabelBits = 20

// EncodeLandingPad emits `(label<<12)|0x17`. On any RV32I core, with or
// without Zicfilp, this word decodes as `auipc x0, label`, a guaranteed
// no-op (rd=x0 discards the result) unless the core has landing-pad
// checking enabled, in which case the same bits additionally certify
// the instruction as a legal indirect-branch target.
func EncodeLandingPad(label uint32) uint32 {
	return (label&((1<<LandingPadLabelBits)-1))<<12 | opAuipc
}

// Real Zicfiss encodings: System-major-opcode words with a fixed
// rs1=rd=0 and a distinguishing 12-bit immediate, so they never collide
// with ecall/ebreak/mret/wfi/csr encodings.
const (
	HWSSPush   uint32 = 0x60100073
	HWSSPopChk uint32 = 0x60500073
)

// EncodeSWSSPush pushes ra onto the software shadow stack addressed by
// shadowPtr and bumps shadowPtr by one word. Two instructions, no
// branch.
func EncodeSWSSPush(shadowPtr Reg) []uint32 {
	return []uint32{
		Sw(RA, shadowPtr, 0),
		Addi(shadowPtr, shadowPtr, 4),
	}
}

// EncodeSWSSPopChk decrements shadowPtr, loads the saved return address
// into a scratch register, and compares against ra. On mismatch it
// executes ebreak (fatal); the branch skips the ebreak on a match.
// scratch must not be ra, shadowPtr, or a live value at the call site.
func EncodeSWSSPopChk(shadowPtr, scratch Reg) []uint32 {
	return []uint32{
		Addi(shadowPtr, shadowPtr, -4),
		Lw(scratch, shadowPtr, 0),
		Beq(scratch, RA, 8), // skip the ebreak on match
		Ebreak,
	}
}
