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

package kernel

import "rv32rot/internal/rv32asm"

// Landing-pad labels for the two privileged services; label 7 on
// seal_secret exists to demonstrate that label values other than the
// unconditional 0 are carried and checked.
const (
	LabelMeasureFirmware = 0
	LabelSealSecret      = 7
)

// emitCFIPrologue writes the full non-leaf prologue: landing pad,
// hardware shadow-stack push, a stack frame saving the return register
// and the shadow pointer, then the software shadow-stack push through
// the reserved shadow-pointer register (GP).
func emitCFIPrologue(b *rv32asm.Builder, label uint32) {
	b.Emit(rv32asm.EncodeLandingPad(label))
	b.Emit(rv32asm.HWSSPush)
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, -16))
	b.Emit(rv32asm.Sw(rv32asm.RA, rv32asm.SP, 12))
	b.Emit(rv32asm.Sw(rv32asm.GP, rv32asm.SP, 8))
	b.EmitAll(rv32asm.EncodeSWSSPush(rv32asm.GP))
}

// emitCFIEpilogue mirrors the prologue. The return register is
// reloaded from the frame FIRST, so the software pop-and-check compares
// the shadow copy against the value that will actually be returned
// through; a corrupted frame slot therefore dies at the ebreak instead
// of redirecting the return. Then the shadow pointer is restored, the
// frame released, and the hardware pop-and-check retires immediately
// before the return. scratch must be dead at this point.
func emitCFIEpilogue(b *rv32asm.Builder, scratch rv32asm.Reg) {
	b.Emit(rv32asm.Lw(rv32asm.RA, rv32asm.SP, 12))
	b.EmitAll(rv32asm.EncodeSWSSPopChk(rv32asm.GP, scratch))
	b.Emit(rv32asm.Lw(rv32asm.GP, rv32asm.SP, 8))
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, 16))
	b.Emit(rv32asm.HWSSPopChk)
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
}

// BuildPrivilegedServices emits measure_firmware (label 0) and
// seal_secret (label 7), the two CFI-protected privileged routines.
func BuildPrivilegedServices(b *rv32asm.Builder) {
	// measure_firmware(base, size): XOR of every aligned word in
	// [base, base+size), a stand-in for a real digest.
	b.Label("svc_measure_firmware")
	emitCFIPrologue(b, LabelMeasureFirmware)
	b.Emit(rv32asm.Add(rv32asm.T2, rv32asm.A0, rv32asm.A1)) // end
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.A0, 0))         // cursor
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 0))       // accumulator
	b.Label("svc_mf_loop")
	b.BgeuTo(rv32asm.T0, rv32asm.T2, "svc_mf_done")
	b.Emit(rv32asm.Lw(rv32asm.T3, rv32asm.T0, 0))
	b.Emit(rv32asm.Xor(rv32asm.T1, rv32asm.T1, rv32asm.T3))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.T0, 4))
	b.JalTo(rv32asm.Zero, "svc_mf_loop")
	b.Label("svc_mf_done")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.T1, 0))
	emitCFIEpilogue(b, rv32asm.T3)

	// seal_secret(data, key_id): data ^ key_id, a stand-in for a real
	// key-wrap.
	b.Label("svc_seal_secret")
	emitCFIPrologue(b, LabelSealSecret)
	b.Emit(rv32asm.Xor(rv32asm.A0, rv32asm.A0, rv32asm.A1))
	emitCFIEpilogue(b, rv32asm.T3)
}
