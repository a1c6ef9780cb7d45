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

import (
	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32"
	"rv32rot/internal/rv32asm"
)

const cfiDiagnostic = "CFI!\n"

// Ecall-frame slot offsets on the trap stack. The frame holds the
// return register, the three temporaries, the three argument registers,
// and the syscall-number register.
const (
	frameRA   = 0
	frameT0   = 4
	frameT1   = 8
	frameT2   = 12
	frameA0   = 16
	frameA1   = 20
	frameA2   = 24
	frameA7   = 28
	frameSize = 32
)

// BuildTrapVector emits the synchronous trap dispatcher, labeled
// "trap_vector" so boot.go can seed mtvec with its address. Entry swaps
// sp with mscratch so the frame always lands on the kernel's private
// trap stack regardless of what stack, or garbage, sp held at trap
// time, saves the ecall frame, reads mcause, and dispatches: ecall
// service, illegal-instruction skip, or the fatal CFI path shared by
// forward-edge faults, hardware shadow-stack check faults, and the
// software shadow stack's breakpoint.
func BuildTrapVector(b *rv32asm.Builder) {
	b.Label("trap_vector")
	b.Emit(rv32asm.Csrrw(rv32asm.SP, rv32.CSRMscratch, rv32asm.SP))
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, -frameSize))
	b.Emit(rv32asm.Sw(rv32asm.RA, rv32asm.SP, frameRA))
	b.Emit(rv32asm.Sw(rv32asm.T0, rv32asm.SP, frameT0))
	b.Emit(rv32asm.Sw(rv32asm.T1, rv32asm.SP, frameT1))
	b.Emit(rv32asm.Sw(rv32asm.T2, rv32asm.SP, frameT2))
	b.Emit(rv32asm.Sw(rv32asm.A0, rv32asm.SP, frameA0))
	b.Emit(rv32asm.Sw(rv32asm.A1, rv32asm.SP, frameA1))
	b.Emit(rv32asm.Sw(rv32asm.A2, rv32asm.SP, frameA2))
	b.Emit(rv32asm.Sw(rv32asm.A7, rv32asm.SP, frameA7))

	b.Emit(rv32asm.Csrrs(rv32asm.T0, rv32.CSRMcause, rv32asm.Zero))
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, int32(rv32.CauseUserEcall)))
	b.BeqTo(rv32asm.T0, rv32asm.T1, "trap_ecall")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, int32(rv32.CauseIllegalInstruction)))
	b.BeqTo(rv32asm.T0, rv32asm.T1, "trap_illegal")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, int32(rv32.CauseInstructionAccessFault)))
	b.BeqTo(rv32asm.T0, rv32asm.T1, "trap_cfi_fatal")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, int32(rv32.CauseSoftwareCheck)))
	b.BeqTo(rv32asm.T0, rv32asm.T1, "trap_cfi_fatal")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, int32(rv32.CauseBreakpoint)))
	b.BeqTo(rv32asm.T0, rv32asm.T1, "trap_cfi_fatal")

	// Unknown cause: halt silently, forever.
	b.Label("trap_unknown_halt")
	b.Emit(rv32asm.Wfi)
	b.JalTo(rv32asm.Zero, "trap_unknown_halt")

	// Ecall: advance mepc by 4 BEFORE the syscall body runs, since the
	// body (exit) may not return. The dispatch result lands in a0; fold
	// it into the saved frame so the restore below carries it back to
	// the caller.
	b.Label("trap_ecall")
	b.Emit(rv32asm.Csrrs(rv32asm.T1, rv32.CSRMepc, rv32asm.Zero))
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.T1, 4))
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRMepc, rv32asm.T1))
	b.JalTo(rv32asm.RA, "ecall_dispatch")
	b.Emit(rv32asm.Sw(rv32asm.A0, rv32asm.SP, frameA0))
	b.JalTo(rv32asm.Zero, "trap_return")

	// Illegal instruction: advance mepc by 4 or 2 depending on whether
	// the halfword at the faulting PC is a full-width instruction (low
	// two bits 0b11) or a compressed one. The low byte alone carries
	// those bits.
	b.Label("trap_illegal")
	b.Emit(rv32asm.Csrrs(rv32asm.T1, rv32.CSRMepc, rv32asm.Zero))
	b.Emit(rv32asm.Lbu(rv32asm.T2, rv32asm.T1, 0))
	b.Emit(rv32asm.Andi(rv32asm.T2, rv32asm.T2, 0x3))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.Zero, 0x3))
	b.BeqTo(rv32asm.T2, rv32asm.T0, "trap_illegal_full")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.T1, 2))
	b.JalTo(rv32asm.Zero, "trap_illegal_done")
	b.Label("trap_illegal_full")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.T1, 4))
	b.Label("trap_illegal_done")
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRMepc, rv32asm.T1))
	b.JalTo(rv32asm.Zero, "trap_return")

	// Fatal CFI violation (forward- or backward-edge): emit the
	// diagnostic and halt forever. Never returns.
	b.Label("trap_cfi_fatal")
	b.LoadLabelAddr(rv32asm.A0, "cfi_msg")
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, int32(len(cfiDiagnostic))))
	b.JalTo(rv32asm.RA, "kputs")
	b.Label("trap_cfi_halt")
	b.Emit(rv32asm.Wfi)
	b.JalTo(rv32asm.Zero, "trap_cfi_halt")

	b.Label("trap_return")
	b.Emit(rv32asm.Lw(rv32asm.RA, rv32asm.SP, frameRA))
	b.Emit(rv32asm.Lw(rv32asm.T0, rv32asm.SP, frameT0))
	b.Emit(rv32asm.Lw(rv32asm.T1, rv32asm.SP, frameT1))
	b.Emit(rv32asm.Lw(rv32asm.T2, rv32asm.SP, frameT2))
	b.Emit(rv32asm.Lw(rv32asm.A0, rv32asm.SP, frameA0))
	b.Emit(rv32asm.Lw(rv32asm.A1, rv32asm.SP, frameA1))
	b.Emit(rv32asm.Lw(rv32asm.A2, rv32asm.SP, frameA2))
	b.Emit(rv32asm.Lw(rv32asm.A7, rv32asm.SP, frameA7))
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, frameSize))
	b.Emit(rv32asm.Csrrw(rv32asm.SP, rv32.CSRMscratch, rv32asm.SP))
	b.Emit(rv32asm.Mret)

	// kputs: write a1 bytes starting at a0 to the UART, polling the
	// line-status register's transmit-empty bit before each byte.
	// Clobbers t0/t1.
	b.Label("kputs")
	b.LoadImm32(rv32asm.T0, memmap.UARTBase)
	b.Label("kputs_next")
	b.BeqTo(rv32asm.A1, rv32asm.Zero, "kputs_done")
	b.Label("kputs_wait")
	b.Emit(rv32asm.Lbu(rv32asm.T1, rv32asm.T0, 5))
	b.Emit(rv32asm.Andi(rv32asm.T1, rv32asm.T1, 0x20))
	b.BeqTo(rv32asm.T1, rv32asm.Zero, "kputs_wait")
	b.Emit(rv32asm.Lbu(rv32asm.T1, rv32asm.A0, 0))
	b.Emit(rv32asm.Sb(rv32asm.T1, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 1))
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.A1, -1))
	b.JalTo(rv32asm.Zero, "kputs_next")
	b.Label("kputs_done")
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	b.Label("cfi_msg")
	b.EmitBytes([]byte(cfiDiagnostic))
}
