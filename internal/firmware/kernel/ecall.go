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
	"rv32rot/internal/rv32asm"
)

// The four user-region windows are contiguous, so the bounds check on
// user-supplied pointers collapses to a single range test against the
// combined window instead of one test per region.
const (
	userWindowLow  = memmap.UserSpaceBase
	userWindowHigh = memmap.UserSpaceEnd
)

const errBadPointer = 0xFFFFFFFF

// BuildEcallHandlers emits the syscall service layer. Entry point is
// the label "ecall_dispatch", reached from the trap dispatcher with a7
// holding the syscall number and a0-a2 the arguments; the result is
// left in a0 and each handler returns with `jalr x0, 0(ra)`. exit never
// returns. An unrecognized syscall number is a user programming error
// and returns silently.
func BuildEcallHandlers(b *rv32asm.Builder) {
	b.Label("ecall_dispatch")
	b.BeqTo(rv32asm.A7, rv32asm.Zero, "ecall_putchar")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 1))
	b.BeqTo(rv32asm.A7, rv32asm.T1, "ecall_putstring")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 2))
	b.BeqTo(rv32asm.A7, rv32asm.T1, "ecall_exit")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 3))
	b.BeqTo(rv32asm.A7, rv32asm.T1, "ecall_getrandom")
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	// put_char(c): one byte to the UART transmit register.
	b.Label("ecall_putchar")
	b.LoadImm32(rv32asm.T0, memmap.UARTBase)
	b.Label("ecall_pc_wait")
	b.Emit(rv32asm.Lbu(rv32asm.T1, rv32asm.T0, 5))
	b.Emit(rv32asm.Andi(rv32asm.T1, rv32asm.T1, 0x20))
	b.BeqTo(rv32asm.T1, rv32asm.Zero, "ecall_pc_wait")
	b.Emit(rv32asm.Sb(rv32asm.A0, rv32asm.T0, 0))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	// put_string(p, n): n bytes from user memory to the UART. The
	// pointer range must lie inside the user window.
	b.Label("ecall_putstring")
	emitBoundsCheck(b, "ecall_ps_reject")
	b.LoadImm32(rv32asm.T0, memmap.UARTBase)
	b.Label("ecall_ps_loop")
	b.BeqTo(rv32asm.A1, rv32asm.Zero, "ecall_ps_done")
	b.Label("ecall_ps_wait")
	b.Emit(rv32asm.Lbu(rv32asm.T1, rv32asm.T0, 5))
	b.Emit(rv32asm.Andi(rv32asm.T1, rv32asm.T1, 0x20))
	b.BeqTo(rv32asm.T1, rv32asm.Zero, "ecall_ps_wait")
	b.Emit(rv32asm.Lbu(rv32asm.T1, rv32asm.A0, 0))
	b.Emit(rv32asm.Sb(rv32asm.T1, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 1))
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.A1, -1))
	b.JalTo(rv32asm.Zero, "ecall_ps_loop")
	b.Label("ecall_ps_done")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 0))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
	b.Label("ecall_ps_reject")
	b.LoadImm32(rv32asm.A0, errBadPointer)
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	// exit(code): signal PASS to the test finisher, then park forever.
	b.Label("ecall_exit")
	b.LoadImm32(rv32asm.T0, memmap.FinisherAddr)
	b.LoadImm32(rv32asm.T1, memmap.FinisherPass)
	b.Emit(rv32asm.Sw(rv32asm.T1, rv32asm.T0, 0))
	b.Label("ecall_exit_halt")
	b.Emit(rv32asm.Wfi)
	b.JalTo(rv32asm.Zero, "ecall_exit_halt")

	// get_random(p, n): stub, fills with 0xAA. Not cryptographically
	// secure; a real RoT would read an entropy source here.
	b.Label("ecall_getrandom")
	emitBoundsCheck(b, "ecall_gr_reject")
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 0xAA))
	b.Label("ecall_gr_loop")
	b.BeqTo(rv32asm.A1, rv32asm.Zero, "ecall_gr_done")
	b.Emit(rv32asm.Sb(rv32asm.T1, rv32asm.A0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 1))
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.A1, -1))
	b.JalTo(rv32asm.Zero, "ecall_gr_loop")
	b.Label("ecall_gr_done")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 0))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
	b.Label("ecall_gr_reject")
	b.LoadImm32(rv32asm.A0, errBadPointer)
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
}

// emitBoundsCheck validates a0 (pointer) and a1 (length) against the
// combined user window, jumping to rejectLabel on failure. Clobbers t0
// and t2.
func emitBoundsCheck(b *rv32asm.Builder, rejectLabel string) {
	b.LoadImm32(rv32asm.T0, userWindowLow)
	b.BltuTo(rv32asm.A0, rv32asm.T0, rejectLabel) // ptr < low
	b.Emit(rv32asm.Add(rv32asm.T2, rv32asm.A0, rv32asm.A1))
	b.BltuTo(rv32asm.T2, rv32asm.A0, rejectLabel) // ptr+len wrapped
	b.LoadImm32(rv32asm.T0, userWindowHigh)
	b.BltuTo(rv32asm.T0, rv32asm.T2, rejectLabel) // high < ptr+len
}
