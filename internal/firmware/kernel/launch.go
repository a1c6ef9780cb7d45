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

// BuildLaunchUmode emits launch_umode: prepare the machine-mode-return
// state for a drop to user mode (user entry point, user stack, both
// user shadow-stack pointers) and execute mret. It never returns.
//
// The hardware shadow-stack pointer is written first: on a core without
// the CFI extensions that write traps illegal-instruction, and the trap
// overwrites mepc and mstatus.MPP, so both are set only after it.
func BuildLaunchUmode(b *rv32asm.Builder) {
	b.Label("launch_umode")
	b.LoadImm32(rv32asm.T0, memmap.UShadowStackTop)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRSSP, rv32asm.T0))

	b.LoadImm32(rv32asm.T0, rv32.MstatusMPPMask)
	b.Emit(rv32asm.Csrrc(rv32asm.Zero, rv32.CSRMstatus, rv32asm.T0)) // clear MPP -> user

	b.LoadImm32(rv32asm.T0, memmap.UEntry)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRMepc, rv32asm.T0))

	b.LoadImm32(rv32asm.SP, memmap.UStackTop)

	b.LoadImm32(rv32asm.GP, memmap.USWShadowStackBottom)

	b.Emit(rv32asm.Mret)
}
