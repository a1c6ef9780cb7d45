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

const cfiBits = rv32.EnvcfgLPE | rv32.EnvcfgSSE

// EnableCFI emits the three CFI-enable writes: set the landing-pad and
// shadow-stack enable bits in menvcfg and senvcfg, then seed the
// hardware shadow-stack pointer. Every write here may trap
// illegal-instruction on hardware without the extension; the trap
// dispatcher's cause-2 path (trap.go) skips the faulting instruction
// and execution continues regardless.
func EnableCFI(b *rv32asm.Builder) {
	b.LoadImm32(rv32asm.T0, cfiBits)
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, rv32.CSRMenvcfg, rv32asm.T0))
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, rv32.CSRSenvcfg, rv32asm.T0))
	b.LoadImm32(rv32asm.T0, memmap.MShadowStackTop)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRSSP, rv32asm.T0))
}
