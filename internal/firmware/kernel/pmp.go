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

const (
	pmpR     = 0x01
	pmpW     = 0x02
	pmpX     = 0x04
	pmpNAPOT = 0x18
	pmpLock  = 0x80
)

// napotEncode computes the pmpaddr value for a power-of-two, size-
// aligned region: (base >> 2) | ((size >> 3) - 1).
func napotEncode(base, size uint32) uint32 {
	return (base >> 2) | ((size >> 3) - 1)
}

type pmpRegion struct {
	base, size uint32
	cfg        byte
}

// The permission bits of an unlocked entry are what user mode gets
// (machine mode bypasses unlocked entries), so entries 1, 2 and 7
// carry no R/W/X bits at all: they exist purely to deny user mode the
// kernel RAM, the kernel shadow stacks, and the UART. Entry 0 is
// locked, binding even machine mode to read+execute over its own code.
// Leaving the UART entry with no user permissions resolves the open
// question on direct user UART access in favor of the hardened policy:
// all user UART traffic goes through ecall.
var pmpEntries = [8]pmpRegion{
	{memmap.ROMBase, memmap.ROMSize, pmpR | pmpX | pmpNAPOT | pmpLock},
	{memmap.KernRAMBase, memmap.KernRAMSize, pmpNAPOT},
	{memmap.KernShadowBase, memmap.KernShadowSize, pmpNAPOT},
	{memmap.UserCodeBase, memmap.UserCodeSize, pmpR | pmpX | pmpNAPOT},
	{memmap.UserRODataBase, memmap.UserRODataSize, pmpR | pmpNAPOT},
	{memmap.UserRAMBase, memmap.UserRAMSize, pmpR | pmpW | pmpNAPOT},
	{memmap.UserShadowBase, memmap.UserShadowSize, pmpR | pmpW | pmpNAPOT},
	{memmap.UARTBase, memmap.UARTSize, pmpNAPOT},
}

// ConfigurePMP emits the CSR writes that program all 8 PMP entries:
// address registers first, then the packed configuration registers
// (four cfg bytes per register), so no entry locks before its range is
// in place. Called once from rot_main, after enable_cfi and before the
// privileged services run.
func ConfigurePMP(b *rv32asm.Builder) {
	for i, e := range pmpEntries {
		b.LoadImm32(rv32asm.T0, napotEncode(e.base, e.size))
		b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRPmpAddr0+uint32(i), rv32asm.T0))
	}

	for half := 0; half < 2; half++ {
		var packed uint32
		for i := 0; i < 4; i++ {
			packed |= uint32(pmpEntries[half*4+i].cfg) << (8 * i)
		}
		csr := rv32.CSRPmpCfg0
		if half == 1 {
			csr = rv32.CSRPmpCfg1
		}
		b.LoadImm32(rv32asm.T0, packed)
		b.Emit(rv32asm.Csrrw(rv32asm.Zero, csr, rv32asm.T0))
	}
}

// ApplyPMP installs the same policy directly into a *rv32.PMP, for
// tests and for the linker (internal/rom) that want the post-boot PMP
// state without stepping the boot sequence. It must stay in exact
// agreement with ConfigurePMP's emitted CSR writes.
func ApplyPMP(p *rv32.PMP) {
	for i, e := range pmpEntries {
		p.WriteAddr(i, napotEncode(e.base, e.size))
		p.WriteCfgByte(i, e.cfg)
	}
}
