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

// sealKeyID is the key identifier rot_main seals the boot measurement
// under.
const sealKeyID = 0x5A

// measureLen is how much of the ROM rot_main measures at boot: the
// first KiB, which always contains the reset path.
const measureLen = 1024

// BuildBoot emits `_start`, the reset entry, followed by `rot_main`.
// `_start` must be the first routine placed in the image, since the
// reset vector is the kernel code base. In strict order: kernel stack
// pointer, trap vector (plus the trap handler's private stack seeded
// into mscratch), zero the uninitialized-data region, copy the
// initialized-data image from ROM to RAM, seed the software
// shadow-stack pointer, call rot_main. rot_main must not return; if it
// does, park the hart.
func BuildBoot(b *rv32asm.Builder) {
	b.Label("_start")
	b.LoadImm32(rv32asm.SP, memmap.MStackTop)

	b.LoadLabelAddr(rv32asm.T0, "trap_vector")
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRMtvec, rv32asm.T0))
	b.LoadImm32(rv32asm.T0, memmap.MTrapStackTop)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, rv32.CSRMscratch, rv32asm.T0))

	zeroRegion(b, memmap.MBSSStart, memmap.MBSSEnd)
	copyRegion(b, memmap.MDataLoad, memmap.MDataStart, memmap.MDataEnd)

	b.LoadImm32(rv32asm.GP, memmap.MSWShadowStackBottom)

	b.JalTo(rv32asm.RA, "rot_main")
	b.Label("_start_halt")
	b.Emit(rv32asm.Wfi)
	b.JalTo(rv32asm.Zero, "_start_halt")

	// rot_main: enable CFI, program the PMP, print the banner from the
	// copied data section, measure the boot ROM and seal the result
	// under the boot key, publish both where the application can read
	// them, then drop to user mode. Never returns.
	b.Label("rot_main")
	EnableCFI(b)
	ConfigurePMP(b)

	b.LoadImm32(rv32asm.T0, memmap.MDataStart)
	b.Emit(rv32asm.Lw(rv32asm.A1, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.T0, 4))
	b.JalTo(rv32asm.RA, "kputs")

	b.LoadImm32(rv32asm.A0, memmap.ROMBase)
	b.LoadImm32(rv32asm.A1, measureLen)
	b.JalTo(rv32asm.RA, "svc_measure_firmware")
	b.LoadImm32(rv32asm.T0, memmap.MeasureReportAddr)
	b.Emit(rv32asm.Sw(rv32asm.A0, rv32asm.T0, 0))

	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, sealKeyID))
	b.JalTo(rv32asm.RA, "svc_seal_secret")
	b.LoadImm32(rv32asm.T0, memmap.SealReportAddr)
	b.Emit(rv32asm.Sw(rv32asm.A0, rv32asm.T0, 0))

	b.JalTo(rv32asm.Zero, "launch_umode")
}

// zeroRegion emits a word-granularity zero loop over [start, end).
func zeroRegion(b *rv32asm.Builder, start, end uint32) {
	b.LoadImm32(rv32asm.T0, start)
	b.LoadImm32(rv32asm.T1, end)
	b.Label("boot_bss_loop")
	b.BgeuTo(rv32asm.T0, rv32asm.T1, "boot_bss_done")
	b.Emit(rv32asm.Sw(rv32asm.Zero, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.T0, 4))
	b.JalTo(rv32asm.Zero, "boot_bss_loop")
	b.Label("boot_bss_done")
}

// copyRegion emits a word-granularity copy loop from load to
// [runtimeStart, runtimeEnd).
func copyRegion(b *rv32asm.Builder, load, runtimeStart, runtimeEnd uint32) {
	b.LoadImm32(rv32asm.T0, load)
	b.LoadImm32(rv32asm.T1, runtimeStart)
	b.LoadImm32(rv32asm.T2, runtimeEnd)
	b.Label("boot_data_loop")
	b.BgeuTo(rv32asm.T1, rv32asm.T2, "boot_data_done")
	b.Emit(rv32asm.Lw(rv32asm.T3, rv32asm.T0, 0))
	b.Emit(rv32asm.Sw(rv32asm.T3, rv32asm.T1, 0))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.T0, 4))
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.T1, 4))
	b.JalTo(rv32asm.Zero, "boot_data_loop")
	b.Label("boot_data_done")
}
