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

// Package rom links the assembled firmware images into an emulated
// machine. It is the in-repo stand-in for a linker script plus a ROM
// programmer: the kernel image lands at the ROM base (its first word is
// the reset vector), the kernel's initialized-data image at the data
// load address in the ROM tail, and the application at the user-code
// base.
package rom

import (
	"rv32rot/internal/firmware/kernel"
	"rv32rot/internal/firmware/user"
	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32"
)

// System is a fully wired machine: CPU, memory, UART and PMP, plus the
// two firmware images so callers can resolve symbols (tests stop at
// known addresses, the tracer labels them).
type System struct {
	CPU    *rv32.CPU
	Mem    *rv32.Memory
	UART   *rv32.UART
	PMP    *rv32.PMP
	Kernel *kernel.Image
	User   *user.Image
}

// BuildSystem assembles the in-repo firmware, loads it, and returns a
// machine reset to the ROM base. hasCFI selects whether the emulated
// core implements the CFI extensions; the same firmware must run either
// way. uartDepth sizes the UART's buffers.
func BuildSystem(hasCFI bool, uartDepth int) *System {
	kern := kernel.Assemble()
	app := user.Assemble()

	uart := rv32.NewUART(uartDepth)
	mem := rv32.NewMemory(uart)
	LoadFirmware(mem, kern, app)

	pmp := &rv32.PMP{}
	cpu := rv32.NewCPU(mem, pmp, hasCFI)
	cpu.SetPC(memmap.ROMBase)

	return &System{CPU: cpu, Mem: mem, UART: uart, PMP: pmp, Kernel: kern, User: app}
}

// LoadFirmware places the assembled images at their fixed physical
// addresses.
func LoadFirmware(mem *rv32.Memory, kern *kernel.Image, app *user.Image) {
	mem.LoadImage(memmap.ROMBase, kern.Code())
	mem.LoadImage(memmap.MDataLoad, kern.Data())
	mem.LoadImage(memmap.UserCodeBase, app.Code())
}
