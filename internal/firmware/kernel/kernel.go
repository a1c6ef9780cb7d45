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

// Package kernel assembles the privileged routines of the root-of-trust
// firmware: the boot prologue, CFI enablement, the PMP policy, the trap
// dispatcher, the ecall service layer, the two CFI-protected privileged
// services, and the privilege-drop launcher. Each is built with
// rv32asm.Builder as a raw instruction stream rather than by calling
// into the CPU directly: the kernel is machine code, not Go.
package kernel

import (
	"encoding/binary"

	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32asm"
)

// bootBanner is printed by rot_main over the UART. It lives in the
// initialized-data image, so seeing it on the console also proves the
// boot prologue's ROM-to-RAM data copy worked.
const bootBanner = "rv32rot: measured boot complete\n"

// Image is the assembled kernel: the code image placed at the ROM base
// (the reset vector is its first word) and the initialized-data image
// placed at the data load address in the ROM tail.
type Image struct {
	b    *rv32asm.Builder
	data []byte
}

// Assemble builds the entire kernel in one instruction stream so every
// JalTo/LoadLabelAddr reference resolves against a single label
// namespace, the Go analogue of assembling one .S file with several
// labeled routines. The boot prologue comes first: word zero of the
// image is the reset entry point.
func Assemble() *Image {
	b := rv32asm.NewBuilder(memmap.ROMBase)

	BuildBoot(b)
	BuildTrapVector(b)
	BuildEcallHandlers(b)
	BuildPrivilegedServices(b)
	BuildLaunchUmode(b)

	return &Image{b: b, data: dataImage()}
}

// dataImage lays out the initialized-data section: a length word
// followed by the banner bytes, padded to a word boundary.
func dataImage() []byte {
	text := []byte(bootBanner)
	out := make([]byte, 4, 4+len(text)+3)
	binary.LittleEndian.PutUint32(out, uint32(len(text)))
	out = append(out, text...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

// Code returns the kernel code image, to be loaded at memmap.ROMBase.
func (im *Image) Code() []byte { return im.b.Bytes() }

// Data returns the initialized-data image, to be loaded at
// memmap.MDataLoad; the boot prologue copies it to memmap.MDataStart.
func (im *Image) Data() []byte { return im.data }

// AddrOf returns the physical address of a kernel symbol, for tests
// that drive a routine directly or stop at a known point.
func (im *Image) AddrOf(name string) uint32 { return im.b.AddrOf(name) }
