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

package rom

import (
	"encoding/binary"
	"fmt"

	"rv32rot/internal/firmware/kernel"
	"rv32rot/internal/firmware/user"
	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32"
)

// Boot image layout (all fields little-endian):
//
//	offset  0: uint32 magic = 0x524F5431 ("ROT1")
//	offset  4: uint32 kernel code length in bytes
//	offset  8: uint32 kernel data length in bytes
//	offset 12: uint32 user code length in bytes
//	offset 16: kernel code, kernel data, user code, back to back
const (
	bootMagic  = 0x524F5431
	bootHeader = 16
)

// Sections are the three loadable pieces of a boot image.
type Sections struct {
	KernelCode []byte
	KernelData []byte
	UserCode   []byte
}

// Pack serializes the assembled firmware into a flat boot image, the
// artifact mkbootimg writes and rv32rot loads when given it as its
// argument.
func Pack(kern *kernel.Image, app *user.Image) []byte {
	s := Sections{
		KernelCode: kern.Code(),
		KernelData: kern.Data(),
		UserCode:   app.Code(),
	}

	out := make([]byte, bootHeader, bootHeader+len(s.KernelCode)+len(s.KernelData)+len(s.UserCode))
	binary.LittleEndian.PutUint32(out[0:], bootMagic)
	binary.LittleEndian.PutUint32(out[4:], uint32(len(s.KernelCode)))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(s.KernelData)))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(s.UserCode)))
	out = append(out, s.KernelCode...)
	out = append(out, s.KernelData...)
	out = append(out, s.UserCode...)
	return out
}

// Unpack parses a boot image back into its sections. Returns an error
// if the magic is wrong or the file is shorter than the declared
// lengths; bytes past the declared sections are ignored.
func Unpack(data []byte) (*Sections, error) {
	if len(data) < bootHeader {
		return nil, fmt.Errorf("boot image too small (%d bytes, need at least %d)", len(data), bootHeader)
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	if magic != bootMagic {
		return nil, fmt.Errorf("bad magic 0x%08X (expected 0x%08X)", magic, bootMagic)
	}
	kcode := int(binary.LittleEndian.Uint32(data[4:]))
	kdata := int(binary.LittleEndian.Uint32(data[8:]))
	ucode := int(binary.LittleEndian.Uint32(data[12:]))

	need := bootHeader + kcode + kdata + ucode
	if len(data) < need {
		return nil, fmt.Errorf("boot image too short: header declares %d bytes but file holds %d",
			need, len(data))
	}

	p := bootHeader
	s := &Sections{
		KernelCode: data[p : p+kcode],
		KernelData: data[p+kcode : p+kcode+kdata],
		UserCode:   data[p+kcode+kdata : p+kcode+kdata+ucode],
	}
	return s, nil
}

// Load places unpacked sections at their fixed physical addresses.
func (s *Sections) Load(mem *rv32.Memory) {
	mem.LoadImage(memmap.ROMBase, s.KernelCode)
	mem.LoadImage(memmap.MDataLoad, s.KernelData)
	mem.LoadImage(memmap.UserCodeBase, s.UserCode)
}
