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

package rv32

// Access describes the kind of memory operation being checked against
// the PMP table.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

// PMP cfg byte bit layout.
const (
	PMPRead  = 0x01
	PMPWrite = 0x02
	PMPExec  = 0x04
	PMPNAPOT = 0x18
	PMPLock  = 0x80
)

const numPMPEntries = 8

// PMP is the 8-entry physical-memory-protection table: raw address and
// config registers, plus the enforcement logic. This file contains no
// policy; it only implements the priority-ordered permission check.
// The policy (which regions land in which entry) is assembled kernel
// code, internal/firmware/kernel/pmp.go, exactly like a real PMP unit
// versus the firmware that programs it.
type PMP struct {
	addr [numPMPEntries]uint32 // NAPOT-encoded address field
	cfg  [numPMPEntries]byte
}

// WriteAddr/WriteCfgByte model the CSR writes a real core exposes as
// pmpaddr0-7 / pmpcfg0-1 (4 cfg bytes packed per 32-bit register on
// RV32). Writes to a locked entry are ignored, so the kernel-code entry
// cannot be reprogrammed after boot.
func (p *PMP) WriteAddr(entry int, value uint32) {
	if p.cfg[entry]&PMPLock == 0 {
		p.addr[entry] = value
	}
}

func (p *PMP) WriteCfgByte(entry int, value byte) {
	if p.cfg[entry]&PMPLock == 0 {
		p.cfg[entry] = value
	}
}

func (p *PMP) ReadAddr(entry int) uint32 { return p.addr[entry] }
func (p *PMP) ReadCfgByte(entry int) byte { return p.cfg[entry] }

// napotRange decodes a NAPOT-encoded pmpaddr register into [base, base+size).
func napotRange(encoded uint32) (base, size uint32) {
	// Count the trailing ones of encoded to find the region size; a
	// true NAPOT encoding has the form base_bits 0 1 1 ... 1.
	v := encoded
	ones := uint32(0)
	for v&1 == 1 {
		ones++
		v >>= 1
	}
	size = 8 << ones
	base = (encoded &^ ((1 << (ones + 1)) - 1)) << 2
	return base, size
}

// Check enforces the priority-ordered PMP policy for a [addr, addr+length)
// access of the given kind at the given privilege level. Lower-indexed
// entries win; the first entry whose range covers the access decides it.
//
// A locked entry binds machine mode to its permission bits and denies
// user mode entirely: it marks a kernel-exclusive region whose rules
// even the kernel cannot escape (the locked kernel-code entry is how
// code immutability holds at every privilege level). An unlocked entry
// grants its permission bits to user mode and is bypassed by machine
// mode. An address matching no entry is denied to user mode and open to
// machine mode.
func (p *PMP) Check(addr, length uint32, access Access, priv Privilege) bool {
	if length == 0 {
		return true
	}
	end := addr + length
	if end < addr {
		return false
	}

	for i := 0; i < numPMPEntries; i++ {
		cfg := p.cfg[i]
		if cfg&PMPNAPOT != PMPNAPOT {
			continue // entry not programmed as NAPOT == not in use
		}
		base, size := napotRange(p.addr[i])
		if addr < base || end > base+size {
			continue
		}

		locked := cfg&PMPLock != 0
		if priv == PrivMachine {
			if !locked {
				return true
			}
		} else if locked {
			return false
		}

		switch access {
		case AccessRead:
			return cfg&PMPRead != 0
		case AccessWrite:
			return cfg&PMPWrite != 0
		case AccessExec:
			return cfg&PMPExec != 0
		}
		return false
	}

	// No entry matched: deny user mode, allow machine mode.
	return priv == PrivMachine
}
