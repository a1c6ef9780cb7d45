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

// CSR addresses, matching the RISC-V privileged-spec assignments.
const (
	CSRSenvcfg  uint32 = 0x10A
	CSRSSP      uint32 = 0x011 // Zicfiss shadow-stack-pointer CSR
	CSRMenvcfg  uint32 = 0x30A
	CSRMstatus  uint32 = 0x300
	CSRMtvec    uint32 = 0x305
	CSRMscratch uint32 = 0x340
	CSRMepc     uint32 = 0x341
	CSRMcause   uint32 = 0x342
	CSRMtval    uint32 = 0x343

	// PMP configuration CSRs, real RISC-V addresses: two packed config
	// registers (4 bytes each, RV32) and eight address registers.
	CSRPmpCfg0  uint32 = 0x3A0
	CSRPmpCfg1  uint32 = 0x3A1
	CSRPmpAddr0 uint32 = 0x3B0 // pmpaddr0..pmpaddr7 occupy 0x3B0-0x3B7
)

// IsPMPCfg/IsPMPAddr identify the PMP CSR ranges; routed to the PMP
// table directly by CPU rather than the generic CSR map, since they
// are backed by real hardware state (pmp.go), not software-visible
// storage.
func IsPMPCfg(num uint32) bool  { return num == CSRPmpCfg0 || num == CSRPmpCfg1 }
func IsPMPAddr(num uint32) bool { return num >= CSRPmpAddr0 && num < CSRPmpAddr0+8 }

// envcfg bit positions for the CFI enables.
const (
	EnvcfgLPE uint32 = 1 << 2 // landing-pad enable
	EnvcfgSSE uint32 = 1 << 3 // shadow-stack enable
)

// mstatus.MPP occupies bits 12:11; only two privilege levels exist here
// so only bit 11 is meaningful, but the field is kept two bits wide to
// mirror the real CSR layout. The exported mask is what the launcher
// clears to arm a machine-to-user return.
const mstatusMPPShift = 11
const mstatusMPPMask = 0x3 << mstatusMPPShift

const MstatusMPPMask uint32 = mstatusMPPMask

type csrFile struct {
	values map[uint32]uint32
	hasCFI bool // whether menvcfg/senvcfg/ssp exist on this core
}

func newCSRFile(hasCFI bool) *csrFile {
	return &csrFile{values: make(map[uint32]uint32), hasCFI: hasCFI}
}

// exists reports whether a CSR number is implemented on this core.
// menvcfg/senvcfg/ssp only exist when the core was built with the CFI
// extension; reading or writing them otherwise is an illegal
// instruction, so firmware written for CFI hardware degrades
// gracefully on cores without it.
func (c *csrFile) exists(num uint32) bool {
	switch num {
	case CSRMenvcfg, CSRSenvcfg, CSRSSP:
		return c.hasCFI
	case CSRMstatus, CSRMtvec, CSRMscratch, CSRMepc, CSRMcause, CSRMtval:
		return true
	default:
		return false
	}
}

func (c *csrFile) read(num uint32) (uint32, bool) {
	if !c.exists(num) {
		return 0, false
	}
	return c.values[num], true
}

func (c *csrFile) write(num, value uint32) bool {
	if !c.exists(num) {
		return false
	}
	c.values[num] = value
	return true
}

func (c *csrFile) mpp() uint32 {
	return (c.values[CSRMstatus] & mstatusMPPMask) >> mstatusMPPShift
}
