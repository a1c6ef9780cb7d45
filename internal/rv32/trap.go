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

// Trap cause codes, matching the RISC-V privileged-spec assignments,
// including the software-check exception (18) that Zicfiss/Zicfilp
// violations raise.
const (
	CauseInstructionAccessFault uint32 = 1
	CauseIllegalInstruction     uint32 = 2
	CauseBreakpoint             uint32 = 3
	CauseLoadAccessFault        uint32 = 5
	CauseStoreAccessFault       uint32 = 7
	CauseUserEcall              uint32 = 8
	CauseMachineEcall           uint32 = 11
	CauseSoftwareCheck          uint32 = 18
)

// enterTrap performs the hardware half of a synchronous trap: stash
// the faulting PC, cause and tval, record the interrupted privilege in
// mstatus.MPP for mret to restore, force machine mode, and vector to
// mtvec. Every trap lands in machine mode; there is no delegation.
func (c *CPU) enterTrap(cause, tval uint32) {
	// A pending forward-edge check does not survive into the handler;
	// the handler is entered by the hardware, not an indirect branch.
	c.pendingLP = false
	mpp := uint32(0)
	if c.priv == PrivMachine {
		mpp = 1
	}
	c.csr.values[CSRMstatus] = (c.csr.values[CSRMstatus] &^ mstatusMPPMask) | (mpp << mstatusMPPShift)
	c.csr.values[CSRMepc] = c.pc
	c.csr.values[CSRMcause] = cause
	c.csr.values[CSRMtval] = tval
	c.priv = PrivMachine
	c.pc = c.csr.values[CSRMtvec]
}

// mret restores the privilege level and PC captured at trap entry,
// the hardware side of the `mret` instruction.
func (c *CPU) mret() {
	mpp := c.csr.mpp()
	if mpp == 1 {
		c.priv = PrivMachine
	} else {
		c.priv = PrivUser
	}
	c.pc = c.csr.values[CSRMepc]
}
