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

import (
	"rv32rot/internal/rv32asm"
)

// CPU is the emulated RV32 core: registers, CSR file, PMP table, and
// physical memory, plus the forward-edge (landing pad) and
// backward-edge (shadow stack) CFI state a real core would keep in
// microarchitectural latches.
type CPU struct {
	pc   uint32
	x    [32]uint32
	priv Privilege

	csr *csrFile
	pmp *PMP
	mem *Memory

	hasCFI bool

	// Forward-edge (Zicfilp) state: set by an indirect call (jalr
	// through a register other than the ra-based return idiom) while
	// envcfg.LPE is set; the very next fetched instruction must decode
	// as a landing pad carrying expectedLabel, or an instruction access
	// fault (cause 1) is raised.
	pendingLP     bool
	expectedLabel uint32

	tracer *Tracer
	cycles uint64

	halted   bool
	haltCode uint32
}

// NewCPU creates a CPU wired to the given memory and PMP table.
// hasCFI models whether this particular core was built with the
// Zicfilp/Zicfiss extensions at all; when false, menvcfg/senvcfg/ssp
// are simply absent CSRs and firmware probing them takes the
// illegal-instruction path.
func NewCPU(mem *Memory, pmp *PMP, hasCFI bool) *CPU {
	return &CPU{
		mem:    mem,
		pmp:    pmp,
		csr:    newCSRFile(hasCFI),
		hasCFI: hasCFI,
		priv:   PrivMachine,
	}
}

// SetTracer installs an execution tracer; nil disables tracing.
func (c *CPU) SetTracer(t *Tracer) { c.tracer = t }

// SetPC sets the initial program counter (the reset vector).
func (c *CPU) SetPC(pc uint32) { c.pc = pc }

// PC returns the current program counter.
func (c *CPU) PC() uint32 { return c.pc }

// Halted reports whether the core has reached a terminal halt: a wfi
// with no interrupt source that could ever wake it.
func (c *CPU) Halted() bool { return c.halted }

// Cycles returns the number of instructions retired.
func (c *CPU) Cycles() uint64 { return c.cycles }

// Reg reads general-purpose register i (x0 always reads zero).
func (c *CPU) Reg(i rv32asm.Reg) uint32 {
	if i == 0 {
		return 0
	}
	return c.x[i]
}

// SetReg writes general-purpose register i, for test harnesses that
// drive a routine directly instead of booting the whole firmware.
func (c *CPU) SetReg(i rv32asm.Reg, v uint32) { c.setReg(i, v) }

// Priv reports the current privilege level.
func (c *CPU) Priv() Privilege { return c.priv }

// ReadCSR reads a CSR bypassing privilege checks, for inspection by
// tests and the tracer. The bool is false if the CSR does not exist on
// this core. PMP registers are read through the PMP table instead.
func (c *CPU) ReadCSR(num uint32) (uint32, bool) {
	if IsPMPCfg(num) || IsPMPAddr(num) {
		return 0, false
	}
	return c.csr.read(num)
}

func (c *CPU) setReg(i rv32asm.Reg, v uint32) {
	if i != 0 {
		c.x[i] = v
	}
}

func (c *CPU) envcfg() uint32 {
	if c.priv == PrivMachine {
		return c.csr.values[CSRMenvcfg]
	}
	return c.csr.values[CSRMenvcfg] & c.csr.values[CSRSenvcfg]
}

func (c *CPU) lpEnabled() bool { return c.hasCFI && c.envcfg()&EnvcfgLPE != 0 }
func (c *CPU) ssEnabled() bool { return c.hasCFI && c.envcfg()&EnvcfgSSE != 0 }

// checkExec validates execute permission for the PC about to be
// fetched; the outstanding-landing-pad check happens after decode.
func (c *CPU) checkExec(addr uint32) bool {
	return c.pmp.Check(addr, 4, AccessExec, c.priv)
}

// Step fetches, decodes, and executes one instruction, returning false
// once the core has halted.
func (c *CPU) Step() bool {
	if c.halted {
		return false
	}

	if !c.checkExec(c.pc) {
		c.raiseFault(CauseInstructionAccessFault, c.pc)
		return true
	}

	word := c.mem.ReadWord(c.pc)
	d := rv32asm.Decode(word)

	if c.tracer != nil {
		c.tracer.TracePreInstruction(c, c.cycles)
	}

	if c.pendingLP {
		c.pendingLP = false
		// A landing pad with label 0 matches any caller; a labeled pad
		// must match the label the call site loaded into t2. Violations
		// surface as instruction access faults, the forward-edge fatal
		// path of the trap dispatcher.
		if d.Kind != rv32asm.KindLandingPad ||
			(d.Label != 0 && d.Label != c.expectedLabel&0xFFFFF) {
			c.raiseFault(CauseInstructionAccessFault, c.pc)
			return true
		}
	}

	c.cycles++
	nextPC := c.pc + 4

	switch d.Kind {
	case rv32asm.KindLandingPad:
		// No-op unless it was required above; a landing pad reached
		// without a pending check (e.g. a direct-call fallthrough) is
		// simply a fetch-decode no-op, matching auipc x0, imm.

	case rv32asm.KindLui:
		c.setReg(d.Rd, d.Imm20)

	case rv32asm.KindAddi:
		c.setReg(d.Rd, c.Reg(d.Rs1)+uint32(d.Imm))
	case rv32asm.KindAndi:
		c.setReg(d.Rd, c.Reg(d.Rs1)&uint32(d.Imm))
	case rv32asm.KindSlli:
		c.setReg(d.Rd, c.Reg(d.Rs1)<<uint32(d.Imm))
	case rv32asm.KindSrli:
		c.setReg(d.Rd, c.Reg(d.Rs1)>>uint32(d.Imm))
	case rv32asm.KindAdd:
		c.setReg(d.Rd, c.Reg(d.Rs1)+c.Reg(d.Rs2))
	case rv32asm.KindSub:
		c.setReg(d.Rd, c.Reg(d.Rs1)-c.Reg(d.Rs2))
	case rv32asm.KindXor:
		c.setReg(d.Rd, c.Reg(d.Rs1)^c.Reg(d.Rs2))
	case rv32asm.KindOr:
		c.setReg(d.Rd, c.Reg(d.Rs1)|c.Reg(d.Rs2))
	case rv32asm.KindAnd:
		c.setReg(d.Rd, c.Reg(d.Rs1)&c.Reg(d.Rs2))

	case rv32asm.KindLw:
		addr := c.Reg(d.Rs1) + uint32(d.Imm)
		if !c.pmp.Check(addr, 4, AccessRead, c.priv) {
			c.raiseFault(CauseLoadAccessFault, addr)
			return true
		}
		c.setReg(d.Rd, c.mem.ReadWord(addr))
	case rv32asm.KindLbu:
		addr := c.Reg(d.Rs1) + uint32(d.Imm)
		if !c.pmp.Check(addr, 1, AccessRead, c.priv) {
			c.raiseFault(CauseLoadAccessFault, addr)
			return true
		}
		c.setReg(d.Rd, uint32(c.mem.ReadByte(addr)))
	case rv32asm.KindSw:
		addr := c.Reg(d.Rs1) + uint32(d.Imm)
		if !c.pmp.Check(addr, 4, AccessWrite, c.priv) {
			c.raiseFault(CauseStoreAccessFault, addr)
			return true
		}
		c.mem.WriteWord(addr, c.Reg(d.Rs2))
	case rv32asm.KindSb:
		addr := c.Reg(d.Rs1) + uint32(d.Imm)
		if !c.pmp.Check(addr, 1, AccessWrite, c.priv) {
			c.raiseFault(CauseStoreAccessFault, addr)
			return true
		}
		c.mem.WriteByte(addr, byte(c.Reg(d.Rs2)))

	case rv32asm.KindBeq:
		if c.Reg(d.Rs1) == c.Reg(d.Rs2) {
			nextPC = c.pc + uint32(d.Imm)
		}
	case rv32asm.KindBne:
		if c.Reg(d.Rs1) != c.Reg(d.Rs2) {
			nextPC = c.pc + uint32(d.Imm)
		}
	case rv32asm.KindBlt:
		if int32(c.Reg(d.Rs1)) < int32(c.Reg(d.Rs2)) {
			nextPC = c.pc + uint32(d.Imm)
		}
	case rv32asm.KindBge:
		if int32(c.Reg(d.Rs1)) >= int32(c.Reg(d.Rs2)) {
			nextPC = c.pc + uint32(d.Imm)
		}
	case rv32asm.KindBltu:
		if c.Reg(d.Rs1) < c.Reg(d.Rs2) {
			nextPC = c.pc + uint32(d.Imm)
		}
	case rv32asm.KindBgeu:
		if c.Reg(d.Rs1) >= c.Reg(d.Rs2) {
			nextPC = c.pc + uint32(d.Imm)
		}

	case rv32asm.KindJal:
		c.setReg(d.Rd, c.pc+4)
		nextPC = c.pc + uint32(d.Imm)

	case rv32asm.KindJalr:
		target := (c.Reg(d.Rs1) + uint32(d.Imm)) &^ 1
		link := c.pc + 4
		isReturn := d.Rd == 0 && d.Rs1 == rv32asm.RA && d.Imm == 0
		c.setReg(d.Rd, link)
		nextPC = target
		if c.lpEnabled() && !isReturn {
			c.pendingLP = true
			c.expectedLabel = c.Reg(rv32asm.T2)
		}

	case rv32asm.KindHWSSPush:
		if c.ssEnabled() {
			ssp, _ := c.csr.read(CSRSSP)
			c.mem.WriteWord(ssp, c.x[rv32asm.RA])
			c.csr.write(CSRSSP, ssp+4)
		}
	case rv32asm.KindHWSSPopChk:
		if c.ssEnabled() {
			ssp, _ := c.csr.read(CSRSSP)
			ssp -= 4
			saved := c.mem.ReadWord(ssp)
			c.csr.write(CSRSSP, ssp)
			if saved != c.x[rv32asm.RA] {
				c.raiseFault(CauseSoftwareCheck, ssp)
				return true
			}
		}

	case rv32asm.KindCsrrw:
		old, ok := c.csrRead(d.CSR)
		if !ok {
			c.raiseFault(CauseIllegalInstruction, word)
			return true
		}
		if !c.csrWrite(d.CSR, c.Reg(d.Rs1)) {
			c.raiseFault(CauseIllegalInstruction, word)
			return true
		}
		c.setReg(d.Rd, old)
	case rv32asm.KindCsrrs:
		old, ok := c.csrRead(d.CSR)
		if !ok {
			c.raiseFault(CauseIllegalInstruction, word)
			return true
		}
		if d.Rs1 != 0 {
			c.csrWrite(d.CSR, old|c.Reg(d.Rs1))
		}
		c.setReg(d.Rd, old)
	case rv32asm.KindCsrrc:
		old, ok := c.csrRead(d.CSR)
		if !ok {
			c.raiseFault(CauseIllegalInstruction, word)
			return true
		}
		if d.Rs1 != 0 {
			c.csrWrite(d.CSR, old&^c.Reg(d.Rs1))
		}
		c.setReg(d.Rd, old)

	case rv32asm.KindEcall:
		cause := CauseUserEcall
		if c.priv == PrivMachine {
			cause = CauseMachineEcall
		}
		c.enterTrap(cause, 0)
		return true

	case rv32asm.KindMret:
		c.mret()
		return true

	case rv32asm.KindWfi:
		c.halted = true
		c.haltCode = c.mem.FinisherValue()
		return false

	case rv32asm.KindEbreak:
		c.raiseFault(CauseBreakpoint, c.pc)
		return true

	default:
		c.raiseFault(CauseIllegalInstruction, word)
		return true
	}

	c.pc = nextPC
	return true
}

// csrRead/csrWrite intercept the PMP configuration CSRs, which are
// backed directly by the PMP table (pmp.go) rather than the generic
// CSR map, and otherwise defer to csrFile.
// machineOnlyCSR reports whether a CSR is restricted to machine mode;
// accessing one from user mode is an illegal instruction, the same
// privilege fault real hardware raises.
func machineOnlyCSR(num uint32) bool {
	switch num {
	case CSRMstatus, CSRMtvec, CSRMepc, CSRMcause, CSRMtval,
		CSRMscratch, CSRMenvcfg, CSRSenvcfg:
		return true
	}
	return IsPMPCfg(num) || IsPMPAddr(num)
}

func (c *CPU) csrRead(num uint32) (uint32, bool) {
	if c.priv != PrivMachine && machineOnlyCSR(num) {
		return 0, false
	}
	switch {
	case IsPMPCfg(num):
		entry := 0
		if num == CSRPmpCfg1 {
			entry = 4
		}
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(c.pmp.ReadCfgByte(entry+i)) << (8 * i)
		}
		return v, true
	case IsPMPAddr(num):
		return c.pmp.ReadAddr(int(num - CSRPmpAddr0)), true
	}
	return c.csr.read(num)
}

func (c *CPU) csrWrite(num, value uint32) bool {
	if c.priv != PrivMachine && machineOnlyCSR(num) {
		return false
	}
	switch {
	case IsPMPCfg(num):
		entry := 0
		if num == CSRPmpCfg1 {
			entry = 4
		}
		for i := 0; i < 4; i++ {
			c.pmp.WriteCfgByte(entry+i, byte(value>>(8*i)))
		}
		return true
	case IsPMPAddr(num):
		c.pmp.WriteAddr(int(num-CSRPmpAddr0), value)
		return true
	}
	return c.csr.write(num, value)
}

func (c *CPU) raiseFault(cause, tval uint32) {
	if c.tracer != nil {
		c.tracer.TraceTrap(cause, tval, c.pc)
	}
	c.enterTrap(cause, tval)
}

// Run steps the core until it halts or maxCycles instructions have
// retired (0 means unbounded).
func (c *CPU) Run(maxCycles uint64) {
	for !c.halted {
		if maxCycles != 0 && c.cycles >= maxCycles {
			return
		}
		if !c.Step() {
			return
		}
	}
}

// HaltCode returns the value written to the finisher MMIO address,
// valid once Halted reports true.
func (c *CPU) HaltCode() uint32 { return c.haltCode }
