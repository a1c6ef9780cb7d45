// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the CPU core: trap entry, CFI enforcement, privilege
// transitions. Each test assembles a tiny program with the builder,
// runs it to a wfi halt, and inspects the architectural state.

package rv32

import (
	"bytes"
	"strings"
	"testing"

	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32asm"
)

const testCycleCap = 10000

// runBuilt loads an assembled program at the ROM base and runs it to a
// halt.
func runBuilt(t *testing.T, hasCFI bool, pmp *PMP, b *rv32asm.Builder) *CPU {
	t.Helper()
	mem := NewMemory(NewUART(16))
	mem.LoadImage(memmap.ROMBase, b.Bytes())
	if pmp == nil {
		pmp = &PMP{}
	}
	cpu := NewCPU(mem, pmp, hasCFI)
	cpu.SetPC(memmap.ROMBase)
	cpu.Run(testCycleCap)
	if !cpu.Halted() {
		t.Fatalf("program did not halt within %d cycles (pc=0x%08X)", testCycleCap, cpu.PC())
	}
	return cpu
}

// installHandler points mtvec at a wfi so any trap parks the hart with
// its cause readable.
func installHandler(b *rv32asm.Builder) {
	b.LoadLabelAddr(rv32asm.T0, "handler")
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, CSRMtvec, rv32asm.T0))
}

func emitHandler(b *rv32asm.Builder) {
	b.Label("handler")
	b.Emit(rv32asm.Wfi)
}

func mcauseOf(t *testing.T, c *CPU) uint32 {
	t.Helper()
	v, ok := c.ReadCSR(CSRMcause)
	if !ok {
		t.Fatalf("mcause unreadable")
	}
	return v
}

func TestArithmetic(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.Zero, 5))
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 7))
	b.Emit(rv32asm.Add(rv32asm.T2, rv32asm.T0, rv32asm.T1))
	b.Emit(rv32asm.Sub(rv32asm.A0, rv32asm.T1, rv32asm.T0))
	b.Emit(rv32asm.Xor(rv32asm.A1, rv32asm.T0, rv32asm.T1))
	b.Emit(rv32asm.Slli(rv32asm.A2, rv32asm.T0, 4))
	b.Emit(rv32asm.Wfi)

	c := runBuilt(t, false, nil, b)
	checks := []struct {
		reg  rv32asm.Reg
		want uint32
	}{
		{rv32asm.T2, 12}, {rv32asm.A0, 2}, {rv32asm.A1, 2}, {rv32asm.A2, 80},
	}
	for _, ck := range checks {
		if got := c.Reg(ck.reg); got != ck.want {
			t.Errorf("x%d = %d, want %d", ck.reg, got, ck.want)
		}
	}
}

func TestMissingCSRFaultsOnNonCFICore(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.Label("csrop")
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, CSRMenvcfg, rv32asm.T0))
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, false, nil, b)
	if got := mcauseOf(t, c); got != CauseIllegalInstruction {
		t.Errorf("mcause = %d, want %d", got, CauseIllegalInstruction)
	}
	if epc, _ := c.ReadCSR(CSRMepc); epc != b.AddrOf("csrop") {
		t.Errorf("mepc = 0x%08X, want 0x%08X", epc, b.AddrOf("csrop"))
	}
}

func TestCSRPresentOnCFICore(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, CSRMenvcfg, rv32asm.T0))
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != 0 {
		t.Errorf("unexpected trap, mcause = %d", got)
	}
}

// buildIndirectCall assembles: enable landing pads, indirect-call the
// "target" label with the given expected label in t2. The target sets
// a0=1 and halts; a trap parks at the handler with a0 still 0.
func buildIndirectCall(expect uint32, pad func(*rv32asm.Builder)) *rv32asm.Builder {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.LoadImm32(rv32asm.T0, EnvcfgLPE)
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, CSRMenvcfg, rv32asm.T0))
	b.LoadLabelAddr(rv32asm.T1, "target")
	b.LoadImm32(rv32asm.T2, expect)
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T1, 0))
	b.Emit(rv32asm.Wfi)
	emitHandler(b)
	b.Label("target")
	pad(b)
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 1))
	b.Emit(rv32asm.Wfi)
	return b
}

func TestLandingPadMissingFaults(t *testing.T) {
	b := buildIndirectCall(0, func(b *rv32asm.Builder) {})
	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != CauseInstructionAccessFault {
		t.Errorf("mcause = %d, want %d", got, CauseInstructionAccessFault)
	}
	if c.Reg(rv32asm.A0) != 0 {
		t.Errorf("target body ran despite missing landing pad")
	}
}

func TestLandingPadWrongLabelFaults(t *testing.T) {
	b := buildIndirectCall(3, func(b *rv32asm.Builder) {
		b.Emit(rv32asm.EncodeLandingPad(4))
	})
	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != CauseInstructionAccessFault {
		t.Errorf("mcause = %d, want %d", got, CauseInstructionAccessFault)
	}
}

func TestLandingPadMatchingLabel(t *testing.T) {
	b := buildIndirectCall(3, func(b *rv32asm.Builder) {
		b.Emit(rv32asm.EncodeLandingPad(3))
	})
	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != 0 {
		t.Errorf("unexpected trap, mcause = %d", got)
	}
	if c.Reg(rv32asm.A0) != 1 {
		t.Errorf("target body did not run")
	}
}

func TestLandingPadLabelZeroMatchesAnyCaller(t *testing.T) {
	b := buildIndirectCall(42, func(b *rv32asm.Builder) {
		b.Emit(rv32asm.EncodeLandingPad(0))
	})
	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != 0 {
		t.Errorf("unexpected trap, mcause = %d", got)
	}
}

func TestLandingPadIgnoredWithoutCFI(t *testing.T) {
	// No enable writes (menvcfg does not exist on this core): an
	// indirect call to a pad-less target must just work.
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.LoadLabelAddr(rv32asm.T1, "target")
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T1, 0))
	b.Emit(rv32asm.Wfi)
	emitHandler(b)
	b.Label("target")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 1))
	b.Emit(rv32asm.Wfi)

	c := runBuilt(t, false, nil, b)
	if c.Reg(rv32asm.A0) != 1 {
		t.Errorf("indirect call without CFI did not reach target")
	}
}

// buildShadowStack assembles: enable the shadow stack, seed ssp, push
// ra, optionally corrupt ra, pop-and-check, halt.
func buildShadowStack(corrupt bool) *rv32asm.Builder {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.LoadImm32(rv32asm.T0, EnvcfgSSE)
	b.Emit(rv32asm.Csrrs(rv32asm.Zero, CSRMenvcfg, rv32asm.T0))
	b.LoadImm32(rv32asm.T0, memmap.KernHWShadowBase)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, CSRSSP, rv32asm.T0))
	b.LoadImm32(rv32asm.RA, 0x1234)
	b.Emit(rv32asm.HWSSPush)
	if corrupt {
		b.LoadImm32(rv32asm.RA, 0x5678)
	}
	b.Emit(rv32asm.HWSSPopChk)
	b.Emit(rv32asm.Wfi)
	emitHandler(b)
	return b
}

func TestHWShadowStackMismatchFaults(t *testing.T) {
	c := runBuilt(t, true, nil, buildShadowStack(true))
	if got := mcauseOf(t, c); got != CauseSoftwareCheck {
		t.Errorf("mcause = %d, want %d", got, CauseSoftwareCheck)
	}
}

func TestHWShadowStackRoundTrip(t *testing.T) {
	c := runBuilt(t, true, nil, buildShadowStack(false))
	if got := mcauseOf(t, c); got != 0 {
		t.Errorf("unexpected trap, mcause = %d", got)
	}
	if ssp, _ := c.ReadCSR(CSRSSP); ssp != memmap.KernHWShadowBase {
		t.Errorf("ssp = 0x%08X after balanced push/pop", ssp)
	}
}

func TestHWShadowOpsAreNopsWhenDisabled(t *testing.T) {
	// CFI-capable core, but SSE never set: the Zicfiss words retire as
	// no-ops even with a mismatched ra.
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.LoadImm32(rv32asm.RA, 0x1234)
	b.Emit(rv32asm.HWSSPush)
	b.LoadImm32(rv32asm.RA, 0x5678)
	b.Emit(rv32asm.HWSSPopChk)
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, true, nil, b)
	if got := mcauseOf(t, c); got != 0 {
		t.Errorf("unexpected trap, mcause = %d", got)
	}
}

func TestEbreakRaisesBreakpoint(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	b.Label("brk")
	b.Emit(rv32asm.Ebreak)
	emitHandler(b)

	c := runBuilt(t, false, nil, b)
	if got := mcauseOf(t, c); got != CauseBreakpoint {
		t.Errorf("mcause = %d, want %d", got, CauseBreakpoint)
	}
	if epc, _ := c.ReadCSR(CSRMepc); epc != b.AddrOf("brk") {
		t.Errorf("mepc = 0x%08X", epc)
	}
}

// romExecPMP grants user mode R+X over the ROM region so dropped-to-user
// test code can keep executing.
func romExecPMP() *PMP {
	p := &PMP{}
	p.WriteAddr(0, napot(memmap.ROMBase, memmap.ROMSize))
	p.WriteCfgByte(0, PMPRead|PMPExec|PMPNAPOT)
	return p
}

func emitDropToUser(b *rv32asm.Builder, entry string) {
	b.LoadLabelAddr(rv32asm.T0, entry)
	b.Emit(rv32asm.Csrrw(rv32asm.Zero, CSRMepc, rv32asm.T0))
	b.LoadImm32(rv32asm.T1, MstatusMPPMask)
	b.Emit(rv32asm.Csrrc(rv32asm.Zero, CSRMstatus, rv32asm.T1))
	b.Emit(rv32asm.Mret)
}

func TestMretDropsToUser(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	emitDropToUser(b, "uland")
	b.Label("uland")
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, false, romExecPMP(), b)
	if c.Priv() != PrivUser {
		t.Errorf("privilege after mret = %d, want user", c.Priv())
	}
}

func TestUserEcallTrapsToMachine(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	emitDropToUser(b, "uland")
	b.Label("uland")
	b.Emit(rv32asm.Ecall)
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, false, romExecPMP(), b)
	if got := mcauseOf(t, c); got != CauseUserEcall {
		t.Errorf("mcause = %d, want %d", got, CauseUserEcall)
	}
	if c.Priv() != PrivMachine {
		t.Errorf("trap did not re-enter machine mode")
	}
}

func TestUserAccessFaultCauses(t *testing.T) {
	// User load and store outside every PMP entry: load-access-fault and
	// store-access-fault respectively.
	for _, tt := range []struct {
		name  string
		emit  func(b *rv32asm.Builder)
		cause uint32
	}{
		{"load", func(b *rv32asm.Builder) {
			b.Emit(rv32asm.Lw(rv32asm.T0, rv32asm.T1, 0))
		}, CauseLoadAccessFault},
		{"store", func(b *rv32asm.Builder) {
			b.Emit(rv32asm.Sw(rv32asm.T0, rv32asm.T1, 0))
		}, CauseStoreAccessFault},
	} {
		b := rv32asm.NewBuilder(memmap.ROMBase)
		installHandler(b)
		emitDropToUser(b, "uland")
		b.Label("uland")
		b.LoadImm32(rv32asm.T1, memmap.KernRAMBase)
		tt.emit(b)
		b.Emit(rv32asm.Wfi)
		emitHandler(b)

		c := runBuilt(t, false, romExecPMP(), b)
		if got := mcauseOf(t, c); got != tt.cause {
			t.Errorf("%s: mcause = %d, want %d", tt.name, got, tt.cause)
		}
	}
}

func TestMachineOnlyCSRDeniedToUser(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	installHandler(b)
	emitDropToUser(b, "uland")
	b.Label("uland")
	b.Emit(rv32asm.Csrrs(rv32asm.T0, CSRMstatus, rv32asm.Zero))
	b.Emit(rv32asm.Wfi)
	emitHandler(b)

	c := runBuilt(t, false, romExecPMP(), b)
	if got := mcauseOf(t, c); got != CauseIllegalInstruction {
		t.Errorf("mcause = %d, want %d", got, CauseIllegalInstruction)
	}
}

func TestTracerEmitsLines(t *testing.T) {
	b := rv32asm.NewBuilder(memmap.ROMBase)
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.Zero, 1))
	b.Emit(rv32asm.Wfi)

	mem := NewMemory(NewUART(16))
	mem.LoadImage(memmap.ROMBase, b.Bytes())
	cpu := NewCPU(mem, &PMP{}, false)
	cpu.SetPC(memmap.ROMBase)
	var buf bytes.Buffer
	cpu.SetTracer(NewTracer(&buf))
	cpu.Run(testCycleCap)

	out := buf.String()
	if !strings.Contains(out, "pc=0x80000000") {
		t.Errorf("trace missing first pc: %q", out)
	}
	if strings.Count(out, "\n") < 2 {
		t.Errorf("expected one line per instruction, got %q", out)
	}
}
