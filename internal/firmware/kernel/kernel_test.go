// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Tests for the assembled kernel: the privileged services driven
// directly on the emulated core, and the PMP policy invariants.

package kernel_test

import (
	"testing"

	"rv32rot/internal/firmware/kernel"
	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32"
	"rv32rot/internal/rv32asm"
)

// runService drives one privileged service directly: program counter at
// the routine, return address parked on the boot halt loop, kernel
// stack and shadow pointer as rot_main would have them. setup may poke
// memory before the call.
func runService(t *testing.T, name string, a0, a1 uint32, setup func(mem *rv32.Memory)) uint32 {
	t.Helper()

	kern := kernel.Assemble()
	mem := rv32.NewMemory(rv32.NewUART(64))
	mem.LoadImage(memmap.ROMBase, kern.Code())
	if setup != nil {
		setup(mem)
	}

	cpu := rv32.NewCPU(mem, &rv32.PMP{}, false)
	cpu.SetPC(kern.AddrOf(name))
	cpu.SetReg(rv32asm.SP, memmap.MStackTop)
	cpu.SetReg(rv32asm.GP, memmap.MSWShadowStackBottom)
	cpu.SetReg(rv32asm.RA, kern.AddrOf("_start_halt"))
	cpu.SetReg(rv32asm.A0, a0)
	cpu.SetReg(rv32asm.A1, a1)

	cpu.Run(100000)
	if !cpu.Halted() {
		t.Fatalf("%s did not return (pc=0x%08X)", name, cpu.PC())
	}
	return cpu.Reg(rv32asm.A0)
}

func TestMeasureFirmware(t *testing.T) {
	// Four known words: 1 ^ 2 ^ 4 ^ 8 = 0xF.
	got := runService(t, "svc_measure_firmware", memmap.KernRAMBase, 16, func(mem *rv32.Memory) {
		for i, w := range []uint32{1, 2, 4, 8} {
			mem.WriteWord(memmap.KernRAMBase+uint32(4*i), w)
		}
	})
	if got != 0xF {
		t.Errorf("measure = 0x%X, want 0xF", got)
	}
}

func TestMeasureFirmwareEmptyRange(t *testing.T) {
	if got := runService(t, "svc_measure_firmware", memmap.KernRAMBase, 0, nil); got != 0 {
		t.Errorf("measure of empty range = 0x%X, want 0", got)
	}
}

func TestSealSecretInvolution(t *testing.T) {
	cases := []struct{ data, key uint32 }{
		{0, 0},
		{0x2A, 0x07},
		{0xDEADBEEF, 0x5A},
		{0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, c := range cases {
		sealed := runService(t, "svc_seal_secret", c.data, c.key, nil)
		if sealed != c.data^c.key {
			t.Errorf("seal(0x%X, 0x%X) = 0x%X", c.data, c.key, sealed)
		}
		unsealed := runService(t, "svc_seal_secret", sealed, c.key, nil)
		if unsealed != c.data {
			t.Errorf("seal(seal(0x%X)) = 0x%X, not an involution", c.data, unsealed)
		}
	}
}

// TestServicesBeginWithLandingPads checks the first word of each
// service carries the advertised label.
func TestServicesBeginWithLandingPads(t *testing.T) {
	kern := kernel.Assemble()
	code := kern.Code()
	for _, tt := range []struct {
		sym   string
		label uint32
	}{
		{"svc_measure_firmware", kernel.LabelMeasureFirmware},
		{"svc_seal_secret", kernel.LabelSealSecret},
	} {
		off := kern.AddrOf(tt.sym) - memmap.ROMBase
		word := uint32(code[off]) | uint32(code[off+1])<<8 |
			uint32(code[off+2])<<16 | uint32(code[off+3])<<24
		if word != rv32asm.EncodeLandingPad(tt.label) {
			t.Errorf("%s: first word 0x%08X, want landing pad %d", tt.sym, word, tt.label)
		}
	}
}

// TestPMPPolicy verifies the firmware's PMP table against the isolation
// invariants: kernel regions unreachable from user mode, no user region
// both writable and executable, kernel code immutable even to machine
// mode, unmapped addresses closed to user mode.
func TestPMPPolicy(t *testing.T) {
	p := &rv32.PMP{}
	kernel.ApplyPMP(p)

	allAccesses := []rv32.Access{rv32.AccessRead, rv32.AccessWrite, rv32.AccessExec}

	kernelRegions := []struct {
		name string
		base uint32
	}{
		{"ROM", memmap.ROMBase},
		{"kernel RAM", memmap.KernRAMBase},
		{"kernel shadow", memmap.KernShadowBase},
	}
	for _, r := range kernelRegions {
		for _, a := range allAccesses {
			if p.Check(r.base, 4, a, rv32.PrivUser) {
				t.Errorf("user access %d allowed to %s", a, r.name)
			}
		}
	}

	userPerms := []struct {
		name    string
		base    uint32
		r, w, x bool
	}{
		{"user code", memmap.UserCodeBase, true, false, true},
		{"user rodata", memmap.UserRODataBase, true, false, false},
		{"user RAM", memmap.UserRAMBase, true, true, false},
		{"user shadow", memmap.UserShadowBase, true, true, false},
	}
	for _, r := range userPerms {
		got := [3]bool{
			p.Check(r.base, 4, rv32.AccessRead, rv32.PrivUser),
			p.Check(r.base, 4, rv32.AccessWrite, rv32.PrivUser),
			p.Check(r.base, 4, rv32.AccessExec, rv32.PrivUser),
		}
		want := [3]bool{r.r, r.w, r.x}
		if got != want {
			t.Errorf("%s: user R/W/X = %v, want %v", r.name, got, want)
		}
		if got[1] && got[2] {
			t.Errorf("%s: writable and executable simultaneously", r.name)
		}
	}

	// The hardened UART policy: no direct user access.
	for _, a := range allAccesses {
		if p.Check(memmap.UARTBase, 4, a, rv32.PrivUser) {
			t.Errorf("user access %d allowed to UART", a)
		}
	}

	// Kernel code immutable at every privilege level.
	if p.Check(memmap.ROMBase, 4, rv32.AccessWrite, rv32.PrivMachine) {
		t.Errorf("machine mode can write ROM")
	}
	if !p.Check(memmap.ROMBase, 4, rv32.AccessExec, rv32.PrivMachine) {
		t.Errorf("machine mode cannot execute ROM")
	}

	// Catch-all: the finisher MMIO is kernel-only.
	if p.Check(memmap.FinisherAddr, 4, rv32.AccessWrite, rv32.PrivUser) {
		t.Errorf("user can reach the test finisher")
	}
	if !p.Check(memmap.FinisherAddr, 4, rv32.AccessWrite, rv32.PrivMachine) {
		t.Errorf("machine cannot reach the test finisher")
	}
}

// TestKernelImageFitsROM guards the data-load window: code must not
// grow into the tail of ROM reserved for the initialized-data image.
func TestKernelImageFitsROM(t *testing.T) {
	kern := kernel.Assemble()
	if max := uint32(memmap.MDataLoad - memmap.ROMBase); uint32(len(kern.Code())) > max {
		t.Fatalf("kernel code %d bytes, exceeds %d", len(kern.Code()), max)
	}
	if max := uint32(memmap.ROMBase + memmap.ROMSize - memmap.MDataLoad); uint32(len(kern.Data())) > max {
		t.Fatalf("kernel data %d bytes, exceeds %d", len(kern.Data()), max)
	}
}
