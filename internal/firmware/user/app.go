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

// Package user assembles the demonstration application firmware that
// the kernel drops to after boot. Its entry is a landing pad; it
// exercises indirect calls through CFI-protected leaf and non-leaf
// targets, a ROM-resident dispatch table, and the ecall service
// interface, then exits through syscall 2.
package user

import (
	"rv32rot/internal/memmap"
	"rv32rot/internal/rv32asm"
)

// userBanner is printed through the put_string syscall; the bytes live
// in the user code region, which the PMP leaves readable to user mode.
const userBanner = "user firmware up\n"

// Landing-pad label carried by the non-leaf double routine, checked by
// its indirect call sites.
const LabelDouble = 5

// Syscall numbers of the ecall ABI.
const (
	sysPutChar   = 0
	sysPutString = 1
	sysExit      = 2
	sysGetRandom = 3
)

// randomBytes is how many stub-random bytes the demo requests.
const randomBytes = 8

// Image is the assembled user firmware, placed at the user-code base.
type Image struct {
	b *rv32asm.Builder
}

// Assemble builds the application. The entry routine must come first:
// the launcher's mret lands at the user-code base.
func Assemble() *Image {
	b := rv32asm.NewBuilder(memmap.UserCodeBase)

	buildEntry(b)
	buildLeafTargets(b)
	buildDouble(b)
	buildDispatch(b)
	buildCallAndInc(b)
	buildData(b)

	return &Image{b: b}
}

// Code returns the user code image, to be loaded at memmap.UserCodeBase.
func (im *Image) Code() []byte { return im.b.Bytes() }

// AddrOf returns the physical address of a user symbol.
func (im *Image) AddrOf(name string) uint32 { return im.b.AddrOf(name) }

// buildEntry emits u_entry. Each demonstration result is stored to a
// fixed user-RAM slot so a harness can check the values after the run:
//
//	+0  add_100(1)            = 101   (indirect, leaf, label 0)
//	+4  double(21)            = 42    (indirect, non-leaf, label 5)
//	+8  dispatch(0, 6)        = 18    (triple)
//	+12 dispatch(1, 6)        = 48    (add_42)
//	+16 dispatch(2, 6)        = 36    (square)
//	+20 call_and_inc(triple,4)  = 13
//	+24 call_and_inc(add_42,0)  = 43
func buildEntry(b *rv32asm.Builder) {
	b.Label("u_entry")
	b.Emit(rv32asm.EncodeLandingPad(0))

	b.LoadLabelAddr(rv32asm.T0, "add_100")
	b.Emit(rv32asm.Addi(rv32asm.T2, rv32asm.Zero, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 1))
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T0, 0))
	storeResult(b, 0)

	b.LoadLabelAddr(rv32asm.T0, "double")
	b.Emit(rv32asm.Addi(rv32asm.T2, rv32asm.Zero, LabelDouble))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 21))
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T0, 0))
	storeResult(b, 4)

	for i, id := range []int32{0, 1, 2} {
		b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, id))
		b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, 6))
		b.JalTo(rv32asm.RA, "dispatch")
		storeResult(b, int32(8+4*i))
	}

	b.LoadLabelAddr(rv32asm.A0, "triple")
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, 4))
	b.JalTo(rv32asm.RA, "call_and_inc")
	storeResult(b, 20)

	b.LoadLabelAddr(rv32asm.A0, "add_42")
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, 0))
	b.JalTo(rv32asm.RA, "call_and_inc")
	storeResult(b, 24)

	// Syscall demonstrations: banner via put_string, a stub-random
	// fill into the scratch slot, then the OK marker byte by byte.
	b.LoadLabelAddr(rv32asm.A0, "u_msg")
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, int32(len(userBanner))))
	b.Emit(rv32asm.Addi(rv32asm.A7, rv32asm.Zero, sysPutString))
	b.Emit(rv32asm.Ecall)

	b.LoadImm32(rv32asm.A0, memmap.UserScratchBase)
	b.Emit(rv32asm.Addi(rv32asm.A1, rv32asm.Zero, randomBytes))
	b.Emit(rv32asm.Addi(rv32asm.A7, rv32asm.Zero, sysGetRandom))
	b.Emit(rv32asm.Ecall)

	b.Emit(rv32asm.Addi(rv32asm.A7, rv32asm.Zero, sysPutChar))
	for _, c := range []byte("OK\n") {
		b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, int32(c)))
		b.Emit(rv32asm.Ecall)
	}

	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, 0))
	b.Emit(rv32asm.Addi(rv32asm.A7, rv32asm.Zero, sysExit))
	b.Emit(rv32asm.Ecall)

	// exit does not return; park if it somehow does.
	b.Label("u_hang")
	b.JalTo(rv32asm.Zero, "u_hang")
}

// storeResult stores a0 at UserResultBase+offset, preserving a0.
func storeResult(b *rv32asm.Builder, offset int32) {
	b.LoadImm32(rv32asm.T1, memmap.UserResultBase)
	b.Emit(rv32asm.Sw(rv32asm.A0, rv32asm.T1, offset))
}

// buildLeafTargets emits the leaf routines reachable indirectly. Each
// begins with an unconditional (label 0) landing pad and touches no
// stack: leaves push no shadow-stack state.
func buildLeafTargets(b *rv32asm.Builder) {
	b.Label("add_100")
	b.Emit(rv32asm.EncodeLandingPad(0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 100))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	b.Label("add_42")
	b.Emit(rv32asm.EncodeLandingPad(0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 42))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	b.Label("triple")
	b.Emit(rv32asm.EncodeLandingPad(0))
	b.Emit(rv32asm.Add(rv32asm.T0, rv32asm.A0, rv32asm.A0))
	b.Emit(rv32asm.Add(rv32asm.A0, rv32asm.T0, rv32asm.A0))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))

	// square by repeated addition; RV32I has no multiply.
	b.Label("square")
	b.Emit(rv32asm.EncodeLandingPad(0))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.A0, 0)) // counter
	b.Emit(rv32asm.Addi(rv32asm.T1, rv32asm.Zero, 0))
	b.Label("square_loop")
	b.BeqTo(rv32asm.T0, rv32asm.Zero, "square_done")
	b.Emit(rv32asm.Add(rv32asm.T1, rv32asm.T1, rv32asm.A0))
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.T0, -1))
	b.JalTo(rv32asm.Zero, "square_loop")
	b.Label("square_done")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.T1, 0))
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
}

// buildDouble emits the non-leaf demonstration target: label 5 landing
// pad and the full dual shadow-stack prologue/epilogue around a
// one-instruction body.
func buildDouble(b *rv32asm.Builder) {
	b.Label("double")
	emitCFIPrologue(b, LabelDouble)
	b.Emit(rv32asm.Slli(rv32asm.A0, rv32asm.A0, 1))
	emitCFIEpilogue(b, rv32asm.T3)
}

// buildDispatch emits dispatch(id, x): scan the ROM-resident dispatch
// table for id, then indirectly call the matching target with argument
// x. Unknown ids return -1.
func buildDispatch(b *rv32asm.Builder) {
	b.Label("dispatch")
	emitCFIPrologue(b, 0)
	b.LoadLabelAddr(rv32asm.T0, "dispatch_table")
	b.Label("dispatch_scan")
	b.Emit(rv32asm.Lw(rv32asm.T1, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.T3, rv32asm.Zero, -1))
	b.BeqTo(rv32asm.T1, rv32asm.T3, "dispatch_miss")
	b.BeqTo(rv32asm.T1, rv32asm.A0, "dispatch_hit")
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.T0, 8))
	b.JalTo(rv32asm.Zero, "dispatch_scan")
	b.Label("dispatch_hit")
	b.Emit(rv32asm.Lw(rv32asm.T0, rv32asm.T0, 4))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A1, 0))
	b.Emit(rv32asm.Addi(rv32asm.T2, rv32asm.Zero, 0))
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T0, 0))
	b.JalTo(rv32asm.Zero, "dispatch_out")
	b.Label("dispatch_miss")
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.Zero, -1))
	b.Label("dispatch_out")
	emitCFIEpilogue(b, rv32asm.T3)
}

// buildCallAndInc emits call_and_inc(f, x): indirectly call f(x) and
// return the result plus one.
func buildCallAndInc(b *rv32asm.Builder) {
	b.Label("call_and_inc")
	emitCFIPrologue(b, 0)
	b.Emit(rv32asm.Addi(rv32asm.T0, rv32asm.A0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A1, 0))
	b.Emit(rv32asm.Addi(rv32asm.T2, rv32asm.Zero, 0))
	b.Emit(rv32asm.Jalr(rv32asm.RA, rv32asm.T0, 0))
	b.Emit(rv32asm.Addi(rv32asm.A0, rv32asm.A0, 1))
	emitCFIEpilogue(b, rv32asm.T3)
}

// buildData emits the dispatch table ({id, target} pairs terminated
// by id -1) and the banner bytes. Both live in the user code region:
// readable, executable-but-never-executed, and not writable from user
// mode.
func buildData(b *rv32asm.Builder) {
	b.Label("dispatch_table")
	b.Emit(0)
	b.EmitLabelAddr("triple")
	b.Emit(1)
	b.EmitLabelAddr("add_42")
	b.Emit(2)
	b.EmitLabelAddr("square")
	b.Emit(0xFFFFFFFF)
	b.Emit(0)

	b.Label("u_msg")
	b.EmitBytes([]byte(userBanner))
}

// emitCFIPrologue/emitCFIEpilogue are the same dual shadow-stack
// sequences the kernel's privileged services use, rebuilt here because
// the user image is assembled as its own instruction stream.
func emitCFIPrologue(b *rv32asm.Builder, label uint32) {
	b.Emit(rv32asm.EncodeLandingPad(label))
	b.Emit(rv32asm.HWSSPush)
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, -16))
	b.Emit(rv32asm.Sw(rv32asm.RA, rv32asm.SP, 12))
	b.Emit(rv32asm.Sw(rv32asm.GP, rv32asm.SP, 8))
	b.EmitAll(rv32asm.EncodeSWSSPush(rv32asm.GP))
}

func emitCFIEpilogue(b *rv32asm.Builder, scratch rv32asm.Reg) {
	b.Emit(rv32asm.Lw(rv32asm.RA, rv32asm.SP, 12))
	b.EmitAll(rv32asm.EncodeSWSSPopChk(rv32asm.GP, scratch))
	b.Emit(rv32asm.Lw(rv32asm.GP, rv32asm.SP, 8))
	b.Emit(rv32asm.Addi(rv32asm.SP, rv32asm.SP, 16))
	b.Emit(rv32asm.HWSSPopChk)
	b.Emit(rv32asm.Jalr(rv32asm.Zero, rv32asm.RA, 0))
}
