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

package rv32asm

import (
	"encoding/binary"
	"fmt"
)

// Builder assembles a single routine word-by-word, resolving local
// branch/jump labels when Bytes() is called. It never inserts a
// compiler-style prologue or epilogue: every word written is exactly
// the word the caller asked for, so naked routines carry only the
// prologue/epilogue words their authors emit.
type Builder struct {
	base   uint32 // load address of word 0, for branch/jump offset math
	words  []uint32
	labels map[string]int // label name -> word index
	fixups []fixup
}

type fixup struct {
	wordIndex int
	label     string
	kind      fixupKind
}

type fixupKind int

const (
	fixupBranch fixupKind = iota
	fixupJal
	fixupLoadAddr
	fixupRawAddr
)

// NewBuilder creates a Builder for a routine whose first word will be
// placed at physical address base.
func NewBuilder(base uint32) *Builder {
	return &Builder{base: base, labels: make(map[string]int)}
}

// Emit appends one raw instruction word.
func (b *Builder) Emit(word uint32) *Builder {
	b.words = append(b.words, word)
	return b
}

// EmitAll appends a sequence of raw instruction words.
func (b *Builder) EmitAll(words []uint32) *Builder {
	b.words = append(b.words, words...)
	return b
}

// Label marks the current position for a later Branch/Jump reference.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = len(b.words)
	return b
}

// branchFixup records that the branch word just emitted (one of Beq,
// Bne, Bltu, Bgeu with a placeholder offset of 0) must have its offset
// resolved against name once Bytes is called.
func (b *Builder) branchFixup(name string) {
	b.fixups = append(b.fixups, fixup{wordIndex: len(b.words) - 1, label: name, kind: fixupBranch})
}

// BeqTo, BneTo, BltuTo, BgeuTo emit a conditional branch to a label
// resolved later.
func (b *Builder) BeqTo(rs1, rs2 Reg, name string) *Builder {
	b.Emit(Beq(rs1, rs2, 0))
	b.branchFixup(name)
	return b
}
func (b *Builder) BneTo(rs1, rs2 Reg, name string) *Builder {
	b.Emit(Bne(rs1, rs2, 0))
	b.branchFixup(name)
	return b
}
func (b *Builder) BltuTo(rs1, rs2 Reg, name string) *Builder {
	b.Emit(Bltu(rs1, rs2, 0))
	b.branchFixup(name)
	return b
}
func (b *Builder) BgeuTo(rs1, rs2 Reg, name string) *Builder {
	b.Emit(Bgeu(rs1, rs2, 0))
	b.branchFixup(name)
	return b
}

// JalTo emits `jal rd, <offset-to-name>`, resolved later.
func (b *Builder) JalTo(rd Reg, name string) *Builder {
	b.Emit(Jal(rd, 0))
	b.fixups = append(b.fixups, fixup{wordIndex: len(b.words) - 1, label: name, kind: fixupJal})
	return b
}

// LoadLabelAddr emits a two-word lui+addi pair that loads the absolute
// address of a label, resolved once the label's final position is
// known at Bytes() time. Used to seed mtvec and similar registers that
// must hold a routine's real address rather than a relative offset.
func (b *Builder) LoadLabelAddr(rd Reg, name string) *Builder {
	b.Emit(Lui(rd, 0))
	b.Emit(Addi(rd, rd, 0))
	b.fixups = append(b.fixups, fixup{wordIndex: len(b.words) - 2, label: name, kind: fixupLoadAddr})
	return b
}

// EmitLabelAddr emits one placeholder data word that Bytes() replaces
// with the absolute address of name: a dispatch-table entry, not an
// instruction.
func (b *Builder) EmitLabelAddr(name string) *Builder {
	b.Emit(0)
	b.fixups = append(b.fixups, fixup{wordIndex: len(b.words) - 1, label: name, kind: fixupRawAddr})
	return b
}

// LoadImm32 emits the standard RISC-V `li` expansion (lui, plus addi
// when the low 12 bits are nonzero) for a constant that may not fit a
// 12-bit immediate, adding 0x1000 to the
// upper immediate when the low 12 bits would sign-extend negative.
func (b *Builder) LoadImm32(rd Reg, value uint32) *Builder {
	upper, lower := splitImm32(value)
	b.Emit(Lui(rd, upper))
	if lower != 0 {
		b.Emit(Addi(rd, rd, lower))
	}
	return b
}

func splitImm32(value uint32) (upper uint32, lower int32) {
	upper = value >> 12
	if value&0xFFF >= 0x800 {
		upper++
		lower = int32(value&0xFFF) - 0x1000
	} else {
		lower = int32(value & 0xFFF)
	}
	return upper & 0xFFFFF, lower
}

// EmitBytes appends raw data bytes to the instruction stream, padded
// with zeros to a word boundary. Used for in-ROM strings such as the
// CFI diagnostic message.
func (b *Builder) EmitBytes(data []byte) *Builder {
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	for i := 0; i < len(data); i += 4 {
		b.Emit(binary.LittleEndian.Uint32(data[i:]))
	}
	return b
}

// AddrOf returns the physical address of a previously defined label.
// Callers (the ROM linker, tests that stop at a known point) may use it
// any time after the label's Label call.
func (b *Builder) AddrOf(name string) uint32 {
	idx, ok := b.labels[name]
	if !ok {
		panic(fmt.Sprintf("rv32asm: undefined label %q", name))
	}
	return b.base + uint32(idx)*4
}

// Len returns the number of words emitted so far.
func (b *Builder) Len() int { return len(b.words) }

// Bytes resolves all label fixups and returns the routine as
// little-endian bytes, ready to be placed at b.base.
func (b *Builder) Bytes() []byte {
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			panic(fmt.Sprintf("rv32asm: undefined label %q", f.label))
		}
		offset := int32(target-f.wordIndex) * 4
		word := b.words[f.wordIndex]
		switch f.kind {
		case fixupBranch:
			rs1 := Reg((word >> 15) & 0x1F)
			rs2 := Reg((word >> 20) & 0x1F)
			funct3 := (word >> 12) & 0x7
			b.words[f.wordIndex] = bType(uint32(offset), uint32(rs2), uint32(rs1), funct3, opBranch)
		case fixupJal:
			rd := Reg((word >> 7) & 0x1F)
			b.words[f.wordIndex] = jType(uint32(offset), uint32(rd), opJal)
		case fixupLoadAddr:
			rd := Reg((word >> 7) & 0x1F)
			addr := b.base + uint32(target)*4
			upper, lower := splitImm32(addr)
			b.words[f.wordIndex] = Lui(rd, upper)
			b.words[f.wordIndex+1] = Addi(rd, rd, lower)
		case fixupRawAddr:
			b.words[f.wordIndex] = b.base + uint32(target)*4
		}
	}

	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// Base returns the routine's load address.
func (b *Builder) Base() uint32 { return b.base }
