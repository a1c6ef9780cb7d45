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
	"fmt"
	"io"

	"rv32rot/internal/rv32asm"
)

// Tracer writes a per-instruction execution trace: cycle, pc,
// privilege, the raw word, and a few registers of interest.
type Tracer struct {
	out io.Writer
}

// NewTracer creates a Tracer writing to out.
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{out: out}
}

// TracePreInstruction prints cycle count, PC, privilege, raw word and
// decoded kind before CPU.Step executes it.
func (t *Tracer) TracePreInstruction(c *CPU, cycle uint64) {
	priv := "user"
	if c.priv == PrivMachine {
		priv = "machine"
	}
	word := c.mem.ReadWord(c.pc)
	d := rv32asm.Decode(word)
	fmt.Fprintf(t.out, "cycle=%08d pc=0x%08x [%s] word=0x%08x kind=%d x1=0x%08x x10=0x%08x x11=0x%08x\n",
		cycle, c.pc, priv, word, d.Kind, c.x[rv32asm.RA], c.x[rv32asm.A0], c.x[rv32asm.A1])
}

// TraceTrap prints a trap entry.
func (t *Tracer) TraceTrap(cause, tval, epc uint32) {
	fmt.Fprintf(t.out, "TRAP cause=%d tval=0x%08x epc=0x%08x\n", cause, tval, epc)
}
