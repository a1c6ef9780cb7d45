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
	"encoding/binary"

	"rv32rot/internal/memmap"
)

// Privilege is the current execution mode: machine (kernel) or user.
// There is no supervisor mode in this machine.
type Privilege int

const (
	PrivUser Privilege = iota
	PrivMachine
)

// Memory is the flat physical address space: RAM/ROM backed by a byte
// slice, plus a small set of memory-mapped devices (UART, finisher)
// dispatched by address range. PMP (pmp.go) is the only access-control
// layer, enforced by the CPU before it ever calls into Memory.
type Memory struct {
	bytes    []byte
	uart     *UART
	finisher uint32
}

// NewMemory allocates the full physical address space described by
// internal/memmap and wires in the UART device.
func NewMemory(uart *UART) *Memory {
	return &Memory{bytes: make([]byte, memmap.PhysMemSize), uart: uart}
}

// LoadImage copies a flat image into physical memory starting at base.
// internal/rom hands over fully linked images, so Memory only has to
// place bytes.
func (m *Memory) LoadImage(base uint32, data []byte) {
	copy(m.bytes[base-memmap.ROMBase:], data)
}

func (m *Memory) inUART(addr uint32) bool {
	return addr >= memmap.UARTBase && addr < memmap.UARTBase+memmap.UARTSize
}

func (m *Memory) inFinisher(addr uint32) bool {
	return addr == memmap.FinisherAddr
}

// ramIndex translates a physical address to an index into the backing
// array, or reports false for addresses outside the RAM/ROM window
// (stray machine-mode accesses read as zero and ignore writes, like a
// bus with no device responding).
func (m *Memory) ramIndex(addr uint32) (int, bool) {
	if addr < memmap.ROMBase || addr-memmap.ROMBase >= uint32(len(m.bytes)) {
		return 0, false
	}
	return int(addr - memmap.ROMBase), true
}

// ReadByte/ReadWord/WriteByte/WriteWord perform the raw access with no
// permission checking: callers (cpu.go) must have already called
// PMP.Check. MMIO reads/writes to the UART and finisher are dispatched
// here because, electrically, they sit in the same physical address
// space as RAM.
func (m *Memory) ReadByte(addr uint32) byte {
	if m.inUART(addr) {
		return m.uart.ReadReg(addr - memmap.UARTBase)
	}
	if i, ok := m.ramIndex(addr); ok {
		return m.bytes[i]
	}
	return 0
}

func (m *Memory) WriteByte(addr uint32, v byte) {
	if m.inUART(addr) {
		m.uart.WriteReg(addr-memmap.UARTBase, v)
		return
	}
	if m.inFinisher(addr) {
		m.finisher = uint32(v) // low byte write still recorded; see WriteWord
		return
	}
	if i, ok := m.ramIndex(addr); ok {
		m.bytes[i] = v
	}
}

func (m *Memory) ReadWord(addr uint32) uint32 {
	if m.inUART(addr) {
		return uint32(m.uart.ReadReg(addr - memmap.UARTBase))
	}
	if i, ok := m.ramIndex(addr); ok && i+4 <= len(m.bytes) {
		return binary.LittleEndian.Uint32(m.bytes[i:])
	}
	return 0
}

func (m *Memory) WriteWord(addr uint32, v uint32) {
	if m.inFinisher(addr) {
		m.finisher = v
		return
	}
	if m.inUART(addr) {
		m.uart.WriteReg(addr-memmap.UARTBase, byte(v))
		return
	}
	if i, ok := m.ramIndex(addr); ok && i+4 <= len(m.bytes) {
		binary.LittleEndian.PutUint32(m.bytes[i:], v)
	}
}

// FinisherValue reports the last word written to the finisher MMIO
// address, used by cmd/rv32rot to detect a clean simulation exit
// (value 0x5555 means pass).
func (m *Memory) FinisherValue() uint32 { return m.finisher }
