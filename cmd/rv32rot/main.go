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

// rv32rot boots the root-of-trust firmware on the emulated RV32 core
// and bridges the emulated UART to the controlling terminal.
//
// With no argument it assembles and runs the in-repo firmware; with a
// boot-image argument (produced by mkbootimg) it loads that instead.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"rv32rot/internal/memmap"
	"rv32rot/internal/rom"
	"rv32rot/internal/rv32"
)

var (
	traceFile   = flag.String("trace", "", "Write execution trace to file")
	maxCycles   = flag.Uint64("max-cycles", 0, "Stop after N cycles (0 = unlimited)")
	noCFI       = flag.Bool("no-cfi", false, "Emulate a core without the CFI extensions")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

const version = "1.0.0"

// uartDepth sizes the emulated UART buffers; deep enough that firmware
// never stalls on a tx buffer the drain goroutine is about to empty.
const uartDepth = 4096

// drainChunk is how many instructions retire between UART drains.
const drainChunk = 10000

var savedTermState *term.State

// setupTerminal puts the terminal in raw mode for the UART emulation.
func setupTerminal() error {
	// Only set raw mode if stdin is a terminal
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %v", err)
	}
	savedTermState = state

	_, err = term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %v", err)
	}

	return nil
}

// restoreTerminal restores the terminal to its original state.
func restoreTerminal() {
	if savedTermState != nil && term.IsTerminal(int(os.Stdin.Fd())) {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: rv32rot [options] [boot-image]\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("rv32rot emulator v%s\n", version)
		os.Exit(0)
	}

	sys := rom.BuildSystem(!*noCFI, uartDepth)

	// Load a packaged boot image over the in-repo firmware if one was
	// given. Do it before raw mode so errors print cleanly.
	if args := flag.Args(); len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading boot image: %v\n", err)
			os.Exit(1)
		}
		sections, err := rom.Unpack(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading boot image: %v\n", err)
			os.Exit(1)
		}
		sections.Load(sys.Mem)
	} else if len(args) > 1 {
		usage()
		os.Exit(1)
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trace file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		sys.CPU.SetTracer(rv32.NewTracer(f))
	}

	if err := setupTerminal(); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up terminal: %v\n", err)
		os.Exit(1)
	}
	defer restoreTerminal()

	// Restore the terminal on interrupt; raw mode eats ctrl-C otherwise.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		restoreTerminal()
		os.Exit(130)
	}()

	// Bridge stdin keystrokes into the emulated UART receiver.
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n == 1 {
				sys.UART.Feed(buf[0])
			}
		}
	}()

	runToHalt(sys)
	drainUART(sys.UART)
	restoreTerminal()

	if sys.Mem.FinisherValue() == memmap.FinisherPass {
		fmt.Printf("\nPASS (%d cycles)\n", sys.CPU.Cycles())
		return
	}
	fmt.Fprintf(os.Stderr, "\nHALT without pass token (%d cycles)\n", sys.CPU.Cycles())
	os.Exit(1)
}

// runToHalt interleaves execution with UART drains so console output
// appears while the firmware runs instead of all at once at the end.
func runToHalt(sys *rom.System) {
	for !sys.CPU.Halted() {
		if *maxCycles != 0 && sys.CPU.Cycles() >= *maxCycles {
			return
		}
		chunk := uint64(drainChunk)
		if *maxCycles != 0 && *maxCycles-sys.CPU.Cycles() < chunk {
			chunk = *maxCycles - sys.CPU.Cycles()
		}
		sys.CPU.Run(sys.CPU.Cycles() + chunk)
		drainUART(sys.UART)
	}
}

func drainUART(u *rv32.UART) {
	for {
		b, ok := u.Drain()
		if !ok {
			return
		}
		os.Stdout.Write([]byte{b})
	}
}
