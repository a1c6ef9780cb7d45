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

// mkbootimg - assemble the root-of-trust firmware and write it as a
// flat boot image loadable by rv32rot.
//
// Usage: mkbootimg output.img
//
// The image holds the kernel code, the kernel initialized-data section,
// and the user application, preceded by a small header giving their
// lengths (see internal/rom for the exact layout).
package main

import (
	"fmt"
	"os"

	"rv32rot/internal/firmware/kernel"
	"rv32rot/internal/firmware/user"
	"rv32rot/internal/rom"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: mkbootimg output.img\n")
		os.Exit(1)
	}

	kern := kernel.Assemble()
	app := user.Assemble()
	image := rom.Pack(kern, app)

	if err := os.WriteFile(os.Args[1], image, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing boot image: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s: %d bytes (kernel %d, data %d, user %d)\n",
		os.Args[1], len(image), len(kern.Code()), len(kern.Data()), len(app.Code()))
}
