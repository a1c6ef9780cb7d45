// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// Unit tests for the boot-image pack/unpack format.

package rom

import (
	"bytes"
	"encoding/binary"
	"testing"

	"rv32rot/internal/firmware/kernel"
	"rv32rot/internal/firmware/user"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	kern := kernel.Assemble()
	app := user.Assemble()

	image := Pack(kern, app)
	s, err := Unpack(image)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if !bytes.Equal(s.KernelCode, kern.Code()) {
		t.Errorf("kernel code differs after round trip")
	}
	if !bytes.Equal(s.KernelData, kern.Data()) {
		t.Errorf("kernel data differs after round trip")
	}
	if !bytes.Equal(s.UserCode, app.Code()) {
		t.Errorf("user code differs after round trip")
	}
}

func TestUnpackRejectsBadMagic(t *testing.T) {
	image := Pack(kernel.Assemble(), user.Assemble())
	binary.LittleEndian.PutUint32(image[0:], 0xDDDDDDDD)
	if _, err := Unpack(image); err == nil {
		t.Fatalf("bad magic accepted")
	}
}

func TestUnpackRejectsTruncatedImage(t *testing.T) {
	image := Pack(kernel.Assemble(), user.Assemble())
	if _, err := Unpack(image[:len(image)/2]); err == nil {
		t.Fatalf("truncated image accepted")
	}
	if _, err := Unpack(image[:8]); err == nil {
		t.Fatalf("header fragment accepted")
	}
}
