package elfload_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jetsetilly/tracereplay/internal/elfload"
)

const (
	emRISCV    = 243
	etExec     = 2
	ptLoad     = 1
	pfExec     = 1
	pfWrite    = 2
	pfRead     = 4
	elfClass32 = 1
	elfDataLE  = 1
)

// buildRISCV32 assembles a minimal, syntactically valid 32-bit
// little-endian RISC-V ELF executable with a single PT_LOAD segment
// carrying payload at vaddr, and the given entry point.
func buildRISCV32(t *testing.T, vaddr, entry uint32, payload []byte) []byte {
	t.Helper()

	const ehsize = 52
	const phentsize = 32
	phoff := uint32(ehsize)
	dataOff := phoff + phentsize

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', elfClass32, elfDataLE, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(etExec))
	binary.Write(&buf, binary.LittleEndian, uint16(emRISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // e_version
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phentsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(ptLoad))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr) // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint32(pfExec|pfRead))
	binary.Write(&buf, binary.LittleEndian, uint32(4096)) // p_align

	buf.Write(payload)

	return buf.Bytes()
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.elf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadSingleSegment(t *testing.T) {
	payload := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0
	path := writeTemp(t, buildRISCV32(t, 0x100000, 0x100000, payload))

	img, err := elfload.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.EntryPC != 0x100000 {
		t.Fatalf("EntryPC = %#x, want 0x100000", img.EntryPC)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.Addr != 0x100000 {
		t.Fatalf("segment addr = %#x, want 0x100000", seg.Addr)
	}
	if !bytes.Equal(seg.Bytes, payload) {
		t.Fatalf("segment bytes = %x, want %x", seg.Bytes, payload)
	}
	if seg.Writable {
		t.Fatal("read-only segment reported writable")
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	data := buildRISCV32(t, 0x1000, 0x1000, []byte{0})
	// Corrupt e_machine (bytes 18-19 of the header) to x86-64 (EM_X86_64=62).
	data[18] = 62
	data[19] = 0
	path := writeTemp(t, data)

	if _, err := elfload.Load(path); err == nil {
		t.Fatal("expected rejection of non-RISC-V machine")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := elfload.Load(filepath.Join(t.TempDir(), "nope.elf")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
