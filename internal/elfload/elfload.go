// Package elfload loads an ELF image into the segments and entry PC the
// memory model and register file need before trace ingestion begins.
// It is a thin wrapper over the standard library's debug/elf, which
// already covers parsing a RISC-V ELF32 binary's program headers.
package elfload

import (
	"debug/elf"

	"github.com/jetsetilly/tracereplay/internal/errs"
)

// Segment is one loadable region of the initial memory image.
type Segment struct {
	Addr     uint64
	Bytes    []byte
	Writable bool
}

// Image is the result of loading an ELF file: its loadable segments and
// entry point, ready to seed a memory model and register file.
type Image struct {
	Segments []Segment
	EntryPC  uint64
}

// Load reads path and returns its loadable segments and entry PC.
// Architectures other than 32-bit RISC-V (and its CHERI variant, which
// the ELF header still reports as EM_RISCV) are rejected.
func Load(path string) (Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Image{}, errs.Errorf(errs.ELFLoadFailure, "open %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_RISCV {
		return Image{}, errs.Errorf(errs.ELFLoadFailure, "%s: unsupported architecture %s, want RISC-V", path, f.Machine)
	}
	if f.Class != elf.ELFCLASS32 {
		return Image{}, errs.Errorf(errs.ELFLoadFailure, "%s: unsupported ELF class %s, want ELFCLASS32", path, f.Class)
	}

	img := Image{EntryPC: f.Entry}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Memsz)
		n, err := prog.ReadAt(data[:prog.Filesz], 0)
		if err != nil && uint64(n) != prog.Filesz {
			return Image{}, errs.Errorf(errs.ELFLoadFailure, "%s: read segment at %#x: %w", path, prog.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			Addr:     prog.Vaddr,
			Bytes:    data,
			Writable: prog.Flags&elf.PF_W != 0,
		})
	}

	if len(img.Segments) == 0 {
		return Image{}, errs.Errorf(errs.ELFLoadFailure, "%s: no PT_LOAD segments", path)
	}

	return img, nil
}
