// Package elfx opens Android native libraries and probes their code.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"gadgeter/internal/disasm"
)

var (
	ErrNotELF       = errors.New("elfx: not an ELF file")
	ErrNotShared    = errors.New("elfx: not a shared object")
	ErrUnknownABI   = errors.New("elfx: machine has no Android ABI")
	ErrNoSymbol     = errors.New("elfx: symbol not found")
	ErrNoSegment    = errors.New("elfx: no PT_LOAD segment covers address")
	ErrNoCodeRegion = errors.New("elfx: no code region to probe")
)

// File wraps a debug/elf.File with helpers for native library probing.
type File struct {
	ELF  *elf.File
	raw  *os.File
	size int64
}

// Open opens an ELF file and validates it is a shared object.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if ef.Type != elf.ET_DYN {
		ef.Close()
		f.Close()
		return nil, ErrNotShared
	}

	return &File{ELF: ef, raw: f, size: info.Size()}, nil
}

// Close releases resources.
func (f *File) Close() error {
	f.ELF.Close()
	return f.raw.Close()
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// ABI returns the Android ABI directory name matching the ELF machine.
func (f *File) ABI() (string, error) {
	return ABIFor(f.ELF.Machine, f.ELF.Class)
}

// ABIFor maps an ELF machine and class to an Android ABI name.
func ABIFor(m elf.Machine, c elf.Class) (string, error) {
	switch {
	case m == elf.EM_AARCH64:
		return "arm64-v8a", nil
	case m == elf.EM_ARM:
		return "armeabi-v7a", nil
	case m == elf.EM_386:
		return "x86", nil
	case m == elf.EM_X86_64 && c == elf.ELFCLASS64:
		return "x86_64", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownABI, m)
}

// Symbol looks up a dynamic symbol by exact name.
// Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	syms, err := f.ELF.DynamicSymbols()
	if err != nil {
		return 0, 0, fmt.Errorf("elfx: dynsym: %w", err)
	}
	for _, s := range syms {
		if s.Name == name && s.Value != 0 {
			return s.Value, s.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads up to n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	avail := f.size - int64(off)
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	read, err := f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf[:read], nil
}

// Mode returns the disassembly mode for code at va. On 32-bit ARM the
// low address bit marks Thumb code.
func (f *File) Mode(va uint64) (disasm.Mode, error) {
	switch f.ELF.Machine {
	case elf.EM_AARCH64:
		return disasm.ModeARM64, nil
	case elf.EM_ARM:
		if va&1 == 1 {
			return disasm.ModeThumb, nil
		}
		return disasm.ModeARM, nil
	case elf.EM_386:
		return disasm.ModeX86, nil
	case elf.EM_X86_64:
		return disasm.ModeX86_64, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownABI, f.ELF.Machine)
}
