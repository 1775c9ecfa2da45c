// Package elfx provides ELF loading helpers for AArch64 executables and
// shared objects.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotELF        = errors.New("elfx: not an ELF file")
	ErrNotARM64      = errors.New("elfx: not ARM64 (EM_AARCH64)")
	ErrNotExecutable = errors.New("elfx: not an executable or shared object")
	ErrNot64Bit      = errors.New("elfx: not 64-bit ELF")
	ErrNoSymbol      = errors.New("elfx: symbol not found")
	ErrNoSegment     = errors.New("elfx: no PT_LOAD segment covers address")
	ErrBadRela       = errors.New("elfx: malformed relocation section")
)

// File wraps a debug/elf.File with the queries the rewriter needs.
type File struct {
	ELF    *elf.File
	raw    io.ReaderAt
	size   int64
	closer io.Closer
}

// Open opens an ELF file and validates it is a 64-bit AArch64 executable
// or shared object.
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

	ef, err := NewFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	ef.closer = f
	return ef, nil
}

// NewFile validates an ELF image read through r.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	if ef.Class != elf.ELFCLASS64 {
		ef.Close()
		return nil, ErrNot64Bit
	}
	if ef.Machine != elf.EM_AARCH64 {
		ef.Close()
		return nil, ErrNotARM64
	}
	if ef.Type != elf.ET_DYN && ef.Type != elf.ET_EXEC {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, ef.Type)
	}

	return &File{ELF: ef, raw: r, size: size}, nil
}

// Close releases resources.
func (f *File) Close() error {
	err := f.ELF.Close()
	if f.closer != nil {
		if cerr := f.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// Symbols returns the static symbol table, or nil when the file is
// stripped of it.
func (f *File) Symbols() []elf.Symbol {
	syms, err := f.ELF.Symbols()
	if err != nil {
		return nil
	}
	return syms
}

// DynamicSymbols returns the dynamic symbol table, or nil.
func (f *File) DynamicSymbols() []elf.Symbol {
	syms, err := f.ELF.DynamicSymbols()
	if err != nil {
		return nil
	}
	return syms
}

// Symbol looks up a symbol by exact name, in .symtab first and .dynsym
// second. Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	for _, syms := range [][]elf.Symbol{f.Symbols(), f.DynamicSymbols()} {
		for _, s := range syms {
			if s.Name == name && s.Section != elf.SHN_UNDEF {
				return s.Value, s.Size, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// IsStripped reports a file without .symtab or without a main symbol.
func (f *File) IsStripped() bool {
	if f.ELF.Section(".symtab") == nil {
		return true
	}
	for _, s := range f.Symbols() {
		if s.Name == "main" {
			return false
		}
	}
	return true
}

// IsPIE reports a position-independent executable: ET_DYN whose first
// PT_LOAD segment is linked at address zero.
func (f *File) IsPIE() bool {
	if f.ELF.Type != elf.ET_DYN {
		return false
	}
	for _, p := range f.ELF.Progs {
		if p.Type == elf.PT_LOAD {
			return p.Vaddr == 0
		}
	}
	return false
}

// Needed returns the DT_NEEDED entries.
func (f *File) Needed() []string {
	libs, err := f.ELF.ImportedLibraries()
	if err != nil {
		return nil
	}
	return libs
}

// Rela is one Elf64_Rela entry with its symbol resolved.
type Rela struct {
	Offset uint64
	Type   elf.R_AARCH64
	Addend int64
	Sym    uint32
	Name   string // symbol name, empty for index 0
	Value  uint64 // symbol value; 0 when undefined
}

// Relocations decodes a SHT_RELA section. Symbol indices resolve through
// the section's sh_link table.
func (f *File) Relocations(sec *elf.Section) ([]Rela, error) {
	if sec.Type != elf.SHT_RELA {
		return nil, fmt.Errorf("%w: %s is %s", ErrBadRela, sec.Name, sec.Type)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("elfx: read %s: %w", sec.Name, err)
	}
	if len(data)%24 != 0 {
		return nil, fmt.Errorf("%w: %s size %d", ErrBadRela, sec.Name, len(data))
	}

	var syms []elf.Symbol
	if int(sec.Link) < len(f.ELF.Sections) && sec.Link != 0 {
		switch f.ELF.Sections[sec.Link].Type {
		case elf.SHT_DYNSYM:
			syms = f.DynamicSymbols()
		case elf.SHT_SYMTAB:
			syms = f.Symbols()
		}
	}

	bo := f.ELF.ByteOrder
	out := make([]Rela, 0, len(data)/24)
	for off := 0; off < len(data); off += 24 {
		info := bo.Uint64(data[off+8:])
		r := Rela{
			Offset: bo.Uint64(data[off:]),
			Type:   elf.R_AARCH64(elf.R_TYPE64(info)),
			Addend: int64(bo.Uint64(data[off+16:])),
			Sym:    elf.R_SYM64(info),
		}
		// debug/elf drops the null symbol, so index i is syms[i-1].
		if r.Sym != 0 && int(r.Sym) <= len(syms) {
			s := syms[r.Sym-1]
			r.Name = s.Name
			if s.Section != elf.SHN_UNDEF {
				r.Value = s.Value
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Memsz {
			offset := va - p.Vaddr + p.Off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// ReadBytesAtVA reads n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	off, err := f.VAToFileOffset(va)
	if err != nil {
		return nil, err
	}
	// Clamp to file size.
	avail := f.size - int64(off)
	if avail <= 0 {
		return nil, fmt.Errorf("elfx: offset 0x%x at or past end of file", off)
	}
	if int64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	_, err = f.raw.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read at 0x%x: %w", off, err)
	}
	return buf, nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}

// ByteOrder returns the ELF byte order.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.ELF.ByteOrder
}
