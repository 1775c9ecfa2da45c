// Package elfxtest builds small AArch64 ELF images for tests.
//
// Images carry one PT_LOAD segment covering every allocated section. An
// allocated section lives at file offset Addr-LoadBase, so sections must
// start past the headers. Symbol, dynamic and relocation tables are
// appended as unallocated sections.
package elfxtest

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samber/lo"
)

// Section is one allocated section of the image.
type Section struct {
	Name  string
	Addr  uint64
	Flags elf.SectionFlag
	Type  elf.SectionType // SHT_PROGBITS when zero
	Data  []byte
	Size  uint64 // SHT_NOBITS size; ignored otherwise
	Align uint64
}

// Symbol is one symbol table entry. An empty Section leaves it undefined.
type Symbol struct {
	Name       string
	Value      uint64
	Size       uint64
	Type       elf.SymType
	Bind       elf.SymBind
	Visibility elf.SymVis
	Section    string
}

// Rela is one relocation. Sym names a dynamic symbol for the ".dyn" and
// ".plt" tables and a static symbol otherwise; empty means index 0.
type Rela struct {
	Offset uint64
	Type   elf.R_AARCH64
	Sym    string
	Addend int64
}

// Builder describes an image.
type Builder struct {
	Type     elf.Type    // ET_DYN when zero
	Machine  elf.Machine // EM_AARCH64 when zero
	LoadBase uint64

	Sections   []Section
	Symbols    []Symbol // no .symtab when nil
	DynSymbols []Symbol
	// Relas are keyed by target section with the ".rela" prefix removed.
	Relas  map[string][]Rela
	Needed []string
}

type shdr struct {
	name      string
	typ       elf.SectionType
	flags     elf.SectionFlag
	addr      uint64
	off       uint64
	size      uint64
	link      uint32
	info      uint32
	align     uint64
	entsize   uint64
	data      []byte
	allocated bool
}

type strtab struct {
	buf []byte
	idx map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, idx: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if i, ok := s.idx[name]; ok {
		return i
	}
	i := uint32(len(s.buf))
	s.buf = append(append(s.buf, name...), 0)
	s.idx[name] = i
	return i
}

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
)

var le = binary.LittleEndian

// Bytes serializes the image.
func (b *Builder) Bytes() []byte {
	typ := lo.Ternary(b.Type == 0, elf.ET_DYN, b.Type)
	machine := lo.Ternary(b.Machine == 0, elf.EM_AARCH64, b.Machine)

	secIndex := make(map[string]int)
	shdrs := []*shdr{{}}
	for _, s := range b.Sections {
		t := lo.Ternary(s.Type == 0, elf.SHT_PROGBITS, s.Type)
		h := &shdr{
			name:      s.Name,
			typ:       t,
			flags:     s.Flags | elf.SHF_ALLOC,
			addr:      s.Addr,
			off:       s.Addr - b.LoadBase,
			size:      uint64(len(s.Data)),
			align:     max(s.Align, 1),
			data:      s.Data,
			allocated: true,
		}
		if t == elf.SHT_NOBITS {
			h.size = s.Size
			h.data = nil
		}
		secIndex[s.Name] = len(shdrs)
		shdrs = append(shdrs, h)
	}

	symIndex := func(syms []Symbol, name string) uint32 {
		if name == "" {
			return 0
		}
		i := slices.IndexFunc(syms, func(s Symbol) bool { return s.Name == name })
		if i < 0 {
			panic("elfxtest: relocation against unknown symbol " + name)
		}
		return uint32(i + 1)
	}

	var dynsymIdx, symtabIdx int
	if len(b.DynSymbols) > 0 || len(b.Needed) > 0 {
		dynstr := newStrtab()
		dynsymIdx = len(shdrs)
		shdrs = append(shdrs,
			&shdr{name: ".dynsym", typ: elf.SHT_DYNSYM, link: uint32(dynsymIdx + 1), info: 1, align: 8, entsize: 24,
				data: symbols(b.DynSymbols, dynstr, secIndex)},
			&shdr{name: ".dynstr", typ: elf.SHT_STRTAB, align: 1},
		)
		if len(b.Needed) > 0 {
			var dyn []byte
			for _, lib := range b.Needed {
				dyn = le.AppendUint64(dyn, uint64(elf.DT_NEEDED))
				dyn = le.AppendUint64(dyn, uint64(dynstr.add(lib)))
			}
			dyn = le.AppendUint64(dyn, uint64(elf.DT_NULL))
			dyn = le.AppendUint64(dyn, 0)
			shdrs = append(shdrs, &shdr{name: ".dynamic", typ: elf.SHT_DYNAMIC, link: uint32(dynsymIdx + 1),
				align: 8, entsize: 16, data: dyn})
		}
		shdrs[dynsymIdx+1].data = dynstr.buf
	}

	if b.Symbols != nil {
		static := newStrtab()
		symtabIdx = len(shdrs)
		shdrs = append(shdrs,
			&shdr{name: ".symtab", typ: elf.SHT_SYMTAB, link: uint32(symtabIdx + 1), info: 1, align: 8, entsize: 24,
				data: symbols(b.Symbols, static, secIndex)},
			&shdr{name: ".strtab", typ: elf.SHT_STRTAB, align: 1, data: static.buf},
		)
	}

	keys := lo.Keys(b.Relas)
	slices.Sort(keys)
	for _, key := range keys {
		syms, link := b.Symbols, symtabIdx
		if key == ".dyn" || key == ".plt" {
			syms, link = b.DynSymbols, dynsymIdx
		}
		var data []byte
		for _, r := range b.Relas[key] {
			data = le.AppendUint64(data, r.Offset)
			data = le.AppendUint64(data, elf.R_INFO(symIndex(syms, r.Sym), uint32(r.Type)))
			data = le.AppendUint64(data, uint64(r.Addend))
		}
		shdrs = append(shdrs, &shdr{name: ".rela" + key, typ: elf.SHT_RELA, link: uint32(link),
			info: uint32(secIndex[key]), align: 8, entsize: 24, data: data})
	}

	shstr := newStrtab()
	shstrIdx := len(shdrs)
	shdrs = append(shdrs, &shdr{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})
	names := make([]uint32, len(shdrs))
	for i, h := range shdrs[1:] {
		names[i+1] = shstr.add(h.name)
	}
	shdrs[shstrIdx].data = shstr.buf

	// Allocated sections first, then everything else behind them.
	var fileEnd, memEnd uint64 = ehsize + phentsize, 0
	for _, h := range shdrs {
		if !h.allocated {
			continue
		}
		if h.typ != elf.SHT_NOBITS {
			fileEnd = max(fileEnd, h.off+h.size)
		}
		memEnd = max(memEnd, h.addr+h.size)
	}
	filesz := fileEnd
	off := align8(fileEnd)
	for _, h := range shdrs[1:] {
		if h.allocated {
			continue
		}
		h.off = off
		h.size = uint64(len(h.data))
		off = align8(off + h.size)
	}
	shoff := off
	out := make([]byte, shoff+uint64(len(shdrs))*shentsize)

	copy(out, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(out[16:], uint16(typ))
	le.PutUint16(out[18:], uint16(machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[32:], ehsize)
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], ehsize)
	le.PutUint16(out[54:], phentsize)
	le.PutUint16(out[56:], 1)
	le.PutUint16(out[58:], shentsize)
	le.PutUint16(out[60:], uint16(len(shdrs)))
	le.PutUint16(out[62:], uint16(shstrIdx))

	ph := out[ehsize:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(ph[16:], b.LoadBase)
	le.PutUint64(ph[24:], b.LoadBase)
	le.PutUint64(ph[32:], filesz)
	le.PutUint64(ph[40:], max(filesz, memEnd-min(memEnd, b.LoadBase)))
	le.PutUint64(ph[48:], 0x1000)

	for i, h := range shdrs {
		if h.data != nil {
			copy(out[h.off:], h.data)
		}
		sh := out[shoff+uint64(i)*shentsize:]
		le.PutUint32(sh[0:], names[i])
		le.PutUint32(sh[4:], uint32(h.typ))
		le.PutUint64(sh[8:], uint64(h.flags))
		le.PutUint64(sh[16:], h.addr)
		le.PutUint64(sh[24:], h.off)
		le.PutUint64(sh[32:], h.size)
		le.PutUint32(sh[40:], h.link)
		le.PutUint32(sh[44:], h.info)
		le.PutUint64(sh[48:], h.align)
		le.PutUint64(sh[56:], h.entsize)
	}
	return out
}

// Write serializes the image into a temporary file and returns its path.
func (b *Builder) Write(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, b.Bytes(), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func symbols(syms []Symbol, str *strtab, secIndex map[string]int) []byte {
	out := make([]byte, 24) // null symbol
	for _, s := range syms {
		shndx := uint16(elf.SHN_UNDEF)
		if s.Section != "" {
			i, ok := secIndex[s.Section]
			if !ok {
				panic("elfxtest: symbol " + s.Name + " in unknown section " + s.Section)
			}
			shndx = uint16(i)
		}
		out = le.AppendUint32(out, str.add(s.Name))
		out = append(out, elf.ST_INFO(s.Bind, s.Type), byte(s.Visibility))
		out = le.AppendUint16(out, shndx)
		out = le.AppendUint64(out, s.Value)
		out = le.AppendUint64(out, s.Size)
	}
	return out
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }
