// Package loader builds a program.Program from an AArch64 ELF file.
package loader

import (
	"debug/elf"
	"fmt"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/samber/lo"

	"armrw/internal/elfx"
	"armrw/internal/program"
)

// DefaultDataSections are the allocated sections loaded as data cells.
var DefaultDataSections = []string{".got", ".rodata", ".data", ".bss", ".data.rel.ro", ".init_array"}

// CompilerFunctions are toolchain-inserted functions carried through as
// raw bytes instead of being rewritten.
var CompilerFunctions = []string{
	"_start",
	"__libc_start_main",
	"__libc_csu_fini",
	"__libc_csu_init",
	"__lib_csu_fini",
	"_init",
	"__libc_init_first",
	"_fini",
	"_rtld_fini",
	"_exit",
	"__get_pc_think_bx",
	"__do_global_dtors_aux",
	"__gmon_start",
	"frame_dummy",
	"__do_global_ctors_aux",
	"__register_frame_info",
	"deregister_tm_clones",
	"register_tm_clones",
	"__frame_dummy_init_array_entry",
	"__init_array_start",
	"__do_global_dtors_aux_fini_array_entry",
	"__init_array_end",
	"__stack_chk_fail",
	"__cxa_atexit",
	"__cxa_finalize",
	"call_weak_fn",
}

// pltSections hold import stubs. They are never rewritten.
var pltSections = []string{".plt", ".plt.got", ".plt.sec", ".iplt"}

// Options controls what Load keeps.
type Options struct {
	// DataSections overrides DefaultDataSections when non-nil.
	DataSections []string
	// Ignore extends CompilerFunctions.
	Ignore []string
}

// LoadFile opens path and loads it.
func LoadFile(path string, opts Options) (*program.Program, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f, path, opts)
}

// Load reads code regions, data sections, relocations, functions and
// global objects from f. Functions not on the ignore list are
// disassembled.
func Load(f *elfx.File, input string, opts Options) (*program.Program, error) {
	p := program.New(input)
	p.PIE = f.IsPIE()
	p.Stripped = f.IsStripped()
	p.Needed = f.Needed()

	if err := loadSections(f, p, opts); err != nil {
		return nil, err
	}
	if err := loadRelocations(f, p); err != nil {
		return nil, err
	}
	syms := append(f.Symbols(), f.DynamicSymbols()...)
	loadFunctions(p, syms, opts)
	loadGlobals(p, syms)

	log.WithFields(log.Fields{
		"input":     input,
		"functions": len(p.Functions),
		"sections":  len(p.Sections),
		"ignored":   len(p.Ignored),
	}).Debug("loaded")
	return p, nil
}

func sectionFlags(sec *elf.Section) string {
	flags := "a"
	if sec.Flags&elf.SHF_WRITE != 0 {
		flags += "w"
	}
	return flags
}

func loadSections(f *elfx.File, p *program.Program, opts Options) error {
	data := lo.Ternary(opts.DataSections == nil, DefaultDataSections, opts.DataSections)
	for _, sec := range f.ELF.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 {
			continue
		}
		switch {
		case sec.Name == ".plt":
			p.PLTBase = sec.Addr
		case sec.Name == ".plt.got":
			b, err := sec.Data()
			if err != nil {
				return fmt.Errorf("loader: %s: %w", sec.Name, err)
			}
			p.GOTPLT = program.Region{Name: sec.Name, Base: sec.Addr, Size: sec.Size, Bytes: b}
		case slices.Contains(pltSections, sec.Name):
		case sec.Flags&elf.SHF_EXECINSTR != 0:
			b, err := sec.Data()
			if err != nil {
				return fmt.Errorf("loader: %s: %w", sec.Name, err)
			}
			p.CodeSections = append(p.CodeSections, program.Region{Name: sec.Name, Base: sec.Addr, Size: sec.Size, Bytes: b})
		case slices.Contains(data, sec.Name):
			var b []byte
			if sec.Type != elf.SHT_NOBITS {
				var err error
				if b, err = sec.Data(); err != nil {
					return fmt.Errorf("loader: %s: %w", sec.Name, err)
				}
			}
			s := program.NewSection(sec.Name, sec.Addr, sec.Size, b, sec.Addralign, sectionFlags(sec))
			s.NoBits = sec.Type == elf.SHT_NOBITS
			p.AddSection(s)
			s.Load()
		}
	}
	return nil
}

func loadRelocations(f *elfx.File, p *program.Program) error {
	for _, sec := range f.ELF.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		rels, err := f.Relocations(sec)
		if err != nil {
			return fmt.Errorf("loader: %w", err)
		}
		key := strings.TrimPrefix(sec.Name, ".rela")
		converted := lo.Map(rels, func(r elfx.Rela, _ int) program.Relocation {
			return program.Relocation{Offset: r.Offset, Name: r.Name, Addend: r.Addend, Type: r.Type, Value: r.Value}
		})
		p.AddRelocations(key, converted)
		if key == ".plt" {
			if p.PLTBase == 0 {
				log.WithField("rela", sec.Name).Warn("no .plt section; imports stay numeric")
				continue
			}
			p.AddPLT(converted)
		}
	}
	return nil
}

// loadFunctions registers every defined function symbol lying wholly in a
// code region. The first symbol at an address wins.
func loadFunctions(p *program.Program, syms []elf.Symbol, opts Options) {
	ignore := append(slices.Clone(CompilerFunctions), opts.Ignore...)
	seen := make(map[uint64]bool)
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Size == 0 || seen[s.Value] {
			continue
		}
		r, ok := p.CodeSectionOf(s.Value)
		off := s.Value - r.Base
		if !ok || off+s.Size > uint64(len(r.Bytes)) {
			log.WithFields(log.Fields{"func": s.Name, "addr": fmt.Sprintf("%#x", s.Value)}).Debug("function outside code regions")
			continue
		}
		seen[s.Value] = true

		name := strings.ReplaceAll(s.Name, "@", "_")
		bind := elf.ST_BIND(s.Info)
		if name == "main" {
			bind = elf.STB_GLOBAL
		}
		fn := program.NewFunction(name, s.Value, r.Bytes[off:off+s.Size], bind)
		p.AddFunction(fn)
		if slices.Contains(ignore, name) {
			fn.Ignored = true
			p.Ignored[fn.Start] = true
			continue
		}
		fn.Disassemble()
	}
}

// loadGlobals attaches data objects to their sections under the name
// <symbol>_<addr>.
func loadGlobals(p *program.Program, syms []elf.Symbol) {
	globals := make(map[uint64][]program.Global)
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_OBJECT || s.Section == elf.SHN_UNDEF || s.Size == 0 {
			continue
		}
		if elf.ST_VISIBILITY(s.Other) == elf.STV_HIDDEN || strings.Contains(s.Name, "@@GLIBC") {
			continue
		}
		name := fmt.Sprintf("%s_%x", strings.ReplaceAll(s.Name, "@", "_"), s.Value)
		globals[s.Value] = append(globals[s.Value], program.Global{Name: name, Size: s.Size})
	}
	p.AddGlobals(globals)
}
