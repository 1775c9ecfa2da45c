package symbolize

import (
	"debug/elf"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/samber/lo"

	"armrw/internal/program"
)

// Data applies dynamic and per-section relocations to data cells. Text and
// PLT relocations are handled elsewhere.
func (s *Symbolizer) Data() {
	keys := lo.Keys(s.p.Relocations)
	slices.Sort(keys)
	for _, key := range keys {
		if key == ".text" || key == ".plt" {
			continue
		}
		for _, rel := range s.p.Relocations[key] {
			s.dataRelocation(key, rel)
		}
	}
}

func (s *Symbolizer) dataRelocation(key string, rel program.Relocation) {
	ctx := log.WithFields(log.Fields{
		"rela":   key,
		"offset": fmt.Sprintf("%#x", rel.Offset),
		"type":   rel.Type.String(),
	})
	if rel.Type == elf.R_AARCH64_COPY {
		return
	}
	sec := s.p.SectionOf(rel.Offset)
	if sec == nil || !sec.Loaded() {
		ctx.Debug("relocation outside data sections")
		return
	}
	if sec.Cell(rel.Offset).Symbolic() || !sec.Replaceable(rel.Offset, 8) {
		return
	}

	var expr string
	switch rel.Type {
	case elf.R_AARCH64_RELATIVE:
		target := uint64(rel.Addend)
		if s.p.Ignored[target] {
			return
		}
		if !s.labelled(target) {
			ctx.Warnf("relative target 0x%x has no label", target)
			return
		}
		expr = Label(target)
	case elf.R_AARCH64_ABS64, elf.R_AARCH64_GLOB_DAT:
		if rel.Value == 0 && rel.Name != "" {
			expr = rel.Name
			if rel.Addend != 0 {
				expr = fmt.Sprintf("%s%+d", rel.Name, rel.Addend)
			}
			break
		}
		target := uint64(int64(rel.Value) + rel.Addend)
		if s.p.Ignored[target] {
			return
		}
		if !s.labelled(target) {
			ctx.Warnf("absolute target 0x%x has no label", target)
			return
		}
		expr = Label(target)
	default:
		ctx.Warn("unhandled relocation type")
		return
	}
	sec.Replace(rel.Offset, 8, expr)
	s.p.Stats.DataRelocations++
}
