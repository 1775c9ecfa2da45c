// Package cfg builds per-instruction control-flow edges for the functions
// of a Program and partitions them into basic blocks.
package cfg

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"

	"armrw/internal/disasm"
	"armrw/internal/program"
)

// ErrUnresolvedTarget is returned for a direct branch or call whose target
// is neither code, a PLT stub nor a .plt.got stub backed by a relocation.
var ErrUnresolvedTarget = errors.New("cfg: unresolved control-flow target")

// noReturn lists imports that never return to their caller.
var noReturn = map[string]bool{
	"exit":             true,
	"_exit":            true,
	"_Exit":            true,
	"abort":            true,
	"__stack_chk_fail": true,
	"longjmp":          true,
	"siglongjmp":       true,
	"__assert_fail":    true,
	"pthread_exit":     true,
	"err":              true,
	"errx":             true,
	"__cxa_throw":      true,
	"__cxa_rethrow":    true,
	"_Unwind_Resume":   true,
	"__longjmp_chk":    true,
	"__fortify_fail":   true,
}

// IsNoReturn reports whether an import name (with or without @PLT or a
// version suffix) never returns.
func IsNoReturn(name string) bool {
	name, _, _ = strings.Cut(name, "@")
	return noReturn[name]
}

// Build classifies every instruction of every disassembled, non-ignored
// function and fills Nexts and Prevs. All unresolved direct targets are
// collected; the returned error wraps ErrUnresolvedTarget once per site.
func Build(p *program.Program) error {
	var result *multierror.Error
	for _, fn := range p.Funcs() {
		if fn.Ignored || !fn.Disassembled() {
			continue
		}
		if err := BuildFunction(p, fn); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// BuildFunction classifies one function.
func BuildFunction(p *program.Program, fn *program.Function) error {
	var result *multierror.Error
	b := &builder{p: p, fn: fn}

	fn.Reindex()
	fn.Nexts = make([][]program.Edge, len(fn.Instructions))
	fn.PossibleSwitches = nil
	for idx, inst := range fn.Instructions {
		if err := b.classify(idx, inst); err != nil {
			p.Stats.FatalTargets++
			result = multierror.Append(result, err)
		}
	}
	fn.ReversePrevs()
	return result.ErrorOrNil()
}

type builder struct {
	p  *program.Program
	fn *program.Function
}

func (b *builder) next(idx int) program.Edge {
	if idx+1 < len(b.fn.Instructions) {
		return program.To(idx + 1)
	}
	return program.Undef
}

func (b *builder) add(idx int, e ...program.Edge) {
	b.fn.Nexts[idx] = append(b.fn.Nexts[idx], e...)
}

func (b *builder) unresolved(inst *program.Instruction, target uint64) error {
	return fmt.Errorf("%w: %s at 0x%x -> 0x%x", ErrUnresolvedTarget, b.fn.Name, inst.Addr, target)
}

// label rewrites a direct target operand. Code targets become .LC labels,
// imports become their symbol names. It returns the import name, if any.
func (b *builder) label(inst *program.Instruction, target uint64) (string, error) {
	if b.p.InCode(target) {
		inst.ReplaceTarget(target, fmt.Sprintf(".LC%x", target))
		b.p.Symbolized[inst.Addr] = true
		return "", nil
	}
	if name, ok := b.p.ImportTarget(target); ok {
		inst.Operands = name
		b.p.Symbolized[inst.Addr] = true
		return name, nil
	}
	return "", b.unresolved(inst, target)
}

func (b *builder) classify(idx int, inst *program.Instruction) error {
	raw := inst.Raw
	fn := b.fn

	if disasm.IsTrap(raw) {
		return nil
	}
	if !inst.Decoded().Valid() {
		// Encodings the decoder does not know (LSE atomics and newer
		// extensions) are assumed to fall through.
		b.add(idx, b.next(idx))
		return nil
	}

	if target, ok := disasm.IsBL(raw, inst.Addr); ok {
		name, err := b.label(inst, target)
		b.add(idx, program.Call)
		if name != "" && IsNoReturn(name) {
			inst.LeavesFunction = true
			return err
		}
		b.add(idx, b.next(idx))
		return err
	}

	if _, ok := disasm.IsBLR(raw); ok {
		b.add(idx, program.Call, b.next(idx))
		return nil
	}

	if _, ok := disasm.BranchReg(raw); ok {
		fn.PossibleSwitches = append(fn.PossibleSwitches, idx)
		return nil
	}

	bi := disasm.DecodeBranch(raw, inst.Addr)
	if bi == nil {
		b.add(idx, b.next(idx))
		return nil
	}

	if bi.IsRet {
		b.add(idx, program.Ret)
		inst.LeavesFunction = true
		return nil
	}

	if bi.Cond {
		b.add(idx, b.next(idx))
		if _, err := b.label(inst, bi.Target); err != nil {
			b.add(idx, program.Undef)
			return err
		}
		if t, ok := fn.AddrToIdx[bi.Target]; ok {
			fn.BBStarts[bi.Target] = true
			b.add(idx, program.To(t))
		} else {
			b.add(idx, program.Undef)
		}
		return nil
	}

	// Unconditional B.
	name, err := b.label(inst, bi.Target)
	if err != nil {
		b.add(idx, program.Undef)
		return err
	}
	if name != "" {
		b.add(idx, program.Call)
		inst.LeavesFunction = true
		return nil
	}
	if t, ok := fn.AddrToIdx[bi.Target]; ok {
		fn.BBStarts[bi.Target] = true
		b.add(idx, program.To(t))
		return nil
	}
	inst.LeavesFunction = true
	b.add(idx, program.Undef)
	b.p.AddXref(bi.Target, inst.Addr)
	log.WithFields(log.Fields{
		"func":   fn.Name,
		"addr":   fmt.Sprintf("%#x", inst.Addr),
		"target": fmt.Sprintf("%#x", bi.Target),
	}).Debug("tail jump")
	return nil
}
