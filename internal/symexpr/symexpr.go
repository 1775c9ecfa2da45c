// Package symexpr models how a register value was computed: a small
// algebra of registers, immediates, memory loads, sums and left shifts.
package symexpr

import (
	"fmt"

	"armrw/internal/disasm"
)

// Expr is one of Reg, Imm, Deref, Add or Shift.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Reg is the unknown value of a general-purpose register.
type Reg struct{ N int }

// Imm is a constant.
type Imm struct{ V int64 }

// Deref is a load of Size bytes from Addr.
type Deref struct {
	Addr   Expr
	Size   int
	Signed bool
}

// Add is X + Y.
type Add struct{ X, Y Expr }

// Shift is X << Amount.
type Shift struct {
	X      Expr
	Amount int
}

func (Reg) isExpr()   {}
func (Imm) isExpr()   {}
func (Deref) isExpr() {}
func (Add) isExpr()   {}
func (Shift) isExpr() {}

func (r Reg) String() string { return disasm.RegName(r.N) }

func (i Imm) String() string {
	if i.V < 0 {
		return fmt.Sprintf("-0x%x", -i.V)
	}
	return fmt.Sprintf("0x%x", i.V)
}

func (d Deref) String() string {
	s := ""
	if d.Signed {
		s = "s"
	}
	return fmt.Sprintf("[%s]:%s%d", d.Addr, s, d.Size)
}

func (a Add) String() string   { return fmt.Sprintf("(%s + %s)", a.X, a.Y) }
func (s Shift) String() string { return fmt.Sprintf("(%s << %d)", s.X, s.Amount) }

// Substitute replaces every occurrence of register n with v.
func Substitute(e Expr, n int, v Expr) Expr {
	switch e := e.(type) {
	case Reg:
		if e.N == n {
			return v
		}
		return e
	case Imm:
		return e
	case Deref:
		return Deref{Addr: Substitute(e.Addr, n, v), Size: e.Size, Signed: e.Signed}
	case Add:
		return Add{X: Substitute(e.X, n, v), Y: Substitute(e.Y, n, v)}
	case Shift:
		return Shift{X: Substitute(e.X, n, v), Amount: e.Amount}
	}
	panic(fmt.Sprintf("symexpr: unknown node %T", e))
}

// Regs returns the registers e still depends on.
func Regs(e Expr) disasm.RegSet {
	switch e := e.(type) {
	case Reg:
		return disasm.Regs(e.N)
	case Imm:
		return 0
	case Deref:
		return Regs(e.Addr)
	case Add:
		return Regs(e.X).Union(Regs(e.Y))
	case Shift:
		return Regs(e.X)
	}
	panic(fmt.Sprintf("symexpr: unknown node %T", e))
}

// Simplify folds constants, drops identities and moves immediates to the
// right of sums.
func Simplify(e Expr) Expr {
	switch e := e.(type) {
	case Reg, Imm:
		return e
	case Deref:
		return Deref{Addr: Simplify(e.Addr), Size: e.Size, Signed: e.Signed}
	case Shift:
		x := Simplify(e.X)
		if e.Amount == 0 {
			return x
		}
		switch x := x.(type) {
		case Imm:
			return Imm{V: x.V << e.Amount}
		case Shift:
			return Shift{X: x.X, Amount: x.Amount + e.Amount}
		}
		return Shift{X: x, Amount: e.Amount}
	case Add:
		x, y := Simplify(e.X), Simplify(e.Y)
		if _, ok := x.(Imm); ok {
			x, y = y, x
		}
		yi, yImm := y.(Imm)
		if xi, ok := x.(Imm); ok && yImm {
			return Imm{V: xi.V + yi.V}
		}
		if yImm {
			if yi.V == 0 {
				return x
			}
			if inner, ok := x.(Add); ok {
				if ii, ok := inner.Y.(Imm); ok {
					return Simplify(Add{X: inner.X, Y: Imm{V: ii.V + yi.V}})
				}
			}
		}
		return Add{X: x, Y: y}
	}
	panic(fmt.Sprintf("symexpr: unknown node %T", e))
}

// Reader loads size bytes at addr.
type Reader func(addr uint64, size int, signed bool) (int64, error)

// Eval computes e when it depends on no register. Loads go through read.
func Eval(e Expr, read Reader) (int64, error) {
	switch e := e.(type) {
	case Reg:
		return 0, fmt.Errorf("symexpr: %s is unknown", e)
	case Imm:
		return e.V, nil
	case Deref:
		a, err := Eval(e.Addr, read)
		if err != nil {
			return 0, err
		}
		return read(uint64(a), e.Size, e.Signed)
	case Add:
		x, err := Eval(e.X, read)
		if err != nil {
			return 0, err
		}
		y, err := Eval(e.Y, read)
		if err != nil {
			return 0, err
		}
		return x + y, nil
	case Shift:
		x, err := Eval(e.X, read)
		if err != nil {
			return 0, err
		}
		return x << e.Amount, nil
	}
	panic(fmt.Sprintf("symexpr: unknown node %T", e))
}

// ReplaceLoad replaces every load from addr with v, whatever its width.
// It reports whether a load was replaced.
func ReplaceLoad(e Expr, addr Expr, v Expr) (Expr, bool) {
	switch e := e.(type) {
	case Reg, Imm:
		return e, false
	case Deref:
		if e.Addr == addr {
			return v, true
		}
		inner, ok := ReplaceLoad(e.Addr, addr, v)
		return Deref{Addr: inner, Size: e.Size, Signed: e.Signed}, ok
	case Add:
		x, okx := ReplaceLoad(e.X, addr, v)
		y, oky := ReplaceLoad(e.Y, addr, v)
		return Add{X: x, Y: y}, okx || oky
	case Shift:
		x, ok := ReplaceLoad(e.X, addr, v)
		return Shift{X: x, Amount: e.Amount}, ok
	}
	panic(fmt.Sprintf("symexpr: unknown node %T", e))
}
