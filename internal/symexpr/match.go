package symexpr

// Switch is a matched jump-table idiom:
//
//	target = Base + (load(Table + index<<log2(EntrySize)) << Shift)
type Switch struct {
	Base      uint64
	Table     uint64
	EntrySize int
	Signed    bool
	Shift     int
	Index     Expr
}

// Case returns the target expression of case i, loading the entry with the
// given signedness.
func (s Switch) Case(i int, signed bool) Expr {
	entry := Deref{
		Addr:   Imm{V: int64(s.Table) + int64(i*s.EntrySize)},
		Size:   s.EntrySize,
		Signed: signed,
	}
	return Add{X: Shift{X: entry, Amount: s.Shift}, Y: Imm{V: int64(s.Base)}}
}

// MatchSwitch recognizes a simplified switch expression.
func MatchSwitch(e Expr) (Switch, bool) {
	add, ok := Simplify(e).(Add)
	if !ok {
		return Switch{}, false
	}
	base, ok := add.Y.(Imm)
	if !ok {
		return Switch{}, false
	}
	entry := add.X
	shift := 0
	if s, ok := entry.(Shift); ok {
		entry, shift = s.X, s.Amount
	}
	load, ok := entry.(Deref)
	if !ok {
		return Switch{}, false
	}
	table, index, ok := matchTableAddr(load.Addr, load.Size)
	if !ok {
		return Switch{}, false
	}
	return Switch{
		Base:      uint64(base.V),
		Table:     table,
		EntrySize: load.Size,
		Signed:    load.Signed,
		Shift:     shift,
		Index:     index,
	}, true
}

// matchTableAddr matches Table + index, with index scaled by size when
// size > 1.
func matchTableAddr(e Expr, size int) (uint64, Expr, bool) {
	add, ok := e.(Add)
	if !ok {
		return 0, nil, false
	}
	table, ok := add.Y.(Imm)
	if !ok {
		return 0, nil, false
	}
	index := add.X
	if s, ok := index.(Shift); ok {
		if 1<<s.Amount != size {
			return 0, nil, false
		}
		index = s.X
	} else if size != 1 {
		return 0, nil, false
	}
	if Regs(index).Empty() {
		return 0, nil, false
	}
	return uint64(table.V), index, true
}

// MatchPointer recognizes a load from a constant address, the shape of an
// indirect branch through a function-pointer slot.
func MatchPointer(e Expr) (addr uint64, size int, ok bool) {
	d, ok := Simplify(e).(Deref)
	if !ok {
		return 0, 0, false
	}
	a, ok := d.Addr.(Imm)
	if !ok {
		return 0, 0, false
	}
	return uint64(a.V), d.Size, true
}
