package disasm

// Field decoders for the instruction forms the analyses reason about.
// Each matches a raw 32-bit encoding and extracts operands without going
// through operand text.

// Extend is the option field of extended-register forms.
type Extend uint8

const (
	UXTB Extend = iota
	UXTH
	UXTW
	UXTX
	SXTB
	SXTH
	SXTW
	SXTX
)

func (e Extend) String() string {
	return [...]string{"uxtb", "uxth", "uxtw", "uxtx", "sxtb", "sxth", "sxtw", "sxtx"}[e&7]
}

// Signed reports whether the extension sign-extends.
func (e Extend) Signed() bool { return e >= SXTB }

// AddSubImm matches ADD/SUB (immediate), flag-setting forms excluded.
// imm is negated for SUB. Register 31 means SP here.
//
// Encoding: sf | op | S=0 | 100010 | sh | imm12 | Rn | Rd
func AddSubImm(raw uint32) (rd, rn int, imm int64, wide bool, ok bool) {
	if raw&0x3F800000 != 0x11000000 {
		return 0, 0, 0, false, false
	}
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	v := int64((raw >> 10) & 0xFFF)
	if raw&(1<<22) != 0 {
		v <<= 12
	}
	if raw&(1<<30) != 0 {
		v = -v
	}
	return rd, rn, v, raw&(1<<31) != 0, true
}

// CmpImm matches CMP (immediate), the SUBS alias with Rd=ZR.
func CmpImm(raw uint32) (rn int, imm uint64, ok bool) {
	if raw&0x7F80001F != 0x7100001F {
		return 0, 0, false
	}
	rn = int((raw >> 5) & 0x1F)
	imm = uint64((raw >> 10) & 0xFFF)
	if raw&(1<<22) != 0 {
		imm <<= 12
	}
	return rn, imm, true
}

// AddExtReg matches ADD (extended register), non flag-setting.
//
// Encoding: sf | 0 | 0 | 01011 | 00 | 1 | Rm | option | imm3 | Rn | Rd
func AddExtReg(raw uint32) (rd, rn, rm int, ext Extend, amount int, ok bool) {
	if raw&0x7FE00000 != 0x0B200000 {
		return 0, 0, 0, 0, 0, false
	}
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	rm = int((raw >> 16) & 0x1F)
	ext = Extend((raw >> 13) & 0x7)
	amount = int((raw >> 10) & 0x7)
	return rd, rn, rm, ext, amount, true
}

// AddShiftedReg matches ADD (shifted register), non flag-setting.
// shift: 0=LSL 1=LSR 2=ASR.
func AddShiftedReg(raw uint32) (rd, rn, rm int, shift, amount int, ok bool) {
	if raw&0x7F200000 != 0x0B000000 {
		return 0, 0, 0, 0, 0, false
	}
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	rm = int((raw >> 16) & 0x1F)
	shift = int((raw >> 22) & 0x3)
	amount = int((raw >> 10) & 0x3F)
	return rd, rn, rm, shift, amount, true
}

// MovReg matches MOV (register), the ORR alias with Rn=ZR and no shift.
func MovReg(raw uint32) (rd, rm int, ok bool) {
	if raw&0x7FE0FFE0 != 0x2A0003E0 {
		return 0, 0, false
	}
	return int(raw & 0x1F), int((raw >> 16) & 0x1F), true
}

// Adrp matches ADRP and returns the absolute page address.
func Adrp(raw uint32, pc uint64) (rd int, page uint64, ok bool) {
	if raw&0x9F000000 != 0x90000000 {
		return 0, 0, false
	}
	off := int64(signExtend(adrImm(raw), 21)) << 12
	return int(raw & 0x1F), uint64(int64(pc&^0xFFF) + off), true
}

// Adr matches ADR and returns the absolute target.
func Adr(raw uint32, pc uint64) (rd int, target uint64, ok bool) {
	if raw&0x9F000000 != 0x10000000 {
		return 0, 0, false
	}
	off := int64(signExtend(adrImm(raw), 21))
	return int(raw & 0x1F), uint64(int64(pc) + off), true
}

func adrImm(raw uint32) uint32 {
	immlo := (raw >> 29) & 0x3
	immhi := (raw >> 5) & 0x7FFFF
	return immhi<<2 | immlo
}

// LdrLiteral matches LDR/LDRSW (literal) into a general register.
func LdrLiteral(raw uint32, pc uint64) (rt int, target uint64, size int, ok bool) {
	if raw&0x3F000000 != 0x18000000 {
		return 0, 0, 0, false
	}
	switch raw >> 30 {
	case 0:
		size = 4
	case 1:
		size = 8
	case 2:
		size = 4 // LDRSW
	default:
		return 0, 0, 0, false // PRFM
	}
	off := int64(signExtend((raw>>5)&0x7FFFF, 19)) * 4
	return int(raw & 0x1F), uint64(int64(pc) + off), size, true
}

// MemOp describes a general-register load or store with an immediate offset.
type MemOp struct {
	Rt, Rn    int
	Offset    int64
	Size      int // access width in bytes
	Load      bool
	Signed    bool
	Writeback bool // pre/post-indexed
	Post      bool // offset applied after the access
}

// MemImm matches LDR*/STR* with unsigned scaled, unscaled (LDUR/STUR)
// and pre/post-indexed immediate addressing, general registers only.
func MemImm(raw uint32) (MemOp, bool) {
	size := 1 << (raw >> 30)
	opc := (raw >> 22) & 0x3
	m := MemOp{Rt: int(raw & 0x1F), Rn: int((raw >> 5) & 0x1F), Size: size}

	switch {
	case raw&0x3F000000 == 0x39000000: // unsigned offset
		m.Offset = int64((raw>>10)&0xFFF) * int64(size)
	case raw&0x3F200000 == 0x38000000: // imm9 forms
		m.Offset = int64(signExtend((raw>>12)&0x1FF, 9))
		switch (raw >> 10) & 0x3 {
		case 0: // unscaled
		case 1:
			m.Writeback, m.Post = true, true
		case 3:
			m.Writeback = true
		default:
			return MemOp{}, false // unprivileged
		}
	default:
		return MemOp{}, false
	}

	switch opc {
	case 0:
	case 1:
		m.Load = true
	case 2:
		if size == 8 {
			return MemOp{}, false // PRFM
		}
		m.Load, m.Signed = true, true
	case 3:
		if size >= 4 {
			return MemOp{}, false
		}
		m.Load, m.Signed = true, true
	}
	return m, true
}

// MemRegOp describes a load or store with a register offset.
type MemRegOp struct {
	Rt, Rn, Rm int
	Size       int
	Load       bool
	Signed     bool
	Ext        Extend
	Scaled     bool // index shifted by log2(Size)
}

// MemReg matches LDR*/STR* (register offset), general registers only.
//
// Encoding: size | 111 | 0 | 00 | opc | 1 | Rm | option | S | 10 | Rn | Rt
func MemReg(raw uint32) (MemRegOp, bool) {
	if raw&0x3F200C00 != 0x38200800 {
		return MemRegOp{}, false
	}
	size := 1 << (raw >> 30)
	opc := (raw >> 22) & 0x3
	m := MemRegOp{
		Rt:     int(raw & 0x1F),
		Rn:     int((raw >> 5) & 0x1F),
		Rm:     int((raw >> 16) & 0x1F),
		Size:   size,
		Ext:    Extend((raw >> 13) & 0x7),
		Scaled: raw&(1<<12) != 0,
	}
	switch opc {
	case 0:
	case 1:
		m.Load = true
	case 2:
		if size == 8 {
			return MemRegOp{}, false
		}
		m.Load, m.Signed = true, true
	case 3:
		if size >= 4 {
			return MemRegOp{}, false
		}
		m.Load, m.Signed = true, true
	}
	return m, true
}

// BranchReg matches BR Xn.
func BranchReg(raw uint32) (rn int, ok bool) {
	if raw&0xFFFFFC1F != 0xD61F0000 {
		return 0, false
	}
	return int((raw >> 5) & 0x1F), true
}

// IsBranchImm matches B imm26 (not BL).
func IsBranchImm(raw uint32, pc uint64) (target uint64, ok bool) {
	if raw&0xFC000000 != 0x14000000 {
		return 0, false
	}
	return uint64(int64(pc) + int64(signExtend(raw&0x03FFFFFF, 26))*4), true
}

// IsTrap reports BRK, HLT and permanently undefined (UDF) encodings.
func IsTrap(raw uint32) bool {
	switch {
	case raw&0xFFE0001F == 0xD4200000: // BRK
		return true
	case raw&0xFFE0001F == 0xD4400000: // HLT
		return true
	case raw&0xFFFF0000 == 0x00000000: // UDF
		return true
	}
	return false
}

// IsCall reports BL or BLR.
func IsCall(raw uint32) bool {
	if _, ok := isBL(raw, 0); ok {
		return true
	}
	_, ok := isBLR(raw)
	return ok
}

// IsBL reports BL and its target.
func IsBL(raw uint32, pc uint64) (uint64, bool) { return isBL(raw, pc) }

// IsBLR reports BLR and its register.
func IsBLR(raw uint32) (int, bool) { return isBLR(raw) }

// CondCode returns the condition field of B.cond.
func CondCode(raw uint32) (uint32, bool) {
	if raw&0xFF000010 != 0x54000000 {
		return 0, false
	}
	return raw & 0xF, true
}

// Condition codes.
const (
	CondEQ uint32 = iota
	CondNE
	CondHS
	CondLO
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
	CondAL
	CondNV
)
