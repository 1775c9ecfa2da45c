package liveness

import (
	"fmt"
	"strconv"
	"strings"

	"armrw/internal/disasm"
)

// Canonical maps a general-purpose register name to its 64-bit parent:
// w5 -> x5, wsp -> sp, wzr/xzr -> xzr.
func Canonical(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "sp", "wsp":
		return "sp", true
	case "xzr", "wzr":
		return "xzr", true
	case "fp":
		return "x29", true
	case "lr":
		return "x30", true
	}
	if len(name) < 2 || (name[0] != 'x' && name[0] != 'w') {
		return "", false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n > 30 || strconv.Itoa(n) != name[1:] {
		return "", false
	}
	return fmt.Sprintf("x%d", n), true
}

// Closure returns every name aliasing name, parent first.
func Closure(name string) []string {
	c, ok := Canonical(name)
	if !ok {
		return nil
	}
	switch c {
	case "sp":
		return []string{"sp", "wsp"}
	case "xzr":
		return []string{"xzr", "wzr"}
	}
	out := []string{c, "w" + c[1:]}
	switch c {
	case "x29":
		out = append(out, "fp")
	case "x30":
		out = append(out, "lr")
	}
	return out
}

// FromNames builds a register set from names in any width. Unknown names
// and the zero register are dropped.
func FromNames(names ...string) disasm.RegSet {
	var s disasm.RegSet
	for _, n := range names {
		c, ok := Canonical(n)
		if !ok || c == "xzr" {
			continue
		}
		if r, ok := disasm.ParseReg(c); ok {
			s = s.Add(r)
		}
	}
	return s
}
