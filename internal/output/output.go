// Package output writes rewrite results and analysis artifacts to files.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"armrw/internal/disasm"
	"armrw/internal/program"
)

// WriteFileAtomic writes path through a temporary file in the same
// directory. path is left untouched when write fails.
func WriteFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("output: create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("output: close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("output: chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("output: rename %s: %w", path, err)
	}
	return nil
}

// WriteStatsJSON writes the rewrite statistics to path.
func WriteStatsJSON(path string, stats program.Stats) error {
	return writeJSON(path, stats)
}

// SymbolEntry represents a recovered function.
type SymbolEntry struct {
	Address  uint64 `json:"address"`
	Name     string `json:"name"`
	Size     uint64 `json:"size,omitempty"`
	Ignored  bool   `json:"ignored,omitempty"`
	Switches int    `json:"switches,omitempty"`
}

// Symbols lists the functions of p in address order.
func Symbols(p *program.Program) []SymbolEntry {
	var out []SymbolEntry
	for _, fn := range p.Funcs() {
		out = append(out, SymbolEntry{
			Address:  fn.Start,
			Name:     fn.Name,
			Size:     fn.Size,
			Ignored:  fn.Ignored,
			Switches: len(fn.Jumptables),
		})
	}
	return out
}

// WriteSymbolsJSON writes symbols to symbols.json.
func WriteSymbolsJSON(dir string, symbols []SymbolEntry) error {
	return writeJSON(filepath.Join(dir, "symbols.json"), symbols)
}

// WriteASM writes disassembled instructions to asm/<name>.txt.
func WriteASM(dir string, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteDOT writes a rendered graph to <name>.dot under dir.
func WriteDOT(dir string, name string, dot string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("output: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name+".dot")
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return "", fmt.Errorf("output: write %s: %w", path, err)
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
