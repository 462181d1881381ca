// Package output writes gadgeter run artifacts to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gadgeter/internal/disasm"
)

// ReportFile is the name of the run report inside the report directory.
const ReportFile = "report.json"

// WriteReport writes v to <dir>/report.json.
func WriteReport(dir string, v any) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("output: mkdir %s: %w", dir, err)
	}
	return writeJSON(filepath.Join(dir, ReportFile), v)
}

// WriteASM writes a decoded instruction listing to asm/<name>.txt.
// name may contain path separators (e.g., "arm64-v8a/libfrida-gadget.so")
// for directory grouping.
func WriteASM(dir string, name string, insts []disasm.Inst) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}
	return os.WriteFile(path, []byte(disasm.Format(insts)), 0644)
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
