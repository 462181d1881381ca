package elfx

import (
	"errors"
	"fmt"

	"gadgeter/internal/disasm"
)

// probeSymbols are tried in order when choosing where to decode.
var probeSymbols = []string{"JNI_OnLoad", "frida_agent_main"}

// Probe summarizes a native library: its ABI and the first decoded
// instructions of its load entry.
type Probe struct {
	ABI    string        `json:"abi"`
	Size   int64         `json:"size"`
	Entry  string        `json:"entry"`
	Addr   uint64        `json:"addr"`
	Mode   string        `json:"mode"`
	Insts  []disasm.Inst `json:"-"`
	Listed string        `json:"disasm,omitempty"`
}

// ProbeFile opens path and decodes up to n instructions at the first
// available entry: a known exported symbol, the ELF entry point, or the
// start of .text.
func ProbeFile(path string, n int) (*Probe, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	abi, err := f.ABI()
	if err != nil {
		return nil, err
	}
	p := &Probe{ABI: abi, Size: f.FileSize()}

	name, va, err := f.entry()
	if err != nil {
		return p, err
	}
	mode, err := f.Mode(va)
	if err != nil {
		return p, err
	}
	code, err := f.ReadBytesAtVA(va&^1, n*16)
	if err != nil {
		return p, err
	}
	p.Entry, p.Addr, p.Mode = name, va&^1, mode.String()
	p.Insts = disasm.Disassemble(code, disasm.Options{Mode: mode, BaseAddr: va &^ 1, MaxSteps: n})
	p.Listed = disasm.Format(p.Insts)
	return p, nil
}

func (f *File) entry() (string, uint64, error) {
	for _, s := range probeSymbols {
		if va, _, err := f.Symbol(s); err == nil {
			return s, va, nil
		} else if !errors.Is(err, ErrNoSymbol) {
			break
		}
	}
	if f.ELF.Entry != 0 {
		return "entry", f.ELF.Entry, nil
	}
	if sec := f.ELF.Section(".text"); sec != nil && sec.Size > 0 {
		return ".text", sec.Addr, nil
	}
	return "", 0, fmt.Errorf("%w", ErrNoCodeRegion)
}
