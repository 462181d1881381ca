// Package disasm decodes the leading instructions of native library code
// for the CPU families Android ships: arm64, arm/thumb, x86 and x86_64.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Mode selects the instruction set to decode.
type Mode int

const (
	ModeARM64 Mode = iota
	ModeARM
	ModeThumb
	ModeX86
	ModeX86_64
)

func (m Mode) String() string {
	switch m {
	case ModeARM64:
		return "arm64"
	case ModeARM:
		return "arm"
	case ModeThumb:
		return "thumb"
	case ModeX86:
		return "x86"
	case ModeX86_64:
		return "x86_64"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// minLen is the step taken over bytes that do not decode.
func (m Mode) minLen() int {
	switch m {
	case ModeARM64, ModeARM:
		return 4
	case ModeThumb:
		return 2
	default:
		return 1
	}
}

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      []byte
	Mnemonic string
	Operands string
	Text     string // full disassembly line
}

// Size returns the encoded length in bytes.
func (i Inst) Size() int { return len(i.Raw) }

// Options controls disassembly behavior.
type Options struct {
	Mode     Mode
	BaseAddr uint64 // VA of the first byte in data
	MaxSteps int    // maximum instructions to decode; 0 = 10M
}

const defaultMaxSteps = 10_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes instructions from a byte region.
// Undecodable bytes are emitted as .word/.short/.byte and skipped.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	off := 0
	for len(result) < maxSteps && off+opts.Mode.minLen() <= len(data) {
		text, n, err := decode(data[off:], opts.Mode)
		if err != nil || n <= 0 {
			n = opts.Mode.minLen()
			text = rawDirective(data[off : off+n])
		}
		mnemonic, operands, _ := strings.Cut(text, " ")
		result = append(result, Inst{
			Addr:     opts.BaseAddr + uint64(off),
			Raw:      data[off : off+n],
			Mnemonic: mnemonic,
			Operands: strings.TrimSpace(operands),
			Text:     text,
		})
		off += n
	}
	return result
}

func decode(src []byte, mode Mode) (string, int, error) {
	switch mode {
	case ModeARM64:
		inst, err := arm64asm.Decode(src)
		if err != nil {
			return "", 0, err
		}
		return inst.String(), 4, nil
	case ModeARM, ModeThumb:
		am := armasm.ModeARM
		if mode == ModeThumb {
			am = armasm.ModeThumb
		}
		inst, err := armasm.Decode(src, am)
		if err != nil {
			return "", 0, err
		}
		return inst.String(), inst.Len, nil
	case ModeX86, ModeX86_64:
		bits := 32
		if mode == ModeX86_64 {
			bits = 64
		}
		inst, err := x86asm.Decode(src, bits)
		if err != nil {
			return "", 0, err
		}
		return inst.String(), inst.Len, nil
	}
	return "", 0, fmt.Errorf("disasm: unsupported mode %s", mode)
}

func rawDirective(b []byte) string {
	switch len(b) {
	case 4:
		return fmt.Sprintf(".word 0x%02x%02x%02x%02x", b[3], b[2], b[1], b[0])
	case 2:
		return fmt.Sprintf(".short 0x%02x%02x", b[1], b[0])
	default:
		return fmt.Sprintf(".byte 0x%02x", b[0])
	}
}

// Format renders instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>
func Format(insts []Inst) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  %-24x  %s\n", inst.Addr, inst.Raw, inst.Text)
	}
	return b.String()
}
