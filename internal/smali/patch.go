package smali

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrBadRegisterDecl = errors.New("smali: malformed register declaration")
	ErrRegisterLimit   = errors.New("smali: register index out of const-string range")
)

const loadLibrarySig = "Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V"

const indent = "    "

// maxConstStringReg is the highest register const-string (format 21c,
// 8-bit vAA) can address.
const maxConstStringReg = 255

// patchState tracks how far the initializer search got.
type patchState int

const (
	stateNoInitializer patchState = iota
	stateInitializerFound
	stateRegisterDeclLocated
	stateInsertionPointFound
)

func (s patchState) String() string {
	switch s {
	case stateNoInitializer:
		return "no-initializer"
	case stateInitializerFound:
		return "initializer-found"
	case stateRegisterDeclLocated:
		return "register-decl-located"
	case stateInsertionPointFound:
		return "insertion-point-found"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result describes an applied patch.
type Result struct {
	Injected bool `json:"injected"`
	// Appended is set when no initializer existed and a new one was added.
	Appended bool `json:"appended,omitempty"`
	// DeclSynthesized is set when the initializer had no register
	// declaration and one was added.
	DeclSynthesized bool `json:"decl_synthesized,omitempty"`
	// Register is the register index used by the inserted instructions;
	// it equals the declared count before patching.
	Register int `json:"register"`
	// Line is the 1-based line of the inserted const-string.
	Line int `json:"line"`
}

// plan is the outcome of scanning a file, expressed over original line
// indices.
type plan struct {
	state     patchState
	header    int
	end       int
	decl      int // -1 when synthesized
	kw        string
	registers int
	insert    int
}

// InjectFile patches the smali file at path so that its static
// initializer loads libName. A missing file yields a zero Result and
// no error.
func InjectFile(path, libName string) (Result, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("smali: read %s: %w", path, err)
	}
	out, res, err := Patch(string(data), libName)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return Result{}, fmt.Errorf("smali: write %s: %w", path, err)
	}
	return res, nil
}

// Patch inserts a loadLibrary(libName) call into the static initializer
// of the class in src, synthesizing the initializer if needed. All lines
// other than the register declaration and the two inserted instructions
// are left untouched.
func Patch(src, libName string) (string, Result, error) {
	f := splitFile(src)
	p, err := scan(f.lines)
	if err != nil {
		return "", Result{}, err
	}

	if p.state == stateNoInitializer {
		f.lines = append(f.lines, f.eol)
		line := len(f.lines) + 3
		for _, l := range newInitializer(libName) {
			f.lines = append(f.lines, l+f.eol)
		}
		f.trailing = true
		return f.join(), Result{Injected: true, Appended: true, Register: 0, Line: line}, nil
	}

	n := p.registers
	if n > maxConstStringReg {
		return "", Result{}, fmt.Errorf("%w: v%d", ErrRegisterLimit, n)
	}
	res := Result{Injected: true, DeclSynthesized: p.decl < 0, Register: n}

	out := make([]string, 0, len(f.lines)+3)
	for i, l := range f.lines {
		if p.decl < 0 && i == p.header+1 {
			out = append(out, indent+".locals 1"+f.eol)
		}
		if i == p.insert {
			res.Line = len(out) + 1
			for _, ins := range loadInstructions(n, libName) {
				out = append(out, indent+ins+f.eol)
			}
		}
		if i == p.decl {
			l = rewriteDecl(l, p.kw, n+1, f.eol)
		}
		out = append(out, l)
	}
	f.lines = out
	return f.join(), res, nil
}

// scan runs the initializer search over the classified lines.
func scan(lines []string) (plan, error) {
	p := plan{state: stateNoInitializer, header: -1, end: -1, decl: -1}

	for i, l := range lines {
		if Classify(l) == KindHeader && IsStaticInitializer(l) {
			p.header = i
			break
		}
	}
	if p.header < 0 {
		return p, nil
	}
	for i := p.header + 1; i < len(lines); i++ {
		k := Classify(lines[i])
		if k == KindEndMarker {
			p.end = i
			break
		}
		if k == KindHeader {
			break
		}
	}
	if p.end < 0 {
		// Unterminated initializer: leave it alone and add a fresh one.
		return p, nil
	}
	p.state = stateInitializerFound

	start := p.header + 1
	for i := p.header + 1; i < p.end; i++ {
		if Classify(lines[i]) != KindRegisterDecl {
			continue
		}
		kw, n, ok := ParseRegisterDecl(lines[i])
		if !ok {
			return p, fmt.Errorf("%w: line %d: %q", ErrBadRegisterDecl, i+1, strings.TrimSpace(lines[i]))
		}
		p.decl, p.kw, p.registers = i, kw, n
		start = i + 1
		break
	}
	p.state = stateRegisterDeclLocated

	p.insert = insertionPoint(lines, start, p.end)
	p.state = stateInsertionPointFound
	return p, nil
}

// insertionPoint returns the index of the first line in [start,end) that
// is real code: not blank, comment, prologue directive or annotation.
func insertionPoint(lines []string, start, end int) int {
	depth := 0
	for i := start; i < end; i++ {
		l := lines[i]
		if depth > 0 {
			if isAnnotationStart(l) {
				depth++
			} else if isAnnotationEnd(l) {
				depth--
			}
			continue
		}
		switch Classify(l) {
		case KindBlank, KindComment, KindRegisterDecl:
			continue
		case KindDirective:
			if isAnnotationStart(l) {
				depth++
				continue
			}
			if isPrologue(l) {
				continue
			}
		}
		return i
	}
	return end
}

func loadInstructions(reg int, libName string) []string {
	v := fmt.Sprintf("v%d", reg)
	invoke := fmt.Sprintf("invoke-static {%s}, %s", v, loadLibrarySig)
	if reg > 15 {
		invoke = fmt.Sprintf("invoke-static/range {%s .. %s}, %s", v, v, loadLibrarySig)
	}
	return []string{
		fmt.Sprintf("const-string %s, %s", v, quote(libName)),
		invoke,
	}
}

func newInitializer(libName string) []string {
	ins := loadInstructions(0, libName)
	return []string{
		".method static constructor <clinit>()V",
		indent + ".locals 1",
		indent + ins[0],
		indent + ins[1],
		indent + "return-void",
		".end method",
	}
}

func rewriteDecl(line, kw string, n int, eol string) string {
	lead := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	return fmt.Sprintf("%s%s %d%s", lead, kw, n, eol)
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// LoadName converts a shared-object file name into the argument
// System.loadLibrary expects: "libfoo.so" becomes "foo".
func LoadName(fileName string) string {
	if strings.HasPrefix(fileName, "lib") && strings.HasSuffix(fileName, ".so") && len(fileName) > len("lib.so") {
		return fileName[len("lib") : len(fileName)-len(".so")]
	}
	return strings.TrimSuffix(fileName, ".so")
}

// file holds a smali file split into lines with its line-ending style.
type file struct {
	lines    []string
	eol      string // "\r" for CRLF files, appended before the "\n" join
	trailing bool
}

func splitFile(src string) *file {
	f := &file{}
	if src == "" {
		return f
	}
	f.lines = strings.Split(src, "\n")
	if f.lines[len(f.lines)-1] == "" {
		f.trailing = true
		f.lines = f.lines[:len(f.lines)-1]
	}
	if len(f.lines) > 0 && strings.HasSuffix(f.lines[0], "\r") {
		f.eol = "\r"
	}
	return f
}

func (f *file) join() string {
	s := strings.Join(f.lines, "\n")
	if f.trailing {
		s += "\n"
	}
	return s
}
