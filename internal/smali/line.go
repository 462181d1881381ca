// Package smali classifies and patches smali (textual dex) files.
package smali

import (
	"strconv"
	"strings"
)

// LineKind classifies one line of a smali file.
type LineKind int

const (
	KindBlank        LineKind = iota
	KindComment               // "# ..."
	KindHeader                // ".method ..."
	KindRegisterDecl          // ".registers N" / ".locals N"
	KindDirective             // any other ".xxx" line
	KindEndMarker             // ".end method"
	KindInstruction           // opcodes and labels
)

func (k LineKind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindComment:
		return "comment"
	case KindHeader:
		return "header"
	case KindRegisterDecl:
		return "registers"
	case KindDirective:
		return "directive"
	case KindEndMarker:
		return "end"
	case KindInstruction:
		return "instruction"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Classify returns the kind of a single raw line.
func Classify(line string) LineKind {
	s := strings.TrimSpace(line)
	switch {
	case s == "":
		return KindBlank
	case strings.HasPrefix(s, "#"):
		return KindComment
	case keyword(s) == ".method":
		return KindHeader
	case keyword(s) == ".registers", keyword(s) == ".locals":
		return KindRegisterDecl
	case s == ".end method" || strings.HasPrefix(s, ".end method "):
		return KindEndMarker
	case strings.HasPrefix(s, "."):
		return KindDirective
	default:
		return KindInstruction
	}
}

// keyword returns the first whitespace-delimited token of s.
func keyword(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// IsStaticInitializer reports whether a header line declares the
// static, zero-argument, void class initializer.
func IsStaticInitializer(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != ".method" {
		return false
	}
	if fields[len(fields)-1] != "<clinit>()V" {
		return false
	}
	for _, f := range fields[1 : len(fields)-1] {
		if f == "static" {
			return true
		}
	}
	return false
}

// ParseRegisterDecl returns the keyword (".registers" or ".locals") and
// count of a register declaration line.
func ParseRegisterDecl(line string) (kw string, n int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, false
	}
	if fields[0] != ".registers" && fields[0] != ".locals" {
		return "", 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return fields[0], n, true
}

// prologueDirectives may precede the first instruction of a method.
var prologueDirectives = map[string]bool{
	".param":    true,
	".prologue": true,
	".line":     true,
	".local":    true,
	".source":   true,
}

// isPrologue reports whether a directive line is a pre-instruction
// pseudo-directive. ".end param" and ".end local" close their blocks.
func isPrologue(line string) bool {
	s := strings.TrimSpace(line)
	if prologueDirectives[keyword(s)] {
		return true
	}
	return s == ".end param" || s == ".end local"
}

func isAnnotationStart(line string) bool {
	kw := keyword(strings.TrimSpace(line))
	return kw == ".annotation" || kw == ".subannotation"
}

func isAnnotationEnd(line string) bool {
	s := strings.TrimSpace(line)
	return s == ".end annotation" || s == ".end subannotation"
}
