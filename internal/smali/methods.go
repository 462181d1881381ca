package smali

import "strings"

// Invoke is one invoke-* instruction inside a method.
type Invoke struct {
	Line   int    // 1-based
	Op     string // "invoke-static", "invoke-virtual/range", ...
	Target string // "Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V"
}

// Method is one .method ... .end method span.
type Method struct {
	Name      string // "<clinit>()V"
	Header    int    // 1-based line of the header
	End       int    // 1-based line of .end method; 0 if unterminated
	Registers int    // declared count; -1 when absent
	Invokes   []Invoke
}

// Ref returns the fully qualified method reference within class.
func (m Method) Ref(class string) string {
	return class + "->" + m.Name
}

// Class is the parsed outline of a smali file.
type Class struct {
	Name    string // "Lcom/example/App;"
	Methods []Method
}

// Parse outlines the class declaration, methods and invoke targets of a
// smali file.
func Parse(src string) Class {
	var c Class
	var cur *Method
	for i, l := range splitFile(src).lines {
		s := strings.TrimSpace(l)
		switch Classify(l) {
		case KindDirective:
			if keyword(s) == ".class" && c.Name == "" {
				fields := strings.Fields(s)
				c.Name = fields[len(fields)-1]
			}
		case KindHeader:
			if cur != nil {
				c.Methods = append(c.Methods, *cur)
			}
			fields := strings.Fields(s)
			cur = &Method{Name: fields[len(fields)-1], Header: i + 1, Registers: -1}
		case KindRegisterDecl:
			if cur != nil && cur.Registers < 0 {
				if _, n, ok := ParseRegisterDecl(s); ok {
					cur.Registers = n
				}
			}
		case KindEndMarker:
			if cur != nil {
				cur.End = i + 1
				c.Methods = append(c.Methods, *cur)
				cur = nil
			}
		case KindInstruction:
			if cur == nil || !strings.HasPrefix(s, "invoke-") {
				continue
			}
			op := keyword(s)
			target := ""
			if j := strings.LastIndex(s, "}, "); j >= 0 {
				target = strings.TrimSpace(s[j+3:])
			}
			cur.Invokes = append(cur.Invokes, Invoke{Line: i + 1, Op: op, Target: target})
		}
	}
	if cur != nil {
		c.Methods = append(c.Methods, *cur)
	}
	return c
}

// StaticInitializer returns the class initializer, if any.
func (c Class) StaticInitializer() (Method, bool) {
	for _, m := range c.Methods {
		if m.Name == "<clinit>()V" {
			return m, true
		}
	}
	return Method{}, false
}

// FilePath maps a dotted Java class name to the relative path baksmali
// writes it to: "com.example.App" becomes "com/example/App.smali".
func FilePath(className string) string {
	return strings.ReplaceAll(className, ".", "/") + ".smali"
}
