// Package dex enumerates bytecode units and converts them to and from
// smali text through the baksmali and smali tools.
package dex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoUnits    = errors.New("dex: no classes*.dex units")
	ErrToolFailed = errors.New("dex: converter failed")
)

// Unit is one classes*.dex file in an unpacked package.
type Unit struct {
	Name  string // "classes2.dex"
	Path  string
	Index int // 1 for classes.dex, N for classesN.dex
}

// Units lists the bytecode units directly under dir in Android load
// order: classes.dex, classes2.dex, classes3.dex, ...
func Units(dir string) ([]Unit, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dex: read %s: %w", dir, err)
	}
	var units []Unit
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		idx, ok := unitIndex(e.Name())
		if !ok {
			continue
		}
		units = append(units, Unit{Name: e.Name(), Path: filepath.Join(dir, e.Name()), Index: idx})
	}
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Index < units[j].Index })
	return units, nil
}

func unitIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "classes") || !strings.HasSuffix(name, ".dex") {
		return 0, false
	}
	mid := name[len("classes") : len(name)-len(".dex")]
	if mid == "" {
		return 1, true
	}
	n, err := strconv.Atoi(mid)
	if err != nil || n < 2 {
		return 0, false
	}
	return n, true
}

// Converter turns a dex unit into a smali tree and back.
type Converter interface {
	Disassemble(ctx context.Context, dexPath, outDir string) error
	Assemble(ctx context.Context, smaliDir, outDex string) error
}

// Tools runs baksmali and smali as external commands. A tool path ending
// in ".jar" is launched with "java -jar"; anything else is executed
// directly.
type Tools struct {
	Java     string // default "java"
	Baksmali string // default "baksmali"
	Smali    string // default "smali"
	Jobs     int    // worker threads passed to both tools; 0 = tool default
	API      int    // target API level; 0 = tool default
	Logger   *slog.Logger
}

func (t Tools) Disassemble(ctx context.Context, dexPath, outDir string) error {
	args := []string{"d", dexPath, "-o", outDir}
	args = append(args, t.common()...)
	return t.run(ctx, def(t.Baksmali, "baksmali"), args)
}

func (t Tools) Assemble(ctx context.Context, smaliDir, outDex string) error {
	args := []string{"a", smaliDir, "-o", outDex}
	args = append(args, t.common()...)
	return t.run(ctx, def(t.Smali, "smali"), args)
}

func (t Tools) common() []string {
	var args []string
	if t.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(t.Jobs))
	}
	if t.API > 0 {
		args = append(args, "-a", strconv.Itoa(t.API))
	}
	return args
}

func (t Tools) run(ctx context.Context, tool string, args []string) error {
	name := tool
	if strings.HasSuffix(tool, ".jar") {
		name = def(t.Java, "java")
		args = append([]string{"-jar", tool}, args...)
	}
	if t.Logger != nil {
		t.Logger.Debug("exec", "cmd", name, "args", strings.Join(args, " "))
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %v: %s", ErrToolFailed, filepath.Base(tool), args[0], err, tail(out.String(), 512))
	}
	return nil
}

func def(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
