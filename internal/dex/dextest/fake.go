// Package dextest provides an in-process dex.Converter for tests. Its
// "dex" format is a plain concatenation of smali files, each introduced
// by a "== <relative path>" line.
package dextest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const sep = "== "

// Pack encodes smali files keyed by slash path into the fake dex format.
func Pack(files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	var b bytes.Buffer
	for _, n := range names {
		b.WriteString(sep + n + "\n")
		b.WriteString(files[n])
		if !strings.HasSuffix(files[n], "\n") {
			b.WriteString("\n")
		}
	}
	return b.Bytes()
}

// Unpack decodes the fake dex format.
func Unpack(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	var cur string
	var body strings.Builder
	flush := func() {
		if cur != "" {
			out[cur] = body.String()
		}
		body.Reset()
	}
	for _, l := range strings.SplitAfter(string(data), "\n") {
		if strings.HasPrefix(l, sep) {
			flush()
			cur = strings.TrimSpace(strings.TrimPrefix(l, sep))
			continue
		}
		if cur == "" && strings.TrimSpace(l) != "" {
			return nil, errors.New("dextest: content before first file marker")
		}
		body.WriteString(l)
	}
	flush()
	return out, nil
}

// Converter is a fake dex.Converter. It records calls and can be made to
// fail disassembly of named units.
type Converter struct {
	FailDisassemble map[string]bool // keyed by dex base name

	mu           sync.Mutex
	Disassembled []string
	Assembled    []string
}

func (c *Converter) Disassemble(ctx context.Context, dexPath, outDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.Disassembled = append(c.Disassembled, filepath.Base(dexPath))
	c.mu.Unlock()
	if c.FailDisassemble[filepath.Base(dexPath)] {
		return fmt.Errorf("dextest: disassemble %s: forced failure", filepath.Base(dexPath))
	}
	data, err := os.ReadFile(dexPath)
	if err != nil {
		return err
	}
	files, err := Unpack(data)
	if err != nil {
		return err
	}
	for name, body := range files {
		p := filepath.Join(outDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (c *Converter) Assemble(ctx context.Context, smaliDir, outDex string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.Assembled = append(c.Assembled, filepath.Base(outDex))
	c.mu.Unlock()
	files := make(map[string]string)
	err := filepath.WalkDir(smaliDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(smaliDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outDex), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outDex, Pack(files), 0o644)
}
