package elfx

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func findSample(t *testing.T, name string) string {
	t.Helper()
	// Walk up to find samples/ directory.
	dir, _ := os.Getwd()
	for {
		p := filepath.Join(dir, "samples", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Skipf("sample %s not found", name)
		}
		dir = parent
	}
}

func TestOpenRejectsNonELF(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(tmp, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(tmp)
	if !errors.Is(err, ErrNotELF) {
		t.Fatalf("err = %v, want ErrNotELF", err)
	}
}

func TestProbeRejectsNonELF(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "libx.so")
	if err := os.WriteFile(tmp, make([]byte, 64), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ProbeFile(tmp, 4); err == nil {
		t.Fatal("expected error for zeroed file")
	}
}

func TestABIFor(t *testing.T) {
	cases := []struct {
		m    elf.Machine
		c    elf.Class
		want string
	}{
		{elf.EM_AARCH64, elf.ELFCLASS64, "arm64-v8a"},
		{elf.EM_ARM, elf.ELFCLASS32, "armeabi-v7a"},
		{elf.EM_386, elf.ELFCLASS32, "x86"},
		{elf.EM_X86_64, elf.ELFCLASS64, "x86_64"},
	}
	for _, c := range cases {
		got, err := ABIFor(c.m, c.c)
		if err != nil || got != c.want {
			t.Errorf("ABIFor(%s) = %q, %v; want %q", c.m, got, err, c.want)
		}
	}
	if _, err := ABIFor(elf.EM_MIPS, elf.ELFCLASS32); !errors.Is(err, ErrUnknownABI) {
		t.Errorf("mips: err = %v, want ErrUnknownABI", err)
	}
}

func TestProbeSample(t *testing.T) {
	path := findSample(t, "frida-gadget-arm64.so")
	p, err := ProbeFile(path, 8)
	if err != nil {
		t.Fatal(err)
	}
	if p.ABI != "arm64-v8a" {
		t.Errorf("abi = %s", p.ABI)
	}
	if len(p.Insts) == 0 {
		t.Error("no instructions decoded")
	}
}
