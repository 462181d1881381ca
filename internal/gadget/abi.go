// Package gadget places the instrumentation library into an unpacked
// package tree, one copy per target ABI.
package gadget

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnknownABI = errors.New("gadget: unknown ABI")

// ABI names a lib/<abi>/ directory.
type ABI string

const (
	ARM64  ABI = "arm64-v8a"
	ARMv7  ABI = "armeabi-v7a"
	X86    ABI = "x86"
	X86_64 ABI = "x86_64"

	// ARMv5 is the legacy 32-bit directory. It is only targeted when an
	// app already ships it, and receives the arm build.
	ARMv5 ABI = "armeabi"
)

// DefaultABIs is used when nothing else determines the target set.
var DefaultABIs = []ABI{ARM64, ARMv7, X86, X86_64}

// FridaArch returns the architecture token used in Frida release asset
// names.
func (a ABI) FridaArch() string {
	switch a {
	case ARM64:
		return "arm64"
	case ARMv7, ARMv5:
		return "arm"
	case X86:
		return "x86"
	case X86_64:
		return "x86_64"
	}
	return ""
}

func (a ABI) Known() bool { return a.FridaArch() != "" }

// Accepts reports whether a library built for machine (an elfx ABI name)
// loads from a lib/<a>/ directory.
func (a ABI) Accepts(machine string) bool {
	if machine == string(a) {
		return true
	}
	return a == ARMv5 && machine == string(ARMv7)
}

// ParseABI validates an ABI name.
func ParseABI(s string) (ABI, error) {
	a := ABI(strings.TrimSpace(s))
	if !a.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownABI, s)
	}
	return a, nil
}

// ParseABIs parses a comma-separated list, dropping duplicates.
func ParseABIs(list string) ([]ABI, error) {
	var out []ABI
	seen := map[ABI]bool{}
	for _, s := range strings.Split(list, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		a, err := ParseABI(s)
		if err != nil {
			return nil, err
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// DetectABIs returns the supported ABI directories present under libDir
// in DefaultABIs order, with ARMv5 last. Other directories are returned
// in unsupported.
func DetectABIs(libDir string) (found []ABI, unsupported []string) {
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return nil, nil
	}
	present := map[ABI]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if a := ABI(e.Name()); a.Known() {
			present[a] = true
		} else {
			unsupported = append(unsupported, e.Name())
		}
	}
	for _, a := range []ABI{ARM64, ARMv7, X86, X86_64, ARMv5} {
		if present[a] {
			found = append(found, a)
		}
	}
	return found, unsupported
}

// ResolveABIs picks the target set for req: a bundled source forces
// armeabi-v7a; a manual list wins next; then ABIs already shipped under
// libDir. DefaultABIs applies only when libDir has no subdirectories; a
// lib/ holding only unsupported ABIs is ErrNoLibrary.
func ResolveABIs(req Request, libDir string) ([]ABI, error) {
	if req.Source == SourceBundled {
		return []ABI{ARMv7}, nil
	}
	if len(req.ABIs) > 0 {
		return req.ABIs, nil
	}
	found, unsupported := DetectABIs(libDir)
	switch {
	case len(found) > 0:
		return found, nil
	case len(unsupported) > 0:
		return nil, fmt.Errorf("%w: lib/ only holds unsupported ABIs %v", ErrNoLibrary, unsupported)
	}
	return append([]ABI(nil), DefaultABIs...), nil
}
