// Package target picks the first bytecode unit whose application or
// launcher class can be patched to load the gadget.
package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"

	"gadgeter/internal/dex"
	"gadgeter/internal/smali"
)

var ErrNoTarget = errors.New("target: no unit contains a patchable candidate class")

// Attempt records one candidate class tried in one unit.
type Attempt struct {
	Unit  string `json:"unit"`
	Class string `json:"class,omitempty"`
	Error string `json:"error,omitempty"`
}

// Outcome describes the successful injection.
type Outcome struct {
	Unit      string       `json:"unit"`
	Class     string       `json:"class"`
	SmaliPath string       `json:"-"`
	Patch     smali.Result `json:"patch"`
	Parsed    smali.Class  `json:"-"`
	Attempts  []Attempt    `json:"attempts"`
}

// Selector applies the fallback search order over dex units.
type Selector struct {
	Converter dex.Converter
	// StagingDir receives the disassembly of one unit at a time. It is
	// cleared before each unit.
	StagingDir string
	// BuildDir receives the reassembled unit before it replaces the
	// original.
	BuildDir string
	Logger   *slog.Logger
}

// Progress reports the fraction of units processed.
type Progress func(msg string, fraction float64)

// Inject walks the units under unpackedDir in load order, trying each
// candidate class (dotted Java names, highest priority first) until one
// is patched to call System.loadLibrary(loadName). Exactly that unit is
// reassembled and written back in place.
func (s *Selector) Inject(ctx context.Context, unpackedDir string, candidates []string, loadName string, progress Progress) (Outcome, error) {
	log := s.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var out Outcome
	if len(candidates) == 0 {
		return out, fmt.Errorf("%w: no candidate classes", ErrNoTarget)
	}

	units, err := dex.Units(unpackedDir)
	if err != nil {
		return out, err
	}

	var errs []error
	for i, u := range units {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if progress != nil {
			progress("Scanning "+u.Name, float64(i)/float64(len(units)))
		}
		ok, err := s.tryUnit(ctx, u, candidates, loadName, &out, log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		if progress != nil {
			progress("Rebuilding "+u.Name, float64(i+1)/float64(len(units)))
		}
		built := filepath.Join(s.BuildDir, u.Name)
		if err := s.Converter.Assemble(ctx, s.StagingDir, built); err != nil {
			return out, fmt.Errorf("target: assemble %s: %w", u.Name, err)
		}
		if err := copy.Copy(built, u.Path); err != nil {
			return out, fmt.Errorf("target: replace %s: %w", u.Name, err)
		}
		log.Info("injected", "unit", u.Name, "class", out.Class, "register", out.Patch.Register, "appended", out.Patch.Appended)
		return out, nil
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%w: %w", ErrNoTarget, errors.Join(errs...))
	}
	return out, ErrNoTarget
}

// tryUnit disassembles u into the staging tree and patches the first
// candidate file present. It returns false with no error when no
// candidate applies.
func (s *Selector) tryUnit(ctx context.Context, u dex.Unit, candidates []string, loadName string, out *Outcome, log *slog.Logger) (bool, error) {
	if err := os.RemoveAll(s.StagingDir); err != nil {
		return false, fmt.Errorf("target: clear staging: %w", err)
	}
	if err := os.MkdirAll(s.StagingDir, 0o755); err != nil {
		return false, fmt.Errorf("target: staging: %w", err)
	}
	if err := s.Converter.Disassemble(ctx, u.Path, s.StagingDir); err != nil {
		out.Attempts = append(out.Attempts, Attempt{Unit: u.Name, Error: err.Error()})
		log.Warn("disassemble failed", "unit", u.Name, "err", err)
		return false, fmt.Errorf("%s: %w", u.Name, err)
	}

	var errs []error
	for _, class := range candidates {
		path := filepath.Join(s.StagingDir, filepath.FromSlash(smali.FilePath(class)))
		res, err := smali.InjectFile(path, loadName)
		a := Attempt{Unit: u.Name, Class: class}
		switch {
		case err != nil:
			a.Error = err.Error()
			log.Warn("patch failed", "unit", u.Name, "class", class, "err", err)
		case !res.Injected:
			log.Debug("class absent", "unit", u.Name, "class", class)
			continue
		}
		out.Attempts = append(out.Attempts, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return false, fmt.Errorf("target: reread %s: %w", path, err)
		}
		out.Unit, out.Class, out.SmaliPath, out.Patch = u.Name, class, path, res
		out.Parsed = smali.Parse(string(data))
		return true, nil
	}
	return false, errors.Join(errs...)
}
