// Package pipeline sequences the injection of a native library into a
// package archive: extract, resolve targets, inject, place libraries,
// rebuild, sign and clean up.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"gadgeter/internal/dex"
	"gadgeter/internal/gadget"
	"gadgeter/internal/manifest"
	"gadgeter/internal/sign"
	"gadgeter/internal/target"
)

// Error kinds. Every stage failure returned by Run is a *StageError
// matching exactly one of these with errors.Is.
var (
	ErrArchive            = errors.New("archive error")
	ErrManifestResolution = errors.New("manifest resolution error")
	ErrInjection          = errors.New("injection error")
	ErrLibraryPlacement   = errors.New("library placement error")
	ErrSigning            = errors.New("signing error")
	ErrCanceled           = errors.New("canceled")
)

// Stage names one step of a run.
type Stage string

const (
	StageExtract Stage = "extract"
	StageResolve Stage = "resolve"
	StageInject  Stage = "inject"
	StagePlace   Stage = "place"
	StageRebuild Stage = "rebuild"
	StageSign    Stage = "sign"
	StageCleanup Stage = "cleanup"
)

// StageError is the terminal failure of a run.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Progress receives a status message and a fraction in [0,1]. Fractions
// never decrease within one run.
type Progress func(msg string, fraction float64)

// Config is the immutable description of one run.
type Config struct {
	Input  string
	Output string
	// Library describes what to place. LibraryName also determines the
	// System.loadLibrary argument.
	Library gadget.Request
	// WorkDir is the parent of the per-run staging directory; empty uses
	// the system temp dir.
	WorkDir string
	// ForceCleanup removes the staging directory even when the run fails.
	ForceCleanup bool
	// CompressionLevel is the DEFLATE level for rebuilt entries; 0 uses
	// the default.
	CompressionLevel int
	// ProbeInsts is the number of instructions decoded from each placed
	// library.
	ProbeInsts int
	// GraphDir receives DOT graphs of the patched class when set.
	GraphDir string
	// ReportDir receives report.json and probe listings when set.
	ReportDir string
}

// Deps are the external collaborators of a run. Nil fields get the
// default adapters.
type Deps struct {
	Resolver  manifest.Resolver
	Converter dex.Converter
	Signer    sign.Signer
	Fetcher   gadget.Fetcher
	Bundled   fs.FS
	Logger    *slog.Logger
}

// Result summarizes a successful run.
type Result struct {
	Input     string           `json:"input"`
	Output    string           `json:"output"`
	BLAKE3    string           `json:"blake3"`
	Size      int64            `json:"size"`
	Classes   manifest.Classes `json:"classes"`
	Injection target.Outcome   `json:"injection"`
	Libraries gadget.Report    `json:"libraries"`
	Entries   int              `json:"entries"`
	Stored    int              `json:"stored"`
	Graphs    []string         `json:"graphs,omitempty"`
	Staging   string           `json:"staging,omitempty"`
	Started   time.Time        `json:"started"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// tracker clamps reported fractions so they never go backwards.
type tracker struct {
	fn   Progress
	last float64
}

func (t *tracker) report(msg string, f float64) {
	if f < t.last {
		f = t.last
	}
	if f > 1 {
		f = 1
	}
	t.last = f
	if t.fn != nil {
		t.fn(msg, f)
	}
}

// span maps a sub-step's [0,1] progress onto [lo,hi].
func (t *tracker) span(lo, hi float64) func(string, float64) {
	return func(msg string, f float64) {
		t.report(msg, lo+(hi-lo)*f)
	}
}
