package gadget

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	"github.com/zeebo/blake3"

	"gadgeter/internal/elfx"
)

var ErrNoLibrary = errors.New("gadget: no ABI received a library")

// Request describes one placement job.
type Request struct {
	Source  SourceKind
	Version string // remote
	Local   string // local file path
	Asset   string // bundled asset name
	// LibraryName is the file written into each lib/<abi>/ directory.
	LibraryName string
	// Config is written next to the library when non-empty.
	Config []byte
	// ABIs is the manual selection; empty means automatic.
	ABIs []ABI
}

// ConfigName returns the companion config file name for a library:
// "libfrida-gadget.so" becomes "libfrida-gadget.config.so".
func ConfigName(libName string) string {
	return strings.TrimSuffix(libName, ".so") + ".config.so"
}

// Placement is the per-ABI result.
type Placement struct {
	ABI     ABI         `json:"abi"`
	Path    string      `json:"path,omitempty"`
	Config  string      `json:"config,omitempty"`
	Size    int64       `json:"size,omitempty"`
	BLAKE3  string      `json:"blake3,omitempty"`
	Probe   *elfx.Probe `json:"probe,omitempty"`
	Warning string      `json:"warning,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK reports whether the library was written.
func (p Placement) OK() bool { return p.Error == "" }

// Report collects placements in ABI order.
type Report struct {
	Source     string      `json:"source"`
	Version    string      `json:"version,omitempty"`
	Placements []Placement `json:"placements"`
}

// Placed returns the number of ABIs that received a library.
func (r Report) Placed() int {
	n := 0
	for _, p := range r.Placements {
		if p.OK() {
			n++
		}
	}
	return n
}

// Placer writes libraries into an unpacked tree.
type Placer struct {
	Fetcher Fetcher
	Bundled fs.FS
	// ProbeInsts is the number of instructions decoded per library; 0
	// disables probing.
	ProbeInsts int
	Logger     *slog.Logger
}

// Progress reports the fraction of ABIs handled.
type Progress func(msg string, fraction float64)

// Place resolves the ABI set and writes the library (and config) for
// each one under <root>/lib/<abi>/. Per-ABI failures are recorded and
// skipped; ErrNoLibrary is returned only when every ABI failed.
func (p *Placer) Place(ctx context.Context, root string, req Request, progress Progress) (Report, error) {
	log := p.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rep := Report{Source: req.Source.String()}
	if req.Source == SourceRemote {
		rep.Version = req.Version
	}
	if req.LibraryName == "" || strings.ContainsAny(req.LibraryName, `/\`) {
		return rep, fmt.Errorf("gadget: invalid library name %q", req.LibraryName)
	}

	libDir := filepath.Join(root, "lib")
	abis, err := ResolveABIs(req, libDir)
	if err != nil {
		return rep, err
	}
	var errs []error
	for i, abi := range abis {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if progress != nil {
			progress("Placing "+string(abi), float64(i)/float64(len(abis)))
		}
		pl, err := p.placeOne(ctx, libDir, abi, req)
		if err != nil {
			pl.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", abi, err))
			log.Warn("placement failed", "abi", abi, "err", err)
		} else {
			log.Info("placed", "abi", abi, "size", pl.Size, "blake3", pl.BLAKE3)
			if pl.Warning != "" {
				log.Warn("probe", "abi", abi, "warning", pl.Warning)
			}
		}
		rep.Placements = append(rep.Placements, pl)
	}
	if progress != nil {
		progress("Libraries placed", 1)
	}
	if rep.Placed() == 0 {
		return rep, fmt.Errorf("%w: %w", ErrNoLibrary, errors.Join(errs...))
	}
	return rep, nil
}

func (p *Placer) placeOne(ctx context.Context, libDir string, abi ABI, req Request) (Placement, error) {
	pl := Placement{ABI: abi}
	dir := filepath.Join(libDir, string(abi))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pl, fmt.Errorf("gadget: mkdir: %w", err)
	}
	dst := filepath.Join(dir, req.LibraryName)

	if err := p.obtain(ctx, abi, req, dst); err != nil {
		os.Remove(dst)
		return pl, err
	}
	size, sum, err := digestFile(dst)
	if err != nil {
		os.Remove(dst)
		return pl, err
	}
	pl.Path, pl.Size, pl.BLAKE3 = dst, size, sum

	if len(req.Config) > 0 {
		cfg := filepath.Join(dir, ConfigName(req.LibraryName))
		if err := os.WriteFile(cfg, req.Config, 0o644); err != nil {
			os.Remove(dst)
			return pl, fmt.Errorf("gadget: write config: %w", err)
		}
		pl.Config = cfg
	}

	if p.ProbeInsts > 0 {
		probe, err := elfx.ProbeFile(dst, p.ProbeInsts)
		switch {
		case err != nil:
			pl.Warning = err.Error()
		case !abi.Accepts(probe.ABI):
			pl.Warning = fmt.Sprintf("library machine is %s, placed under %s", probe.ABI, abi)
		}
		if probe != nil {
			pl.Probe = probe
		}
	}
	return pl, nil
}

func (p *Placer) obtain(ctx context.Context, abi ABI, req Request, dst string) error {
	switch req.Source {
	case SourceLocal:
		if req.Local == "" {
			return errors.New("gadget: no local library path")
		}
		if fi, err := os.Stat(req.Local); err != nil || fi.IsDir() {
			return fmt.Errorf("gadget: local library %s: not a readable file", req.Local)
		}
		if err := copy.Copy(req.Local, dst); err != nil {
			return fmt.Errorf("gadget: copy local library: %w", err)
		}
		return nil
	case SourceBundled:
		if p.Bundled == nil {
			return errors.New("gadget: no bundled assets available")
		}
		name := req.Asset
		if name == "" {
			name = DefaultBundledAsset
		}
		r, err := p.Bundled.Open(name)
		if err != nil {
			return fmt.Errorf("gadget: bundled asset: %w", err)
		}
		defer r.Close()
		return writeStream(dst, r)
	default:
		if p.Fetcher == nil {
			return errors.New("gadget: no fetcher configured")
		}
		version := req.Version
		if version == "" {
			version = DefaultVersion
		}
		rc, err := p.Fetcher.Fetch(ctx, abi, version)
		if err != nil {
			return err
		}
		defer rc.Close()
		return writeStream(dst, rc)
	}
}

func writeStream(dst string, r io.Reader) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("gadget: create %s: %w", dst, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("gadget: write %s: %w", dst, err)
	}
	if n == 0 {
		return fmt.Errorf("gadget: %s: empty library", dst)
	}
	return nil
}

func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("gadget: digest: %w", err)
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("gadget: digest: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
