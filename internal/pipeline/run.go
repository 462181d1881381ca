package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/otiai10/copy"
	"github.com/zeebo/blake3"

	"gadgeter/internal/apkzip"
	"gadgeter/internal/callgraph"
	"gadgeter/internal/dex"
	"gadgeter/internal/gadget"
	"gadgeter/internal/manifest"
	"gadgeter/internal/output"
	"gadgeter/internal/sign"
	"gadgeter/internal/smali"
	"gadgeter/internal/target"
)

// Staging directory roles.
const (
	dirUnpacked = "unpacked"
	dirSmali    = "smali"
	dirBuild    = "build"
)

// Validate checks the parts of cfg that must hold before any stage runs.
func (c Config) Validate() error {
	if c.Input == "" {
		return errors.New("pipeline: no input package")
	}
	if c.Output == "" {
		return errors.New("pipeline: no output path")
	}
	if abs(c.Input) == abs(c.Output) {
		return errors.New("pipeline: output would overwrite input")
	}
	if c.Library.LibraryName == "" {
		return errors.New("pipeline: no library name")
	}
	return nil
}

func abs(p string) string {
	a, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return a
}

type run struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	prog    *tracker
	staging string
	res     *Result
}

// Run executes every stage in order and stops at the first failure. The
// output package exists only if Run returns nil. Cancellation is checked
// before each stage; a stage that has started runs to completion.
// Config.Validate errors are returned as is, before any staging exists.
func Run(ctx context.Context, cfg Config, deps Deps, progress Progress) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	deps = withDefaults(deps)
	r := &run{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		prog: &tracker{fn: progress},
		res:  &Result{Input: cfg.Input, Started: time.Now()},
	}

	staging, err := os.MkdirTemp(cfg.WorkDir, "gadgeter-*")
	if err != nil {
		return nil, &StageError{Stage: StageExtract, Kind: ErrArchive, Err: err}
	}
	r.staging = staging
	r.log.Debug("staging", "dir", staging)

	err = r.stages(ctx)
	r.cleanup(err)
	if err != nil {
		return r.res, err
	}
	r.res.Elapsed = time.Since(r.res.Started)
	if cfg.ReportDir != "" {
		if err := output.WriteReport(cfg.ReportDir, r.res); err != nil {
			r.log.Warn("report not written", "err", err)
		}
	}
	r.prog.report("Done", 1)
	return r.res, nil
}

func withDefaults(d Deps) Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if d.Resolver == nil {
		d.Resolver = manifest.APKResolver{}
	}
	if d.Converter == nil {
		d.Converter = dex.Tools{Logger: d.Logger}
	}
	if d.Fetcher == nil {
		d.Fetcher = &gadget.HTTPFetcher{}
	}
	if d.Signer == nil {
		d.Signer = &sign.Apksigner{Logger: d.Logger}
	}
	return d
}

func (r *run) path(role string, elem ...string) string {
	return filepath.Join(append([]string{r.staging, role}, elem...)...)
}

func (r *run) stages(ctx context.Context) error {
	steps := []struct {
		stage Stage
		kind  error
		fn    func(context.Context) error
	}{
		{StageExtract, ErrArchive, r.extract},
		{StageResolve, ErrManifestResolution, r.resolve},
		{StageInject, ErrInjection, r.inject},
		{StagePlace, ErrLibraryPlacement, r.place},
		{StageRebuild, ErrArchive, r.rebuild},
		{StageSign, ErrSigning, r.sign},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: s.stage, Kind: ErrCanceled, Err: err}
		}
		start := time.Now()
		if err := s.fn(context.WithoutCancel(ctx)); err != nil {
			r.log.Error("stage failed", "stage", s.stage, "err", err)
			return &StageError{Stage: s.stage, Kind: s.kind, Err: err}
		}
		r.log.Debug("stage done", "stage", s.stage, "elapsed", time.Since(start))
	}
	return nil
}

func (r *run) extract(ctx context.Context) error {
	r.prog.report("Unpacking APK...", 0.1)
	n, err := apkzip.Extract(ctx, r.cfg.Input, r.path(dirUnpacked), r.prog.span(0.1, 0.2))
	if err != nil {
		return err
	}
	r.log.Info("extracted", "entries", n)
	return nil
}

func (r *run) resolve(ctx context.Context) error {
	r.prog.report("Reading manifest...", 0.2)
	classes, err := r.deps.Resolver.Resolve(ctx, r.cfg.Input)
	if err != nil {
		return err
	}
	if len(classes.Candidates()) == 0 {
		return manifest.ErrNoClasses
	}
	r.res.Classes = classes
	r.log.Info("targets", "application", classes.Application, "activity", classes.MainActivity)
	r.prog.report("Targets resolved", 0.3)
	return nil
}

func (r *run) inject(ctx context.Context) error {
	sel := &target.Selector{
		Converter:  r.deps.Converter,
		StagingDir: r.path(dirSmali),
		BuildDir:   r.path(dirBuild, "dex"),
		Logger:     r.log,
	}
	loadName := smali.LoadName(r.cfg.Library.LibraryName)
	out, err := sel.Inject(ctx, r.path(dirUnpacked), r.res.Classes.Candidates(), loadName, r.prog.span(0.3, 0.6))
	r.res.Injection = out
	if err != nil {
		return err
	}
	if r.cfg.GraphDir != "" {
		base := out.Class[strings.LastIndex(out.Class, ".")+1:]
		paths, err := callgraph.WriteDOT(r.cfg.GraphDir, base, out.Parsed)
		if err != nil {
			r.log.Warn("graph not written", "err", err)
		}
		r.res.Graphs = paths
	}
	r.prog.report("Injected into "+out.Unit, 0.6)
	return nil
}

func (r *run) place(ctx context.Context) error {
	p := &gadget.Placer{
		Fetcher:    r.deps.Fetcher,
		Bundled:    r.deps.Bundled,
		ProbeInsts: r.cfg.ProbeInsts,
		Logger:     r.log,
	}
	rep, err := p.Place(ctx, r.path(dirUnpacked), r.cfg.Library, r.prog.span(0.6, 0.8))
	r.res.Libraries = rep
	if err != nil {
		return err
	}
	if r.cfg.ReportDir != "" {
		for _, pl := range rep.Placements {
			if pl.Probe == nil || len(pl.Probe.Insts) == 0 {
				continue
			}
			name := string(pl.ABI) + "/" + r.cfg.Library.LibraryName
			if err := output.WriteASM(r.cfg.ReportDir, name, pl.Probe.Insts); err != nil {
				r.log.Warn("probe listing not written", "abi", pl.ABI, "err", err)
			}
		}
	}
	return nil
}

func (r *run) rebuild(ctx context.Context) error {
	r.prog.report("Repacking APK...", 0.8)
	removed, err := stripSignatures(r.path(dirUnpacked))
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		r.log.Info("removed old signature files", "count", len(removed))
	}
	entries, err := apkzip.Build(ctx, r.path(dirUnpacked), r.path(dirBuild, "unsigned.apk"),
		apkzip.BuildOptions{Level: r.cfg.CompressionLevel}, r.prog.span(0.8, 0.9))
	if err != nil {
		return err
	}
	r.res.Entries = len(entries)
	for _, e := range entries {
		if e.Method == zip.Store {
			r.res.Stored++
		}
	}
	return nil
}

func (r *run) sign(ctx context.Context) error {
	r.prog.report("Signing APK...", 0.9)
	signed := r.path(dirBuild, "signed.apk")
	if err := r.deps.Signer.Sign(ctx, r.path(dirBuild, "unsigned.apk"), signed); err != nil {
		return err
	}
	if err := publish(signed, r.cfg.Output); err != nil {
		return err
	}
	size, sum, err := digest(r.cfg.Output)
	if err != nil {
		os.Remove(r.cfg.Output)
		return err
	}
	r.res.Output, r.res.Size, r.res.BLAKE3 = r.cfg.Output, size, sum
	r.log.Info("signed", "output", r.cfg.Output, "size", size)
	return nil
}

// cleanup removes the staging directory on success, and on failure only
// when ForceCleanup is set.
func (r *run) cleanup(runErr error) {
	if runErr != nil && !r.cfg.ForceCleanup {
		r.res.Staging = r.staging
		r.log.Info("staging kept", "dir", r.staging)
		return
	}
	if err := os.RemoveAll(r.staging); err != nil {
		r.log.Warn("cleanup failed", "stage", StageCleanup, "dir", r.staging, "err", err)
	}
}

// publish moves src to dst, copying when they are on different devices.
func publish(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("pipeline: output dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	tmp := dst + ".partial"
	if err := copy.Copy(src, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pipeline: copy output: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pipeline: publish output: %w", err)
	}
	return nil
}

// signatureExts are the v1 signature artifacts under META-INF/ that a
// re-signed package must not carry over.
var signatureExts = []string{".SF", ".RSA", ".DSA", ".EC"}

func stripSignatures(root string) ([]string, error) {
	dir := filepath.Join(root, "META-INF")
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: read META-INF: %w", err)
	}
	var removed []string
	for _, e := range ents {
		if e.IsDir() || !isSignatureFile(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("pipeline: remove %s: %w", p, err)
		}
		removed = append(removed, "META-INF/"+e.Name())
	}
	return removed, nil
}

func isSignatureFile(name string) bool {
	if name == "MANIFEST.MF" {
		return true
	}
	ext := strings.ToUpper(filepath.Ext(name))
	for _, s := range signatureExts {
		if ext == s {
			return true
		}
	}
	return false
}

func digest(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("pipeline: digest: %w", err)
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("pipeline: digest: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
