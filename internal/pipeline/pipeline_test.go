package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/otiai10/copy"

	"gadgeter/internal/dex/dextest"
	"gadgeter/internal/gadget"
	"gadgeter/internal/manifest"
)

const appSmali = `.class public Lcom/example/App;
.super Landroid/app/Application;

.method static constructor <clinit>()V
    .locals 1
    const/4 v0, 0x0
    return-void
.end method
`

type copySigner struct {
	calls int
	err   error
}

func (s *copySigner) Sign(_ context.Context, unsigned, out string) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	return copy.Copy(unsigned, out)
}

func writeAPK(t *testing.T, files map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.apk")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(files[n]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func defaultAPK(t *testing.T) string {
	return writeAPK(t, map[string][]byte{
		"AndroidManifest.xml":    []byte("binary-manifest"),
		"classes.dex":            dextest.Pack(map[string]string{"com/example/App.smali": appSmali}),
		"resources.arsc":         []byte("\x02\x00\x0c\x00table"),
		"res/drawable/icon.png":  []byte("png"),
		"META-INF/MANIFEST.MF":   []byte("Manifest-Version: 1.0\n"),
		"META-INF/CERT.RSA":      []byte("sig"),
		"META-INF/services/x.Y":  []byte("impl"),
		"lib/x86/libexisting.so": []byte("native"),
	})
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		out[f.Name] = string(data)
	}
	return out
}

func localLibrary(t *testing.T, n int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gadget.so")
	if err := os.WriteFile(p, []byte(strings.Repeat("G", n)), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunLocalLibrary(t *testing.T) {
	in := defaultAPK(t)
	work := t.TempDir()
	out := filepath.Join(t.TempDir(), "out", "patched.apk")
	reports := t.TempDir()
	graphs := t.TempDir()
	cfg := Config{
		Input:  in,
		Output: out,
		Library: gadget.Request{
			Source:      gadget.SourceLocal,
			Local:       localLibrary(t, 1234),
			LibraryName: "libfrida-gadget.so",
			Config:      []byte(`{"interaction":{"type":"listen"}}`),
			ABIs:        []gadget.ABI{gadget.ARM64},
		},
		WorkDir:   work,
		ReportDir: reports,
		GraphDir:  graphs,
	}
	conv := &dextest.Converter{}
	signer := &copySigner{}
	var fractions []float64
	res, err := Run(context.Background(), cfg, Deps{
		Resolver:  manifest.Static{Package: "com.example", Application: "com.example.App", MainActivity: "com.example.Main"},
		Converter: conv,
		Signer:    signer,
	}, func(_ string, f float64) { fractions = append(fractions, f) })
	if err != nil {
		t.Fatal(err)
	}

	files := readZip(t, out)
	if got := files["lib/arm64-v8a/libfrida-gadget.so"]; len(got) != 1234 {
		t.Errorf("library size = %d, want 1234", len(got))
	}
	if files["lib/arm64-v8a/libfrida-gadget.config.so"] != string(cfg.Library.Config) {
		t.Error("config not placed")
	}
	if _, ok := files["lib/x86/libfrida-gadget.so"]; ok {
		t.Error("library placed outside the manual ABI selection")
	}
	units, err := dextest.Unpack([]byte(files["classes.dex"]))
	if err != nil {
		t.Fatal(err)
	}
	smali := units["com/example/App.smali"]
	if !strings.Contains(smali, `const-string v1, "frida-gadget"`) ||
		!strings.Contains(smali, "Ljava/lang/System;->loadLibrary(Ljava/lang/String;)V") {
		t.Errorf("dex not patched:\n%s", smali)
	}
	for _, gone := range []string{"META-INF/MANIFEST.MF", "META-INF/CERT.RSA"} {
		if _, ok := files[gone]; ok {
			t.Errorf("%s carried over", gone)
		}
	}
	if _, ok := files["META-INF/services/x.Y"]; !ok {
		t.Error("non-signature META-INF entry dropped")
	}

	if res.Output != out || len(res.BLAKE3) != 64 || res.Stored < 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Injection.Unit != "classes.dex" || res.Injection.Class != "com.example.App" {
		t.Errorf("injection = %+v", res.Injection)
	}
	if signer.calls != 1 {
		t.Errorf("signer called %d times", signer.calls)
	}
	if left, _ := os.ReadDir(work); len(left) != 0 {
		t.Errorf("staging not removed: %v", left)
	}
	if _, err := os.Stat(filepath.Join(reports, "report.json")); err != nil {
		t.Errorf("report: %v", err)
	}
	if len(res.Graphs) != 2 {
		t.Errorf("graphs = %v", res.Graphs)
	}

	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("fractions = %v", fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("progress not monotonic: %v", fractions)
		}
	}
}

func TestRunManifestFailure(t *testing.T) {
	in := defaultAPK(t)
	before, err := os.ReadFile(in)
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "patched.apk")
	conv := &dextest.Converter{}
	res, err := Run(context.Background(), Config{
		Input: in, Output: out, WorkDir: t.TempDir(),
		Library: gadget.Request{Source: gadget.SourceLocal, Local: localLibrary(t, 8), LibraryName: "libg.so"},
	}, Deps{Resolver: manifest.Static{}, Converter: conv, Signer: &copySigner{}}, nil)
	if !errors.Is(err, ErrManifestResolution) {
		t.Fatalf("err = %v, want ErrManifestResolution", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageResolve {
		t.Fatalf("stage error = %+v", se)
	}
	if len(conv.Disassembled) != 0 {
		t.Error("bytecode touched after manifest failure")
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("output written")
	}
	after, _ := os.ReadFile(in)
	if string(before) != string(after) {
		t.Error("input modified")
	}
	if res.Staging == "" {
		t.Fatal("staging path not reported")
	}
	if _, err := os.Stat(res.Staging); err != nil {
		t.Errorf("staging not kept on failure: %v", err)
	}
}

func TestRunAllRemoteFetchesFail(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "patched.apk")
	work := t.TempDir()
	_, err := Run(context.Background(), Config{
		Input: defaultAPK(t), Output: out, WorkDir: work, ForceCleanup: true,
		Library: gadget.Request{Source: gadget.SourceRemote, Version: "16.2.1", LibraryName: "libg.so"},
	}, Deps{
		Resolver:  manifest.Static{Application: "com.example.App"},
		Converter: &dextest.Converter{},
		Signer:    &copySigner{},
		Fetcher:   &gadget.HTTPFetcher{Client: srv.Client(), BaseURL: srv.URL},
	}, nil)
	if !errors.Is(err, ErrLibraryPlacement) {
		t.Fatalf("err = %v, want ErrLibraryPlacement", err)
	}
	if !errors.Is(err, gadget.ErrNoLibrary) {
		t.Errorf("cause lost: %v", err)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("output written")
	}
	if left, _ := os.ReadDir(work); len(left) != 0 {
		t.Errorf("ForceCleanup left %v", left)
	}
}

func TestRunNoTarget(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Input: defaultAPK(t), Output: filepath.Join(t.TempDir(), "o.apk"), WorkDir: t.TempDir(),
		Library: gadget.Request{Source: gadget.SourceLocal, Local: localLibrary(t, 8), LibraryName: "libg.so"},
	}, Deps{
		Resolver:  manifest.Static{MainActivity: "com.example.Missing"},
		Converter: &dextest.Converter{},
		Signer:    &copySigner{},
	}, nil)
	if !errors.Is(err, ErrInjection) {
		t.Fatalf("err = %v, want ErrInjection", err)
	}
}

func TestRunSigningFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "o.apk")
	_, err := Run(context.Background(), Config{
		Input: defaultAPK(t), Output: out, WorkDir: t.TempDir(),
		Library: gadget.Request{Source: gadget.SourceLocal, Local: localLibrary(t, 8), LibraryName: "libg.so"},
	}, Deps{
		Resolver:  manifest.Static{Application: "com.example.App"},
		Converter: &dextest.Converter{},
		Signer:    &copySigner{err: errors.New("no key")},
	}, nil)
	if !errors.Is(err, ErrSigning) {
		t.Fatalf("err = %v, want ErrSigning", err)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("output written despite signing failure")
	}
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Config{
		Input: defaultAPK(t), Output: filepath.Join(t.TempDir(), "o.apk"), WorkDir: t.TempDir(), ForceCleanup: true,
		Library: gadget.Request{LibraryName: "libg.so"},
	}, Deps{Resolver: manifest.Static{Application: "a.B"}, Converter: &dextest.Converter{}, Signer: &copySigner{}}, nil)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	var se *StageError
	if errors.As(err, &se) && se.Stage != StageExtract {
		t.Errorf("stage = %s", se.Stage)
	}
}

// cancelingResolver cancels the run while its own stage is in flight.
type cancelingResolver struct {
	cancel   context.CancelFunc
	stageErr error
}

func (r *cancelingResolver) Resolve(ctx context.Context, _ string) (manifest.Classes, error) {
	r.cancel()
	r.stageErr = ctx.Err()
	return manifest.Classes{Application: "com.example.App"}, nil
}

func TestRunCanceledMidStageFinishesStage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := &cancelingResolver{cancel: cancel}
	conv := &dextest.Converter{}
	out := filepath.Join(t.TempDir(), "o.apk")
	r, err := Run(ctx, Config{
		Input: defaultAPK(t), Output: out, WorkDir: t.TempDir(), ForceCleanup: true,
		Library: gadget.Request{Source: gadget.SourceLocal, Local: localLibrary(t, 8), LibraryName: "libg.so"},
	}, Deps{Resolver: res, Converter: conv, Signer: &copySigner{}}, nil)

	if res.stageErr != nil {
		t.Errorf("stage context canceled mid-stage: %v", res.stageErr)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageInject || !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want cancellation before inject", err)
	}
	if r == nil || r.Classes.Application != "com.example.App" {
		t.Errorf("resolve stage did not complete: %+v", r)
	}
	if len(conv.Disassembled) != 0 {
		t.Errorf("inject ran after cancellation: %v", conv.Disassembled)
	}
	if _, err := os.Stat(out); err == nil {
		t.Error("output written after cancellation")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	work := t.TempDir()
	_, err := Run(context.Background(), Config{Output: "o.apk", WorkDir: work}, Deps{}, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var se *StageError
	if errors.As(err, &se) {
		t.Errorf("validation error wrapped as stage error: %v", err)
	}
	if entries, _ := os.ReadDir(work); len(entries) != 0 {
		t.Errorf("staging created for an invalid config: %v", entries)
	}
}

func TestValidate(t *testing.T) {
	cases := []Config{
		{Output: "o.apk", Library: gadget.Request{LibraryName: "libg.so"}},
		{Input: "i.apk", Library: gadget.Request{LibraryName: "libg.so"}},
		{Input: "a.apk", Output: "./a.apk", Library: gadget.Request{LibraryName: "libg.so"}},
		{Input: "i.apk", Output: "o.apk"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestStripSignatures(t *testing.T) {
	root := t.TempDir()
	meta := filepath.Join(root, "META-INF")
	if err := os.MkdirAll(filepath.Join(meta, "services"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"MANIFEST.MF", "CERT.SF", "CERT.rsa", "KEY.EC", "LICENSE"} {
		if err := os.WriteFile(filepath.Join(meta, n), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := stripSignatures(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 4 {
		t.Errorf("removed %v", removed)
	}
	if _, err := os.Stat(filepath.Join(meta, "LICENSE")); err != nil {
		t.Error("unrelated file removed")
	}
	if _, err := stripSignatures(t.TempDir()); err != nil {
		t.Errorf("missing META-INF: %v", err)
	}
}

func TestTrackerClamps(t *testing.T) {
	var got []float64
	tr := &tracker{fn: func(_ string, f float64) { got = append(got, f) }}
	tr.report("a", 0.5)
	tr.report("b", 0.3)
	tr.span(0.6, 0.8)("c", 0.5)
	tr.report("d", 2)
	want := []float64{0.5, 0.5, 0.7, 1}
	for i := range want {
		if got[i] < want[i]-1e-9 || got[i] > want[i]+1e-9 {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
