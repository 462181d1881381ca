package target

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gadgeter/internal/dex/dextest"
)

const appSmali = `.class public Lcom/example/App;
.super Landroid/app/Application;

.method static constructor <clinit>()V
    .locals 1
    const/4 v0, 0x0
    return-void
.end method
`

const mainSmali = `.class public Lcom/example/Main;
.super Landroid/app/Activity;
`

const otherSmali = `.class public Lcom/example/Util;
.super Ljava/lang/Object;
`

type fixture struct {
	root, unpacked string
	sel            *Selector
	conv           *dextest.Converter
}

func newFixture(t *testing.T, units map[string]map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{root: root, unpacked: filepath.Join(root, "unpacked"), conv: &dextest.Converter{}}
	if err := os.MkdirAll(f.unpacked, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, files := range units {
		if err := os.WriteFile(filepath.Join(f.unpacked, name), dextest.Pack(files), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	f.sel = &Selector{
		Converter:  f.conv,
		StagingDir: filepath.Join(root, "smali"),
		BuildDir:   filepath.Join(root, "build"),
	}
	return f
}

func (f *fixture) unit(t *testing.T, name string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.unpacked, name))
	if err != nil {
		t.Fatal(err)
	}
	files, err := dextest.Unpack(data)
	if err != nil {
		t.Fatal(err)
	}
	return files
}

func TestInjectApplicationClassFirst(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex": {"com/example/App.smali": appSmali, "com/example/Main.smali": mainSmali},
	})
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App", "com.example.Main"}, "frida-gadget", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Unit != "classes.dex" || out.Class != "com.example.App" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Patch.Register != 1 {
		t.Errorf("register = %d, want 1", out.Patch.Register)
	}
	got := f.unit(t, "classes.dex")
	if !strings.Contains(got["com/example/App.smali"], `const-string v1, "frida-gadget"`) {
		t.Errorf("unit not rewritten:\n%s", got["com/example/App.smali"])
	}
	if got["com/example/Main.smali"] != mainSmali {
		t.Error("activity class touched")
	}
}

func TestInjectFallsBackToActivity(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex": {"com/example/Main.smali": mainSmali},
	})
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App", "com.example.Main"}, "g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Class != "com.example.Main" || !out.Patch.Appended {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok := out.Parsed.StaticInitializer(); !ok {
		t.Error("parsed class has no initializer")
	}
}

func TestInjectStopsAtFirstUnit(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex":   {"com/example/Util.smali": otherSmali},
		"classes2.dex":  {"com/example/App.smali": appSmali},
		"classes10.dex": {"com/example/App.smali": appSmali},
	})
	before, err := os.ReadFile(filepath.Join(f.unpacked, "classes10.dex"))
	if err != nil {
		t.Fatal(err)
	}
	var fractions []float64
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App"}, "g", func(_ string, fr float64) {
		fractions = append(fractions, fr)
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Unit != "classes2.dex" {
		t.Fatalf("unit = %s, want classes2.dex", out.Unit)
	}
	if want := []string{"classes.dex", "classes2.dex"}; strings.Join(f.conv.Disassembled, ",") != strings.Join(want, ",") {
		t.Errorf("disassembled %v, want %v", f.conv.Disassembled, want)
	}
	if len(f.conv.Assembled) != 1 || f.conv.Assembled[0] != "classes2.dex" {
		t.Errorf("assembled %v", f.conv.Assembled)
	}
	after, _ := os.ReadFile(filepath.Join(f.unpacked, "classes10.dex"))
	if string(before) != string(after) {
		t.Error("later unit modified")
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Errorf("progress went backwards: %v", fractions)
		}
	}
}

func TestInjectStagingClearedBetweenUnits(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex":  {"com/example/Util.smali": otherSmali},
		"classes2.dex": {"com/example/App.smali": appSmali},
	})
	if _, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App"}, "g", nil); err != nil {
		t.Fatal(err)
	}
	got := f.unit(t, "classes2.dex")
	if _, ok := got["com/example/Util.smali"]; ok {
		t.Error("classes from a previous unit leaked into the rebuilt unit")
	}
}

func TestInjectNoTarget(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex": {"com/example/Util.smali": otherSmali},
	})
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App"}, "g", nil)
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v, want ErrNoTarget", err)
	}
	if len(f.conv.Assembled) != 0 {
		t.Error("unit reassembled without a successful patch")
	}
	if out.Unit != "" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestInjectSkipsUnitThatFailsToDisassemble(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex":  {"com/example/App.smali": appSmali},
		"classes2.dex": {"com/example/App.smali": appSmali},
	})
	f.conv.FailDisassemble = map[string]bool{"classes.dex": true}
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App"}, "g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Unit != "classes2.dex" {
		t.Errorf("unit = %s", out.Unit)
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Error == "" {
		t.Errorf("attempts = %+v", out.Attempts)
	}
}

func TestInjectMalformedCandidateFallsThrough(t *testing.T) {
	bad := strings.Replace(appSmali, ".locals 1", ".locals x", 1)
	f := newFixture(t, map[string]map[string]string{
		"classes.dex": {"com/example/App.smali": bad, "com/example/Main.smali": mainSmali},
	})
	out, err := f.sel.Inject(context.Background(), f.unpacked, []string{"com.example.App", "com.example.Main"}, "g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Class != "com.example.Main" {
		t.Errorf("class = %s", out.Class)
	}
}

func TestInjectCanceled(t *testing.T) {
	f := newFixture(t, map[string]map[string]string{
		"classes.dex": {"com/example/App.smali": appSmali},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.sel.Inject(ctx, f.unpacked, []string{"com.example.App"}, "g", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
