package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestQualify(t *testing.T) {
	cases := []struct{ pkg, name, want string }{
		{"com.example", ".App", "com.example.App"},
		{"com.example", "App", "com.example.App"},
		{"com.example", "org.other.App", "org.other.App"},
		{"com.example", "", ""},
		{"", "App", "App"},
	}
	for _, c := range cases {
		if got := Qualify(c.pkg, c.name); got != c.want {
			t.Errorf("Qualify(%q, %q) = %q, want %q", c.pkg, c.name, got, c.want)
		}
	}
}

func TestCandidatesOrder(t *testing.T) {
	c := Classes{Application: "a.App", MainActivity: "a.Main"}
	got := c.Candidates()
	if len(got) != 2 || got[0] != "a.App" || got[1] != "a.Main" {
		t.Fatalf("candidates = %v", got)
	}
	c = Classes{MainActivity: "a.Main"}
	if got := c.Candidates(); len(got) != 1 || got[0] != "a.Main" {
		t.Fatalf("candidates = %v", got)
	}
	c = Classes{Application: "a.X", MainActivity: "a.X"}
	if got := c.Candidates(); len(got) != 1 {
		t.Fatalf("duplicate not collapsed: %v", got)
	}
}

func TestStaticResolver(t *testing.T) {
	if _, err := (Static{}).Resolve(context.Background(), ""); !errors.Is(err, ErrNoClasses) {
		t.Fatalf("err = %v, want ErrNoClasses", err)
	}
	c, err := Static{Application: "a.App"}.Resolve(context.Background(), "")
	if err != nil || c.Application != "a.App" {
		t.Fatalf("c=%+v err=%v", c, err)
	}
}

func TestAPKResolverRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.apk")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := APKResolver{}.Resolve(context.Background(), path)
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("err = %v, want ErrUnreadable", err)
	}
}
