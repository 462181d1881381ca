// Package manifest resolves injection candidates from an APK's binary
// AndroidManifest.xml.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shogo82148/androidbinary/apk"
)

var (
	ErrUnreadable = errors.New("manifest: cannot read package manifest")
	ErrNoClasses  = errors.New("manifest: neither application class nor main activity declared")
)

// Classes holds the fully qualified class names eligible for injection.
// Either name may be empty.
type Classes struct {
	Package      string `json:"package"`
	Application  string `json:"application,omitempty"`
	MainActivity string `json:"main_activity,omitempty"`
}

// Candidates returns the non-empty class names in injection priority
// order: application class first, then main activity.
func (c Classes) Candidates() []string {
	var out []string
	for _, n := range []string{c.Application, c.MainActivity} {
		if n != "" && !contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// Resolver reads the injection candidates of a package archive.
type Resolver interface {
	Resolve(ctx context.Context, apkPath string) (Classes, error)
}

// APKResolver parses the binary manifest with androidbinary.
type APKResolver struct{}

// Resolve opens apkPath and returns its application and launcher classes.
func (APKResolver) Resolve(ctx context.Context, apkPath string) (Classes, error) {
	if err := ctx.Err(); err != nil {
		return Classes{}, err
	}
	pkg, err := apk.OpenFile(apkPath)
	if err != nil {
		return Classes{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer pkg.Close()

	m := pkg.Manifest()
	c := Classes{Package: m.Package.MustString()}
	c.Application = Qualify(c.Package, m.App.Name.MustString())
	if act, err := pkg.MainActivity(); err == nil {
		c.MainActivity = Qualify(c.Package, act)
	}
	if c.Application == "" && c.MainActivity == "" {
		return c, ErrNoClasses
	}
	return c, nil
}

// Qualify expands manifest shorthand: ".Main" becomes "<pkg>.Main" and a
// bare "Main" becomes "<pkg>.Main".
func Qualify(pkg, name string) string {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return ""
	case strings.HasPrefix(name, "."):
		return pkg + name
	case !strings.Contains(name, ".") && pkg != "":
		return pkg + "." + name
	}
	return name
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Static is a Resolver returning fixed classes. Used when the caller
// already knows the targets.
type Static Classes

func (s Static) Resolve(ctx context.Context, _ string) (Classes, error) {
	if err := ctx.Err(); err != nil {
		return Classes{}, err
	}
	c := Classes(s)
	if c.Application == "" && c.MainActivity == "" {
		return c, ErrNoClasses
	}
	return c, nil
}
