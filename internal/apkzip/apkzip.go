// Package apkzip unpacks APK archives to a directory tree and packs a tree
// back into an APK, choosing STORED or DEFLATE per entry.
package apkzip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	ErrUnreadableEntry = errors.New("apkzip: unreadable entry")
	ErrUnsafePath      = errors.New("apkzip: entry path escapes destination")
	ErrEmptySource     = errors.New("apkzip: no files under source directory")
)

// ProgressFunc receives a human-readable message and a completion
// fraction in [0,1]. It is called at bounded frequency, not per entry.
type ProgressFunc func(msg string, fraction float64)

// progressEvery is the entry interval between progress reports.
const progressEvery = 100

func report(p ProgressFunc, msg string, fraction float64) {
	if p != nil {
		p(msg, fraction)
	}
}

// Extract unpacks every entry of the archive at path into destDir,
// preserving relative paths. Entry data is streamed; the archive is
// opened read-only.
func Extract(ctx context.Context, path, destDir string, progress ProgressFunc) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("apkzip: open %s: %w", path, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("apkzip: mkdir %s: %w", destDir, err)
	}

	total := len(zr.File)
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := extractEntry(f, destDir); err != nil {
			return i, err
		}
		if n := i + 1; n%progressEvery == 0 {
			report(progress, fmt.Sprintf("Unpacking... %d / %d", n, total), float64(n)/float64(total))
		}
	}
	report(progress, "Unpacking complete", 1)
	return total, nil
}

func extractEntry(f *zip.File, destDir string) error {
	target, err := safeJoin(destDir, f.Name)
	if err != nil {
		return err
	}
	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("apkzip: mkdir for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreadableEntry, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("apkzip: create %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("%w: %s: %v", ErrUnreadableEntry, f.Name, err)
	}
	return out.Close()
}

// safeJoin resolves an entry name under root and rejects names that
// would land outside it.
func safeJoin(root, name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimLeft(name, "/"))
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
