package apkzip

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// crcChunk is the read size used when checksumming STORED entries.
const crcChunk = 8 << 10

// BuildOptions tunes archive writing.
type BuildOptions struct {
	// Level is the DEFLATE level; 0 means flate.DefaultCompression.
	Level int
}

// Entry describes one entry written by Build.
type Entry struct {
	Name   string `json:"name"`
	Method uint16 `json:"method"`
	CRC32  uint32 `json:"crc32,omitempty"`
	Size   int64  `json:"size"`
}

// Build packs every regular file under srcDir into a new archive at
// dstPath, in lexical walk order. Empty directories become directory
// entries. The archive is written to a temporary
// sibling and renamed into place only when every entry succeeded.
func Build(ctx context.Context, srcDir, dstPath string, opts BuildOptions, progress ProgressFunc) ([]Entry, error) {
	files, err := collectFiles(srcDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, fmt.Errorf("apkzip: mkdir for %s: %w", dstPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".apkzip-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("apkzip: create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	level := opts.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	entries := make([]Entry, 0, len(files))
	total := len(files)
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Entry
		var err error
		if strings.HasSuffix(rel, "/") {
			e, err = writeDir(zw, rel)
		} else {
			e, err = writeFile(zw, filepath.Join(srcDir, filepath.FromSlash(rel)), rel)
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if n := i + 1; n%progressEvery == 0 {
			report(progress, fmt.Sprintf("Repacking... %d / %d", n, total), float64(n)/float64(total))
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("apkzip: finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("apkzip: close archive: %w", err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		return nil, fmt.Errorf("apkzip: rename archive: %w", err)
	}
	ok = true
	report(progress, "Repacking complete", 1)
	return entries, nil
}

// collectFiles returns slash-separated paths of regular files under root,
// plus empty directories with a trailing slash.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			children, err := os.ReadDir(p)
			if err != nil {
				return err
			}
			if len(children) == 0 {
				rel, err := filepath.Rel(root, p)
				if err != nil {
					return err
				}
				files = append(files, filepath.ToSlash(rel)+"/")
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apkzip: walk %s: %w", root, err)
	}
	return files, nil
}

func writeDir(zw *zip.Writer, name string) (Entry, error) {
	fh := &zip.FileHeader{Name: name, Method: zip.Store}
	fh.SetMode(fs.ModeDir | 0o755)
	if _, err := zw.CreateHeader(fh); err != nil {
		return Entry{}, fmt.Errorf("apkzip: header %s: %w", name, err)
	}
	return Entry{Name: name, Method: zip.Store}, nil
}

func writeFile(zw *zip.Writer, path, name string) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("apkzip: open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, fmt.Errorf("apkzip: stat %s: %w", name, err)
	}

	head := make([]byte, MagicLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Entry{}, fmt.Errorf("apkzip: read %s: %w", name, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Entry{}, fmt.Errorf("apkzip: rewind %s: %w", name, err)
	}

	fh := &zip.FileHeader{
		Name:     name,
		Method:   MethodFor(name, head[:n]),
		Modified: info.ModTime(),
	}
	fh.SetMode(0o644)
	entry := Entry{Name: name, Method: fh.Method, Size: info.Size()}

	if fh.Method == zip.Store {
		// STORED entries carry size and CRC in the local header, so both
		// are known before any data is written.
		sum, err := ChecksumFile(f)
		if err != nil {
			return Entry{}, fmt.Errorf("apkzip: checksum %s: %w", name, err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return Entry{}, fmt.Errorf("apkzip: rewind %s: %w", name, err)
		}
		fh.CRC32 = sum
		fh.UncompressedSize64 = uint64(info.Size())
		fh.CompressedSize64 = uint64(info.Size())
		entry.CRC32 = sum

		w, err := zw.CreateRaw(fh)
		if err != nil {
			return Entry{}, fmt.Errorf("apkzip: header %s: %w", name, err)
		}
		if _, err := io.Copy(w, f); err != nil {
			return Entry{}, fmt.Errorf("apkzip: write %s: %w", name, err)
		}
		return entry, nil
	}

	w, err := zw.CreateHeader(fh)
	if err != nil {
		return Entry{}, fmt.Errorf("apkzip: header %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return Entry{}, fmt.Errorf("apkzip: write %s: %w", name, err)
	}
	return entry, nil
}

// ChecksumFile computes the IEEE CRC32 of r, reading fixed-size chunks.
func ChecksumFile(r io.Reader) (uint32, error) {
	var sum uint32
	buf := make([]byte, crcChunk)
	for {
		n, err := r.Read(buf)
		sum = crc32.Update(sum, crc32.IEEETable, buf[:n])
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return 0, err
		}
	}
}
