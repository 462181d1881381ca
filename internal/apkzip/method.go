package apkzip

import (
	"bytes"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Entry names that must be stored uncompressed. resources.arsc is
// mmap'd by the framework and must stay STORED for targetSdk >= 30.
var storedNames = map[string]bool{
	"resources.arsc": true,
}

// Extensions of content that is already compressed. The first three
// are the historical floor; the rest extend it.
var storedExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".ogg":  true,
	".mp3":  true,
	".mp4":  true,
	".zip":  true,
	".jar":  true,
	".apk":  true,
}

var storedMagic = [][]byte{
	{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	{0xff, 0xd8, 0xff},
	[]byte("GIF87a"),
	[]byte("GIF89a"),
}

// MagicLen is how many leading bytes MethodFor inspects.
const MagicLen = 8

// MethodFor chooses the compression method for an entry. name is the
// slash-separated archive path; head holds up to MagicLen leading bytes
// of the content and may be nil.
func MethodFor(name string, head []byte) uint16 {
	if IsProtected(name) {
		return zip.Store
	}
	for _, m := range storedMagic {
		if bytes.HasPrefix(head, m) {
			return zip.Store
		}
	}
	return zip.Deflate
}

// IsProtected reports whether name belongs to the fixed name/extension
// set that is always STORED.
func IsProtected(name string) bool {
	if storedNames[name] {
		return true
	}
	return storedExts[strings.ToLower(path.Ext(name))]
}
