package files

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FileInfo holds information about a file to be sent.
type FileInfo struct {
	// Path is the absolute path to the file.
	Path string

	// Name is the filename (without directory).
	Name string

	// Size is the file size in bytes.
	Size int64

	// Type is the MIME type of the file (e.g., "application/pdf").
	Type string
}

// Validate checks that the file exists, is a regular file, and is
// readable, and resolves its MIME type.
func Validate(path string) (*FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %w", path, err)
	}

	stat, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	if stat.IsDir() {
		return nil, fmt.Errorf("directories are not supported: %s", path)
	}
	if !stat.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("file is not readable: %s", path)
	}
	f.Close()

	return &FileInfo{
		Path: abs,
		Name: stat.Name(),
		Size: stat.Size(),
		Type: detectMimeType(abs),
	}, nil
}

// detectMimeType resolves the MIME type from the extension first and
// falls back to content sniffing. Returns application/octet-stream
// when neither works.
func detectMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		// Strip optional parameters like "; charset=utf-8".
		if i := strings.Index(t, ";"); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}

	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}

	return "application/octet-stream"
}
