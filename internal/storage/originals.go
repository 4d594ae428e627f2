package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtension is used when the uploaded filename carries none.
const DefaultExtension = ".jpg"

// Originals keeps uploaded files on local disk, where workers read them from.
type Originals struct {
	dir string
}

func NewOriginals(dir string) *Originals {
	return &Originals{dir: dir}
}

// Extension returns the lower-cased extension of filename, or DefaultExtension.
func Extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || ext == "." {
		return DefaultExtension
	}
	return ext
}

// Save writes r to <dir>/<photoID><ext> and returns the path.
func (o *Originals) Save(photoID, filename string, r io.Reader) (string, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(o.dir, photoID+Extension(filename))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create original: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write original: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close original: %w", err)
	}
	return path, nil
}
