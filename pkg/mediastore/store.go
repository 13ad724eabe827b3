// Package mediastore keeps uploaded attachments on the relay's disk under
// content-addressed names.
package mediastore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gigchat/internal/constants"
	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/internal/security"
)

// URLPrefix is the path attachments are served under.
const URLPrefix = "/media/"

type Store struct {
	dir      string
	maxBytes int64
}

// New creates dir if needed. maxBytes of zero disables the size check.
func New(dir string, maxBytes int64) (*Store, error) {
	if err := security.ValidateFilePath(dir); err != nil {
		return nil, fmt.Errorf("invalid media directory: %w", err)
	}
	if err := os.MkdirAll(dir, constants.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Save writes f and returns the attachment the relay hands out for it.
// Identical content maps to one file.
func (s *Store) Save(f media.File) (models.Attachment, error) {
	if s.maxBytes > 0 && f.Size() > s.maxBytes {
		return models.Attachment{}, fmt.Errorf("file %q too large: %d > %d bytes", f.Name, f.Size(), s.maxBytes)
	}

	sum := sha256.Sum256(f.Data)
	mimeType := media.DetectMimeType(f.Name, f.MimeType, f.Data)
	name := hex.EncodeToString(sum[:]) + extensionFor(f.Name, mimeType)
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeAtomic(s.dir, path, f.Data); err != nil {
			return models.Attachment{}, err
		}
	} else if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to stat stored file: %w", err)
	}

	att := f.Attachment(URLPrefix+name, false)
	att.MimeType = mimeType
	return att, nil
}

// Path resolves a stored name to its file, refusing anything that is not
// a bare name inside the store.
func (s *Store) Path(name string) (string, error) {
	if err := security.ValidateFileName(name); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, name)
	if err := security.ValidateFilePathWithBase(path, s.dir); err != nil {
		return "", err
	}
	return path, nil
}

// Cleanup removes stored files older than maxAge and returns how many
// were removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read media directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(constants.DefaultFilePermissions); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to store file: %w", err)
	}
	return nil
}

// extensionFor keeps a known extension from the original name, otherwise
// derives one from the MIME type.
func extensionFor(name, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if _, known := constants.MimeByExtension(ext); known {
		return ext
	}
	if canonical := constants.ExtensionForMime(mimeType); canonical != "" {
		return canonical
	}
	return ".bin"
}
