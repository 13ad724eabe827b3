package media

import (
	"fmt"
	"os"
	"path/filepath"

	"gigchat/internal/security"
)

// ReadFile loads a local file for attaching, refusing files over maxBytes.
func ReadFile(path string, maxBytes int64) (File, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return File{}, fmt.Errorf("invalid attachment path: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return File{}, fmt.Errorf("file too large: %d > %d bytes", info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return File{}, fmt.Errorf("failed to read file: %w", err)
	}

	name := filepath.Base(path)
	return File{
		Name:     name,
		MimeType: DetectMimeType(name, "", data),
		Data:     data,
	}, nil
}
