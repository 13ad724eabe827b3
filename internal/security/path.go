// Package security guards file system paths taken from config and requests.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrEmptyPath   = errors.New("path cannot be empty")
	ErrTraversal   = errors.New("path contains directory traversal")
	ErrOutsideBase = errors.New("path escapes base directory")
	ErrBadFileName = errors.New("invalid file name")
)

// ValidateFilePath rejects any ".." segment, even one that Clean would
// resolve inside the tree.
func ValidateFilePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
		return fmt.Errorf("%w: %s", ErrTraversal, path)
	}
	return nil
}

// ValidateFilePathWithBase checks that path, resolved against baseDir when
// relative, stays at or below baseDir.
func ValidateFilePathWithBase(path, baseDir string) error {
	if path == "" {
		return ErrEmptyPath
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(baseDir, target)
	}
	rel, err := filepath.Rel(filepath.Clean(baseDir), filepath.Clean(target))
	if err != nil || (rel != "." && !filepath.IsLocal(rel)) {
		return fmt.Errorf("%w: %s", ErrOutsideBase, path)
	}
	return nil
}

// ValidateFileName accepts a bare name as used for stored attachments.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrEmptyPath
	}
	if name == "." || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	return nil
}
