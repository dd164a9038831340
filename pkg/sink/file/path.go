package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

var (
	ErrNullByte     = errors.New("path contains a null byte")
	ErrTraversal    = errors.New("path escapes its base directory")
	ErrOutsideBase  = errors.New("path is outside the allowed base directories")
	ErrBadExtension = errors.New("path extension is not allowed")
	ErrBadCharacter = errors.New("path contains a forbidden character")
	ErrDevicePath   = errors.New("UNC and device paths are not allowed")
)

var allowedExtensions = map[string]bool{
	".log":  true,
	".txt":  true,
	".json": true,
}

// forbiddenChars would be interpreted by shells or the Windows filesystem.
const forbiddenChars = `<>:"|?*`

// ValidatePath rejects traversal, device paths, forbidden characters,
// disallowed extensions, and any target outside the base-directory
// allow-list. Validation is always on; there is no bypass option.
func ValidatePath(path string, allowedBases []string) error {
	if strings.ContainsRune(path, 0) {
		return ErrNullByte
	}
	if strings.HasPrefix(path, `\\`) || strings.HasPrefix(path, `//./`) {
		return ErrDevicePath
	}
	for _, c := range forbiddenChars {
		if c == ':' && runtime.GOOS == "windows" {
			// Drive letters are checked separately below.
			continue
		}
		if strings.ContainsRune(path, c) {
			return fmt.Errorf("%w: %q", ErrBadCharacter, c)
		}
	}

	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return ErrTraversal
	}

	if !allowedExtensions[strings.ToLower(filepath.Ext(clean))] {
		return fmt.Errorf("%w: %s", ErrBadExtension, filepath.Ext(clean))
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	for _, base := range allowedBases {
		baseAbs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		if abs == baseAbs || strings.HasPrefix(abs, baseAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrOutsideBase
}

// DefaultBaseDirs is the allow-list used when none is configured: the
// working directory, the system temp directory, and the system log dir.
func DefaultBaseDirs() []string {
	bases := []string{os.TempDir()}
	if wd, err := os.Getwd(); err == nil {
		bases = append(bases, wd)
	}
	if runtime.GOOS != "windows" {
		bases = append(bases, "/var/log")
	}
	return bases
}
