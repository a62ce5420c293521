// Package fsutil provides collision-safe file and directory creation for
// download outputs. All creation goes through O_EXCL so concurrent writers
// can never clobber each other; "already exists" is a dedup signal, not an
// error.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxDedup bounds the numeric suffix appended to deduplicated names.
const MaxDedup = 65535

// ErrTooManyDuplicates is returned when every candidate name up to MaxDedup
// already exists.
var ErrTooManyDuplicates = errors.New("fsutil: too many duplicate names")

var sanitizeReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", "?", "_", "%", "_", "*", "_",
	":", "_", "|", "_", "\"", "_", "<", "_", ">", "_",
)

// Sanitize replaces characters that are unsafe in file names with
// underscores.
func Sanitize(value string) string {
	sanitized := sanitizeReplacer.Replace(value)
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, sanitized)
}

// CreateNewFile creates the file at path, failing if it already exists.
// Returns (nil, nil) when the path is taken, so callers can dedup.
func CreateNewFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// CreateDedupFile creates a new file at path, appending "-1", "-2", … to the
// stem until an unused name is found. Returns the path actually created.
func CreateDedupFile(path string) (string, *os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", nil, err
		}
	}

	if f, err := CreateNewFile(path); err != nil {
		return "", nil, err
	} else if f != nil {
		return path, f, nil
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i <= MaxDedup; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if f, err := CreateNewFile(candidate); err != nil {
			return "", nil, err
		} else if f != nil {
			return candidate, f, nil
		}
	}
	return "", nil, ErrTooManyDuplicates
}

// CreateNewDir creates the directory at path, reporting false if it already
// exists. Parent directories are created as needed.
func CreateNewDir(path string) (bool, error) {
	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return false, err
		}
	}

	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateDedupDir creates a new directory at path, appending "-1", "-2", …
// until an unused name is found. Returns the path actually created.
func CreateDedupDir(path string) (string, error) {
	if ok, err := CreateNewDir(path); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	for i := 1; i <= MaxDedup; i++ {
		candidate := fmt.Sprintf("%s-%d", path, i)
		if ok, err := CreateNewDir(candidate); err != nil {
			return "", err
		} else if ok {
			return candidate, nil
		}
	}
	return "", ErrTooManyDuplicates
}

// RenameDedup moves src to dst, deduplicating dst with numeric suffixes when
// it already exists. Returns the destination path actually used.
func RenameDedup(src, dst string) (string, error) {
	if parent := filepath.Dir(dst); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return "", err
		}
	}

	candidate := dst
	for i := 0; i <= MaxDedup; i++ {
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", dst, i)
		}
		if _, err := os.Lstat(candidate); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if err := os.Rename(src, candidate); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", ErrTooManyDuplicates
}
