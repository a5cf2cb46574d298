package util

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_\-.]`)

// SanitizeName maps a display name onto a filesystem-safe directory name.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// AtomicWriteFile writes data to a sibling temp file and renames it over
// path. The target is never truncated in place.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// CopyFile copies src to dst preserving the source file mode unless perm
// is non-zero. The copy is staged through a sibling temp file and renamed
// into place; dst is never truncated and an existing dst survives a failed
// copy untouched. The destination directory must already exist.
func CopyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	if perm == 0 {
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		perm = info.Mode().Perm()
	}

	return AtomicWriteFile(dst, data, perm)
}
