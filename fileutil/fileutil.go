// Package fileutil holds the crash-safe file primitives shared by the
// checkpoint ledgers and the destination writer.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrEmptyWrite is returned by SafeWrite when the written file reads back empty.
var ErrEmptyWrite = errors.New("written file is empty")

// BackupSuffix is appended to a file name while it is being rewritten.
const BackupSuffix = ".bak"

// WriteAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path, so readers see either the old or
// the new content and never a partial file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// CopyFile copies src to dst, creating parent directories as needed.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// SafeWrite replaces the content of an existing file under a backup:
// the current file is copied aside, the new content is written
// atomically and read back, and the backup is removed only once the
// file is verified non-empty. On any failure the backup is restored.
func SafeWrite(path string, data []byte) error {
	backup := path + BackupSuffix
	if err := CopyFile(path, backup); err != nil {
		return fmt.Errorf("backing up %s: %w", path, err)
	}

	restore := func(cause error) error {
		if rerr := os.Rename(backup, path); rerr != nil {
			return fmt.Errorf("%w (restoring backup failed: %v)", cause, rerr)
		}
		return cause
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(backup); err == nil {
		perm = info.Mode().Perm()
	}
	if err := WriteAtomic(path, data, perm); err != nil {
		return restore(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return restore(fmt.Errorf("verifying %s: %w", path, err))
	}
	if info.Size() == 0 {
		return restore(fmt.Errorf("verifying %s: %w", path, ErrEmptyWrite))
	}

	if err := os.Remove(backup); err != nil {
		return fmt.Errorf("removing backup %s: %w", backup, err)
	}
	return nil
}

// DiscardStaleBackup removes a backup left behind by an interrupted
// SafeWrite. The destination itself is always whole because writes are
// atomic renames.
func DiscardStaleBackup(path string) error {
	err := os.Remove(path + BackupSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
