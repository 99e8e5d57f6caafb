package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File is a config file holding one key-valued setting of interest.
type File struct {
	Path    string
	KeyName string
}

// Key returns the current value of the setting.
func (f File) Key() (string, bool, error) {
	return Lookup(f.Path, f.KeyName)
}

// SetKey writes value for the setting, creating the file if needed.
func (f File) SetKey(value string) error {
	return Upsert(f.Path, []Entry{{Key: f.KeyName, Value: value}})
}

// Backup is a point-in-time copy of a config file.
type Backup struct {
	Path    string // copy location; empty when the source did not exist
	Source  string
	Existed bool
}

// Backup copies the file into dir as <name>.<stamp>.bak.
func (f File) Backup(dir, stamp string) (Backup, error) {
	b := Backup{Source: f.Path}
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("read %s: %w", f.Path, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return b, fmt.Errorf("create backup dir: %w", err)
	}
	b.Path = filepath.Join(dir, fmt.Sprintf("%s.%s.bak", filepath.Base(f.Path), stamp))
	if err := writeAtomic(b.Path, raw, 0o600); err != nil {
		return b, fmt.Errorf("write backup: %w", err)
	}
	b.Existed = true
	return b, nil
}

// Restore puts the source file back to its backed-up state. A file that did
// not exist at backup time is removed.
func (b Backup) Restore() error {
	if !b.Existed {
		if err := os.Remove(b.Source); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	return writeAtomic(b.Source, raw, 0o600)
}

// writeAtomic replaces path through a temp file in the same directory,
// keeping the mode of an existing file.
func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // clean up on failure

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
