package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const tmpPrefix = ".tmp-"

// DirMedium keeps one file per signal in a directory. Files are written to
// a temporary name, synced and hard-linked into place.
type DirMedium struct {
	dir string
}

// OpenDir creates dir if needed and removes temporaries left by a crash.
func OpenDir(dir string) (*DirMedium, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	stale, _ := filepath.Glob(filepath.Join(dir, tmpPrefix+"*"))
	for _, name := range stale {
		os.Remove(name)
	}
	return &DirMedium{dir: dir}, nil
}

// Dir is the backing directory.
func (d *DirMedium) Dir() string { return d.dir }

func (d *DirMedium) Write(_ context.Context, name string, data []byte) error {
	f, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Link(tmp, d.path(name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExist, name)
		}
		return err
	}
	return nil
}

func (d *DirMedium) Read(_ context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b, err
}

func (d *DirMedium) Remove(_ context.Context, name string) error {
	err := os.Remove(d.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

func (d *DirMedium) List(_ context.Context) ([]FileInfo, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size()})
	}
	return files, nil
}

func (d *DirMedium) path(name string) string {
	return filepath.Join(d.dir, filepath.Base(name))
}
