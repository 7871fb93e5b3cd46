// Package storage keeps uploaded print files on local disk.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNotInStore = errors.New("path is outside the storage directory")

type Store struct {
	dir string
}

// Saved describes a file written by Save.
type Saved struct {
	Path string
	Size int64
	Hash string
}

func New(dir string) (*Store, error) {
	if dir == "" {
		dir = "./data/storage"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve storage directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage directory")
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save streams r to a uniquely named file, hashing it on the way.
func (s *Store) Save(r io.Reader, originalName string) (*Saved, error) {
	target := filepath.Join(s.dir, UniqueName(originalName))

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create stored file")
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return nil, errors.Wrap(err, "write stored file")
	}

	return &Saved{
		Path: target,
		Size: size,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func (s *Store) Open(path string) (io.ReadCloser, error) {
	if !s.contains(path) {
		return nil, ErrNotInStore
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open stored file")
	}
	return f, nil
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Store) Remove(path string) error {
	if !s.contains(path) {
		return ErrNotInStore
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove stored file")
	}
	return nil
}

// Usage reports the number of stored files and their total size.
func (s *Store) Usage() (int, int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0, errors.Wrap(err, "read storage directory")
	}

	var count int
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		total += info.Size()
	}
	return count, total, nil
}

func (s *Store) contains(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// UniqueName turns "benchy.gcode" into "benchy-<uuid hex>.gcode".
func UniqueName(originalName string) string {
	base := filepath.Base(SafeName(originalName))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem = "upload"
	}
	return stem + "-" + strings.ReplaceAll(uuid.NewString(), "-", "") + ext
}

// SafeName strips any directory part a client sent with a filename.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "upload.gcode"
	}
	return name
}
