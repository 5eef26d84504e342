package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/mvccdb/internal/fs"
)

// LocalStore keeps blobs as files in a directory.
type LocalStore struct {
	root string
	fs   fs.FileSystem
}

// NewLocalStore creates a store rooted at root, creating the directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	return NewLocalStoreFS(fs.Default, root)
}

// NewLocalStoreFS is NewLocalStore over a custom filesystem.
func NewLocalStoreFS(fsys fs.FileSystem, root string) (*LocalStore, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root, fs: fsys}, nil
}

func (s *LocalStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", errors.New("blobstore: invalid blob name " + name)
	}
	return filepath.Join(s.root, name), nil
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(name)
	if err != nil {
		return err
	}
	return fs.WriteFile(s.fs, p, data)
}

func (s *LocalStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(s.fs, p)
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".tmp") || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
