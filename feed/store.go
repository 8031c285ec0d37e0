package feed

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

// fsStore implements WritableStore using the local filesystem.
type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed store rooted at the given directory.
// The directory must exist.
//
// List treats its argument as a raw path prefix: "data/train_" matches
// "data/train_0001.gz" but not "data/test_0001.gz".
func NewFS(root string) (WritableStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, os.ErrNotExist
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) Put(_ context.Context, p string, r io.Reader) error {
	fullPath, err := f.safePathForFile(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}

	// O_EXCL keeps concurrent writers from clobbering each other.
	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	defer closer(file)()

	_, err = io.Copy(file, r)
	return err
}

func (f *fsStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	fullPath, err := f.safePathForFile(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) List(_ context.Context, prefix string) ([]string, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	// Walk the deepest directory fully named by the prefix, then filter.
	dir := ""
	if i := strings.LastIndex(normalized, "/"); i >= 0 {
		dir = normalized[:i]
	}
	searchPath := filepath.Join(f.root, filepath.FromSlash(dir))

	var paths []string
	err := filepath.Walk(searchPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if strings.HasPrefix(relPath, normalized) {
			paths = append(paths, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// safePathForFile validates and resolves a file path, ensuring it stays
// within the root. Symlinks inside the root are not resolved.
func (f *fsStore) safePathForFile(p string) (string, error) {
	normalized, valid := normalizePathForFile(p)
	if !valid {
		return "", ErrInvalidPath
	}

	fullPath := filepath.Join(f.root, filepath.FromSlash(normalized))

	absRoot, err := filepath.Abs(f.root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}

	return fullPath, nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

// memoryStore implements WritableStore using an in-memory map.
type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory store.
//
// Memory is safe for concurrent use.
func NewMemory() WritableStore {
	return &memoryStore{
		data: make(map[string][]byte),
	}
}

func (m *memoryStore) Put(_ context.Context, p string, r io.Reader) error {
	normalized, valid := normalizePathForFile(p)
	if !valid {
		return ErrInvalidPath
	}

	// Read before locking to keep the critical section short.
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[normalized]; exists {
		return ErrPathExists
	}
	m.data[normalized] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	normalized, valid := normalizePathForFile(p)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	data, exists := m.data[normalized]
	m.mu.RUnlock()

	if !exists {
		return nil, ErrNotFound
	}
	// Stored slices are never mutated, so readers can share them.
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	normalized, valid := normalizePathForPrefix(prefix)
	if !valid {
		return nil, ErrInvalidPath
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for p := range m.data {
		if strings.HasPrefix(p, normalized) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// -----------------------------------------------------------------------------
// Path normalization
// -----------------------------------------------------------------------------

// normalizePathForFile cleans a file path to slash form without a leading
// slash. Empty paths, "." and paths escaping via ".." are rejected.
func normalizePathForFile(p string) (string, bool) {
	if p == "" {
		return "", false
	}

	cleaned := path.Clean(filepath.ToSlash(p))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// normalizePathForPrefix is normalizePathForFile for listing: the empty
// prefix lists everything and a trailing slash is preserved.
func normalizePathForPrefix(p string) (string, bool) {
	if p == "" {
		return "", true
	}

	trailing := strings.HasSuffix(p, "/")
	cleaned := path.Clean(filepath.ToSlash(p))
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "." || cleaned == "" {
		return "", true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if trailing {
		cleaned += "/"
	}
	return cleaned, true
}
