package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"semgate/internal/domain"
)

var _ domain.ModelStore = (*DirStore)(nil)

// DirStore serves one model per <name>.yaml (or .yml) file in a directory.
// Files are read on every call so edits show up on the next catalog refresh.
type DirStore struct {
	dir string
}

// NewDirStore returns a store over dir. The directory must exist.
func NewDirStore(dir string) (*DirStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("model directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("model directory: %s is not a directory", dir)
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory the store reads.
func (s *DirStore) Dir() string { return s.dir }

// ListModels implements domain.ModelStore.
func (s *DirStore) ListModels(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read model directory: %w", err)
	}
	seen := make(map[string]bool, len(entries))
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := modelName(e.Name())
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetModel implements domain.ModelStore.
func (s *DirStore) GetModel(_ context.Context, name string) (*domain.SemanticModel, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(s.dir, filepath.Base(name)+ext)
		f, err := os.Open(path) //nolint:gosec // model directory is operator-controlled
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("open model %q: %w", name, err)
		}
		m, err := Decode(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	return nil, domain.ErrNotFound("semantic model %q not found", name)
}

// LoadDir decodes and validates every model file in dir. Errors are
// collected per file so a caller can report all of them at once.
func LoadDir(ctx context.Context, dir string) ([]*domain.SemanticModel, error) {
	store, err := NewDirStore(dir)
	if err != nil {
		return nil, err
	}
	names, err := store.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	var (
		models []*domain.SemanticModel
		errs   []error
	)
	for _, name := range names {
		m, err := store.GetModel(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m.Name != name {
			errs = append(errs, domain.ErrValidation("%s: file declares model %q", name, m.Name))
			continue
		}
		models = append(models, m)
	}
	return models, errors.Join(errs...)
}
