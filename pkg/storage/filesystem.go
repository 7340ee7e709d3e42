package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/platinummonkey/opnet-plugins/pkg/container"
)

// FilesystemStore keeps artifacts as files in a single directory
type FilesystemStore struct {
	dir string
}

var _ ArtifactStore = (*FilesystemStore)(nil)

// NewFilesystemStore creates the directory if needed
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FilesystemStore{dir: dir}, nil
}

// Dir returns the backing directory
func (s *FilesystemStore) Dir() string { return s.dir }

// Path returns the on-disk path of an enabled artifact
func (s *FilesystemStore) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// List implements ArtifactStore.List
func (s *FilesystemStore) List(ctx context.Context) ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	var out []ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		disabled := container.IsDisabledName(fileName)
		name := fileName
		if disabled {
			name = container.EnabledName(fileName)
		}
		if !container.IsArtifactName(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, ArtifactInfo{
			Name:     name,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Disabled: disabled,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get implements ArtifactStore.Get
func (s *FilesystemStore) Get(ctx context.Context, name string) ([]byte, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// Put writes through a temp file and rename so watchers never see a partial artifact
func (s *FilesystemStore) Put(ctx context.Context, name string, data []byte) error {
	if err := CheckName(name); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return nil
}

// Disable implements ArtifactStore.Disable
func (s *FilesystemStore) Disable(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	return s.rename(s.Path(name), s.Path(container.DisabledName(name)), name)
}

// Enable implements ArtifactStore.Enable
func (s *FilesystemStore) Enable(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	return s.rename(s.Path(container.DisabledName(name)), s.Path(name), name)
}

func (s *FilesystemStore) rename(from, to, name string) error {
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to rename artifact: %w", err)
	}
	return nil
}

// Delete implements ArtifactStore.Delete
func (s *FilesystemStore) Delete(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	removed := false
	for _, p := range []string{s.Path(name), s.Path(container.DisabledName(name))} {
		err := os.Remove(p)
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete artifact: %w", err)
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
