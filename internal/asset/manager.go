package asset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BuildDirs are the output directories of a build that receive assets.
// "bundle" is the layout older builds were published with.
var BuildDirs = []string{"build", "bundle"}

// Publisher re-packages a build after its output tree changed.
type Publisher interface {
	Publish(ctx context.Context, buildID uuid.UUID) error
}

type Manager struct {
	Root       string    // required, directory holding builds/<id>
	StorageDir string    // directory that StoragePath values are relative to
	Publisher  Publisher // required
	Now        func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Content returns the bytes of an accepted asset.
func (m *Manager) Content(a *CustomAsset) ([]byte, error) {
	if strings.HasPrefix(strings.ToLower(a.DataURL), "data:") {
		data, _, err := DecodeDataURL(a.DataURL)
		return data, err
	}
	if a.StoragePath != "" {
		if m.StorageDir == "" {
			return nil, ErrNoContent
		}
		p, err := m.storagePath(a.StoragePath)
		if err != nil {
			return nil, err
		}
		return os.ReadFile(p)
	}
	return nil, ErrNoContent
}

func (m *Manager) storagePath(rel string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fmt.Errorf("asset.Manager: storage path %q escapes storage dir", rel)
	}
	return filepath.Join(m.StorageDir, filepath.FromSlash(rel)), nil
}

type file struct {
	name string
	data []byte
}

func (m *Manager) load(assets []CustomAsset) ([]file, error) {
	files := make([]file, 0, len(assets))
	for i := range assets {
		name := SanitizeName(assets[i].Name, m.now())
		if Reserved(name) {
			return nil, &ValidationError{Name: name, Err: ErrReservedName}
		}
		data, err := m.Content(&assets[i])
		if err != nil {
			return nil, &ValidationError{Name: assets[i].Name, Err: err}
		}
		files = append(files, file{name: name, data: data})
	}
	return files, nil
}

// Materialize writes assets into dir, creating it when needed, and returns
// the written file names.
func (m *Manager) Materialize(ctx context.Context, assets []CustomAsset, dir string) ([]string, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	files, err := m.load(assets)
	if err != nil {
		return nil, fmt.Errorf("asset.Manager: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("asset.Manager: %w", err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("asset.Manager: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return nil, fmt.Errorf("asset.Manager: %w", err)
		}
		names = append(names, f.name)
	}
	return names, nil
}

// ApplyToBuild replaces the previous asset set of a build with next in every
// existing output directory and republishes the build. Asset contents are
// resolved before anything on disk changes.
func (m *Manager) ApplyToBuild(ctx context.Context, buildID uuid.UUID, next, previous []CustomAsset) error {
	files, err := m.load(next)
	if err != nil {
		return fmt.Errorf("asset.Manager: %w", err)
	}

	nextNames := make(map[string]struct{}, len(files))
	for _, f := range files {
		nextNames[strings.ToLower(f.name)] = struct{}{}
	}
	var stale []string
	for _, a := range previous {
		name := SanitizeName(a.Name, m.now())
		if Reserved(name) {
			continue
		}
		if _, ok := nextNames[strings.ToLower(name)]; !ok {
			stale = append(stale, name)
		}
	}

	buildDir := filepath.Join(m.Root, "builds", buildID.String())
	var dirs []string
	for _, d := range BuildDirs {
		p := filepath.Join(buildDir, d)
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("asset.Manager: %w", err)
		}
		if info.IsDir() {
			dirs = append(dirs, p)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("asset.Manager: build %s: %w", buildID, fs.ErrNotExist)
	}

	log := slog.With("component", "asset", "build_id", buildID)
	for _, dir := range dirs {
		for _, name := range stale {
			err := os.Remove(filepath.Join(dir, name))
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("asset.Manager: %w", err)
			}
		}
		for _, f := range files {
			if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
				return fmt.Errorf("asset.Manager: %w", err)
			}
		}
	}
	log.Info("applied assets", "written", len(files), "removed", len(stale), "dirs", len(dirs))

	if err := m.Publisher.Publish(ctx, buildID); err != nil {
		return fmt.Errorf("asset.Manager: %w", err)
	}
	return nil
}
