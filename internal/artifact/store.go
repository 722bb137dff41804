package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
)

const (
	BuildDir   = "build"
	SourceDir  = "source"
	BundleFile = "bundle.zip"

	remoteAttempts = 3
	uploadWorkers  = 4
)

// Prefix returns the key prefix of every artifact of a build.
func Prefix(buildID uuid.UUID) string {
	return "builds/" + buildID.String()
}

// Key returns the key of a file of a build, name being relative to the
// build root, e.g. "build/index.html".
func Key(buildID uuid.UUID, name string) string {
	return path.Join(Prefix(buildID), name)
}

// Store writes to the local disk first and then to Remote. Reads prefer the
// local copy and fall back to Remote.
type Store struct {
	Local  *Local  // required
	Remote Backend // optional
	log    *slog.Logger
}

func NewStore(local *Local, remote Backend) *Store {
	return &Store{
		Local:  local,
		Remote: remote,
		log:    slog.With("component", "artifact"),
	}
}

// Dir returns the local directory of a build.
func (s *Store) Dir(buildID uuid.UUID) string {
	return filepath.Join(s.Local.Root, "builds", buildID.String())
}

func (s *Store) Write(ctx context.Context, buildID uuid.UUID, name string, data []byte) error {
	key := Key(buildID, name)
	if err := s.Local.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	if err := s.putRemote(ctx, key, data); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	return nil
}

func (s *Store) putRemote(ctx context.Context, key string, data []byte) error {
	if s.Remote == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= remoteAttempts; attempt++ {
		if err = s.Remote.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err == nil {
			return nil
		}
		s.log.Warn("didn't put remote object", "key", key, "attempt", attempt, "error", err)
		if attempt == remoteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}

// Open returns a build file, reading the local copy first.
func (s *Store) Open(ctx context.Context, buildID uuid.UUID, name string) (io.ReadCloser, error) {
	key := Key(buildID, name)
	r, err := s.Local.Get(ctx, key)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.log.Warn("didn't read local object, trying remote", "key", key, "error", err)
	}
	if s.Remote == nil {
		return nil, fmt.Errorf("artifact.Store: %w", err)
	}

	r, err = s.Remote.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("artifact.Store: %w", err)
	}
	return r, nil
}

func (s *Store) ReadFile(ctx context.Context, buildID uuid.UUID, name string) ([]byte, error) {
	r, err := s.Open(ctx, buildID, name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("artifact.Store: %w", err)
	}
	return data, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Local.Size(ctx, key)
	if err == nil {
		return true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if s.Remote == nil {
		return false, nil
	}
	_, err = s.Remote.Size(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Exists reports whether any file of the build is stored.
func (s *Store) Exists(ctx context.Context, buildID uuid.UUID) (bool, error) {
	keys, err := s.Local.List(ctx, Prefix(buildID)+"/")
	if err != nil {
		return false, fmt.Errorf("artifact.Store: %w", err)
	}
	if len(keys) > 0 || s.Remote == nil {
		return len(keys) > 0, nil
	}
	keys, err = s.Remote.List(ctx, Prefix(buildID)+"/")
	if err != nil {
		return false, fmt.Errorf("artifact.Store: %w", err)
	}
	return len(keys) > 0, nil
}

var defaultRequired = []string{
	path.Join(BuildDir, bundler.IndexFile),
	path.Join(BuildDir, bundler.ManifestFile),
	BundleFile,
}

// Required returns the names a complete build must have. The entry file is
// required only when the manifest declares one.
func (s *Store) Required(ctx context.Context, buildID uuid.UUID) []string {
	data, err := s.ReadFile(ctx, buildID, path.Join(BuildDir, bundler.ManifestFile))
	if err != nil {
		return slices.Clone(defaultRequired)
	}
	var m bundler.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return slices.Clone(defaultRequired)
	}
	required := make([]string, 0, 4)
	for _, name := range m.RequiredFiles() {
		required = append(required, path.Join(BuildDir, name))
	}
	return append(required, BundleFile)
}

// Missing lists the required names of a build that are stored in neither
// backend.
func (s *Store) Missing(ctx context.Context, buildID uuid.UUID) ([]string, error) {
	var missing []string
	for _, name := range s.Required(ctx, buildID) {
		ok, err := s.exists(ctx, Key(buildID, name))
		if err != nil {
			return nil, fmt.Errorf("artifact.Store: %w", err)
		}
		if !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Publish zips the local build/ directory into bundle.zip and uploads both
// to Remote.
func (s *Store) Publish(ctx context.Context, buildID uuid.UUID) error {
	root := s.Dir(buildID)
	buildDir := filepath.Join(root, BuildDir)

	var archive bytes.Buffer
	if err := zipDir(&archive, buildDir); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	if err := s.Local.Put(ctx, Key(buildID, BundleFile), bytes.NewReader(archive.Bytes()), int64(archive.Len())); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}

	if err := s.Upload(ctx, buildID, BuildDir); err != nil {
		return err
	}
	if err := s.putRemote(ctx, Key(buildID, BundleFile), archive.Bytes()); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	s.log.Info("published build", "build_id", buildID, "bundle_bytes", archive.Len())
	return nil
}

// Upload mirrors the local files of a build directory to Remote: local
// files are copied and remote keys with no local file are deleted.
func (s *Store) Upload(ctx context.Context, buildID uuid.UUID, dir string) error {
	if s.Remote == nil {
		return nil
	}
	keys, err := s.Local.List(ctx, Key(buildID, dir))
	if err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	remoteKeys, err := s.Remote.List(ctx, Key(buildID, dir)+"/")
	if err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	for _, key := range remoteKeys {
		if slices.Contains(keys, key) {
			continue
		}
		if err := s.Remote.Delete(ctx, key); err != nil {
			return fmt.Errorf("artifact.Store: %w", err)
		}
		s.log.Info("deleted remote object", "key", key)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for _, key := range keys {
		g.Go(func() error {
			p, err := s.Local.Path(key)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return s.putRemote(gctx, key, data)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	return nil
}

// Download copies the remote files of a build directory that are missing
// locally. It is a no-op without Remote.
func (s *Store) Download(ctx context.Context, buildID uuid.UUID, dir string) error {
	if s.Remote == nil {
		return nil
	}
	keys, err := s.Remote.List(ctx, Key(buildID, dir)+"/")
	if err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	for _, key := range keys {
		if _, err := s.Local.Size(ctx, key); err == nil {
			continue
		}
		r, err := s.Remote.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("artifact.Store: %w", err)
		}
		err = s.Local.Put(ctx, key, r, -1)
		r.Close()
		if err != nil {
			return fmt.Errorf("artifact.Store: %w", err)
		}
	}
	return nil
}

// Remove deletes every file of a build from both backends.
func (s *Store) Remove(ctx context.Context, buildID uuid.UUID) error {
	var errs []error
	if err := s.Local.DeletePrefix(ctx, Prefix(buildID)); err != nil {
		errs = append(errs, err)
	}
	if s.Remote != nil {
		if err := s.Remote.DeletePrefix(ctx, Prefix(buildID)+"/"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	return nil
}

// zipDir writes the regular files below dir to w in lexical order, named
// relative to dir. Timestamps are left zero so equal trees give equal bytes.
func zipDir(w io.Writer, dir string) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.ToSlash(rel), Method: zip.Deflate})
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}
