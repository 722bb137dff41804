package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zivotu/git-Clean2-sub005/internal/amqputil"
	"github.com/Zivotu/git-Clean2-sub005/internal/apps3"
	"github.com/Zivotu/git-Clean2-sub005/internal/artifact"
	"github.com/Zivotu/git-Clean2-sub005/internal/asset"
	"github.com/Zivotu/git-Clean2-sub005/internal/build/buildamqp"
	"github.com/Zivotu/git-Clean2-sub005/internal/bundler"
	"github.com/Zivotu/git-Clean2-sub005/internal/depcache"
	"github.com/Zivotu/git-Clean2-sub005/internal/retention"
	"github.com/Zivotu/git-Clean2-sub005/internal/run/runpg"
	"github.com/Zivotu/git-Clean2-sub005/internal/run/runs3"
)

// NewLogger sets and returns the default logger: text in development,
// JSON otherwise.
func NewLogger(development bool) *slog.Logger {
	var handler slog.Handler
	if development {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func (c *Config) NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return runpg.NewPool(ctx, c.Postgres.connectionString())
}

func (c *Config) PostgresConnectionString() string {
	return c.Postgres.connectionString()
}

func (c *Config) NewBuildCreatedClient() *amqputil.Client {
	return buildamqp.NewBuildCreatedClient(c.AMQP.connectionString())
}

func (c *Config) NewBuildEventClient() *amqputil.Client {
	return buildamqp.NewBuildEventClient(c.AMQP.connectionString())
}

// NewStore returns the artifact store of the configured backend. The local
// root is always used as the first tier.
func (c *Config) NewStore() (*artifact.Store, error) {
	s := &c.Storage
	local := artifact.NewLocal(s.root())

	var remote artifact.Backend
	switch s.backend() {
	case BackendLocal:
	case BackendS3:
		remote = artifact.NewS3(s.connectionString(), s.bucket())
	case BackendMinio:
		client, err := runs3.NewMinioClient(s.connectionString())
		if err != nil {
			return nil, fmt.Errorf("app.NewStore: %w", err)
		}
		remote = artifact.NewMinio(client, s.bucket())
	default:
		return nil, fmt.Errorf("app.NewStore: unknown backend %q", s.backend())
	}
	return artifact.NewStore(local, remote), nil
}

// SetupStorage creates the bucket of a remote backend.
func (c *Config) SetupStorage(ctx context.Context) error {
	s := &c.Storage
	switch s.backend() {
	case BackendS3:
		return apps3.Setup(ctx, runs3.NewClient(s.connectionString()), s.bucket())
	case BackendMinio:
		client, err := runs3.NewMinioClient(s.connectionString())
		if err != nil {
			return fmt.Errorf("app.SetupStorage: %w", err)
		}
		return apps3.SetupMinio(ctx, client, s.bucket())
	default:
		return nil
	}
}

func (c *Config) NewAssetManager(store *artifact.Store) *asset.Manager {
	return &asset.Manager{
		Root:       store.Local.Root,
		StorageDir: c.Storage.AssetDir,
		Publisher:  store,
	}
}

func (c *Config) NewBundler() (*bundler.Bundler, error) {
	d := &c.Depcache
	table, err := depcache.LoadTable(d.TableFile)
	if err != nil {
		return nil, fmt.Errorf("app.NewBundler: %w", err)
	}
	dir := d.Dir
	if dir == "" {
		dir = filepath.Join(c.Storage.root(), "depcache")
	}
	resolver := &depcache.Resolver{
		Table:    table,
		Cache:    depcache.NewCache(dir, d.FetchTimeout),
		CDNBase:  d.CDNBase,
		AllowAny: d.AllowAny,
	}
	return bundler.New(resolver), nil
}

// NewScanner returns the retention scanner of the local build folders.
// A zero retention means retention.DefaultRetention.
func (c *Config) NewScanner(listings retention.Listings, store *artifact.Store, d time.Duration) *retention.Scanner {
	return retention.NewScanner(&retention.ScannerParams{
		Listings:  listings,
		Remover:   store,
		Root:      store.Local.Root,
		Retention: d,
	})
}
