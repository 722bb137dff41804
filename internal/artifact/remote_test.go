package artifact

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Zivotu/git-Clean2-sub005/internal/apps3"
	"github.com/Zivotu/git-Clean2-sub005/internal/run/runs3"
)

func TestRemoteBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MinIO container test in short mode")
	}
	ctx := context.Background()
	connectionString := NewTestMinio(t, ctx)

	client := runs3.NewClient(connectionString)
	if err := apps3.Setup(ctx, client, "aws-builds"); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	minioClient, err := runs3.NewMinioClient(connectionString)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := apps3.SetupMinio(ctx, minioClient, "minio-builds"); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	backends := map[string]Backend{
		"s3":    NewS3(connectionString, "aws-builds"),
		"minio": NewMinio(minioClient, "minio-builds"),
	}
	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			key := Key(testBuildID, "build/index.html")
			if err := backend.Put(ctx, key, strings.NewReader("<!doctype html>"), 15); err != nil {
				t.Fatalf("didn't want %q", err)
			}

			r, err := backend.Get(ctx, key)
			if got, want := readAll(t, r, err), "<!doctype html>"; got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
			size, err := backend.Size(ctx, key)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got, want := size, int64(15); got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
			keys, err := backend.List(ctx, Prefix(testBuildID)+"/")
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if want := []string{key}; !reflect.DeepEqual(keys, want) {
				t.Fatalf("got %v, want %v", keys, want)
			}

			_, err = backend.Get(ctx, Key(testBuildID, "build/missing.js"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want %v", err, ErrNotFound)
			}

			if err := backend.Delete(ctx, Key(testBuildID, "build/missing.js")); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if err := backend.DeletePrefix(ctx, Prefix(testBuildID)+"/"); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if _, err := backend.Size(ctx, key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want %v", err, ErrNotFound)
			}
		})
	}
}

// NewTestMinio starts MinIO and returns its connection string.
func NewTestMinio(tb testing.TB, ctx context.Context) string {
	tb.Helper()

	username := "minioadmin"
	password := "minioadmin"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor:   wait.ForHTTP("/minio/health/live").WithPort("9000"),
			Env: map[string]string{
				"MINIO_ROOT_USER":     username,
				"MINIO_ROOT_PASSWORD": password,
			},
			Cmd: []string{"server", "/data"},
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	testcontainers.CleanupContainer(tb, c)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	port, err := c.MappedPort(ctx, "9000/tcp")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return fmt.Sprintf("http://%s:%s@%s:%s", username, password, host, port.Port())
}
