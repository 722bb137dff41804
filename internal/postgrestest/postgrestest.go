// Package postgrestest starts a migrated Postgres for integration tests.
package postgrestest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Zivotu/git-Clean2-sub005/internal/apppg"
	"github.com/Zivotu/git-Clean2-sub005/internal/run/runpg"
)

// Setup starts Postgres, applies the schema and returns its connection
// string and a teardown function.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	user := "postgres"
	password := "postgres"
	database := "builds"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		if c == nil {
			return nil
		}
		return c.Terminate(context.Background())
	}
	if err != nil {
		return "", teardown, err
	}

	host, err := c.Host(ctx)
	if err != nil {
		return "", teardown, err
	}
	port, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return "", teardown, err
	}

	connectionString = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database)
	if err := apppg.Setup(connectionString); err != nil {
		return "", teardown, err
	}
	return connectionString, teardown, nil
}

// NewPool starts a migrated Postgres for tb and returns a pool connected
// to it. It skips tb in short mode.
func NewPool(tb testing.TB, ctx context.Context) *pgxpool.Pool {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping Postgres container test in short mode")
	}

	connectionString, teardown, err := Setup(ctx)
	tb.Cleanup(func() {
		if teardownErr := teardown(); teardownErr != nil {
			tb.Errorf("didn't want %q", teardownErr)
		}
	})
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}

	pool, err := runpg.NewPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(pool.Close)
	return pool
}
