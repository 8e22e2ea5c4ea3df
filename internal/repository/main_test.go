package repository

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wagechannel/channel-server-go/internal/database"
)

var testDSN string

// TestMain starts a throwaway Postgres 16 container unless TEST_DATABASE_URL
// points at an existing database. Integration tests skip when neither is
// available or when running with -short.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		testDSN = dsn
		os.Exit(m.Run())
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("channels_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping integration tests: %v\n", err)
		os.Exit(m.Run())
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		testDSN = dsn
	}

	code := m.Run()
	if err := pgC.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	if testDSN == "" {
		t.Skip("no test database available")
	}

	db, err := database.Connect(testDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	_, err = db.ExecContext(ctx, `TRUNCATE channels CASCADE`)
	require.NoError(t, err)

	return db
}
