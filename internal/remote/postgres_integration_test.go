//go:build integration

package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *PostgresSubmitter {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("fieldsync_remote"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgresSubmitter(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

// TestPostgresSubmitter_integration runs the three outcomes against a real server.
func TestPostgresSubmitter_integration(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	req := leadRequest()
	first := s.Submit(ctx, req)
	require.Equal(t, OutcomeAccepted, first.Outcome, first.Reason)

	// Lost acknowledgement: the same record is submitted again.
	replay := s.Submit(ctx, req)
	assert.Equal(t, first, replay)

	other := leadRequest()
	other.LocalID = "9a9a9a9a-1111-4222-8333-444444444444"
	dup := s.Submit(ctx, other)
	assert.Equal(t, OutcomeConflict, dup.Outcome)

	other.Force = true
	forced := s.Submit(ctx, other)
	assert.Equal(t, OutcomeAccepted, forced.Outcome, forced.Reason)
	assert.NotEqual(t, first.RemoteID, forced.RemoteID)

	var n int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT count(*) FROM leads`).Scan(&n))
	assert.Equal(t, 2, n)
}
