package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
)

// PostgresSchema creates the backend tables the Postgres submitter writes to.
// The partial unique index is the duplicate rule; forced rows bypass it.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	client_ref  UUID NOT NULL UNIQUE,
	owner_key   TEXT NOT NULL,
	dedupe_key  TEXT,
	payload     JSONB NOT NULL,
	forced      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS %[2]s ON %[1]s (dedupe_key)
	WHERE dedupe_key IS NOT NULL AND NOT forced;
`

// pgExecQuerier is the subset of pgxpool.Pool used here.
type pgExecQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSubmitter inserts records into the hosted Postgres database.
type PostgresSubmitter struct {
	db   pgExecQuerier
	pool *pgxpool.Pool
}

// NewPostgresSubmitter connects to dsn and verifies the connection.
func NewPostgresSubmitter(ctx context.Context, dsn string) (*PostgresSubmitter, error) {
	if dsn == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "open postgres pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "ping postgres", err)
	}
	return &PostgresSubmitter{db: pool, pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresSubmitter) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the backend tables if they are missing.
func (s *PostgresSubmitter) EnsureSchema(ctx context.Context) error {
	for _, kind := range []models.Kind{models.KindLead, models.KindChecklist, models.KindMedia} {
		table := kind.Table()
		stmt := fmt.Sprintf(PostgresSchema,
			pgx.Identifier{table}.Sanitize(),
			pgx.Identifier{table + "_dedupe_key"}.Sanitize())
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// Submit inserts the record. A replay with the same client_ref returns the
// existing row id instead of inserting again.
func (s *PostgresSubmitter) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	table := req.Kind.Table()
	if table == "" {
		return Transientf("unknown record kind %q", req.Kind)
	}

	var dedupe *string
	if key := DedupeKey(req.Kind, req.Payload); key != "" {
		dedupe = &key
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (client_ref, owner_key, dedupe_key, payload, forced)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_ref) DO UPDATE SET client_ref = EXCLUDED.client_ref
		RETURNING id::text`, pgx.Identifier{table}.Sanitize())

	var id string
	err := s.db.QueryRow(ctx, query,
		req.LocalID.String(), req.OwnerKey, dedupe, string(req.Payload), req.Force,
	).Scan(&id)
	if err != nil {
		return classifyPgError(err)
	}
	return Accepted(id)
}

// classifyPgError maps a failed insert onto a submission outcome.
func classifyPgError(err error) SubmitResult {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "23505": // unique_violation
			reason := "duplicate record"
			if pgErr.Detail != "" {
				reason = pgErr.Detail
			} else if pgErr.ConstraintName != "" {
				reason = "duplicate record (" + pgErr.ConstraintName + ")"
			}
			return Conflict(reason)
		case "22P02", "23502", "23514": // bad input, not null, check
			return Transientf("rejected by backend: %s", strings.TrimSpace(pgErr.Message))
		}
		return Transientf("postgres %s: %s", pgErr.SQLState(), pgErr.Message)
	}
	return Transient(err.Error())
}
