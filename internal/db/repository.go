// Package db provides CRUD repository operations for queued records.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/solarcrm/fieldsync/internal/crypto"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

// Repository is the SQLite-backed queue store.
type Repository struct {
	db     *sql.DB
	cipher *crypto.PayloadCipher
	now    func() time.Time

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// RepositoryOption customizes a Repository.
type RepositoryOption func(*Repository)

// WithCipher seals payloads at rest.
func WithCipher(c *crypto.PayloadCipher) RepositoryOption {
	return func(r *Repository) { r.cipher = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) { r.now = now }
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared it meanwhile; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
}

func notFound(localID models.UUID) error {
	return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", localID)
}

const recordColumns = `local_id, remote_id, kind, payload, owner_key, status,
	retry_count, last_error, force, created_at, updated_at, synced_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanRecord(row rowScanner) (*models.QueuedRecord, error) {
	var rec models.QueuedRecord
	var remoteID sql.NullString
	var payload string
	var force int
	err := row.Scan(&rec.LocalID, &remoteID, &rec.Kind, &payload, &rec.OwnerKey, &rec.Status,
		&rec.RetryCount, &rec.LastError, &force, &rec.CreatedAt, &rec.UpdatedAt, &rec.SyncedAt)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		rec.RemoteID = remoteID.String
	}
	rec.Force = force != 0

	opened, err := r.cipher.Open(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "open payload of "+rec.LocalID.String(), err)
	}
	rec.Payload = opened
	return &rec, nil
}

// =====================================================
// RecordStore
// =====================================================

// Add inserts rec as a new pending record. The local id, timestamps, status
// and retry bookkeeping are assigned here; rec is updated in place.
func (r *Repository) Add(ctx context.Context, rec *models.QueuedRecord) (models.UUID, error) {
	if !rec.Kind.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unknown record kind %q", rec.Kind)
	}
	owner := models.NormalizeOwner(rec.OwnerKey)
	if owner == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "owner key is required")
	}

	now := r.now().UnixMilli()
	rec.LocalID = uuid.NewLocalID()
	rec.OwnerKey = owner
	rec.RemoteID = ""
	rec.Status = models.StatusPending
	rec.RetryCount = 0
	rec.LastError = ""
	rec.Force = false
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.SyncedAt = 0

	sealed, err := r.cipher.Seal(rec.Payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "seal payload", err)
	}

	query := `
	INSERT INTO queued_records (local_id, remote_id, kind, payload, owner_key, status,
		retry_count, last_error, force, created_at, updated_at, synced_at)
	VALUES (?, NULL, ?, ?, ?, ?, 0, '', 0, ?, ?, 0)
	`
	if _, err := r.db.ExecContext(ctx, query, rec.LocalID, rec.Kind, sealed, rec.OwnerKey,
		rec.Status, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return "", storageErr("insert record", err)
	}
	return rec.LocalID, nil
}

// Get retrieves a record by local id.
func (r *Repository) Get(ctx context.Context, localID models.UUID) (*models.QueuedRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+recordColumns+` FROM queued_records WHERE local_id = ?`)
	if err != nil {
		return nil, storageErr("prepare get", err)
	}

	rec, err := r.scanRecord(stmt.QueryRowContext(ctx, localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(localID)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCryptoFailed) {
			return nil, err
		}
		return nil, storageErr("get record", err)
	}
	return rec, nil
}

// ListByOwnerAndStatus lists an owner's records, oldest first.
func (r *Repository) ListByOwnerAndStatus(ctx context.Context, owner string, statuses ...models.Status) ([]*models.QueuedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM queued_records WHERE owner_key = ?`
	args := []interface{}{models.NormalizeOwner(owner)}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, local_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []*models.QueuedRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return out, nil
}

// buildPatch renders the SET clause for patch, always bumping updated_at.
func (r *Repository) buildPatch(patch models.RecordPatch) (string, []interface{}) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{r.now().UnixMilli()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.RemoteID != nil {
		sets = append(sets, "remote_id = ?")
		if *patch.RemoteID == "" {
			args = append(args, nil)
		} else {
			args = append(args, *patch.RemoteID)
		}
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.Force != nil {
		sets = append(sets, "force = ?")
		if *patch.Force {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if patch.SyncedAt != nil {
		sets = append(sets, "synced_at = ?")
		args = append(args, *patch.SyncedAt)
	}
	return strings.Join(sets, ", "), args
}

// Update merges patch into the record.
func (r *Repository) Update(ctx context.Context, localID models.UUID, patch models.RecordPatch) error {
	set, args := r.buildPatch(patch)
	args = append(args, localID)

	res, err := r.db.ExecContext(ctx, `UPDATE queued_records SET `+set+` WHERE local_id = ?`, args...)
	if err != nil {
		return storageErr("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update record", err)
	}
	if n == 0 {
		return notFound(localID)
	}
	return nil
}

// CompareAndUpdate applies patch only while the record is still in status from.
// It reports false when the record is missing or has moved on.
func (r *Repository) CompareAndUpdate(ctx context.Context, localID models.UUID, from models.Status, patch models.RecordPatch) (bool, error) {
	set, args := r.buildPatch(patch)
	args = append(args, localID, from)

	res, err := r.db.ExecContext(ctx, `UPDATE queued_records SET `+set+` WHERE local_id = ? AND status = ?`, args...)
	if err != nil {
		return false, storageErr("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update record", err)
	}
	return n == 1, nil
}

// Remove deletes a record.
func (r *Repository) Remove(ctx context.Context, localID models.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queued_records WHERE local_id = ?`, localID)
	if err != nil {
		return storageErr("remove record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("remove record", err)
	}
	if n == 0 {
		return notFound(localID)
	}
	return nil
}

// RemoveIfStatus deletes a record only while it is still in status.
// It reports false when the record is missing or has moved on.
func (r *Repository) RemoveIfStatus(ctx context.Context, localID models.UUID, status models.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queued_records WHERE local_id = ? AND status = ?`, localID, status)
	if err != nil {
		return false, storageErr("remove record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("remove record", err)
	}
	return n == 1, nil
}

// Count counts records; empty owner or status match anything.
func (r *Repository) Count(ctx context.Context, owner string, status models.Status) (int, error) {
	query := `SELECT COUNT(*) FROM queued_records WHERE 1 = 1`
	var args []interface{}
	if owner = models.NormalizeOwner(owner); owner != "" {
		query += ` AND owner_key = ?`
		args = append(args, owner)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageErr("count records", err)
	}
	return n, nil
}

// =====================================================
// MaintenanceStore
// =====================================================

// RemoveByOwnerAndStatus deletes an owner's records in status.
func (r *Repository) RemoveByOwnerAndStatus(ctx context.Context, owner string, status models.Status) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queued_records WHERE owner_key = ? AND status = ?`,
		models.NormalizeOwner(owner), status)
	if err != nil {
		return 0, storageErr("remove records", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingOwners lists owners that have pending records.
func (r *Repository) PendingOwners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT owner_key FROM queued_records WHERE status = ? ORDER BY owner_key`,
		models.StatusPending)
	if err != nil {
		return nil, storageErr("list owners", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, storageErr("list owners", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// ResetInterrupted returns records stuck in syncing to pending. A record is
// only ever syncing while a round is running, so at startup any such record
// belongs to a process that died mid-attempt. Retry bookkeeping is untouched.
func (r *Repository) ResetInterrupted(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queued_records SET status = ?, updated_at = ? WHERE status = ?`,
		models.StatusPending, r.now().UnixMilli(), models.StatusSyncing)
	if err != nil {
		return 0, storageErr("reset interrupted records", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeSyncedBefore deletes synced records whose sync time is older than cutoff.
func (r *Repository) PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queued_records WHERE status = ? AND synced_at < ?`,
		models.StatusSynced, cutoff.UnixMilli())
	if err != nil {
		return 0, storageErr("purge synced records", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =====================================================
// MetaStore
// =====================================================

// GetMeta reads a metadata value.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get meta", err)
	}
	return v, true, nil
}

// SetMeta writes a metadata value.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return storageErr("set meta", err)
	}
	return nil
}
