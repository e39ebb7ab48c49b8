// Package models provides data model definitions for the fieldsync queue.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case []byte:
		*u = UUID(v)
	case string:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Kind selects the remote endpoint and payload shape of a record.
type Kind string

const (
	KindLead      Kind = "lead"
	KindChecklist Kind = "checklist"
	KindMedia     Kind = "media"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLead, KindChecklist, KindMedia:
		return true
	}
	return false
}

// Table returns the remote table/collection name for the kind.
func (k Kind) Table() string {
	switch k {
	case KindLead:
		return "leads"
	case KindChecklist:
		return "checklists"
	case KindMedia:
		return "media"
	}
	return ""
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown record kind %q", s)
	}
	return k, nil
}

// Status is the lifecycle state of a queued record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusSynced    Status = "synced"
	StatusError     Status = "error"
	StatusDuplicate Status = "duplicate"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusError, StatusDuplicate:
		return true
	}
	return false
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown record status %q", s)
	}
	return st, nil
}

// QueuedRecord is a submission waiting to be delivered to the remote service.
type QueuedRecord struct {
	LocalID    UUID            `db:"local_id" json:"local_id"`
	RemoteID   string          `db:"remote_id" json:"remote_id,omitempty"`
	Kind       Kind            `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	OwnerKey   string          `db:"owner_key" json:"owner_key"`
	Status     Status          `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	Force      bool            `db:"force" json:"force,omitempty"` // set by "keep as new"
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix millis
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
	SyncedAt   int64           `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for QueuedRecord.
func (QueuedRecord) TableName() string {
	return "queued_records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *QueuedRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// SyncedAtTime returns the SyncedAt as time.Time, or the zero time if unsynced.
func (r *QueuedRecord) SyncedAtTime() time.Time {
	if r.SyncedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.SyncedAt)
}

// RecordPatch is a partial update of a QueuedRecord. Nil fields are left as is.
// Identity fields (local id, kind, owner, created at) cannot be patched.
type RecordPatch struct {
	Status     *Status
	RemoteID   *string
	RetryCount *int
	LastError  *string
	Force      *bool
	SyncedAt   *int64
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Status == nil && p.RemoteID == nil && p.RetryCount == nil &&
		p.LastError == nil && p.Force == nil && p.SyncedAt == nil
}

// Apply merges the patch into r in memory.
func (p RecordPatch) Apply(r *QueuedRecord) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RemoteID != nil {
		r.RemoteID = *p.RemoteID
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		r.LastError = *p.LastError
	}
	if p.Force != nil {
		r.Force = *p.Force
	}
	if p.SyncedAt != nil {
		r.SyncedAt = *p.SyncedAt
	}
}

// NormalizeOwner canonicalizes a submitter identity used as the owner scope.
func NormalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
