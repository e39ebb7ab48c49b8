// Package db provides repository interfaces for the queue store.
package db

import (
	"context"
	"time"

	"github.com/solarcrm/fieldsync/internal/models"
)

// RecordStore persists queued records. Implementations must be safe for
// concurrent use; every mutation is atomic at the record level.
type RecordStore interface {
	// Add inserts a new pending record and returns its local id.
	Add(ctx context.Context, rec *models.QueuedRecord) (models.UUID, error)

	// Get retrieves a record by local id.
	Get(ctx context.Context, localID models.UUID) (*models.QueuedRecord, error)

	// ListByOwnerAndStatus lists an owner's records in any of the given statuses.
	// An empty status list matches every status.
	ListByOwnerAndStatus(ctx context.Context, owner string, statuses ...models.Status) ([]*models.QueuedRecord, error)

	// Update merges patch into the record.
	Update(ctx context.Context, localID models.UUID, patch models.RecordPatch) error

	// CompareAndUpdate applies patch only while the record is still in status from.
	CompareAndUpdate(ctx context.Context, localID models.UUID, from models.Status, patch models.RecordPatch) (bool, error)

	// Remove deletes a record.
	Remove(ctx context.Context, localID models.UUID) error

	// RemoveIfStatus deletes a record only while it is still in status.
	RemoveIfStatus(ctx context.Context, localID models.UUID, status models.Status) (bool, error)

	// Count counts records; empty owner or status match anything.
	Count(ctx context.Context, owner string, status models.Status) (int, error)
}

// MaintenanceStore covers the bulk operations used by commands and background jobs.
type MaintenanceStore interface {
	// RemoveByOwnerAndStatus deletes an owner's records in status.
	RemoveByOwnerAndStatus(ctx context.Context, owner string, status models.Status) (int, error)

	// PendingOwners lists owners that have pending records.
	PendingOwners(ctx context.Context) ([]string, error)

	// ResetInterrupted returns records stuck in syncing to pending.
	ResetInterrupted(ctx context.Context) (int, error)

	// PurgeSyncedBefore deletes synced records older than cutoff.
	PurgeSyncedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MetaStore keeps small durable key/value settings such as the last sync time.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// QueueStore combines the stores needed by the sync engine and its commands.
type QueueStore interface {
	RecordStore
	MaintenanceStore
	MetaStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore      = (*Repository)(nil)
	_ MaintenanceStore = (*Repository)(nil)
	_ MetaStore        = (*Repository)(nil)
	_ QueueStore       = (*Repository)(nil)
)
