// Package conflict applies the user's decision to records the remote service
// reported as duplicates.
package conflict

import (
	"context"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
	"github.com/solarcrm/fieldsync/internal/remote"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/lifecycle"
)

// Decision is the user's answer to a duplicate.
type Decision string

const (
	// DecisionKeepAsNew resubmits the record, asking the remote to skip its dedupe rule.
	DecisionKeepAsNew Decision = "new"
	// DecisionUseExisting drops the local record in favour of the remote one.
	DecisionUseExisting Decision = "existing"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionKeepAsNew, DecisionUseExisting:
		return d, nil
	default:
		return "", errors.Newf(errors.ErrInvalid, "unknown decision %q (want %q or %q)",
			s, DecisionKeepAsNew, DecisionUseExisting)
	}
}

// Duplicate is a record waiting for a decision, with the context shown to the user.
type Duplicate struct {
	Record  *models.QueuedRecord `json:"record"`
	Title   string               `json:"title"`
	Summary map[string]string    `json:"summary,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// Resolver handles duplicate resolution.
type Resolver struct {
	store   db.RecordStore
	tracker *lifecycle.Tracker
	pub     notify.Publisher
}

// NewResolver creates a new Resolver. A nil tracker uses the default retry limit.
func NewResolver(store db.RecordStore, tracker *lifecycle.Tracker, pub notify.Publisher) *Resolver {
	if tracker == nil {
		tracker = lifecycle.NewTracker(0)
	}
	if pub == nil {
		pub = notify.Discard
	}
	return &Resolver{store: store, tracker: tracker, pub: pub}
}

// ListDuplicates returns owner's records in duplicate status.
func (r *Resolver) ListDuplicates(ctx context.Context, owner string) ([]Duplicate, error) {
	records, err := r.store.ListByOwnerAndStatus(ctx, owner, models.StatusDuplicate)
	if err != nil {
		return nil, err
	}
	out := make([]Duplicate, 0, len(records))
	for _, rec := range records {
		summary := remote.Describe(rec.Payload)
		out = append(out, Duplicate{
			Record:  rec,
			Title:   title(rec.Kind, summary),
			Summary: summary,
			Reason:  rec.LastError,
		})
	}
	return out, nil
}

func title(kind models.Kind, summary map[string]string) string {
	for _, k := range []string{"name", "email", "phone", "filename", "project_id"} {
		if v := summary[k]; v != "" {
			return v
		}
	}
	return "Unnamed " + string(kind)
}

// Resolve applies decision to the record.
func (r *Resolver) Resolve(ctx context.Context, localID models.UUID, decision Decision) error {
	switch decision {
	case DecisionKeepAsNew:
		_, err := r.ResolveAsNew(ctx, localID)
		return err
	case DecisionUseExisting:
		return r.ResolveAsExisting(ctx, localID)
	default:
		_, err := ParseDecision(string(decision))
		return err
	}
}

// ResolveAsNew makes a duplicate eligible for the next round with a fresh
// retry budget and the force flag set.
func (r *Resolver) ResolveAsNew(ctx context.Context, localID models.UUID) (*models.QueuedRecord, error) {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	out, err := r.tracker.Transition(rec, lifecycle.EventKeepAsNew, "")
	if err != nil {
		return nil, err
	}
	ok, err := r.store.CompareAndUpdate(ctx, localID, models.StatusDuplicate, out.Patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidTransition, "record %s is no longer a duplicate", localID)
	}
	out.Patch.Apply(rec)

	logging.Info("Duplicate resolved as new record", map[string]interface{}{
		"local_id": localID,
		"owner":    rec.OwnerKey,
		"kind":     rec.Kind,
	})
	r.pub.Publish(syncpkg.RecordEvent(rec))
	return rec, nil
}

// ResolveAsExisting deletes a duplicate, treating the remote entity as authoritative.
func (r *Resolver) ResolveAsExisting(ctx context.Context, localID models.UUID) error {
	rec, err := r.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if _, err := r.tracker.Transition(rec, lifecycle.EventDiscard, ""); err != nil {
		return err
	}
	ok, err := r.store.RemoveIfStatus(ctx, localID, models.StatusDuplicate)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf(errors.ErrInvalidTransition, "record %s is no longer a duplicate", localID)
	}

	logging.Info("Duplicate resolved as existing record", map[string]interface{}{
		"local_id": localID,
		"owner":    rec.OwnerKey,
		"kind":     rec.Kind,
	})
	r.pub.Publish(notify.Event{
		Type:    notify.EventRecordUpdated,
		Owner:   rec.OwnerKey,
		LocalID: localID.String(),
		Data:    map[string]interface{}{"kind": rec.Kind, "deleted": true},
	})
	return nil
}
