// Package lifecycle implements the queued record state machine.
//
//	pending --attempt--> syncing --accepted--> synced
//	                        |------conflict--> duplicate --keep as new--> pending
//	                        |                            \--discard-----> (deleted)
//	                        \------failure---> pending (retries left) | error
//	error --manual retry--> pending
//
// Transition only computes the outcome; callers persist it.
package lifecycle

import (
	"time"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
)

// DefaultMaxRetries is the number of failed attempts before a record lands in error.
const DefaultMaxRetries = 3

// Event drives a record from one status to the next.
type Event string

const (
	EventAttemptStarted Event = "attempt_started"
	EventAccepted       Event = "accepted"
	EventConflicted     Event = "conflicted"
	EventFailed         Event = "failed"
	EventKeepAsNew      Event = "keep_as_new"
	EventDiscard        Event = "discard"
	EventManualRetry    Event = "manual_retry"
)

// Outcome is the result of applying an event to a record.
type Outcome struct {
	From models.Status
	To   models.Status

	// Delete is set when the record must be removed instead of patched.
	Delete bool
	Patch  models.RecordPatch
}

// Tracker applies the transition table with a configured retry cap.
type Tracker struct {
	maxRetries int
	now        func() time.Time
}

// NewTracker creates a Tracker. A non-positive maxRetries selects DefaultMaxRetries.
func NewTracker(maxRetries int) *Tracker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Tracker{maxRetries: maxRetries, now: time.Now}
}

// WithClock returns a copy of t using now as its time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	c := *t
	c.now = now
	return &c
}

// MaxRetries returns the retry cap.
func (t *Tracker) MaxRetries() int {
	return t.maxRetries
}

func invalid(rec *models.QueuedRecord, ev Event) error {
	return apperrors.Newf(apperrors.ErrInvalidTransition,
		"cannot apply %s to record %s in status %s", ev, rec.LocalID, rec.Status)
}

// Transition applies ev to rec. detail carries the remote id for EventAccepted
// and the reason for EventConflicted and EventFailed.
func (t *Tracker) Transition(rec *models.QueuedRecord, ev Event, detail string) (Outcome, error) {
	out := Outcome{From: rec.Status}

	switch ev {
	case EventAttemptStarted:
		if rec.Status != models.StatusPending {
			return out, invalid(rec, ev)
		}
		out.To = models.StatusSyncing

	case EventAccepted:
		if rec.Status != models.StatusSyncing {
			return out, invalid(rec, ev)
		}
		if detail == "" {
			return out, apperrors.Newf(apperrors.ErrInvalid, "accepted record %s without remote id", rec.LocalID)
		}
		out.To = models.StatusSynced
		out.Patch.RemoteID = models.Ptr(detail)
		out.Patch.LastError = models.Ptr("")
		out.Patch.Force = models.Ptr(false)
		out.Patch.SyncedAt = models.Ptr(t.now().UnixMilli())

	case EventConflicted:
		if rec.Status != models.StatusSyncing {
			return out, invalid(rec, ev)
		}
		out.To = models.StatusDuplicate
		out.Patch.LastError = models.Ptr(detail)

	case EventFailed:
		if rec.Status != models.StatusSyncing {
			return out, invalid(rec, ev)
		}
		retries := rec.RetryCount + 1
		out.To = models.StatusPending
		if retries >= t.maxRetries {
			out.To = models.StatusError
		}
		out.Patch.RetryCount = models.Ptr(retries)
		out.Patch.LastError = models.Ptr(detail)

	case EventKeepAsNew:
		if rec.Status != models.StatusDuplicate {
			return out, invalid(rec, ev)
		}
		out.To = models.StatusPending
		out.Patch.RetryCount = models.Ptr(0)
		out.Patch.LastError = models.Ptr("")
		out.Patch.Force = models.Ptr(true)

	case EventDiscard:
		if rec.Status != models.StatusDuplicate {
			return out, invalid(rec, ev)
		}
		out.Delete = true
		return out, nil

	case EventManualRetry:
		if rec.Status != models.StatusError {
			return out, invalid(rec, ev)
		}
		out.To = models.StatusPending

	default:
		return out, apperrors.Newf(apperrors.ErrInvalid, "unknown lifecycle event %q", ev)
	}

	out.Patch.Status = models.Ptr(out.To)
	return out, nil
}
