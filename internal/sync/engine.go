// Package sync drains the local queue against the remote service.
package sync

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/solarcrm/fieldsync/internal/db"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
	"github.com/solarcrm/fieldsync/internal/remote"
	"github.com/solarcrm/fieldsync/internal/sync/lifecycle"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

// MetaLastSyncAt is the meta key holding the last round's finish time (unix millis).
const MetaLastSyncAt = "last_sync_at"

// Result summarizes one round.
type Result struct {
	Owner string `json:"owner"`

	// Ran is false when the call was a no-op.
	Ran bool `json:"ran"`

	// Synced counts records accepted by the remote service this round.
	Synced int `json:"synced"`

	// Failed counts failed attempts this round, whether or not the record
	// still has retries left, plus the records already in error.
	Failed int `json:"failed"`

	// Duplicates counts records moved to duplicate; they are in neither
	// Synced nor Failed.
	Duplicates int `json:"duplicates"`

	// Skipped counts records already in error that the round did not
	// attempt. They are included in Failed.
	Skipped int `json:"skipped"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Changed reports whether any record changed state during the round.
func (r Result) Changed() bool {
	return r.Synced+(r.Failed-r.Skipped)+r.Duplicates > 0
}

// Options configures a SyncEngine. Zero values select defaults.
type Options struct {
	MaxRetries   int
	Connectivity Connectivity
	Publisher    notify.Publisher
	Metrics      *telemetry.Registry
	Clock        func() time.Time
}

// SyncEngine delivers pending records one at a time, sequentially.
// One engine is created per process; at most one round runs at a time.
type SyncEngine struct {
	store     db.QueueStore
	submitter remote.Submitter
	tracker   *lifecycle.Tracker
	conn      Connectivity
	pub       notify.Publisher
	metrics   *telemetry.Registry
	now       func() time.Time

	inFlight atomic.Bool
	lastSync atomic.Int64 // unix millis, 0 until known
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(store db.QueueStore, submitter remote.Submitter, opts Options) *SyncEngine {
	e := &SyncEngine{
		store:     store,
		submitter: submitter,
		conn:      opts.Connectivity,
		pub:       opts.Publisher,
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}
	if e.conn == nil {
		e.conn = AlwaysOnline
	}
	if e.pub == nil {
		e.pub = notify.Discard
	}
	if e.metrics == nil {
		e.metrics = telemetry.Default
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.tracker = lifecycle.NewTracker(opts.MaxRetries).WithClock(e.now)
	return e
}

// Tracker returns the lifecycle tracker the engine applies.
func (e *SyncEngine) Tracker() *lifecycle.Tracker {
	return e.tracker
}

// InProgress reports whether a round is running.
func (e *SyncEngine) InProgress() bool {
	return e.inFlight.Load()
}

// Recover returns records left in syncing by a dead process to pending.
// It resets every owner's rows, so only the process that runs rounds may
// call it, once at startup before the first round.
func (e *SyncEngine) Recover(ctx context.Context) (int, error) {
	n, err := e.store.ResetInterrupted(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.Count(telemetry.MetricRecovered, n)
		logging.Warn("Recovered records interrupted mid-sync",
			map[string]interface{}{"count": n, "code": apperrors.ErrProcessInterrupted})
	}
	return n, nil
}

// LastSync returns the finish time of the last completed round, surviving restarts.
func (e *SyncEngine) LastSync(ctx context.Context) (time.Time, bool) {
	if ms := e.lastSync.Load(); ms > 0 {
		return time.UnixMilli(ms), true
	}
	v, ok, err := e.store.GetMeta(ctx, MetaLastSyncAt)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	e.lastSync.CompareAndSwap(0, ms)
	return time.UnixMilli(ms), true
}

// SyncAll attempts every pending record of owner once. Failures never
// propagate: each one ends up as record status and last error.
//
// A started round is not cancelled by ctx; it only carries request values
// and deadlines to the submitter's transport.
func (e *SyncEngine) SyncAll(ctx context.Context, owner string, notifyUser bool) Result {
	owner = models.NormalizeOwner(owner)
	res := Result{Owner: owner}

	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.Count(telemetry.MetricRoundsSkipped, 1)
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"owner": owner})
		return res
	}
	defer e.inFlight.Store(false)

	if !e.conn.IsOnline() {
		e.metrics.Count(telemetry.MetricRoundsSkipped, 1)
		logging.Debug("Skipping sync - offline", map[string]interface{}{"owner": owner})
		return res
	}

	ctx = context.WithoutCancel(ctx)
	res.Ran = true
	res.StartedAt = e.now()

	records, err := e.store.ListByOwnerAndStatus(ctx, owner, models.StatusPending, models.StatusError)
	if err != nil {
		logging.ErrorWithCode("Failed to select sync candidates", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"owner": owner})
		res.FinishedAt = e.now()
		return res
	}

	candidates := 0
	for _, rec := range records {
		if rec.Status == models.StatusPending {
			candidates++
		}
	}
	if candidates > 0 {
		e.pub.Publish(notify.Event{
			Type:  notify.EventSyncStarted,
			Owner: owner,
			Data:  map[string]interface{}{"pending": candidates},
		})
	}

	for _, rec := range records {
		if rec.Status == models.StatusError {
			res.Skipped++
			res.Failed++
			continue
		}
		e.attempt(ctx, rec, &res)
	}

	res.FinishedAt = e.now()
	e.finish(ctx, res, notifyUser)
	return res
}

// attempt runs one record through syncing to its next status.
func (e *SyncEngine) attempt(ctx context.Context, rec *models.QueuedRecord, res *Result) {
	logCtx := map[string]interface{}{"local_id": rec.LocalID, "owner": rec.OwnerKey, "kind": rec.Kind}

	start, err := e.tracker.Transition(rec, lifecycle.EventAttemptStarted, "")
	if err != nil {
		logging.Error("Invalid sync candidate", err, logCtx)
		return
	}
	ok, err := e.store.CompareAndUpdate(ctx, rec.LocalID, models.StatusPending, start.Patch)
	if err != nil {
		logging.ErrorWithCode("Failed to mark record syncing", string(apperrors.CodeOf(err)), err, logCtx)
		return
	}
	if !ok {
		// Deleted or resolved by a user command since selection.
		logging.Debug("Record changed before its attempt, skipping", logCtx)
		return
	}
	start.Patch.Apply(rec)

	sub := e.submit(ctx, rec)

	var event lifecycle.Event
	detail := sub.Reason
	switch sub.Outcome {
	case remote.OutcomeAccepted:
		event, detail = lifecycle.EventAccepted, sub.RemoteID
		if detail == "" {
			event, detail = lifecycle.EventFailed, "remote accepted the record without an id"
		}
	case remote.OutcomeConflict:
		event = lifecycle.EventConflicted
		if detail == "" {
			detail = "duplicate record"
		}
	default:
		event = lifecycle.EventFailed
		if detail == "" {
			detail = "submission failed"
		}
	}

	out, err := e.tracker.Transition(rec, event, detail)
	if err != nil {
		logging.Error("Failed to classify submission", err, logCtx)
		return
	}
	ok, err = e.store.CompareAndUpdate(ctx, rec.LocalID, models.StatusSyncing, out.Patch)
	if err != nil {
		// Left in syncing; the next round or restart returns it to pending.
		logging.ErrorWithCode("Failed to record submission outcome", string(apperrors.CodeOf(err)), err, logCtx)
		return
	}
	if !ok {
		logging.Debug("Record removed during its attempt", logCtx)
		return
	}
	out.Patch.Apply(rec)

	switch out.To {
	case models.StatusSynced:
		res.Synced++
		e.metrics.Count(telemetry.MetricSynced, 1)
	case models.StatusDuplicate:
		res.Duplicates++
		e.metrics.Count(telemetry.MetricDuplicates, 1)
		logging.Warn("Remote reported a duplicate", mergeCtx(logCtx, map[string]interface{}{"reason": detail}))
	default:
		res.Failed++
		e.metrics.Count(telemetry.MetricFailed, 1)
		if out.To == models.StatusError {
			e.metrics.Count(telemetry.MetricErrored, 1)
		}
		logging.Warn("Submission failed", mergeCtx(logCtx, map[string]interface{}{
			"reason": detail, "retry_count": rec.RetryCount, "status": rec.Status,
		}))
	}

	e.pub.Publish(RecordEvent(rec))
}

// submit calls the submitter, turning a panic into a transient failure.
func (e *SyncEngine) submit(ctx context.Context, rec *models.QueuedRecord) (res remote.SubmitResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Submitter panicked", nil, map[string]interface{}{"local_id": rec.LocalID, "panic": r})
			res = remote.Transientf("submitter panicked: %v", r)
		}
	}()
	return e.submitter.Submit(ctx, remote.RequestFor(rec))
}

func (e *SyncEngine) finish(ctx context.Context, res Result, notifyUser bool) {
	ms := res.FinishedAt.UnixMilli()
	e.lastSync.Store(ms)
	if err := e.store.SetMeta(ctx, MetaLastSyncAt, strconv.FormatInt(ms, 10)); err != nil {
		logging.Error("Failed to persist last sync time", err, nil)
	}

	e.metrics.Count(telemetry.MetricRounds, 1)
	e.metrics.Timing(telemetry.MetricRoundDuration, res.FinishedAt.Sub(res.StartedAt))

	if res.Changed() {
		logging.Info("Sync round completed", map[string]interface{}{
			"owner":      res.Owner,
			"synced":     res.Synced,
			"failed":     res.Failed,
			"duplicates": res.Duplicates,
			"skipped":    res.Skipped,
		})
	}

	if notifyUser && res.Changed() {
		e.pub.Publish(notify.Event{
			Type:  notify.EventSyncCompleted,
			Owner: res.Owner,
			Data: map[string]interface{}{
				"synced":      res.Synced,
				"failed":      res.Failed,
				"duplicates":  res.Duplicates,
				"skipped":     res.Skipped,
				"duration_ms": res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
			},
		})
	}
}

// RecordEvent builds the record.updated notification for rec.
func RecordEvent(rec *models.QueuedRecord) notify.Event {
	data := map[string]interface{}{
		"kind":        rec.Kind,
		"status":      rec.Status,
		"retry_count": rec.RetryCount,
	}
	if rec.RemoteID != "" {
		data["remote_id"] = rec.RemoteID
	}
	if rec.LastError != "" {
		data["last_error"] = rec.LastError
	}
	return notify.Event{
		Type:    notify.EventRecordUpdated,
		Owner:   rec.OwnerKey,
		LocalID: rec.LocalID.String(),
		Data:    data,
	}
}

func mergeCtx(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
