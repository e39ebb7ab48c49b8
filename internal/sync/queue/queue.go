// Package queue is the write path and command surface the UI talks to.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/lifecycle"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

// DefaultEnqueueDelay is how long Enqueue waits before its opportunistic round.
const DefaultEnqueueDelay = 500 * time.Millisecond

// Status is the pollable view of one owner's queue.
type Status struct {
	Owner      string     `json:"owner"`
	Pending    int        `json:"pending"` // pending and syncing
	Duplicates int        `json:"duplicates"`
	Errors     int        `json:"errors"`
	Synced     int        `json:"synced"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Online     bool       `json:"online"`
	InProgress bool       `json:"in_progress"`
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	EnqueueDelay time.Duration
	Connectivity syncpkg.Connectivity
	Tracker      *lifecycle.Tracker
	Publisher    notify.Publisher
	Metrics      *telemetry.Registry
}

// Service manages queued records on behalf of the UI.
type Service struct {
	store   db.QueueStore
	engine  syncpkg.Engine
	conn    syncpkg.Connectivity
	tracker *lifecycle.Tracker
	pub     notify.Publisher
	metrics *telemetry.Registry
	delay   time.Duration

	mu      sync.Mutex
	waiting map[string]bool // owners with a delayed round scheduled
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a new Service.
func NewService(store db.QueueStore, engine syncpkg.Engine, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:   store,
		engine:  engine,
		conn:    opts.Connectivity,
		tracker: opts.Tracker,
		pub:     opts.Publisher,
		metrics: opts.Metrics,
		delay:   opts.EnqueueDelay,
		waiting: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	if s.conn == nil {
		s.conn = syncpkg.AlwaysOnline
	}
	if s.tracker == nil {
		s.tracker = lifecycle.NewTracker(0)
	}
	if s.pub == nil {
		s.pub = notify.Discard
	}
	if s.metrics == nil {
		s.metrics = telemetry.Default
	}
	if s.delay <= 0 {
		s.delay = DefaultEnqueueDelay
	}
	return s
}

// Close cancels delayed rounds that have not started and waits for any that have.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// Enqueue stores a submission and returns its local id without waiting for
// the network. When online, a quiet round for owner follows shortly after.
func (s *Service) Enqueue(ctx context.Context, kind models.Kind, payload json.RawMessage, owner string) (models.UUID, error) {
	if !kind.Valid() {
		return "", errors.Newf(errors.ErrInvalid, "unknown record kind %q", kind)
	}
	owner = models.NormalizeOwner(owner)
	if owner == "" {
		return "", errors.New(errors.ErrInvalid, "owner key is required")
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return "", errors.New(errors.ErrInvalid, "payload must be a JSON object")
	}

	rec := &models.QueuedRecord{Kind: kind, OwnerKey: owner, Payload: json.RawMessage(trimmed)}
	id, err := s.store.Add(ctx, rec)
	if err != nil {
		logging.ErrorWithCode("Failed to enqueue record", string(errors.CodeOf(err)), err,
			map[string]interface{}{"owner": owner, "kind": kind})
		return "", err
	}

	s.metrics.Count(telemetry.MetricEnqueued, 1)
	logging.Debug("Record enqueued", map[string]interface{}{"local_id": id, "owner": owner, "kind": kind})
	s.pub.Publish(notify.Event{
		Type:    notify.EventRecordEnqueued,
		Owner:   owner,
		LocalID: id.String(),
		Data:    map[string]interface{}{"kind": kind, "status": rec.Status},
	})

	s.scheduleSync(owner)
	return id, nil
}

// scheduleSync runs a quiet round for owner after the enqueue delay, if
// online. Calls made while one is already waiting for owner are merged.
func (s *Service) scheduleSync(owner string) {
	if !s.conn.IsOnline() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.waiting[owner] {
		return
	}
	s.waiting[owner] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(s.delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		delete(s.waiting, owner)
		s.mu.Unlock()

		s.engine.SyncAll(s.ctx, owner, false)
	}()
}

// SyncNow runs a notifying round for owner and waits for it.
func (s *Service) SyncNow(ctx context.Context, owner string) syncpkg.Result {
	return s.engine.SyncAll(ctx, owner, true)
}

// RetryRecord makes an errored record eligible again without resetting its
// retry count.
func (s *Service) RetryRecord(ctx context.Context, localID models.UUID) (*models.QueuedRecord, error) {
	rec, err := s.store.Get(ctx, localID)
	if err != nil {
		return nil, err
	}
	out, err := s.tracker.Transition(rec, lifecycle.EventManualRetry, "")
	if err != nil {
		return nil, err
	}
	ok, err := s.store.CompareAndUpdate(ctx, localID, models.StatusError, out.Patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidTransition, "record %s is no longer in error", localID)
	}
	out.Patch.Apply(rec)

	logging.Info("Record queued for manual retry", map[string]interface{}{
		"local_id":    localID,
		"owner":       rec.OwnerKey,
		"retry_count": rec.RetryCount,
	})
	s.pub.Publish(syncpkg.RecordEvent(rec))
	s.scheduleSync(rec.OwnerKey)
	return rec, nil
}

// ClearSynced removes owner's synced records and nothing else.
func (s *Service) ClearSynced(ctx context.Context, owner string) (int, error) {
	owner = models.NormalizeOwner(owner)
	if owner == "" {
		return 0, errors.New(errors.ErrInvalid, "owner key is required")
	}
	n, err := s.store.RemoveByOwnerAndStatus(ctx, owner, models.StatusSynced)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Cleared synced records", map[string]interface{}{"owner": owner, "count": n})
	}
	return n, nil
}

// DeleteRecord removes a record in any status.
func (s *Service) DeleteRecord(ctx context.Context, localID models.UUID) error {
	rec, err := s.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, localID); err != nil {
		return err
	}
	logging.Info("Record deleted", map[string]interface{}{
		"local_id": localID,
		"owner":    rec.OwnerKey,
		"status":   rec.Status,
	})
	s.pub.Publish(notify.Event{
		Type:    notify.EventRecordUpdated,
		Owner:   rec.OwnerKey,
		LocalID: localID.String(),
		Data:    map[string]interface{}{"kind": rec.Kind, "deleted": true},
	})
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, localID models.UUID) (*models.QueuedRecord, error) {
	return s.store.Get(ctx, localID)
}

// List returns owner's records in the given statuses, or all of them.
func (s *Service) List(ctx context.Context, owner string, statuses ...models.Status) ([]*models.QueuedRecord, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, errors.Newf(errors.ErrInvalid, "unknown record status %q", st)
		}
	}
	return s.store.ListByOwnerAndStatus(ctx, owner, statuses...)
}

// Status returns the counts and flags the UI polls.
func (s *Service) Status(ctx context.Context, owner string) (Status, error) {
	owner = models.NormalizeOwner(owner)
	st := Status{
		Owner:      owner,
		Online:     s.conn.IsOnline(),
		InProgress: s.engine.InProgress(),
	}

	counts := []struct {
		status models.Status
		dst    *int
	}{
		{models.StatusPending, &st.Pending},
		{models.StatusSyncing, &st.Pending},
		{models.StatusDuplicate, &st.Duplicates},
		{models.StatusError, &st.Errors},
		{models.StatusSynced, &st.Synced},
	}
	for _, c := range counts {
		n, err := s.store.Count(ctx, owner, c.status)
		if err != nil {
			return Status{}, err
		}
		*c.dst += n
	}

	if last, ok := s.engine.LastSync(ctx); ok {
		st.LastSyncAt = &last
	}
	return st, nil
}
