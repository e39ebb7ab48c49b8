// Package queue tests for the enqueue path and user commands.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
	"github.com/solarcrm/fieldsync/internal/remote"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
	"github.com/solarcrm/fieldsync/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// switchableRemote answers every submission with the current result.
type switchableRemote struct {
	mu      sync.Mutex
	result  remote.SubmitResult
	calls   int
	release chan struct{} // when set, Submit blocks until closed
}

func (r *switchableRemote) set(res remote.SubmitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = res
}

func (r *switchableRemote) Submit(context.Context, remote.SubmitRequest) remote.SubmitResult {
	r.mu.Lock()
	r.calls++
	res, release := r.result, r.release
	r.mu.Unlock()
	if release != nil {
		<-release
	}
	return res
}

func (r *switchableRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	repo   *db.Repository
	remote *switchableRemote
	state  *scheduler.OnlineState
	engine *syncpkg.SyncEngine
	svc    *Service
	bus    *notify.Bus
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)

	f := &fixture{
		repo:   repo,
		remote: &switchableRemote{result: remote.Accepted("srv-1")},
		state:  scheduler.NewOnlineState(online),
		bus:    notify.NewBus(),
	}
	metrics := telemetry.NewRegistry()
	f.engine = syncpkg.NewSyncEngine(repo, f.remote, syncpkg.Options{
		Connectivity: f.state,
		Publisher:    f.bus,
		Metrics:      metrics,
	})
	f.svc = NewService(repo, f.engine, Options{
		EnqueueDelay: 20 * time.Millisecond,
		Connectivity: f.state,
		Tracker:      f.engine.Tracker(),
		Publisher:    f.bus,
		Metrics:      metrics,
	})
	t.Cleanup(func() {
		f.svc.Close()
		repo.Close()
		database.Close()
	})
	return f
}

func (f *fixture) count(t *testing.T, owner string, status models.Status) int {
	t.Helper()
	n, err := f.repo.Count(context.Background(), owner, status)
	require.NoError(t, err)
	return n
}

// TestEnqueue_persistsPending verifies an enqueued record reads back pending with its payload.
func TestEnqueue_persistsPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	payload := json.RawMessage(`{"name":"Ana Lima","phone":"+55 11 5555-0100","kwh":420}`)

	id, err := f.svc.Enqueue(ctx, models.KindLead, payload, "Rep@Example.com")
	require.NoError(t, err)

	rec, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.JSONEq(t, string(payload), string(rec.Payload))
	assert.Equal(t, "rep@example.com", rec.OwnerKey)
}

func TestEnqueue_validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	cases := []struct {
		name    string
		kind    models.Kind
		payload string
		owner   string
	}{
		{"unknown kind", "invoice", `{}`, "ana"},
		{"missing owner", models.KindLead, `{}`, "  "},
		{"not json", models.KindLead, `{name:`, "ana"},
		{"array payload", models.KindLead, `[1,2]`, "ana"},
		{"empty payload", models.KindLead, ``, "ana"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(ctx, tc.kind, json.RawMessage(tc.payload), tc.owner)
			assert.True(t, errors.Is(err, errors.ErrInvalid), "err = %v", err)
		})
	}
	assert.Zero(t, f.count(t, "", ""))
}

// TestEnqueue_opportunisticSync verifies an online enqueue is delivered shortly after without blocking.
func TestEnqueue_opportunisticSync(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	var enqueued atomic.Int32
	f.bus.Subscribe(func(e notify.Event) {
		if e.Type == notify.EventRecordEnqueued {
			enqueued.Add(1)
		}
	})

	id, err := f.svc.Enqueue(ctx, models.KindLead, json.RawMessage(`{"name":"A"}`), "ana")
	require.NoError(t, err)
	assert.Equal(t, 0, f.remote.callCount(), "Enqueue must not wait for the network")
	assert.EqualValues(t, 1, enqueued.Load())

	require.Eventually(t, func() bool { return f.count(t, "ana", models.StatusSynced) == 1 },
		2*time.Second, 10*time.Millisecond)
	rec, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.RemoteID)
}

// TestEnqueue_burstIsMerged verifies several enqueues share one delayed round.
func TestEnqueue_burstIsMerged(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.svc.Enqueue(ctx, models.KindChecklist, json.RawMessage(`{"project_id":"p1"}`), "ana")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return f.count(t, "ana", models.StatusSynced) == 4 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.remote.callCount())
}

// TestEnqueue_offlineWaits verifies no delivery is attempted while offline.
func TestEnqueue_offlineWaits(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Enqueue(context.Background(), models.KindLead, json.RawMessage(`{}`), "ana")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, f.remote.callCount())
	assert.Equal(t, 1, f.count(t, "ana", models.StatusPending))
}

// TestScenario_offlineThenOnline enqueues offline and lets the monitor deliver after the settle delay.
func TestScenario_offlineThenOnline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	var completed atomic.Int32
	f.bus.Subscribe(func(e notify.Event) {
		if e.Type == notify.EventSyncCompleted {
			completed.Add(1)
		}
	})

	_, err := f.svc.Enqueue(ctx, models.KindLead, json.RawMessage(`{"name":"A"}`), "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(t, "ana", models.StatusPending))

	monitor := scheduler.NewScheduler(f.engine, f.repo, f.state, &scheduler.Config{
		SyncInterval: time.Hour,
		SettleDelay:  50 * time.Millisecond,
	}, scheduler.Options{Publisher: f.bus})
	monitor.Start(ctx)
	defer monitor.Stop()

	monitor.SetOnlineStatus(true)
	require.Eventually(t, func() bool { return f.count(t, "ana", models.StatusSynced) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.count(t, "ana", models.StatusPending))
	require.Eventually(t, func() bool { return completed.Load() == 1 }, time.Second, 5*time.Millisecond,
		"settle round notifies the user")
}

// TestScenario_duplicateKeepAsNew resolves a conflict and delivers on the next round.
func TestScenario_duplicateKeepAsNew(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	resolver := conflict.NewResolver(f.repo, f.engine.Tracker(), f.bus)
	f.remote.set(remote.Conflict("lead with this email already exists"))

	id, err := f.repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: "ana", Payload: json.RawMessage(`{"email":"a@x.com"}`)})
	require.NoError(t, err)

	res := f.engine.SyncAll(ctx, "ana", true)
	assert.Equal(t, 1, res.Duplicates)

	rec, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDuplicate, rec.Status)

	// Never auto-retried.
	f.engine.SyncAll(ctx, "ana", false)
	assert.Equal(t, 1, f.remote.callCount())

	rec, err = resolver.ResolveAsNew(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	f.remote.set(remote.Accepted("srv-9"))
	res = f.engine.SyncAll(ctx, "ana", true)
	assert.Equal(t, 1, res.Synced)
	rec, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Equal(t, "srv-9", rec.RemoteID)
	assert.False(t, rec.Force)
}

// TestScenario_retryExhaustedThenManualRetry walks a record to error and back.
func TestScenario_retryExhaustedThenManualRetry(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.remote.set(remote.Transient("502 bad gateway"))

	id, err := f.repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: "ana", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.svc.SyncNow(ctx, "ana")
	}
	rec, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)

	st, err := f.svc.Status(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Errors)
	assert.Zero(t, st.Pending)

	f.remote.set(remote.Accepted("srv-2"))
	rec, err = f.svc.RetryRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)

	require.Eventually(t, func() bool { return f.count(t, "ana", models.StatusSynced) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 4, f.remote.callCount())
}

func TestRetryRecord_rejectsOtherStatuses(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.Enqueue(ctx, models.KindLead, json.RawMessage(`{}`), "ana")
	require.NoError(t, err)

	_, err = f.svc.RetryRecord(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

// TestScenario_doubleSyncNow verifies a click during a running round is a no-op.
func TestScenario_doubleSyncNow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: "ana", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	release := make(chan struct{})
	f.remote.mu.Lock()
	f.remote.release = release
	f.remote.mu.Unlock()

	first := make(chan syncpkg.Result, 1)
	go func() { first <- f.svc.SyncNow(ctx, "ana") }()
	require.Eventually(t, func() bool { return f.remote.callCount() == 1 }, time.Second, 5*time.Millisecond)

	st, err := f.svc.Status(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, st.InProgress)

	second := f.svc.SyncNow(ctx, "ana")
	assert.False(t, second.Ran)
	assert.Zero(t, second.Synced)
	assert.Zero(t, second.Failed)

	close(release)
	res := <-first
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, f.remote.callCount())
}

// TestScenario_clearSynced verifies only the owner's synced records go.
func TestScenario_clearSynced(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	add := func(owner string, status models.Status) models.UUID {
		id, err := f.repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: owner, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
		patch := models.RecordPatch{Status: models.Ptr(status)}
		if status == models.StatusSynced {
			patch.RemoteID = models.Ptr("srv")
		}
		require.NoError(t, f.repo.Update(ctx, id, patch))
		return id
	}
	add("ana", models.StatusSynced)
	add("ana", models.StatusSynced)
	add("ana", models.StatusPending)
	add("ana", models.StatusError)
	add("ana", models.StatusDuplicate)
	add("bruno", models.StatusSynced)

	n, err := f.svc.ClearSynced(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Zero(t, f.count(t, "ana", models.StatusSynced))
	assert.Equal(t, 1, f.count(t, "ana", models.StatusPending))
	assert.Equal(t, 1, f.count(t, "ana", models.StatusError))
	assert.Equal(t, 1, f.count(t, "ana", models.StatusDuplicate))
	assert.Equal(t, 1, f.count(t, "bruno", models.StatusSynced))

	_, err = f.svc.ClearSynced(ctx, " ")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestDeleteRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	id, err := f.svc.Enqueue(ctx, models.KindMedia, json.RawMessage(`{"filename":"roof.jpg"}`), "ana")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteRecord(ctx, id))
	_, err = f.svc.Get(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.True(t, errors.Is(f.svc.DeleteRecord(ctx, id), errors.ErrNotFound))
}

func TestList(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Enqueue(ctx, models.KindLead, json.RawMessage(`{}`), "ana")
		require.NoError(t, err)
	}

	all, err := f.svc.List(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := f.svc.List(ctx, "ana", models.StatusSynced)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.svc.List(ctx, "ana", "archived")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestStatus verifies the pollable counts and flags.
func TestStatus(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.svc.Enqueue(ctx, models.KindLead, json.RawMessage(`{}`), "ana")
	require.NoError(t, err)

	st, err := f.svc.Status(ctx, "ANA")
	require.NoError(t, err)
	assert.Equal(t, Status{Owner: "ana", Pending: 1}, st)

	f.state = scheduler.NewOnlineState(true)
	f.engine = syncpkg.NewSyncEngine(f.repo, f.remote, syncpkg.Options{})
	svc := NewService(f.repo, f.engine, Options{Connectivity: f.state})
	defer svc.Close()
	svc.SyncNow(ctx, "ana")

	st, err = svc.Status(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Synced)
	assert.Zero(t, st.Pending)
	require.NotNil(t, st.LastSyncAt)
}

// TestClose_cancelsDelayedRound verifies Close drops a round that has not started.
func TestClose_cancelsDelayedRound(t *testing.T) {
	f := newFixture(t, true)
	svc := NewService(f.repo, f.engine, Options{EnqueueDelay: time.Hour, Connectivity: f.state})
	_, err := svc.Enqueue(context.Background(), models.KindLead, json.RawMessage(`{}`), "ana")
	require.NoError(t, err)

	svc.Close()
	svc.Close()
	assert.Zero(t, f.remote.callCount())
}
