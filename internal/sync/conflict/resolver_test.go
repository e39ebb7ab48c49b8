// Package conflict tests for duplicate resolution.
package conflict

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/notify"
)

func newTestResolver(t *testing.T) (*Resolver, *db.Repository, *[]notify.Event) {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	bus := notify.NewBus()
	var events []notify.Event
	bus.Subscribe(func(e notify.Event) { events = append(events, e) })
	return NewResolver(repo, nil, bus), repo, &events
}

func addDuplicate(t *testing.T, repo *db.Repository, owner, payload string) models.UUID {
	t.Helper()
	ctx := context.Background()
	id, err := repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: owner, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
	require.NoError(t, repo.Update(ctx, id, models.RecordPatch{
		Status:     models.Ptr(models.StatusDuplicate),
		RetryCount: models.Ptr(2),
		LastError:  models.Ptr("lead with this email already exists"),
	}))
	return id
}

// TestListDuplicates verifies duplicates come back with a summary for the user.
func TestListDuplicates(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	ctx := context.Background()
	id := addDuplicate(t, repo, "ana", `{"name":"Carla Souza","email":"carla@x.com","roof":"tile"}`)
	addDuplicate(t, repo, "bruno", `{"name":"Other"}`)
	_, err := repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: "ana", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	dups, err := r.ListDuplicates(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, id, dups[0].Record.LocalID)
	assert.Equal(t, "Carla Souza", dups[0].Title)
	assert.Equal(t, map[string]string{"name": "Carla Souza", "email": "carla@x.com"}, dups[0].Summary)
	assert.Equal(t, "lead with this email already exists", dups[0].Reason)
}

func TestTitle_fallback(t *testing.T) {
	assert.Equal(t, "555-0100", title(models.KindLead, map[string]string{"phone": "555-0100"}))
	assert.Equal(t, "Unnamed checklist", title(models.KindChecklist, nil))
}

// TestResolveAsNew verifies a duplicate returns to pending with a fresh budget and force set.
func TestResolveAsNew(t *testing.T) {
	r, repo, events := newTestResolver(t)
	ctx := context.Background()
	id := addDuplicate(t, repo, "ana", `{"name":"A"}`)

	rec, err := r.ResolveAsNew(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.Force)

	require.Len(t, *events, 1)
	assert.Equal(t, notify.EventRecordUpdated, (*events)[0].Type)
}

// TestResolveAsExisting verifies the duplicate is deleted.
func TestResolveAsExisting(t *testing.T) {
	r, repo, events := newTestResolver(t)
	ctx := context.Background()
	id := addDuplicate(t, repo, "ana", `{"name":"A"}`)

	require.NoError(t, r.ResolveAsExisting(ctx, id))
	_, err := repo.Get(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	require.Len(t, *events, 1)
	assert.Equal(t, true, (*events)[0].Data["deleted"])
}

// TestResolve_rejectsNonDuplicates verifies both decisions refuse other statuses.
func TestResolve_rejectsNonDuplicates(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	ctx := context.Background()
	id, err := repo.Add(ctx, &models.QueuedRecord{Kind: models.KindLead, OwnerKey: "ana", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = r.ResolveAsNew(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	err = r.ResolveAsExisting(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

// racingStore moves the record back to pending right after Get returns it,
// as a concurrent keep-as-new decision would.
type racingStore struct {
	*db.Repository
}

func (s racingStore) Get(ctx context.Context, id models.UUID) (*models.QueuedRecord, error) {
	rec, err := s.Repository.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Update(ctx, id, models.RecordPatch{Status: models.Ptr(models.StatusPending)}); err != nil {
		return nil, err
	}
	return rec, nil
}

// TestResolveAsExisting_recordMovedOn verifies a record that left duplicate
// after it was read is not deleted.
func TestResolveAsExisting_recordMovedOn(t *testing.T) {
	_, repo, _ := newTestResolver(t)
	ctx := context.Background()
	id := addDuplicate(t, repo, "ana", `{"name":"A"}`)
	bus := notify.NewBus()
	var events []notify.Event
	bus.Subscribe(func(e notify.Event) { events = append(events, e) })
	r := NewResolver(racingStore{repo}, nil, bus)

	err := r.ResolveAsExisting(ctx, id)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, events)
}

func TestResolve_notFound(t *testing.T) {
	r, _, _ := newTestResolver(t)
	err := r.Resolve(context.Background(), "00000000-0000-4000-8000-000000000000", DecisionUseExisting)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestResolve_dispatch(t *testing.T) {
	r, repo, _ := newTestResolver(t)
	ctx := context.Background()
	a := addDuplicate(t, repo, "ana", `{}`)
	b := addDuplicate(t, repo, "ana", `{}`)

	require.NoError(t, r.Resolve(ctx, a, DecisionKeepAsNew))
	require.NoError(t, r.Resolve(ctx, b, DecisionUseExisting))
	assert.Error(t, r.Resolve(ctx, a, "maybe"))

	n, err := repo.Count(ctx, "ana", models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision("new")
	require.NoError(t, err)
	assert.Equal(t, DecisionKeepAsNew, d)

	_, err = ParseDecision("merge")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}
