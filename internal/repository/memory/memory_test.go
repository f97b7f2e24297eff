package memory

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func row(owner uuid.UUID, at time.Time) model.Entity {
	return model.Entity{
		Collection: model.Decks,
		ID:         uuid.Must(uuid.NewV4()),
		OwnerID:    owner,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
		Data:       []byte(`{"name":"a"}`),
	}
}

func TestRepo_InsertGetScoped(t *testing.T) {
	ctx := context.Background()
	r := New()
	owner, other := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	e := row(owner, time.Now())

	require.NoError(t, r.Insert(ctx, e))
	require.ErrorIs(t, r.Insert(ctx, e), errs.ErrAlreadyExists)

	got, err := r.Get(ctx, model.Decks, owner, e.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)

	_, err = r.Get(ctx, model.Decks, other, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Get(ctx, model.Flashcards, owner, e.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRepo_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	r := New()
	owner := uuid.Must(uuid.NewV4())
	e := row(owner, time.Now())
	require.NoError(t, r.Insert(ctx, e))

	next := e
	next.Version = 2
	ok, err := r.CompareAndSwap(ctx, next, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.CompareAndSwap(ctx, next, 1)
	require.NoError(t, err)
	require.False(t, ok, "stale expected version must not write")

	next.OwnerID = uuid.Must(uuid.NewV4())
	next.Version = 3
	ok, _ = r.CompareAndSwap(ctx, next, 2)
	require.False(t, ok, "foreign owner must not write")
}

func TestRepo_ChangedSinceAndListLive(t *testing.T) {
	ctx := context.Background()
	r := New()
	owner := uuid.Must(uuid.NewV4())
	t0 := time.Now().UTC()
	old, fresh := row(owner, t0.Add(-time.Minute)), row(owner, t0.Add(time.Second))
	dead := row(owner, t0.Add(2*time.Second))
	dead.Tombstone = true
	for _, e := range []model.Entity{old, fresh, dead, row(uuid.Must(uuid.NewV4()), t0.Add(time.Second))} {
		require.NoError(t, r.Insert(ctx, e))
	}

	changed, err := r.ChangedSince(ctx, model.Decks, owner, t0)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	require.Equal(t, fresh.ID, changed[0].ID)
	require.Equal(t, dead.ID, changed[1].ID)

	live, err := r.ListLive(ctx, model.Decks, owner)
	require.NoError(t, err)
	require.Len(t, live, 2)

	n, err := r.PurgeOwner(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	live, _ = r.ListLive(ctx, model.Decks, owner)
	require.Empty(t, live)
}
