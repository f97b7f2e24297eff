// Package memory provides an in-process EntityRepository used by the dev
// server (-dsn memory) and by tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/repository"
	"github.com/gofrs/uuid/v5"
)

type key struct {
	coll model.Collection
	id   uuid.UUID
}

// Repo keeps rows in a map. The mutex only protects the map itself; version
// checks are still expressed as CompareAndSwap, the same as in postgres.
type Repo struct {
	mu   sync.RWMutex
	rows map[key]model.Entity
}

var (
	_ repository.EntityRepository  = (*Repo)(nil)
	_ repository.AccountRepository = (*Repo)(nil)
)

// New returns an empty repository.
func New() *Repo { return &Repo{rows: make(map[key]model.Entity)} }

func clone(e model.Entity) model.Entity {
	e.Data = slices.Clone(e.Data)
	return e
}

func (r *Repo) Insert(_ context.Context, e model.Entity) error {
	if !e.Collection.Valid() {
		return errs.Invalid("unknown collection %q", e.Collection)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{e.Collection, e.ID}
	if _, ok := r.rows[k]; ok {
		return errs.ErrAlreadyExists
	}
	r.rows[k] = clone(e)
	return nil
}

func (r *Repo) Get(_ context.Context, coll model.Collection, ownerID, id uuid.UUID) (*model.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rows[key{coll, id}]
	if !ok || e.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	e = clone(e)
	return &e, nil
}

func (r *Repo) CompareAndSwap(_ context.Context, e model.Entity, expectVer int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{e.Collection, e.ID}
	cur, ok := r.rows[k]
	if !ok || cur.OwnerID != e.OwnerID || cur.Version != expectVer {
		return false, nil
	}
	e.CreatedAt = cur.CreatedAt
	r.rows[k] = clone(e)
	return true, nil
}

func (r *Repo) ChangedSince(_ context.Context, coll model.Collection, ownerID uuid.UUID, since time.Time) ([]model.Entity, error) {
	return r.filter(coll, ownerID, func(e model.Entity) bool { return e.UpdatedAt.After(since) }, byUpdated), nil
}

func (r *Repo) ListLive(_ context.Context, coll model.Collection, ownerID uuid.UUID) ([]model.Entity, error) {
	return r.filter(coll, ownerID, func(e model.Entity) bool { return !e.Tombstone }, byCreated), nil
}

// PurgeOwner hard-deletes every row of owner.
func (r *Repo) PurgeOwner(_ context.Context, ownerID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, e := range r.rows {
		if e.OwnerID == ownerID {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func (r *Repo) filter(coll model.Collection, ownerID uuid.UUID, keep func(model.Entity) bool, cmp func(a, b model.Entity) int) []model.Entity {
	r.mu.RLock()
	out := []model.Entity{}
	for k, e := range r.rows {
		if k.coll == coll && e.OwnerID == ownerID && keep(e) {
			out = append(out, clone(e))
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, cmp)
	return out
}

func byUpdated(a, b model.Entity) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func byCreated(a, b model.Entity) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}
