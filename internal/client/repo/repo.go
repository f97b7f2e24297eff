// Package repo gives the application online-first writes and network-first
// reads over the remote API, the local cache and the outbox.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardsync/internal/convert"
	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
)

// Kind tells whether the server accepted a write.
type Kind int

const (
	// Confirmed writes were accepted by the server; Entity is authoritative.
	Confirmed Kind = iota + 1
	// Optimistic writes are queued in the outbox; Entity is the local guess.
	Optimistic
)

func (k Kind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case Optimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// Result is the outcome of a write.
type Result struct {
	Kind     Kind
	Entity   model.Entity
	OutboxID string // set for Optimistic results
}

// Remote is the server side used by the repository.
type Remote interface {
	List(ctx context.Context, coll model.Collection) ([]model.Entity, error)
	Get(ctx context.Context, coll model.Collection, id uuid.UUID) (model.Entity, error)
	Create(ctx context.Context, coll model.Collection, id uuid.UUID, data json.RawMessage) (model.Entity, error)
	Update(ctx context.Context, coll model.Collection, id uuid.UUID, version int64, data json.RawMessage) (model.Entity, error)
	Delete(ctx context.Context, coll model.Collection, id uuid.UUID, version int64) (model.Entity, error)
}

// Local is the cache and outbox used by the repository.
type Local interface {
	Merge(ctx context.Context, e model.Entity) (bool, error)
	Put(ctx context.Context, e model.Entity) error
	Get(ctx context.Context, coll model.Collection, id uuid.UUID) (*model.Entity, error)
	ListLive(ctx context.Context, coll model.Collection) ([]model.Entity, error)
	Append(ctx context.Context, ch model.Change) error
}

// Repository implements the client data access policy for one owner.
type Repository struct {
	remote Remote
	local  Local
	owner  uuid.UUID
	now    func() time.Time
	log    *zap.Logger
}

// New constructs a repository for owner.
func New(remote Remote, local Local, owner uuid.UUID, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		remote: remote,
		local:  local,
		owner:  owner,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// Create inserts a row; a nil id gets a fresh client-generated one.
func (r *Repository) Create(ctx context.Context, coll model.Collection, id uuid.UUID, data json.RawMessage) (Result, error) {
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV4(); err != nil {
			return Result{}, err
		}
	}
	e, err := r.remote.Create(ctx, coll, id, data)
	if err == nil {
		return r.confirmed(ctx, e)
	}
	if !errors.Is(err, errs.ErrTransient) {
		return Result{}, err
	}
	return r.enqueue(ctx, model.Change{Collection: coll, EntityID: id, Operation: model.OpCreate, Data: data},
		model.Entity{Collection: coll, ID: id, OwnerID: r.owner, Version: 1, Data: data})
}

// Update merges data into the row known at version.
func (r *Repository) Update(ctx context.Context, coll model.Collection, id uuid.UUID, version int64, data json.RawMessage) (Result, error) {
	e, err := r.remote.Update(ctx, coll, id, version, data)
	if err == nil {
		return r.confirmed(ctx, e)
	}
	if !errors.Is(err, errs.ErrTransient) {
		r.adoptConflict(ctx, err)
		return Result{}, err
	}
	body, verr := convert.WithVersion(data, version)
	if verr != nil {
		return Result{}, errs.Invalid("%v", verr)
	}
	return r.enqueue(ctx, model.Change{Collection: coll, EntityID: id, Operation: model.OpUpdate, Data: body},
		model.Entity{Collection: coll, ID: id, OwnerID: r.owner, Version: version + 1, Data: data})
}

// Delete tombstones the row known at version.
func (r *Repository) Delete(ctx context.Context, coll model.Collection, id uuid.UUID, version int64) (Result, error) {
	e, err := r.remote.Delete(ctx, coll, id, version)
	if err == nil {
		return r.confirmed(ctx, e)
	}
	if !errors.Is(err, errs.ErrTransient) {
		r.adoptConflict(ctx, err)
		return Result{}, err
	}
	body, verr := convert.WithVersion(nil, version)
	if verr != nil {
		return Result{}, errs.Invalid("%v", verr)
	}
	return r.enqueue(ctx, model.Change{Collection: coll, EntityID: id, Operation: model.OpDelete, Data: body},
		model.Entity{Collection: coll, ID: id, OwnerID: r.owner, Version: version + 1, Tombstone: true})
}

// List reads from the server and refreshes the cache; on a transient
// failure it answers from the cache.
func (r *Repository) List(ctx context.Context, coll model.Collection) ([]model.Entity, error) {
	rows, err := r.remote.List(ctx, coll)
	if err == nil {
		for _, e := range rows {
			if _, err := r.local.Merge(ctx, e); err != nil {
				r.log.Warn("cache merge failed", zap.String("collection", string(coll)), zap.Error(err))
			}
		}
		return rows, nil
	}
	if !errors.Is(err, errs.ErrTransient) {
		return nil, err
	}
	r.log.Debug("list from cache", zap.String("collection", string(coll)), zap.Error(err))
	return r.local.ListLive(ctx, coll)
}

// Get reads one row network-first.
func (r *Repository) Get(ctx context.Context, coll model.Collection, id uuid.UUID) (model.Entity, error) {
	e, err := r.remote.Get(ctx, coll, id)
	if err == nil {
		if _, err := r.local.Merge(ctx, e); err != nil {
			r.log.Warn("cache merge failed", zap.String("collection", string(coll)), zap.Error(err))
		}
		return e, nil
	}
	if !errors.Is(err, errs.ErrTransient) {
		return model.Entity{}, err
	}
	cached, cerr := r.local.Get(ctx, coll, id)
	if cerr != nil {
		return model.Entity{}, cerr
	}
	if cached.Tombstone {
		return model.Entity{}, errs.ErrNotFound
	}
	return *cached, nil
}

func (r *Repository) confirmed(ctx context.Context, e model.Entity) (Result, error) {
	if _, err := r.local.Merge(ctx, e); err != nil {
		r.log.Warn("cache merge failed", zap.String("id", e.ID.String()), zap.Error(err))
	}
	return Result{Kind: Confirmed, Entity: e}, nil
}

// adoptConflict stores the server's row carried by a conflict so the next
// read shows the winner.
func (r *Repository) adoptConflict(ctx context.Context, err error) {
	var ce *errs.ConflictError
	if !errors.As(err, &ce) || ce.Current.ID == uuid.Nil {
		return
	}
	if perr := r.local.Put(ctx, ce.Current); perr != nil {
		r.log.Warn("cache put failed", zap.String("id", ce.Current.ID.String()), zap.Error(perr))
	}
}

// enqueue appends ch to the outbox. The optimistic entity is returned to the
// caller only; the cache keeps confirmed rows exclusively.
func (r *Repository) enqueue(ctx context.Context, ch model.Change, guess model.Entity) (Result, error) {
	oid, err := uuid.NewV4()
	if err != nil {
		return Result{}, err
	}
	ch.OutboxID = oid.String()
	ch.CreatedAt = r.now()
	if err := r.local.Append(ctx, ch); err != nil {
		return Result{}, err
	}
	guess.UpdatedAt = ch.CreatedAt
	if guess.CreatedAt.IsZero() {
		guess.CreatedAt = ch.CreatedAt
	}
	r.log.Info("queued offline change",
		zap.String("collection", string(ch.Collection)),
		zap.String("operation", string(ch.Operation)),
		zap.String("outbox_id", ch.OutboxID),
	)
	return Result{Kind: Optimistic, Entity: guess, OutboxID: ch.OutboxID}, nil
}
