// Package service contains the change processors and the sync application service.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/repository"
)

// SyncService defines pull/push delta sync and the plain entity operations
// used by online-first clients.
type SyncService interface {
	// Pull returns every owned row changed after since plus the next watermark.
	Pull(ctx context.Context, ownerID uuid.UUID, since time.Time) (model.PullResult, error)
	// Push applies a batch of changes independently and reports one outcome each.
	Push(ctx context.Context, ownerID uuid.UUID, changes []model.Change) (model.PushResult, error)
	// List returns live rows of a collection.
	List(ctx context.Context, ownerID uuid.UUID, coll model.Collection) ([]model.Entity, error)
	// Get returns one live row.
	Get(ctx context.Context, ownerID uuid.UUID, coll model.Collection, id uuid.UUID) (*model.Entity, error)
	// Apply runs a single change through its processor.
	Apply(ctx context.Context, ownerID uuid.UUID, ch model.Change) (model.Entity, error)
}

// Options tune the sync service.
type Options struct {
	// MaxBatch bounds the number of changes per push (default 100).
	MaxBatch int
	// WatermarkLag is subtracted from the pull serverTime so writes stamped
	// by another server process before the pull but committed after it are
	// re-sent. It should be at least the database statement timeout.
	WatermarkLag time.Duration
	Clock        Clock
	Logger       *zap.Logger
}

type SyncServiceImpl struct {
	repo     repository.EntityRepository
	procs    map[model.Collection]Processor
	maxBatch int
	lag      time.Duration
	now      Clock
	clock    *commitClock
	log      *zap.Logger
}

// NewSyncService constructs SyncService with one processor per collection.
func NewSyncService(repo repository.EntityRepository, opts Options) *SyncServiceImpl {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	clock := newCommitClock(opts.Clock)
	return &SyncServiceImpl{
		repo:     repo,
		procs:    newProcessors(repo, clock),
		maxBatch: opts.MaxBatch,
		lag:      opts.WatermarkLag,
		now:      opts.Clock,
		clock:    clock,
		log:      opts.Logger,
	}
}

// MaxBatch reports the configured push batch limit.
func (s *SyncServiceImpl) MaxBatch() int { return s.maxBatch }

// Pull captures serverTime before querying, so a row committed while the
// queries run is returned again by the next pull instead of being skipped.
// serverTime also stays below the updatedAt of every write still in flight
// in this process; WatermarkLag covers writers in other processes.
func (s *SyncServiceImpl) Pull(ctx context.Context, ownerID uuid.UUID, since time.Time) (model.PullResult, error) {
	if ownerID == uuid.Nil {
		return model.PullResult{}, errs.Invalid("empty owner id")
	}
	serverTime := s.clock.watermark().Add(-s.lag)

	res := model.PullResult{Changes: make(map[model.Collection][]model.Entity, len(model.Collections))}
	for _, coll := range model.Collections {
		rows, err := s.repo.ChangedSince(ctx, coll, ownerID, since)
		if err != nil {
			return model.PullResult{}, fmt.Errorf("pull %s: %w", coll, err)
		}
		res.Changes[coll] = rows
	}
	if serverTime.Before(since) {
		serverTime = since
	}
	res.ServerTime = serverTime
	return res, nil
}

// Push processes changes in order. Each entry is isolated: its error or
// panic becomes that entry's outcome and never aborts the batch.
func (s *SyncServiceImpl) Push(ctx context.Context, ownerID uuid.UUID, changes []model.Change) (model.PushResult, error) {
	if ownerID == uuid.Nil {
		return model.PushResult{}, errs.Invalid("empty owner id")
	}
	if len(changes) > s.maxBatch {
		return model.PushResult{}, errs.Invalid("batch too large (%d > %d)", len(changes), s.maxBatch)
	}
	out := model.PushResult{Results: make([]model.Outcome, 0, len(changes))}
	for _, ch := range changes {
		out.Results = append(out.Results, s.applyIsolated(ctx, ownerID, ch))
	}
	out.ServerTime = s.now()
	return out, nil
}

func (s *SyncServiceImpl) applyIsolated(ctx context.Context, ownerID uuid.UUID, ch model.Change) (out model.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("push entry panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.String("outbox_id", ch.OutboxID),
				zap.String("collection", string(ch.Collection)),
			)
			out = model.Outcome{OutboxID: ch.OutboxID, Kind: model.OutcomeError, Reason: "internal error"}
		}
	}()
	e, err := s.Apply(ctx, ownerID, ch)
	out = Classify(ch.OutboxID, e, err)
	if out.Kind == model.OutcomeError {
		s.log.Warn("push entry failed",
			zap.String("outbox_id", ch.OutboxID),
			zap.String("collection", string(ch.Collection)),
			zap.Error(err),
		)
	}
	return out
}

// Classify maps a processor result onto the outcome variants.
func Classify(outboxID string, e model.Entity, err error) model.Outcome {
	o := model.Outcome{OutboxID: outboxID}
	var conflict *errs.ConflictError
	switch {
	case err == nil:
		o.Kind = model.OutcomeApplied
		o.Entity = &e
	case errors.As(err, &conflict):
		o.Kind = model.OutcomeConflict
		cur := conflict.Current
		o.Entity = &cur
		o.Reason = "version conflict"
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrValidation):
		o.Kind = model.OutcomeRejected
		o.Reason = err.Error()
	default:
		o.Kind = model.OutcomeError
		o.Reason = "internal error"
	}
	return o
}

// Apply routes ch to the processor of its collection.
func (s *SyncServiceImpl) Apply(ctx context.Context, ownerID uuid.UUID, ch model.Change) (model.Entity, error) {
	p, ok := s.procs[ch.Collection]
	if !ok {
		return model.Entity{}, errs.Invalid("unknown collection %q", ch.Collection)
	}
	switch ch.Operation {
	case model.OpCreate:
		return p.Create(ctx, ownerID, ch.EntityID, ch.Data)
	case model.OpUpdate:
		ver, err := ClientVersion(ch.Data)
		if err != nil {
			return model.Entity{}, err
		}
		return p.Update(ctx, ownerID, ch.EntityID, ver, ch.Data)
	case model.OpDelete:
		ver, err := ClientVersion(ch.Data)
		if err != nil {
			return model.Entity{}, err
		}
		return p.Delete(ctx, ownerID, ch.EntityID, ver)
	default:
		return model.Entity{}, errs.Invalid("unknown operation %q", ch.Operation)
	}
}

// List returns live rows of coll owned by ownerID.
func (s *SyncServiceImpl) List(ctx context.Context, ownerID uuid.UUID, coll model.Collection) ([]model.Entity, error) {
	if !coll.Valid() {
		return nil, errs.Invalid("unknown collection %q", coll)
	}
	return s.repo.ListLive(ctx, coll, ownerID)
}

// Get returns one live row; tombstoned rows read as not found.
func (s *SyncServiceImpl) Get(ctx context.Context, ownerID uuid.UUID, coll model.Collection, id uuid.UUID) (*model.Entity, error) {
	if !coll.Valid() {
		return nil, errs.Invalid("unknown collection %q", coll)
	}
	e, err := s.repo.Get(ctx, coll, ownerID, id)
	if err != nil {
		return nil, err
	}
	if e.Tombstone {
		return nil, errs.ErrNotFound
	}
	return e, nil
}
