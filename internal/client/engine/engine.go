// Package engine drives client synchronization: it drains the outbox, pulls
// remote changes and reports status to subscribers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/cardsync/internal/client/store"
	"github.com/and161185/cardsync/internal/model"
)

// ErrStopped is returned by Sync after Stop, and by a cycle whose results
// arrived after Stop and were discarded.
var ErrStopped = errors.New("sync engine stopped")

// Status is the externally visible engine state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Event is published on every status change.
type Event struct {
	Status         Status
	PendingChanges int
	Err            error
	At             time.Time
}

// Remote is the server side of a cycle.
type Remote interface {
	Pull(ctx context.Context, since time.Time) (model.PullResult, error)
	Push(ctx context.Context, changes []model.Change) (model.PushResult, error)
}

// Local is the cache, outbox and watermark touched by a cycle.
type Local interface {
	Peek(ctx context.Context, limit int) ([]store.Entry, error)
	Remove(ctx context.Context, outboxIDs ...string) error
	Count(ctx context.Context) (int, error)
	Merge(ctx context.Context, e model.Entity) (bool, error)
	Put(ctx context.Context, e model.Entity) error
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Options tune the engine. Zero values pick the defaults.
type Options struct {
	Interval         time.Duration // periodic cycle, default 30s
	MinBackoff       time.Duration // first retry delay after a failed cycle, default 1s
	BatchSize        int           // changes per push, default 100
	MaxEntryAttempts int           // cycles an erroring entry is retried, default 5
	Logger           *zap.Logger
}

// Engine runs at most one sync cycle at a time.
type Engine struct {
	remote Remote
	local  Local
	opts   Options
	log    *zap.Logger

	sf     singleflight.Group
	base   context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup

	// gate orders store writes against Stop.
	gate    sync.RWMutex
	stopped bool

	mu       sync.Mutex
	started  bool
	closed   bool
	status   Status
	subs     map[int]chan Event
	nextSub  int
	attempts map[string]int
}

// New constructs an idle engine.
func New(remote Remote, local Local, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MinBackoff > opts.Interval {
		opts.MinBackoff = opts.Interval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxEntryAttempts <= 0 {
		opts.MaxEntryAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		remote:   remote,
		local:    local,
		opts:     opts,
		log:      opts.Logger,
		base:     base,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		status:   StatusIdle,
		subs:     map[int]chan Event{},
		attempts: map[string]int{},
	}
}

// Start runs a cycle now and then every Interval until ctx is done or Stop
// is called. Failed cycles are retried with exponential backoff.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Nudge asks the background loop for a cycle now (e.g. connectivity regained).
func (e *Engine) Nudge() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Sync runs a cycle, or joins the one already in flight.
func (e *Engine) Sync(ctx context.Context) error {
	if e.isStopped() {
		return ErrStopped
	}
	ch := e.sf.DoChan("cycle", func() (any, error) {
		return nil, e.cycle(e.base)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

// Stop cancels future cycles and waits for the background loop. Results of
// a cycle still in flight are discarded.
func (e *Engine) Stop() {
	e.gate.Lock()
	already := e.stopped
	e.stopped = true
	e.gate.Unlock()
	if already {
		return
	}

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()
}

// Status reports the last published status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Subscribe returns a buffered event channel and its cancel func. Events are
// dropped for subscribers that do not keep up.
func (e *Engine) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Event, buf)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	backoff := e.newBackoff()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.base.Done():
			return
		case <-timer.C:
		case <-e.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		err := e.Sync(ctx)
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return
		}
		next := e.opts.Interval
		if err != nil {
			if d, stop := backoff.Next(); !stop {
				next = d
			}
		} else {
			backoff = e.newBackoff()
		}
		timer.Reset(next)
	}
}

func (e *Engine) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(e.opts.Interval, retry.NewExponential(e.opts.MinBackoff))
}

func (e *Engine) isStopped() bool {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.stopped
}

// guard runs a store write unless the engine has been stopped.
func (e *Engine) guard(fn func() error) error {
	e.gate.RLock()
	defer e.gate.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	return fn()
}

func (e *Engine) cycle(ctx context.Context) error {
	e.publish(ctx, StatusSyncing, nil)

	err := e.drain(ctx)
	if err == nil {
		err = e.pull(ctx)
	}
	if e.isStopped() {
		return ErrStopped
	}
	if err != nil {
		e.log.Warn("sync cycle failed", zap.Error(err))
		e.publish(ctx, StatusError, err)
		return err
	}
	e.publish(ctx, StatusIdle, nil)
	return nil
}

// drain pushes the outbox in seq order, one batch in flight at a time. An
// entry kept for retry blocks the entries behind it until a later cycle:
// of those, only applied and conflicting outcomes are settled, since the
// server already holds their result; the rest stay queued in order.
func (e *Engine) drain(ctx context.Context) error {
	for {
		batch, err := e.local.Peek(ctx, e.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		changes := make([]model.Change, 0, len(batch))
		for _, en := range batch {
			changes = append(changes, en.Change)
		}

		res, err := e.remote.Push(ctx, changes)
		if err != nil {
			return fmt.Errorf("push: %w", err)
		}

		byID := make(map[string]model.Outcome, len(res.Results))
		for _, o := range res.Results {
			byID[o.OutboxID] = o
		}
		blocked := false
		for _, en := range batch {
			o, ok := byID[en.Change.OutboxID]
			if !ok {
				o = model.Outcome{OutboxID: en.Change.OutboxID, Kind: model.OutcomeError, Reason: "no result"}
			}
			if blocked && o.Kind != model.OutcomeApplied && o.Kind != model.OutcomeConflict {
				continue
			}
			var kept bool
			err := e.guard(func() error {
				var err error
				kept, err = e.settle(ctx, en.Change, o)
				return err
			})
			if err != nil {
				return err
			}
			blocked = blocked || kept
		}
		if blocked {
			return nil
		}
	}
}

// settle applies one outcome to the store. kept reports an entry left
// queued for a later retry.
func (e *Engine) settle(ctx context.Context, ch model.Change, o model.Outcome) (kept bool, err error) {
	fields := []zap.Field{
		zap.String("outbox_id", ch.OutboxID),
		zap.String("collection", string(ch.Collection)),
		zap.String("operation", string(ch.Operation)),
	}
	switch o.Kind {
	case model.OutcomeApplied:
		if o.Entity != nil {
			if _, err := e.local.Merge(ctx, *o.Entity); err != nil {
				return false, err
			}
		}
		e.forget(ch.OutboxID)
		return false, e.local.Remove(ctx, ch.OutboxID)

	case model.OutcomeConflict:
		if o.Entity != nil {
			if err := e.local.Put(ctx, *o.Entity); err != nil {
				return false, err
			}
		}
		e.log.Info("change lost to a newer server version", fields...)
		e.forget(ch.OutboxID)
		return false, e.local.Remove(ctx, ch.OutboxID)

	case model.OutcomeRejected:
		e.log.Warn("change rejected", append(fields, zap.String("reason", o.Reason))...)
		e.forget(ch.OutboxID)
		return false, e.local.Remove(ctx, ch.OutboxID)

	default:
		e.mu.Lock()
		e.attempts[ch.OutboxID]++
		n := e.attempts[ch.OutboxID]
		e.mu.Unlock()
		if n < e.opts.MaxEntryAttempts {
			e.log.Warn("change failed, will retry", append(fields, zap.Int("attempt", n), zap.String("reason", o.Reason))...)
			return true, nil
		}
		e.log.Error("change dropped after repeated failures", append(fields, zap.Int("attempts", n), zap.String("reason", o.Reason))...)
		e.forget(ch.OutboxID)
		return false, e.local.Remove(ctx, ch.OutboxID)
	}
}

func (e *Engine) forget(outboxID string) {
	e.mu.Lock()
	delete(e.attempts, outboxID)
	e.mu.Unlock()
}

func (e *Engine) pull(ctx context.Context) error {
	since, err := e.local.Watermark(ctx)
	if err != nil {
		return err
	}
	res, err := e.remote.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	return e.guard(func() error {
		for _, coll := range model.Collections {
			for _, ent := range res.Changes[coll] {
				if _, err := e.local.Merge(ctx, ent); err != nil {
					return err
				}
			}
		}
		return e.local.SetWatermark(ctx, res.ServerTime)
	})
}

func (e *Engine) publish(ctx context.Context, st Status, err error) {
	pending, cerr := e.local.Count(ctx)
	if cerr != nil {
		pending = -1
	}
	ev := Event{Status: st, PendingChanges: pending, Err: err, At: time.Now().UTC()}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = st
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
