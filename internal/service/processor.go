package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/repository"
)

// Processor applies single create/update/delete intents to one collection,
// enforcing ownership and optimistic version checks.
type Processor interface {
	// Collection returns the collection served by the processor.
	Collection() model.Collection
	// Create inserts a new row at version 1 after validating parents.
	Create(ctx context.Context, ownerID, id uuid.UUID, data json.RawMessage) (model.Entity, error)
	// Update merges the present fields if clientVer is not behind the stored version.
	Update(ctx context.Context, ownerID, id uuid.UUID, clientVer int64, fields json.RawMessage) (model.Entity, error)
	// Delete sets the tombstone if clientVer is not behind the stored version.
	Delete(ctx context.Context, ownerID, id uuid.UUID, clientVer int64) (model.Entity, error)
}

// systemKeys are row attributes owned by the server; they never enter a payload.
var systemKeys = []string{"id", "ownerId", "version", "tombstone", "createdAt", "updatedAt"}

type processor[T any] struct {
	coll  model.Collection
	repo  repository.EntityRepository
	clock *commitClock
	check func(ctx context.Context, ownerID, id uuid.UUID, v *T) error
}

// NewProcessors builds one processor per collection over repo.
func NewProcessors(repo repository.EntityRepository, now Clock) map[model.Collection]Processor {
	return newProcessors(repo, newCommitClock(now))
}

func newProcessors(repo repository.EntityRepository, clock *commitClock) map[model.Collection]Processor {
	return map[model.Collection]Processor{
		model.Decks: &processor[model.Deck]{
			coll: model.Decks, repo: repo, clock: clock, check: checkDeck,
		},
		model.Flashcards: &processor[model.Flashcard]{
			coll: model.Flashcards, repo: repo, clock: clock,
			check: func(ctx context.Context, ownerID, _ uuid.UUID, v *model.Flashcard) error {
				return checkFlashcard(ctx, repo, ownerID, v)
			},
		},
		model.CardProgress: &processor[model.Progress]{
			coll: model.CardProgress, repo: repo, clock: clock,
			check: func(ctx context.Context, ownerID, id uuid.UUID, v *model.Progress) error {
				return checkProgress(ctx, repo, ownerID, id, v)
			},
		},
	}
}

func (p *processor[T]) Collection() model.Collection { return p.coll }

func (p *processor[T]) Create(ctx context.Context, ownerID, id uuid.UUID, data json.RawMessage) (model.Entity, error) {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return model.Entity{}, errs.Invalid("empty owner/entity id")
	}
	var v T
	if err := mergeInto(&v, data); err != nil {
		return model.Entity{}, err
	}
	if err := p.check(ctx, ownerID, id, &v); err != nil {
		return model.Entity{}, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return model.Entity{}, err
	}

	now, release := p.clock.stamp(time.Time{})
	defer release()
	e := model.Entity{
		Collection: p.coll,
		ID:         id,
		OwnerID:    ownerID,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Data:       body,
	}
	err = p.repo.Insert(ctx, e)
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, errs.ErrAlreadyExists):
		return p.replayedCreate(ctx, ownerID, id, body)
	default:
		return model.Entity{}, err
	}
}

// replayedCreate resolves a create whose id already exists: an identical
// untouched row is an idempotent success, anything else a conflict.
func (p *processor[T]) replayedCreate(ctx context.Context, ownerID, id uuid.UUID, body []byte) (model.Entity, error) {
	cur, err := p.repo.Get(ctx, p.coll, ownerID, id)
	if err != nil {
		return model.Entity{}, err
	}
	if cur.Version == 1 && !cur.Tombstone && sameJSON(cur.Data, body) {
		return *cur, nil
	}
	return model.Entity{}, errs.Conflict(*cur)
}

func (p *processor[T]) Update(ctx context.Context, ownerID, id uuid.UUID, clientVer int64, fields json.RawMessage) (model.Entity, error) {
	cur, err := p.load(ctx, ownerID, id, clientVer)
	if err != nil {
		return model.Entity{}, err
	}
	if cur.Tombstone {
		return model.Entity{}, errs.Conflict(*cur)
	}

	var v T
	if err := json.Unmarshal(cur.Data, &v); err != nil {
		return model.Entity{}, fmt.Errorf("decode stored %s %s: %w", p.coll, id, err)
	}
	if err := mergeInto(&v, fields); err != nil {
		return model.Entity{}, err
	}
	if err := p.check(ctx, ownerID, id, &v); err != nil {
		return model.Entity{}, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return model.Entity{}, err
	}

	next, release := p.bump(*cur)
	defer release()
	next.Data = body
	return p.commit(ctx, next, cur.Version)
}

func (p *processor[T]) Delete(ctx context.Context, ownerID, id uuid.UUID, clientVer int64) (model.Entity, error) {
	cur, err := p.load(ctx, ownerID, id, clientVer)
	if err != nil {
		return model.Entity{}, err
	}
	next, release := p.bump(*cur)
	defer release()
	next.Tombstone = true
	return p.commit(ctx, next, cur.Version)
}

// load fetches the owner's row and applies the version rule: a stored
// version ahead of clientVer is a conflict, equal versions let the change win.
func (p *processor[T]) load(ctx context.Context, ownerID, id uuid.UUID, clientVer int64) (*model.Entity, error) {
	if ownerID == uuid.Nil || id == uuid.Nil {
		return nil, errs.Invalid("empty owner/entity id")
	}
	cur, err := p.repo.Get(ctx, p.coll, ownerID, id)
	if err != nil {
		return nil, err
	}
	if cur.Version > clientVer {
		return nil, errs.Conflict(*cur)
	}
	return cur, nil
}

// bump prepares the next version of cur. release must run once the write
// has finished so pulls may move their watermark past its updatedAt.
func (p *processor[T]) bump(cur model.Entity) (model.Entity, func()) {
	next := cur
	next.Version = cur.Version + 1
	var release func()
	next.UpdatedAt, release = p.clock.stamp(cur.UpdatedAt)
	return next, release
}

// commit writes next only if nobody committed since expectVer was read;
// losing the race surfaces the winner's row as a conflict.
func (p *processor[T]) commit(ctx context.Context, next model.Entity, expectVer int64) (model.Entity, error) {
	ok, err := p.repo.CompareAndSwap(ctx, next, expectVer)
	if err != nil {
		return model.Entity{}, err
	}
	if ok {
		return next, nil
	}
	latest, err := p.repo.Get(ctx, p.coll, next.OwnerID, next.ID)
	if err != nil {
		return model.Entity{}, err
	}
	return model.Entity{}, errs.Conflict(*latest)
}

// mergeInto overlays the payload fields present in raw onto dst.
func mergeInto[T any](dst *T, raw json.RawMessage) error {
	fields, err := payloadFields(raw)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return errs.Invalid("payload: %v", err)
	}
	return nil
}

// payloadFields decodes a change's data object without its system keys.
func payloadFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) == 0 || string(raw) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errs.Invalid("data must be an object: %v", err)
	}
	for _, k := range systemKeys {
		delete(fields, k)
	}
	return fields, nil
}

// ClientVersion extracts data.version; an absent version reads as 0.
func ClientVersion(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var probe struct {
		Version *int64 `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, errs.Invalid("data.version: %v", err)
	}
	if probe.Version == nil {
		return 0, nil
	}
	if *probe.Version < 0 {
		return 0, errs.Invalid("negative version")
	}
	return *probe.Version, nil
}

func sameJSON(a, b []byte) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}

func checkDeck(_ context.Context, _, _ uuid.UUID, d *model.Deck) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return errs.Invalid("deck name is required")
	}
	if n := utf8.RuneCountInString(d.Name); n > 200 {
		return errs.Invalid("deck name too long (%d > 200)", n)
	}
	return nil
}

func checkFlashcard(ctx context.Context, repo repository.EntityRepository, ownerID uuid.UUID, c *model.Flashcard) error {
	if strings.TrimSpace(c.Front) == "" {
		return errs.Invalid("flashcard front is required")
	}
	return requireLiveParent(ctx, repo, model.Decks, ownerID, c.DeckID)
}

// checkProgress also keeps progress unique per card: a second live row for
// the same card conflicts with the existing one, which the client adopts.
func checkProgress(ctx context.Context, repo repository.EntityRepository, ownerID, id uuid.UUID, p *model.Progress) error {
	if p.Ease < 0 || p.IntervalDays < 0 || p.Repetitions < 0 {
		return errs.Invalid("progress values must not be negative")
	}
	if err := requireLiveParent(ctx, repo, model.Flashcards, ownerID, p.CardID); err != nil {
		return err
	}
	live, err := repo.ListLive(ctx, model.CardProgress, ownerID)
	if err != nil {
		return err
	}
	for _, e := range live {
		if e.ID == id {
			continue
		}
		var other model.Progress
		if json.Unmarshal(e.Data, &other) == nil && other.CardID == p.CardID {
			return errs.Conflict(e)
		}
	}
	return nil
}

// requireLiveParent resolves a referenced parent within the owner's scope.
// Missing, foreign and tombstoned parents are all reported as not found.
func requireLiveParent(ctx context.Context, repo repository.EntityRepository, coll model.Collection, ownerID, id uuid.UUID) error {
	if id == uuid.Nil {
		return errs.Invalid("%s reference is required", coll)
	}
	parent, err := repo.Get(ctx, coll, ownerID, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", coll, id, err)
	}
	if parent.Tombstone {
		return fmt.Errorf("%s %s deleted: %w", coll, id, errs.ErrNotFound)
	}
	return nil
}
