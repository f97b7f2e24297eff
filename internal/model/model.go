// Package model defines domain entities used by services, repositories and the sync client.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Collection names a syncable entity type as it appears on the wire.
type Collection string

const (
	Decks        Collection = "decks"
	Flashcards   Collection = "flashcards"
	CardProgress Collection = "card-progress"
)

// Collections lists every syncable collection in parent-before-child order.
var Collections = []Collection{Decks, Flashcards, CardProgress}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case Decks, Flashcards, CardProgress:
		return true
	}
	return false
}

// Table returns the storage table suffix for the collection.
func (c Collection) Table() string {
	switch c {
	case Decks:
		return "decks"
	case Flashcards:
		return "flashcards"
	case CardProgress:
		return "card_progress"
	}
	return ""
}

// Operation is a change intent.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Entity is a single versioned row of any collection. Data holds the
// collection payload (Deck, Flashcard or CardProgress) as a JSON object.
type Entity struct {
	Collection Collection
	ID         uuid.UUID // client-generated PK
	OwnerID    uuid.UUID // access scope
	Version    int64     // >= 1, +1 per accepted mutation
	Tombstone  bool      // soft-delete marker
	CreatedAt  time.Time
	UpdatedAt  time.Time // server clock, pull watermark
	Data       json.RawMessage
}

// Deck is the payload of the decks collection.
type Deck struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Flashcard is the payload of the flashcards collection.
type Flashcard struct {
	DeckID uuid.UUID `json:"deckId"`
	Front  string    `json:"front"`
	Back   string    `json:"back,omitempty"`
}

// Progress is the payload of the card-progress collection. Scheduling values
// are produced by an external formula and stored as given.
type Progress struct {
	CardID         uuid.UUID  `json:"cardId"`
	Ease           float64    `json:"ease"`
	IntervalDays   int        `json:"intervalDays"`
	Repetitions    int        `json:"repetitions"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	LastReviewedAt *time.Time `json:"lastReviewedAt,omitempty"`
}

// Change is a client-originated mutation; OutboxID is the idempotency and
// correlation key chosen by the client.
type Change struct {
	OutboxID   string
	Collection Collection
	EntityID   uuid.UUID
	Operation  Operation
	Data       json.RawMessage // payload fields plus "version" for update/delete
	CreatedAt  time.Time
}

// OutcomeKind enumerates per-change results of a push.
type OutcomeKind string

const (
	OutcomeApplied  OutcomeKind = "applied"
	OutcomeConflict OutcomeKind = "conflict"
	OutcomeRejected OutcomeKind = "rejected"
	OutcomeError    OutcomeKind = "error"
)

// Outcome is the result of one change. Entity is the authoritative row for
// applied and conflict outcomes.
type Outcome struct {
	OutboxID string
	Kind     OutcomeKind
	Entity   *Entity
	Reason   string
}

// Success reports whether the change was applied.
func (o Outcome) Success() bool { return o.Kind == OutcomeApplied }

// PullResult holds every row changed since a watermark, per collection.
type PullResult struct {
	Changes    map[Collection][]Entity
	ServerTime time.Time
}

// PushResult holds one outcome per pushed change.
type PushResult struct {
	Results    []Outcome
	ServerTime time.Time
}
