// Package convert maps domain models to and from the JSON wire format shared
// by the HTTP server and the sync client.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardsync/internal/model"
)

// ChangeDTO is one pushed change.
type ChangeDTO struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Changes []ChangeDTO `json:"changes"`
}

// ResultDTO is the outcome of one pushed change.
type ResultDTO struct {
	OutboxID      string          `json:"outboxId"`
	Success       bool            `json:"success"`
	Conflict      bool            `json:"conflict,omitempty"`
	ServerVersion *int64          `json:"serverVersion,omitempty"`
	ServerData    json.RawMessage `json:"serverData,omitempty"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
}

// PushResponse is the body returned by POST /sync/push.
type PushResponse struct {
	Results    []ResultDTO `json:"results"`
	ServerTime time.Time   `json:"serverTime"`
}

// PullResponse is the body returned by GET /sync/pull.
type PullResponse struct {
	Decks        []json.RawMessage `json:"decks"`
	Flashcards   []json.RawMessage `json:"flashcards"`
	CardProgress []json.RawMessage `json:"cardProgress"`
	ServerTime   time.Time         `json:"serverTime"`
}

// CreateRequest is the body of POST /api/{collection}.
type CreateRequest struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// UpdateRequest is the body of PATCH /api/{collection}/{id}.
type UpdateRequest struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// ConflictResponse is the body of a 409 answer.
type ConflictResponse struct {
	Error         string          `json:"error"`
	ServerVersion int64           `json:"serverVersion"`
	ServerData    json.RawMessage `json:"serverData"`
}

type sysFields struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Version   int64     `json:"version"`
	Tombstone bool      `json:"tombstone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var sysKeys = []string{"id", "ownerId", "version", "tombstone", "createdAt", "updatedAt"}

// EntityToWire flattens an entity: system attributes and payload fields share one object.
func EntityToWire(e model.Entity) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &obj); err != nil {
			return nil, fmt.Errorf("entity %s data: %w", e.ID, err)
		}
	}
	sys, err := json.Marshal(sysFields{
		ID: e.ID, OwnerID: e.OwnerID, Version: e.Version, Tombstone: e.Tombstone,
		CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
	})
	if err != nil {
		return nil, err
	}
	var sysObj map[string]json.RawMessage
	if err := json.Unmarshal(sys, &sysObj); err != nil {
		return nil, err
	}
	for k, v := range sysObj {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// EntityFromWire splits a flat entity object back into attributes and payload.
func EntityFromWire(coll model.Collection, raw json.RawMessage) (model.Entity, error) {
	var sys sysFields
	if err := json.Unmarshal(raw, &sys); err != nil {
		return model.Entity{}, fmt.Errorf("decode %s entity: %w", coll, err)
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return model.Entity{}, fmt.Errorf("decode %s entity: %w", coll, err)
	}
	for _, k := range sysKeys {
		delete(obj, k)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return model.Entity{}, err
	}
	return model.Entity{
		Collection: coll,
		ID:         sys.ID,
		OwnerID:    sys.OwnerID,
		Version:    sys.Version,
		Tombstone:  sys.Tombstone,
		CreatedAt:  sys.CreatedAt,
		UpdatedAt:  sys.UpdatedAt,
		Data:       data,
	}, nil
}

func entitiesToWire(es []model.Entity) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(es))
	for _, e := range es {
		w, err := EntityToWire(e)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func entitiesFromWire(coll model.Collection, ws []json.RawMessage) ([]model.Entity, error) {
	out := make([]model.Entity, 0, len(ws))
	for _, w := range ws {
		e, err := EntityFromWire(coll, w)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ToPullResponse converts a pull result to its wire form.
func ToPullResponse(r model.PullResult) (PullResponse, error) {
	var (
		resp = PullResponse{ServerTime: r.ServerTime}
		err  error
	)
	if resp.Decks, err = entitiesToWire(r.Changes[model.Decks]); err != nil {
		return PullResponse{}, err
	}
	if resp.Flashcards, err = entitiesToWire(r.Changes[model.Flashcards]); err != nil {
		return PullResponse{}, err
	}
	if resp.CardProgress, err = entitiesToWire(r.Changes[model.CardProgress]); err != nil {
		return PullResponse{}, err
	}
	return resp, nil
}

// FromPullResponse converts a wire pull body to a pull result.
func FromPullResponse(p PullResponse) (model.PullResult, error) {
	res := model.PullResult{ServerTime: p.ServerTime, Changes: map[model.Collection][]model.Entity{}}
	for coll, ws := range map[model.Collection][]json.RawMessage{
		model.Decks:        p.Decks,
		model.Flashcards:   p.Flashcards,
		model.CardProgress: p.CardProgress,
	} {
		es, err := entitiesFromWire(coll, ws)
		if err != nil {
			return model.PullResult{}, err
		}
		res.Changes[coll] = es
	}
	return res, nil
}

// ToChangeDTO converts a change for transmission.
func ToChangeDTO(c model.Change) ChangeDTO {
	return ChangeDTO{
		ID:         c.OutboxID,
		Collection: string(c.Collection),
		EntityID:   c.EntityID.String(),
		Operation:  string(c.Operation),
		Data:       c.Data,
	}
}

// FromChangeDTO converts a received change. A malformed entity id becomes
// uuid.Nil so the entry is rejected individually instead of failing the batch.
func FromChangeDTO(d ChangeDTO) model.Change {
	id, err := uuid.FromString(d.EntityID)
	if err != nil {
		id = uuid.Nil
	}
	return model.Change{
		OutboxID:   d.ID,
		Collection: model.Collection(d.Collection),
		EntityID:   id,
		Operation:  model.Operation(d.Operation),
		Data:       d.Data,
	}
}

// ToResultDTO converts an outcome to its wire form.
func ToResultDTO(o model.Outcome) (ResultDTO, error) {
	dto := ResultDTO{
		OutboxID: o.OutboxID,
		Success:  o.Success(),
		Conflict: o.Kind == model.OutcomeConflict,
		Status:   string(o.Kind),
	}
	if !o.Success() {
		dto.Error = o.Reason
	}
	if o.Entity != nil {
		ver := o.Entity.Version
		dto.ServerVersion = &ver
		data, err := EntityToWire(*o.Entity)
		if err != nil {
			return ResultDTO{}, err
		}
		dto.ServerData = data
	}
	return dto, nil
}

// FromResultDTO converts a wire outcome; coll tells how to decode serverData.
func FromResultDTO(coll model.Collection, d ResultDTO) (model.Outcome, error) {
	o := model.Outcome{OutboxID: d.OutboxID, Reason: d.Error}
	switch {
	case d.Status != "":
		o.Kind = model.OutcomeKind(d.Status)
	case d.Success:
		o.Kind = model.OutcomeApplied
	case d.Conflict:
		o.Kind = model.OutcomeConflict
	default:
		o.Kind = model.OutcomeRejected
	}
	if len(d.ServerData) > 0 && string(d.ServerData) != "null" {
		e, err := EntityFromWire(coll, d.ServerData)
		if err != nil {
			return model.Outcome{}, err
		}
		o.Entity = &e
	}
	return o, nil
}

// WithVersion returns data with its "version" key set to ver; update and
// delete changes carry the client version that way.
func WithVersion(data json.RawMessage, ver int64) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, errors.New("data must be an object")
		}
	}
	obj["version"] = json.RawMessage(strconv.FormatInt(ver, 10))
	return json.Marshal(obj)
}
