package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardsync/internal/model"
)

func sample() model.Entity {
	at := time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC)
	return model.Entity{
		Collection: model.Flashcards,
		ID:         uuid.Must(uuid.NewV4()),
		OwnerID:    uuid.Must(uuid.NewV4()),
		Version:    4,
		Tombstone:  true,
		CreatedAt:  at.Add(-time.Hour),
		UpdatedAt:  at,
		Data:       json.RawMessage(`{"front":"hola","back":"hello"}`),
	}
}

func TestEntityToWire_Flattens(t *testing.T) {
	e := sample()
	w, err := EntityToWire(e)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(w, &obj))
	require.Equal(t, e.ID.String(), obj["id"])
	require.Equal(t, e.OwnerID.String(), obj["ownerId"])
	require.Equal(t, float64(4), obj["version"])
	require.Equal(t, true, obj["tombstone"])
	require.Equal(t, "hola", obj["front"])
	require.Equal(t, "2026-02-03T04:05:06.000007Z", obj["updatedAt"])

	back, err := EntityFromWire(model.Flashcards, w)
	require.NoError(t, err)
	require.Equal(t, e.ID, back.ID)
	require.Equal(t, e.Version, back.Version)
	require.True(t, back.UpdatedAt.Equal(e.UpdatedAt))
	require.JSONEq(t, string(e.Data), string(back.Data))
}

func TestEntityToWire_BadData(t *testing.T) {
	e := sample()
	e.Data = json.RawMessage(`[1]`)
	_, err := EntityToWire(e)
	require.Error(t, err)
}

func TestPullResponse_KeepsEmptyCollectionsAsArrays(t *testing.T) {
	resp, err := ToPullResponse(model.PullResult{
		Changes:    map[model.Collection][]model.Entity{model.Flashcards: {sample()}},
		ServerTime: time.Now().UTC(),
	})
	require.NoError(t, err)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &obj))
	require.JSONEq(t, `[]`, string(obj["decks"]))
	require.JSONEq(t, `[]`, string(obj["cardProgress"]))

	back, err := FromPullResponse(resp)
	require.NoError(t, err)
	require.Len(t, back.Changes[model.Flashcards], 1)
	require.Empty(t, back.Changes[model.Decks])
}

func TestFromChangeDTO_BadEntityID(t *testing.T) {
	c := FromChangeDTO(ChangeDTO{ID: "o1", Collection: "decks", EntityID: "nope", Operation: "create"})
	require.Equal(t, uuid.Nil, c.EntityID)
	require.Equal(t, "o1", c.OutboxID)
	require.Equal(t, model.OpCreate, c.Operation)
}

func TestResultDTO_Conflict(t *testing.T) {
	e := sample()
	dto, err := ToResultDTO(model.Outcome{OutboxID: "o1", Kind: model.OutcomeConflict, Entity: &e, Reason: "version conflict"})
	require.NoError(t, err)
	require.False(t, dto.Success)
	require.True(t, dto.Conflict)
	require.Equal(t, int64(4), *dto.ServerVersion)
	require.Equal(t, "conflict", dto.Status)

	o, err := FromResultDTO(model.Flashcards, dto)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeConflict, o.Kind)
	require.Equal(t, e.ID, o.Entity.ID)
}

func TestFromResultDTO_LegacyFlags(t *testing.T) {
	o, err := FromResultDTO(model.Decks, ResultDTO{OutboxID: "a", Success: true})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeApplied, o.Kind)
	require.Nil(t, o.Entity)

	o, err = FromResultDTO(model.Decks, ResultDTO{OutboxID: "b"})
	require.NoError(t, err)
	require.Equal(t, model.OutcomeRejected, o.Kind)
}

func TestWithVersion(t *testing.T) {
	b, err := WithVersion(json.RawMessage(`{"name":"x","version":1}`), 4)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"x","version":4}`, string(b))

	b, err = WithVersion(nil, 2)
	require.NoError(t, err)
	require.JSONEq(t, `{"version":2}`, string(b))

	_, err = WithVersion(json.RawMessage(`[1]`), 1)
	require.Error(t, err)
}
