package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/repository/memory"
	"github.com/and161185/cardsync/internal/server/httpapi"
	"github.com/and161185/cardsync/internal/service"
)

var key = []byte("k")

func newClient(t *testing.T) (*Client, uuid.UUID) {
	t.Helper()
	svc := service.NewSyncService(memory.New(), service.Options{})
	ts := httptest.NewServer(httpapi.New(svc, httpapi.NewIdentity(key), 0, nil).Routes())
	t.Cleanup(ts.Close)

	owner := uuid.Must(uuid.NewV4())
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: owner.String()}).SignedString(key)
	require.NoError(t, err)
	return New(ts.URL, tok, ts.Client()), owner
}

func TestClient_BusinessRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, owner := newClient(t)
	require.NoError(t, c.Health(ctx))

	id := uuid.Must(uuid.NewV4())
	e, err := c.Create(ctx, model.Decks, id, json.RawMessage(`{"name":"Verbs"}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Version)
	require.Equal(t, owner, e.OwnerID)
	require.Equal(t, model.Decks, e.Collection)

	e, err = c.Update(ctx, model.Decks, id, 1, json.RawMessage(`{"name":"Nouns"}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), e.Version)

	_, err = c.Update(ctx, model.Decks, id, 1, json.RawMessage(`{"name":"stale"}`))
	var ce *errs.ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, int64(2), ce.Current.Version)
	require.Equal(t, model.Decks, ce.Current.Collection)
	require.JSONEq(t, `{"name":"Nouns"}`, string(ce.Current.Data))

	list, err := c.List(ctx, model.Decks)
	require.NoError(t, err)
	require.Len(t, list, 1)

	e, err = c.Delete(ctx, model.Decks, id, 2)
	require.NoError(t, err)
	require.True(t, e.Tombstone)

	_, err = c.Get(ctx, model.Decks, id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = c.Create(ctx, model.Decks, uuid.Must(uuid.NewV4()), json.RawMessage(`{"name":""}`))
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestClient_PushAndPull(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)
	deck := uuid.Must(uuid.NewV4())

	res, err := c.Push(ctx, []model.Change{
		{OutboxID: "1", Collection: model.Decks, EntityID: deck, Operation: model.OpCreate, Data: json.RawMessage(`{"name":"d"}`)},
		{OutboxID: "2", Collection: model.Flashcards, EntityID: uuid.Must(uuid.NewV4()), Operation: model.OpCreate,
			Data: json.RawMessage(`{"deckId":"` + deck.String() + `","front":"hola","back":"hello"}`)},
		{OutboxID: "3", Collection: model.Decks, EntityID: deck, Operation: model.OpUpdate, Data: json.RawMessage(`{"version":0,"name":"x"}`)},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	require.Equal(t, model.OutcomeApplied, res.Results[0].Kind)
	require.Equal(t, model.Decks, res.Results[0].Entity.Collection)
	require.Equal(t, model.Flashcards, res.Results[1].Entity.Collection)
	require.Equal(t, model.OutcomeConflict, res.Results[2].Kind)
	require.Equal(t, int64(1), res.Results[2].Entity.Version)

	pull, err := c.Pull(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pull.Changes[model.Decks], 1)
	require.Len(t, pull.Changes[model.Flashcards], 1)
	require.Empty(t, pull.Changes[model.CardProgress])

	again, err := c.Pull(ctx, pull.ServerTime)
	require.NoError(t, err)
	require.Empty(t, again.Changes[model.Decks])
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(url, "tok", nil)
	_, err := c.List(context.Background(), model.Decks)
	require.ErrorIs(t, err, errs.ErrTransient)
}

func TestClient_HTTPErrorsAreTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	}))
	defer ts.Close()
	c := New(ts.URL, "tok", ts.Client())

	_, err := c.Pull(context.Background(), time.Time{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.Equal(t, "maintenance", se.Message)
	require.NotErrorIs(t, err, errs.ErrTransient)

	require.ErrorIs(t, c.Health(context.Background()), errs.ErrUnauthorized)
}

func TestClient_CanceledContext(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.List(ctx, model.Decks)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, errs.ErrTransient)
}
