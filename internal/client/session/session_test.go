package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/cardsync/internal/client/engine"
	"github.com/and161185/cardsync/internal/client/repo"
	"github.com/and161185/cardsync/internal/config"
	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/and161185/cardsync/internal/repository/memory"
	"github.com/and161185/cardsync/internal/server/httpapi"
	"github.com/and161185/cardsync/internal/service"
)

var signKey = []byte("session-test-key")

const (
	online int32 = iota
	offline
	lostAck // the server handles the request but the answer never arrives
)

type flakyTransport struct {
	mode atomic.Int32
	next http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	switch f.mode.Load() {
	case offline:
		return nil, errors.New("dial tcp: connect: connection refused")
	case lostAck:
		resp, err := f.next.RoundTrip(r)
		if err == nil {
			_ = resp.Body.Close()
		}
		return nil, errors.New("read: connection reset by peer")
	}
	return f.next.RoundTrip(r)
}

type world struct {
	t   *testing.T
	srv *httptest.Server
	svc *service.SyncServiceImpl
}

func newWorld(t *testing.T) *world {
	t.Helper()
	svc := service.NewSyncService(memory.New(), service.Options{})
	ts := httptest.NewServer(httpapi.New(svc, httpapi.NewIdentity(signKey), 0, nil).Routes())
	t.Cleanup(ts.Close)
	return &world{t: t, srv: ts, svc: svc}
}

func token(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(signKey)
	require.NoError(t, err)
	return tok
}

// device opens a session in dir with its own switchable transport.
func (w *world) device(owner uuid.UUID, dir string) (*Session, *flakyTransport) {
	w.t.Helper()
	tr := &flakyTransport{next: w.srv.Client().Transport}
	s, err := Open(context.Background(), config.Client{
		Server:           w.srv.URL,
		Token:            token(w.t, owner),
		DataDir:          dir,
		Interval:         time.Hour,
		RequestTimeout:   5 * time.Second,
		ProbeInterval:    time.Hour,
		BatchSize:        100,
		MaxEntryAttempts: 5,
	}, nil, WithHTTPClient(&http.Client{Transport: tr}))
	require.NoError(w.t, err)
	w.t.Cleanup(func() { _ = s.Close() })
	return s, tr
}

func pending(t *testing.T, s *Session) int {
	t.Helper()
	n, err := s.Store.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestOfflineCreatesAreDeliveredExactlyOnce(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	owner := uuid.Must(uuid.NewV4())
	s, tr := w.device(owner, t.TempDir())

	tr.mode.Store(offline)
	ids := make([]uuid.UUID, 0, 3)
	for _, name := range []string{"Verbs", "Nouns", "Numbers"} {
		res, err := s.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"`+name+`"}`))
		require.NoError(t, err)
		require.Equal(t, repo.Optimistic, res.Kind)
		ids = append(ids, res.Entity.ID)

		_, err = s.Store.Get(ctx, model.Decks, res.Entity.ID)
		require.ErrorIs(t, err, errs.ErrNotFound, "optimistic rows never reach the cache")
	}
	require.Equal(t, 3, pending(t, s))

	// Reconnect, but the first push answer is lost after the server applied it.
	tr.mode.Store(lostAck)
	require.ErrorIs(t, s.Engine.Sync(ctx), errs.ErrTransient)
	require.Equal(t, 3, pending(t, s))

	tr.mode.Store(online)
	require.NoError(t, s.Engine.Sync(ctx))
	require.Zero(t, pending(t, s))

	server, err := w.svc.List(ctx, owner, model.Decks)
	require.NoError(t, err)
	require.Len(t, server, 3)
	for _, e := range server {
		require.Equal(t, int64(1), e.Version)
	}
	for _, id := range ids {
		cached, err := s.Store.Get(ctx, model.Decks, id)
		require.NoError(t, err)
		require.Equal(t, int64(1), cached.Version)
	}
}

func TestCrossDeviceConflictAdoptsServerRow(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	owner := uuid.Must(uuid.NewV4())
	a, trA := w.device(owner, t.TempDir())
	b, _ := w.device(owner, t.TempDir())

	res, err := a.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"v1"}`))
	require.NoError(t, err)
	id := res.Entity.ID
	res, err = a.Repo.Update(ctx, model.Decks, id, 1, json.RawMessage(`{"name":"v2"}`))
	require.NoError(t, err)
	res, err = a.Repo.Update(ctx, model.Decks, id, 2, json.RawMessage(`{"name":"v3"}`))
	require.NoError(t, err)
	require.Equal(t, repo.Confirmed, res.Kind)
	require.Equal(t, int64(3), res.Entity.Version)

	require.NoError(t, b.Engine.Sync(ctx))
	seen, err := b.Store.Get(ctx, model.Decks, id)
	require.NoError(t, err)
	require.Equal(t, int64(3), seen.Version)

	// A goes offline and edits; meanwhile B writes version 4.
	trA.mode.Store(offline)
	res, err = a.Repo.Update(ctx, model.Decks, id, 3, json.RawMessage(`{"name":"from A"}`))
	require.NoError(t, err)
	require.Equal(t, repo.Optimistic, res.Kind)

	res, err = b.Repo.Update(ctx, model.Decks, id, 3, json.RawMessage(`{"name":"from B"}`))
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Entity.Version)

	trA.mode.Store(online)
	require.NoError(t, a.Engine.Sync(ctx))
	require.Zero(t, pending(t, a))

	got, err := a.Store.Get(ctx, model.Decks, id)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)
	require.JSONEq(t, `{"name":"from B"}`, string(got.Data))

	server, err := w.svc.Get(ctx, owner, model.Decks, id)
	require.NoError(t, err)
	require.Equal(t, int64(4), server.Version)
}

func TestDeleteReachesOtherDevicesAsTombstone(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	owner := uuid.Must(uuid.NewV4())
	a, _ := w.device(owner, t.TempDir())
	b, trB := w.device(owner, t.TempDir())

	res, err := a.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"doomed"}`))
	require.NoError(t, err)
	require.NoError(t, b.Engine.Sync(ctx))

	_, err = a.Repo.Delete(ctx, model.Decks, res.Entity.ID, 1)
	require.NoError(t, err)

	require.NoError(t, b.Engine.Sync(ctx))
	cached, err := b.Store.Get(ctx, model.Decks, res.Entity.ID)
	require.NoError(t, err)
	require.True(t, cached.Tombstone)

	trB.mode.Store(offline)
	live, err := b.Repo.List(ctx, model.Decks)
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestOfflineReadsServeCache(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	s, tr := w.device(uuid.Must(uuid.NewV4()), t.TempDir())

	_, err := s.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"kept"}`))
	require.NoError(t, err)

	tr.mode.Store(offline)
	rows, err := s.Repo.List(ctx, model.Decks)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.JSONEq(t, `{"name":"kept"}`, string(rows[0].Data))
}

func TestOwnerSwitchWipesLocalData(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	dir := t.TempDir()
	alice, bob := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	s, tr := w.device(alice, dir)
	_, err := s.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"alice online"}`))
	require.NoError(t, err)
	tr.mode.Store(offline)
	_, err = s.Repo.Create(ctx, model.Decks, uuid.Nil, json.RawMessage(`{"name":"alice queued"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, tr2 := w.device(bob, dir)
	tr2.mode.Store(offline)
	rows, err := s2.Repo.List(ctx, model.Decks)
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Zero(t, pending(t, s2))
}

func TestCloseStopsSync(t *testing.T) {
	w := newWorld(t)
	s, _ := w.device(uuid.Must(uuid.NewV4()), t.TempDir())
	s.Start(context.Background())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Engine.Sync(context.Background()), engine.ErrStopped)
}

func TestOwnerFromToken(t *testing.T) {
	owner := uuid.Must(uuid.NewV4())
	got, err := OwnerFromToken(token(t, owner))
	require.NoError(t, err)
	require.Equal(t, owner, got)

	_, err = OwnerFromToken("")
	require.Error(t, err)
	_, err = OwnerFromToken("not-a-jwt")
	require.Error(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "bob"}).SignedString(signKey)
	require.NoError(t, err)
	_, err = OwnerFromToken(tok)
	require.Error(t, err)
}

func TestOpen_BadDataDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err := Open(context.Background(), config.Client{
		Server: "http://localhost", Token: token(t, uuid.Must(uuid.NewV4())), DataDir: filepath.Join(file, "sub"),
	}, nil)
	require.Error(t, err)
}
