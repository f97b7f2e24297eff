// Package session bundles the client parts serving one authenticated owner.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/cardsync/internal/client/api"
	"github.com/and161185/cardsync/internal/client/connectivity"
	"github.com/and161185/cardsync/internal/client/engine"
	"github.com/and161185/cardsync/internal/client/repo"
	"github.com/and161185/cardsync/internal/client/store"
	"github.com/and161185/cardsync/internal/config"
)

// Session owns the store, transport, repository, engine and prober of one
// owner. Close tears all of them down.
type Session struct {
	Owner  uuid.UUID
	Store  *store.Store
	API    *api.Client
	Repo   *repo.Repository
	Engine *engine.Engine
	Prober *connectivity.Prober

	log       *zap.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Option customizes Open.
type Option func(*options)

type options struct {
	hc *http.Client
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// Open builds a session for the owner named by cfg.Token. A local database
// left by another owner is wiped first.
func Open(ctx context.Context, cfg config.Client, logger *zap.Logger, opts ...Option) (*Session, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	owner, err := OwnerFromToken(cfg.Token)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, err
	}
	wiped, err := st.BindOwner(ctx, owner)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if wiped {
		logger.Info("local data of previous owner wiped")
	}

	hc := o.hc
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	cl := api.New(cfg.Server, cfg.Token, hc)
	eng := engine.New(cl, st, engine.Options{
		Interval:         cfg.Interval,
		BatchSize:        cfg.BatchSize,
		MaxEntryAttempts: cfg.MaxEntryAttempts,
		Logger:           logger.Named("engine"),
	})

	return &Session{
		Owner:  owner,
		Store:  st,
		API:    cl,
		Repo:   repo.New(cl, st, owner, logger.Named("repo")),
		Engine: eng,
		Prober: connectivity.New(cl.Health, cfg.ProbeInterval, eng.Nudge, logger.Named("probe")),
		log:    logger,
	}, nil
}

// Start launches background sync and reachability probing.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		pctx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.Engine.Start(pctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Prober.Run(pctx)
		}()
	})
}

// Close stops the engine and the prober, then closes the store.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startOnce.Do(func() {}) // a later Start is a no-op
		s.Engine.Stop()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.closeErr = s.Store.Close()
	})
	return s.closeErr
}

// OwnerFromToken reads the owner id from the token subject. The signature is
// verified by the server, not here.
func OwnerFromToken(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, errors.New("empty token")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("parse token: %w", err)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("token subject %q is not an owner id", claims.Subject)
	}
	return id, nil
}
