// Command cardsync-server serves the flashcard sync API over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/cardsync/internal/config"
	"github.com/and161185/cardsync/internal/logging"
	"github.com/and161185/cardsync/internal/migrate"
	"github.com/and161185/cardsync/internal/repository"
	"github.com/and161185/cardsync/internal/repository/memory"
	"github.com/and161185/cardsync/internal/repository/postgres"
	"github.com/and161185/cardsync/internal/server/httpapi"
	"github.com/and161185/cardsync/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type store interface {
	repository.EntityRepository
	repository.AccountRepository
}

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, "")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Addr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer closeRepo()

	if cfg.PurgeOwner != "" {
		purge(ctx, repo, cfg.PurgeOwner, logger)
		return
	}

	svc := service.NewSyncService(repo, service.Options{
		MaxBatch:     cfg.MaxBatch,
		WatermarkLag: cfg.WatermarkLag,
		Logger:       logger,
	})
	api := httpapi.New(svc, httpapi.NewIdentity([]byte(cfg.JWTKey)), cfg.MaxBatch, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStore returns the configured repository and its cleanup.
func openStore(ctx context.Context, cfg config.Server, logger *zap.Logger) (store, func(), error) {
	if cfg.DSN == config.MemoryDSN {
		logger.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), func() {}, nil
	}
	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return nil, nil, err
	}
	db, err := postgres.New(ctx, cfg.DSN, int32(cfg.MaxConns), cfg.StatementTimeout)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewEntityRepo(db), db.Close, nil
}

func purge(ctx context.Context, repo repository.AccountRepository, owner string, logger *zap.Logger) {
	id, err := uuid.FromString(owner)
	if err != nil {
		logger.Fatal("bad -purge-owner", zap.Error(err))
	}
	n, err := repo.PurgeOwner(ctx, id)
	if err != nil {
		logger.Fatal("purge owner", zap.Error(err))
	}
	logger.Info("owner purged", zap.String("owner", id.String()), zap.Int64("rows", n))
}
