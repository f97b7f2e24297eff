// Package store is the client's sqlite cache of confirmed rows, its outbox of
// pending changes and its sync metadata.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/migrate"
	"github.com/and161185/cardsync/internal/model"
)

// tsLayout is fixed-width so stored timestamps sort lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const (
	keyWatermark = "watermark"
	keyOwner     = "owner_id"
)

// Store wraps the sqlite handle of one client profile.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; sqlite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate.UpClient(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// BindOwner records owner as the profile owner. If a different owner was
// recorded, the cache, outbox and watermark are wiped first and wiped is true.
func (s *Store) BindOwner(ctx context.Context, owner uuid.UUID) (wiped bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	prev, err := getMeta(ctx, tx, keyOwner)
	if err != nil {
		return false, err
	}
	if prev == owner.String() {
		return false, nil
	}
	if prev != "" {
		stmts := []string{`DELETE FROM outbox`, `DELETE FROM sync_meta`}
		for _, c := range model.Collections {
			stmts = append(stmts, `DELETE FROM `+cacheTable(c))
		}
		for _, q := range stmts {
			if _, err = tx.ExecContext(ctx, q); err != nil {
				return false, fmt.Errorf("wipe: %w", err)
			}
		}
		wiped = true
	}
	if err = setMeta(ctx, tx, keyOwner, owner.String()); err != nil {
		return false, err
	}
	return wiped, nil
}

// Watermark returns the serverTime of the last completed pull (zero if none).
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	v, err := getMeta(ctx, s.db, keyWatermark)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// SetWatermark stores t as the next pull's since.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	return setMeta(ctx, s.db, keyWatermark, t.UTC().Format(time.RFC3339Nano))
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta[%s]: %w", key, err)
	}
	return v, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta[%s]: %w", key, err)
	}
	return nil
}

func cacheTable(c model.Collection) string { return "cache_" + c.Table() }

func checkCollection(c model.Collection) error {
	if !c.Valid() {
		return errs.Invalid("unknown collection %q", c)
	}
	return nil
}
