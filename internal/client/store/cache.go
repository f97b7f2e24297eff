package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
)

const cacheCols = `id, owner_id, version, tombstone, created_at, updated_at, data`

// Merge writes e if the cache has no row for it or holds an older version.
// It reports whether the row was written.
func (s *Store) Merge(ctx context.Context, e model.Entity) (bool, error) {
	if err := checkCollection(e.Collection); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			version = excluded.version,
			tombstone = excluded.tombstone,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			data = excluded.data
		WHERE excluded.version > %[1]s.version
	`, cacheTable(e.Collection), cacheCols), rowArgs(e)...)
	if err != nil {
		return false, fmt.Errorf("merge %s %s: %w", e.Collection, e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Put overwrites the cached row with the authoritative e.
func (s *Store) Put(ctx context.Context, e model.Entity) error {
	if err := checkCollection(e.Collection); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cacheTable(e.Collection), cacheCols), rowArgs(e)...)
	if err != nil {
		return fmt.Errorf("put %s %s: %w", e.Collection, e.ID, err)
	}
	return nil
}

// Get returns the cached row, tombstones included.
func (s *Store) Get(ctx context.Context, coll model.Collection, id uuid.UUID) (*model.Entity, error) {
	if err := checkCollection(coll); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, cacheCols, cacheTable(coll)), id.String())
	e, err := scanEntity(coll, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", coll, id, err)
	}
	return &e, nil
}

// ListLive returns cached non-tombstoned rows in creation order.
func (s *Store) ListLive(ctx context.Context, coll model.Collection) ([]model.Entity, error) {
	if err := checkCollection(coll); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE tombstone = 0 ORDER BY created_at, id`, cacheCols, cacheTable(coll)))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	defer rows.Close()

	out := make([]model.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(coll, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func rowArgs(e model.Entity) []any {
	data := []byte(e.Data)
	if data == nil {
		data = []byte("{}")
	}
	return []any{
		e.ID.String(), e.OwnerID.String(), e.Version, e.Tombstone,
		e.CreatedAt.UTC().Format(tsLayout), e.UpdatedAt.UTC().Format(tsLayout), data,
	}
}

type scanner interface{ Scan(dest ...any) error }

func scanEntity(coll model.Collection, sc scanner) (model.Entity, error) {
	var (
		id, owner, created, updated string
		e                           = model.Entity{Collection: coll}
		data                        []byte
	)
	if err := sc.Scan(&id, &owner, &e.Version, &e.Tombstone, &created, &updated, &data); err != nil {
		return model.Entity{}, err
	}
	var err error
	if e.ID, err = uuid.FromString(id); err != nil {
		return model.Entity{}, err
	}
	if e.OwnerID, err = uuid.FromString(owner); err != nil {
		return model.Entity{}, err
	}
	if e.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
		return model.Entity{}, err
	}
	if e.UpdatedAt, err = time.Parse(tsLayout, updated); err != nil {
		return model.Entity{}, err
	}
	e.Data = data
	return e, nil
}
