package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/cardsync/internal/errs"
	"github.com/and161185/cardsync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// EntityRepo implements EntityRepository using PostgreSQL. Every collection
// lives in its own table with the same column layout.
type EntityRepo struct{ db *DB }

// NewEntityRepo constructs an entity repository.
func NewEntityRepo(db *DB) *EntityRepo { return &EntityRepo{db: db} }

const entityCols = `id, owner_id, version, tombstone, created_at, updated_at, data`

func tableOf(c model.Collection) (string, error) {
	t := table(c)
	if t == "" {
		return "", errs.Invalid("unknown collection %q", c)
	}
	return t, nil
}

// Insert stores a new row. Uniqueness of the primary key is the only guard.
func (r *EntityRepo) Insert(ctx context.Context, e model.Entity) error {
	t, err := tableOf(e.Collection)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7)`, t, entityCols)
	_, err = r.db.Pool.Exec(ctx, q,
		e.ID, e.OwnerID, e.Version, e.Tombstone, e.CreatedAt, e.UpdatedAt, []byte(e.Data))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get returns a single row of owner, tombstoned or not.
func (r *EntityRepo) Get(ctx context.Context, coll model.Collection, ownerID, id uuid.UUID) (*model.Entity, error) {
	t, err := tableOf(coll)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1 AND owner_id=$2`, entityCols, t)
	e := model.Entity{Collection: coll}
	if err := scanEntity(r.db.Pool.QueryRow(ctx, q, id, ownerID), &e); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CompareAndSwap writes e only when the stored version still equals expectVer.
func (r *EntityRepo) CompareAndSwap(ctx context.Context, e model.Entity, expectVer int64) (bool, error) {
	t, err := tableOf(e.Collection)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`UPDATE %s SET version=$3, tombstone=$4, updated_at=$5, data=$6 WHERE id=$1 AND owner_id=$2 AND version=$7`, t)
	tag, err := r.db.Pool.Exec(ctx, q,
		e.ID, e.OwnerID, e.Version, e.Tombstone, e.UpdatedAt, []byte(e.Data), expectVer)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ChangedSince returns rows updated strictly after since, ordered by updated_at.
func (r *EntityRepo) ChangedSince(ctx context.Context, coll model.Collection, ownerID uuid.UUID, since time.Time) ([]model.Entity, error) {
	t, err := tableOf(coll)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id=$1 AND updated_at>$2 ORDER BY updated_at ASC, id ASC`, entityCols, t)
	return r.query(ctx, coll, q, ownerID, since)
}

// ListLive returns non-tombstoned rows of owner.
func (r *EntityRepo) ListLive(ctx context.Context, coll model.Collection, ownerID uuid.UUID) ([]model.Entity, error) {
	t, err := tableOf(coll)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE owner_id=$1 AND tombstone=false ORDER BY created_at ASC, id ASC`, entityCols, t)
	return r.query(ctx, coll, q, ownerID)
}

func (r *EntityRepo) query(ctx context.Context, coll model.Collection, q string, args ...any) ([]model.Entity, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Entity{}
	for rows.Next() {
		e := model.Entity{Collection: coll}
		if err := scanEntity(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row pgx.Row, e *model.Entity) error {
	var data []byte
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Version, &e.Tombstone, &e.CreatedAt, &e.UpdatedAt, &data); err != nil {
		return err
	}
	e.Data = data
	return nil
}

// PurgeOwner hard-deletes all rows of owner, children first, in one transaction.
func (r *EntityRepo) PurgeOwner(ctx context.Context, ownerID uuid.UUID) (n int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for i := len(model.Collections) - 1; i >= 0; i-- {
		t := table(model.Collections[i])
		tag, execErr := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id=$1`, t), ownerID)
		if execErr != nil {
			return 0, fmt.Errorf("purge %s: %w", t, execErr)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}
