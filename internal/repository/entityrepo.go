// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/cardsync/internal/model"
	"github.com/gofrs/uuid/v5"
)

// EntityRepository provides versioned, owner-scoped access to syncable rows.
// Implementations never lock rows; safety comes from CompareAndSwap.
type EntityRepository interface {
	// Insert stores a new row; a duplicate id yields errs.ErrAlreadyExists.
	Insert(ctx context.Context, e model.Entity) error

	// Get loads one row scoped to owner, tombstoned rows included.
	Get(ctx context.Context, coll model.Collection, ownerID, id uuid.UUID) (*model.Entity, error)

	// CompareAndSwap overwrites the row only if its stored version equals expectVer.
	CompareAndSwap(ctx context.Context, e model.Entity, expectVer int64) (bool, error)

	// ChangedSince returns rows with updated_at strictly after since, tombstones included.
	ChangedSince(ctx context.Context, coll model.Collection, ownerID uuid.UUID, since time.Time) ([]model.Entity, error)

	// ListLive returns non-tombstoned rows of owner.
	ListLive(ctx context.Context, coll model.Collection, ownerID uuid.UUID) ([]model.Entity, error)
}

// AccountRepository performs out-of-band account maintenance.
type AccountRepository interface {
	// PurgeOwner hard-deletes every row of owner across collections.
	PurgeOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
}
