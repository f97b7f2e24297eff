package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/cardsync/internal/model"
)

// Entry is a queued change with its position in the outbox.
type Entry struct {
	Seq    int64
	Change model.Change
}

// Append queues ch at the tail of the outbox.
func (s *Store) Append(ctx context.Context, ch model.Change) error {
	if err := checkCollection(ch.Collection); err != nil {
		return err
	}
	data := []byte(ch.Data)
	if data == nil {
		data = []byte("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (outbox_id, collection, entity_id, operation, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ch.OutboxID, string(ch.Collection), ch.EntityID.String(), string(ch.Operation), data,
		ch.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("append outbox %s: %w", ch.OutboxID, err)
	}
	return nil
}

// PeekAfter returns up to limit entries with seq greater than after, oldest first.
func (s *Store) PeekAfter(ctx context.Context, after int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, outbox_id, collection, entity_id, operation, data, created_at
		FROM outbox WHERE seq > ? ORDER BY seq LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("peek outbox: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			en                          Entry
			coll, entityID, op, created string
			data                        []byte
		)
		if err := rows.Scan(&en.Seq, &en.Change.OutboxID, &coll, &entityID, &op, &data, &created); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		en.Change.Collection = model.Collection(coll)
		en.Change.Operation = model.Operation(op)
		en.Change.Data = data
		if en.Change.EntityID, err = uuid.FromString(entityID); err != nil {
			return nil, fmt.Errorf("outbox %s entity id: %w", en.Change.OutboxID, err)
		}
		if en.Change.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
			return nil, fmt.Errorf("outbox %s created_at: %w", en.Change.OutboxID, err)
		}
		out = append(out, en)
	}
	return out, rows.Err()
}

// Peek returns the oldest limit entries.
func (s *Store) Peek(ctx context.Context, limit int) ([]Entry, error) {
	return s.PeekAfter(ctx, 0, limit)
}

// Remove deletes acknowledged entries.
func (s *Store) Remove(ctx context.Context, outboxIDs ...string) error {
	if len(outboxIDs) == 0 {
		return nil
	}
	args := make([]any, len(outboxIDs))
	for i, id := range outboxIDs {
		args[i] = id
	}
	q := `DELETE FROM outbox WHERE outbox_id IN (?` + strings.Repeat(", ?", len(outboxIDs)-1) + `)`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("remove outbox: %w", err)
	}
	return nil
}

// Count returns the number of pending entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
