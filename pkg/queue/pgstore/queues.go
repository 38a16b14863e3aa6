package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

const queueColumns = `name, paused, created_at`

func scanQueue(row pgx.Row) (*queue.Queue, error) {
	var q queue.Queue
	if err := row.Scan(&q.Name, &q.Paused, &q.CreatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) CreateQueue(ctx context.Context, name string) (*queue.Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue name is empty", queue.ErrInvalidArgument)
	}

	var out *queue.Queue
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// The no-op update makes RETURNING yield the existing row.
		row := tx.QueryRow(ctx, `
			INSERT INTO jobengine_queues (name, created_at) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING `+queueColumns, name, s.now())
		q, err := scanQueue(row)
		out = q
		return err
	})
	return out, err
}

func (s *Store) GetQueue(ctx context.Context, name string) (*queue.Queue, error) {
	var out *queue.Queue
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		q, err := getQueue(ctx, tx, name, false)
		out = q
		return err
	})
	return out, err
}

func (s *Store) ListQueues(ctx context.Context) ([]*queue.Queue, error) {
	var out []*queue.Queue
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+queueColumns+` FROM jobengine_queues ORDER BY name`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.Queue, error) {
			return scanQueue(row)
		})
		return err
	})
	return out, err
}

func (s *Store) SetPaused(ctx context.Context, name string, paused bool) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobengine_queues SET paused = $2 WHERE name = $1 AND paused <> $2`, name, paused)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			changed = true
			return nil
		}
		_, err = getQueue(ctx, tx, name, false)
		return err
	})
	return changed, err
}

// getQueue loads a queue row. lock takes a share lock so concurrent
// transactions cannot delete it underneath an insert.
func getQueue(ctx context.Context, tx pgx.Tx, name string, lock bool) (*queue.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM jobengine_queues WHERE name = $1`
	if lock {
		query += ` FOR SHARE`
	}
	q, err := scanQueue(tx.QueryRow(ctx, query, name))
	if pg.IsNotFoundError(err) {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	return q, err
}
