package pgstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/jobengine/pkg/pg"
	"github.com/dmitrymomot/jobengine/pkg/queue"
)

const repeatColumns = `key, queue, template, schedule, timezone, next_run_at, created_at`

func scanRepeat(row pgx.Row) (*queue.RepeatDefinition, error) {
	var (
		def      queue.RepeatDefinition
		template []byte
	)
	if err := row.Scan(&def.Key, &def.Queue, &template, &def.Schedule, &def.Timezone, &def.NextRunAt, &def.CreatedAt); err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal(template, &def.Template); err != nil {
		return nil, fmt.Errorf("decode template of repeat %s: %w", def.Key, err)
	}
	return &def, nil
}

func (s *Store) SaveRepeat(ctx context.Context, def *queue.RepeatDefinition) error {
	if def == nil || def.Key == "" {
		return fmt.Errorf("%w: repeat definition needs a key", queue.ErrInvalidArgument)
	}
	template, err := sonic.Marshal(def.Template)
	if err != nil {
		return fmt.Errorf("%w: encode template: %v", queue.ErrInvalidArgument, err)
	}
	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := getQueue(ctx, tx, def.Queue, true); err != nil {
			return err
		}
		// created_at survives re-registration on restart.
		return tx.QueryRow(ctx, `
			INSERT INTO jobengine_repeats (`+repeatColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (key) DO UPDATE SET
				queue = EXCLUDED.queue, template = EXCLUDED.template, schedule = EXCLUDED.schedule,
				timezone = EXCLUDED.timezone, next_run_at = EXCLUDED.next_run_at
			RETURNING created_at`,
			def.Key, def.Queue, string(template), def.Schedule, def.Timezone, def.NextRunAt, createdAt,
		).Scan(&def.CreatedAt)
	})
}

func (s *Store) GetRepeat(ctx context.Context, key string) (*queue.RepeatDefinition, error) {
	var out *queue.RepeatDefinition
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		def, err := scanRepeat(tx.QueryRow(ctx,
			`SELECT `+repeatColumns+` FROM jobengine_repeats WHERE key = $1`, key))
		if pg.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s", queue.ErrRepeatNotFound, key)
		}
		out = def
		return err
	})
	return out, err
}

func (s *Store) ListRepeats(ctx context.Context) ([]*queue.RepeatDefinition, error) {
	var out []*queue.RepeatDefinition
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+repeatColumns+` FROM jobengine_repeats ORDER BY key`)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*queue.RepeatDefinition, error) {
			return scanRepeat(row)
		})
		return err
	})
	return out, err
}

func (s *Store) AdvanceRepeat(ctx context.Context, key string, next time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE jobengine_repeats SET next_run_at = $2 WHERE key = $1`, key, next)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", queue.ErrRepeatNotFound, key)
		}
		return nil
	})
}

func (s *Store) RemoveRepeat(ctx context.Context, key string) ([]*queue.Job, error) {
	var out []*queue.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var queueName string
		err := tx.QueryRow(ctx, `DELETE FROM jobengine_repeats WHERE key = $1 RETURNING queue`, key).Scan(&queueName)
		if pg.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s", queue.ErrRepeatNotFound, key)
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			DELETE FROM jobengine_jobs
			WHERE queue = $1 AND repeat_key = $2 AND state IN ('waiting', 'delayed')
			RETURNING id, state, seq, finished_at`, queueName, key)
		if err != nil {
			return err
		}
		removed, err := collectRemoved(rows)
		if err != nil {
			return err
		}
		slices.SortFunc(removed, func(a, b removedRow) int { return cmp.Compare(a.id, b.id) })
		out, err = s.settle(ctx, tx, queueName, removed, s.now())
		return err
	})
	return out, err
}
