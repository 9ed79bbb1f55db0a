package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// PgRepository stores tasks in outbox_tasks. Bound to a pgx.Tx it lets a
// state change and the tasks it implies commit atomically.
type PgRepository struct {
	db pg.DB
}

var (
	_ EnqueuerRepository = (*PgRepository)(nil)
	_ WorkerRepository   = (*PgRepository)(nil)
)

func NewPgRepository(db pg.DB) *PgRepository {
	if db == nil {
		panic("queue: pg repository requires a database")
	}
	return &PgRepository{db: db}
}

func (r *PgRepository) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO outbox_tasks (id, queue, task_name, payload, status, priority, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Queue, task.TaskName, task.Payload, string(task.Status),
		int16(task.Priority), int16(task.RetryCount), int16(task.MaxRetries),
		task.ScheduledAt, task.CreatedAt,
	)
	return err
}

// ClaimTask locks one due task with FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same row.
func (r *PgRepository) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE outbox_tasks SET
			status = 'processing',
			locked_until = now() + make_interval(secs => $3),
			locked_by = $2
		WHERE id = (
			SELECT id FROM outbox_tasks
			WHERE queue = ANY($1)
			  AND scheduled_at <= now()
			  AND (status = 'pending' OR (status = 'processing' AND locked_until < now()))
			ORDER BY priority DESC, scheduled_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, task_name, payload, status, priority, retry_count, max_retries,
			scheduled_at, locked_until, locked_by, processed_at, error, created_at`,
		queues, workerID, lockDuration.Seconds(),
	)
	task, err := scanTask(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNoTaskToClaim
		}
		return nil, err
	}
	return task, nil
}

func (r *PgRepository) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_tasks
		SET status = 'completed', processed_at = now(), locked_until = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'processing'`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrNotProcessing(ctx, taskID)
	}
	return nil
}

func (r *PgRepository) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string, retryAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_tasks SET
			retry_count = retry_count + 1,
			error = $2,
			locked_until = NULL,
			locked_by = NULL,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			processed_at = CASE WHEN retry_count + 1 >= max_retries THEN now() ELSE NULL END,
			scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $3 END
		WHERE id = $1 AND status = 'processing'`,
		taskID, errorMsg, retryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrNotProcessing(ctx, taskID)
	}
	return nil
}

// MoveToDLQ copies the task into outbox_tasks_dlq and deletes it in one
// transaction.
func (r *PgRepository) MoveToDLQ(ctx context.Context, taskID uuid.UUID) error {
	return pg.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO outbox_tasks_dlq (id, task_id, queue, task_name, payload, priority, error, retry_count, failed_at)
			SELECT $2, id, queue, task_name, payload, priority, COALESCE(error, ''), retry_count, now()
			FROM outbox_tasks WHERE id = $1`,
			taskID, uuid.New())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskNotFound
		}
		_, err = tx.Exec(ctx, `DELETE FROM outbox_tasks WHERE id = $1`, taskID)
		return err
	})
}

// PurgeCompleted deletes completed tasks processed before cutoff.
func (r *PgRepository) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM outbox_tasks WHERE status = 'completed' AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListDead returns up to limit dead-lettered tasks, newest first.
func (r *PgRepository) ListDead(ctx context.Context, limit int) ([]DeadTask, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, task_id, queue, task_name, payload, priority, error, retry_count, failed_at, created_at
		FROM outbox_tasks_dlq
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadTask
	for rows.Next() {
		var (
			d                 DeadTask
			priority, retries int16
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Queue, &d.TaskName, &d.Payload, &priority,
			&d.Error, &retries, &d.FailedAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Priority = Priority(priority)
		d.RetryCount = int8(retries)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PgRepository) missingOrNotProcessing(ctx context.Context, taskID uuid.UUID) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM outbox_tasks WHERE id = $1`, taskID).Scan(&status)
	if pg.IsNotFoundError(err) {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	return ErrTaskNotProcessing
}

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t                           Task
		status                      string
		priority, retries, maxRetry int16
	)
	if err := row.Scan(&t.ID, &t.Queue, &t.TaskName, &t.Payload, &status, &priority, &retries, &maxRetry,
		&t.ScheduledAt, &t.LockedUntil, &t.LockedBy, &t.ProcessedAt, &t.Error, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	t.RetryCount = int8(retries)
	t.MaxRetries = int8(maxRetry)
	return &t, nil
}
