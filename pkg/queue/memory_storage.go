package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements the queue repositories in memory for tests and
// local development. Expired locks are reclaimed lazily by ClaimTask.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Task
	dlq   map[uuid.UUID]*DeadTask
	now   func() time.Time
}

// NewMemoryStorage creates a new in-memory storage implementation
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[uuid.UUID]*Task),
		dlq:   make(map[uuid.UUID]*DeadTask),
		now:   time.Now,
	}
}

// CreateTask implements EnqueuerRepository
func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %s already exists", task.ID)
	}

	taskCopy := *task
	ms.tasks[task.ID] = &taskCopy
	return nil
}

// ClaimTask implements WorkerRepository. Highest priority wins, then the
// earliest scheduled.
func (ms *MemoryStorage) ClaimTask(_ context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Task
	for _, t := range ms.tasks {
		if !t.claimable(queues, now) {
			continue
		}
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.ScheduledAt.Before(best.ScheduledAt)) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockedUntil := now.Add(lockDuration)
	best.Status = TaskStatusProcessing
	best.LockedUntil = &lockedUntil
	best.LockedBy = &workerID

	taskCopy := *best
	return &taskCopy, nil
}

// CompleteTask implements WorkerRepository
func (ms *MemoryStorage) CompleteTask(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusProcessing {
		return ErrTaskNotProcessing
	}

	now := ms.now()
	task.Status = TaskStatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

// FailTask implements WorkerRepository
func (ms *MemoryStorage) FailTask(_ context.Context, taskID uuid.UUID, errorMsg string, retryAt time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != TaskStatusProcessing {
		return ErrTaskNotProcessing
	}

	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		now := ms.now()
		task.Status = TaskStatusFailed
		task.ProcessedAt = &now
		return nil
	}
	task.Status = TaskStatusPending
	task.ScheduledAt = retryAt
	return nil
}

// MoveToDLQ implements WorkerRepository
func (ms *MemoryStorage) MoveToDLQ(_ context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, ok := ms.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := ms.now()
	dead := &DeadTask{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		TaskName:   task.TaskName,
		Payload:    slices.Clone(task.Payload),
		Priority:   task.Priority,
		RetryCount: task.RetryCount,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if task.Error != nil {
		dead.Error = *task.Error
	}
	ms.dlq[dead.ID] = dead
	delete(ms.tasks, taskID)
	return nil
}

// PurgeCompleted deletes completed tasks processed before cutoff.
func (ms *MemoryStorage) PurgeCompleted(_ context.Context, cutoff time.Time) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var n int64
	for id, t := range ms.tasks {
		if t.Status == TaskStatusCompleted && t.ProcessedAt != nil && t.ProcessedAt.Before(cutoff) {
			delete(ms.tasks, id)
			n++
		}
	}
	return n, nil
}

// GetTask returns a copy of a live task.
func (ms *MemoryStorage) GetTask(taskID uuid.UUID) (*Task, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	t, ok := ms.tasks[taskID]
	if !ok {
		return nil, false
	}
	taskCopy := *t
	return &taskCopy, true
}

// ListTasks returns copies of the live tasks with the given name, oldest first.
func (ms *MemoryStorage) ListTasks(taskName string) []Task {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []Task
	for _, t := range ms.tasks {
		if taskName == "" || t.TaskName == taskName {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// ListDead returns the dead-lettered tasks, oldest first.
func (ms *MemoryStorage) ListDead() []DeadTask {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]DeadTask, 0, len(ms.dlq))
	for _, d := range ms.dlq {
		out = append(out, *d)
	}
	slices.SortFunc(out, func(a, b DeadTask) int { return a.FailedAt.Compare(b.FailedAt) })
	return out
}
