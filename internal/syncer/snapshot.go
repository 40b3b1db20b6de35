package syncer

import (
	"time"

	"github.com/google/uuid"

	"github.com/starford/scriptorium/internal/localstore"
	"github.com/starford/scriptorium/internal/models"
)

// SnapshotQueueKey is the local-store key of the snapshot-mode queue.
const SnapshotQueueKey = "scriptorium:snapshot-queue:v1"

// SnapshotTask is one batch of whole-document snapshots awaiting delivery.
type SnapshotTask struct {
	ID      string               `json:"id"`
	Docs    []models.SnapshotDoc `json:"docs"`
	Attempt int                  `json:"attempt"`
	NextAt  int64                `json:"nextAt"`
}

// SnapshotQueue persists snapshot tasks so they survive restarts.
type SnapshotQueue struct {
	kv localstore.KV
}

// NewSnapshotQueue returns a queue stored in kv.
func NewSnapshotQueue(kv localstore.KV) *SnapshotQueue {
	return &SnapshotQueue{kv: kv}
}

// Push appends a task for docs.
func (q *SnapshotQueue) Push(docs []models.SnapshotDoc) error {
	if len(docs) == 0 {
		return nil
	}
	task := SnapshotTask{ID: uuid.NewString(), Docs: docs}
	return update(q.kv, SnapshotQueueKey, func(tasks *[]SnapshotTask) bool {
		*tasks = append(*tasks, task)
		return true
	})
}

// Head returns the oldest task.
func (q *SnapshotQueue) Head() (SnapshotTask, bool, error) {
	tasks, err := q.Tasks()
	if err != nil || len(tasks) == 0 {
		return SnapshotTask{}, false, err
	}
	return tasks[0], true, nil
}

// Tasks returns every queued task, oldest first.
func (q *SnapshotQueue) Tasks() ([]SnapshotTask, error) {
	return read[[]SnapshotTask](q.kv, SnapshotQueueKey)
}

// Remove drops the task with id.
func (q *SnapshotQueue) Remove(id string) error {
	return update(q.kv, SnapshotQueueKey, func(tasks *[]SnapshotTask) bool {
		for i, t := range *tasks {
			if t.ID == id {
				*tasks = append((*tasks)[:i], (*tasks)[i+1:]...)
				return true
			}
		}
		return false
	})
}

// Fail records a failed attempt for id and returns the delay before the
// next one.
func (q *SnapshotQueue) Fail(id string, now time.Time, base, max time.Duration) (time.Duration, error) {
	var delay time.Duration
	err := update(q.kv, SnapshotQueueKey, func(tasks *[]SnapshotTask) bool {
		for i := range *tasks {
			t := &(*tasks)[i]
			if t.ID != id {
				continue
			}
			t.Attempt++
			delay = Backoff(t.Attempt, base, max)
			t.NextAt = now.Add(delay).UnixMilli()
			return true
		}
		return false
	})
	return delay, err
}

// ResetBackoff makes every task eligible for immediate delivery.
func (q *SnapshotQueue) ResetBackoff() error {
	return update(q.kv, SnapshotQueueKey, func(tasks *[]SnapshotTask) bool {
		changed := false
		for i := range *tasks {
			if (*tasks)[i].NextAt != 0 {
				(*tasks)[i].NextAt = 0
				changed = true
			}
		}
		return changed
	})
}

// Backoff returns min(max, base*2^(attempt-1)) for attempt >= 1.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
