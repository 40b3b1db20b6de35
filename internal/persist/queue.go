package persist

import (
	"github.com/starford/scriptorium/internal/doctree"
	"github.com/starford/scriptorium/internal/models"
)

// Task is one pending content-store write. Remove marks a purge.
type Task struct {
	Meta    models.DocumentMeta
	Content doctree.Value
	Remove  bool
}

// Record rebuilds the full record written for a put task.
func (t Task) Record() models.Document {
	return models.Document{
		ID:             t.Meta.ID,
		Title:          t.Meta.Title,
		Content:        t.Content,
		CreatedAt:      t.Meta.CreatedAt,
		UpdatedAt:      t.Meta.UpdatedAt,
		Version:        t.Meta.Version,
		ContentVersion: t.Meta.ContentVersion,
		DeletedAt:      models.CloneMillis(t.Meta.DeletedAt),
	}
}

// Queue holds pending tasks keyed by document id. A later task for an id
// replaces the earlier one but keeps its position. Queue is not safe for
// concurrent use.
type Queue struct {
	order []string
	tasks map[string]Task
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]Task)}
}

// Enqueue adds or supersedes the task for t.Meta.ID.
func (q *Queue) Enqueue(t Task) {
	id := t.Meta.ID
	if _, ok := q.tasks[id]; !ok {
		q.order = append(q.order, id)
	}
	q.tasks[id] = t
}

// Len returns the number of pending ids.
func (q *Queue) Len() int { return len(q.order) }

// Drain removes and returns all tasks in first-enqueued order.
func (q *Queue) Drain() []Task {
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id])
	}
	q.order = nil
	q.tasks = make(map[string]Task)
	return out
}
