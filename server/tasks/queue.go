// Package tasks runs deferred work in the background.
// A task carries its whole payload so handlers never depend on state captured at enqueue time.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkrehbiel/activitypress/server/telemetry"
)

var (
	ErrNoHandler = errors.New("no handler for task")
	ErrFull      = errors.New("task queue is full")
)

type Task struct {
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Enqueued time.Time       `json:"enqueued"`
}

type Handler func(ctx context.Context, payload json.RawMessage) error

// Scheduler is the part of the queue producers need.
type Scheduler interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

type Queue struct {
	tasks    chan Task
	pending  sync.WaitGroup
	lock     sync.RWMutex
	handlers map[string]Handler
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		tasks:    make(chan Task, size),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for tasks called name, replacing any earlier one.
func (q *Queue) Handle(name string, h Handler) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.handlers[name] = h
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.lock.RLock()
	defer q.lock.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue serializes payload and adds a task. It blocks while the queue is full,
// until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) error {
	if _, ok := q.handler(name); !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, name)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	task := Task{Name: name, Payload: b, Enqueued: time.Now().UTC()}
	q.pending.Add(1)
	select {
	case q.tasks <- task:
		telemetry.Increment("tasks_enqueued", 1)
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return fmt.Errorf("%w: %s: %v", ErrFull, name, ctx.Err())
	}
}

// Run executes tasks one at a time until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.execute(ctx, task)
		}
	}
}

func (q *Queue) execute(ctx context.Context, task Task) {
	defer q.pending.Done()
	h, ok := q.handler(task.Name)
	if !ok {
		telemetry.Error(ErrNoHandler, "running task %s", task.Name)
		return
	}
	telemetry.Trace("running task %s queued at %s", task.Name, task.Enqueued.Format(time.RFC3339))
	if err := h(ctx, task.Payload); err != nil {
		telemetry.Error(err, "task %s failed", task.Name)
		telemetry.Increment("tasks_failed", 1)
		return
	}
	telemetry.Increment("tasks_completed", 1)
}

// Flush waits until every enqueued task has run. Run must be active.
func (q *Queue) Flush() {
	q.pending.Wait()
}

// Pending reports how many tasks are waiting.
func (q *Queue) Pending() int {
	return len(q.tasks)
}
