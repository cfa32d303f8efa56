// Package userinput manages the per-task FIFO of pending human messages
// and the wake signal that lets a live executor loop pick them up
// immediately.
package userinput

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskloop/taskloop/internal/common/clock"
	apperrors "github.com/taskloop/taskloop/internal/common/errors"
	"github.com/taskloop/taskloop/internal/common/logger"
	"github.com/taskloop/taskloop/internal/task/models"
	"github.com/taskloop/taskloop/internal/task/store"
)

// Options tune queue behavior.
type Options struct {
	// DedupWindow rejects a push whose text matches an entry pushed
	// within the window. Zero disables the guard: identical messages
	// produce separate entries.
	DedupWindow time.Duration
}

// Queue is the per-task user input channel. All queue writes go through
// store.Mutate so the entries and the user_input_pending summary flag
// always move together.
type Queue struct {
	store store.Store
	clock clock.Clock
	log   *logger.Logger
	opts  Options

	mu     sync.Mutex
	wakers map[string]chan struct{}
}

// NewQueue creates a queue manager.
func NewQueue(st store.Store, clk clock.Clock, log *logger.Logger, opts Options) *Queue {
	return &Queue{
		store:  st,
		clock:  clk,
		log:    log.WithFields(zap.String("component", "userinput")),
		opts:   opts,
		wakers: make(map[string]chan struct{}),
	}
}

// Push appends an unprocessed entry and raises the pending flag.
func (q *Queue) Push(ctx context.Context, taskID, text string, images []models.Attachment) (*models.UserInputEntry, error) {
	entry := models.UserInputEntry{
		ID:        q.clock.NewID(),
		Text:      text,
		Images:    images,
		Timestamp: q.clock.Now(),
	}

	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *models.Task) error {
		if q.opts.DedupWindow > 0 {
			for _, existing := range task.UserInputQueue {
				if existing.Text == text && entry.Timestamp.Sub(existing.Timestamp) < q.opts.DedupWindow {
					return apperrors.Conflict("duplicate input within dedup window")
				}
			}
		}
		task.UserInputQueue = append(task.UserInputQueue, entry)
		task.RecomputeInputPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PopUnprocessed returns the oldest unprocessed entry and atomically
// marks it processed. Returns nil when the queue holds nothing pending.
func (q *Queue) PopUnprocessed(ctx context.Context, taskID string) (*models.UserInputEntry, error) {
	var popped *models.UserInputEntry

	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *models.Task) error {
		popped = nil
		for i := range task.UserInputQueue {
			if !task.UserInputQueue[i].Processed {
				task.UserInputQueue[i].Processed = true
				entry := task.UserInputQueue[i]
				popped = &entry
				break
			}
		}
		task.RecomputeInputPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// HasUnprocessed is the fast path: it reads the summary flag without
// scanning the queue.
func (q *Queue) HasUnprocessed(ctx context.Context, taskID string) (bool, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.UserInputPending, nil
}

// TriggerImmediate pushes an entry and signals the task's live loop, if
// any, to dispatch right away instead of waiting for the next iteration.
func (q *Queue) TriggerImmediate(ctx context.Context, taskID, text string, images []models.Attachment) (*models.UserInputEntry, error) {
	entry, err := q.Push(ctx, taskID, text, images)
	if err != nil {
		return nil, err
	}
	q.Wake(taskID)
	return entry, nil
}

// ClearProcessed prunes processed entries from the queue.
func (q *Queue) ClearProcessed(ctx context.Context, taskID string) error {
	_, err := store.MutateRetry(ctx, q.store, taskID, func(task *models.Task) error {
		kept := task.UserInputQueue[:0]
		for _, entry := range task.UserInputQueue {
			if !entry.Processed {
				kept = append(kept, entry)
			}
		}
		task.UserInputQueue = kept
		task.RecomputeInputPending()
		return nil
	})
	return err
}

// Status summarizes the queue for introspection endpoints.
type Status struct {
	Total   int                     `json:"total"`
	Pending int                     `json:"pending"`
	Recent  []models.UserInputEntry `json:"recent"`
}

// QueueStatus returns totals and a preview of the most recent entries.
func (q *Queue) QueueStatus(ctx context.Context, taskID string) (*Status, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	status := &Status{Total: len(task.UserInputQueue)}
	for _, entry := range task.UserInputQueue {
		if !entry.Processed {
			status.Pending++
		}
	}
	start := len(task.UserInputQueue) - 5
	if start < 0 {
		start = 0
	}
	status.Recent = append(status.Recent, task.UserInputQueue[start:]...)
	return status, nil
}

// Waker returns the wake channel for a task, creating it on first use.
// The executor selects on it while suspended in chat mode.
func (q *Queue) Waker(taskID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.wakers[taskID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.wakers[taskID] = ch
	}
	return ch
}

// Wake nudges the task's loop without blocking; a missed signal is fine
// because the loop re-checks the pending flag at every decision point.
func (q *Queue) Wake(taskID string) {
	q.mu.Lock()
	ch, ok := q.wakers[taskID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ReleaseWaker drops the wake channel when a task's loop tears down.
func (q *Queue) ReleaseWaker(taskID string) {
	q.mu.Lock()
	delete(q.wakers, taskID)
	q.mu.Unlock()
}
