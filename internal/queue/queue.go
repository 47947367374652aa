// Package queue schedules download tasks: FIFO admission in ordered batches
// separated by barriers, a bounded number of concurrent transfers, pending
// prioritization and urgent chunk escalation for active tasks.
package queue

import (
	"context"
	"sync"

	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
)

// Barrier marks the end of one logical batch. It never blocks later batches;
// consumers use Done to learn when the whole batch reached a terminal state.
type Barrier struct {
	ID string

	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

func newBarrier(id string, count int) *Barrier {
	b := &Barrier{ID: id, remaining: count, done: make(chan struct{})}
	if count == 0 {
		close(b.done)
	}

	return b
}

// Done is closed once every task enqueued in this batch is terminal.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

func (b *Barrier) taskFinished() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remaining--
	if b.remaining == 0 {
		close(b.done)
	}
}

type pendingEntry struct {
	task    *Task
	barrier *Barrier
}

// Queue runs download tasks under a concurrency ceiling.
type Queue struct {
	limit int

	mu      sync.Mutex
	active  map[string]*Task
	pending []*pendingEntry
	kick    chan struct{}
}

// New creates a queue running at most limit concurrent transfers.
func New(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}

	return &Queue{
		limit:  limit,
		active: make(map[string]*Task),
		kick:   make(chan struct{}, 1),
	}
}

// Start runs the scheduler until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go q.schedule(ctx)
}

// EnqueueBatch appends tasks as one ordered batch followed by a barrier.
// A task whose key is already active or pending is skipped, so re-enqueueing
// an in-flight file is a no-op. The returned barrier reports batch
// completion; skipped duplicates don't count toward it.
func (q *Queue) EnqueueBatch(ctx context.Context, barrierID string, tasks []*Task) *Barrier {
	logger := logctx.LoggerFromContext(ctx)

	q.mu.Lock()

	accepted := make([]*Task, 0, len(tasks))

	for _, t := range tasks {
		if q.lookupLocked(t.Key()) != nil {
			logger.Debug("skipping duplicate enqueue", "key", t.Key())

			continue
		}

		accepted = append(accepted, t)
	}

	barrier := newBarrier(barrierID, len(accepted))

	for _, t := range accepted {
		q.pending = append(q.pending, &pendingEntry{task: t, barrier: barrier})
	}

	q.mu.Unlock()

	logger.Debug("batch enqueued", "barrier", barrierID, "accepted", len(accepted), "submitted", len(tasks))
	q.wake()

	return barrier
}

// Lookup returns the active or pending task for key, or nil.
func (q *Queue) Lookup(key string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.lookupLocked(key)
}

func (q *Queue) lookupLocked(key string) *Task {
	if t, ok := q.active[key]; ok {
		return t
	}

	for _, e := range q.pending {
		if e.task.Key() == key {
			return e.task
		}
	}

	return nil
}

// Prioritize moves a pending task to the front of its batch. Batch grouping
// is preserved: the task moves ahead of its batch-mates only.
func (q *Queue) Prioritize(fileType content.FileType, id string) bool {
	key := content.Key(fileType, id)

	q.mu.Lock()
	defer q.mu.Unlock()

	pos := -1

	for i, e := range q.pending {
		if e.task.Key() == key {
			pos = i

			break
		}
	}

	if pos < 0 {
		return false
	}

	entry := q.pending[pos]

	// Front of the batch is the first pending entry sharing this barrier.
	front := pos
	for i := 0; i < pos; i++ {
		if q.pending[i].barrier == entry.barrier {
			front = i

			break
		}
	}

	copy(q.pending[front+1:pos+1], q.pending[front:pos])
	q.pending[front] = entry

	return true
}

// UrgentChunk escalates one chunk of an already-downloading file. For a task
// still pending, the strongest escalation available is moving it to the
// front of its batch.
func (q *Queue) UrgentChunk(fileType content.FileType, id string, chunk int) bool {
	key := content.Key(fileType, id)

	q.mu.Lock()
	task, isActive := q.active[key]
	q.mu.Unlock()

	if isActive {
		return task.UrgentChunk(chunk)
	}

	if t := q.Lookup(key); t != nil {
		t.UrgentChunk(chunk)

		return q.Prioritize(fileType, id)
	}

	return false
}

// RemoveCompleted evicts a task from the active map once its bytes are
// durably stored. Removal before the task is terminal is refused, so a
// task is never "gone" while its data is not yet readable.
func (q *Queue) RemoveCompleted(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.active[key]
	if !ok {
		return false
	}

	switch task.State() {
	case StateComplete, StateFailed, StateAbandoned:
		delete(q.active, key)

		return true
	default:
		return false
	}
}

// GetActiveCount returns the number of running tasks.
func (q *Queue) GetActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.active)
}

// GetPendingCount returns the number of tasks awaiting a slot.
func (q *Queue) GetPendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

func (q *Queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) schedule(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("download queue shutting down")

			return
		case <-q.kick:
			q.dispatch(ctx)
		}
	}
}

// dispatch admits pending tasks while slots are free. Tasks run outside the
// queue lock; anything waiting on a task must never hold it, or the
// scheduler cannot make progress.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()

		if len(q.pending) == 0 || len(q.active) >= q.limit {
			q.mu.Unlock()

			return
		}

		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.active[entry.task.Key()] = entry.task

		q.mu.Unlock()

		go q.runTask(ctx, entry)
	}
}

func (q *Queue) runTask(ctx context.Context, entry *pendingEntry) {
	task := entry.task

	task.Run(ctx)

	// Run returns only after persistence, so eviction is safe here.
	q.RemoveCompleted(task.Key())
	entry.barrier.taskFinished()
	q.wake()
}
