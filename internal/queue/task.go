package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/fetch"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
)

// State is the lifecycle state of a download task.
type State int32

const (
	StatePending State = iota
	StateActive
	StateComplete
	StateFailed
	// StateAbandoned is the soft terminal state for link expiry: the task
	// ended without completing, partial chunks stay on disk for a resume.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Strategy selects whole-file or chunked transfer.
type Strategy string

const (
	StrategyWhole   Strategy = "whole"
	StrategyChunked Strategy = "chunked"
)

const chunkWriteRetries = 3

// ChunkSink receives each chunk as it arrives for progressive persistence.
type ChunkSink func(index int, data []byte) error

// TaskConfig wires a task to its transfer and persistence collaborators.
type TaskConfig struct {
	Fetcher   fetch.Fetcher
	ChunkSize int64

	// ChunkThreshold is the size above which a file downloads chunked.
	ChunkThreshold int64

	// Skip holds chunk indices already durably stored from a prior attempt.
	Skip map[int]bool

	// OnChunk persists one arriving chunk. Required for chunked tasks.
	OnChunk ChunkSink

	// OnWhole persists a whole-file download. Required for whole tasks.
	OnWhole func(data []byte) error

	// OnComplete commits completion once all chunks are durable.
	OnComplete func() error
}

// Task represents one file's download. Other components block on Wait;
// the queue drives Run under its concurrency ceiling.
type Task struct {
	Desc content.FileDescriptor

	strategy  Strategy
	chunkSize int64
	numChunks int
	cfg       TaskConfig

	mu         sync.Mutex
	state      State
	err        error
	doneChunks map[int]bool
	urgent     []int

	done   chan struct{}
	result []byte
}

// NewTask builds a task, picking the transfer strategy from the declared
// file size against the chunk threshold.
func NewTask(desc content.FileDescriptor, cfg TaskConfig) *Task {
	t := &Task{
		Desc:       desc,
		strategy:   StrategyWhole,
		chunkSize:  cfg.ChunkSize,
		cfg:        cfg,
		doneChunks: make(map[int]bool),
		done:       make(chan struct{}),
	}

	if cfg.ChunkThreshold > 0 && desc.Size > cfg.ChunkThreshold && cfg.ChunkSize > 0 {
		t.strategy = StrategyChunked
		t.numChunks = int((desc.Size + cfg.ChunkSize - 1) / cfg.ChunkSize)
	}

	for i := range cfg.Skip {
		t.doneChunks[i] = true
	}

	return t
}

// Key returns the task's logical content key.
func (t *Task) Key() string {
	return t.Desc.Key()
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Strategy returns the chosen transfer strategy.
func (t *Task) Strategy() Strategy {
	return t.strategy
}

// NumChunks returns the chunk count for chunked tasks, zero otherwise.
func (t *Task) NumChunks() int {
	return t.numChunks
}

// Wait blocks until the task reaches a terminal state. For the whole-file
// path it returns the full bytes; for the chunked path the bytes are already
// in the store and the return value is empty.
func (t *Task) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.result, t.err
}

// UrgentChunk asks an active chunked task to fetch one specific chunk next,
// ahead of its normal order. Reports whether the escalation applied.
func (t *Task) UrgentChunk(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive && t.state != StatePending {
		return false
	}

	if t.strategy != StrategyChunked || index < 0 || index >= t.numChunks {
		return false
	}

	if t.doneChunks[index] {
		return false
	}

	t.urgent = append(t.urgent, index)

	return true
}

// Run performs the transfer. It returns only after the task is terminal and,
// on success, after all bytes are durably persisted.
func (t *Task) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("key", t.Key(), "strategy", string(t.strategy))

	t.mu.Lock()
	t.state = StateActive
	t.mu.Unlock()

	logger.Info("download starting", "size", humanize.Bytes(uint64(t.Desc.Size)))

	var err error
	if t.strategy == StrategyWhole {
		err = t.runWhole(ctx)
	} else {
		err = t.runChunked(ctx)
	}

	t.finish(ctx, err)
}

func (t *Task) runWhole(ctx context.Context) error {
	data, err := t.cfg.Fetcher.Fetch(ctx, t.Desc)
	if err != nil {
		return err
	}

	if t.cfg.OnWhole != nil {
		if err := t.cfg.OnWhole(data); err != nil {
			return fmt.Errorf("failed to persist file: %w", err)
		}
	}

	t.mu.Lock()
	t.result = data
	t.mu.Unlock()

	return nil
}

func (t *Task) runChunked(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("key", t.Key())

	for {
		index, ok := t.nextChunk()
		if !ok {
			break
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		start := int64(index) * t.chunkSize

		end := start + t.chunkSize - 1
		if end >= t.Desc.Size {
			end = t.Desc.Size - 1
		}

		data, err := t.cfg.Fetcher.FetchRange(ctx, t.Desc, start, end)
		if err != nil {
			return fmt.Errorf("failed to fetch chunk %d: %w", index, err)
		}

		if err := t.persistChunk(index, data); err != nil {
			return err
		}

		t.mu.Lock()
		t.doneChunks[index] = true
		completed := len(t.doneChunks)
		t.mu.Unlock()

		logger.Debug("chunk stored", "chunk", index, "completed", completed, "total", t.numChunks)
	}

	if t.cfg.OnComplete != nil {
		if err := t.cfg.OnComplete(); err != nil {
			return fmt.Errorf("failed to commit completion: %w", err)
		}
	}

	return nil
}

// persistChunk writes one chunk via the sink, retrying failed writes since a
// transient store error should not abort a long transfer.
func (t *Task) persistChunk(index int, data []byte) error {
	var err error

	for attempt := 0; attempt < chunkWriteRetries; attempt++ {
		if err = t.cfg.OnChunk(index, data); err == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to persist chunk %d: %w", index, err)
}

// nextChunk picks the next chunk to fetch: any urgent escalation first, then
// chunk 0 and the final chunk (container header and trailer, the decoder
// needs them before playback can start), then the rest in index order.
func (t *Task) nextChunk() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.urgent) > 0 {
		index := t.urgent[0]
		t.urgent = t.urgent[1:]

		if !t.doneChunks[index] {
			return index, true
		}
	}

	if t.numChunks > 0 && !t.doneChunks[0] {
		return 0, true
	}

	if t.numChunks > 1 && !t.doneChunks[t.numChunks-1] {
		return t.numChunks - 1, true
	}

	for i := 1; i < t.numChunks-1; i++ {
		if !t.doneChunks[i] {
			return i, true
		}
	}

	return 0, false
}

func (t *Task) finish(ctx context.Context, err error) {
	logger := logctx.LoggerFromContext(ctx).With("key", t.Key())

	t.mu.Lock()

	var expired *content.LinkExpiredError

	switch {
	case err == nil:
		t.state = StateComplete
	case errors.As(err, &expired):
		t.state = StateAbandoned
		t.err = err
	default:
		t.state = StateFailed
		t.err = &content.DownloadFailedError{Key: t.Key(), Err: err}
	}

	state := t.state
	t.mu.Unlock()

	switch state {
	case StateComplete:
		logger.Info("download complete")
	case StateAbandoned:
		logger.Warn("download abandoned, link expired; partial chunks retained")
	default:
		logger.Error("download failed", "err", err)
	}

	close(t.done)
}
