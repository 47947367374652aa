// Package orchestrator translates "download these files for these layouts"
// commands into ordered batches on the download queue, plans resumes for
// partially downloaded files, and reports progress back to consumers.
package orchestrator

import (
	"context"
	"errors"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/fetch"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
	"github.com/xibo-players/xiboplayer-sub005/internal/queue"
	"github.com/xibo-players/xiboplayer-sub005/internal/storage"
	"github.com/xibo-players/xiboplayer-sub005/internal/store"
	"github.com/xibo-players/xiboplayer-sub005/internal/telemetry"
)

const fallbackContentType = "application/octet-stream"

// Options carries the tunables the orchestrator needs.
type Options struct {
	ChunkThreshold    int64
	ChunkSize         int64
	MaxResumeAttempts int
}

// FileProgress is the externally visible state of one tracked file.
type FileProgress struct {
	Key        string `json:"key"`
	State      string `json:"state"`
	NumChunks  int    `json:"numChunks,omitempty"`
	DurableNow bool   `json:"stored"`
}

// Progress is a snapshot of the whole pipeline for the get-progress command.
type Progress struct {
	Tracked   int            `json:"tracked"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Abandoned int            `json:"abandoned"`
	Active    int            `json:"active"`
	Pending   int            `json:"pending"`
	Files     []FileProgress `json:"files"`
}

// BatchResult reports one barrier's completion.
type BatchResult struct {
	GroupID string
	Files   int
}

// Orchestrator owns planning: dedup, resume, enqueueing and bookkeeping.
type Orchestrator struct {
	store     store.ChunkStore
	q         *queue.Queue
	ledger    storage.Ledger
	fetcher   fetch.Fetcher
	telemetry *telemetry.Telemetry
	opts      Options

	// lifecycle governs watcher goroutines and event emission. A download
	// command returns long before its transfers end, so its context covers
	// planning only.
	lifecycle context.Context

	mu      sync.Mutex
	tracked map[string]*FileProgress

	// Event channels stay open for the orchestrator's lifetime; emission
	// stops when the lifecycle context ends.
	OnFileComplete  chan content.FileDescriptor
	OnFileFailed    chan content.FileDescriptor
	OnBatchComplete chan BatchResult
}

func New(
	cs store.ChunkStore,
	q *queue.Queue,
	ledger storage.Ledger,
	fetcher fetch.Fetcher,
	tel *telemetry.Telemetry,
	opts Options,
) *Orchestrator {
	return &Orchestrator{
		store:     cs,
		q:         q,
		ledger:    ledger,
		fetcher:   fetcher,
		telemetry: tel,
		opts:      opts,
		lifecycle: context.Background(),
		tracked:   make(map[string]*FileProgress),

		OnFileComplete:  make(chan content.FileDescriptor),
		OnFileFailed:    make(chan content.FileDescriptor),
		OnBatchComplete: make(chan BatchResult),
	}
}

// Start binds the orchestrator to the process lifecycle context. Watchers
// and event emission run on it, so bookkeeping for an accepted download
// survives the command request that submitted it.
func (o *Orchestrator) Start(ctx context.Context) {
	o.lifecycle = ctx
}

// Download plans and enqueues each group, in order, as one batch followed by
// a barrier. Files already stored, already in flight, or claimed by an
// earlier group are skipped. Returns the number of tasks actually enqueued.
func (o *Orchestrator) Download(ctx context.Context, groups []content.Group) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	claimed := make(map[string]bool)
	enqueued := 0

	for _, group := range groups {
		var tasks []*queue.Task

		for _, desc := range group.Files {
			key := desc.Key()
			if claimed[key] {
				continue
			}

			claimed[key] = true

			task, err := o.planFile(ctx, desc)
			if err != nil {
				logger.Error("failed to plan download", "key", key, "err", err)

				continue
			}

			if task == nil {
				continue
			}

			tasks = append(tasks, task)
		}

		barrier := o.q.EnqueueBatch(ctx, group.ID, tasks)
		enqueued += len(tasks)

		for _, t := range tasks {
			go o.watchTask(o.lifecycle, t)
		}

		go o.watchBarrier(o.lifecycle, barrier, len(tasks))
	}

	logger.Info("download plan submitted", "groups", len(groups), "tasks", enqueued)

	return enqueued, nil
}

// planFile decides whether a file needs a task and, for partially stored
// chunked files, whether to resume or restart.
func (o *Orchestrator) planFile(ctx context.Context, desc content.FileDescriptor) (*queue.Task, error) {
	logger := logctx.LoggerFromContext(ctx)
	key := desc.Key()

	if o.q.Lookup(key) != nil {
		logger.Debug("file already in flight", "key", key)

		return nil, nil
	}

	presence, err := o.store.FileExists(key)
	if err != nil {
		return nil, err
	}

	if presence.Exists && (!presence.Chunked || presence.Meta.Complete) {
		logger.Debug("file already stored", "key", key)
		o.setState(key, "complete", 0)

		return nil, nil
	}

	skip := map[int]bool{}

	if presence.Chunked && !presence.Meta.Complete {
		resume, err := o.planResume(ctx, key)
		if err != nil {
			return nil, err
		}

		skip = resume
	}

	task := o.buildTask(desc, skip)

	// The incomplete metadata record must exist before the first chunk
	// lands, or the request router cannot route partial reads. ensureMetadata
	// re-checks presence itself: planResume may just have wiped the key.
	if task.Strategy() == queue.StrategyChunked {
		if err := o.ensureMetadata(key, desc, guessContentType(desc.SourceLocation)); err != nil {
			return nil, err
		}
	}

	o.setState(key, "queued", task.NumChunks())

	return task, nil
}

// planResume returns the chunk indices to skip, or an empty set after the
// bounded resume policy gives up and wipes the partial data.
func (o *Orchestrator) planResume(ctx context.Context, key string) (map[int]bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	attempts := 0

	if record, err := o.ledger.GetRecord(key); err != nil {
		return nil, err
	} else if record != nil {
		attempts = record.ResumeAttempts
	}

	if o.opts.MaxResumeAttempts > 0 && attempts >= o.opts.MaxResumeAttempts {
		logger.Warn("resume budget exhausted, restarting from scratch", "key", key, "attempts", attempts)

		if err := o.store.Delete(key); err != nil {
			return nil, err
		}

		if err := o.ledger.Forget(key); err != nil {
			return nil, err
		}

		return map[int]bool{}, nil
	}

	present, err := o.store.PresentChunks(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return map[int]bool{}, nil
		}

		return nil, err
	}

	logger.Info("resuming chunked download", "key", key, "chunks_present", len(present), "attempts", attempts)

	return present, nil
}

func (o *Orchestrator) buildTask(desc content.FileDescriptor, skip map[int]bool) *queue.Task {
	key := desc.Key()
	contentType := guessContentType(desc.SourceLocation)

	return queue.NewTask(desc, queue.TaskConfig{
		Fetcher:        o.fetcher,
		ChunkSize:      o.opts.ChunkSize,
		ChunkThreshold: o.opts.ChunkThreshold,
		Skip:           skip,
		OnChunk: func(index int, data []byte) error {
			if err := o.store.PutChunk(key, index, data); err != nil {
				return err
			}

			o.telemetry.RecordChunkDownloaded()

			return nil
		},
		OnWhole: func(data []byte) error {
			return o.store.Put(key, data, contentType)
		},
		OnComplete: func() error {
			return o.store.MarkComplete(key)
		},
	})
}

// ensureMetadata writes the incomplete chunked metadata record if the store
// has never seen this key.
func (o *Orchestrator) ensureMetadata(key string, desc content.FileDescriptor, contentType string) error {
	presence, err := o.store.FileExists(key)
	if err != nil {
		return err
	}

	if presence.Chunked {
		return nil
	}

	return o.store.InitChunked(key, store.ChunkMetadata{
		TotalSize:   desc.Size,
		ChunkSize:   o.opts.ChunkSize,
		NumChunks:   store.NumChunksFor(desc.Size, o.opts.ChunkSize),
		ContentType: contentType,
		CreatedAt:   time.Now(),
	})
}

// watchTask records the task's terminal outcome in the ledger and progress
// table and emits the matching event.
func (o *Orchestrator) watchTask(ctx context.Context, task *queue.Task) {
	logger := logctx.LoggerFromContext(ctx)
	key := task.Key()

	err := o.telemetry.InstrumentDownload(ctx, string(task.Strategy()), func(ctx context.Context) error {
		_, waitErr := task.Wait(ctx)

		return waitErr
	})

	state := task.State()
	o.setState(key, state.String(), task.NumChunks())

	switch state {
	case queue.StateComplete:
		if err := o.ledger.UpdateStatus(key, "complete"); err != nil {
			logger.Error("failed to update ledger", "key", key, "err", err)
		}

		o.emitComplete(ctx, task.Desc)
	case queue.StateAbandoned:
		if _, err := o.ledger.RecordResumeAttempt(key); err != nil {
			logger.Error("failed to record resume attempt", "key", key, "err", err)
		}
	case queue.StateFailed:
		logger.Error("download failed", "key", key, "err", err)

		if err := o.ledger.UpdateStatus(key, "failed"); err != nil {
			logger.Error("failed to update ledger", "key", key, "err", err)
		}

		o.emitFailed(ctx, task.Desc)
	}
}

func (o *Orchestrator) watchBarrier(ctx context.Context, barrier *queue.Barrier, files int) {
	select {
	case <-ctx.Done():
		return
	case <-barrier.Done():
	}

	logctx.LoggerFromContext(ctx).Info("batch finished", "group", barrier.ID, "files", files)

	select {
	case o.OnBatchComplete <- BatchResult{GroupID: barrier.ID, Files: files}:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) emitComplete(ctx context.Context, desc content.FileDescriptor) {
	select {
	case o.OnFileComplete <- desc:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) emitFailed(ctx context.Context, desc content.FileDescriptor) {
	select {
	case o.OnFileFailed <- desc:
	case <-ctx.Done():
	}
}

// Prioritize forwards a consumer's prioritize request to the queue.
func (o *Orchestrator) Prioritize(fileType content.FileType, id string) bool {
	return o.q.Prioritize(fileType, id)
}

// UrgentChunk forwards an urgent chunk escalation to the queue.
func (o *Orchestrator) UrgentChunk(fileType content.FileType, id string, chunk int) bool {
	acted := o.q.UrgentChunk(fileType, id, chunk)
	if acted {
		o.telemetry.RecordUrgentEscalation()
	}

	return acted
}

// DeleteFiles removes files from the store and forgets their history.
// Returns the number of files actually deleted.
func (o *Orchestrator) DeleteFiles(ctx context.Context, files []content.FileDescriptor) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	deleted := 0

	for _, desc := range files {
		key := desc.Key()

		presence, err := o.store.FileExists(key)
		if err != nil {
			return deleted, err
		}

		if !presence.Exists {
			continue
		}

		err = o.telemetry.InstrumentStoreOperation(ctx, "delete", func(context.Context) error {
			return o.store.Delete(key)
		})
		if err != nil {
			return deleted, err
		}

		if err := o.ledger.Forget(key); err != nil {
			logger.Error("failed to forget ledger record", "key", key, "err", err)
		}

		o.mu.Lock()
		delete(o.tracked, key)
		o.mu.Unlock()

		deleted++
	}

	logger.Info("deleted files", "requested", len(files), "deleted", deleted)

	return deleted, nil
}

// GetProgress returns a snapshot of pipeline state.
func (o *Orchestrator) GetProgress() Progress {
	o.mu.Lock()

	p := Progress{
		Tracked: len(o.tracked),
		Files:   make([]FileProgress, 0, len(o.tracked)),
	}

	for _, fp := range o.tracked {
		switch fp.State {
		case "complete":
			p.Completed++
		case "failed":
			p.Failed++
		case "abandoned":
			p.Abandoned++
		}

		p.Files = append(p.Files, *fp)
	}

	o.mu.Unlock()

	p.Active = o.q.GetActiveCount()
	p.Pending = o.q.GetPendingCount()

	return p
}

func (o *Orchestrator) setState(key, state string, numChunks int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fp, ok := o.tracked[key]
	if !ok {
		fp = &FileProgress{Key: key}
		o.tracked[key] = fp
	}

	fp.State = state
	fp.NumChunks = numChunks
	fp.DurableNow = state == "complete"
}

func guessContentType(sourceLocation string) string {
	if ct := mime.TypeByExtension(path.Ext(sourceLocation)); ct != "" {
		return ct
	}

	return fallbackContentType
}
