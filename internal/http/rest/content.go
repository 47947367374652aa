package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xibo-players/xiboplayer-sub005/internal/cache"
	"github.com/xibo-players/xiboplayer-sub005/internal/content"
	"github.com/xibo-players/xiboplayer-sub005/internal/logctx"
	"github.com/xibo-players/xiboplayer-sub005/internal/queue"
	"github.com/xibo-players/xiboplayer-sub005/internal/store"
	"github.com/xibo-players/xiboplayer-sub005/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// ContentHandler serves content reads for the playback layer: HEAD, GET and
// ranged GET against a logical key, directly from the store when the bytes
// are there and by waiting on the download pipeline when they are not.
type ContentHandler struct {
	store     store.ChunkStore
	cache     *cache.Cache
	q         *queue.Queue
	telemetry *telemetry.Telemetry

	pollInterval    time.Duration
	maxPollAttempts int

	// loads coalesces concurrent waits for the same missing chunk so N
	// readers trigger exactly one underlying wait-and-read.
	loads singleflight.Group

	// lastEvictions is the cumulative eviction count as of the previous
	// metrics report; the eviction counter advances by deltas.
	lastEvictions atomic.Int64
}

// NewContentHandler creates a content handler.
func NewContentHandler(
	cs store.ChunkStore,
	c *cache.Cache,
	q *queue.Queue,
	tel *telemetry.Telemetry,
	pollInterval time.Duration,
	maxPollAttempts int,
) *ContentHandler {
	return &ContentHandler{
		store:           cs,
		cache:           c,
		q:               q,
		telemetry:       tel,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
	}
}

func (h *ContentHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Head("/{type}/{id}", h.HandleHead)
	r.Get("/{type}/{id}", h.HandleGet)

	return r
}

func requestKey(r *http.Request) string {
	return content.Key(content.FileType(chi.URLParam(r, "type")), chi.URLParam(r, "id"))
}

// HandleHead reports whether content is playable. A chunked file counts only
// once chunk 0 is actually present; metadata alone is not playable.
func (h *ContentHandler) HandleHead(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	key := requestKey(r)

	presence, err := h.store.FileExists(key)
	if err != nil {
		logger.Error("existence check failed", "key", key, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)

		return
	}

	if !presence.Exists {
		http.NotFound(w, r)

		return
	}

	if presence.Chunked {
		ok, err := h.store.ChunkExists(key, 0)
		if err != nil || !ok {
			http.NotFound(w, r)

			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", presence.Meta.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(presence.Meta.TotalSize, 10))
		w.WriteHeader(http.StatusOK)

		return
	}

	data, err := h.materialize(key)
	if err != nil {
		logger.Error("failed to materialize file", "key", key, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
}

// HandleGet routes a GET or ranged GET. Missing content falls back to
// waiting on an in-flight download task, then routes again.
func (h *ContentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	key := requestKey(r)

	presence, err := h.store.FileExists(key)
	if err != nil {
		logger.Error("existence check failed", "key", key, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)

		return
	}

	if !presence.Exists {
		task := h.q.Lookup(key)
		if task == nil {
			http.NotFound(w, r)

			return
		}

		// In flight but nothing persisted yet. Block on the task, then
		// route again; this wait holds no lock the queue needs.
		logger.Debug("content in flight, waiting on task", "key", key)

		if _, err := task.Wait(r.Context()); err != nil {
			logger.Error("download failed while waiting", "key", key, "err", err)
			http.Error(w, "download failed", http.StatusInternalServerError)

			return
		}

		presence, err = h.store.FileExists(key)
		if err != nil || !presence.Exists {
			http.NotFound(w, r)

			return
		}
	}

	if presence.Chunked {
		h.serveChunked(w, r, key, presence.Meta)

		return
	}

	h.serveWhole(w, r, key)
}

// serveWhole materializes a whole file and lets ServeContent handle range
// semantics; whole files sit below the chunk threshold, so buffering them
// in memory is what the materialization cache is for.
func (h *ContentHandler) serveWhole(w http.ResponseWriter, r *http.Request, key string) {
	logger := logctx.LoggerFromContext(r.Context())

	data, err := h.materialize(key)
	if err != nil {
		logger.Error("failed to materialize file", "key", key, "err", err)
		http.Error(w, "storage error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func (h *ContentHandler) serveChunked(w http.ResponseWriter, r *http.Request, key string, meta *store.ChunkMetadata) {
	logger := logctx.LoggerFromContext(r.Context())

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		h.serveChunkedFull(w, r, key, meta)

		return
	}

	start, end, openEnded, err := parseRange(rangeHeader, meta.TotalSize)
	if err != nil {
		// Per RFC 7233 an unsatisfiable range gets 416; a malformed header
		// is ignored and the full representation served.
		var unsat *unsatisfiableRangeError
		if errors.As(err, &unsat) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.TotalSize))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)

			return
		}

		logger.Debug("ignoring malformed range header", "range", rangeHeader)
		h.serveChunkedFull(w, r, key, meta)

		return
	}

	if openEnded {
		end = h.capOpenEndedRange(key, meta, start)
	}

	h.serveChunkedRange(w, r, key, meta, start, end)
}

// capOpenEndedRange bounds bytes=N- to one chunk past the one containing N,
// unless every remaining chunk through end-of-file is already present, in
// which case the player gets the whole remainder in one response instead of
// crawling chunk by chunk.
func (h *ContentHandler) capOpenEndedRange(key string, meta *store.ChunkMetadata, start int64) int64 {
	startChunk := int(start / meta.ChunkSize)

	allPresent := true

	for i := startChunk; i < meta.NumChunks; i++ {
		ok, err := h.store.ChunkExists(key, i)
		if err != nil || !ok {
			allPresent = false

			break
		}
	}

	if allPresent {
		return meta.TotalSize - 1
	}

	capChunk := startChunk + 1
	if capChunk >= meta.NumChunks {
		capChunk = meta.NumChunks - 1
	}

	end := int64(capChunk+1)*meta.ChunkSize - 1
	if end >= meta.TotalSize {
		end = meta.TotalSize - 1
	}

	return end
}

// serveChunkedFull streams the entire file. Incomplete files stream through
// the same wait machinery as the slow range path.
func (h *ContentHandler) serveChunkedFull(w http.ResponseWriter, r *http.Request, key string, meta *store.ChunkMetadata) {
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.TotalSize, 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	h.streamChunks(r.Context(), w, key, meta, 0, meta.TotalSize-1)
}

func (h *ContentHandler) serveChunkedRange(w http.ResponseWriter, r *http.Request, key string, meta *store.ChunkMetadata, start, end int64) {
	logger := logctx.LoggerFromContext(r.Context())

	startChunk := int(start / meta.ChunkSize)
	endChunk := int(end / meta.ChunkSize)

	firstMissing := -1

	for i := startChunk; i <= endChunk; i++ {
		ok, err := h.store.ChunkExists(key, i)
		if err != nil {
			logger.Error("chunk existence check failed", "key", key, "chunk", i, "err", err)
			http.Error(w, "storage error", http.StatusInternalServerError)

			return
		}

		if !ok {
			firstMissing = i

			break
		}
	}

	if firstMissing >= 0 {
		// Playback is stalled on this chunk; jump it to the head of the
		// task's fetch order before settling in to wait.
		fileType, id, err := content.ParseKey(key)
		if err == nil && h.q.UrgentChunk(fileType, id, firstMissing) {
			h.telemetry.RecordUrgentEscalation()
			logger.Info("urgent chunk escalation", "key", key, "chunk", firstMissing)
		}
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, meta.TotalSize))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)

	h.streamChunks(r.Context(), w, key, meta, start, end)
}

// streamChunks writes bytes [start, end] to the response, waiting for any
// chunk that has not landed yet. Headers are already committed; a wait
// timeout aborts the body and fails only this request.
func (h *ContentHandler) streamChunks(ctx context.Context, w http.ResponseWriter, key string, meta *store.ChunkMetadata, start, end int64) {
	logger := logctx.LoggerFromContext(ctx)

	startChunk := int(start / meta.ChunkSize)
	endChunk := int(end / meta.ChunkSize)

	flusher, _ := w.(http.Flusher)

	for i := startChunk; i <= endChunk; i++ {
		data, served, err := h.awaitChunk(ctx, key, i)
		if err != nil {
			logger.Error("failed to obtain chunk, aborting response", "key", key, "chunk", i, "err", err)

			return
		}

		h.telemetry.RecordChunkServed(served)

		chunkStart := int64(i) * meta.ChunkSize

		sliceFrom := int64(0)
		if start > chunkStart {
			sliceFrom = start - chunkStart
		}

		sliceTo := int64(len(data))
		if chunkStart+sliceTo-1 > end {
			sliceTo = end - chunkStart + 1
		}

		if sliceFrom >= sliceTo {
			continue
		}

		if _, err := w.Write(data[sliceFrom:sliceTo]); err != nil {
			logger.Debug("client went away mid-stream", "key", key, "chunk", i, "err", err)

			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	stats := h.cache.GetStats()
	h.telemetry.RecordCacheState(stats.Bytes, h.evictionDelta(stats.Evictions))
}

// evictionDelta converts the cache's cumulative eviction count into the
// increment since the last report, keeping the eviction counter honest
// however often requests sample the stats.
func (h *ContentHandler) evictionDelta(total int64) int64 {
	for {
		prev := h.lastEvictions.Load()
		if total <= prev {
			return 0
		}

		if h.lastEvictions.CompareAndSwap(prev, total) {
			return total - prev
		}
	}
}

// awaitChunk returns one chunk's bytes, waiting for it to land if the
// download is still in flight. Concurrent callers for the same chunk share
// a single wait-and-read through singleflight; each still honors its own
// context, and a caller timing out does not cancel the shared work.
func (h *ContentHandler) awaitChunk(ctx context.Context, key string, index int) ([]byte, string, error) {
	chunkKey := store.ChunkKey(key, index)

	if ok, err := h.store.ChunkExists(key, index); err == nil && ok {
		data, err := h.materializeChunk(key, index)

		return data, "fast", err
	}

	ch := h.loads.DoChan(chunkKey, func() (interface{}, error) {
		if err := h.waitForChunk(key, index); err != nil {
			return nil, err
		}

		return h.materializeChunk(key, index)
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}

		return res.Val.([]byte), "wait", nil
	}
}

// waitForChunk polls for chunk arrival with a bounded number of attempts.
// It fails fast if the owning task dies, rather than burning the full poll
// budget on a download that can no longer finish.
func (h *ContentHandler) waitForChunk(key string, index int) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < h.maxPollAttempts; attempt++ {
		<-ticker.C

		ok, err := h.store.ChunkExists(key, index)
		if err != nil {
			return err
		}

		if ok {
			return nil
		}

		if task := h.q.Lookup(key); task != nil && task.State() == queue.StateFailed {
			return &content.DownloadFailedError{Key: key, Err: errors.New("task failed while waiting for chunk")}
		}
	}

	return &content.ChunkTimeoutError{Key: key, Chunk: index, Attempts: h.maxPollAttempts}
}

func (h *ContentHandler) materialize(key string) ([]byte, error) {
	hit := h.cache.Has(key)
	h.telemetry.RecordCacheAccess(hit)

	return h.cache.Get(key, func() ([]byte, error) {
		return h.store.Get(key)
	})
}

func (h *ContentHandler) materializeChunk(key string, index int) ([]byte, error) {
	chunkKey := store.ChunkKey(key, index)

	hit := h.cache.Has(chunkKey)
	h.telemetry.RecordCacheAccess(hit)

	return h.cache.Get(chunkKey, func() ([]byte, error) {
		return h.store.GetChunk(key, index)
	})
}

// unsatisfiableRangeError marks a syntactically valid range outside the
// representation's bounds.
type unsatisfiableRangeError struct {
	start int64
	size  int64
}

func (e *unsatisfiableRangeError) Error() string {
	return fmt.Sprintf("range start %d outside size %d", e.start, e.size)
}

// parseRange parses a single "bytes=start-end" or "bytes=start-" range.
// Multi-range requests are not something a media player sends; they are
// treated as malformed.
func parseRange(header string, size int64) (start, end int64, openEnded bool, err error) {
	const prefix = "bytes="

	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, fmt.Errorf("unsupported range unit in %q", header)
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("multi-range request not supported: %q", header)
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, false, fmt.Errorf("malformed range %q", header)
	}

	start, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, fmt.Errorf("malformed range start in %q", header)
	}

	if start >= size {
		return 0, 0, false, &unsatisfiableRangeError{start: start, size: size}
	}

	if strings.TrimSpace(parts[1]) == "" {
		return start, size - 1, true, nil
	}

	end, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || end < start {
		return 0, 0, false, fmt.Errorf("malformed range end in %q", header)
	}

	if end >= size {
		end = size - 1
	}

	return start, end, false, nil
}
