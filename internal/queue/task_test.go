package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xibo-players/xiboplayer-sub005/internal/content"
)

// stubFetcher implements fetch.Fetcher and records the byte ranges requested.
type stubFetcher struct {
	mu     sync.Mutex
	source []byte
	ranges [][2]int64
	err    error

	// gate, when set, blocks every fetch until released.
	gate chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, desc content.FileDescriptor) ([]byte, error) {
	return f.FetchRange(ctx, desc, 0, int64(len(f.source))-1)
}

func (f *stubFetcher) FetchRange(ctx context.Context, desc content.FileDescriptor, start, end int64) ([]byte, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.ranges = append(f.ranges, [2]int64{start, end})
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	if end >= int64(len(f.source)) {
		end = int64(len(f.source)) - 1
	}

	return f.source[start : end+1], nil
}

func (f *stubFetcher) requestedRanges() [][2]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][2]int64, len(f.ranges))
	copy(out, f.ranges)

	return out
}

func testDesc(size int64) content.FileDescriptor {
	return content.FileDescriptor{
		Type:           content.TypeMedia,
		ID:             "1",
		Size:           size,
		SourceLocation: "http://cms.example/media/1",
	}
}

func TestNewTaskPicksStrategy(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		threshold int64
		chunkSize int64
		want      Strategy
		chunks    int
	}{
		{name: "small file downloads whole", size: 100, threshold: 1000, chunkSize: 64, want: StrategyWhole},
		{name: "large file downloads chunked", size: 10, threshold: 5, chunkSize: 4, want: StrategyChunked, chunks: 3},
		{name: "exact threshold stays whole", size: 5, threshold: 5, chunkSize: 4, want: StrategyWhole},
		{name: "no threshold means always whole", size: 1 << 30, threshold: 0, chunkSize: 4, want: StrategyWhole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := NewTask(testDesc(tt.size), TaskConfig{
				ChunkThreshold: tt.threshold,
				ChunkSize:      tt.chunkSize,
			})

			require.Equal(t, tt.want, task.Strategy())
			require.Equal(t, tt.chunks, task.NumChunks())
		})
	}
}

func TestRunWholePersistsAndCompletes(t *testing.T) {
	fetcher := &stubFetcher{source: []byte("layout body")}

	var persisted []byte

	task := NewTask(testDesc(11), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 100,
		OnWhole: func(data []byte) error {
			persisted = data

			return nil
		},
	})

	task.Run(context.Background())

	data, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("layout body"), data)
	require.Equal(t, []byte("layout body"), persisted)
	require.Equal(t, StateComplete, task.State())
}

// TestChunkOrderFrontAndBackFirst verifies the default fetch order: the
// container header (chunk 0) and trailer (last chunk) come before the middle.
func TestChunkOrderFrontAndBackFirst(t *testing.T) {
	fetcher := &stubFetcher{source: []byte("0123456789abcdef")}

	var order []int

	task := NewTask(testDesc(16), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 4,
		ChunkSize:      4,
		OnChunk: func(index int, data []byte) error {
			order = append(order, index)

			return nil
		},
		OnComplete: func() error { return nil },
	})

	task.Run(context.Background())

	_, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{0, 3, 1, 2}, order)

	// Ranges line up with the chunk grid.
	require.Equal(t, [][2]int64{{0, 3}, {12, 15}, {4, 7}, {8, 11}}, fetcher.requestedRanges())
}

// TestUrgentChunkJumpsTheOrder covers escalation: a requested chunk is
// fetched ahead of the normal front-and-back-first order.
func TestUrgentChunkJumpsTheOrder(t *testing.T) {
	fetcher := &stubFetcher{source: make([]byte, 16)}

	var order []int

	task := NewTask(testDesc(16), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 4,
		ChunkSize:      4,
		OnChunk: func(index int, data []byte) error {
			order = append(order, index)

			return nil
		},
		OnComplete: func() error { return nil },
	})

	require.True(t, task.UrgentChunk(2))

	task.Run(context.Background())

	_, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2, 0, 3, 1}, order)
}

func TestUrgentChunkValidation(t *testing.T) {
	task := NewTask(testDesc(16), TaskConfig{
		ChunkThreshold: 4,
		ChunkSize:      4,
		Skip:           map[int]bool{1: true},
	})

	require.False(t, task.UrgentChunk(-1), "negative index")
	require.False(t, task.UrgentChunk(4), "index past the last chunk")
	require.False(t, task.UrgentChunk(1), "already stored chunk")
	require.True(t, task.UrgentChunk(2))
}

// TestSkipSetResumesDownload verifies a resumed task never re-fetches chunks
// already durably stored.
func TestSkipSetResumesDownload(t *testing.T) {
	fetcher := &stubFetcher{source: make([]byte, 16)}

	var order []int

	task := NewTask(testDesc(16), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 4,
		ChunkSize:      4,
		Skip:           map[int]bool{0: true, 2: true},
		OnChunk: func(index int, data []byte) error {
			order = append(order, index)

			return nil
		},
		OnComplete: func() error { return nil },
	})

	task.Run(context.Background())

	_, err := task.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{3, 1}, order)
}

// TestLinkExpiryAbandonsTask verifies the soft terminal state: an expired
// link abandons the task instead of failing it, keeping partial chunks.
func TestLinkExpiryAbandonsTask(t *testing.T) {
	expired := &content.LinkExpiredError{Key: "media/1", Err: errors.New("server returned 403 Forbidden")}
	fetcher := &stubFetcher{source: make([]byte, 16), err: expired}

	task := NewTask(testDesc(16), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 4,
		ChunkSize:      4,
		OnChunk:        func(int, []byte) error { return nil },
	})

	task.Run(context.Background())

	_, err := task.Wait(context.Background())
	require.Error(t, err)

	var target *content.LinkExpiredError
	require.True(t, errors.As(err, &target))
	require.Equal(t, StateAbandoned, task.State())
}

func TestFetchErrorFailsTask(t *testing.T) {
	fetcher := &stubFetcher{source: make([]byte, 16), err: errors.New("unexpected status 500")}

	task := NewTask(testDesc(16), TaskConfig{
		Fetcher:        fetcher,
		ChunkThreshold: 4,
		ChunkSize:      4,
		OnChunk:        func(int, []byte) error { return nil },
	})

	task.Run(context.Background())

	_, err := task.Wait(context.Background())
	require.Error(t, err)

	var target *content.DownloadFailedError
	require.True(t, errors.As(err, &target))
	require.Equal(t, "media/1", target.Key)
	require.Equal(t, StateFailed, task.State())
}

func TestWaitHonorsContext(t *testing.T) {
	task := NewTask(testDesc(16), TaskConfig{ChunkThreshold: 4, ChunkSize: 4})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := task.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
