package cache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func loaderOf(data []byte) Loader {
	return func() ([]byte, error) {
		return data, nil
	}
}

func TestGetLoadsOnMiss(t *testing.T) {
	c := New(1024)

	calls := 0
	loader := func() ([]byte, error) {
		calls++

		return []byte("payload"), nil
	}

	data, err := c.Get("media/1", loader)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 1, calls)

	// Second access is a hit; the loader must not run again.
	data, err = c.Get("media/1", loader)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
	require.Equal(t, 1, calls)

	stats := c.GetStats()
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, int64(7), stats.Bytes)
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestGetPropagatesLoaderError(t *testing.T) {
	c := New(1024)

	boom := errors.New("store unavailable")

	_, err := c.Get("media/1", func() ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, c.Has("media/1"))
}

// TestEvictionIsLRU verifies the budget bound and the eviction order: the
// least recently accessed entry goes first, and a re-accessed entry is
// protected.
func TestEvictionIsLRU(t *testing.T) {
	// Budget fits exactly three 4-byte entries.
	c := New(12)

	for _, key := range []string{"a", "b", "c"} {
		_, err := c.Get(key, loaderOf([]byte("xxxx")))
		require.NoError(t, err)
	}

	// Touch "a" so "b" becomes the eviction candidate.
	_, err := c.Get("a", loaderOf([]byte("xxxx")))
	require.NoError(t, err)

	_, err = c.Get("d", loaderOf([]byte("xxxx")))
	require.NoError(t, err)

	require.True(t, c.Has("a"))
	require.False(t, c.Has("b"))
	require.True(t, c.Has("c"))
	require.True(t, c.Has("d"))

	stats := c.GetStats()
	require.Equal(t, int64(1), stats.Evictions)
	require.LessOrEqual(t, stats.Bytes, stats.Budget)
}

func TestBudgetNeverExceeded(t *testing.T) {
	c := New(100)

	for i := 0; i < 50; i++ {
		_, err := c.Get(fmt.Sprintf("key-%d", i), loaderOf(make([]byte, 30)))
		require.NoError(t, err)

		stats := c.GetStats()
		require.LessOrEqual(t, stats.Bytes, stats.Budget)
	}
}

// TestOversizedObjectServedUncached covers objects larger than the whole
// budget: they are returned to the caller but never resident, so one huge
// file cannot flush the entire cache.
func TestOversizedObjectServedUncached(t *testing.T) {
	c := New(10)

	_, err := c.Get("small", loaderOf([]byte("abc")))
	require.NoError(t, err)

	data, err := c.Get("huge", loaderOf(make([]byte, 100)))
	require.NoError(t, err)
	require.Len(t, data, 100)

	require.False(t, c.Has("huge"))
	require.True(t, c.Has("small"), "oversized load must not evict resident entries")
}

func TestClear(t *testing.T) {
	c := New(1024)

	_, err := c.Get("a", loaderOf([]byte("xxxx")))
	require.NoError(t, err)

	c.Clear()

	require.False(t, c.Has("a"))

	stats := c.GetStats()
	require.Equal(t, 0, stats.Entries)
	require.Equal(t, int64(0), stats.Bytes)
}
