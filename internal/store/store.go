package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key or chunk is absent from durable storage.
var ErrNotFound = errors.New("key not found in store")

// ChunkMetadata is the durable record kept once per chunked file. Complete is
// the single commit point: it is only set after every chunk index in
// [0, NumChunks) has been durably written.
type ChunkMetadata struct {
	TotalSize   int64     `json:"totalSize"`
	ChunkSize   int64     `json:"chunkSize"`
	NumChunks   int       `json:"numChunks"`
	ContentType string    `json:"contentType"`
	Chunked     bool      `json:"chunked"`
	Complete    bool      `json:"complete"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Presence is the answer to a FileExists check. Meta is nil for whole files.
type Presence struct {
	Exists  bool
	Chunked bool
	Meta    *ChunkMetadata
}

// ChunkStore is durable, key-addressed storage for whole files and for
// individually addressable chunks of large files.
type ChunkStore interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte, contentType string) error

	GetChunk(key string, index int) ([]byte, error)
	PutChunk(key string, index int, data []byte) error

	// PutChunked splits data into chunks, writes them all plus the metadata
	// record, and commits Complete only once every chunk is written.
	PutChunked(key string, data []byte, chunkSize int64, contentType string) error

	// InitChunked writes an incomplete metadata record ahead of a
	// progressive chunked download.
	InitChunked(key string, meta ChunkMetadata) error

	// MarkComplete verifies every chunk index is present and then commits
	// Complete=true on the metadata record.
	MarkComplete(key string) error

	// FileExists answers from the in-memory metadata mirror when it can,
	// falling back to durable storage. It runs on every content request.
	FileExists(key string) (Presence, error)

	ChunkExists(key string, index int) (bool, error)

	// PresentChunks reports which chunk indices are durably stored,
	// used to plan a resume.
	PresentChunks(key string) (map[int]bool, error)

	Delete(key string) error
	Clear() error
	Close() error
}

// MetadataKey returns the sub-key of the metadata record for a chunked file.
func MetadataKey(key string) string {
	return key + "/metadata"
}

// ChunkKey returns the sub-key of one chunk of a chunked file.
func ChunkKey(key string, index int) string {
	return fmt.Sprintf("%s/chunk-%d", key, index)
}

// NumChunksFor computes how many chunks of chunkSize cover totalSize bytes.
func NumChunksFor(totalSize, chunkSize int64) int {
	if totalSize <= 0 || chunkSize <= 0 {
		return 0
	}

	return int((totalSize + chunkSize - 1) / chunkSize)
}
