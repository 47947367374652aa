package content

import (
	"errors"
	"fmt"
)

// ErrAlreadyStored signals that a file is fully stored and needs no download.
var ErrAlreadyStored = errors.New("content already stored")

// NotFoundError indicates a key is absent from the store with no in-flight
// download. Surfaced as a 404; never retried.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("content %s not found", e.Key)
}

// DownloadFailedError indicates an unrecoverable transfer error. It reaches
// exactly the callers waiting on the key; the queue does not retry it.
type DownloadFailedError struct {
	Key string
	Err error
}

func (e *DownloadFailedError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.Key, e.Err)
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Err
}

// ChunkTimeoutError indicates the bounded wait for a chunk expired in the
// slow range path. Only the waiting request fails; the download continues.
type ChunkTimeoutError struct {
	Key      string
	Chunk    int
	Attempts int
}

func (e *ChunkTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for chunk %d of %s after %d attempts", e.Chunk, e.Key, e.Attempts)
}

// LinkExpiredError is the soft failure raised when the transfer link for a
// file expires mid-download. Partial chunks are retained for a later resume.
type LinkExpiredError struct {
	Key string
	Err error
}

func (e *LinkExpiredError) Error() string {
	return fmt.Sprintf("transfer link expired for %s", e.Key)
}

func (e *LinkExpiredError) Unwrap() error {
	return e.Err
}
