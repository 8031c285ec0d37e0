package feed

import (
	"fmt"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

// Error sentinel values for common conditions.
var (
	// ErrNotFound indicates a requested path does not exist.
	ErrNotFound = errNotFound{}

	// ErrPathExists indicates an attempt to write to an existing path.
	ErrPathExists = errPathExists{}

	// ErrInvalidPath indicates a path that is empty or escapes the store root.
	ErrInvalidPath = errors.New("invalid path: escapes storage root")

	// ErrEmptyCorpus indicates that no chunk files matched the prefix.
	ErrEmptyCorpus = errors.New("empty corpus: no chunk files")

	// ErrNoReadableChunks indicates that a full cycle of files failed to read.
	ErrNoReadableChunks = errors.New("no readable chunk files in a full cycle")

	// ErrUnsupportedVersion indicates a chunk version rejected in strict mode.
	ErrUnsupportedVersion = errors.New("unsupported chunk version")

	// ErrPipelineStalled indicates that no record arrived within the stall timeout.
	ErrPipelineStalled = errors.New("pipeline stalled")

	// ErrInvalidConfig indicates a configuration value out of range.
	ErrInvalidConfig = errors.New("invalid config")
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

type errPathExists struct{}

func (errPathExists) Error() string { return "path exists" }

// -----------------------------------------------------------------------------
// Per-file errors
// -----------------------------------------------------------------------------

// FileReadError reports a chunk file that could not be fetched or
// decompressed. It is recovered inside the worker: the file is skipped.
type FileReadError struct {
	Path string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("read chunk %s: %v", e.Path, e.Err)
}

func (e *FileReadError) Unwrap() error { return e.Err }

// CorruptChunkError reports decompressed content that does not match the
// chunk format. It is scoped to one file, which is skipped.
type CorruptChunkError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptChunkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt chunk %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt chunk %s: %s", e.Path, e.Reason)
}

func (e *CorruptChunkError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Fatal errors
// -----------------------------------------------------------------------------

// SchemaMismatchError reports two chunk files that imply different record
// shapes. Mixing shapes would corrupt training data, so it halts the run.
type SchemaMismatchError struct {
	Path string
	Want Schema
	Got  Schema
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch in %s: want %d history planes, got %d",
		e.Path, e.Want.HistoryPlanes, e.Got.HistoryPlanes)
}

// WorkerFailureError reports a worker that stopped unexpectedly. Its
// partition is not reassigned, so the run ends.
type WorkerFailureError struct {
	// Worker is the worker index.
	Worker int

	// Files is the number of chunk files in the worker's partition.
	Files int

	Err error
}

func (e *WorkerFailureError) Error() string {
	return fmt.Sprintf("worker %d (partition of %d files) failed: %v", e.Worker, e.Files, e.Err)
}

func (e *WorkerFailureError) Unwrap() error { return e.Err }

// IsFileScoped reports whether err only affects a single chunk file and can
// be handled by skipping that file.
func IsFileScoped(err error) bool {
	var readErr *FileReadError
	if errors.As(err, &readErr) {
		return true
	}
	var corruptErr *CorruptChunkError
	return errors.As(err, &corruptErr)
}
