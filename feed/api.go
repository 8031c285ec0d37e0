// Package feed streams training records out of a corpus of compressed chunk
// files and hands them to a trainer as fixed-size batches.
//
// The pipeline selects chunk files from a Store, decompresses and decodes
// them into TrainingRecords, down-samples, shuffles them through a bounded
// ShuffleBuffer, and assembles Batches. Memory use is bounded by the shuffle
// buffer capacity, not by corpus size.
package feed

import (
	"context"
	"io"
)

// -----------------------------------------------------------------------------
// Board geometry
// -----------------------------------------------------------------------------

const (
	// BoardSize is the side length of the board encoded in every record.
	BoardSize = 19

	// BoardSquares is the number of intersections per plane.
	BoardSquares = BoardSize * BoardSize

	// PolicySize is the number of policy entries: one per intersection plus pass.
	PolicySize = BoardSquares + 1

	// planeBytes is the packed size of one 361-bit plane.
	planeBytes = (BoardSquares + 7) / 8
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ChunkFile identifies one source file inside a Store.
//
// ChunkFiles are discovered once at startup and never modified or deleted
// by the pipeline.
type ChunkFile struct {
	// Path is the store-relative key of the file.
	Path string `json:"path"`
}

// Chunk is the decompressed content of one ChunkFile.
type Chunk struct {
	// File is the file the data was read from.
	File ChunkFile

	// Data is the decompressed file content.
	Data []byte

	// Cycle is the ChunkSource cycle (1-based) the file was drawn in.
	Cycle int
}

// TrainingRecord is one decoded training example.
//
// Records are immutable once decoded. Stages hand them on by pointer and
// never write to a record they did not create.
type TrainingRecord struct {
	// Planes holds the history planes, each packed into 46 bytes, LSB first.
	Planes []byte

	// ToMove is 0 when black is to move and 1 when white is to move.
	ToMove uint8

	// Policy is the target probability distribution over PolicySize moves.
	Policy []float32

	// Winner is the game outcome from the side to move's perspective (+1 or -1).
	Winner float32
}

// HistoryPlanes returns the number of history planes packed in r.
func (r *TrainingRecord) HistoryPlanes() int {
	return len(r.Planes) / planeBytes
}

// InputPlanes returns the number of feature planes r expands to: the history
// planes plus one plane per side to move.
func (r *TrainingRecord) InputPlanes() int {
	return r.HistoryPlanes() + 2
}

// Bit reports whether intersection sq of history plane plane is set.
func (r *TrainingRecord) Bit(plane, sq int) bool {
	return r.Planes[plane*planeBytes+sq/8]&(1<<(sq%8)) != 0
}

// Features writes the InputPlanes()*BoardSquares feature values of r into
// dst, which must be at least that long.
func (r *TrainingRecord) Features(dst []float32) {
	history := r.HistoryPlanes()
	for p := 0; p < history; p++ {
		plane := dst[p*BoardSquares : (p+1)*BoardSquares]
		packed := r.Planes[p*planeBytes : (p+1)*planeBytes]
		for sq := range plane {
			if packed[sq/8]&(1<<(sq%8)) != 0 {
				plane[sq] = 1
			} else {
				plane[sq] = 0
			}
		}
	}
	black := dst[history*BoardSquares : (history+1)*BoardSquares]
	white := dst[(history+1)*BoardSquares : (history+2)*BoardSquares]
	var b, w float32 = 1, 0
	if r.ToMove == 1 {
		b, w = 0, 1
	}
	for sq := 0; sq < BoardSquares; sq++ {
		black[sq] = b
		white[sq] = w
	}
}

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store abstracts the storage system that holds chunk files.
//
// Implementations may target filesystems, S3, or memory. The pipeline only
// reads; Put exists on WritableStore for exports and fixtures.
type Store interface {
	// Get retrieves data from the given path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// List returns paths starting with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// WritableStore is a Store that also accepts writes.
type WritableStore interface {
	Store

	// Put writes data to the given path. Existing paths are never overwritten.
	Put(ctx context.Context, path string, r io.Reader) error
}

// -----------------------------------------------------------------------------
// Compressor interface
// -----------------------------------------------------------------------------

// Compressor handles compression and decompression of chunk files.
type Compressor interface {
	// Name returns the compressor identifier (for example, "gzip" or "zstd").
	Name() string

	// Extension returns the file extension (for example, ".gz" or ".zst").
	Extension() string

	// Compress wraps a writer with compression.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps a reader with decompression.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// RecordSource yields training records one at a time.
//
// Next blocks until a record is available. It returns io.EOF once the
// source is exhausted.
type RecordSource interface {
	Next(ctx context.Context) (*TrainingRecord, error)
}
