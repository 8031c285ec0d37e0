package feed

import (
	"context"
	"io"
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SourceOptions configures a ChunkSource.
type SourceOptions struct {
	// MaxCycles stops the source after that many full cycles. Zero cycles forever.
	MaxCycles int

	// Rand permutes each new cycle. Nil seeds one from entropy.
	Rand *rand.Rand
}

// ChunkSource yields chunk files in an endless sequence of shuffled cycles.
//
// Within a cycle every file is drawn exactly once; the order is re-permuted
// at the start of each cycle. A ChunkSource is owned by one goroutine.
type ChunkSource struct {
	store     Store
	files     int
	pending   []ChunkFile
	consumed  []ChunkFile
	cycle     int
	maxCycles int
	rng       *rand.Rand
}

// NewChunkSource creates a source over files. The first draw starts cycle 1.
func NewChunkSource(store Store, files []ChunkFile, opts SourceOptions) *ChunkSource {
	rng := opts.Rand
	if rng == nil {
		rng = NewRand(0)
	}
	consumed := make([]ChunkFile, len(files))
	copy(consumed, files)
	return &ChunkSource{
		store:     store,
		files:     len(files),
		consumed:  consumed,
		maxCycles: opts.MaxCycles,
		rng:       rng,
	}
}

// NextFile returns the next file to read. It returns false only when the
// source has no files or a finite source has completed its last cycle.
func (s *ChunkSource) NextFile() (ChunkFile, bool) {
	if len(s.pending) == 0 {
		if s.maxCycles > 0 && s.cycle >= s.maxCycles {
			return ChunkFile{}, false
		}
		s.pending, s.consumed = s.consumed, s.pending[:0]
		s.rng.Shuffle(len(s.pending), func(i, j int) {
			s.pending[i], s.pending[j] = s.pending[j], s.pending[i]
		})
		s.cycle++
		if len(s.pending) == 0 {
			return ChunkFile{}, false
		}
	}
	last := len(s.pending) - 1
	f := s.pending[last]
	s.pending = s.pending[:last]
	s.consumed = append(s.consumed, f)
	return f, true
}

// Next reads and decompresses the next file. Files that fail to read are
// logged and skipped; they stay in rotation for the next cycle.
//
// Next returns ErrEmptyCorpus for a source without files, io.EOF once a
// finite source is exhausted, and ErrNoReadableChunks after a full cycle's
// worth of consecutive read failures.
func (s *ChunkSource) Next(ctx context.Context) (Chunk, error) {
	if s.files == 0 {
		return Chunk{}, ErrEmptyCorpus
	}
	for failures := 0; ; {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		f, ok := s.NextFile()
		if !ok {
			return Chunk{}, io.EOF
		}
		data, err := s.read(ctx, f)
		if err == nil {
			return Chunk{File: f, Data: data, Cycle: s.cycle}, nil
		}
		if ctx.Err() != nil {
			return Chunk{}, ctx.Err()
		}
		klog.Warningf("skipping chunk: %v", err)
		failures++
		if failures >= s.files {
			return Chunk{}, errors.Wrapf(ErrNoReadableChunks, "%d consecutive failures", failures)
		}
	}
}

func (s *ChunkSource) read(ctx context.Context, f ChunkFile) ([]byte, error) {
	c, ok := CompressorFor(f.Path)
	if !ok {
		return nil, &FileReadError{Path: f.Path, Err: errors.New("unrecognized extension")}
	}
	rc, err := s.store.Get(ctx, f.Path)
	if err != nil {
		return nil, &FileReadError{Path: f.Path, Err: err}
	}
	defer closer(rc)()

	dr, err := c.Decompress(rc)
	if err != nil {
		return nil, &FileReadError{Path: f.Path, Err: errors.Wrap(err, c.Name())}
	}
	defer closer(dr)()

	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, &FileReadError{Path: f.Path, Err: errors.Wrap(err, c.Name())}
	}
	return data, nil
}

// Cycle returns the number of cycles started so far.
func (s *ChunkSource) Cycle() int {
	return s.cycle
}

// Len returns the number of files in the source.
func (s *ChunkSource) Len() int {
	return s.files
}

// -----------------------------------------------------------------------------
// Discovery and partitioning
// -----------------------------------------------------------------------------

// Discover lists the chunk files under prefix, keeping only paths with a
// recognized compressor extension. The result is sorted.
func Discover(ctx context.Context, store Store, prefix string) ([]ChunkFile, error) {
	paths, err := store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list %q", prefix)
	}
	sort.Strings(paths)
	files := make([]ChunkFile, 0, len(paths))
	for _, p := range paths {
		if _, ok := CompressorFor(p); ok {
			files = append(files, ChunkFile{Path: p})
		}
	}
	return files, nil
}

// Partition splits files round-robin into n disjoint parts. Parts may be
// empty when there are fewer files than parts.
func Partition(files []ChunkFile, n int) [][]ChunkFile {
	if n < 1 {
		n = 1
	}
	parts := make([][]ChunkFile, n)
	for i, f := range files {
		parts[i%n] = append(parts[i%n], f)
	}
	return parts
}

// SplitFiles shuffles a copy of files and splits it into a training and a
// validation set. The training set always receives at least one file.
func SplitFiles(files []ChunkFile, ratio float64, rng *rand.Rand) (train, validation []ChunkFile) {
	if len(files) == 0 {
		return nil, nil
	}
	shuffled := make([]ChunkFile, len(files))
	copy(shuffled, files)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	split := min(1+int(float64(len(shuffled))*(1-ratio)), len(shuffled))
	return shuffled[:split], shuffled[split:]
}

// NewRand returns a PCG generator. A zero seed draws one from entropy.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
