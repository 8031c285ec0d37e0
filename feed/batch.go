package feed

import (
	"context"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// Batch is a fixed number of records packed field by field. Index i of
// every array belongs to the same record.
type Batch struct {
	// Size is the number of records.
	Size int

	// InputPlanes is the number of feature planes per record.
	InputPlanes int

	// Features holds Size*InputPlanes*BoardSquares values, record-major.
	Features []float32

	// Policy holds Size*PolicySize values.
	Policy []float32

	// Value holds Size game outcomes.
	Value []float32
}

// Record returns the feature, policy and value slices of record i.
func (b *Batch) Record(i int) (features, policy []float32, value float32) {
	fs := b.InputPlanes * BoardSquares
	return b.Features[i*fs : (i+1)*fs], b.Policy[i*PolicySize : (i+1)*PolicySize], b.Value[i]
}

// Assembler groups a record stream into fixed-size Batches.
type Assembler struct {
	src    RecordSource
	size   int
	planes int
}

// NewAssembler creates an Assembler pulling from src.
func NewAssembler(src RecordSource, batchSize int) *Assembler {
	return &Assembler{src: src, size: batchSize}
}

// NextBatch blocks until batchSize records have arrived and packs them.
//
// A batch is never short: if the stream ends part way, the partial batch
// is discarded and io.EOF returned. A record whose plane count differs from
// the first record ever seen is a SchemaMismatchError.
func (a *Assembler) NextBatch(ctx context.Context) (*Batch, error) {
	var b *Batch
	for i := 0; i < a.size; i++ {
		rec, err := a.src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if a.planes == 0 {
			a.planes = rec.InputPlanes()
		}
		if got := rec.InputPlanes(); got != a.planes {
			return nil, &SchemaMismatchError{
				Path: "batch",
				Want: Schema{HistoryPlanes: a.planes - 2},
				Got:  Schema{HistoryPlanes: got - 2},
			}
		}
		if b == nil {
			b = newBatch(a.size, a.planes)
		}
		fs := a.planes * BoardSquares
		rec.Features(b.Features[i*fs : (i+1)*fs])
		copy(b.Policy[i*PolicySize:(i+1)*PolicySize], rec.Policy)
		b.Value[i] = rec.Winner
	}
	return b, nil
}

// Batches returns the batch stream as a sequence. It ends quietly at io.EOF;
// any other error is yielded once and ends it.
func (a *Assembler) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for {
			b, err := a.NextBatch(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(b, nil) {
				return
			}
		}
	}
}

// BatchSize returns the number of records per batch.
func (a *Assembler) BatchSize() int {
	return a.size
}

func newBatch(size, planes int) *Batch {
	return &Batch{
		Size:        size,
		InputPlanes: planes,
		Features:    make([]float32, size*planes*BoardSquares),
		Policy:      make([]float32, size*PolicySize),
		Value:       make([]float32, size),
	}
}
