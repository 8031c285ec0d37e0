package feed

import (
	"context"
	"io"
	"iter"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pipeline merges the record streams of several decode workers into one
// bounded channel.
//
// Each worker owns a static partition of the chunk files and runs its own
// ChunkSource, Sampler and ShuffleBuffer. Workers block when the channel is
// full, so a slow consumer throttles decoding instead of growing memory.
type Pipeline struct {
	cfg     Config
	store   Store
	files   []ChunkFile
	decoder *Decoder
	runID   string

	records chan *TrainingRecord
	stop    chan struct{}
	failed  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int

	started  atomic.Bool
	closing  atomic.Bool
	stopOnce sync.Once

	muErr sync.Mutex
	err   error

	stats pipelineStats
}

type pipelineStats struct {
	filesRead      atomic.Int64
	filesSkipped   atomic.Int64
	recordsDecoded atomic.Int64
	recordsKept    atomic.Int64
	recordsEmitted atomic.Int64
}

// Stats is a snapshot of pipeline counters. FilesRead counts chunks fetched
// and decompressed; FilesSkipped counts those the decoder then rejected.
// Unreadable files are only logged.
type Stats struct {
	RunID          string `json:"run_id"`
	Workers        int    `json:"workers"`
	FilesRead      int64  `json:"files_read"`
	FilesSkipped   int64  `json:"files_skipped"`
	RecordsDecoded int64  `json:"records_decoded"`
	RecordsKept    int64  `json:"records_kept"`
	RecordsEmitted int64  `json:"records_emitted"`
}

// NewPipeline creates a pipeline over files. It does not start any worker.
func NewPipeline(store Store, files []ChunkFile, cfg Config) (*Pipeline, error) {
	if len(files) == 0 {
		return nil, ErrEmptyCorpus
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		files:   files,
		decoder: NewDecoder(DecoderOptions{StrictVersion: cfg.StrictVersion}),
		runID:   uuid.NewString(),
		records: make(chan *TrainingRecord, cfg.queueSize()),
		stop:    make(chan struct{}),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the workers. They run until the context is cancelled, the
// pipeline is stopped or closed, every source is exhausted, or a worker fails.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	wctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	parts := Partition(p.files, min(p.cfg.Workers, len(p.files)))
	p.workers = len(parts)
	klog.Infof("run %s: %d workers over %d chunk files, %s-record shuffle buffer each",
		p.runID, p.workers, len(p.files), humanize.Comma(int64(p.cfg.ShuffleCapacity())))

	for i, part := range parts {
		p.wg.Add(1)
		go p.work(wctx, i, part)
	}
	go func() {
		p.wg.Wait()
		close(p.records)
		close(p.done)
	}()
	return nil
}

// Next returns the next shuffled record. It returns io.EOF once every worker
// has exited cleanly, and the recorded failure if one did not.
func (p *Pipeline) Next(ctx context.Context) (*TrainingRecord, error) {
	if !p.started.Load() {
		return nil, errors.New("pipeline not started")
	}
	select {
	case <-p.failed:
		return nil, p.failure()
	default:
	}

	var stall <-chan time.Time
	if p.cfg.StallTimeout > 0 {
		t := time.NewTimer(time.Duration(p.cfg.StallTimeout))
		defer t.Stop()
		stall = t.C
	}

	select {
	case rec, ok := <-p.records:
		if !ok {
			if err := p.failure(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return rec, nil
	case <-p.failed:
		return nil, p.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stall:
		return nil, errors.Wrapf(ErrPipelineStalled, "no record for %s", time.Duration(p.cfg.StallTimeout))
	}
}

// Records returns the merged record stream as a sequence. The sequence ends
// after io.EOF; any other error is yielded once and ends it.
func (p *Pipeline) Records(ctx context.Context) iter.Seq2[*TrainingRecord, error] {
	return func(yield func(*TrainingRecord, error) bool) {
		for {
			rec, err := p.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Stop asks workers to finish gracefully: they take no new files, flush
// their shuffle buffers and exit. The consumer keeps reading until io.EOF.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Close cancels every worker and waits for them to exit. It returns the
// recorded worker failure, if any. Cancelling the Start context without
// Close is recorded as a failure, since buffered records are lost.
func (p *Pipeline) Close() error {
	p.Stop()
	p.closing.Store(true)
	if p.started.Load() {
		p.cancel()
		<-p.done
	}
	return p.failure()
}

// Done is closed once every worker has exited.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// RunID identifies this pipeline in logs and exports.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Schema returns the schema pinned by the first decoded chunk, if any.
func (p *Pipeline) Schema() (Schema, bool) {
	return p.decoder.Schema()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		RunID:          p.runID,
		Workers:        p.workers,
		FilesRead:      p.stats.filesRead.Load(),
		FilesSkipped:   p.stats.filesSkipped.Load(),
		RecordsDecoded: p.stats.recordsDecoded.Load(),
		RecordsKept:    p.stats.recordsKept.Load(),
		RecordsEmitted: p.stats.recordsEmitted.Load(),
	}
}

// -----------------------------------------------------------------------------
// Failure handling
// -----------------------------------------------------------------------------

// fail records the first failure and cancels every worker.
func (p *Pipeline) fail(err error) {
	p.muErr.Lock()
	defer p.muErr.Unlock()
	if p.err != nil {
		return
	}
	klog.Errorf("run %s: %+v", p.runID, err)
	p.err = err
	close(p.failed)
	p.cancel()
}

func (p *Pipeline) failure() error {
	p.muErr.Lock()
	defer p.muErr.Unlock()
	return p.err
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

func (p *Pipeline) work(ctx context.Context, id int, files []ChunkFile) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.fail(&WorkerFailureError{Worker: id, Files: len(files), Err: errors.Errorf("panic: %v", r)})
		}
	}()

	err := p.run(ctx, id, files)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Buffered records were dropped. Only Close may do that silently.
		if !p.closing.Load() {
			p.fail(err)
		}
	default:
		p.fail(&WorkerFailureError{Worker: id, Files: len(files), Err: err})
	}
}

func (p *Pipeline) run(ctx context.Context, id int, files []ChunkFile) error {
	rng := p.randFor(id)
	src := NewChunkSource(p.store, files, SourceOptions{MaxCycles: p.cfg.Passes, Rand: rng})
	buf := NewShuffleBuffer[*TrainingRecord](p.cfg.ShuffleBits, rng)
	sampler := NewSampler(p.cfg.SampleRate, rng)

	// lastUsable is the latest cycle in which a file yielded a record.
	lastUsable := 0
	for {
		select {
		case <-p.stop:
			return p.drain(ctx, buf)
		default:
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			klog.V(1).Infof("run %s: worker %d exhausted after %d cycles", p.runID, id, src.Cycle())
			return p.drain(ctx, buf)
		}
		if err != nil {
			return err
		}
		if chunk.Cycle-1 > lastUsable {
			return errors.Wrapf(ErrNoReadableChunks, "cycle %d over %d files yielded no record", chunk.Cycle-1, src.Len())
		}
		p.stats.filesRead.Add(1)
		klog.V(2).Infof("run %s: worker %d read %s (%s, cycle %d)",
			p.runID, id, chunk.File.Path, humanize.Bytes(uint64(len(chunk.Data))), chunk.Cycle)

		records, err := p.decoder.Records(chunk.File, chunk.Data)
		if err != nil {
			if IsFileScoped(err) {
				klog.Warningf("skipping chunk: %v", err)
				p.stats.filesSkipped.Add(1)
				continue
			}
			return err
		}
		for rec, err := range records {
			if err != nil {
				klog.Warningf("skipping rest of chunk: %v", err)
				p.stats.filesSkipped.Add(1)
				break
			}
			lastUsable = chunk.Cycle
			p.stats.recordsDecoded.Add(1)
			if !sampler.Keep() {
				continue
			}
			p.stats.recordsKept.Add(1)
			if p.cfg.Augment {
				rec = Transform(rec, rng.IntN(Symmetries))
			}
			if out, ok := buf.Insert(rec); ok {
				if err := p.emit(ctx, out); err != nil {
					return err
				}
			}
		}
	}
}

func (p *Pipeline) drain(ctx context.Context, buf *ShuffleBuffer[*TrainingRecord]) error {
	for _, rec := range buf.Drain() {
		if err := p.emit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// emit blocks until the consumer has room or the worker is cancelled.
func (p *Pipeline) emit(ctx context.Context, rec *TrainingRecord) error {
	select {
	case p.records <- rec:
		p.stats.recordsEmitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) randFor(worker int) *rand.Rand {
	if p.cfg.Seed == 0 {
		return NewRand(0)
	}
	return NewRand(p.cfg.Seed + uint64(worker))
}
