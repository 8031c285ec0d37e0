package feed

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/chunkfeed/internal/testutil"
)

// testConfig returns a deterministic config with no down-sampling.
func testConfig() Config {
	cfg := Defaults()
	cfg.SampleRate = 1
	cfg.ShuffleBits = 0
	cfg.BatchSize = 1
	cfg.Workers = 1
	cfg.Passes = 1
	cfg.Seed = 7
	return cfg
}

func startPipeline(t *testing.T, store Store, files []ChunkFile, cfg Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(store, files, cfg)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	if err := p.Start(t.Context()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// collectMarkers reads until io.EOF and returns the sorted record markers.
func collectMarkers(t *testing.T, p *Pipeline) []int {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	var markers []int
	for rec, err := range p.Records(ctx) {
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		markers = append(markers, markerOf(rec))
	}
	slices.Sort(markers)
	return markers
}

func TestPipeline_EndToEnd(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "train_a.gz", testutil.Gzip(testutil.MarkerChunk(2, 1)))
	putChunk(t, store, "train_b.gz", testutil.Gzip(testutil.MarkerChunk(2, 2)))
	putChunk(t, store, "train_c.zst", testutil.Zstd(testutil.MarkerChunk(2, 3)))

	files, err := Discover(t.Context(), store, "train_")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	cfg := testConfig()
	cfg.Workers = 3
	cfg.BatchSize = 3
	p := startPipeline(t, store, files, cfg)
	asm := NewAssembler(p, cfg.BatchSize)

	b, err := asm.NextBatch(t.Context())
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	var markers []int
	for i := 0; i < b.Size; i++ {
		_, policy, _ := b.Record(i)
		markers = append(markers, markerOf(&TrainingRecord{Policy: policy}))
	}
	slices.Sort(markers)
	if !slices.Equal(markers, []int{1, 2, 3}) {
		t.Errorf("batch markers = %v, want [1 2 3]", markers)
	}

	if _, err := asm.NextBatch(t.Context()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after one pass, got: %v", err)
	}
	if got := p.Stats(); got.Workers != 3 || got.FilesRead != 3 || got.RecordsEmitted != 3 {
		t.Errorf("Stats = %+v", got)
	}
}

func TestPipeline_MultiplePasses(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, 1, 2)))
	putChunk(t, store, "b.gz", testutil.Gzip(testutil.MarkerChunk(1, 3)))

	cfg := testConfig()
	cfg.Passes = 3
	cfg.ShuffleBits = 2
	p := startPipeline(t, store, chunkFiles("a.gz", "b.gz"), cfg)

	got := collectMarkers(t, p)
	want := []int{1, 1, 1, 2, 2, 2, 3, 3, 3}
	if !slices.Equal(got, want) {
		t.Errorf("markers = %v, want %v", got, want)
	}
}

func TestPipeline_EmptyCorpus(t *testing.T) {
	if _, err := NewPipeline(NewMemory(), nil, testConfig()); !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("expected ErrEmptyCorpus, got: %v", err)
	}
}

func TestPipeline_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	if _, err := NewPipeline(NewMemory(), chunkFiles("a.gz"), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestPipeline_NextBeforeStart(t *testing.T) {
	p, err := NewPipeline(NewMemory(), chunkFiles("a.gz"), testConfig())
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	if _, err := p.Next(t.Context()); err == nil {
		t.Error("expected error from Next before Start")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close before Start: %v", err)
	}
}

func TestPipeline_Backpressure(t *testing.T) {
	store := NewMemory()
	markers := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, markers...)))

	cfg := testConfig()
	cfg.QueueSize = 1
	p := startPipeline(t, store, chunkFiles("a.gz"), cfg)

	// The first record fills the shuffle buffer, the second fills the
	// queue and the third blocks its producer.
	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().RecordsEmitted < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no record emitted")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	stats := p.Stats()
	if stats.RecordsEmitted != 1 {
		t.Errorf("RecordsEmitted = %d with an idle consumer, want 1", stats.RecordsEmitted)
	}
	if stats.RecordsDecoded != 3 {
		t.Errorf("RecordsDecoded = %d with an idle consumer, want 3", stats.RecordsDecoded)
	}

	if got := collectMarkers(t, p); !slices.Equal(got, markers) {
		t.Errorf("markers = %v, want %v", got, markers)
	}
}

func TestPipeline_SkipsBadFiles(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "good.gz", testutil.Gzip(testutil.MarkerChunk(1, 1, 2)))
	putChunk(t, store, "corrupt.gz", testutil.Gzip([]byte("1\nh0\n0\n")))
	putChunk(t, store, "garbage.gz", []byte("plain text"))

	p := startPipeline(t, store, chunkFiles("good.gz", "corrupt.gz", "garbage.gz", "missing.gz"), testConfig())

	if got := collectMarkers(t, p); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("markers = %v, want [1 2]", got)
	}
	stats := p.Stats()
	if stats.FilesRead != 2 {
		t.Errorf("FilesRead = %d, want 2", stats.FilesRead)
	}
	if stats.FilesSkipped != 1 {
		t.Errorf("FilesSkipped = %d, want 1", stats.FilesSkipped)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPipeline_SchemaMismatchIsFatal(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(2, 1)))
	putChunk(t, store, "b.gz", testutil.Gzip(testutil.MarkerChunk(3, 2)))

	cfg := testConfig()
	cfg.ShuffleBits = 4
	p := startPipeline(t, store, chunkFiles("a.gz", "b.gz"), cfg)

	_, err := p.Next(t.Context())
	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected SchemaMismatchError, got: %v", err)
	}
	var failure *WorkerFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkerFailureError, got: %v", err)
	}
	if failure.Worker != 0 || failure.Files != 2 {
		t.Errorf("failure = %+v", failure)
	}
	if err := p.Close(); !errors.As(err, &failure) {
		t.Errorf("Close returned %v, want the worker failure", err)
	}
}

// panicStore panics on every read.
type panicStore struct{ Store }

func (panicStore) Get(context.Context, string) (io.ReadCloser, error) {
	panic("disk on fire")
}

func TestPipeline_WorkerPanic(t *testing.T) {
	p := startPipeline(t, panicStore{NewMemory()}, chunkFiles("a.gz"), testConfig())

	_, err := p.Next(t.Context())
	var failure *WorkerFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("expected WorkerFailureError, got: %v", err)
	}
	if !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("error %q does not carry the panic value", err)
	}
}

// blockingStore never returns from Get until the context ends.
type blockingStore struct{ Store }

func (blockingStore) Get(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPipeline_StallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.StallTimeout = Duration(20 * time.Millisecond)
	p := startPipeline(t, blockingStore{NewMemory()}, chunkFiles("a.gz"), cfg)

	if _, err := p.Next(t.Context()); !errors.Is(err, ErrPipelineStalled) {
		t.Errorf("expected ErrPipelineStalled, got: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close after stall: %v", err)
	}
}

func TestPipeline_StopDrains(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, 1, 2, 3, 4)))

	cfg := testConfig()
	cfg.Passes = 0
	cfg.ShuffleBits = 3
	p := startPipeline(t, store, chunkFiles("a.gz"), cfg)

	if _, err := p.Next(t.Context()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	p.Stop()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	for {
		_, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next after Stop failed: %v", err)
		}
	}
	stats := p.Stats()
	if stats.RecordsEmitted != stats.RecordsKept {
		t.Errorf("emitted %d of %d kept records", stats.RecordsEmitted, stats.RecordsKept)
	}
}

func TestPipeline_Augment(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, 10, 20, 30)))

	cfg := testConfig()
	cfg.Augment = true
	p := startPipeline(t, store, chunkFiles("a.gz"), cfg)

	n := 0
	for rec, err := range p.Records(t.Context()) {
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		// The lone stone and the policy mass move together.
		for sq := 0; sq < BoardSquares; sq++ {
			if rec.Bit(0, sq) && rec.Policy[sq] != 1 {
				t.Errorf("stone at %d without policy mass", sq)
			}
		}
		n++
	}
	if n != 3 {
		t.Errorf("got %d records, want 3", n)
	}
}

func TestPipeline_DownSamples(t *testing.T) {
	store := NewMemory()
	var markers []int
	for i := 0; i < 300; i++ {
		markers = append(markers, i)
	}
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, markers...)))

	cfg := testConfig()
	cfg.SampleRate = 4
	cfg.Passes = 4
	p := startPipeline(t, store, chunkFiles("a.gz"), cfg)

	got := len(collectMarkers(t, p))
	// 1200 decoded records kept at 1/4: 300 expected, sd about 15.
	if got < 220 || got > 380 {
		t.Errorf("kept %d of 1200 records at rate 4", got)
	}
	if s := p.Stats(); s.RecordsDecoded != 1200 || s.RecordsKept != int64(got) {
		t.Errorf("Stats = %+v", s)
	}
}

func TestPipeline_AllCorruptCorpusFails(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "bad.gz", testutil.Gzip([]byte("1\nh0\n0\n")))
	putChunk(t, store, "worse.gz", testutil.Gzip([]byte("1\n")))

	cfg := testConfig()
	cfg.Passes = 0
	p := startPipeline(t, store, chunkFiles("bad.gz", "worse.gz"), cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	_, err := p.Next(ctx)
	if !errors.Is(err, ErrNoReadableChunks) {
		t.Fatalf("expected ErrNoReadableChunks, got: %v", err)
	}
	var failure *WorkerFailureError
	if !errors.As(err, &failure) {
		t.Errorf("expected WorkerFailureError, got: %v", err)
	}
	if got := p.Stats().FilesSkipped; got > 4 {
		t.Errorf("FilesSkipped = %d, want at most one cycle past the first", got)
	}
}

func TestPipeline_CorruptFilesBesideGoodOneKeepCycling(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "good.gz", testutil.Gzip(testutil.MarkerChunk(1, 5)))
	putChunk(t, store, "bad1.gz", testutil.Gzip([]byte("1\nh0\n0\n")))
	putChunk(t, store, "bad2.gz", testutil.Gzip([]byte("1\nh0\n0\n")))

	cfg := testConfig()
	cfg.Passes = 0
	p := startPipeline(t, store, chunkFiles("good.gz", "bad1.gz", "bad2.gz"), cfg)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	for i := 0; i < 20; i++ {
		rec, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if markerOf(rec) != 5 {
			t.Fatalf("marker = %d, want 5", markerOf(rec))
		}
	}
}

func TestPipeline_StartContextCancelIsReported(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, 1, 2, 3, 4)))

	cfg := testConfig()
	cfg.Passes = 0
	cfg.ShuffleBits = 2
	p, err := NewPipeline(store, chunkFiles("a.gz"), cfg)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	startCtx, stop := context.WithCancel(t.Context())
	if err := p.Start(startCtx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	stop()

	for {
		_, err := p.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			t.Fatal("cancelled run ended with io.EOF")
		}
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
		break
	}
	if err := p.Close(); !errors.Is(err, context.Canceled) {
		t.Errorf("Close returned %v, want context.Canceled", err)
	}
}

func TestPipeline_CloseIsNotAFailure(t *testing.T) {
	store := NewMemory()
	putChunk(t, store, "a.gz", testutil.Gzip(testutil.MarkerChunk(1, 1, 2, 3, 4)))

	cfg := testConfig()
	cfg.Passes = 0
	cfg.ShuffleBits = 2
	p := startPipeline(t, store, chunkFiles("a.gz"), cfg)

	if _, err := p.Next(t.Context()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
