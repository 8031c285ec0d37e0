// Command chunkfeed drives the training record pipeline from the shell.
//
// Usage:
//
//	chunkfeed bench   -train PREFIX [flags]   report positions per second
//	chunkfeed dump    -train PREFIX -out KEY  write shuffled records as parquet
//	chunkfeed inspect -file KEY               decode one chunk and describe it
//
// Chunks are read from the filesystem under -root, or from S3 when
// -s3-bucket is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pithecene-io/chunkfeed/feed"
	feeds3 "github.com/pithecene-io/chunkfeed/feed/s3"
	s3client "github.com/pithecene-io/chunkfeed/internal/s3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errNoTrainingData is reported when the training prefix matches nothing.
var errNoTrainingData = errors.New("no data to train on")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	klog.Flush()
	os.Exit(code)
}

// options holds every flag. Zero values mean "not set" for the config
// overrides, which are applied only when the flag was given.
type options struct {
	config        string
	sampleRate    int
	shuffleBits   int
	batchSize     int
	workers       int
	passes        int
	seed          uint64
	strictVersion bool
	augment       bool
	validation    bool

	train string
	test  string
	root  string

	s3Bucket    string
	s3Prefix    string
	s3Region    string
	s3Endpoint  string
	s3PathStyle bool

	out     string
	batches int
	file    string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 2
	}
	cmd := args[0]
	switch cmd {
	case "bench", "dump", "inspect":
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		usage(stderr)
		return 2
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	klog.InitFlags(fs)
	opts := registerFlags(fs, cmd)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := opts.resolveConfig(fs)
	if err != nil {
		fmt.Fprintf(stderr, "chunkfeed: %v\n", err)
		return 1
	}
	store, err := opts.openStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "chunkfeed: %v\n", err)
		return 1
	}

	switch cmd {
	case "bench":
		err = bench(ctx, store, cfg, opts, stdout)
	case "dump":
		err = dump(ctx, store, cfg, opts, stdout)
	case "inspect":
		err = inspect(ctx, store, cfg, opts, stdout)
	}
	if err != nil {
		fmt.Fprintf(stderr, "chunkfeed: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: chunkfeed <bench|dump|inspect> [flags]")
	fmt.Fprintln(w, "run 'chunkfeed <command> -h' for the flags of a command")
}

func registerFlags(fs *flag.FlagSet, cmd string) *options {
	o := &options{}
	fs.StringVar(&o.config, "config", "", "JSON config file merged over the defaults")
	fs.StringVar(&o.root, "root", ".", "filesystem root holding the chunk files")
	fs.StringVar(&o.s3Bucket, "s3-bucket", "", "read chunks from this S3 bucket instead of -root")
	fs.StringVar(&o.s3Prefix, "s3-prefix", "", "key prefix inside the bucket")
	fs.StringVar(&o.s3Region, "s3-region", "", "S3 region")
	fs.StringVar(&o.s3Endpoint, "s3-endpoint", "", "custom S3 endpoint (MinIO, LocalStack)")
	fs.BoolVar(&o.s3PathStyle, "s3-path-style", false, "use path-style S3 addressing")
	fs.BoolVar(&o.strictVersion, "strict-version", false, "reject chunks with an unknown version marker")

	if cmd == "inspect" {
		fs.StringVar(&o.file, "file", "", "chunk file to decode")
		return o
	}

	fs.IntVar(&o.sampleRate, "sample", 0, "keep one record in N")
	fs.IntVar(&o.shuffleBits, "bufferbits", 0, "shuffle buffer holds 2^N records per worker")
	fs.IntVar(&o.batchSize, "batch", 0, "records per batch")
	fs.IntVar(&o.workers, "workers", 0, "decode workers")
	fs.IntVar(&o.passes, "passes", 0, "passes over the chunk files (0 = forever)")
	fs.Uint64Var(&o.seed, "seed", 0, "random seed (0 = random)")
	fs.BoolVar(&o.augment, "augment", false, "apply random board symmetries")
	fs.BoolVar(&o.validation, "validation", false, "read the validation split")
	fs.StringVar(&o.train, "train", "", "key prefix of the training chunks")
	fs.StringVar(&o.test, "test", "", "key prefix of the validation chunks (default: split off -train)")
	if cmd == "dump" {
		fs.StringVar(&o.out, "out", "", "key to write the parquet file to; a .gz or .zst suffix compresses it (default dumps/<run>.parquet)")
		fs.IntVar(&o.batches, "batches", 1, "batches of records to dump")
	} else {
		fs.IntVar(&o.batches, "batches", 0, "batches to time (0 = until the pipeline ends)")
	}
	return o
}

// resolveConfig layers the config file over the defaults and the flags
// that were given over both.
func (o *options) resolveConfig(fs *flag.FlagSet) (feed.Config, error) {
	cfg := feed.Defaults()
	if o.config != "" {
		loaded, err := feed.LoadConfig(o.config)
		if err != nil {
			return feed.Config{}, err
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sample":
			cfg.SampleRate = o.sampleRate
		case "bufferbits":
			cfg.ShuffleBits = o.shuffleBits
		case "batch":
			cfg.BatchSize = o.batchSize
		case "workers":
			cfg.Workers = o.workers
		case "passes":
			cfg.Passes = o.passes
		case "seed":
			cfg.Seed = o.seed
		case "strict-version":
			cfg.StrictVersion = o.strictVersion
		case "augment":
			cfg.Augment = o.augment
		}
	})
	if o.validation {
		cfg = cfg.ForValidation()
	}
	return cfg, cfg.Validate()
}

func (o *options) openStore(ctx context.Context) (feed.WritableStore, error) {
	if o.s3Bucket == "" {
		return feed.NewFS(o.root)
	}
	client, err := s3client.NewClient(ctx, s3client.ClientConfig{
		Region:          o.s3Region,
		Endpoint:        o.s3Endpoint,
		UsePathStyle:    o.s3PathStyle,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "s3 client")
	}
	return feeds3.New(client, feeds3.Config{Bucket: o.s3Bucket, Prefix: o.s3Prefix})
}

// selectFiles discovers the training chunks and returns the requested split.
func (o *options) selectFiles(ctx context.Context, store feed.Store, cfg feed.Config) ([]feed.ChunkFile, error) {
	if o.train == "" {
		return nil, errors.New("-train is required")
	}
	train, err := feed.Discover(ctx, store, o.train)
	if err != nil {
		return nil, err
	}
	if len(train) == 0 {
		return nil, errors.Wrapf(errNoTrainingData, "prefix %q", o.train)
	}

	var validation []feed.ChunkFile
	if o.test != "" {
		if validation, err = feed.Discover(ctx, store, o.test); err != nil {
			return nil, err
		}
	} else {
		train, validation = feed.SplitFiles(train, cfg.TestRatio, feed.NewRand(cfg.Seed))
	}
	klog.Infof("%d training and %d validation chunk files", len(train), len(validation))

	if o.validation {
		if len(validation) == 0 {
			return nil, errors.Wrap(feed.ErrEmptyCorpus, "validation split")
		}
		return validation, nil
	}
	return train, nil
}

func startPipeline(ctx context.Context, store feed.Store, cfg feed.Config, o *options) (*feed.Pipeline, error) {
	files, err := o.selectFiles(ctx, store, cfg)
	if err != nil {
		return nil, err
	}
	p, err := feed.NewPipeline(store, files, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

type benchReport struct {
	Batches   int        `json:"batches"`
	Positions int        `json:"positions"`
	Elapsed   string     `json:"elapsed"`
	PosPerSec float64    `json:"pos_per_sec"`
	Stats     feed.Stats `json:"stats"`
}

// benchInterval is the number of batches between throughput lines.
const benchInterval = 100

func bench(ctx context.Context, store feed.Store, cfg feed.Config, o *options, stdout io.Writer) error {
	p, err := startPipeline(ctx, store, cfg, o)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	asm := feed.NewAssembler(p, cfg.BatchSize)
	start := time.Now()
	mark := start
	report := benchReport{}
	for o.batches == 0 || report.Batches < o.batches {
		if _, err := asm.NextBatch(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		report.Batches++
		report.Positions += cfg.BatchSize
		if report.Batches%benchInterval == 0 {
			now := time.Now()
			rate := float64(benchInterval*cfg.BatchSize) / now.Sub(mark).Seconds()
			fmt.Fprintf(stdout, "%s pos/sec\n", humanize.CommafWithDigits(rate, 0))
			mark = now
		}
	}

	elapsed := time.Since(start)
	report.Elapsed = elapsed.String()
	if s := elapsed.Seconds(); s > 0 {
		report.PosPerSec = float64(report.Positions) / s
	}
	report.Stats = p.Stats()
	return writeJSON(stdout, report)
}

type dumpReport struct {
	Path    string     `json:"path"`
	Records int        `json:"records"`
	Stats   feed.Stats `json:"stats"`
}

func dump(ctx context.Context, store feed.WritableStore, cfg feed.Config, o *options, stdout io.Writer) error {
	if o.batches < 1 {
		return errors.New("-batches must be at least 1")
	}
	p, err := startPipeline(ctx, store, cfg, o)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	want := o.batches * cfg.BatchSize
	records := make([]*feed.TrainingRecord, 0, want)
	for len(records) < want {
		rec, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	out := o.out
	if out == "" {
		out = "dumps/" + p.RunID() + ".parquet"
	}
	if err := feed.ExportRecords(ctx, store, out, records); err != nil {
		return errors.Wrapf(err, "export %s", out)
	}
	klog.Infof("wrote %s records to %s", humanize.Comma(int64(len(records))), out)
	return writeJSON(stdout, dumpReport{Path: out, Records: len(records), Stats: p.Stats()})
}

type inspectReport struct {
	Path       string      `json:"path"`
	Compressor string      `json:"compressor"`
	Size       string      `json:"size"`
	Schema     feed.Schema `json:"schema"`
	Records    int         `json:"records"`
}

func inspect(ctx context.Context, store feed.Store, cfg feed.Config, o *options, stdout io.Writer) error {
	if o.file == "" {
		return errors.New("-file is required")
	}
	f := feed.ChunkFile{Path: o.file}
	src := feed.NewChunkSource(store, []feed.ChunkFile{f}, feed.SourceOptions{MaxCycles: 1})
	chunk, err := src.Next(ctx)
	if err != nil {
		return errors.Wrap(err, o.file)
	}

	dec := feed.NewDecoder(feed.DecoderOptions{StrictVersion: cfg.StrictVersion})
	records, err := dec.Records(chunk.File, chunk.Data)
	if err != nil {
		return err
	}
	n := 0
	for _, err := range records {
		if err != nil {
			return err
		}
		n++
	}
	schema, _ := dec.Schema()
	c, _ := feed.CompressorFor(o.file)
	return writeJSON(stdout, inspectReport{
		Path:       o.file,
		Compressor: c.Name(),
		Size:       humanize.Bytes(uint64(len(chunk.Data))),
		Schema:     schema,
		Records:    n,
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
