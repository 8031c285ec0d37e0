package feed

import (
	"os"
	"runtime"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Config tunes a Pipeline and its BatchAssembler.
//
// Fields missing from a JSON file keep their default; a field given
// explicitly, zero included, replaces it.
type Config struct {
	// SampleRate keeps each decoded record with probability 1/SampleRate.
	SampleRate int `json:"sample_rate"`

	// ShuffleBits sets each worker's shuffle buffer capacity to 1<<ShuffleBits.
	ShuffleBits int `json:"shuffle_bits"`

	// BatchSize is the number of records per Batch.
	BatchSize int `json:"batch_size"`

	// Workers is the number of decode workers. Capped at the file count.
	Workers int `json:"workers"`

	// QueueSize bounds the record channel between workers and the consumer.
	// Zero means twice the batch size.
	QueueSize int `json:"queue_size"`

	// Passes bounds how many times each worker cycles its partition.
	// Zero runs forever.
	Passes int `json:"passes"`

	// Seed makes a run reproducible per worker. Zero seeds from entropy.
	Seed uint64 `json:"seed"`

	// StrictVersion rejects chunks whose version marker is not FormatVersion.
	StrictVersion bool `json:"strict_version"`

	// Augment applies a random board symmetry to every kept record.
	Augment bool `json:"augment"`

	// StallTimeout fails Next when no record arrives for this long.
	// Zero waits forever.
	StallTimeout Duration `json:"stall_timeout"`

	// TestRatio is the share of chunk files held out for validation.
	TestRatio float64 `json:"test_ratio"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		SampleRate:  16,
		ShuffleBits: 20,
		BatchSize:   128,
		Workers:     defaultWorkers(),
		TestRatio:   0.1,
	}
}

func defaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// maxShuffleBits caps a single buffer at 1<<30 slots.
const maxShuffleBits = 30

// Validate reports the first out-of-range field, wrapped around ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.SampleRate < 1:
		return errors.Wrapf(ErrInvalidConfig, "sample_rate %d < 1", c.SampleRate)
	case c.ShuffleBits < 0 || c.ShuffleBits > maxShuffleBits:
		return errors.Wrapf(ErrInvalidConfig, "shuffle_bits %d outside [0, %d]", c.ShuffleBits, maxShuffleBits)
	case c.BatchSize < 1:
		return errors.Wrapf(ErrInvalidConfig, "batch_size %d < 1", c.BatchSize)
	case c.Workers < 1:
		return errors.Wrapf(ErrInvalidConfig, "workers %d < 1", c.Workers)
	case c.QueueSize < 0:
		return errors.Wrapf(ErrInvalidConfig, "queue_size %d < 0", c.QueueSize)
	case c.Passes < 0:
		return errors.Wrapf(ErrInvalidConfig, "passes %d < 0", c.Passes)
	case c.StallTimeout < 0:
		return errors.Wrapf(ErrInvalidConfig, "stall_timeout %s < 0", time.Duration(c.StallTimeout))
	case c.TestRatio < 0 || c.TestRatio >= 1:
		return errors.Wrapf(ErrInvalidConfig, "test_ratio %g outside [0, 1)", c.TestRatio)
	}
	return nil
}

// ForValidation returns the variant used for the validation split: a
// shuffle buffer one eighth the size.
func (c Config) ForValidation() Config {
	v := c
	v.ShuffleBits = max(c.ShuffleBits-3, 0)
	return v
}

// ShuffleCapacity returns the capacity of one worker's shuffle buffer.
func (c Config) ShuffleCapacity() int {
	return 1 << c.ShuffleBits
}

func (c Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return 2 * c.BatchSize
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

var strictJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// LoadConfig reads a JSON config file and merges it over Defaults.
// Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig for raw JSON.
func ParseConfig(data []byte) (Config, error) {
	cfg := Defaults()
	if err := strictJSON.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Duration is a time.Duration that reads from JSON as either a Go duration
// string ("30s") or a number of milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.Errorf("duration %s: want string or milliseconds", b)
	}
	*d = Duration(ms * float64(time.Millisecond))
	return nil
}
