package feed

import (
	"bytes"
	"iter"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// FormatVersion is the chunk version marker this package was written against.
const FormatVersion = "1"

// Schema describes the record shape implied by a chunk file.
type Schema struct {
	Version       string `json:"version"`
	HistoryPlanes int    `json:"history_planes"`
}

// InputPlanes returns the feature plane count of records with this schema.
func (s Schema) InputPlanes() int {
	return s.HistoryPlanes + 2
}

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// StrictVersion rejects chunks whose version marker is not FormatVersion.
	StrictVersion bool

	// Schema pins the expected shape up front. Nil pins on the first file.
	Schema *Schema
}

// Decoder turns decompressed chunk content into TrainingRecords.
//
// A Decoder pins the schema of the first file it accepts; a later file with
// a different plane count is a SchemaMismatchError. It is safe for
// concurrent use so workers can share one pin.
type Decoder struct {
	strict bool

	mu     sync.Mutex
	schema *Schema
}

// NewDecoder creates a Decoder.
func NewDecoder(opts DecoderOptions) *Decoder {
	d := &Decoder{strict: opts.StrictVersion}
	if opts.Schema != nil {
		s := *opts.Schema
		d.schema = &s
	}
	return d
}

// Schema returns the pinned schema, if any file has been accepted yet.
func (d *Decoder) Schema() (Schema, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schema == nil {
		return Schema{}, false
	}
	return *d.schema, true
}

// Records validates the framing of data and returns a lazy sequence of its
// records. Framing problems are reported immediately as CorruptChunkError;
// a malformed record ends the sequence with a CorruptChunkError.
//
// The sequence may be ranged over more than once; each range restarts it.
func (d *Decoder) Records(file ChunkFile, data []byte) (iter.Seq2[*TrainingRecord, error], error) {
	lines := bytes.Split(data, []byte{'\n'})
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for i, l := range lines {
		lines[i] = bytes.TrimSuffix(l, []byte{'\r'})
	}
	if len(lines) < 2 {
		return nil, &CorruptChunkError{Path: file.Path, Reason: "missing version or header"}
	}

	got := Schema{
		Version:       string(bytes.TrimSpace(lines[0])),
		HistoryPlanes: len(bytes.Fields(lines[1])),
	}
	if d.strict && got.Version != FormatVersion {
		return nil, &CorruptChunkError{
			Path:   file.Path,
			Reason: "version " + strconv.Quote(got.Version),
			Err:    ErrUnsupportedVersion,
		}
	}
	if got.HistoryPlanes < 1 {
		return nil, &CorruptChunkError{Path: file.Path, Reason: "empty header"}
	}
	stride := got.HistoryPlanes + 3
	body := lines[2:]
	if len(body)%stride != 0 {
		return nil, &CorruptChunkError{
			Path:   file.Path,
			Reason: "truncated record",
			Err:    errors.Errorf("%d lines is not a multiple of %d", len(body), stride),
		}
	}
	if err := d.pin(file, got); err != nil {
		return nil, err
	}

	return func(yield func(*TrainingRecord, error) bool) {
		for k := 0; k < len(body)/stride; k++ {
			rec, err := parseRecord(body[k*stride:(k+1)*stride], got.HistoryPlanes)
			if err != nil {
				yield(nil, &CorruptChunkError{
					Path:   file.Path,
					Reason: "record " + strconv.Itoa(k),
					Err:    err,
				})
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}

func (d *Decoder) pin(file ChunkFile, got Schema) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.schema == nil {
		d.schema = &got
		return nil
	}
	if d.schema.HistoryPlanes != got.HistoryPlanes {
		return &SchemaMismatchError{Path: file.Path, Want: *d.schema, Got: got}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Record parsing
// -----------------------------------------------------------------------------

// planeHexDigits is the number of hex digits carrying bits 0..359.
const planeHexDigits = (BoardSquares - 1) / 4

func parseRecord(lines [][]byte, history int) (*TrainingRecord, error) {
	rec := &TrainingRecord{
		Planes: make([]byte, history*planeBytes),
		Policy: make([]float32, PolicySize),
	}
	for p := 0; p < history; p++ {
		if err := parsePlane(lines[p], rec.Planes[p*planeBytes:(p+1)*planeBytes]); err != nil {
			return nil, errors.Wrapf(err, "plane %d", p)
		}
	}

	switch side := string(bytes.TrimSpace(lines[history])); side {
	case "0":
		rec.ToMove = 0
	case "1":
		rec.ToMove = 1
	default:
		return nil, errors.Errorf("side to move %q", side)
	}

	fields := bytes.Fields(lines[history+1])
	if len(fields) != PolicySize {
		return nil, errors.Errorf("policy has %d entries, want %d", len(fields), PolicySize)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(string(f), 32)
		if err != nil {
			return nil, errors.Wrapf(err, "policy entry %d", i)
		}
		rec.Policy[i] = float32(v)
	}

	switch w := string(bytes.TrimSpace(lines[history+2])); w {
	case "1":
		rec.Winner = 1
	case "-1":
		rec.Winner = -1
	default:
		return nil, errors.Errorf("winner %q", w)
	}
	return rec, nil
}

// parsePlane unpacks one plane line into dst. The first 90 hex digits hold
// bits 0..359, most significant bit first; the last digit is bit 360.
func parsePlane(line []byte, dst []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) != planeHexDigits+1 {
		return errors.Errorf("plane line has %d digits, want %d", len(line), planeHexDigits+1)
	}
	for i := 0; i < planeHexDigits; i++ {
		v, ok := hexValue(line[i])
		if !ok {
			return errors.Errorf("bad hex digit %q at %d", line[i], i)
		}
		for b := 0; b < 4; b++ {
			if v&(8>>b) != 0 {
				sq := i*4 + b
				dst[sq/8] |= 1 << (sq % 8)
			}
		}
	}
	switch line[planeHexDigits] {
	case '0':
	case '1':
		sq := BoardSquares - 1
		dst[sq/8] |= 1 << (sq % 8)
	default:
		return errors.Errorf("bad final bit %q", line[planeHexDigits])
	}
	return nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
