package feed

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Parquet export
// -----------------------------------------------------------------------------

// Column names of an exported record file.
const (
	columnPlanes = "planes"
	columnToMove = "to_move"
	columnPolicy = "policy"
	columnWinner = "winner"
)

// recordSchema stores planes packed as in TrainingRecord and the policy as
// little-endian float32 bytes.
var recordSchema = parquet.NewSchema("record", parquet.Group{
	columnPlanes: parquet.Leaf(parquet.ByteArrayType),
	columnToMove: parquet.Int(32),
	columnPolicy: parquet.Leaf(parquet.ByteArrayType),
	columnWinner: parquet.Leaf(parquet.FloatType),
})

// recordColumns maps column names to their position in a row. Group
// columns are ordered by name, not by declaration.
var recordColumns = func() map[string]int {
	m := make(map[string]int)
	for i, f := range recordSchema.Fields() {
		m[f.Name()] = i
	}
	return m
}()

// EncodeParquet writes records as a single-row-group, snappy-compressed
// parquet file.
func EncodeParquet(w io.Writer, records []*TrainingRecord) error {
	rowBuf := parquet.NewBuffer(recordSchema)
	for i, rec := range records {
		if _, err := rowBuf.WriteRows([]parquet.Row{recordToRow(rec)}); err != nil {
			return errors.Wrapf(err, "parquet: write row %d", i)
		}
	}

	var buf bytes.Buffer
	pqWriter := parquet.NewWriter(&buf, recordSchema, parquet.Compression(&parquet.Snappy))
	if _, err := pqWriter.WriteRowGroup(rowBuf); err != nil {
		_ = pqWriter.Close()
		return errors.Wrap(err, "parquet: write row group")
	}
	if err := pqWriter.Close(); err != nil {
		return errors.Wrap(err, "parquet: close writer")
	}

	_, err := io.Copy(w, &buf)
	return err
}

// DecodeParquet reads a file written by EncodeParquet.
func DecodeParquet(r io.Reader) ([]*TrainingRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "parquet: read file")
	}
	file, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "parquet: open file")
	}

	reader := parquet.NewReader(file)
	defer closer(reader)()

	records := make([]*TrainingRecord, 0, file.NumRows())
	rows := make([]parquet.Row, 64)
	for {
		n, err := reader.ReadRows(rows)
		for i := 0; i < n; i++ {
			rec, rerr := rowToRecord(rows[i])
			if rerr != nil {
				return nil, errors.Wrapf(rerr, "parquet: row %d", len(records))
			}
			records = append(records, rec)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(err, "parquet: read rows")
		}
	}
	return records, nil
}

// ExportRecords encodes records as parquet and writes them to path. A
// ".gz" or ".zst" suffix compresses the whole file with that compressor;
// any other path is written as plain parquet.
func ExportRecords(ctx context.Context, store WritableStore, path string, records []*TrainingRecord) error {
	c, ok := CompressorFor(path)
	if !ok {
		c = NewNoOpCompressor()
	}

	var buf bytes.Buffer
	cw, err := c.Compress(&buf)
	if err != nil {
		return errors.Wrap(err, c.Name())
	}
	if err := EncodeParquet(cw, records); err != nil {
		_ = cw.Close()
		return err
	}
	if err := cw.Close(); err != nil {
		return errors.Wrap(err, c.Name())
	}
	return store.Put(ctx, path, &buf)
}

func recordToRow(rec *TrainingRecord) parquet.Row {
	policy := make([]byte, 4*len(rec.Policy))
	for i, v := range rec.Policy {
		binary.LittleEndian.PutUint32(policy[4*i:], math.Float32bits(v))
	}
	row := make(parquet.Row, len(recordColumns))
	set := func(name string, v parquet.Value) {
		i := recordColumns[name]
		row[i] = v.Level(0, 0, i)
	}
	set(columnPlanes, parquet.ByteArrayValue(rec.Planes))
	set(columnToMove, parquet.Int32Value(int32(rec.ToMove)))
	set(columnPolicy, parquet.ByteArrayValue(policy))
	set(columnWinner, parquet.FloatValue(rec.Winner))
	return row
}

func rowToRecord(row parquet.Row) (*TrainingRecord, error) {
	if len(row) != len(recordColumns) {
		return nil, errors.Errorf("want %d columns, got %d", len(recordColumns), len(row))
	}
	planes := bytes.Clone(row[recordColumns[columnPlanes]].ByteArray())
	if len(planes)%planeBytes != 0 {
		return nil, errors.Errorf("planes length %d not a multiple of %d", len(planes), planeBytes)
	}
	raw := row[recordColumns[columnPolicy]].ByteArray()
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("policy length %d not a multiple of 4", len(raw))
	}
	policy := make([]float32, len(raw)/4)
	for i := range policy {
		policy[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return &TrainingRecord{
		Planes: planes,
		ToMove: uint8(row[recordColumns[columnToMove]].Int32()),
		Policy: policy,
		Winner: row[recordColumns[columnWinner]].Float(),
	}, nil
}
