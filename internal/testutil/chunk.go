package testutil

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	boardSquares = 19 * 19
	policySize   = boardSquares + 1
)

// Record is one training record in its textual chunk form.
type Record struct {
	// Planes lists the set intersections of each history plane.
	Planes [][]int

	// ToMove is 0 for black and 1 for white.
	ToMove int

	// Policy has 362 entries.
	Policy []float32

	// Winner is 1 or -1.
	Winner int
}

// MarkerRecord returns a record identified by marker, which must be below
// 362: the policy puts all mass on entry marker, and history plane p has
// intersection (marker+p)%361 set.
func MarkerRecord(marker, planes int) Record {
	r := Record{
		Planes: make([][]int, planes),
		ToMove: marker % 2,
		Policy: make([]float32, policySize),
		Winner: 1,
	}
	if marker%3 != 0 {
		r.Winner = -1
	}
	for p := range r.Planes {
		r.Planes[p] = []int{(marker + p) % boardSquares}
	}
	r.Policy[marker%policySize] = 1
	return r
}

// Header returns a header line declaring planes history planes.
func Header(planes int) string {
	labels := make([]string, planes)
	for i := range labels {
		labels[i] = "h" + strconv.Itoa(i)
	}
	return strings.Join(labels, " ")
}

// PlaneLine encodes a plane: 90 hex digits for intersections 0..359, most
// significant bit first, then one digit for intersection 360.
func PlaneLine(squares []int) string {
	var bits [boardSquares]bool
	for _, sq := range squares {
		bits[sq] = true
	}
	var b strings.Builder
	for i := 0; i < (boardSquares-1)/4; i++ {
		v := 0
		for k := 0; k < 4; k++ {
			if bits[i*4+k] {
				v |= 8 >> k
			}
		}
		b.WriteString(strconv.FormatInt(int64(v), 16))
	}
	if bits[boardSquares-1] {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	return b.String()
}

// ChunkText renders a chunk file: version, header, then every record.
func ChunkText(version string, planes int, records ...Record) []byte {
	var b bytes.Buffer
	b.WriteString(version + "\n")
	b.WriteString(Header(planes) + "\n")
	for _, r := range records {
		for _, sq := range r.Planes {
			b.WriteString(PlaneLine(sq) + "\n")
		}
		b.WriteString(strconv.Itoa(r.ToMove) + "\n")
		for i, v := range r.Policy {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
		}
		b.WriteString("\n" + strconv.Itoa(r.Winner) + "\n")
	}
	return b.Bytes()
}

// MarkerChunk renders a version "1" chunk holding one MarkerRecord per marker.
func MarkerChunk(planes int, markers ...int) []byte {
	records := make([]Record, len(markers))
	for i, m := range markers {
		records[i] = MarkerRecord(m, planes)
	}
	return ChunkText("1", planes, records...)
}

// Gzip compresses data. It panics on failure, which cannot happen for an
// in-memory buffer.
func Gzip(data []byte) []byte {
	var b bytes.Buffer
	w := gzip.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return b.Bytes()
}

// Zstd compresses data.
func Zstd(data []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(data, nil)
}
