package feed

import (
	"bytes"
	"testing"
)

// putChunk writes data to path, failing the test on error.
func putChunk(t *testing.T, store WritableStore, path string, data []byte) {
	t.Helper()
	if err := store.Put(t.Context(), path, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put(%s) failed: %v", path, err)
	}
}

// decodeAll decodes every record of an uncompressed chunk.
func decodeAll(t *testing.T, data []byte) []*TrainingRecord {
	t.Helper()
	seq, err := NewDecoder(DecoderOptions{}).Records(ChunkFile{Path: "test.gz"}, data)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	var out []*TrainingRecord
	for rec, err := range seq {
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
		out = append(out, rec)
	}
	return out
}

// markerOf returns the policy entry holding all the mass of a marker record.
func markerOf(rec *TrainingRecord) int {
	best := 0
	for i, v := range rec.Policy {
		if v > rec.Policy[best] {
			best = i
		}
	}
	return best
}

// chunkFiles converts paths to ChunkFiles.
func chunkFiles(paths ...string) []ChunkFile {
	files := make([]ChunkFile, len(paths))
	for i, p := range paths {
		files[i] = ChunkFile{Path: p}
	}
	return files
}
