package feed

// Symmetries is the number of distinct board symmetries: four rotations,
// each optionally mirrored.
const Symmetries = 8

// symmetryTable[s][sq] is the source intersection that lands on sq under
// symmetry s.
var symmetryTable = buildSymmetryTable()

func buildSymmetryTable() [Symmetries][BoardSquares]int {
	var t [Symmetries][BoardSquares]int
	const last = BoardSize - 1
	for s := 0; s < Symmetries; s++ {
		for sq := 0; sq < BoardSquares; sq++ {
			r, c := sq/BoardSize, sq%BoardSize
			if s&4 != 0 {
				r, c = c, r
			}
			if s&2 != 0 {
				r = last - r
			}
			if s&1 != 0 {
				c = last - c
			}
			t[s][sq] = r*BoardSize + c
		}
	}
	return t
}

// Transform returns a copy of rec with symmetry sym applied to every
// history plane and to the intersection entries of the policy. The pass
// entry, side to move and winner are carried over. Symmetry 0 is the
// identity; sym is taken modulo Symmetries, negative values included.
func Transform(rec *TrainingRecord, sym int) *TrainingRecord {
	table := &symmetryTable[(sym%Symmetries+Symmetries)%Symmetries]
	out := &TrainingRecord{
		Planes: make([]byte, len(rec.Planes)),
		ToMove: rec.ToMove,
		Policy: make([]float32, len(rec.Policy)),
		Winner: rec.Winner,
	}
	for p := 0; p < rec.HistoryPlanes(); p++ {
		dst := out.Planes[p*planeBytes : (p+1)*planeBytes]
		for sq, from := range table {
			if rec.Bit(p, from) {
				dst[sq/8] |= 1 << (sq % 8)
			}
		}
	}
	for sq, from := range table {
		out.Policy[sq] = rec.Policy[from]
	}
	copy(out.Policy[BoardSquares:], rec.Policy[BoardSquares:])
	return out
}
