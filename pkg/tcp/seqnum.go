package tcp

// Sequence numbers live in a circular 32-bit space. Ordering is defined by
// signed difference, never by literal comparison, so the arithmetic stays
// correct across the 2^32 wraparound.

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }

func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }

// seqDiff returns a-b as a signed distance.
func seqDiff(a, b uint32) int32 { return int32(a - b) }

// seqInRange reports whether seq falls in [first, first+size).
func seqInRange(seq, first, size uint32) bool {
	return seqGEQ(seq, first) && seqLT(seq, first+size)
}
