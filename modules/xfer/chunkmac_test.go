package xfer

import "testing"

func identityEncrypter(in MacBlock) MacBlock {
	var out MacBlock
	for i := range out {
		out[i] = in[i] ^ 0xFF
	}
	return out
}

func TestChunkMacInsertContains(t *testing.T) {
	m := NewChunkMacMap()
	if m.Contains(0) {
		t.Fatal("empty map should not contain offset 0")
	}
	m.Insert(131072, MacBlock{1, 2, 3})
	if !m.Contains(131072) {
		t.Fatal("expected inserted offset to be contained")
	}
	if m.Len() != 1 {
		t.Fatalf("expected len 1, got %d", m.Len())
	}
}

func TestChunkMacMacsMacGapsSelfConsistency(t *testing.T) {
	m := NewChunkMacMap()
	bounds := []int64{131072, 393216, 917504, 1572864}
	for i, b := range bounds {
		var mac MacBlock
		mac[0] = byte(i + 1)
		m.Insert(b, mac)
		m.MarkFinished(b)
	}

	full := m.MacsMac(identityEncrypter)

	// macsmac_gaps(m, 0, k, N, N) should equal macsmac(m[k:]) -- build the
	// suffix-only map and compare.
	k := bounds[1]
	suffix := NewChunkMacMap()
	for i, b := range bounds {
		if b < k {
			continue
		}
		var mac MacBlock
		mac[0] = byte(i + 1)
		suffix.Insert(b, mac)
		suffix.MarkFinished(b)
	}
	gapResult := m.MacsMacGaps(identityEncrypter, 0, k, 0, 0)
	suffixResult := suffix.MacsMac(identityEncrypter)
	if gapResult != suffixResult {
		t.Fatalf("macsmac_gaps(0,k,N,N) = %v, want macsmac(suffix) = %v", gapResult, suffixResult)
	}
	_ = full
}

func TestChunkMacAdvanceContiguous(t *testing.T) {
	size := int64(3 * 131072 * 2) // arbitrary, just needs boundaries below it
	m := NewChunkMacMap()
	bounds := chunkBoundaries(size)
	if len(bounds) < 3 {
		t.Fatalf("need at least 3 chunks for this test, got %d", len(bounds))
	}

	m.Insert(bounds[0], MacBlock{})
	m.MarkFinished(bounds[0])
	m.Insert(bounds[1], MacBlock{})
	m.MarkFinished(bounds[1])
	// bounds[2] deliberately left unfinished to create a gap.

	progress := m.AdvanceContiguous(0, size)
	if progress != bounds[1] {
		t.Fatalf("expected progress to stop at %d, got %d", bounds[1], progress)
	}
}

func TestChunkMacFinishedUploadChunksMerge(t *testing.T) {
	a := NewChunkMacMap()
	b := NewChunkMacMap()

	b.Insert(131072, MacBlock{9})
	b.MarkFinished(131072)

	a.FinishedUploadChunks(b)
	if !a.Contains(131072) {
		t.Fatal("expected merged entry to be present")
	}
}
