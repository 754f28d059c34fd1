package xfer

import "testing"

func TestCheckMetaMacWithMissingLateEntriesSingleGap(t *testing.T) {
	size := boundaryAtPlateau + 10*(1<<20)
	bounds := chunkBoundaries(size)
	n := len(bounds)
	if n < 5 {
		t.Fatalf("need more chunks for this test, got %d", n)
	}

	m := NewChunkMacMap()
	for i, b := range bounds {
		var mac MacBlock
		mac[0] = byte(i + 1)
		m.Insert(b, mac)
		m.MarkFinished(b)
	}

	// The "true" server mac omitted the second-to-last chunk (the entry
	// keyed at bounds[n-2]) from the fold.
	gapStart := n - 1
	want := m.MacsMacGaps(identityEncrypter, bounds[gapStart-1], size, 0, 0)

	recovered, ok := checkMetaMacWithMissingLateEntries(m, identityEncrypter, bounds, want)
	if !ok {
		t.Fatal("expected single-gap recovery to succeed")
	}
	if recovered != want {
		t.Fatalf("recovered mac %v != want %v", recovered, want)
	}
}

func TestCheckMetaMacWithMissingLateEntriesNoMatch(t *testing.T) {
	size := int64(5 * (1 << 20))
	bounds := chunkBoundaries(size)

	m := NewChunkMacMap()
	for i, b := range bounds {
		var mac MacBlock
		mac[0] = byte(i + 1)
		m.Insert(b, mac)
		m.MarkFinished(b)
	}

	var bogus MacBlock
	bogus[0] = 0xFF
	if _, ok := checkMetaMacWithMissingLateEntries(m, identityEncrypter, bounds, bogus); ok {
		t.Fatal("expected no gap hypothesis to match an unrelated mac")
	}
}
