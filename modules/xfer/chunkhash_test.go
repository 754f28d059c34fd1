package xfer

import "testing"

func TestChunkCeilRoundTrip(t *testing.T) {
	sizes := []int64{1, 131071, 131072, 1 << 20, 5 << 20, 10 << 20}
	for _, size := range sizes {
		for x := int64(0); x < size; x += 997 {
			ceil := chunkCeil(x, size)
			again := chunkCeil(ceil-1, size)
			if again != ceil {
				t.Fatalf("size=%d x=%d: chunkceil(chunkceil(x,n)-1,n)=%d != chunkceil(x,n)=%d", size, x, again, ceil)
			}
		}
	}
}

func TestChunkCeilMonotonic(t *testing.T) {
	size := int64(10 << 20)
	prev := int64(0)
	for pos := int64(0); pos < size; {
		next := chunkCeil(pos, size)
		if next <= prev && pos != 0 {
			t.Fatalf("chunk boundaries not strictly increasing: prev=%d next=%d", prev, next)
		}
		if next > size {
			t.Fatalf("boundary %d exceeds size %d", next, size)
		}
		prev = next
		pos = next
	}
}

func TestChunkBoundariesSmallFile(t *testing.T) {
	bounds := chunkBoundaries(131071)
	if len(bounds) != 1 || bounds[0] != 131071 {
		t.Fatalf("expected single boundary at 131071, got %v", bounds)
	}
}

func TestChunkBoundariesPlateau(t *testing.T) {
	size := boundaryAtPlateau + 3*(1<<20)
	bounds := chunkBoundaries(size)
	last := bounds[len(bounds)-1]
	if last != size {
		t.Fatalf("last boundary %d != size %d", last, size)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] > boundaryAtPlateau && bounds[i-1] >= boundaryAtPlateau {
			if bounds[i]-bounds[i-1] != 1<<20 {
				t.Fatalf("plateau spacing wrong: %d -> %d", bounds[i-1], bounds[i])
			}
		}
	}
}
