package xfer

import "go.cryptosync.io/xfer/modules"

// boundaryAtPlateau is the offset at which the chunk progression
// transitions from the k*(k+1)/2*131072 geometric growth to a flat
// 1 MiB-per-chunk plateau (k=8: 131072*8*9/2).
const boundaryAtPlateau = modules.ChunkUnit * 8 * 9 / 2

// chunkCeil returns the chunk boundary strictly greater than pos,
// clamped to size. This is a wire-compatible contract: any
// implementation must produce identical boundaries,
// since they determine where chunk MACs are computed.
func chunkCeil(pos, size int64) int64 {
	if pos < 0 {
		pos = 0
	}

	var boundary int64
	if pos < boundaryAtPlateau {
		// Walk the geometric part directly: boundary(k) = 131072*k*(k+1)/2.
		for k := int64(1); k <= 8; k++ {
			b := modules.ChunkUnit * k * (k + 1) / 2
			if b > pos {
				boundary = b
				break
			}
		}
		if boundary == 0 {
			boundary = boundaryAtPlateau
		}
	} else {
		// Past the plateau transition: boundaries are spaced exactly
		// modules.ChunkPlateauSize apart starting from boundaryAtPlateau.
		n := pos - boundaryAtPlateau
		idx := n / modules.ChunkPlateauSize
		boundary = boundaryAtPlateau + (idx+1)*modules.ChunkPlateauSize
	}

	if boundary > size {
		return size
	}
	return boundary
}

// chunkBoundaries returns every chunk boundary in (0, size], in
// ascending order. Used by callers that need to enumerate chunks (the
// legacy MAC-gap recovery scan) rather than just find the next one.
func chunkBoundaries(size int64) []int64 {
	var bounds []int64
	var pos int64
	for pos < size {
		next := chunkCeil(pos, size)
		bounds = append(bounds, next)
		pos = next
	}
	return bounds
}
