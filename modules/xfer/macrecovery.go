package xfer

import "go.cryptosync.io/xfer/modules"

// gapWindow converts a chunk-index gap [startChunk, startChunk+lenChunks)
// into the byte-offset [a, b) ChunkMacMap.MacsMacGaps expects, given the
// ordered list of chunk boundaries for the whole file. Entries are keyed
// by each chunk's end boundary, so the window runs from the first omitted
// chunk's key through the last omitted chunk's key.
func gapWindow(bounds []int64, startChunk, lenChunks int) (a, b int64) {
	if startChunk < 0 {
		startChunk = 0
	}
	end := startChunk + lenChunks - 1
	if end < 0 || end >= len(bounds) {
		end = len(bounds) - 1
	}
	a = bounds[startChunk]
	b = bounds[end] + 1
	return a, b
}

// checkMetaMacWithMissingLateEntries implements the legacy MAC-gap
// recovery scan: when the straightforward mac-of-macs
// doesn't match the server's recorded value, some older uploads omitted
// one or two trailing chunk ranges from the MAC computation. This tries
// every plausible single- and then two-gap hypothesis near the end of
// the file and returns the recovered MAC if one matches.
//
// bounds must be the file's full ordered chunk-boundary list
// (chunkBoundaries(size)).
func checkMetaMacWithMissingLateEntries(macs *ChunkMacMap, enc BlockEncrypter, bounds []int64, want MacBlock) (recovered MacBlock, ok bool) {
	n := len(bounds)

	singleWindow := n
	if singleWindow > modules.LateGapMaxWindowChunks {
		singleWindow = modules.LateGapMaxWindowChunks
	}
	firstCandidate := n - singleWindow
	if firstCandidate < 0 {
		firstCandidate = 0
	}

	for start1 := firstCandidate; start1 < n; start1++ {
		maxLen := modules.LateGapMaxLen1
		if n-start1 < maxLen {
			maxLen = n - start1
		}
		for len1 := 1; len1 <= maxLen; len1++ {
			a, b := gapWindow(bounds, start1, len1)
			got := macs.MacsMacGaps(enc, a, b, 0, 0)
			if got == want {
				return got, true
			}
		}
	}

	twoWindow := n
	if twoWindow > modules.TwoGapMaxWindowChunks {
		twoWindow = modules.TwoGapMaxWindowChunks
	}
	firstCandidate = n - twoWindow
	if firstCandidate < 0 {
		firstCandidate = 0
	}

	for start1 := firstCandidate; start1 < n; start1++ {
		maxLen1 := modules.TwoGapMaxLen
		if n-start1 < maxLen1 {
			maxLen1 = n - start1
		}
		for len1 := 1; len1 <= maxLen1; len1++ {
			a, b := gapWindow(bounds, start1, len1)
			start2 := start1 + len1
			for ; start2 < n; start2++ {
				maxLen2 := modules.TwoGapMaxLen
				if n-start2 < maxLen2 {
					maxLen2 = n - start2
				}
				for len2 := 1; len2 <= maxLen2; len2++ {
					c, d := gapWindow(bounds, start2, len2)
					got := macs.MacsMacGaps(enc, a, b, c, d)
					if got == want {
						return got, true
					}
				}
			}
		}
	}

	return MacBlock{}, false
}
