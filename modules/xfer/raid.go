package xfer

import (
	"sync"

	"github.com/klauspost/reedsolomon"
	"gitlab.com/NebulousLabs/errors"
	"go.cryptosync.io/xfer/modules"
)

// raidStripeLine is one line across all six RAID parts: five 16-byte
// data/parity shards plus one 16-byte recovery shard, covering
// modules.RaidDataBytesPerLine plaintext bytes once reconstructed.
type raidStripeLine struct {
	shards   [modules.RaidParts][]byte
	have     [modules.RaidParts]bool
	haveCont int
}

// RaidBufferManager reassembles a RAID 6-part download: each of the six
// HTTP connections streams its own part of the storage node's erasure
// encoding, and this buffer manager reconstructs plaintext stripe lines
// from whichever RaidMinParts parts arrive, via Reed-Solomon erasure
// decoding (degenerate to a straight XOR parity check when all 5 data
// shards are present, and a true reconstruction when one is missing).
type RaidBufferManager struct {
	mu sync.Mutex

	size  int64 // total plaintext size
	lines map[int64]*raidStripeLine

	enc reedsolomon.Encoder

	partBytesServed [modules.RaidParts]int64
	partErrors      [modules.RaidParts]int
	deadPart        int   // -1 if none
	reconstructedTo int64 // lines below this are already drained

	progress int64
	macs     *ChunkMacMap
}

// NewRaidBufferManager returns a buffer manager for a RAID download of
// the given plaintext size. start and macs carry a resumed transfer's
// persisted progress, same contract as NewTransferBufferManager.
func NewRaidBufferManager(size, start int64, macs *ChunkMacMap) (*RaidBufferManager, error) {
	enc, err := reedsolomon.New(modules.RaidMinParts, modules.RaidParts-modules.RaidMinParts)
	if err != nil {
		return nil, errors.AddContext(err, "failed to construct raid encoder")
	}
	if macs == nil {
		macs = NewChunkMacMap()
	}
	return &RaidBufferManager{
		size:            size,
		lines:           make(map[int64]*raidStripeLine),
		enc:             enc,
		deadPart:        -1,
		progress:        start,
		reconstructedTo: start / modules.RaidDataBytesPerLine,
		macs:            macs,
	}, nil
}

// lineCount is the number of stripe lines needed to cover size bytes.
func (r *RaidBufferManager) lineCount() int64 {
	n := r.size / modules.RaidDataBytesPerLine
	if r.size%modules.RaidDataBytesPerLine != 0 {
		n++
	}
	return n
}

// SubmitShard records one part's 16-byte shard for stripe line idx. Once
// RaidMinParts shards are present for a line, the line is reconstructed
// and its plaintext becomes available via Plaintext.
func (r *RaidBufferManager) SubmitShard(part int, idx int64, shard []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A sixth shard arriving after its line was already reconstructed is
	// simply discarded.
	if idx < r.reconstructedTo {
		return nil
	}

	line, ok := r.lines[idx]
	if !ok {
		line = &raidStripeLine{}
		r.lines[idx] = line
	}
	if !line.have[part] {
		line.shards[part] = shard
		line.have[part] = true
		line.haveCont++
		r.partBytesServed[part] += int64(len(shard))
	}
	return nil
}

// LineReady reports whether stripe line idx has enough shards to
// reconstruct, and reconstructs it in place if so.
func (r *RaidBufferManager) LineReady(idx int64) (plaintext []byte, ready bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, ok := r.lines[idx]
	if !ok || line.haveCont < modules.RaidMinParts {
		return nil, false, nil
	}

	shards := make([][]byte, modules.RaidParts)
	for i := range shards {
		if line.have[i] {
			shards[i] = line.shards[i]
		}
	}
	if err := r.enc.Reconstruct(shards); err != nil {
		return nil, false, errors.AddContext(err, "raid line reconstruction failed")
	}

	out := make([]byte, 0, modules.RaidDataBytesPerLine)
	for i := 0; i < modules.RaidMinParts; i++ {
		out = append(out, shards[i]...)
	}
	delete(r.lines, idx)
	if idx >= r.reconstructedTo {
		r.reconstructedTo = idx + 1
	}
	return out, true, nil
}

// RecordPartError increments a part's error count; once a part has
// accumulated modules.MaxErrorCount errors, and no other part has been
// flagged yet, it is recorded as the dead part reported by DeadPart.
// SubmitShard does not consult this flag; Reconstruct recovers a missing
// part's contribution from the remaining five.
func (r *RaidBufferManager) RecordPartError(part int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partErrors[part]++
	if r.partErrors[part] >= modules.MaxErrorCount && r.deadPart < 0 {
		r.deadPart = part
	}
}

// DeadPart returns the index of a part that has been excluded from the
// stripe, or -1 if all six are still in play.
func (r *RaidBufferManager) DeadPart() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadPart
}

// DetectSlowestPart reports the part index that lags the others by at
// least modules.RaidSlowDetectThreshold stripe lines' worth of bytes, or
// -1 if none does. A consistently slow sixth connection should be
// dropped in favor of relying on reconstruction rather than waiting on
// it indefinitely.
func (r *RaidBufferManager) DetectSlowestPart() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	slowest, slowestBytes := -1, int64(-1)
	fastest := int64(0)
	for i, served := range r.partBytesServed {
		if slowest == -1 || served < slowestBytes {
			slowest, slowestBytes = i, served
		}
		if served > fastest {
			fastest = served
		}
	}
	threshold := int64(modules.RaidSlowDetectThreshold) * modules.RaidParityBytesPerLine
	if slowest >= 0 && fastest-slowestBytes >= threshold {
		return slowest
	}
	return -1
}

// MarkLineFinished records the plaintext chunk MAC(s) covered by a
// reconstructed stripe line and advances contiguous progress. boundaries
// and macs are supplied by the caller, which runs the CBC-MAC as
// reconstructed plaintext streams out.
func (r *RaidBufferManager) MarkLineFinished(boundaries []int64, macsAtBoundary []MacBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, b := range boundaries {
		r.macs.Insert(b, macsAtBoundary[i])
		r.macs.MarkFinished(b)
	}
	r.progress = r.macs.AdvanceContiguous(r.progress, r.size)
}

// Progress returns the furthest contiguous reconstructed byte offset.
func (r *RaidBufferManager) Progress() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Macs exposes the underlying ChunkMacMap for final mac-of-macs
// computation.
func (r *RaidBufferManager) Macs() *ChunkMacMap {
	return r.macs
}

// Done reports whether every stripe line has been reconstructed and the
// file is fully contiguous.
func (r *RaidBufferManager) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress >= r.size
}
