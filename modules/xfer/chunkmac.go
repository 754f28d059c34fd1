package xfer

import (
	"sort"
	"sync"

	"go.cryptosync.io/xfer/build"
)

// MacBlock is a single 16-byte chunk or file MAC.
type MacBlock [16]byte

// BlockEncrypter encrypts a single cipher block under a transfer's key.
// macsmac folds chunk MACs through repeated calls to one of these:
// acc = Encrypt(acc XOR chunkMAC). Kept as a function
// value rather than a *xfercrypto.Cipher import so this package has no
// dependency on the concrete AES implementation.
type BlockEncrypter func(in MacBlock) MacBlock

type chunkMacEntry struct {
	pos      int64
	mac      MacBlock
	finished bool
}

// ChunkMacMap is an ordered chunk-offset -> (MAC, finished) map.
// Entries are kept sorted by offset so macsmac can
// fold them in ascending order without a separate sort pass per call.
type ChunkMacMap struct {
	mu      sync.Mutex
	entries []chunkMacEntry
	index   map[int64]int
}

// NewChunkMacMap returns an empty map.
func NewChunkMacMap() *ChunkMacMap {
	return &ChunkMacMap{index: make(map[int64]int)}
}

// Insert adds or overwrites the MAC at pos. The entry starts unfinished.
func (m *ChunkMacMap) Insert(pos int64, mac MacBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[pos]; ok {
		m.entries[i].mac = mac
		return
	}
	m.entries = append(m.entries, chunkMacEntry{pos: pos, mac: mac})
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].pos < m.entries[j].pos })
	m.reindex()
}

// MarkFinished marks the entry at pos as durably written. It is a no-op
// (not an error) if pos was never inserted, tolerating redundant calls
// from retried writes.
func (m *ChunkMacMap) MarkFinished(pos int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[pos]; ok {
		m.entries[i].finished = true
	}
}

// Mac returns the MAC recorded at pos, if any.
func (m *ChunkMacMap) Mac(pos int64) (MacBlock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.index[pos]; ok {
		return m.entries[i].mac, true
	}
	return MacBlock{}, false
}

// Contains reports whether pos has an entry, finished or not.
func (m *ChunkMacMap) Contains(pos int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[pos]
	return ok
}

// Len returns the number of entries.
func (m *ChunkMacMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Clear empties the map. Used when EKey forces a restart so the whole
// file is re-downloaded and re-MAC'd from scratch.
func (m *ChunkMacMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.index = make(map[int64]int)
}

func (m *ChunkMacMap) reindex() {
	m.index = make(map[int64]int, len(m.entries))
	for i, e := range m.entries {
		m.index[e.pos] = i
	}
}

// inGap reports whether pos falls in [a,b) or [c,d).
func inGap(pos, a, b, c, d int64) bool {
	if a < b && pos >= a && pos < b {
		return true
	}
	if c < d && pos >= c && pos < d {
		return true
	}
	return false
}

// MacsMac folds the MACs of every entry, in ascending offset order, into
// the file-wide mac-of-macs: starting from a zero
// block, XOR each chunk MAC into the accumulator and encrypt the
// accumulator with enc. Unfinished entries are excluded.
func (m *ChunkMacMap) MacsMac(enc BlockEncrypter) MacBlock {
	return m.macsMacGapsLocked(enc, 0, 0, 0, 0)
}

// MacsMacGaps computes the same fold as MacsMac but skips any entry
// whose offset lies in [a,b) or [c,d) -- used by legacy MAC-gap
// recovery to test candidate "the cloud's MAC omitted
// these bytes" hypotheses without mutating the map.
func (m *ChunkMacMap) MacsMacGaps(enc BlockEncrypter, a, b, c, d int64) MacBlock {
	return m.macsMacGapsLocked(enc, a, b, c, d)
}

func (m *ChunkMacMap) macsMacGapsLocked(enc BlockEncrypter, a, b, c, d int64) MacBlock {
	m.mu.Lock()
	entries := make([]chunkMacEntry, len(m.entries))
	copy(entries, m.entries)
	m.mu.Unlock()

	var acc MacBlock
	for _, e := range entries {
		if !e.finished {
			continue
		}
		if inGap(e.pos, a, b, c, d) {
			continue
		}
		acc = xorBlock(acc, e.mac)
		acc = enc(acc)
	}
	return acc
}

func xorBlock(a, b MacBlock) MacBlock {
	var out MacBlock
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// FinishedUploadChunks merges every finished entry of other into m,
// used when a late-arriving upload-completion race means connections
// 0..k already reported success, and their chunk MACs must be folded in
// before the final mac-of-macs is computed for the upload token.
func (m *ChunkMacMap) FinishedUploadChunks(other *ChunkMacMap) {
	other.mu.Lock()
	incoming := make([]chunkMacEntry, len(other.entries))
	copy(incoming, other.entries)
	other.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range incoming {
		if !e.finished {
			continue
		}
		if i, ok := m.index[e.pos]; ok {
			m.entries[i].mac = e.mac
			m.entries[i].finished = true
			continue
		}
		m.entries = append(m.entries, e)
	}
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].pos < m.entries[j].pos })
	m.reindex()
}

// AdvanceContiguous walks chunk boundaries starting at from (which must
// itself be a chunk boundary or 0) and returns the furthest boundary
// such that every chunk up to it is present and finished, stopping at
// the first gap. size bounds the walk.
//
// This assumes finished entries are only ever merged in increasing
// offset order: if an earlier
// chunk's MAC were finished out of order after a later one had already
// advanced progresscontiguous past it, this method's behavior is
// undefined by contract, and callers must not let that happen. We
// enforce the assumption defensively with a developer-error check.
func (m *ChunkMacMap) AdvanceContiguous(from, size int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := from
	for pos < size {
		next := chunkCeil(pos, size)
		i, ok := m.index[next]
		if !ok || !m.entries[i].finished {
			break
		}
		pos = next
	}
	if build.DEBUG {
		// Sanity check: nothing finished strictly beyond pos should be
		// missing an earlier, unfinished sibling -- that would mean a
		// chunk was merged out of order.
		for _, e := range m.entries {
			if e.pos > pos && e.pos < size && e.finished {
				if !m.allFinishedBelow(e.pos) {
					build.Critical("chunk finished out of order", e.pos, pos)
				}
				break
			}
		}
	}
	return pos
}

func (m *ChunkMacMap) allFinishedBelow(pos int64) bool {
	for _, e := range m.entries {
		if e.pos < pos && !e.finished {
			return false
		}
	}
	return true
}
