package xfer

import (
	"sync"

	"go.cryptosync.io/xfer/modules"
)

// bufferedChunk is one decrypted (download) or plaintext-pending-encrypt
// (upload) chunk awaiting a local I/O round-trip.
type bufferedChunk struct {
	pos     int64
	data    []byte
	writing bool
}

// TransferBufferManager is the non-RAID buffer manager: it hands each connection its next byte range in increasing, non-
// overlapping order, holds decrypted/plaintext chunk data until the
// local file write (or read, for an upload) completes, and feeds
// completed chunk boundaries into a ChunkMacMap so contiguous progress
// and the final mac-of-macs can be computed.
//
// One TransferBufferManager is owned by exactly one TransferSlot.
type TransferBufferManager struct {
	mu sync.Mutex

	size     int64
	nextFree int64 // the next byte not yet claimed by any connection

	chunks map[int64]*bufferedChunk
	macs   *ChunkMacMap

	progress int64 // furthest contiguous, written, finished byte
}

// NewTransferBufferManager returns a buffer manager for a transfer of
// the given total size. start is the resume point (0 for a fresh
// transfer, progresscompleted for a resumed one): range allocation and
// contiguous progress begin there, so a resumed transfer only
// re-requests bytes in [start, size). macs is shared with the owning
// Transfer so chunks completed in a previous run still participate in
// the final mac-of-macs; pass nil for a fresh map.
func NewTransferBufferManager(size, start int64, macs *ChunkMacMap) *TransferBufferManager {
	if macs == nil {
		macs = NewChunkMacMap()
	}
	return &TransferBufferManager{
		size:     size,
		nextFree: start,
		progress: start,
		chunks:   make(map[int64]*bufferedChunk),
		macs:     macs,
	}
}

// NextFree returns the next byte offset not yet claimed by any
// connection; the Transfer's pending pos.
func (b *TransferBufferManager) NextFree() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextFree
}

// NextPosForConnection claims the next chunk-aligned byte range not yet
// assigned to any connection: whole chunks are added until the range
// reaches at least maxSize bytes or the end of the file, so a range can
// exceed maxSize by up to one chunk (a connection may be handed several
// consecutive chunks at once to amortize HTTP overhead).
// It returns ok=false once the whole file has
// been claimed.
func (b *TransferBufferManager) NextPosForConnection(maxSize int64) (start, end int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nextFree >= b.size {
		return 0, 0, false
	}

	start = b.nextFree
	pos := start
	for pos-start < maxSize && pos < b.size {
		pos = chunkCeil(pos, b.size)
	}
	end = pos
	b.nextFree = end
	return start, end, true
}

// Unclaim returns the most recently claimed range to the allocator so a
// failed local read can retry the same bytes without leaving a hole. It
// is a no-op unless [start, end) is still the newest claim.
func (b *TransferBufferManager) Unclaim(start, end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextFree == end {
		b.nextFree = start
	}
}

// SubmitBuffer records the decrypted/plaintext bytes for the range
// [pos, pos+len(data)) and inserts a ChunkMac entry for every chunk
// boundary this range completes. macs holds the running chunk MAC value at
// each boundary crossed within data; boundaries is the ordered list of
// chunk boundaries contained in (pos, pos+len(data)], with their MAC at
// that point -- supplied by the caller (the per-connection request
// handler), which is the one actually running the CBC-MAC as bytes
// arrive.
func (b *TransferBufferManager) SubmitBuffer(pos int64, data []byte, boundaries []int64, macs []MacBlock) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks[pos] = &bufferedChunk{pos: pos, data: data}
	for i, bound := range boundaries {
		b.macs.Insert(bound, macs[i])
	}
}

// OutputBufferPointer returns the buffered bytes at pos, for handing to
// a FileAccess.AsyncWrite/AsyncRead call, or nil if nothing is buffered
// there.
func (b *TransferBufferManager) OutputBufferPointer(pos int64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chunks[pos]
	if !ok {
		return nil
	}
	c.writing = true
	return c.data
}

// BufferWriteCompleted marks the local I/O for the chunk at pos done,
// releases its memory, marks every chunk boundary within it finished in
// the ChunkMacMap, and advances the contiguous-progress counter.
func (b *TransferBufferManager) BufferWriteCompleted(pos int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chunks[pos]
	if !ok {
		return
	}
	end := pos + int64(len(c.data))
	for p := pos; p < end; {
		next := chunkCeil(p, b.size)
		if next > end {
			break
		}
		b.macs.MarkFinished(next)
		p = next
	}
	delete(b.chunks, pos)
	b.progress = b.macs.AdvanceContiguous(b.progress, b.size)
}

// Progress returns the furthest contiguous, durably-written byte offset.
func (b *TransferBufferManager) Progress() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress
}

// Macs exposes the underlying ChunkMacMap so the owning slot can compute
// the final mac-of-macs once the transfer completes.
func (b *TransferBufferManager) Macs() *ChunkMacMap {
	return b.macs
}

// Done reports whether every byte of the transfer has been claimed,
// buffered, and written.
func (b *TransferBufferManager) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.progress >= b.size && len(b.chunks) == 0
}

// ConnectionsFor returns the connection count this transfer should use,
// deferring to the shared policy in modules.ConnectionCount.
func ConnectionsFor(size int64, raid bool, clientDefault int) int {
	return modules.ConnectionCount(uint64(size), raid, clientDefault)
}
