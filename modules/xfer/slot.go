package xfer

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/demotemutex"
	"gitlab.com/NebulousLabs/errors"
	"go.cryptosync.io/xfer/modules"
	"go.cryptosync.io/xfer/modules/xfer/xfercrypto"
)

// TransferSlot is the runtime bundle driving one active Transfer: its
// connections, buffers, file handle, timers, and the RAID-recovery
// state machine. Exactly one slot exists per active transfer at a
// time.
type TransferSlot struct {
	// mu guards fields read by both the scheduler tick and the
	// destruction-flush path; demotemutex panics on accidental recursive
	// locking in debug builds.
	mu demotemutex.DemoteMutex

	index       int
	transferIdx int
	transfer    *Transfer
	connections uint // negotiated connection count
	raid        bool

	cipher *xfercrypto.Cipher

	buf     *TransferBufferManager
	raidBuf *RaidBufferManager

	conns []connection

	httpf modules.HTTPRequestFactory
	file  modules.FileAccess
	urls  []string

	// refreshURLs fetches a replacement temporary URL list after the
	// server reports the current one expired (404, non-RAID 403). Nil
	// when the owning client has no refresher, which makes expiry fatal.
	refreshURLs func() ([]string, error)

	maxReq int64

	speed  *SpeedTracker
	mem    *MemoryManager
	crypto *cryptoPool

	errorCount int
	fatalErr   error
	lastData   time.Time
	altPort    bool

	raidRecoveryUsed bool
	raidLineCursor   [modules.RaidParts]int64
	raidNextLine     int64
	raidChunkMAC     *xfercrypto.ChunkMAC
	raidChunkStart   int64

	connectionsCreated bool

	destroyed bool

	flushCond       *sync.Cond
	flushMu         sync.Mutex
	decryptingCount int
}

// NewTransferSlot constructs a slot for transfer t, not yet negotiating
// connections (that happens lazily on the first tick, once urls is
// known).
func NewTransferSlot(index, transferIdx int, t *Transfer, cipher *xfercrypto.Cipher, httpf modules.HTTPRequestFactory, file modules.FileAccess, mem *MemoryManager, crypto *cryptoPool) *TransferSlot {
	s := &TransferSlot{
		index:       index,
		transferIdx: transferIdx,
		transfer:    t,
		cipher:      cipher,
		httpf:       httpf,
		file:        file,
		mem:         mem,
		crypto:      crypto,
		speed:       NewSpeedTracker(),
	}
	s.flushCond = sync.NewCond(&s.flushMu)
	return s
}

// negotiateConnections picks the connection count and allocates the
// buffer manager lazily, on the first tick where urls are known. A
// resumed transfer picks up from its persisted progresscompleted: the
// buffer manager starts its range allocation there and shares the
// transfer's ChunkMacMap so earlier chunks still participate in the
// final mac-of-macs.
func (s *TransferSlot) negotiateConnections(urls []string, clientDefault int) error {
	if s.connectionsCreated {
		return nil
	}
	s.urls = append([]string(nil), urls...)
	s.raid = len(urls) == modules.RaidParts
	n := modules.ConnectionCount(uint64(s.transfer.Size), s.raid, clientDefault)
	s.connections = uint(n)
	s.maxReq = int64(maxRequestSize(s.transfer.Size, s.mem.capacity))
	if s.maxReq <= 0 {
		s.maxReq = modules.ChunkPlateauSize
	}

	resume := s.transfer.ProgressCompleted
	if s.raid {
		rb, err := NewRaidBufferManager(s.transfer.Size, resume, s.transfer.ChunkMacs)
		if err != nil {
			return errors.AddContext(err, "failed to build raid buffer manager")
		}
		s.raidBuf = rb
		s.raidChunkMAC = xfercrypto.NewChunkMAC(s.cipher)
		s.raidChunkStart = resume
		s.raidNextLine = resume / modules.RaidDataBytesPerLine
		for i := range s.raidLineCursor {
			s.raidLineCursor[i] = s.raidNextLine
		}
	} else {
		s.buf = NewTransferBufferManager(s.transfer.Size, resume, s.transfer.ChunkMacs)
	}

	s.conns = make([]connection, n)
	for i := range s.conns {
		s.conns[i] = connection{index: i, raidPart: -1}
		if s.raid {
			s.conns[i].raidPart = i
		}
		if s.transfer.Upload {
			s.conns[i].req = s.httpf.NewUploadRequest()
		} else {
			s.conns[i].req = s.httpf.NewDownloadRequest()
		}
	}
	s.connectionsCreated = true
	return nil
}

// Tick runs one scheduler pass over the slot. done reports that the
// transfer reached a terminal state this tick: completed successfully
// when err is nil, failed otherwise.
func (s *TransferSlot) Tick(now time.Time, urls []string, clientDefault int) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connectionsCreated {
		if err := s.negotiateConnections(urls, clientDefault); err != nil {
			return true, err
		}
	}

	if s.fatalErr != nil {
		return true, s.fatalErr
	}
	if s.errorCount >= modules.MaxErrorCount {
		return true, modules.ErrEFailed
	}

	if s.progress() >= s.transfer.Size && (!s.transfer.Upload || len(s.transfer.UploadToken) > 0) {
		return true, s.complete()
	}

	anyInflight := false
	for i := range s.conns {
		c := &s.conns[i]
		if err := s.serviceConnection(i, now); err != nil {
			s.errorCount++
			if s.errorCount >= modules.MaxErrorCount {
				return true, err
			}
		}
		if s.fatalErr != nil {
			return true, s.fatalErr
		}
		if c.req != nil && c.req.Status() == modules.HTTPInflight {
			anyInflight = true
		}
	}

	if s.raid && !s.raidRecoveryUsed {
		// The detector is only trusted when the lagging connection really
		// is in flight and has gone quiet; a part that is merely a tick
		// behind the others must not burn the single recovery switch.
		if slowest := s.raidBuf.DetectSlowestPart(); slowest >= 0 {
			c := &s.conns[slowest]
			if c.req != nil && c.req.Status() == modules.HTTPInflight && now.Sub(c.req.LastData()) > modules.XferTimeout/4 {
				s.abandonRaidConnection(slowest)
			}
		}
	}

	if !s.lastData.IsZero() && now.Sub(s.lastData) >= modules.XferTimeout {
		if !anyInflight {
			return true, modules.ErrEAgain
		}
		s.altPort = !s.altPort
		for i := range s.urls {
			s.urls[i] = rewriteAltPort(s.urls[i], s.altPort)
		}
		s.lastData = now
		for i := range s.conns {
			c := &s.conns[i]
			if c.req != nil && c.req.Status() == modules.HTTPInflight {
				c.req.Close()
				url := s.urls[0]
				if s.raid && c.raidPart < len(s.urls) {
					url = s.urls[c.raidPart]
				}
				c.req.Prepare(url, c.start, c.end, c.pendingOut)
			}
		}
	}

	s.transfer.ProgressCompleted = s.progress()
	return false, nil
}

// progress returns the slot's current contiguous-progress value,
// RAID-aware.
func (s *TransferSlot) progress() int64 {
	if s.raid {
		return s.raidBuf.Progress()
	}
	return s.buf.Progress()
}

// macs returns the slot's ChunkMacMap, RAID-aware.
func (s *TransferSlot) macs() *ChunkMacMap {
	if s.raid {
		return s.raidBuf.Macs()
	}
	return s.buf.Macs()
}

// macFold adapts the cipher's single-block encryption to the
// ChunkMacMap fold hook, bridging the map's cipher-agnostic MacBlock
// type to the crypto package's raw arrays.
func macFold(c *xfercrypto.Cipher) BlockEncrypter {
	enc := c.MacOfMacsEncrypter()
	return func(in MacBlock) MacBlock {
		return MacBlock(enc([16]byte(in)))
	}
}

// complete runs the integrity check (GET) or key finalization (PUT)
// once progresscompleted == size.
func (s *TransferSlot) complete() error {
	enc := macFold(s.cipher)

	if s.transfer.Upload {
		s.transfer.MetaMac = s.macs().MacsMac(enc)
		return nil
	}

	got := s.macs().MacsMac(enc)
	if got == s.transfer.MetaMac {
		return nil
	}

	bounds := chunkBoundaries(s.transfer.Size)
	if recovered, ok := checkMetaMacWithMissingLateEntries(s.macs(), enc, bounds, s.transfer.MetaMac); ok {
		s.transfer.MetaMac = recovered
		return nil
	}

	s.macs().Clear()
	return modules.ErrEKey
}

// flush performs the best-effort teardown flush: disconnect, wait
// (bounded) for outstanding crypto work, drain
// buffered output synchronously to the on-disk partial, and leave
// transfer.ProgressCompleted at wherever that landed.
func (s *TransferSlot) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}
	s.destroyed = true

	for i := range s.conns {
		if s.conns[i].req != nil {
			s.conns[i].req.Close()
		}
	}

	// Bounded wait for outstanding worker decryption. If the deadline
	// fires first the pieces still in flight are simply discarded; the
	// waiter goroutine drains on its own once the worker signals.
	waitCh := make(chan struct{})
	go func() {
		s.flushMu.Lock()
		for s.decryptingCount > 0 {
			s.flushCond.Wait()
		}
		s.flushMu.Unlock()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(modules.FlushDecryptTimeout):
	}

	if !s.raid && s.buf != nil {
		for pos, c := range s.buf.chunks {
			if c.writing {
				continue
			}
			if !s.transfer.Upload {
				if _, err := s.file.Write(c.data, pos); err != nil {
					return errors.AddContext(modules.ErrEWrite, err.Error())
				}
				s.buf.BufferWriteCompleted(pos)
			}
			s.mem.Return(uint64(len(c.data)))
		}
		s.transfer.ProgressCompleted = s.progress()
	}

	return nil
}

// markDecryptStart/markDecryptDone bracket a worker-pool crypto job so
// flush knows how long to wait for outstanding work.
func (s *TransferSlot) markDecryptStart() {
	s.flushMu.Lock()
	s.decryptingCount++
	s.flushMu.Unlock()
}

func (s *TransferSlot) markDecryptDone() {
	s.flushMu.Lock()
	s.decryptingCount--
	s.flushCond.Broadcast()
	s.flushMu.Unlock()
}

// Close releases the slot's file handle. Safe to call after flush or on
// a slot that never negotiated connections.
func (s *TransferSlot) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
