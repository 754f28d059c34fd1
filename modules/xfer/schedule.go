package xfer

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"go.cryptosync.io/xfer/modules"
	"go.cryptosync.io/xfer/modules/xfer/xfercrypto"
)

// serviceConnection advances one connection by one scheduler step,
// dispatching to the RAID or linear (non-RAID) variant depending on the
// slot's transfer.
func (s *TransferSlot) serviceConnection(i int, now time.Time) error {
	c := &s.conns[i]
	if c.done || c.abandoned {
		return nil
	}
	if !c.retryAt.IsZero() && now.Before(c.retryAt) {
		return nil
	}

	url := ""
	if s.raid {
		if c.raidPart < len(s.urls) {
			url = s.urls[c.raidPart]
		}
		return s.serviceRaidConnection(c, now, url)
	}
	if len(s.urls) > 0 {
		url = s.urls[0]
	}
	return s.serviceLinearConnection(c, now, url)
}

// stepFailure implements the two-phase retry used by both linear and
// RAID connections: the first observation of HTTPFailure classifies the
// error and arms a backoff; once the backoff elapses, the same range is
// re-submitted with a fresh Prepare/Post round.
func (s *TransferSlot) stepFailure(c *connection, now time.Time, url string) error {
	if c.retryAt.IsZero() {
		return s.handleFailure(c, now)
	}
	if now.Before(c.retryAt) {
		return nil
	}
	c.retryAt = time.Time{}
	c.req.Prepare(url, c.start, c.end, c.pendingOut)
	return nil
}

// handleFailure classifies a freshly-observed HTTPFailure and arms the
// connection's retry/abandonment state.
func (s *TransferSlot) handleFailure(c *connection, now time.Time) error {
	status := c.req.HTTPStatus()
	raidConn := c.raidPart >= 0
	outcome := onFailure(status, c.req.TimeLeft(), raidConn, c.req.ContentType())

	if outcome.overquota {
		// Paused, not failed: arm the retry timer and leave errorcount
		// alone so the transfer resumes automatically after the window.
		c.retryAt = now.Add(outcome.backoff)
		return nil
	}

	c.errorCount++

	switch {
	case outcome.needsURLRefresh:
		s.errorCount++
		if err := s.refreshConnectionURLs(); err != nil {
			s.fatalErr = err
			return err
		}
		c.retryAt = now
		return nil

	case outcome.needsRaidRecovery:
		s.errorCount++
		if raidConn {
			s.abandonRaidConnection(c.raidPart)
			return nil
		}
		// Non-RAID 403: no RAID fallback exists, so the stale URL list is
		// refreshed the same way a 404 is.
		if err := s.refreshConnectionURLs(); err != nil {
			s.fatalErr = err
			return err
		}
		c.retryAt = now
		return nil

	case outcome.fatal != nil:
		if errors.Contains(outcome.fatal, modules.ErrEAgain) {
			// The alternative port applies to this slot's retry, and to
			// whatever attempt upstream schedules if the error count runs
			// out first.
			s.altPort = !s.altPort
			for i := range s.urls {
				s.urls[i] = rewriteAltPort(s.urls[i], s.altPort)
			}
			c.retryAt = now.Add(modules.RateLimitedBackoff)
		}
		return outcome.fatal

	default:
		s.errorCount++
		backoff := outcome.backoff
		if backoff < 0 {
			backoff = 0
		}
		c.retryAt = now.Add(backoff)
		return nil
	}
}

// refreshConnectionURLs replaces the slot's temporary URL list with a
// freshly fetched one, preserving the alternate-port state. Expired
// URLs are fatal when no refresher is configured or the refresher
// cannot supply a replacement list.
func (s *TransferSlot) refreshConnectionURLs() error {
	if s.refreshURLs == nil {
		return errors.AddContext(modules.ErrEFailed, "temporary url expired and no refresher is configured")
	}
	urls, err := s.refreshURLs()
	if err != nil {
		return errors.Compose(modules.ErrEFailed, err)
	}
	if len(urls) != len(s.urls) {
		return errors.AddContext(modules.ErrEFailed, "url refresh returned a mismatched part count")
	}
	for i := range urls {
		urls[i] = rewriteAltPort(urls[i], s.altPort)
	}
	s.urls = urls
	return nil
}

// abandonRaidConnection excludes part from future stripe
// reconstruction. Only one part may ever be abandoned per transfer; a
// second abandonment is fatal.
func (s *TransferSlot) abandonRaidConnection(part int) {
	if part < 0 || part >= len(s.conns) {
		return
	}
	c := &s.conns[part]
	if c.abandoned {
		return
	}
	if s.raidRecoveryUsed {
		s.fatalErr = modules.ErrEAgain
		return
	}
	s.raidRecoveryUsed = true
	c.abandoned = true
	c.done = true
	if c.req != nil {
		c.req.Close()
	}
	s.raidBuf.RecordPartError(part)
}

// --- non-RAID (linear) connection ---

func (s *TransferSlot) serviceLinearConnection(c *connection, now time.Time, url string) error {
	switch c.req.Status() {
	case modules.HTTPReady:
		return s.prepareLinearRange(c, url)

	case modules.HTTPPrepared:
		if err := c.req.Post(); err != nil {
			c.errorCount++
			s.errorCount++
			c.retryAt = now.Add(modules.RateLimitedBackoff)
		}
		return nil

	case modules.HTTPInflight:
		if d := c.req.LastData(); d.After(s.lastData) {
			s.lastData = d
		}
		return nil

	case modules.HTTPSuccess:
		return s.handleLinearSuccess(c, url, now)

	case modules.HTTPFailure:
		return s.stepFailure(c, now, url)
	}
	return nil
}

// prepareLinearRange claims the next byte range from the buffer manager
// and, for an upload, reads and encrypts the plaintext to send.
func (s *TransferSlot) prepareLinearRange(c *connection, url string) error {
	start, end, ok := s.buf.NextPosForConnection(s.maxReq)
	if !ok {
		// A zero-byte upload still issues exactly one PUT of length 0 to
		// obtain its upload token.
		if s.transfer.Upload && s.transfer.Size == 0 && len(s.transfer.UploadToken) == 0 && c.index == 0 && !c.zeroSent {
			c.zeroSent = true
			c.start, c.end, c.pendingOut = 0, 0, nil
			c.req.Prepare(url, 0, 0, nil)
			return nil
		}
		c.done = true
		return nil
	}
	var out []byte
	if s.transfer.Upload {
		n := int(end - start)
		if !s.mem.TryRequest(uint64(n)) {
			s.buf.Unclaim(start, end)
			return nil
		}
		plain := make([]byte, n)
		if _, err := s.file.Read(plain, start); err != nil {
			s.mem.Return(uint64(n))
			s.buf.Unclaim(start, end)
			return errors.AddContext(modules.ErrERead, err.Error())
		}
		boundaries, macs := s.chunkMacsFor(start, plain)
		s.cipher.XORKeyStream(s.transfer.CTRIV, start, plain)
		s.buf.SubmitBuffer(start, plain, boundaries, macs)
		out = plain
	}
	c.start, c.end = start, end
	s.transfer.Pos = s.buf.NextFree()
	c.pendingOut = out
	c.req.Prepare(url, start, end, out)
	return nil
}

// handleLinearSuccess processes a completed GET or PUT round: for a GET
// it decrypts and writes the received ciphertext; for a PUT it checks
// for an upload token and marks the already-submitted range finished.
func (s *TransferSlot) handleLinearSuccess(c *connection, url string, now time.Time) error {
	c.errorCount = 0
	s.errorCount = 0
	s.lastData = now

	if s.transfer.Upload {
		if body := c.req.Body(); len(body) > 0 {
			token, err := xfercrypto.ParseUploadToken(body)
			if err != nil {
				// A short numeric body is a server-reported error code,
				// anything else is a protocol violation.
				if _, nerr := strconv.Atoi(strings.TrimSpace(string(body))); nerr == nil {
					return modules.ErrEFailed
				}
				return modules.ErrEInternal
			}
			s.transfer.UploadToken = token
		}
		s.speed.ReportUploaded(int(c.end - c.start))
		s.buf.BufferWriteCompleted(c.start)
		s.mem.Return(uint64(c.end - c.start))
		c.pendingOut = nil
	} else {
		if c.asyncWrite != nil {
			return s.pollAsyncWrite(c, url)
		}
		switch atomic.LoadInt32(&c.decryptState) {
		case decryptIdle:
			body := c.req.Body()
			n := len(body)
			if !s.mem.TryRequest(uint64(n)) {
				// Budget exhausted: leave the body buffered in the request
				// and try again once another piece returns its memory.
				return nil
			}
			plain := append([]byte(nil), body...)
			if n < modules.InlineCryptoThreshold {
				s.cipher.XORKeyStream(s.transfer.CTRIV, c.start, plain)
				boundaries, macs := s.chunkMacsFor(c.start, plain)
				return s.finishLinearPiece(c, url, plain, boundaries, macs)
			}
			// A full chunk or more: decrypt on the worker pool. The piece
			// is owned by the worker until it publishes decryptReady.
			atomic.StoreInt32(&c.decryptState, decryptBusy)
			s.markDecryptStart()
			start := c.start
			s.crypto.Submit(func() {
				s.cipher.XORKeyStream(s.transfer.CTRIV, start, plain)
				bounds, macs := s.chunkMacsFor(start, plain)
				c.plainBuf, c.plainBounds, c.plainMacs = plain, bounds, macs
				atomic.StoreInt32(&c.decryptState, decryptReady)
				s.markDecryptDone()
			})
			return nil

		case decryptBusy:
			return nil

		case decryptReady:
			plain, bounds, macs := c.plainBuf, c.plainBounds, c.plainMacs
			c.plainBuf, c.plainBounds, c.plainMacs = nil, nil, nil
			atomic.StoreInt32(&c.decryptState, decryptIdle)
			return s.finishLinearPiece(c, url, plain, bounds, macs)
		}
	}

	return s.prepareLinearRange(c, url)
}

// finishLinearPiece takes a decrypted download piece through the write
// path: buffer it, write it to the partial file (asynchronously when
// the file handle supports it), advance contiguous progress, and claim
// the connection's next range.
func (s *TransferSlot) finishLinearPiece(c *connection, url string, plain []byte, boundaries []int64, macs []MacBlock) error {
	n := len(plain)
	s.buf.SubmitBuffer(c.start, plain, boundaries, macs)
	if s.file.AsyncAvailable() {
		c.asyncRetried = false
		c.asyncWrite = s.file.AsyncWrite(s.buf.OutputBufferPointer(c.start), c.start)
		return nil
	}
	if _, err := s.file.Write(plain, c.start); err != nil {
		// The piece stays buffered (and keeps its memory reservation) so
		// the destruction flush can retry the write; see flush.
		return errors.AddContext(modules.ErrEWrite, err.Error())
	}
	s.speed.ReportDownloaded(n)
	s.buf.BufferWriteCompleted(c.start)
	s.mem.Return(uint64(n))
	return s.prepareLinearRange(c, url)
}

// pollAsyncWrite checks a connection's outstanding async file write. A
// retryable failure restarts the write once; any other failure fails
// the transfer with EWRITE. Completion releases the piece and claims
// the connection's next range.
func (s *TransferSlot) pollAsyncWrite(c *connection, url string) error {
	select {
	case res := <-c.asyncWrite:
		if res.Failed {
			if res.Retry && !c.asyncRetried {
				c.asyncRetried = true
				c.asyncWrite = s.file.AsyncWrite(s.buf.OutputBufferPointer(c.start), c.start)
				return nil
			}
			c.asyncWrite = nil
			msg := "async write failed"
			if res.Err != nil {
				msg = res.Err.Error()
			}
			return errors.AddContext(modules.ErrEWrite, msg)
		}
		c.asyncWrite = nil
		n := int(c.end - c.start)
		s.speed.ReportDownloaded(n)
		s.buf.BufferWriteCompleted(c.start)
		s.mem.Return(uint64(n))
		return s.prepareLinearRange(c, url)
	default:
		return nil
	}
}

// chunkMacsFor computes the chunk MAC at every chunk boundary contained
// in the range [start, start+len(data)), which is always itself
// chunk-aligned on both ends (NextPosForConnection only ever returns
// ranges that end on a chunk boundary).
func (s *TransferSlot) chunkMacsFor(start int64, data []byte) ([]int64, []MacBlock) {
	size := s.transfer.Size
	var bounds []int64
	var macs []MacBlock

	end := start + int64(len(data))
	p := start
	for p < end {
		next := chunkCeil(p, size)
		if next > end {
			next = end
		}
		cm := xfercrypto.NewChunkMAC(s.cipher)
		cm.Write(data[p-start : next-start])
		bounds = append(bounds, next)
		macs = append(macs, cm.Sum())
		p = next
	}
	return bounds, macs
}

// --- RAID connection ---

func (s *TransferSlot) serviceRaidConnection(c *connection, now time.Time, url string) error {
	switch c.req.Status() {
	case modules.HTTPReady:
		return s.prepareRaidRange(c, url)

	case modules.HTTPPrepared:
		if err := c.req.Post(); err != nil {
			c.errorCount++
			s.errorCount++
			c.retryAt = now.Add(modules.RateLimitedBackoff)
		}
		return nil

	case modules.HTTPInflight:
		if d := c.req.LastData(); d.After(s.lastData) {
			s.lastData = d
		}
		if now.Sub(c.req.LastData()) > modules.XferTimeout/2 {
			s.abandonRaidConnection(c.raidPart)
		}
		return nil

	case modules.HTTPSuccess:
		return s.handleRaidSuccess(c, url, now)

	case modules.HTTPFailure:
		return s.stepFailure(c, now, url)
	}
	return nil
}

// prepareRaidRange claims the next batch of stripe lines for this part's
// own byte-addressed stream: each line is modules.RaidParityBytesPerLine
// (16) bytes of that part's content.
func (s *TransferSlot) prepareRaidRange(c *connection, url string) error {
	lineCount := s.raidBuf.lineCount()
	cur := s.raidLineCursor[c.raidPart]
	if cur >= lineCount {
		c.done = true
		return nil
	}

	batch := s.maxReq / modules.RaidParityBytesPerLine
	if batch < 1 {
		batch = 1
	}
	if remaining := lineCount - cur; batch > remaining {
		batch = remaining
	}

	c.start = cur * modules.RaidParityBytesPerLine
	c.end = (cur + batch) * modules.RaidParityBytesPerLine
	c.req.Prepare(url, c.start, c.end, nil)
	return nil
}

// handleRaidSuccess submits every shard this round delivered, then drains
// as many contiguous reconstructed stripe lines as are ready.
func (s *TransferSlot) handleRaidSuccess(c *connection, url string, now time.Time) error {
	c.errorCount = 0
	s.errorCount = 0
	s.lastData = now

	body := c.req.Body()
	s.speed.ReportDownloaded(len(body))
	startLine := c.start / modules.RaidParityBytesPerLine
	n := (c.end - c.start) / modules.RaidParityBytesPerLine

	for k := int64(0); k < n; k++ {
		lo, hi := k*modules.RaidParityBytesPerLine, (k+1)*modules.RaidParityBytesPerLine
		if hi > int64(len(body)) {
			break
		}
		shard := append([]byte(nil), body[lo:hi]...)
		if err := s.raidBuf.SubmitShard(c.raidPart, startLine+k, shard); err != nil {
			return errors.AddContext(modules.ErrEInternal, err.Error())
		}
		s.raidLineCursor[c.raidPart] = startLine + k + 1
	}

	s.drainRaidLines()

	return s.prepareRaidRange(c, url)
}

// drainRaidLines reconstructs every contiguous stripe line starting at
// raidNextLine that now has enough shards, decrypts the recovered
// ciphertext, and feeds the plaintext through the running chunk MAC and
// to the file in strictly ascending file-offset order.
// On a resumed transfer the first line may straddle the resume point;
// bytes below it were already written and MAC'd in a previous run and
// are trimmed off.
func (s *TransferSlot) drainRaidLines() {
	size := s.transfer.Size
	for {
		offset := s.raidNextLine * modules.RaidDataBytesPerLine
		if offset >= size {
			break
		}
		line, ready, err := s.raidBuf.LineReady(s.raidNextLine)
		if err != nil || !ready {
			break
		}
		if offset+int64(len(line)) > size {
			line = line[:size-offset]
		}
		s.cipher.XORKeyStream(s.transfer.CTRIV, offset, line)
		pos := offset
		if pos < s.raidChunkStart {
			skip := s.raidChunkStart - pos
			if skip >= int64(len(line)) {
				s.raidNextLine++
				continue
			}
			line = line[skip:]
			pos = s.raidChunkStart
		}
		if _, err := s.file.Write(line, pos); err != nil {
			s.errorCount++
			break
		}
		s.feedRaidPlaintext(pos, line)
		s.raidNextLine++
	}
}

// feedRaidPlaintext folds newly-written plaintext (which always arrives
// contiguously, immediately following whatever feedRaidPlaintext has
// already consumed) into the running per-chunk MAC, splitting a stripe
// line's bytes across a chunk boundary when one falls in the middle of
// it -- stripe lines (80 bytes) and chunk boundaries (131072-aligned,
// then 1 MiB-aligned) do not share a common alignment.
func (s *TransferSlot) feedRaidPlaintext(offset int64, data []byte) {
	size := s.transfer.Size
	pos := offset
	for len(data) > 0 {
		next := chunkCeil(pos, size)
		avail := next - pos
		take := int64(len(data))
		if take > avail {
			take = avail
		}
		s.raidChunkMAC.Write(data[:take])
		pos += take
		data = data[take:]
		if pos >= next {
			mac := s.raidChunkMAC.Sum()
			s.raidBuf.MarkLineFinished([]int64{next}, []MacBlock{mac})
			s.raidChunkMAC = xfercrypto.NewChunkMAC(s.cipher)
			s.raidChunkStart = next
		}
	}
	s.transfer.Pos = pos
}
