package xfer

import (
	"time"

	"go.cryptosync.io/xfer/modules"
)

// decryptState values.
const (
	decryptIdle int32 = iota
	decryptBusy
	decryptReady
)

// connection drives one of a TransferSlot's parallel HTTP requests
// through its lifecycle. It owns exactly one
// modules.HTTPRequest at a time.
type connection struct {
	index    int
	raidPart int // -1 if this is not a RAID connection

	req modules.HTTPRequest

	start, end int64  // byte range currently assigned
	pendingOut []byte // PUT: ciphertext queued to send

	// Worker-decrypt handoff. While decryptState is decryptBusy the
	// payload below is owned by the worker goroutine and the scheduler
	// must not touch it; the worker publishes its result by storing
	// decryptReady, which the scheduler polls on its next tick.
	decryptState int32
	plainBuf     []byte
	plainBounds  []int64
	plainMacs    []MacBlock

	// Outstanding async file write for a decrypted piece, polled each
	// tick. asyncRetried limits a retryable write failure to one restart.
	asyncWrite   <-chan modules.AsyncResult
	asyncRetried bool

	errorCount int

	retryAt   time.Time
	abandoned bool
	done      bool
	zeroSent  bool // the single empty PUT of a zero-byte upload went out
}

// tickOutcome reports what the slot should do after classifying a
// connection failure.
type tickOutcome struct {
	backoff           time.Duration
	overquota         bool
	needsURLRefresh   bool
	needsRaidRecovery bool
	fatal             error
}

// onFailure classifies an HTTP failure and reports its disposition.
func onFailure(status int, timeLeft time.Duration, raid bool, contentType string) tickOutcome {
	switch status {
	case 509:
		// Overquota pauses the transfer for the server-supplied window
		// (or a client default) and resumes automatically; it is not a
		// failure and does not count toward errorcount.
		backoff := modules.DefaultOverquotaBackoff
		if timeLeft > 0 {
			backoff = timeLeft
		}
		return tickOutcome{backoff: backoff, overquota: true}
	case 429:
		return tickOutcome{backoff: modules.RateLimitedBackoff}
	case 404:
		// The temporary URL expired; the slot refreshes its URL list and
		// retries, failing the transfer if no fresh list can be had.
		return tickOutcome{needsURLRefresh: true}
	case 403:
		return tickOutcome{needsRaidRecovery: true}
	case 503:
		if raid {
			// RAID falls through to recovery instead of backing off. The
			// asymmetry with the non-RAID branch below is intentional.
			return tickOutcome{needsRaidRecovery: true}
		}
		return tickOutcome{backoff: modules.NonRaidServiceUnavailableBackoff}
	default:
		// An implicit HTTPS upgrade shows up as an HTML body served for
		// what should have been a binary response.
		if contentType == "text/html" {
			return tickOutcome{fatal: modules.ErrEFailed}
		}
		return tickOutcome{fatal: modules.ErrEAgain}
	}
}
