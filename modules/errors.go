package modules

import "gitlab.com/NebulousLabs/errors"

// Error kinds returned by the transfer engine. Each is a sentinel that
// callers classify with errors.Contains and extend with
// errors.AddContext; the dynamic part of the message (chunk offset, HTTP
// status, host) is never part of the sentinel itself so that
// classification stays stable across message wording changes.
var (
	// ErrEAgain marks a transient error: the scheduler should back off and
	// retry. It counts toward a slot's errorcount.
	ErrEAgain = errors.New("transient transfer error")

	// ErrEKey marks a MAC verification failure that survived legacy gap
	// recovery. It is fatal and the caller must clear chunkmacs before a
	// restart.
	ErrEKey = errors.New("mac verification failed")

	// ErrEOverquota marks an HTTP 509 response. The transfer is paused,
	// not failed, and resumes automatically after the quota window.
	ErrEOverquota = errors.New("bandwidth quota exceeded")

	// ErrERead marks a filesystem read failure while servicing a PUT.
	ErrERead = errors.New("local read failed")

	// ErrEWrite marks a filesystem write failure while servicing a GET.
	ErrEWrite = errors.New("local write failed")

	// ErrEInternal marks an invariant violation: a missing upload token, a
	// buffer manager programming error. Always fatal.
	ErrEInternal = errors.New("internal transfer engine error")

	// ErrEFailed marks any other server-reported error that isn't mapped
	// to a more specific kind above.
	ErrEFailed = errors.New("transfer failed")
)

// IsEAgain, IsEKey, etc. classify an error returned by the engine. They
// are nil-safe: a nil error matches nothing.
func IsEAgain(err error) bool     { return errors.Contains(err, ErrEAgain) }
func IsEKey(err error) bool       { return errors.Contains(err, ErrEKey) }
func IsEOverquota(err error) bool { return errors.Contains(err, ErrEOverquota) }
func IsERead(err error) bool      { return errors.Contains(err, ErrERead) }
func IsEWrite(err error) bool     { return errors.Contains(err, ErrEWrite) }
func IsEInternal(err error) bool  { return errors.Contains(err, ErrEInternal) }
func IsEFailed(err error) bool    { return errors.Contains(err, ErrEFailed) }
