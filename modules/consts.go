package modules

import "time"

const (
	// RaidParts is the number of storage parts a RAID download fans out
	// to; five data/parity lines plus one XOR-recoverable spare.
	RaidParts = 6

	// RaidMinParts is the number of parts that suffice to reconstruct a
	// stripe once one part is lost or abandoned.
	RaidMinParts = 5

	// RaidDataBytesPerLine is the amount of plaintext covered by one
	// stripe line across the five data/parity parts (5 * 16-byte cipher
	// blocks).
	RaidDataBytesPerLine = 5 * 16

	// RaidParityBytesPerLine is the size of the sixth, parity, part's
	// contribution to one stripe line.
	RaidParityBytesPerLine = 16

	// SmallFileThreshold is the size below which a transfer uses a single
	// connection regardless of the client's configured connection count.
	SmallFileThreshold = 128 * 1024

	// DefaultConnections is the client-wide parallel connection count used
	// for non-RAID transfers at or above SmallFileThreshold.
	DefaultConnections = 4

	// ChunkPlateauSize is the chunk size the geometric chunk progression
	// plateaus at.
	ChunkPlateauSize = 1 << 20 // 1 MiB

	// ChunkUnit is the base unit of the geometric chunk progression.
	ChunkUnit = 128 * 1024 // 131072

	// CipherBlockSize is the AES block size in bytes; chunk MACs are
	// computed over whole blocks, zero-padding only the final partial
	// block of the file.
	CipherBlockSize = 16

	// TransferKeySize is the size in bytes of a transfer's symmetric key.
	TransferKeySize = 16

	// FileKeySize is the size in bytes of the combined file key sent to
	// the cloud on upload completion: transferkey || ctriv || metamac.
	FileKeySize = 32

	// UploadTokenLength is the length of a current-format upload token.
	UploadTokenLength = 36

	// LegacyUploadTokenDecodedLength is the decoded length of a legacy,
	// base64-encoded upload token.
	LegacyUploadTokenDecodedLength = 27

	// AltPort is appended to the host of an http:// temporary URL when the
	// client toggles the alternative-port flag.
	AltPort = ":8080"

	// MaxErrorCount is the number of accumulated connection errors on a
	// slot after which the transfer is aborted.
	MaxErrorCount = 5

	// XferTimeout is the maximum time a slot may go without receiving any
	// data before it toggles the alternate port and retries, or fails.
	XferTimeout = 60 * time.Second

	// ProgressTimeout is the maximum time between progress callbacks.
	ProgressTimeout = time.Second

	// DefaultOverquotaBackoff is used when a 509 response does not supply
	// a timeleft hint.
	DefaultOverquotaBackoff = 10 * time.Minute

	// RateLimitedBackoff is the backoff applied to an HTTP 429.
	RateLimitedBackoff = 500 * time.Millisecond

	// NonRaidServiceUnavailableBackoff is the backoff applied to a
	// non-RAID HTTP 503. RAID requests never use it: a RAID 503 falls
	// through to part recovery instead of backing off, and the asymmetry
	// is intentional.
	NonRaidServiceUnavailableBackoff = 5 * time.Second

	// RaidSlowDetectThreshold is how far (in stripe lines) the other five
	// RAID connections must outrun the slowest before it is flagged.
	RaidSlowDetectThreshold = 4

	// InlineCryptoThreshold is the piece size below which decryption runs
	// inline on the scheduler thread; pieces of at least a full chunk are
	// handed to a worker goroutine instead.
	InlineCryptoThreshold = 64 * 1024

	// FlushDecryptTimeout bounds the wait for in-flight crypto work during
	// the best-effort destruction flush. A worker that hasn't finished by
	// this deadline has its piece discarded rather than blocking shutdown
	// forever.
	FlushDecryptTimeout = 2 * time.Second

	// LateGapMaxWindowChunks bounds how many trailing chunks
	// checkMetaMacWithMissingLateEntries scans for a single-gap
	// candidate.
	LateGapMaxWindowChunks = 96

	// LateGapMaxLen1 bounds the length, in chunks, of a single-gap
	// candidate.
	LateGapMaxLen1 = 64

	// TwoGapMaxWindowChunks bounds how many trailing chunks
	// checkMetaMacWithMissingLateEntries scans for a two-gap candidate.
	TwoGapMaxWindowChunks = 40

	// TwoGapMaxLen bounds the length, in chunks, of each of the two gaps
	// in a two-gap candidate.
	TwoGapMaxLen = 16
)

// ConnectionCount returns the number of parallel connections a transfer
// of the given size and RAID-ness should use: always six for RAID, one
// for small files, the client-wide setting otherwise.
func ConnectionCount(size uint64, raid bool, clientDefault int) int {
	if raid {
		return RaidParts
	}
	if size < SmallFileThreshold {
		return 1
	}
	if clientDefault <= 0 {
		return DefaultConnections
	}
	return clientDefault
}
