package xfer

import (
	"encoding/binary"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/fastrand"
	nlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/threadgroup"
	"go.cryptosync.io/xfer/modules"
	"go.cryptosync.io/xfer/modules/xfer/xfercrypto"
)

// Config holds the scheduler-wide settings a Client is constructed
// with. An explicit struct threaded through construction, not
// package-level globals.
type Config struct {
	DefaultConnections int
	MemoryBudget       uint64
	UseAltDownPort     bool
	UseAltUpPort       bool

	// RefreshURLs fetches a fresh temporary URL list for t after the
	// storage server reports the current one expired mid-transfer. The
	// returned list must have the same part count as the original. When
	// nil, an expired URL fails the transfer.
	RefreshURLs func(t *Transfer) ([]string, error)
}

// slotEntry is a table row in the client's slot table. Slots and
// transfers refer to each other by table index, never by pointer
// cycle.
type slotEntry struct {
	slot     *TransferSlot
	transfer *Transfer
	urls     []string
	inUse    bool
}

// Client owns every active TransferSlot and Transfer, and is the single
// logical scheduler thread's entry point: all slot, transfer, and
// buffer state is mutated from Tick.
type Client struct {
	mu sync.Mutex

	cfg    Config
	cache  modules.Cache
	httpf  modules.HTTPRequestFactory
	filef  modules.FileAccessFactory
	deps   modules.Dependencies
	log    *nlog.Logger
	mem    *MemoryManager
	crypto *cryptoPool
	tg     threadgroup.ThreadGroup

	slots []slotEntry
}

// NewClient constructs a Client bound to its collaborators. log is a
// component-scoped logger owned by the caller.
func NewClient(cfg Config, cache modules.Cache, httpf modules.HTTPRequestFactory, filef modules.FileAccessFactory, log *nlog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		cache:  cache,
		httpf:  httpf,
		filef:  filef,
		deps:   modules.ProductionDependencies{},
		log:    log,
		mem:    NewMemoryManager(cfg.MemoryBudget),
		crypto: newCryptoPool(),
	}
}

// SetDependencies overrides the fault-injection hooks, for tests.
func (c *Client) SetDependencies(d modules.Dependencies) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps = d
}

// QueueTransfer adds t as an active slot once urls (its temporary URL
// list) are known, opening path for the transfer's local I/O, and
// returning the slot's index in the client's table. A fresh upload with
// no key yet assigned is given a random transferkey/ctriv; a resumed or
// download transfer keeps whatever key it already carries.
func (c *Client) QueueTransfer(t *Transfer, urls []string, path string) (int, error) {
	if err := c.tg.Add(); err != nil {
		return 0, err
	}
	defer c.tg.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Upload && t.TransferKey == ([16]byte{}) {
		fastrand.Read(t.TransferKey[:])
		var ivBuf [8]byte
		fastrand.Read(ivBuf[:])
		t.CTRIV = binary.BigEndian.Uint64(ivBuf[:])
	}

	cipher, err := xfercrypto.NewCipher(t.TransferKey)
	if err != nil {
		return 0, errors.AddContext(err, "failed to construct transfer cipher")
	}

	file := c.filef.NewFileAccess()
	existing := t.ProgressCompleted > 0
	if err := file.Open(path, !t.Upload, existing); err != nil {
		return 0, errors.AddContext(err, "failed to open transfer file")
	}

	useAlt := c.cfg.UseAltDownPort
	if t.Upload {
		useAlt = c.cfg.UseAltUpPort
	}
	if useAlt {
		urls = append([]string(nil), urls...)
		for i := range urls {
			urls[i] = rewriteAltPort(urls[i], true)
		}
	}

	// Reuse a free table row before growing the table.
	idx := -1
	for i := range c.slots {
		if !c.slots[i].inUse {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(c.slots)
		c.slots = append(c.slots, slotEntry{})
	}
	slot := NewTransferSlot(idx, idx, t, cipher, c.httpf, file, c.mem, c.crypto)
	if refresh := c.cfg.RefreshURLs; refresh != nil {
		tr := t
		slot.refreshURLs = func() ([]string, error) { return refresh(tr) }
	}
	t.slot = idx
	c.slots[idx] = slotEntry{slot: slot, transfer: t, urls: urls, inUse: true}

	if err := c.persist(t); err != nil {
		c.log.Println("failed to persist queued transfer:", err)
	}

	return idx, nil
}

// Tick services every active slot once. Completed or permanently failed
// slots are removed from the table; still-active slots remain. Returns
// the indices that finished this tick, alongside their terminal error
// (nil on success).
func (c *Client) Tick(now time.Time) map[int]error {
	c.mu.Lock()
	entries := make([]slotEntry, len(c.slots))
	copy(entries, c.slots)
	c.mu.Unlock()

	results := make(map[int]error)
	for i, e := range entries {
		if !e.inUse {
			continue
		}
		done, err := e.slot.Tick(now, e.urls, c.cfg.DefaultConnections)
		if !done {
			continue
		}
		results[i] = err
		c.finishSlot(i, err)
	}
	return results
}

func (c *Client) finishSlot(idx int, terminal error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx >= len(c.slots) || !c.slots[idx].inUse {
		return
	}
	e := c.slots[idx]
	e.inUse = false
	e.transfer.slot = -1
	c.slots[idx] = e

	if terminal == nil {
		c.log.Println("transfer completed", idx)
	} else {
		c.log.Println("transfer finished with error", idx, terminal)
	}

	if err := e.slot.Close(); err != nil {
		c.log.Println("failed to close transfer file:", err)
	}

	if err := c.persist(e.transfer); err != nil {
		c.log.Println("failed to persist finished transfer:", err)
	}
}

// CancelTransfer stops an active transfer: disconnect in-flight
// requests, discard in-flight crypto results, flush best-effort, and
// remove the slot.
func (c *Client) CancelTransfer(idx int, resume bool) error {
	c.mu.Lock()
	if idx >= len(c.slots) || !c.slots[idx].inUse {
		c.mu.Unlock()
		return nil
	}
	e := c.slots[idx]
	c.mu.Unlock()

	if err := e.slot.flush(); err != nil {
		c.log.Println("flush on cancel failed:", err)
	}
	if err := e.slot.Close(); err != nil {
		c.log.Println("failed to close transfer file:", err)
	}

	c.mu.Lock()
	e.inUse = false
	e.transfer.slot = -1
	c.slots[idx] = e
	c.mu.Unlock()

	if resume {
		return c.persist(e.transfer)
	}
	return c.cache.Delete(transferCacheKey(e.transfer))
}

// Stop waits for in-flight work and tears the client down.
func (c *Client) Stop() error {
	c.mem.Stop()
	err := c.crypto.Stop()
	return errors.Compose(err, c.tg.Stop())
}

func (c *Client) persist(t *Transfer) error {
	if c.deps.Disrupt("DisableTransferPersist") {
		return nil
	}
	data, err := t.Marshal()
	if err != nil {
		return errors.AddContext(err, "failed to marshal transfer")
	}
	return c.cache.Put(transferCacheKey(t), data)
}

// transferCacheKey derives the cache key for a Transfer from its
// identity fields: the file fingerprint (size, mtime, CRC) plus
// direction.
func transferCacheKey(t *Transfer) []byte {
	key := make([]byte, 0, 33)
	dir := byte(0)
	if t.Upload {
		dir = 1
	}
	key = append(key, dir)
	key = appendBE64(key, uint64(t.Size))
	if len(t.Files) > 0 {
		f := &t.Files[0]
		key = appendBE64(key, uint64(f.MTime))
		key = append(key, f.CRC[:]...)
	}
	return key
}

func appendBE64(b []byte, v uint64) []byte {
	for i := 56; i >= 0; i -= 8 {
		b = append(b, byte(v>>uint(i)))
	}
	return b
}

// Resume reloads every persisted transfer from cache, without
// reattaching URLs or a slot -- the caller is responsible for
// re-fetching temporary URLs and calling QueueTransfer for each one it
// wants to resume.
func (c *Client) Resume() ([]*Transfer, error) {
	var out []*Transfer
	err := c.cache.ForEach(func(key, value []byte) error {
		t, err := Unmarshal(value)
		if err != nil {
			return errors.AddContext(err, "failed to unmarshal cached transfer")
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
