// Package cachedb is the production modules.Cache implementation: a
// bolt key/value store fronted by a write-ahead log, so that a crash
// between "bytes written to the partial file" and "chunk mac recorded
// in the cache" cannot silently revert progresscompleted.
package cachedb

import (
	"path/filepath"

	bolt "gitlab.com/NebulousLabs/bolt"
	"gitlab.com/NebulousLabs/errors"
	"gitlab.com/NebulousLabs/writeaheadlog"
)

var bucketName = []byte("transfers")

const updateNamePut = "cachedb put"

// DB is a durable modules.Cache backed by bolt, with writes staged
// through a write-ahead log so a crash mid-write cannot leave the bolt
// file and the engine's in-memory state disagreeing about what was
// durably persisted.
type DB struct {
	bolt *bolt.DB
	wal  *writeaheadlog.WAL
}

type putPayload struct {
	Key   []byte
	Value []byte
}

// Open opens (creating if necessary) a cache database rooted at dir.
func Open(dir string) (*DB, error) {
	boltPath := filepath.Join(dir, "transfers.db")
	walPath := filepath.Join(dir, "transfers.wal")

	bdb, err := bolt.Open(boltPath, 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "failed to open bolt db")
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, errors.AddContext(err, "failed to create bucket")
	}

	txns, wal, err := writeaheadlog.New(walPath)
	if err != nil {
		bdb.Close()
		return nil, errors.AddContext(err, "failed to open write-ahead log")
	}
	db := &DB{bolt: bdb, wal: wal}
	if err := db.recoverTransactions(txns); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// recoverTransactions replays any WAL transactions left incomplete by a
// prior crash, applying them to bolt before normal operation resumes.
func (db *DB) recoverTransactions(txns []*writeaheadlog.Transaction) error {
	for _, txn := range txns {
		for _, u := range txn.Updates {
			if u.Name != updateNamePut {
				continue
			}
			p, err := decodePutPayload(u.Instructions)
			if err != nil {
				return err
			}
			if err := db.boltPut(p.Key, p.Value); err != nil {
				return err
			}
		}
		if err := txn.SignalUpdatesApplied(); err != nil {
			return err
		}
	}
	return nil
}

// Put writes key/value durably: the update is appended to the WAL,
// applied to bolt, and only then signaled complete -- satisfying
// modules.Cache's "Put must be durable before returning" contract.
func (db *DB) Put(key, value []byte) error {
	payload := encodePutPayload(putPayload{Key: key, Value: value})
	update := writeaheadlog.Update{Name: updateNamePut, Instructions: payload}

	txn, err := db.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		return errors.AddContext(err, "failed to start wal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		return errors.AddContext(err, "failed to commit wal transaction")
	}
	if err := db.boltPut(key, value); err != nil {
		return err
	}
	return txn.SignalUpdatesApplied()
}

func (db *DB) boltPut(key, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

// Get looks up key.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Delete removes key.
func (db *DB) Delete(key []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// ForEach iterates every stored entry.
func (db *DB) ForEach(fn func(key, value []byte) error) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(fn)
	})
}

// Close releases the bolt and WAL handles.
func (db *DB) Close() error {
	walErr := db.wal.Close()
	boltErr := db.bolt.Close()
	if walErr != nil {
		return walErr
	}
	return boltErr
}

// encodePutPayload/decodePutPayload use a minimal length-prefixed format
// rather than pulling in a generic encoder for a two-field struct.
func encodePutPayload(p putPayload) []byte {
	out := make([]byte, 0, 8+len(p.Key)+len(p.Value))
	out = appendUint32(out, uint32(len(p.Key)))
	out = append(out, p.Key...)
	out = appendUint32(out, uint32(len(p.Value)))
	out = append(out, p.Value...)
	return out
}

func decodePutPayload(b []byte) (putPayload, error) {
	var p putPayload
	klen, b, err := readUint32(b)
	if err != nil {
		return p, err
	}
	if len(b) < int(klen) {
		return p, errors.New("wal payload truncated")
	}
	p.Key, b = b[:klen], b[klen:]

	vlen, b, err := readUint32(b)
	if err != nil {
		return p, err
	}
	if len(b) < int(vlen) {
		return p, errors.New("wal payload truncated")
	}
	p.Value = b[:vlen]
	return p, nil
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("wal payload truncated")
	}
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return v, b[4:], nil
}
