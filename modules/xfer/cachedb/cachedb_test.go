package cachedb

import (
	"bytes"
	"os"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
	"go.cryptosync.io/xfer/build"
)

func testDB(t *testing.T) (*DB, string) {
	t.Helper()
	dir := build.TempDir("cachedb", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("failed to open cache db: %v", err)
	}
	return db, dir
}

func TestCacheDBPutGetDelete(t *testing.T) {
	db, _ := testDB(t)
	defer db.Close()

	key := []byte("transfer-1")
	value := fastrand.Bytes(120)

	if _, ok, err := db.Get(key); err != nil || ok {
		t.Fatalf("expected missing key before put: ok=%v err=%v", ok, err)
	}
	if err := db.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, ok, err := db.Get(key)
	if err != nil || !ok {
		t.Fatalf("get after put failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatal("stored value does not round-trip")
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := db.Get(key); ok {
		t.Fatal("key still present after delete")
	}
}

func TestCacheDBPersistsAcrossReopen(t *testing.T) {
	db, dir := testDB(t)

	key := []byte("transfer-2")
	value := fastrand.Bytes(64)
	if err := db.Put(key, value); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close()

	got, ok, err := db2.Get(key)
	if err != nil || !ok {
		t.Fatalf("get after reopen failed: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatal("value lost across reopen")
	}
}

func TestCacheDBForEach(t *testing.T) {
	db, _ := testDB(t)
	defer db.Close()

	want := map[string][]byte{
		"a": fastrand.Bytes(8),
		"b": fastrand.Bytes(8),
		"c": fastrand.Bytes(8),
	}
	for k, v := range want {
		if err := db.Put([]byte(k), v); err != nil {
			t.Fatalf("put %q failed: %v", k, err)
		}
	}

	seen := 0
	err := db.ForEach(func(k, v []byte) error {
		seen++
		if !bytes.Equal(want[string(k)], v) {
			t.Fatalf("unexpected value for key %q", k)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("foreach failed: %v", err)
	}
	if seen != len(want) {
		t.Fatalf("foreach visited %d entries, want %d", seen, len(want))
	}
}

func TestCacheDBPayloadRoundTrip(t *testing.T) {
	p := putPayload{Key: fastrand.Bytes(17), Value: fastrand.Bytes(301)}
	got, err := decodePutPayload(encodePutPayload(p))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got.Key, p.Key) || !bytes.Equal(got.Value, p.Value) {
		t.Fatal("wal payload does not round-trip")
	}

	if _, err := decodePutPayload([]byte{1, 2}); err == nil {
		t.Fatal("expected truncated payload to be rejected")
	}
}
