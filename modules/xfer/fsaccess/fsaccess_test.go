package fsaccess

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gitlab.com/NebulousLabs/fastrand"
	"go.cryptosync.io/xfer/build"
)

func testPath(t *testing.T) string {
	t.Helper()
	dir := build.TempDir("fsaccess", t.Name())
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("failed to create test dir: %v", err)
	}
	return filepath.Join(dir, "file.bin")
}

func TestFileAccessSyncRoundTrip(t *testing.T) {
	fa := Factory{}.NewFileAccess()
	if err := fa.Open(testPath(t), true, false); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer fa.Close()

	data := fastrand.Bytes(4096)
	if _, err := fa.Write(data, 128); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	out := make([]byte, len(data))
	if _, err := fa.Read(out, 128); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("read bytes do not match written bytes")
	}
}

func TestFileAccessAsyncRoundTrip(t *testing.T) {
	fa := Factory{}.NewFileAccess()
	if err := fa.Open(testPath(t), true, false); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer fa.Close()

	if !fa.AsyncAvailable() {
		t.Fatal("expected the os-backed implementation to support async I/O")
	}

	data := fastrand.Bytes(8192)
	res := <-fa.AsyncWrite(data, 512)
	if !res.Finished || res.Failed {
		t.Fatalf("async write failed: %+v", res)
	}

	out := make([]byte, len(data))
	res = <-fa.AsyncRead(out, 512)
	if !res.Finished || res.Failed {
		t.Fatalf("async read failed: %+v", res)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("async read bytes do not match async written bytes")
	}
}

func TestFileAccessOpenExistingPreservesContent(t *testing.T) {
	path := testPath(t)
	seed := fastrand.Bytes(1024)
	if err := os.WriteFile(path, seed, 0600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	fa := Factory{}.NewFileAccess()
	if err := fa.Open(path, true, true); err != nil {
		t.Fatalf("open existing failed: %v", err)
	}
	defer fa.Close()

	out := make([]byte, len(seed))
	if _, err := fa.Read(out, 0); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(out, seed) {
		t.Fatal("opening an existing partial must not truncate it")
	}
}
