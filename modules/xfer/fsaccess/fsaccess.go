// Package fsaccess is the production modules.FileAccess implementation,
// backed by a real os.File.
package fsaccess

import (
	"os"
	"strings"

	"gitlab.com/NebulousLabs/errors"
	"go.cryptosync.io/xfer/modules"
)

// FileAccess wraps an os.File, offering both the synchronous interface
// modules.FileAccess requires and a goroutine-backed async path.
type FileAccess struct {
	f *os.File
}

// Factory constructs fresh FileAccess handles.
type Factory struct{}

// NewFileAccess returns an unopened handle.
func (Factory) NewFileAccess() modules.FileAccess {
	return &FileAccess{}
}

// Open opens path for writing (GET, truncating unless existing content
// should be preserved) or reading (PUT).
func (fa *FileAccess) Open(path string, write bool, existing bool) error {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR | os.O_CREATE
		if !existing {
			flags |= os.O_TRUNC
		}
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return errors.AddContext(err, "failed to open file")
	}
	fa.f = f
	return nil
}

// Close releases the handle.
func (fa *FileAccess) Close() error {
	if fa.f == nil {
		return nil
	}
	return fa.f.Close()
}

// Write writes buf at pos synchronously.
func (fa *FileAccess) Write(buf []byte, pos int64) (int, error) {
	return fa.f.WriteAt(buf, pos)
}

// Read reads into out at pos synchronously.
func (fa *FileAccess) Read(out []byte, pos int64) (int, error) {
	return fa.f.ReadAt(out, pos)
}

// AsyncAvailable is always true for the real filesystem implementation.
func (fa *FileAccess) AsyncAvailable() bool { return true }

// AsyncWrite performs the write on a new goroutine and reports the
// outcome on the returned channel.
func (fa *FileAccess) AsyncWrite(buf []byte, pos int64) <-chan modules.AsyncResult {
	ch := make(chan modules.AsyncResult, 1)
	go func() {
		_, err := fa.f.WriteAt(buf, pos)
		ch <- resultFor(err)
	}()
	return ch
}

// AsyncRead performs the read on a new goroutine and reports the
// outcome on the returned channel.
func (fa *FileAccess) AsyncRead(out []byte, pos int64) <-chan modules.AsyncResult {
	ch := make(chan modules.AsyncResult, 1)
	go func() {
		_, err := fa.f.ReadAt(out, pos)
		ch <- resultFor(err)
	}()
	return ch
}

func resultFor(err error) modules.AsyncResult {
	if err == nil {
		return modules.AsyncResult{Finished: true}
	}
	// Disk-full and similar errors are worth one retry; anything else is
	// treated as a hard failure by the caller's EREAD/EWRITE mapping.
	retry := strings.Contains(err.Error(), "no space left on device")
	return modules.AsyncResult{Finished: true, Failed: true, Retry: retry, Err: err}
}
