package build

import (
	"os"
	"path/filepath"
)

// XferTestingDir is the directory that contains all files and folders
// created by the package's tests.
var XferTestingDir = filepath.Join(os.TempDir(), "XferTesting")

// TempDir joins the provided path elements and prefixes them with the
// testing directory, clearing out any stale data left over from a
// previous run.
func TempDir(dirs ...string) string {
	path := filepath.Join(XferTestingDir, filepath.Join(dirs...))
	os.RemoveAll(path)
	return path
}
