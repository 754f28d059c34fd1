// Command xferctl is a development harness for driving the transfer
// engine from the command line -- analogous to siac, but not a product
// UI: it exists to exercise Client against a real or fixture storage
// server while building out the engine, the same way siac exists
// alongside the renter/host/wallet modules it drives.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
	"golang.org/x/term"

	nlog "gitlab.com/NebulousLabs/log"
	"go.cryptosync.io/xfer/modules/xfer"
	"go.cryptosync.io/xfer/modules/xfer/cachedb"
	"go.cryptosync.io/xfer/modules/xfer/fsaccess"
	"go.cryptosync.io/xfer/modules/xfer/httpxfer"
)

// Exit codes, following siac's sysexits.h-inspired convention.
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

var (
	cacheDir    string
	connections int
	rateLimit   int64
	getSize     int64
)

func main() {
	root := &cobra.Command{
		Use:   "xferctl",
		Short: "drive the transfer engine against a storage server",
	}
	root.PersistentFlags().StringVar(&cacheDir, "cache-dir", ".xferctl", "directory for the resume cache")
	root.PersistentFlags().IntVar(&connections, "connections", 0, "parallel connections for non-raid transfers (0 = client default)")
	root.PersistentFlags().Int64Var(&rateLimit, "rate-limit", 0, "bytes/sec cap, 0 = unlimited")

	root.AddCommand(getCmd(), putCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeGeneral)
	}
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [url] [dest]",
		Short: "download a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(args[0], args[1], false)
		},
	}
	cmd.Flags().Int64Var(&getSize, "size", 0, "remote file size in bytes")
	return cmd
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put [src] [url]",
		Short: "upload a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransfer(args[1], args[0], true)
		},
	}
}

func newClient() (*xfer.Client, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache dir")
	}
	cache, err := cachedb.Open(cacheDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache")
	}
	httpFactory := httpxfer.NewFactory(rateLimit, rateLimit)
	logger := nlog.NewLogger(os.Stderr)
	cfg := xfer.Config{DefaultConnections: connections, MemoryBudget: 64 << 20}
	return xfer.NewClient(cfg, cache, httpFactory, fsaccess.Factory{}, logger), nil
}

func runTransfer(url, path string, upload bool) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	// A real client would first resolve the remote path to a size and a
	// temporary URL list; this harness takes the URL directly and
	// assumes a non-raid, single-URL transfer.
	size, err := localSize(path, upload)
	if err != nil {
		return errors.Wrap(err, "failed to stat local file")
	}

	t := xfer.NewTransfer(size, upload)
	idx, err := client.QueueTransfer(t, []string{url}, path)
	if err != nil {
		return errors.Wrap(err, "failed to queue transfer")
	}

	bar := newProgressBar(size)
	defer bar.finish()

	for {
		results := client.Tick(time.Now())
		bar.set(t.ProgressCompleted)
		if err, done := results[idx]; done {
			if err != nil {
				return errors.Wrap(err, "transfer failed")
			}
			if upload {
				key := t.FileKey()
				fmt.Printf("upload token: %x\nfile key: %x\n", t.UploadToken, key[:])
			}
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func localSize(path string, upload bool) (int64, error) {
	if !upload {
		return getSize, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// progressBar wraps mpb, degrading to a no-op when stderr isn't a
// terminal (a non-interactive siac-style invocation, e.g. in a script).
type progressBar struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newProgressBar(total int64) *progressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return &progressBar{}
	}
	p := mpb.New(mpb.WithOutput(os.Stderr))
	bar := p.AddBar(total,
		mpb.PrependDecorators(decor.Name("xfer")),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return &progressBar{p: p, bar: bar}
}

func (pb *progressBar) set(n int64) {
	if pb.bar == nil {
		return
	}
	pb.bar.SetCurrent(n)
}

func (pb *progressBar) finish() {
	if pb.p == nil {
		return
	}
	pb.p.Wait()
}
