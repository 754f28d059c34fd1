// Package httpxfer is the production modules.HTTPRequest/HTTPRequestFactory
// implementation: real net/http byte-range GETs and PUTs, with shared
// client-wide rate limiting.
package httpxfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gitlab.com/NebulousLabs/ratelimit"
	"go.cryptosync.io/xfer/modules"
)

// readOnlyReadWriter adapts an io.Reader to io.ReadWriter so it can be
// passed to ratelimit.NewRLReadWriter, which only exposes a ReadWriter
// constructor; Write is never invoked on a response body.
type readOnlyReadWriter struct {
	io.Reader
}

func (readOnlyReadWriter) Write(p []byte) (int, error) {
	return 0, errors.New("readOnlyReadWriter: write not supported")
}

// Factory constructs Requests sharing one *http.Client and rate limiter.
type Factory struct {
	client *http.Client
	rl     *ratelimit.RateLimit
	stop   chan struct{}
}

// NewFactory returns a Factory with the given bandwidth caps in bytes
// per second (0 means unlimited), matching the client-wide rate limit
// settings a user can configure.
func NewFactory(readBPS, writeBPS int64) *Factory {
	return &Factory{
		client: &http.Client{Timeout: 0},
		rl:     ratelimit.NewRateLimit(readBPS, writeBPS, 0),
		stop:   make(chan struct{}),
	}
}

// SetLimits updates the shared bandwidth caps.
func (f *Factory) SetLimits(readBPS, writeBPS int64) {
	f.rl.SetLimits(readBPS, writeBPS, 0)
}

// NewDownloadRequest returns a fresh GET-direction request.
func (f *Factory) NewDownloadRequest() modules.HTTPRequest {
	return &Request{client: f.client, rl: f.rl, stop: f.stop, upload: false}
}

// NewUploadRequest returns a fresh PUT-direction request.
func (f *Factory) NewUploadRequest() modules.HTTPRequest {
	return &Request{client: f.client, rl: f.rl, stop: f.stop, upload: true}
}

// Request is the real net/http-backed modules.HTTPRequest.
type Request struct {
	client *http.Client
	rl     *ratelimit.RateLimit
	stop   chan struct{}
	upload bool

	mu         sync.Mutex
	url        string
	start, end int64
	body       []byte
	gen        uint64

	status      modules.HTTPState
	httpStatus  int
	bufPos      int64
	contentLen  int64
	lastData    time.Time
	respBody    []byte
	contentType string
	timeLeft    time.Duration

	cancel func()
}

// Prepare sets headers and state for the byte range [start,end). For a
// PUT, out holds the ciphertext to send. Re-preparing a request that was
// closed mid-flight invalidates the old round: its late result is
// dropped rather than clobbering the new one.
func (r *Request) Prepare(url string, start, end int64, out []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.url, r.start, r.end, r.body = url, start, end, out
	r.gen++
	r.respBody = nil
	r.bufPos = 0
	r.status = modules.HTTPPrepared
}

// Post issues the prepared request asynchronously; results are polled
// via Status/Body/etc.
func (r *Request) Post() error {
	r.mu.Lock()
	url, start, end, body, upload := r.url, r.start, r.end, r.body, r.upload
	r.mu.Unlock()

	req, err := r.buildRequest(url, start, end, body, upload)
	if err != nil {
		return err
	}

	ctx, cancel := newCancelContext()
	req = req.WithContext(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.status = modules.HTTPInflight
	r.lastData = time.Now()
	gen := r.gen
	r.mu.Unlock()

	go r.do(req, gen)
	return nil
}

func (r *Request) buildRequest(url string, start, end int64, body []byte, upload bool) (*http.Request, error) {
	if upload {
		req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.ContentLength = int64(len(body))
		return req, nil
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	return req, nil
}

func (r *Request) do(req *http.Request, gen uint64) {
	resp, err := r.client.Do(req)
	if err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.status = modules.HTTPFailure
			r.httpStatus = 0
		}
		r.mu.Unlock()
		return
	}
	defer resp.Body.Close()

	limited := ratelimit.NewRLReadWriter(readOnlyReadWriter{resp.Body}, r.rl, r.stop)
	data, err := io.ReadAll(limited)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	r.httpStatus = resp.StatusCode
	r.contentType = resp.Header.Get("Content-Type")
	r.contentLen = resp.ContentLength
	r.lastData = time.Now()
	if tl := resp.Header.Get("X-Time-Left"); tl != "" {
		if secs, perr := time.ParseDuration(tl + "s"); perr == nil {
			r.timeLeft = secs
		}
	}

	if err != nil || resp.StatusCode >= 300 {
		r.status = modules.HTTPFailure
		return
	}
	r.respBody = data
	r.bufPos = int64(len(data))
	r.status = modules.HTTPSuccess
}

func (r *Request) Status() modules.HTTPState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) HTTPStatus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.httpStatus
}

func (r *Request) BufPos() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufPos
}

func (r *Request) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLen
}

func (r *Request) LastData() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastData
}

func (r *Request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respBody
}

func (r *Request) ContentType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentType
}

func (r *Request) TimeLeft() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeLeft
}

func (r *Request) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.status = modules.HTTPDone
	r.gen++
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
