// Package testserver is an httprouter-backed fixture storage server used
// by integration tests to drive a real Client end to end: byte-range
// GET/PUT against six RAID parts, plus deliberate fault injection for
// the HTTP statuses the transfer engine must handle (404, 429, 509,
// 503).
package testserver

import (
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

// Fault describes a one-shot (or sticky) failure to inject for a given
// part index.
type Fault struct {
	Status   int
	TimeLeft string // seconds, set as X-Time-Left for a 509
	Sticky   bool   // if false, the fault fires once then clears
}

// Server is the fixture: one logical file, split into RaidParts data
// streams (or served whole for non-RAID requests), with a fault table
// tests can populate before issuing requests.
type Server struct {
	mu sync.Mutex

	parts  [][]byte // part[i] is the byte stream for RAID part i
	whole  []byte   // full stored file content, used for non-RAID byte-range GETs
	faults map[int]*Fault

	uploaded map[string][]byte
	ranges   [][2]int64 // byte ranges served from the whole-file endpoint

	httpServer *httptest.Server
	router     *httprouter.Router
}

// New constructs a fixture serving whole as a non-RAID target and parts
// as the six RAID streams (pass nil for parts if the test doesn't need
// RAID).
func New(whole []byte, parts [][]byte) *Server {
	s := &Server{
		whole:    whole,
		parts:    parts,
		faults:   make(map[int]*Fault),
		uploaded: make(map[string][]byte),
	}
	s.router = httprouter.New()
	s.router.GET("/file", s.handleGet)
	s.router.GET("/part/:idx", s.handleRaidPart)
	s.router.PUT("/put", s.handlePut)
	s.httpServer = httptest.NewServer(s.router)
	return s
}

// URL returns the fixture's base URL.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts the fixture down.
func (s *Server) Close() { s.httpServer.Close() }

// SetFault injects a fault for the given RAID part index (or -1 for the
// non-RAID whole-file endpoint).
func (s *Server) SetFault(part int, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[part] = &f
}

// ClearFault removes any injected fault for part.
func (s *Server) ClearFault(part int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, part)
}

func (s *Server) consumeFault(part int) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[part]
	if !ok {
		return nil
	}
	if !f.Sticky {
		delete(s.faults, part)
	}
	return f
}

func (s *Server) applyFault(w http.ResponseWriter, part int) bool {
	f := s.consumeFault(part)
	if f == nil {
		return false
	}
	if f.TimeLeft != "" {
		w.Header().Set("X-Time-Left", f.TimeLeft)
	}
	w.WriteHeader(f.Status)
	return true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.applyFault(w, -1) {
		return
	}
	start, end, err := parseRange(r.Header.Get("Range"), int64(len(s.whole)))
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	s.mu.Lock()
	s.ranges = append(s.ranges, [2]int64{start, end})
	s.mu.Unlock()
	w.Write(s.whole[start:end])
}

// Ranges returns every byte range served from the whole-file endpoint,
// in arrival order; tests use it to assert a resumed transfer never
// re-requested already-completed bytes.
func (s *Server) Ranges() [][2]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int64, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Uploaded returns the accumulated PUT bodies for path, in arrival
// order.
func (s *Server) Uploaded(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.uploaded[path]...)
}

func (s *Server) handleRaidPart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	idx, err := strconv.Atoi(ps.ByName("idx"))
	if err != nil || idx < 0 || idx >= len(s.parts) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if s.applyFault(w, idx) {
		return
	}
	part := s.parts[idx]
	start, end, err := parseRange(r.Header.Get("Range"), int64(len(part)))
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Write(part[start:end])
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.applyFault(w, -1) {
		return
	}
	buf := make([]byte, r.ContentLength)
	if _, err := readFull(r, buf); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.uploaded[r.URL.Path] = append(s.uploaded[r.URL.Path], buf...)
	s.mu.Unlock()

	// Answer every PUT with a synthesized 36-byte current-format upload
	// token; the fixture has no notion of the file's total size, so it
	// does not wait for the whole upload to arrive.
	var token [36]byte
	binary.BigEndian.PutUint64(token[:8], uint64(len(buf)))
	w.Write(token[:])
}

func readFull(r *http.Request, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Body.Read(buf[n:])
		n += m
		if err != nil {
			if n == len(buf) {
				return n, nil
			}
			return n, errors.Wrap(err, "short read from upload body")
		}
	}
	return n, nil
}

// parseRange parses a "bytes=start-end" Range header against a resource
// of the given size.
func parseRange(header string, size int64) (start, end int64, err error) {
	if header == "" {
		return 0, size, nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New("malformed range header")
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "malformed range start")
	}
	endInclusive, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "malformed range end")
	}
	end = endInclusive + 1
	if end > size {
		end = size
	}
	return start, end, nil
}
