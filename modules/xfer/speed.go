package xfer

import (
	"sync"
	"time"

	"gitlab.com/NebulousLabs/monitor"
)

// SpeedTracker reports a transfer's instantaneous throughput, used for
// the client-visible progress callback and for
// detecting a stalled connection well before modules.XferTimeout fires.
//
// Byte counts are reported by the transfer slot as each request's body is
// handled (ReportDownloaded/ReportUploaded), since connmonitor.Monitor tracks
// bandwidth from reported sample sizes rather than wrapping a stream
// itself.
type SpeedTracker struct {
	mu sync.Mutex
	m  *connmonitor.Monitor

	lastSample time.Time
}

// NewSpeedTracker returns a tracker with an empty sample window.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{m: connmonitor.NewMonitor()}
}

// ReportDownloaded records n bytes received.
func (s *SpeedTracker) ReportDownloaded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Read(n)
	s.lastSample = time.Now()
}

// ReportUploaded records n bytes sent.
func (s *SpeedTracker) ReportUploaded(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Write(n)
	s.lastSample = time.Now()
}

// BytesPerSecond returns the current read and write rates.
func (s *SpeedTracker) BytesPerSecond() (read, write uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.BandwidthCounts()
}

// Idle reports whether more than d has elapsed since the last sample.
// The slot's XferTimeout alternate-port retry does not use it; Tick
// tracks the last received data itself.
func (s *SpeedTracker) Idle(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSample.IsZero() {
		return false
	}
	return time.Since(s.lastSample) > d
}
