// Package smoother implements the low-pass filter that maps the capture
// device's monotonic frame counter onto wall-clock time. Treated by the
// rest of this engine as a black box: put a (wall, device) sample pair in,
// get an estimate or a sleep-duration translation out.
package smoother

import (
	"sync"
	"time"
)

// A Smoother is safe for concurrent use. The capture engine calls
// Put/Get/Translate and, from its SET_STATE message handling, Pause/Resume
// all on the I/O thread, so only one goroutine touches it at a time; the
// mutex keeps that assumption from becoming load-bearing.
type Smoother struct {
	mu sync.Mutex

	paused    bool
	pausedAt  time.Time
	pauseTime time.Duration // total wall-clock time spent paused; Get and Translate do not use it

	haveEstimate bool
	wall0        time.Time
	device0      time.Duration
	rate         float64 // device-usec per wall-usec, smoothed
}

// New returns a Smoother with no history; Get returns device==wall until the
// first Put.
func New() *Smoother {
	return &Smoother{rate: 1.0}
}

const smoothingFactor = 0.2

// Put records one (wall, device) sample pair and updates the drift estimate.
func (s *Smoother) Put(wall time.Time, device time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}

	if !s.haveEstimate {
		s.wall0 = wall
		s.device0 = device
		s.haveEstimate = true
		return
	}

	dWall := wall.Sub(s.wall0)
	if dWall <= 0 {
		return
	}
	dDevice := device - s.device0
	instantRate := float64(dDevice) / float64(dWall)

	s.rate = s.rate*(1-smoothingFactor) + instantRate*smoothingFactor
	s.wall0 = wall
	s.device0 = device
}

// Get estimates the device-clock value corresponding to wall-clock time w.
func (s *Smoother) Get(w time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveEstimate {
		return time.Duration(w.UnixNano())
	}
	dWall := w.Sub(s.wall0)
	return s.device0 + time.Duration(float64(dWall)*s.rate)
}

// Translate converts a duration expressed in device-clock units, starting at
// wall-clock time w, into the equivalent wall-clock duration, using the
// current drift estimate.
func (s *Smoother) Translate(w time.Time, deviceDelta time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveEstimate || s.rate <= 0 {
		return deviceDelta
	}
	return time.Duration(float64(deviceDelta) / s.rate)
}

// Pause freezes the smoother; subsequent Put calls are ignored until Resume.
// Per data-model invariant 7, the smoother is paused iff the source is
// SUSPENDED.
func (s *Smoother) Pause(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.pausedAt = at
}

// Resume un-freezes the smoother and discards the stale sample pair so the
// next Put re-anchors the estimate instead of computing drift across the
// suspend gap.
func (s *Smoother) Resume(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.pauseTime += at.Sub(s.pausedAt)
	}
	s.paused = false
	s.haveEstimate = false
}

// Paused reports whether the smoother currently believes it is paused.
func (s *Smoother) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
