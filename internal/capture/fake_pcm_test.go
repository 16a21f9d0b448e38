package capture

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/memchunk"
)

// fakePCM is a minimal in-memory stand-in for *alsa.PCM used by the
// end-to-end scenario tests in source_scenario_test.go. It models a ring
// buffer filled by the test (Feed) and drained by the read engine (Avail,
// Readi, MMapBegin/Commit), without touching real hardware.
type fakePCM struct {
	mu sync.Mutex

	frameSize int
	buf       []byte // ring contents currently "captured" but unread
	closed    bool

	forceAvailErr error
	forceRecoverErr error
	recoverCalls    int
	startCalls      int

	mmapBuf []byte // scratch buffer MMapBegin hands out a view into
}

func newFakePCM(frameSize int) *fakePCM {
	return &fakePCM{frameSize: frameSize, mmapBuf: make([]byte, 1<<20)}
}

// Feed appends n frames worth of synthetic data to the ring, simulating
// hardware capture progress.
func (f *fakePCM) Feed(frames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, make([]byte, frames*f.frameSize)...)
}

func (f *fakePCM) Avail() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceAvailErr != nil {
		err := f.forceAvailErr
		f.forceAvailErr = nil
		return 0, err
	}
	return len(f.buf) / f.frameSize, nil
}

func (f *fakePCM) Delay() (int, error) { return 0, nil }

func (f *fakePCM) HTimestamp() (time.Time, error) { return time.Now(), nil }

func (f *fakePCM) Readi(out []byte, frameSize int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(out)
	if n > len(f.buf) {
		n = len(f.buf)
	}
	n = (n / frameSize) * frameSize
	copy(out, f.buf[:n])
	f.buf = f.buf[n:]
	return n / frameSize, nil
}

func (f *fakePCM) MMapBegin(frames int) (alsa.MMapArea, int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	avail := len(f.buf) / f.frameSize
	if frames > avail {
		frames = avail
	}
	n := frames * f.frameSize
	if n > len(f.mmapBuf) {
		n = len(f.mmapBuf) - (len(f.mmapBuf) % f.frameSize)
		frames = n / f.frameSize
	}
	copy(f.mmapBuf, f.buf[:n])
	area := alsa.MMapArea{Addr: unsafe.Pointer(&f.mmapBuf[0]), FirstBit: 0, StepBits: f.frameSize * 8}
	return area, 0, frames, nil
}

func (f *fakePCM) MMapCommit(offset, frames int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := frames * f.frameSize
	if n > len(f.buf) {
		n = len(f.buf)
	}
	f.buf = f.buf[n:]
	return frames, nil
}

func (f *fakePCM) PollDescriptors() ([]unix.PollFd, error) {
	return nil, nil
}

func (f *fakePCM) PollDescriptorsRevents(fds []unix.PollFd) (int16, error) {
	return 0, nil
}

func (f *fakePCM) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakePCM) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePCM) Drop() error { return nil }

func (f *fakePCM) Recover(err error, silent bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoverCalls++
	if f.forceRecoverErr != nil {
		e := f.forceRecoverErr
		f.forceRecoverErr = nil
		return e
	}
	return nil
}

// fakeSink collects posted chunks for assertion.
type fakeSink struct {
	mu     sync.Mutex
	bytes  int
	chunks int
}

func (s *fakeSink) Post(c memchunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += c.Length
	s.chunks++
}

func (s *fakeSink) totals() (bytes, chunks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes, s.chunks
}
