package capture

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/alsasourced/alsasourced/internal/alsa"
)

// pcmDevice is the narrow slice of *alsa.PCM the read engine and I/O
// thread loop depend on. It exists so tests can substitute a fake ALSA
// device instead of opening real hardware; *alsa.PCM satisfies it directly.
type pcmDevice interface {
	Avail() (int, error)
	Delay() (int, error)
	HTimestamp() (time.Time, error)
	Readi(buf []byte, frameSize int) (int, error)
	MMapBegin(frames int) (alsa.MMapArea, int, int, error)
	MMapCommit(offset, frames int) (int, error)
	PollDescriptors() ([]unix.PollFd, error)
	PollDescriptorsRevents(fds []unix.PollFd) (int16, error)
	Start() error
	Close() error
	Drop() error
	Recover(err error, silent bool) error
}

var _ pcmDevice = (*alsa.PCM)(nil)
