// Package rtpoll implements the capture engine's unified wait: block on the
// PCM device's poll descriptors, a relative wake timer, and an
// inq-wakeup pipe, returning as soon as any of them fires. It is the Go
// analogue of PulseAudio's pa_rtpoll, built directly on
// golang.org/x/sys/unix the same way the teacher repo's src/ptt.go and
// src/cm108.go drive raw fds and ioctls.
package rtpoll

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Item is one poll wait cycle's outcome: the result of unix.Poll merged
// with whether the wake pipe fired.
type Item struct {
	// Revents mirrors, per index, unix.PollFd.Revents for the device fds
	// passed to Run.
	Revents []int16
	// Woken is true if the wake pipe was signalled (an inq message is
	// pending) during this wait.
	Woken bool
	// TimedOut is true if the wait ended because the relative timer
	// elapsed rather than any fd activity.
	TimedOut bool
}

// RTPoll owns the self-pipe used to interrupt a blocking wait from another
// goroutine, matching the "inq-signal fd" the source's rtpoll item always
// includes alongside the PCM descriptors.
type RTPoll struct {
	wakeR int
	wakeW int

	timerDisabled bool
	timerDeadline time.Time
}

// New creates an RTPoll with its wake pipe opened and no timer armed.
func New() (*RTPoll, error) {
	var p [2]int
	if err := pipe2(&p); err != nil {
		return nil, fmt.Errorf("rtpoll: open wake pipe: %w", err)
	}
	return &RTPoll{wakeR: p[0], wakeW: p[1], timerDisabled: true}, nil
}

func pipe2(p *[2]int) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return err
	}
	p[0], p[1] = fds[0], fds[1]
	return nil
}

// Close releases the wake pipe's file descriptors.
func (r *RTPoll) Close() error {
	err1 := unix.Close(r.wakeR)
	err2 := unix.Close(r.wakeW)
	if err1 != nil {
		return err1
	}
	return err2
}

// Wake interrupts a concurrent Run, used by the main thread (or any
// goroutine posting to the I/O thread's inq) to ensure the message is not
// left waiting behind a long tsched sleep.
func (r *RTPoll) Wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

func (r *RTPoll) drainWake() bool {
	var buf [64]byte
	woken := false
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n > 0 {
			woken = true
		}
		if err != nil || n <= 0 {
			break
		}
	}
	return woken
}

// SetTimerRelative arms the wake timer to fire after d, replacing any
// previously armed deadline.
func (r *RTPoll) SetTimerRelative(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.timerDisabled = false
	r.timerDeadline = time.Now().Add(d)
}

// TimerDisable removes the relative timer so Run blocks until an fd or Wake
// fires, matching the non-tsched idle state in the I/O thread loop.
func (r *RTPoll) TimerDisable() {
	r.timerDisabled = true
}

// Run blocks until one of fds, the wake pipe, or the armed timer is ready,
// or until blocking is false and nothing is immediately ready. fds is
// mutated in place with observed Revents, mirroring unix.Poll.
func (r *RTPoll) Run(fds []unix.PollFd, blocking bool) (Item, error) {
	all := make([]unix.PollFd, len(fds)+1)
	copy(all, fds)
	wakeIdx := len(fds)
	all[wakeIdx] = unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN}

	timeout := -1
	if !r.timerDisabled {
		remaining := time.Until(r.timerDeadline)
		if remaining < 0 {
			remaining = 0
		}
		timeout = int(remaining.Milliseconds())
	}
	if !blocking && (timeout < 0 || timeout > 0) {
		timeout = 0
	}

	n, err := unix.Poll(all, timeout)
	if err != nil {
		if err == unix.EINTR {
			return Item{Revents: make([]int16, len(fds))}, nil
		}
		return Item{}, fmt.Errorf("rtpoll: poll: %w", err)
	}

	copy(fds, all[:wakeIdx])
	item := Item{Revents: make([]int16, len(fds))}
	for i := range fds {
		item.Revents[i] = all[i].Revents
	}

	if all[wakeIdx].Revents&unix.POLLIN != 0 {
		item.Woken = r.drainWake()
	}
	if n == 0 {
		item.TimedOut = true
	}

	return item, nil
}
