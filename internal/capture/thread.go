package capture

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/threadmq"
)

// ioThreadLoop is the I/O thread: it owns the PCM handle after spawn and
// communicates with the main thread exclusively through inq/outq, per §5.
// It is launched as a goroutine pinned to its OS thread so a realtime
// scheduling policy, if configured, actually applies to the goroutine doing
// the blocking poll/read work.
func (s *Source) ioThreadLoop() {
	defer close(s.ioThreadDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.maybeSetRealtime()

	var pollFDs []unix.PollFd
	polled := false

	for {
		if s.state.Opened() {
			if pollFDs == nil {
				fds, err := s.io.pcm.PollDescriptors()
				if err != nil {
					s.fail(fmt.Errorf("capture: poll_descriptors: %w", err))
					return
				}
				pollFDs = fds
			}

			work, sleepFor, err := s.runReadEngine(polled)
			polled = false
			if err != nil {
				s.fail(err)
				return
			}
			if work {
				s.updateSmoother()
			}
			if s.useTsched {
				now := time.Now()
				cusec := s.io.smoother.Translate(now, sleepFor)
				wait := sleepFor
				if cusec < wait {
					wait = cusec
				}
				s.io.rtpollItem.SetTimerRelative(wait)
			}
		} else if s.useTsched {
			s.io.rtpollItem.TimerDisable()
		}

		item, err := s.io.rtpollItem.Run(pollFDs, true)
		if err != nil {
			s.fail(err)
			return
		}

		if item.Woken {
			preState := s.state
			if done := s.handleMessages(); done {
				return
			}
			if s.state != preState {
				// A SET_STATE transition may have reopened the device
				// (unsuspend) or closed it (suspend); either way the old
				// poll descriptors are no longer valid.
				pollFDs = nil
				polled = false
				continue
			}
		}

		if s.state.Opened() {
			revents, err := s.io.pcm.PollDescriptorsRevents(pollFDs)
			if err != nil {
				s.fail(err)
				return
			}
			if revents&^unix.POLLIN != 0 {
				s.logger.Warn("recovering from poll error", "source", s.sourceName, "revents", revents)
				if err := s.io.pcm.Recover(alsa.Errno(-int(unix.EIO)), true); err != nil {
					s.fail(err)
					return
				}
				if err := s.io.pcm.Start(); err != nil {
					s.fail(err)
					return
				}
			}
			if revents&unix.POLLIN != 0 {
				polled = true
			}
		}
	}
}

// handleMessages drains pending inq messages, returning true if a shutdown
// was processed and the thread should exit.
func (s *Source) handleMessages() bool {
	for {
		msg, ok := s.inq.TryRecv()
		if !ok {
			return false
		}

		switch msg.Code {
		case threadmq.CodeSetState:
			payload, _ := msg.Payload.(SetStatePayload)
			err := s.handleSetState(payload.State)
			if msg.Reply != nil {
				msg.Reply <- threadmq.Message{Code: threadmq.CodeReply, Payload: ErrReply{Err: err}}
			}

		case threadmq.CodeGetLatency:
			latency := s.computeLatency()
			if msg.Reply != nil {
				msg.Reply <- threadmq.Message{Code: threadmq.CodeLatencyReply, Payload: LatencyReply{Latency: latency}}
			}

		case threadmq.CodeShutdown:
			if s.state.Opened() {
				if err := s.io.pcm.Close(); err != nil {
					s.logger.Warn("error closing pcm on shutdown", "err", err)
				}
			}
			return true
		}
	}
}
