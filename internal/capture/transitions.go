package capture

import (
	"fmt"
	"time"

	"github.com/alsasourced/alsasourced/internal/threadmq"
)

// SetState drives the main-thread side of a state transition: on an
// OPENED->SUSPENDED move it releases the device reservation first; on a
// SUSPENDED->OPENED move it re-acquires the reservation, failing the whole
// transition if that fails, before asking the I/O thread to actually touch
// the hardware. Per §4.I.
func (s *Source) SetState(newState State) error {
	s.mu.Lock()
	cur := s.observedState
	s.mu.Unlock()

	if cur.Opened() && !newState.Opened() {
		if s.reserve != nil {
			if err := s.reserve.Release(); err != nil {
				s.logger.Warn("failed releasing device reservation", "err", err)
			}
		}
	}

	if !cur.Opened() && newState.Opened() {
		if s.reserve != nil {
			if err := s.reserve.Acquire(); err != nil {
				return fmt.Errorf("capture: cannot resume, reservation unavailable: %w", err)
			}
		}
	}

	reply := s.sendRequest(threadmq.Message{
		Code:    threadmq.CodeSetState,
		Payload: SetStatePayload{State: newState},
	})

	errReply, _ := reply.Payload.(ErrReply)
	if errReply.Err != nil {
		// Roll back the reservation side effect: a failed resume should not
		// leave us holding a reservation for a device we never reopened,
		// and a failed suspend should not leave us having released one we
		// still hold.
		if cur.Opened() && !newState.Opened() && s.reserve != nil {
			_ = s.reserve.Acquire()
		}
		if cur == StateSuspended && newState.Opened() && s.reserve != nil {
			_ = s.reserve.Release()
		}
		return errReply.Err
	}

	s.mu.Lock()
	s.observedState = newState
	s.mu.Unlock()

	return nil
}

// GetLatency implements the GET_LATENCY message: source_get_latency =
// max(0, smoother.get(now) - bytes_to_usec(read_count)).
func (s *Source) GetLatency() (time.Duration, error) {
	reply := s.sendRequest(threadmq.Message{Code: threadmq.CodeGetLatency})
	lr, _ := reply.Payload.(LatencyReply)
	return lr.Latency, lr.Err
}

// sendRequest posts a request and wakes the I/O thread out of a possibly
// long tsched sleep so it observes the message promptly, then blocks for
// the reply.
func (s *Source) sendRequest(msg threadmq.Message) threadmq.Message {
	reply := make(chan threadmq.Message, 1)
	msg.Reply = reply
	s.inq.Post(msg)
	s.io.rtpollItem.Wake()
	return <-reply
}

// Shutdown posts SHUTDOWN to the I/O thread and blocks until it has exited
// (the I/O thread closes the device, if open, while handling SHUTDOWN),
// then closes the mixer and the reservation, per the teardown sequence in
// §3's Lifecycle and §5's Cancellation & shutdown discipline.
func (s *Source) Shutdown() error {
	s.inq.Post(threadmq.Message{Code: threadmq.CodeShutdown})
	s.io.rtpollItem.Wake()
	<-s.ioThreadDone

	if s.mixer != nil {
		close(s.stopMixer)
		_ = s.mixer.Close()
	}
	if s.reserve != nil {
		_ = s.reserve.Release()
		_ = s.reserve.Close()
	}
	return nil
}
