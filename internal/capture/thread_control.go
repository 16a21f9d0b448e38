package capture

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/threadmq"
)

const realtimePriority = 10

// maybeSetRealtime attempts SCHED_RR at a modest priority whenever the
// tsched module argument is enabled (there is no separate realtime
// option); failure only downgrades to Info-level logging, per §5's
// "run at realtime priority if configured" note — this is never fatal,
// since most deployments lack CAP_SYS_NICE.
func (s *Source) maybeSetRealtime() {
	if !s.args.Tsched {
		return
	}
	param := &unix.SchedParam{Priority: realtimePriority}
	if err := unix.SchedSetscheduler(0, unix.SCHED_RR, param); err != nil {
		s.logger.Info("could not set realtime scheduling for I/O thread, continuing at normal priority", "err", err)
	}
}

// fail implements the asymmetric shutdown discipline in §4.J/§5: post
// UNLOAD_MODULE to outq, then block waiting for SHUTDOWN so messages still
// arriving from the main thread are drained rather than dropped.
func (s *Source) fail(cause error) {
	s.logger.Error("capture I/O thread failing", "source", s.sourceName, "err", cause)
	s.outq.Post(threadmq.Message{Code: threadmq.CodeUnloadModule, Payload: cause})

	for {
		msg, ok := s.inq.TryRecv()
		if !ok {
			msg = <-s.inq.Chan()
			ok = true
		}
		if !ok {
			continue
		}
		if msg.Reply != nil {
			msg.Reply <- threadmq.Message{Code: threadmq.CodeReply, Payload: ErrReply{Err: fmt.Errorf("capture: source has failed: %w", cause)}}
		}
		if msg.Code == threadmq.CodeShutdown {
			if s.state.Opened() {
				if err := s.io.pcm.Close(); err != nil {
					s.logger.Warn("error closing pcm on shutdown", "err", err)
				}
			}
			return
		}
	}
}

// handleSetState is the I/O thread's handler for the SET_STATE message,
// implementing the hardware side of every transition in §4.I.
func (s *Source) handleSetState(newState State) error {
	cur := s.state

	switch {
	case cur.Opened() && newState == StateSuspended:
		s.io.smoother.Pause(time.Now())
		if err := s.io.pcm.Close(); err != nil {
			s.logger.Warn("error closing pcm on suspend", "err", err)
		}
		s.io.pcm = nil
		s.io.rtpollItem.TimerDisable()
		s.state = StateSuspended
		return nil

	case cur == StateInit && newState.Opened():
		if err := s.io.pcm.Start(); err != nil {
			return fmt.Errorf("capture: start on open: %w", err)
		}
		s.state = newState
		return nil

	case cur == StateSuspended && newState.Opened():
		if err := s.unsuspend(); err != nil {
			return err
		}
		s.state = newState
		return nil

	default:
		s.state = newState
		return nil
	}
}

// unsuspend reopens the device with NO_AUTO_{RESAMPLE,CHANNELS,FORMAT},
// re-applies hw/sw params, and fails the transition if the renegotiated
// mmap/tsched mode or geometry differs from what was originally
// negotiated. The sample spec is not compared: the reopen result does not
// report the negotiated rate, format or channel count.
func (s *Source) unsuspend() error {
	reopen := s.reopen
	if reopen == nil {
		reopen = defaultReopen
	}

	pcm, hw, err := reopen(s.deviceName, s.sampleSpec, s.nfragments, s.fragmentSize, s.useMMap, s.useTsched)
	if err != nil {
		return fmt.Errorf("capture: reopen on resume: %w", err)
	}

	if hw.UseMMap != s.useMMap || hw.UseTsched != s.useTsched {
		pcm.Close()
		return fmt.Errorf("capture: resumed device negotiated different mmap/tsched mode")
	}
	if hw.Fragments != s.nfragments || hw.FragmentSize != s.fragmentSize {
		pcm.Close()
		return fmt.Errorf("capture: resumed device negotiated different geometry")
	}

	s.io.pcm = pcm

	if s.mixer != nil {
		s.mu.Lock()
		lastVolume := s.hardwareVolume
		s.mu.Unlock()
		if len(lastVolume) > 0 {
			if err := s.mixer.Resync(lastVolume); err != nil {
				s.logger.Warn("failed to resync hardware volume on resume", "err", err)
			}
		}
	}

	if err := pcm.Start(); err != nil {
		pcm.Close()
		return fmt.Errorf("capture: start on resume: %w", err)
	}
	s.io.smoother.Resume(time.Now())

	return nil
}

// reopenFunc reopens the device during unsuspend, returning the negotiated
// hardware params alongside the handle. Source.reopen defaults to
// defaultReopen; tests substitute a fake to avoid touching real hardware.
type reopenFunc func(device string, spec alsa.SampleSpec, fragments, fragmentSize int, wantMMap, wantTsched bool) (pcmDevice, alsa.HWParams, error)

func defaultReopen(device string, spec alsa.SampleSpec, fragments, fragmentSize int, wantMMap, wantTsched bool) (pcmDevice, alsa.HWParams, error) {
	pcm, err := alsa.Open(device)
	if err != nil {
		return nil, alsa.HWParams{}, err
	}
	hw, err := pcm.SetHWParams(spec, fragments, fragmentSize, wantMMap, wantTsched)
	if err != nil {
		pcm.Close()
		return nil, alsa.HWParams{}, err
	}
	if err := pcm.SetSWParams(hw.FragmentSize / spec.FrameSize()); err != nil {
		pcm.Close()
		return nil, alsa.HWParams{}, err
	}
	return pcm, hw, nil
}

// computeLatency implements the GET_LATENCY reply: max(0, smoother.get(now)
// - bytes_to_usec(read_count)).
func (s *Source) computeLatency() time.Duration {
	now := time.Now()
	estimate := s.io.smoother.Get(now)
	recorded := s.bytesToUsec(int(s.io.readCount))
	latency := estimate - recorded
	if latency < 0 {
		latency = 0
	}
	return latency
}
