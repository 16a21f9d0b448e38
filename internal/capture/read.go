package capture

import (
	"errors"
	"time"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/watermark"
)

const maxInnerIterations = 10

func (s *Source) bytesToUsec(n int) time.Duration {
	frameSize := s.sampleSpec.FrameSize()
	if frameSize <= 0 || s.sampleSpec.Rate <= 0 {
		return 0
	}
	frames := n / frameSize
	return time.Duration(frames) * time.Second / time.Duration(s.sampleSpec.Rate)
}

// checkLeftToRecord implements check_left_to_record: returns how many
// bytes of recordable headroom remain, or 0 plus a reported overrun if
// nBytes already exceeds the room available.
func (s *Source) checkLeftToRecord(nBytes int) (left int, overrun bool) {
	recSpace := s.nfragments*s.fragmentSize - s.io.hwbufUnused
	if nBytes <= recSpace {
		return recSpace - nBytes, false
	}
	return 0, true
}

// runReadEngine executes one I/O-thread iteration's worth of the common
// read loop shared by the mmap and unix-read variants, per §4.H. polled
// reports whether this iteration was woken by PCM POLLIN activity (as
// opposed to a tsched timer or spurious wake).
func (s *Source) runReadEngine(polled bool) (workDone bool, sleepFor time.Duration, err error) {
	var maxSleep, process time.Duration
	if s.useTsched {
		geometry := s.geometryLocked()
		maxSleep, process = watermark.HWSleepTime(geometry, s.sampleSpec.Rate, s.io.tschedWatermark, s.io.minLatency)
	}

	var left int
	for iter := 0; ; iter++ {
		nFrames, availErr := s.io.pcm.Avail()
		if availErr != nil {
			if recErr := s.tryRecover(availErr); recErr != nil {
				return workDone, 0, recErr
			}
			continue
		}

		nBytes := nFrames * s.sampleSpec.FrameSize()

		var overrun bool
		left, overrun = s.checkLeftToRecord(nBytes)
		if overrun {
			s.logger.Warn("Overrun!", "source", s.sourceName)
			adj := watermark.AdjustAfterOverrun(
				s.geometryLocked(), s.io.minSleep, s.io.minWakeup, s.io.tschedWatermark, s.io.watermarkStep,
				s.io.minLatency, s.io.maxLatency, TschedWatermarkStepUsec,
			)
			if adj.WatermarkMoved {
				s.io.tschedWatermark = adj.NewWatermark
			} else if adj.MinLatencyMoved {
				s.io.minLatency = adj.NewMinLatency
			}
			// left_to_record is pinned at 0, but n_bytes still reports the
			// full avail(); fall through and drain it like any other burst,
			// matching check_left_to_record's original side-effect-only
			// contract.
		}

		if s.useTsched && !polled && s.bytesToUsec(left) > process+maxSleep/2 {
			break
		}

		if nBytes == 0 {
			if polled && !s.io.spuriousLogged {
				s.logger.Warn("spurious wakeup with no data available", "source", s.sourceName)
				s.io.spuriousLogged = true
			}
			break
		}

		if iter > maxInnerIterations {
			break
		}
		polled = false

		if s.useMMap {
			err = s.readMMapBurst(nBytes)
		} else {
			err = s.readUnixBurst(nBytes)
		}
		if err != nil {
			return workDone, 0, err
		}
		workDone = true
	}

	sleepFor = s.bytesToUsec(left) - process
	return workDone, sleepFor, nil
}

// tryRecover implements try_recover: assert the precondition that EAGAIN
// never reaches this engine (blocking fd, avail-driven reads), special-case
// EPIPE as an overrun, and otherwise attempt snd_pcm_recover + snd_pcm_start.
func (s *Source) tryRecover(cause error) error {
	var errno alsa.Errno
	if !errors.As(cause, &errno) {
		return cause
	}

	if errno.IsEAGAIN() {
		return errno // precondition violation: see internal/alsa.Errno.IsEAGAIN doc.
	}

	if errno.IsEPIPE() {
		s.logger.Warn("ALSA overrun (EPIPE)", "source", s.sourceName)
	} else {
		s.logger.Warn("ALSA error, attempting recovery", "source", s.sourceName, "err", errno)
	}

	if err := s.io.pcm.Recover(errno, true); err != nil {
		return err
	}
	return s.io.pcm.Start()
}

// updateSmoother implements update_smoother: reads snd_pcm_delay and the
// device htimestamp (falling back to time.Now if the driver reports none),
// and pushes the resulting (wall, device-position) sample into the
// smoother.
func (s *Source) updateSmoother() {
	delay, err := s.io.pcm.Delay()
	if err != nil {
		return
	}

	wall, err := s.io.pcm.HTimestamp()
	if err != nil || wall.IsZero() {
		wall = time.Now()
	}

	position := s.io.readCount + uint64(delay*s.sampleSpec.FrameSize())
	s.io.smoother.Put(wall, s.bytesToUsec(int(position)))
}
