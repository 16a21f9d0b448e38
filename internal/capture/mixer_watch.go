package capture

import "golang.org/x/sys/unix"

// watchMixer runs on the main thread's behalf (its own goroutine, since
// this repo has no separate main-loop abstraction to hang a callback off
// of) polling the mixer's notification fd and, after every batch of mixer
// events, re-reading the per-channel hardware volume into hardwareVolume.
// Event types are not told apart (VALUE and REMOVE are handled alike), and
// the mute state is not re-read.
func (s *Source) watchMixer() {
	fd, err := s.mixer.PollDescriptor()
	if err != nil {
		s.logger.Warn("mixer has no poll descriptor, volume changes from peers won't be observed", "err", err)
		return
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		select {
		case <-s.stopMixer:
			return
		default:
		}

		n, err := unix.Poll(fds, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n <= 0 {
			continue
		}

		if err := s.mixer.HandleEvents(); err != nil {
			s.logger.Warn("mixer handle_events failed", "err", err)
			return
		}

		if vols, err := s.mixer.GetVolume(); err == nil {
			s.mu.Lock()
			s.hardwareVolume = vols
			s.mu.Unlock()
		}
	}
}
