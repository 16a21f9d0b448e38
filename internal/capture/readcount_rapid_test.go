package capture

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/alsasourced/alsasourced/internal/alsa"
)

// TestReadCountMonotoneAcrossSuspendResume is the property test for
// invariant 2: read_count never decreases, including across any number of
// suspend/resume cycles interleaved with feeds.
func TestReadCountMonotoneAcrossSuspendResume(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, pcm, _ := newHarness(t, 4, 8192)

		replacement := pcm
		s.reopen = func(device string, spec alsa.SampleSpec, fragments, fragmentSize int, wantMMap, wantTsched bool) (pcmDevice, alsa.HWParams, error) {
			replacement = newFakePCM(spec.FrameSize())
			return replacement, alsa.HWParams{Fragments: fragments, FragmentSize: fragmentSize, UseMMap: wantMMap, UseTsched: wantTsched}, nil
		}

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		var last uint64

		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom([]string{"feed", "suspend", "resume"}).Draw(rt, "action")

			switch action {
			case "feed":
				frames := rapid.IntRange(0, 2000).Draw(rt, "frames")
				if s.state.Opened() {
					replacement.Feed(frames)
					for {
						work, _, err := s.runReadEngine(false)
						if err != nil {
							rt.Fatalf("runReadEngine: %v", err)
						}
						if !work {
							break
						}
					}
				}
			case "suspend":
				if s.state.Opened() {
					if err := s.handleSetState(StateSuspended); err != nil {
						rt.Fatalf("suspend: %v", err)
					}
				}
			case "resume":
				if s.state == StateSuspended {
					if err := s.handleSetState(StateRunning); err != nil {
						rt.Fatalf("resume: %v", err)
					}
				}
			}

			if s.io.readCount < last {
				rt.Fatalf("read_count decreased: %d -> %d", last, s.io.readCount)
			}
			last = s.io.readCount
		}
	})
}
