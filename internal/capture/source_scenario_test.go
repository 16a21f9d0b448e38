package capture

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/memchunk"
	"github.com/alsasourced/alsasourced/internal/rtpoll"
	"github.com/alsasourced/alsasourced/internal/smoother"
	"github.com/alsasourced/alsasourced/internal/threadmq"
	"github.com/alsasourced/alsasourced/internal/watermark"
)

// newHarness builds a Source wired to a fakePCM, bypassing New() (which
// would touch real hardware and D-Bus). It drives runReadEngine/
// handleSetState directly instead of running the full ioThreadLoop
// goroutine, keeping the scenario tests deterministic.
func newHarness(t *testing.T, nfragments, fragmentSize int) (*Source, *fakePCM, *fakeSink) {
	t.Helper()

	spec := alsa.SampleSpec{Rate: 44100, Format: alsa.FormatS16LE, Channels: 2}
	pcm := newFakePCM(spec.FrameSize())
	sink := &fakeSink{}

	geometry := watermark.Geometry{FrameSize: spec.FrameSize(), HWBufSize: nfragments * fragmentSize}
	minSleep, minWakeup := watermark.FixMinSleepWakeup(geometry, spec.FrameSize(), spec.FrameSize())
	tschedWatermark := watermark.FixTschedWatermark(geometry, minSleep, minWakeup, fragmentSize)

	rp, err := rtpoll.New()
	require.NoError(t, err)

	s := &Source{
		deviceName:    "hw:0,0",
		sourceName:    "alsa_input.hw:0,0",
		state:         StateRunning,
		observedState: StateRunning,
		logger:        log.New(io.Discard),
		sampleSpec:    spec,
		nfragments:    nfragments,
		fragmentSize:  fragmentSize,
		useMMap:       true,
		useTsched:     true,
		sink:          sink,
		pool:          memchunk.Pool{MaxBlockSize: 64 * 1024},
		inq:           threadmq.New(16),
		outq:          threadmq.New(16),
		ioThreadDone:  make(chan struct{}),
		stopMixer:     make(chan struct{}),
	}
	s.io = ioState{
		pcm:             pcm,
		tschedWatermark: tschedWatermark,
		minSleep:        minSleep,
		minWakeup:       minWakeup,
		watermarkStep:   spec.FrameSize() * 100,
		minLatency:      DefaultTschedWatermarkUsec,
		maxLatency:      DefaultTschedBufferUsec,
		smoother:        smoother.New(),
		rtpollItem:      rp,
	}

	return s, pcm, sink
}

// TestScenarioS1ColdStartTschedMMap verifies S1: feeding 100ms of audio at
// 44100/s16le/stereo across a 4x8KiB ring yields exactly 17640 bytes
// posted, with read_count tracking it. The engine is driven as if woken by
// POLLIN: with tsched and no poll wakeup it keeps sleeping while the ring
// still has far more room than the sleep budget needs.
func TestScenarioS1ColdStartTschedMMap(t *testing.T) {
	s, pcm, sink := newHarness(t, 4, 8192)
	s.useMMap = true

	pcm.Feed(4410) // 100ms at 44100Hz

	for {
		work, _, err := s.runReadEngine(true)
		require.NoError(t, err)
		if !work {
			break
		}
	}

	bytes, _ := sink.totals()
	assert.Equal(t, 17640, bytes)
	assert.Equal(t, uint64(17640), s.io.readCount)
}

// TestScenarioS1UnixRead is the same scenario with the copy-mode read path.
func TestScenarioS1UnixRead(t *testing.T) {
	s, pcm, sink := newHarness(t, 4, 8192)
	s.useMMap = false

	pcm.Feed(4410)

	for {
		work, _, err := s.runReadEngine(true)
		require.NoError(t, err)
		if !work {
			break
		}
	}

	bytes, _ := sink.totals()
	assert.Equal(t, 17640, bytes)
	assert.Equal(t, uint64(17640), s.io.readCount)
}

// TestScenarioS2OverrunAdaptation verifies S2: overfilling the ring past
// its recordable room triggers the watermark (or min_latency) to grow, with
// no crash.
func TestScenarioS2OverrunAdaptation(t *testing.T) {
	s, pcm, _ := newHarness(t, 4, 8192)
	initialWatermark := s.io.tschedWatermark
	initialLatency := s.io.minLatency

	pcm.Feed((s.nfragments*s.fragmentSize)/s.sampleSpec.FrameSize() + 1000)

	_, _, err := s.runReadEngine(false)
	require.NoError(t, err)

	grew := s.io.tschedWatermark > initialWatermark || s.io.minLatency > initialLatency
	assert.True(t, grew, "expected watermark or min_latency to grow after overrun")
}

// TestScenarioS3SuspendResumeRoundtrip verifies S3: suspending clears the
// pcm handle and pauses the smoother; resuming re-negotiates the same
// geometry and read_count continues from its prior value.
func TestScenarioS3SuspendResumeRoundtrip(t *testing.T) {
	s, pcm, sink := newHarness(t, 4, 8192)
	pcm.Feed(4410)
	for {
		work, _, err := s.runReadEngine(false)
		require.NoError(t, err)
		if !work {
			break
		}
	}
	priorReadCount := s.io.readCount
	_, priorChunks := sink.totals()
	_ = priorChunks

	replacement := newFakePCM(s.sampleSpec.FrameSize())
	s.reopen = func(device string, spec alsa.SampleSpec, fragments, fragmentSize int, wantMMap, wantTsched bool) (pcmDevice, alsa.HWParams, error) {
		return replacement, alsa.HWParams{Fragments: fragments, FragmentSize: fragmentSize, UseMMap: wantMMap, UseTsched: wantTsched}, nil
	}

	require.NoError(t, s.handleSetState(StateSuspended))
	assert.Equal(t, StateSuspended, s.state)
	assert.True(t, pcm.closed)
	assert.True(t, s.io.smoother.Paused())

	time.Sleep(time.Millisecond) // let the suspend gap register

	require.NoError(t, s.handleSetState(StateRunning))
	assert.Equal(t, StateRunning, s.state)
	assert.False(t, s.io.smoother.Paused())
	assert.Equal(t, priorReadCount, s.io.readCount, "read_count must resume from its prior value")
	assert.Equal(t, replacement, s.io.pcm)
}

// TestScenarioS5SpuriousPollin verifies S5: a POLLIN wakeup with avail()==0
// logs once and posts nothing, without looping forever.
func TestScenarioS5SpuriousPollin(t *testing.T) {
	s, _, sink := newHarness(t, 4, 8192)

	work, _, err := s.runReadEngine(true)
	require.NoError(t, err)
	assert.False(t, work)
	assert.True(t, s.io.spuriousLogged)

	bytes, chunks := sink.totals()
	assert.Equal(t, 0, bytes)
	assert.Equal(t, 0, chunks)
}

// TestScenarioS6FatalRecoverFailure verifies S6: when recovery fails, the
// I/O thread's fail() path posts UNLOAD_MODULE and then blocks for
// SHUTDOWN, completing teardown without deadlock.
func TestScenarioS6FatalRecoverFailure(t *testing.T) {
	s, pcm, _ := newHarness(t, 4, 8192)
	pcm.forceAvailErr = alsa.Errno(-int(5)) // EIO-ish, non-EPIPE/EAGAIN
	pcm.forceRecoverErr = assertErr{"recover failed"}

	_, _, err := s.runReadEngine(false)
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		s.fail(err)
		close(done)
	}()

	msg := <-s.outq.Chan()
	assert.Equal(t, threadmq.CodeUnloadModule, msg.Code)

	s.inq.Post(threadmq.Message{Code: threadmq.CodeShutdown})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fail() did not return after SHUTDOWN was posted")
	}
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
