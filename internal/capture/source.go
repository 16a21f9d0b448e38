// Package capture implements the ALSA capture I/O engine: the state
// machine, read engine, and I/O thread loop that pull frames from a kernel
// PCM capture device, timestamp them against a smoothed clock, and post
// them downstream as reference-counted memory chunks. It is the core this
// whole driver exists to provide; everything under internal/ besides this
// package is a supporting collaborator.
package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/memchunk"
	"github.com/alsasourced/alsasourced/internal/mixerbridge"
	"github.com/alsasourced/alsasourced/internal/reserve"
	"github.com/alsasourced/alsasourced/internal/rtpoll"
	"github.com/alsasourced/alsasourced/internal/smoother"
	"github.com/alsasourced/alsasourced/internal/threadmq"
	"github.com/alsasourced/alsasourced/internal/watermark"
)

// Sink is the downstream collaborator a Source posts captured audio to; it
// stands in for the server's source object / routing core, which is out of
// scope for this engine.
type Sink interface {
	Post(chunk memchunk.Chunk)
}

// ioState holds every field owned exclusively by the I/O thread after
// spawn, per the concurrency model in §5. Only internal/capture's own
// goroutine in thread.go may touch these.
type ioState struct {
	pcm pcmDevice

	hwbufUnused     int
	tschedWatermark int
	minSleep        int
	minWakeup       int
	watermarkStep   int

	minLatency time.Duration
	maxLatency time.Duration

	readCount uint64

	smoother   *smoother.Smoother
	rtpollItem *rtpoll.RTPoll

	spuriousLogged bool
}

// Source is one open capture engine instance: singleton per device, owned
// by whatever created it (cmd/alsasourced in this repo).
type Source struct {
	// mu guards only the main-thread-owned fields below; the I/O thread
	// never touches these, and the fields in io are never touched by the
	// main thread, per §5's ownership discipline.
	mu sync.Mutex

	deviceName string
	sourceName string
	args       Args

	mixer   *mixerbridge.Bridge
	reserve *reserve.Reservation

	// state is owned exclusively by the I/O thread (read in thread.go,
	// written in thread_control.go); it has a single writer so it needs no
	// lock. observedState is the main thread's cache of the last state it
	// confirmed via a SET_STATE reply, guarded by mu.
	state         State
	observedState State

	logger *log.Logger

	sampleSpec   alsa.SampleSpec
	nfragments   int
	fragmentSize int
	useMMap      bool
	useTsched    bool

	hardwareVolume []mixerbridge.ChannelVolume

	sink Sink
	pool memchunk.Pool

	io ioState

	inq  *threadmq.Queue
	outq *threadmq.Queue

	ioThreadDone chan struct{}
	stopMixer    chan struct{}

	// reopen is the unsuspend reopen strategy; nil means defaultReopen.
	// Tests substitute a fake to avoid touching real hardware.
	reopen reopenFunc
}

// New constructs a Source: opens the device, negotiates hardware
// parameters, optionally acquires a device reservation, and spawns the I/O
// thread. It does not itself transition into RUNNING; callers send
// CodeSetState(StateRunning) once they're ready to start pulling audio,
// mirroring the original's INIT -> OPENED handshake in §4.I.
func New(args Args, sink Sink, logger *log.Logger) (*Source, error) {
	if logger == nil {
		logger = log.Default()
	}

	pcm, err := alsa.Open(args.Device)
	if err != nil {
		return nil, fmt.Errorf("capture: configuration error: %w", err)
	}

	hw, err := pcm.SetHWParams(args.SampleSpec, args.Fragments, args.FragmentSize, args.MMap, args.Tsched)
	if err != nil {
		pcm.Close()
		return nil, fmt.Errorf("capture: negotiation error: %w", err)
	}

	availMin := hw.FragmentSize / args.SampleSpec.FrameSize()
	if err := pcm.SetSWParams(availMin); err != nil {
		pcm.Close()
		return nil, fmt.Errorf("capture: negotiation error: %w", err)
	}

	if hw.UseMMap != args.MMap {
		logger.Info("mmap access unsupported by device, downgrading to copy mode", "device", args.Device)
	}
	if hw.UseTsched != args.Tsched {
		logger.Info("timer scheduling unsupported by device, downgrading to interrupt-driven", "device", args.Device)
	}

	hwbufSize := hw.Fragments * hw.FragmentSize
	geometry := watermark.Geometry{FrameSize: args.SampleSpec.FrameSize(), HWBufSize: hwbufSize}

	minSleep, minWakeup := watermark.FixMinSleepWakeup(geometry, frameDurationBytes(args.SampleSpec, TschedMinSleepUsec), frameDurationBytes(args.SampleSpec, TschedMinWakeupUsec))
	tschedWatermark := watermark.FixTschedWatermark(geometry, minSleep, minWakeup, args.TschedBufferWatermark)

	s := &Source{
		deviceName:    args.Device,
		sourceName:    args.SourceName,
		args:          args,
		state:         StateInit,
		observedState: StateInit,
		logger:        logger,
		sampleSpec:    args.SampleSpec,
		nfragments:    hw.Fragments,
		fragmentSize:  hw.FragmentSize,
		useMMap:       hw.UseMMap,
		useTsched:     hw.UseTsched,
		sink:          sink,
		pool:          memchunk.DefaultPool,
		inq:           threadmq.New(16),
		outq:          threadmq.New(16),
		ioThreadDone:  make(chan struct{}),
		stopMixer:     make(chan struct{}),
	}

	s.io = ioState{
		pcm:             pcm,
		hwbufUnused:     0,
		tschedWatermark: tschedWatermark,
		minSleep:        minSleep,
		minWakeup:       minWakeup,
		watermarkStep:   frameDurationBytes(args.SampleSpec, TschedWatermarkStepUsec),
		minLatency:      DefaultTschedWatermarkUsec,
		maxLatency:      DefaultTschedBufferUsec,
		smoother:        smoother.New(),
	}

	rp, err := rtpoll.New()
	if err != nil {
		pcm.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	s.io.rtpollItem = rp

	if args.DeviceID == "" {
		res, err := reserve.Open(args.Device, s.onReleaseRequested)
		if err != nil {
			logger.Warn("device reservation unavailable, proceeding without it", "err", err)
		} else if err := res.Acquire(); err != nil {
			logger.Warn("could not acquire device reservation", "err", err)
			res.Close()
		} else {
			s.reserve = res
		}
	}

	channelMap := make(map[int]int, args.SampleSpec.Channels)
	for ch := 0; ch < args.SampleSpec.Channels; ch++ {
		channelMap[ch] = ch
	}
	if mixer, err := mixerbridge.Open(args.Device, "Capture", channelMap, args.IgnoreDB); err != nil {
		logger.Info("no usable capture mixer element, running without hardware volume/mute", "err", err)
	} else {
		s.mixer = mixer
		if vols, err := mixer.GetVolume(); err == nil {
			s.hardwareVolume = vols
		}
		go s.watchMixer()
	}

	go s.ioThreadLoop()

	return s, nil
}

func frameDurationBytes(spec alsa.SampleSpec, d time.Duration) int {
	frames := int(d.Seconds() * float64(spec.Rate))
	if frames < 1 {
		frames = 1
	}
	return frames * spec.FrameSize()
}

// onReleaseRequested implements the reservation-release contract of §4.E:
// the engine MUST attempt to suspend before yielding, vetoing the release
// if suspension fails.
func (s *Source) onReleaseRequested(forced bool) error {
	return s.SetState(StateSuspended)
}

// geometryLocked reconstructs the watermark.Geometry for the currently negotiated
// hwbuf, for use by the I/O thread's watermark recomputation.
func (s *Source) geometryLocked() watermark.Geometry {
	return watermark.Geometry{
		FrameSize:   s.sampleSpec.FrameSize(),
		HWBufSize:   s.nfragments * s.fragmentSize,
		HWBufUnused: s.io.hwbufUnused,
	}
}

// SourceName returns the registered downstream name.
func (s *Source) SourceName() string { return s.sourceName }

// State returns the source's last known state as observed by the main
// thread. The authoritative state transition happens inside the I/O
// thread's message handler; this mirrors it for callers that don't want to
// round-trip a message for a simple read.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observedState
}
