// Package alsa is a thin cgo binding over the subset of ALSA's snd_pcm_*
// and snd_mixer_* surface this capture engine needs. It follows the same
// cgo-plus-pkg-config shape the teacher repo's src/audio.go uses for its
// own PCM I/O, narrowed to capture-only and extended with the mmap and
// mixer entry points the teacher never needed.
package alsa

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <stdlib.h>

static int x_snd_pcm_recover(snd_pcm_t *pcm, int err, int silent) {
	return snd_pcm_recover(pcm, err, silent);
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Format mirrors the handful of snd_pcm_format_t values this engine
// negotiates against.
type Format int

const (
	FormatS16LE Format = iota
	FormatS24LE
	FormatS32LE
	FormatFloat32LE
)

func (f Format) alsa() C.snd_pcm_format_t {
	switch f {
	case FormatS24LE:
		return C.SND_PCM_FORMAT_S24_LE
	case FormatS32LE:
		return C.SND_PCM_FORMAT_S32_LE
	case FormatFloat32LE:
		return C.SND_PCM_FORMAT_FLOAT_LE
	default:
		return C.SND_PCM_FORMAT_S16_LE
	}
}

// FrameSize returns the number of bytes one frame occupies for the given
// channel count, matching snd_pcm_format_width/8 * channels.
func (f Format) FrameSize(channels int) int {
	switch f {
	case FormatS24LE, FormatS32LE, FormatFloat32LE:
		return 4 * channels
	default:
		return 2 * channels
	}
}

// SampleSpec is the negotiated rate/format/channel triple, immutable once
// negotiated per the data model.
type SampleSpec struct {
	Rate     int
	Format   Format
	Channels int
}

// FrameSize is the per-frame byte count for this spec.
func (s SampleSpec) FrameSize() int { return s.Format.FrameSize(s.Channels) }

// Errno wraps a raw ALSA/errno return code.
type Errno int

func (e Errno) Error() string {
	return C.GoString(C.snd_strerror(C.int(e)))
}

// IsEPIPE reports whether e is the overrun/underrun signal -EPIPE.
func (e Errno) IsEPIPE() bool { return int(e) == -int(unix.EPIPE) }

// IsEAGAIN reports whether e is -EAGAIN. try_recover treats seeing this as
// a violated precondition (see internal/capture/read.go) because the
// engine only ever uses blocking, avail-driven PCM handles.
func (e Errno) IsEAGAIN() bool { return int(e) == -int(unix.EAGAIN) }

// HWParams is the negotiated hardware geometry returned by SetHWParams.
type HWParams struct {
	Fragments    int
	FragmentSize int
	UseMMap      bool
	UseTsched    bool
}

// PCM wraps one open snd_pcm_t capture handle. Not safe for concurrent use;
// per the concurrency model exactly one goroutine (the I/O thread) may call
// into a given PCM after open.
type PCM struct {
	handle *C.snd_pcm_t
	spec   SampleSpec
}

// Open opens device for capture with NO_AUTO_{RESAMPLE,CHANNELS,FORMAT},
// mirroring the flags the original source uses so the kernel never silently
// converts the stream underneath this engine.
func Open(device string) (*PCM, error) {
	cdev := C.CString(device)
	defer C.free(unsafe.Pointer(cdev))

	var handle *C.snd_pcm_t
	flags := C.int(C.SND_PCM_NO_AUTO_RESAMPLE | C.SND_PCM_NO_AUTO_CHANNELS | C.SND_PCM_NO_AUTO_FORMAT)
	ret := C.snd_pcm_open(&handle, cdev, C.SND_PCM_STREAM_CAPTURE, flags)
	if ret < 0 {
		return nil, fmt.Errorf("alsa: open %q: %w", device, Errno(ret))
	}
	return &PCM{handle: handle}, nil
}

// SetHWParams negotiates format/rate/channels/geometry and access mode,
// requesting mmap access when wantMMap asks for it and falling back to
// RW interleaved access if the device refuses it; the returned HWParams
// reports the access mode actually negotiated. UseTsched is returned
// exactly as wantTsched requested: timer-scheduling support is not probed
// and never downgraded here.
func (p *PCM) SetHWParams(spec SampleSpec, fragments, fragmentSize int, wantMMap, wantTsched bool) (HWParams, error) {
	var hw *C.snd_pcm_hw_params_t
	C.snd_pcm_hw_params_malloc(&hw)
	defer C.snd_pcm_hw_params_free(hw)

	if ret := C.snd_pcm_hw_params_any(p.handle, hw); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_any: %w", Errno(ret))
	}

	useMMap := wantMMap
	if useMMap {
		if ret := C.snd_pcm_hw_params_set_access(p.handle, hw, C.SND_PCM_ACCESS_MMAP_INTERLEAVED); ret < 0 {
			useMMap = false
		}
	}
	if !useMMap {
		if ret := C.snd_pcm_hw_params_set_access(p.handle, hw, C.SND_PCM_ACCESS_RW_INTERLEAVED); ret < 0 {
			return HWParams{}, fmt.Errorf("alsa: hw_params_set_access: %w", Errno(ret))
		}
	}

	if ret := C.snd_pcm_hw_params_set_format(p.handle, hw, spec.Format.alsa()); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_set_format: %w", Errno(ret))
	}
	if ret := C.snd_pcm_hw_params_set_channels(p.handle, hw, C.uint(spec.Channels)); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_set_channels: %w", Errno(ret))
	}
	rate := C.uint(spec.Rate)
	if ret := C.snd_pcm_hw_params_set_rate_near(p.handle, hw, &rate, nil); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_set_rate_near: %w", Errno(ret))
	}

	periodFrames := C.snd_pcm_uframes_t(fragmentSize / spec.FrameSize())
	if ret := C.snd_pcm_hw_params_set_period_size_near(p.handle, hw, &periodFrames, nil); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_set_period_size_near: %w", Errno(ret))
	}
	bufferFrames := periodFrames * C.snd_pcm_uframes_t(fragments)
	if ret := C.snd_pcm_hw_params_set_buffer_size_near(p.handle, hw, &bufferFrames); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params_set_buffer_size_near: %w", Errno(ret))
	}

	if ret := C.snd_pcm_hw_params(p.handle, hw); ret < 0 {
		return HWParams{}, fmt.Errorf("alsa: hw_params: %w", Errno(ret))
	}

	p.spec = spec
	p.spec.Rate = int(rate)

	useTsched := wantTsched
	actualFragments := int(bufferFrames / periodFrames)
	actualFragSize := int(periodFrames) * spec.FrameSize()

	return HWParams{
		Fragments:    actualFragments,
		FragmentSize: actualFragSize,
		UseMMap:      useMMap,
		UseTsched:    useTsched,
	}, nil
}

// SetSWParams configures avail_min, the software threshold at which a
// blocking wait or poll wakes, matching set_sw_params in the original
// source.
func (p *PCM) SetSWParams(availMinFrames int) error {
	var sw *C.snd_pcm_sw_params_t
	C.snd_pcm_sw_params_malloc(&sw)
	defer C.snd_pcm_sw_params_free(sw)

	if ret := C.snd_pcm_sw_params_current(p.handle, sw); ret < 0 {
		return fmt.Errorf("alsa: sw_params_current: %w", Errno(ret))
	}
	if ret := C.snd_pcm_sw_params_set_avail_min(p.handle, sw, C.snd_pcm_uframes_t(availMinFrames)); ret < 0 {
		return fmt.Errorf("alsa: sw_params_set_avail_min: %w", Errno(ret))
	}
	if ret := C.snd_pcm_sw_params(p.handle, sw); ret < 0 {
		return fmt.Errorf("alsa: sw_params: %w", Errno(ret))
	}
	return nil
}

// Start issues snd_pcm_start, arming the device to begin filling its ring
// buffer.
func (p *PCM) Start() error {
	if ret := C.snd_pcm_start(p.handle); ret < 0 {
		return fmt.Errorf("alsa: start: %w", Errno(ret))
	}
	return nil
}

// Drop issues snd_pcm_drop, immediately stopping the device without
// draining.
func (p *PCM) Drop() error {
	if ret := C.snd_pcm_drop(p.handle); ret < 0 {
		return fmt.Errorf("alsa: drop: %w", Errno(ret))
	}
	return nil
}

// Close releases the underlying snd_pcm_t. The handle must not be used
// again afterward.
func (p *PCM) Close() error {
	if ret := C.snd_pcm_close(p.handle); ret < 0 {
		return fmt.Errorf("alsa: close: %w", Errno(ret))
	}
	return nil
}

// Avail returns the number of frames available to read, or a negative
// Errno (via the returned error) on underlying device error — most notably
// -EPIPE on overrun.
func (p *PCM) Avail() (int, error) {
	n := C.snd_pcm_avail(p.handle)
	if n < 0 {
		return 0, Errno(n)
	}
	return int(n), nil
}

// Delay returns the number of frames currently queued between the read
// pointer and the hardware pointer, used by update_smoother to compute the
// true capture position.
func (p *PCM) Delay() (int, error) {
	var delay C.snd_pcm_sframes_t
	ret := C.snd_pcm_delay(p.handle, &delay)
	if ret < 0 {
		return 0, Errno(ret)
	}
	return int(delay), nil
}

// HTimestamp returns the device's hardware-derived capture timestamp, or
// the zero time if the driver does not report one (callers fall back to
// time.Now in that case, as the spec requires).
func (p *PCM) HTimestamp() (time.Time, error) {
	var status *C.snd_pcm_status_t
	C.snd_pcm_status_malloc(&status)
	defer C.snd_pcm_status_free(status)

	if ret := C.snd_pcm_status(p.handle, status); ret < 0 {
		return time.Time{}, fmt.Errorf("alsa: status: %w", Errno(ret))
	}
	var ts C.snd_htimestamp_t
	C.snd_pcm_status_get_htstamp(status, &ts)
	if ts.tv_sec == 0 && ts.tv_nsec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(ts.tv_sec), int64(ts.tv_nsec)), nil
}

// Readi reads up to len(buf)/frameSize frames via the copy-mode path,
// returning the number of frames actually read.
func (p *PCM) Readi(buf []byte, frameSize int) (int, error) {
	frames := C.snd_pcm_uframes_t(len(buf) / frameSize)
	n := C.snd_pcm_readi(p.handle, unsafe.Pointer(&buf[0]), frames)
	if n < 0 {
		return 0, Errno(n)
	}
	return int(n), nil
}

// MMapArea describes one channel area returned by snd_pcm_mmap_begin; this
// engine only supports the single interleaved area case the spec requires.
type MMapArea struct {
	Addr unsafe.Pointer
	// FirstBit and StepBits mirror snd_pcm_channel_area_t's first/step,
	// used to assert the region is a single interleaved buffer.
	FirstBit int
	StepBits int
}

// MMapBegin exposes the kernel's DMA region for up to frames frames,
// returning the area description, an offset in frames, and how many frames
// were actually granted.
func (p *PCM) MMapBegin(frames int) (MMapArea, int, int, error) {
	var areas *C.snd_pcm_channel_area_t
	var offset C.snd_pcm_uframes_t
	cframes := C.snd_pcm_uframes_t(frames)

	ret := C.snd_pcm_mmap_begin(p.handle, &areas, &offset, &cframes)
	if ret < 0 {
		return MMapArea{}, 0, 0, Errno(ret)
	}

	area := MMapArea{
		Addr:     areas.addr,
		FirstBit: int(areas.first),
		StepBits: int(areas.step),
	}
	return area, int(offset), int(cframes), nil
}

// MMapCommit hands frames frames starting at offset back to the kernel.
// This MUST be called, and any fixed memblock wrapping the mmap region MUST
// already be released, before this returns control to ALSA.
func (p *PCM) MMapCommit(offset, frames int) (int, error) {
	n := C.snd_pcm_mmap_commit(p.handle, C.snd_pcm_uframes_t(offset), C.snd_pcm_uframes_t(frames))
	if n < 0 {
		return 0, Errno(n)
	}
	return int(n), nil
}

// PollDescriptors returns the fds and events this PCM wants polled,
// suitable for direct use by internal/rtpoll.
func (p *PCM) PollDescriptors() ([]unix.PollFd, error) {
	n := C.snd_pcm_poll_descriptors_count(p.handle)
	if n <= 0 {
		return nil, fmt.Errorf("alsa: poll_descriptors_count: %w", Errno(n))
	}
	cfds := make([]C.struct_pollfd, n)
	ret := C.snd_pcm_poll_descriptors(p.handle, &cfds[0], C.uint(n))
	if ret < 0 {
		return nil, fmt.Errorf("alsa: poll_descriptors: %w", Errno(ret))
	}
	fds := make([]unix.PollFd, ret)
	for i := 0; i < int(ret); i++ {
		fds[i] = unix.PollFd{Fd: int32(cfds[i].fd), Events: int16(cfds[i].events)}
	}
	return fds, nil
}

// PollDescriptorsRevents translates raw poll() revents back into the
// PCM-level event mask ALSA expects the caller to interpret (handling
// devices whose poll fds don't map 1:1 onto POLLIN).
func (p *PCM) PollDescriptorsRevents(fds []unix.PollFd) (int16, error) {
	cfds := make([]C.struct_pollfd, len(fds))
	for i, f := range fds {
		cfds[i] = C.struct_pollfd{fd: C.int(f.Fd), events: C.short(f.Events), revents: C.short(f.Revents)}
	}
	var revents C.ushort
	var first *C.struct_pollfd
	if len(cfds) > 0 {
		first = &cfds[0]
	}
	ret := C.snd_pcm_poll_descriptors_revents(p.handle, first, C.uint(len(cfds)), &revents)
	if ret < 0 {
		return 0, Errno(ret)
	}
	return int16(revents), nil
}

// Recover wraps snd_pcm_recover: given the errno that provoked the call,
// attempt the ALSA-prescribed xrun/suspend recovery. silent suppresses
// ALSA's own stderr diagnostics, matching how the original source calls it.
func Recover(p *PCM, err error, silent bool) error {
	var errno Errno
	switch e := err.(type) {
	case Errno:
		errno = e
	default:
		return fmt.Errorf("alsa: recover: non-ALSA error: %w", err)
	}

	s := 0
	if silent {
		s = 1
	}
	ret := C.x_snd_pcm_recover(p.handle, C.int(errno), C.int(s))
	if ret < 0 {
		return fmt.Errorf("alsa: recover: %w", Errno(ret))
	}
	return nil
}

// Recover is the method form of the package-level Recover function, letting
// *PCM satisfy a narrow device interface for callers (like
// internal/capture) that want to substitute a fake implementation in
// tests.
func (p *PCM) Recover(err error, silent bool) error {
	return Recover(p, err, silent)
}
