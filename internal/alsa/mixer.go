package alsa

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// MixerElement wraps one snd_mixer_t + snd_mixer_selem_id_t pair bound to a
// capture control, the surface internal/mixerbridge drives. Grounded on the
// barista volume/alsa module's get/set capture volume and dB calls.
type MixerElement struct {
	mixer *C.snd_mixer_t
	elem  *C.snd_mixer_elem_t
}

// OpenMixerElement attaches to card and selects the named simple mixer
// element (e.g. "Capture"), failing if it does not expose a capture volume
// or switch at all.
func OpenMixerElement(card, name string) (*MixerElement, error) {
	var mixer *C.snd_mixer_t
	if ret := C.snd_mixer_open(&mixer, 0); ret < 0 {
		return nil, fmt.Errorf("alsa: mixer_open: %w", Errno(ret))
	}

	ccard := C.CString(card)
	defer C.free(unsafe.Pointer(ccard))
	if ret := C.snd_mixer_attach(mixer, ccard); ret < 0 {
		C.snd_mixer_close(mixer)
		return nil, fmt.Errorf("alsa: mixer_attach %q: %w", card, Errno(ret))
	}
	if ret := C.snd_mixer_selem_register(mixer, nil, nil); ret < 0 {
		C.snd_mixer_close(mixer)
		return nil, fmt.Errorf("alsa: selem_register: %w", Errno(ret))
	}
	if ret := C.snd_mixer_load(mixer); ret < 0 {
		C.snd_mixer_close(mixer)
		return nil, fmt.Errorf("alsa: mixer_load: %w", Errno(ret))
	}

	var sid *C.snd_mixer_selem_id_t
	C.snd_mixer_selem_id_malloc(&sid)
	defer C.snd_mixer_selem_id_free(sid)
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	C.snd_mixer_selem_id_set_index(sid, 0)
	C.snd_mixer_selem_id_set_name(sid, cname)

	elem := C.snd_mixer_find_selem(mixer, sid)
	if elem == nil {
		C.snd_mixer_close(mixer)
		return nil, fmt.Errorf("alsa: no mixer element named %q", name)
	}
	if C.snd_mixer_selem_has_capture_volume(elem) == 0 && C.snd_mixer_selem_has_capture_switch(elem) == 0 {
		C.snd_mixer_close(mixer)
		return nil, fmt.Errorf("alsa: element %q has neither capture volume nor switch", name)
	}

	return &MixerElement{mixer: mixer, elem: elem}, nil
}

// Close releases the mixer handle.
func (m *MixerElement) Close() error {
	if ret := C.snd_mixer_close(m.mixer); ret < 0 {
		return fmt.Errorf("alsa: mixer_close: %w", Errno(ret))
	}
	return nil
}

// HasCaptureSwitch reports whether the element can mute in hardware.
func (m *MixerElement) HasCaptureSwitch() bool {
	return C.snd_mixer_selem_has_capture_switch(m.elem) != 0
}

// VolumeRange returns the element's [min, max] raw hardware volume range.
func (m *MixerElement) VolumeRange() (min, max int, err error) {
	var cmin, cmax C.long
	if ret := C.snd_mixer_selem_get_capture_volume_range(m.elem, &cmin, &cmax); ret < 0 {
		return 0, 0, fmt.Errorf("alsa: get_capture_volume_range: %w", Errno(ret))
	}
	return int(cmin), int(cmax), nil
}

// DBRange returns the element's [min, max] dB range, scaled by 100
// (hundredths of a dB), or an error if the element has no dB mapping.
func (m *MixerElement) DBRange() (min, max int, err error) {
	var cmin, cmax C.long
	if ret := C.snd_mixer_selem_get_capture_dB_range(m.elem, &cmin, &cmax); ret < 0 {
		return 0, 0, fmt.Errorf("alsa: get_capture_dB_range: %w", Errno(ret))
	}
	return int(cmin), int(cmax), nil
}

// ChannelCount reports how many of the channel ids 0..31 the element
// exposes as capture channels, or 1 if it reports none.
func (m *MixerElement) ChannelCount() int {
	n := 0
	for ch := C.snd_mixer_selem_channel_id_t(0); ch < 32; ch++ {
		if C.snd_mixer_selem_has_capture_channel(m.elem, ch) != 0 {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// GetVolume reads the raw hardware volume for one channel.
func (m *MixerElement) GetVolume(channel int) (int, error) {
	var v C.long
	if ret := C.snd_mixer_selem_get_capture_volume(m.elem, C.snd_mixer_selem_channel_id_t(channel), &v); ret < 0 {
		return 0, fmt.Errorf("alsa: get_capture_volume: %w", Errno(ret))
	}
	return int(v), nil
}

// SetVolume writes the raw hardware volume for one channel and returns what
// the hardware actually stored (callers push the residual into software
// volume).
func (m *MixerElement) SetVolume(channel, value int) (int, error) {
	if ret := C.snd_mixer_selem_set_capture_volume(m.elem, C.snd_mixer_selem_channel_id_t(channel), C.long(value)); ret < 0 {
		return 0, fmt.Errorf("alsa: set_capture_volume: %w", Errno(ret))
	}
	return m.GetVolume(channel)
}

// GetVolumeDB reads the capture volume of one channel in hundredths of a
// dB.
func (m *MixerElement) GetVolumeDB(channel int) (int, error) {
	var v C.long
	if ret := C.snd_mixer_selem_get_capture_dB(m.elem, C.snd_mixer_selem_channel_id_t(channel), &v); ret < 0 {
		return 0, fmt.Errorf("alsa: get_capture_dB: %w", Errno(ret))
	}
	return int(v), nil
}

// SetVolumeDB writes the capture volume of one channel in hundredths of a
// dB.
func (m *MixerElement) SetVolumeDB(channel, millibel int) (int, error) {
	if ret := C.snd_mixer_selem_set_capture_dB(m.elem, C.snd_mixer_selem_channel_id_t(channel), C.long(millibel), 0); ret < 0 {
		return 0, fmt.Errorf("alsa: set_capture_dB: %w", Errno(ret))
	}
	return m.GetVolumeDB(channel)
}

// GetSwitch reads the hardware capture mute switch (true == unmuted).
func (m *MixerElement) GetSwitch(channel int) (bool, error) {
	var v C.int
	if ret := C.snd_mixer_selem_get_capture_switch(m.elem, C.snd_mixer_selem_channel_id_t(channel), &v); ret < 0 {
		return false, fmt.Errorf("alsa: get_capture_switch: %w", Errno(ret))
	}
	return v != 0, nil
}

// SetSwitch writes the hardware capture mute switch for all channels.
func (m *MixerElement) SetSwitch(unmuted bool) error {
	v := C.int(0)
	if unmuted {
		v = 1
	}
	if ret := C.snd_mixer_selem_set_capture_switch_all(m.elem, v); ret < 0 {
		return fmt.Errorf("alsa: set_capture_switch_all: %w", Errno(ret))
	}
	return nil
}

// PollDescriptor returns the mixer's single notification fd, which the
// capture package's mixer watch polls so VALUE/REMOVE events wake it.
func (m *MixerElement) PollDescriptor() (int, error) {
	n := C.snd_mixer_poll_descriptors_count(m.mixer)
	if n != 1 {
		return 0, fmt.Errorf("alsa: mixer exposes %d poll descriptors, want 1", n)
	}
	var pfd C.struct_pollfd
	if ret := C.snd_mixer_poll_descriptors(m.mixer, &pfd, 1); ret < 0 {
		return 0, fmt.Errorf("alsa: mixer_poll_descriptors: %w", Errno(ret))
	}
	return int(pfd.fd), nil
}

// HandleEvents drains and dispatches pending mixer events (VALUE/REMOVE),
// corresponding to a mixer_callback invocation in the original source.
func (m *MixerElement) HandleEvents() error {
	if ret := C.snd_mixer_handle_events(m.mixer); ret < 0 {
		return fmt.Errorf("alsa: mixer_handle_events: %w", Errno(ret))
	}
	return nil
}
