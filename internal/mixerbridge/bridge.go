// Package mixerbridge translates between a capture device's hardware
// volume/mute controls and the server's normalized ([0, Norm]) software
// volume, mirroring alsa-source.c's from_alsa_volume/to_alsa_volume and
// mixer_callback. It sits on top of internal/alsa's mixer FFI.
package mixerbridge

import (
	"fmt"
	"math"

	"github.com/alsasourced/alsasourced/internal/alsa"
)

// Norm is the normalized-volume value representing "100%" / 0 dB,
// matching PulseAudio's PA_VOLUME_NORM.
const Norm = 1 << 16

// minDiscreteLevels is the threshold below which a mixer control is judged
// too coarse to drive from software and is downgraded to pure software
// volume, per §4.F.
const minDiscreteLevels = 4

// Strategy selects how a mixer with multiple channels is driven.
type Strategy int

const (
	// StrategySeparate drives each channel via its own mixer_map entry.
	StrategySeparate Strategy = iota
	// StrategyUnified drives all channels together via SCHN_MONO, taking
	// the max channel volume as the representative value.
	StrategyUnified
)

// Bridge mediates one mixer element. BaseVolume and the dB fields are set
// once at construction; HWMin/HWMax/DBMin/DBMax describe the probed range.
type Bridge struct {
	elem *alsa.MixerElement

	hwMin, hwMax int
	dBSupported  bool
	dBMin, dBMax int

	strategy    Strategy
	channelMap  map[int]int // logical channel -> mixer channel id
	hasSwitch   bool

	// BaseVolume is the normalized volume corresponding to 0 dB of
	// attenuation, computed from -dBMax when dB is supported.
	BaseVolume int

	softwareOnly bool
}

// Open probes card/name for capture volume and dB range and returns a
// configured Bridge. ignoreDB skips dB probing even if the hardware
// supports it, matching the ignore_dB module argument.
func Open(card, name string, channelMap map[int]int, ignoreDB bool) (*Bridge, error) {
	elem, err := alsa.OpenMixerElement(card, name)
	if err != nil {
		return nil, err
	}

	b := &Bridge{elem: elem, channelMap: channelMap, hasSwitch: elem.HasCaptureSwitch(), BaseVolume: Norm}

	hwMin, hwMax, err := elem.VolumeRange()
	if err != nil {
		b.softwareOnly = true
		return b, nil
	}
	b.hwMin, b.hwMax = hwMin, hwMax

	if hwMax <= hwMin || hwMax-hwMin+1 < minDiscreteLevels {
		b.softwareOnly = true
		return b, nil
	}

	if !ignoreDB {
		if dbMin, dbMax, err := elem.DBRange(); err == nil && dbMax > dbMin {
			b.dBSupported = true
			b.dBMin, b.dBMax = dbMin, dbMax
			b.BaseVolume = swVolumeFromDB(float64(-dbMax) / 100.0)
		}
	}

	if len(channelMap) > 1 {
		b.strategy = StrategySeparate
	} else {
		b.strategy = StrategyUnified
	}

	return b, nil
}

// SoftwareOnly reports whether the device degraded to pure software volume
// (PA_SOURCE_HW_VOLUME_CTRL not set), either because there is no usable
// capture volume control or because it has too few discrete steps.
func (b *Bridge) SoftwareOnly() bool { return b.softwareOnly }

// DBSupported reports whether dB-scaled reads/writes are in effect.
func (b *Bridge) DBSupported() bool { return b.dBSupported }

func swVolumeFromDB(db float64) int {
	return int(math.Round(math.Pow(10, db/20) * Norm))
}

func swVolumeToDB(v int) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(float64(v)/Norm)
}

// FromALSA converts a raw hardware value to normalized volume, without dB.
func FromALSA(hw, hwMin, hwMax int) int {
	if hwMax == hwMin {
		return 0
	}
	return int(math.Round(float64(hw-hwMin) * Norm / float64(hwMax-hwMin)))
}

// ToALSA converts a normalized volume to a raw hardware value, without dB.
func ToALSA(norm, hwMin, hwMax int) int {
	v := hwMin + int(math.Round(float64(norm)*float64(hwMax-hwMin)/Norm))
	if v < hwMin {
		v = hwMin
	}
	if v > hwMax {
		v = hwMax
	}
	return v
}

// ChannelVolume pairs a mixer read/write with the logical channel it maps
// to.
type ChannelVolume struct {
	Channel int
	Norm    int
}

// GetVolume reads back the current per-channel normalized volume from
// hardware.
func (b *Bridge) GetVolume() ([]ChannelVolume, error) {
	if b.softwareOnly {
		return nil, fmt.Errorf("mixerbridge: software-only, no hardware volume to read")
	}

	read := func(mixerCh int) (int, error) {
		if b.dBSupported {
			dB, err := b.elem.GetVolumeDB(mixerCh)
			if err != nil {
				return 0, err
			}
			return swVolumeFromDB(float64(dB-b.dBMax) / 100.0), nil
		}
		hw, err := b.elem.GetVolume(mixerCh)
		if err != nil {
			return 0, err
		}
		return FromALSA(hw, b.hwMin, b.hwMax), nil
	}

	if b.strategy == StrategyUnified {
		n, err := read(0)
		if err != nil {
			return nil, err
		}
		out := make([]ChannelVolume, 0, len(b.channelMap))
		for ch := range b.channelMap {
			out = append(out, ChannelVolume{Channel: ch, Norm: n})
		}
		return out, nil
	}

	out := make([]ChannelVolume, 0, len(b.channelMap))
	for ch, mixerCh := range b.channelMap {
		n, err := read(mixerCh)
		if err != nil {
			return nil, err
		}
		out = append(out, ChannelVolume{Channel: ch, Norm: n})
	}
	return out, nil
}

// SetVolume writes requested per-channel volumes to hardware and returns,
// per channel, the residual (requested/actual) that the caller must fold
// into its software volume stage to preserve the exact perceptual level.
func (b *Bridge) SetVolume(requested []ChannelVolume) (map[int]float64, error) {
	if b.softwareOnly {
		return nil, fmt.Errorf("mixerbridge: software-only, cannot write hardware volume")
	}

	residual := make(map[int]float64, len(requested))

	write := func(mixerCh, norm int) (int, error) {
		if b.dBSupported {
			dB := int(math.Round(swVolumeToDB(norm)*100)) + b.dBMax
			actual, err := b.elem.SetVolumeDB(mixerCh, dB)
			if err != nil {
				return 0, err
			}
			return swVolumeFromDB(float64(actual-b.dBMax) / 100.0), nil
		}
		hw := ToALSA(norm, b.hwMin, b.hwMax)
		actual, err := b.elem.SetVolume(mixerCh, hw)
		if err != nil {
			return 0, err
		}
		return FromALSA(actual, b.hwMin, b.hwMax), nil
	}

	if b.strategy == StrategyUnified {
		max := 0
		for _, cv := range requested {
			if cv.Norm > max {
				max = cv.Norm
			}
		}
		actual, err := write(0, max)
		if err != nil {
			return nil, err
		}
		for _, cv := range requested {
			residual[cv.Channel] = residualOf(cv.Norm, actual)
		}
		return residual, nil
	}

	for _, cv := range requested {
		mixerCh, ok := b.channelMap[cv.Channel]
		if !ok {
			continue
		}
		actual, err := write(mixerCh, cv.Norm)
		if err != nil {
			return nil, err
		}
		residual[cv.Channel] = residualOf(cv.Norm, actual)
	}
	return residual, nil
}

func residualOf(requested, actual int) float64 {
	if actual == 0 {
		return 1
	}
	return float64(requested) / float64(actual)
}

// GetMute reads the hardware mute state, via the capture switch if present.
func (b *Bridge) GetMute() (bool, error) {
	if !b.hasSwitch {
		return false, fmt.Errorf("mixerbridge: no hardware capture switch")
	}
	unmuted, err := b.elem.GetSwitch(0)
	if err != nil {
		return false, err
	}
	return !unmuted, nil
}

// SetMute drives the hardware capture switch if present; callers fall back
// to software mute when HasSwitch is false.
func (b *Bridge) SetMute(muted bool) error {
	if !b.hasSwitch {
		return fmt.Errorf("mixerbridge: no hardware capture switch")
	}
	return b.elem.SetSwitch(!muted)
}

// HasSwitch reports whether hardware mute is available.
func (b *Bridge) HasSwitch() bool { return b.hasSwitch }

// Resync re-applies a previously known hardware_volume after a
// suspend/resume cycle. The original source leaves this as a
// "FIXME: We need to reload the volume somehow" gap in unsuspend(); this
// bridge resolves it explicitly instead of letting the resumed device's
// default volume silently take over.
func (b *Bridge) Resync(hardwareVolume []ChannelVolume) error {
	if b.softwareOnly || len(hardwareVolume) == 0 {
		return nil
	}
	_, err := b.SetVolume(hardwareVolume)
	return err
}

// PollDescriptor exposes the mixer's notification fd so a caller can poll
// it for mixer events.
func (b *Bridge) PollDescriptor() (int, error) {
	return b.elem.PollDescriptor()
}

// HandleEvents drains pending mixer events; VALUE events should be followed
// by a GetVolume/GetMute re-read by the caller, REMOVE events are ignored
// per §4.F.
func (b *Bridge) HandleEvents() error {
	return b.elem.HandleEvents()
}

// Close releases the underlying mixer handle.
func (b *Bridge) Close() error {
	if b.elem == nil {
		return nil
	}
	return b.elem.Close()
}
