package mixerbridge

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// TestALSAVolumeRoundTrip checks property 3: for hw_max > hw_min+3,
// to_alsa(from_alsa(v)) == v within +/-1 discrete step, and
// from_alsa(to_alsa(n)) == n within +/-1/(hw_max-hw_min) of Norm.
func TestALSAVolumeRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hwMin := rapid.IntRange(0, 1000).Draw(t, "hwMin")
		hwMax := rapid.IntRange(hwMin+4, hwMin+100000).Draw(t, "hwMax")
		v := rapid.IntRange(hwMin, hwMax).Draw(t, "v")

		got := ToALSA(FromALSA(v, hwMin, hwMax), hwMin, hwMax)
		if diff := got - v; diff < -1 || diff > 1 {
			t.Fatalf("to_alsa(from_alsa(%d))=%d, want within 1 of %d", v, got, v)
		}

		n := rapid.IntRange(0, Norm).Draw(t, "n")
		gotN := FromALSA(ToALSA(n, hwMin, hwMax), hwMin, hwMax)
		tolerance := int(math.Ceil(float64(Norm) / float64(hwMax-hwMin)))
		if diff := gotN - n; diff < -tolerance || diff > tolerance {
			t.Fatalf("from_alsa(to_alsa(%d))=%d, want within %d of %d", n, gotN, tolerance, n)
		}
	})
}

// TestSWVolumeDBRoundTrip checks property 4: with dB supported,
// sw_from_dB(sw_to_dB(v)) approx v to rounding of 0.01 dB.
func TestSWVolumeDBRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(1, Norm*4).Draw(t, "v")

		db := swVolumeToDB(v)
		roundedDB := math.Round(db*100) / 100
		got := swVolumeFromDB(roundedDB)

		tolerance := int(math.Ceil(float64(v) * 0.0012))
		if tolerance < 1 {
			tolerance = 1
		}
		if diff := got - v; diff < -tolerance || diff > tolerance {
			t.Fatalf("sw_from_dB(sw_to_dB(%d))=%d, want within %d", v, got, tolerance)
		}
	})
}
