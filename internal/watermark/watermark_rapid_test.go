package watermark

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

func genGeometry(t *rapid.T) Geometry {
	frameSize := rapid.IntRange(2, 8).Draw(t, "frameSize")
	nfrags := rapid.IntRange(1, 16).Draw(t, "nfrags")
	fragSize := rapid.IntRange(frameSize, frameSize*64).Draw(t, "fragSize")
	hwbuf := fragSize * nfrags
	unused := rapid.IntRange(0, hwbuf/2).Draw(t, "unused")
	return Geometry{FrameSize: frameSize, HWBufSize: hwbuf, HWBufUnused: unused}
}

// TestFixMinSleepWakeupStaysInBounds checks invariant 2 from the data model:
// frame_size <= min_sleep, min_wakeup <= (hwbuf_size-hwbuf_unused)/2.
func TestFixMinSleepWakeupStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGeometry(t)
		minSleep := rapid.IntRange(0, g.HWBufSize).Draw(t, "minSleep")
		minWakeup := rapid.IntRange(0, g.HWBufSize).Draw(t, "minWakeup")

		sleep, wakeup := FixMinSleepWakeup(g, minSleep, minWakeup)

		high := g.recordable() / 2
		if high < g.FrameSize {
			high = g.FrameSize
		}
		if sleep < g.FrameSize || sleep > high {
			t.Fatalf("min_sleep %d out of [%d,%d]", sleep, g.FrameSize, high)
		}
		if wakeup < g.FrameSize || wakeup > high {
			t.Fatalf("min_wakeup %d out of [%d,%d]", wakeup, g.FrameSize, high)
		}
	})
}

// TestFixTschedWatermarkStaysInBounds checks invariant 3: min_wakeup <=
// tsched_watermark <= (hwbuf_size-hwbuf_unused) - min_sleep.
func TestFixTschedWatermarkStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGeometry(t)
		minSleep := rapid.IntRange(g.FrameSize, g.recordable()/2+g.FrameSize).Draw(t, "minSleep")
		minWakeup := rapid.IntRange(g.FrameSize, g.recordable()/2+g.FrameSize).Draw(t, "minWakeup")
		watermark := rapid.IntRange(0, g.HWBufSize*2).Draw(t, "watermark")

		got := FixTschedWatermark(g, minSleep, minWakeup, watermark)

		low := minWakeup
		high := g.recordable() - minSleep
		if high < low {
			high = low
		}
		if got < low || got > high {
			t.Fatalf("tsched_watermark %d out of [%d,%d]", got, low, high)
		}
	})
}

// TestHWSleepTimeSplitsBudget checks property 5: sleep+process equals the
// requested budget and process never exceeds the total.
func TestHWSleepTimeSplitsBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGeometry(t)
		rate := rapid.IntRange(1000, 192000).Draw(t, "rate")
		watermarkBytes := rapid.IntRange(0, g.HWBufSize*2).Draw(t, "watermarkBytes")
		requested := time.Duration(rapid.IntRange(0, 5_000_000).Draw(t, "requestedUsec")) * time.Microsecond

		sleep, process := HWSleepTime(g, rate, watermarkBytes, requested)

		total := requested
		if total <= 0 {
			total = bytesToUsec(g.FrameSize, rate, g.HWBufSize)
		}
		if sleep+process != total {
			t.Fatalf("sleep(%v)+process(%v) != total(%v)", sleep, process, total)
		}
		if process > total {
			t.Fatalf("process %v exceeds total %v", process, total)
		}
	})
}

// TestAdjustAfterOverrunGrowsSomething checks property 7: after a synthetic
// overrun, either the watermark or min_latency strictly grows, unless both
// are already saturated.
func TestAdjustAfterOverrunGrowsSomething(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGeometry(t)
		minSleep := rapid.IntRange(g.FrameSize, g.recordable()/2+g.FrameSize).Draw(t, "minSleep")
		minWakeup := rapid.IntRange(g.FrameSize, g.recordable()/2+g.FrameSize).Draw(t, "minWakeup")
		watermark := FixTschedWatermark(g, minSleep, minWakeup, rapid.IntRange(0, g.HWBufSize).Draw(t, "watermark"))
		step := rapid.IntRange(1, g.HWBufSize).Draw(t, "step")
		minLatency := time.Duration(rapid.IntRange(1, 1_000_000).Draw(t, "minLatencyUsec")) * time.Microsecond
		maxLatency := minLatency + time.Duration(rapid.IntRange(0, 1_000_000).Draw(t, "extraUsec"))*time.Microsecond
		stepUsec := time.Duration(rapid.IntRange(1, 100_000).Draw(t, "stepUsec")) * time.Microsecond

		adj := AdjustAfterOverrun(g, minSleep, minWakeup, watermark, step, minLatency, maxLatency, stepUsec)

		if adj.WatermarkMoved && adj.NewWatermark <= watermark {
			t.Fatalf("watermark claimed to move but %d <= %d", adj.NewWatermark, watermark)
		}
		if adj.MinLatencyMoved && adj.NewMinLatency <= minLatency {
			t.Fatalf("min_latency claimed to move but %v <= %v", adj.NewMinLatency, minLatency)
		}
		if !adj.WatermarkMoved && !adj.MinLatencyMoved {
			// Saturated: re-running FixTschedWatermark with double the
			// watermark (capped at +step) must already equal watermark, and
			// min_latency must already be at max.
			grown := watermark + watermark
			if grown > watermark+step {
				grown = watermark + step
			}
			if FixTschedWatermark(g, minSleep, minWakeup, grown) != watermark {
				t.Fatalf("watermark should have moved but adjustment reported no movement")
			}
			if minLatency != maxLatency {
				t.Fatalf("min_latency should have moved but adjustment reported no movement")
			}
		}
	})
}
