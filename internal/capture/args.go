package capture

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/alsasourced/alsasourced/internal/alsa"
)

// Default geometry and tsched constants, carried over from the original
// source's DEFAULT_TSCHED_BUFFER_USEC / DEFAULT_TSCHED_WATERMARK_USEC /
// TSCHED_WATERMARK_STEP_USEC / TSCHED_MIN_SLEEP_USEC / TSCHED_MIN_WAKEUP_USEC.
const (
	DefaultTschedBufferUsec    = 2 * time.Second
	DefaultTschedWatermarkUsec = 20 * time.Millisecond
	TschedWatermarkStepUsec    = 10 * time.Millisecond
	TschedMinSleepUsec         = 10 * time.Millisecond
	TschedMinWakeupUsec        = 4 * time.Millisecond

	defaultFragments    = 4
	defaultFragmentSize = 8192
)

// Args is the parsed form of the module arguments table in §6.
type Args struct {
	Device      string
	DeviceID    string
	SourceName  string
	Name        string
	Fragments   int
	FragmentSize int
	TschedBufferSize      int
	TschedBufferWatermark int
	MMap     bool
	Tsched   bool
	IgnoreDB bool

	SampleSpec alsa.SampleSpec
}

// ParseArgs parses module arguments in the "key=value key2=value2" form the
// server's module loader hands the driver, applying the defaults from §6.
// Argument parsing itself is out of this spec's core scope; pflag is used
// here only as the underlying flag-value parser, the way cmd/alsasourced
// uses it for process-level CLI flags.
func ParseArgs(tokens []string, spec alsa.SampleSpec) (Args, error) {
	fs := pflag.NewFlagSet("module-alsa-source", pflag.ContinueOnError)

	device := fs.String("device", "default", "")
	deviceID := fs.String("device_id", "", "")
	sourceName := fs.String("source_name", "", "")
	name := fs.String("name", "", "")
	fragments := fs.Uint32("fragments", defaultFragments, "")
	fragmentSize := fs.Uint32("fragment_size", defaultFragmentSize, "")
	tschedBufferSize := fs.Uint32("tsched_buffer_size", 0, "")
	tschedBufferWatermark := fs.Uint32("tsched_buffer_watermark", 0, "")
	mmap := fs.Bool("mmap", true, "")
	tsched := fs.Bool("tsched", true, "")
	ignoreDB := fs.Bool("ignore_dB", false, "")

	argv := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		argv = append(argv, "--"+tok)
	}
	if err := fs.Parse(argv); err != nil {
		return Args{}, fmt.Errorf("capture: parse module arguments: %w", err)
	}

	a := Args{
		Device:       *device,
		DeviceID:     *deviceID,
		SourceName:   *sourceName,
		Name:         *name,
		Fragments:    int(*fragments),
		FragmentSize: int(*fragmentSize),
		MMap:         *mmap,
		Tsched:       *tsched,
		IgnoreDB:     *ignoreDB,
		SampleSpec:   spec,
	}

	if a.SourceName == "" {
		if a.Name != "" {
			a.SourceName = a.Name
		} else {
			a.SourceName = "alsa_input." + a.Device
		}
	}

	frameSize := spec.FrameSize()
	if *tschedBufferSize > 0 {
		a.TschedBufferSize = int(*tschedBufferSize)
	} else {
		a.TschedBufferSize = int(DefaultTschedBufferUsec) * spec.Rate / int(time.Second) * frameSize
	}
	if *tschedBufferWatermark > 0 {
		a.TschedBufferWatermark = int(*tschedBufferWatermark)
	} else {
		a.TschedBufferWatermark = int(DefaultTschedWatermarkUsec) * spec.Rate / int(time.Second) * frameSize
	}

	return a, nil
}
