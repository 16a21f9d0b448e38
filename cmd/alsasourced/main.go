// Command alsasourced runs one ALSA capture source as a standalone
// process: it parses module arguments the way the server's loader would,
// builds a capture.Source wired to a logging stand-in for the routing
// core, and drives its lifecycle from process signals. Modeled on the
// teacher repo's cmd/direwolf/main.go flag-parse -> construct -> run ->
// signal-driven-shutdown shape.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/alsasourced/alsasourced/internal/alsa"
	"github.com/alsasourced/alsasourced/internal/capture"
	"github.com/alsasourced/alsasourced/internal/memchunk"
)

// loggingSink is a trivial capture.Sink standing in for the server's
// routing core, which is out of scope for this engine: it just counts and
// logs posted chunks at debug level.
type loggingSink struct {
	logger *log.Logger
	posted uint64
}

func (l *loggingSink) Post(chunk memchunk.Chunk) {
	l.posted += uint64(chunk.Length)
	l.logger.Debug("posted capture chunk", "bytes", chunk.Length, "total", l.posted)
}

func main() {
	device := pflag.String("device", "default", "ALSA device string")
	deviceID := pflag.String("device_id", "", "alternative symbolic device id")
	sourceName := pflag.String("source_name", "", "registered source name")
	name := pflag.String("name", "", "legacy alias for source_name")
	fragments := pflag.Uint32("fragments", 4, "count of ring fragments")
	fragmentSize := pflag.Uint32("fragment_size", 8192, "size of one fragment in bytes")
	tschedBufferSize := pflag.Uint32("tsched_buffer_size", 0, "nominal tsched buffer target in bytes")
	tschedBufferWatermark := pflag.Uint32("tsched_buffer_watermark", 0, "initial tsched watermark in bytes")
	mmap := pflag.Bool("mmap", true, "enable mmap access")
	tsched := pflag.Bool("tsched", true, "enable timer-based scheduling")
	ignoreDB := pflag.Bool("ignore_dB", false, "skip dB probing even if supported")
	rate := pflag.Int("rate", 44100, "capture sample rate")
	channels := pflag.Int("channels", 2, "capture channel count")
	logLevel := pflag.String("log-level", "info", "log level (debug, info, warn, error)")
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	tokens := make([]string, 0, 10)
	tokens = append(tokens,
		fmt.Sprintf("device=%s", *device),
		fmt.Sprintf("fragments=%d", *fragments),
		fmt.Sprintf("fragment_size=%d", *fragmentSize),
		fmt.Sprintf("mmap=%t", *mmap),
		fmt.Sprintf("tsched=%t", *tsched),
		fmt.Sprintf("ignore_dB=%t", *ignoreDB),
	)
	if *deviceID != "" {
		tokens = append(tokens, fmt.Sprintf("device_id=%s", *deviceID))
	}
	if *sourceName != "" {
		tokens = append(tokens, fmt.Sprintf("source_name=%s", *sourceName))
	}
	if *name != "" {
		tokens = append(tokens, fmt.Sprintf("name=%s", *name))
	}
	if *tschedBufferSize > 0 {
		tokens = append(tokens, fmt.Sprintf("tsched_buffer_size=%d", *tschedBufferSize))
	}
	if *tschedBufferWatermark > 0 {
		tokens = append(tokens, fmt.Sprintf("tsched_buffer_watermark=%d", *tschedBufferWatermark))
	}

	spec := alsa.SampleSpec{Rate: *rate, Format: alsa.FormatS16LE, Channels: *channels}

	args, err := capture.ParseArgs(tokens, spec)
	if err != nil {
		logger.Fatal("invalid module arguments", "err", err)
	}

	sink := &loggingSink{logger: logger}

	source, err := capture.New(args, sink, logger)
	if err != nil {
		logger.Fatal("failed to open capture source", "err", err)
	}

	if err := source.SetState(capture.StateRunning); err != nil {
		logger.Fatal("failed to start capture source", "err", err)
	}
	logger.Info("capture source running", "source", source.SourceName(), "device", args.Device)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down", "source", source.SourceName())
	if err := source.Shutdown(); err != nil {
		logger.Error("error during shutdown", "err", err)
		os.Exit(1)
	}
}
