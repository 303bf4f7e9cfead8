// Command tschedctl opens one sink against a config file (or flag
// overrides) and reports its latency until interrupted. It exists to
// exercise the sink/scheduler/device stack end-to-end outside of a test
// binary, in the spirit of the teacher's own thin cmd/ entrypoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/logging"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/sink"
)

var (
	flagConfig   = flag.StringP("config", "c", "", "path to a tsched sink YAML config")
	flagDevice   = flag.StringP("device", "d", "", "override config device spec (e.g. hw:0,0)")
	flagName     = flag.StringP("name", "n", "", "override sink name")
	flagMock     = flag.Bool("mock", false, "use the in-memory mock device instead of a real one")
	flagRealtime = flag.Bool("realtime", false, "raise the playback thread to SCHED_FIFO")
	flagReport   = flag.Duration("report-interval", time.Second, "how often to print latency")
)

// silenceSource is the default RenderSource when no real mixing core is
// wired in: it renders digital silence, enough to exercise the full
// open/negotiate/iterate/close path.
type silenceSource struct{}

func (silenceSource) Render(buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	return len(buf), nil
}

func (silenceSource) NotifyRewound(int) {}

// processRegistry is a Registry that only refuses a second registration of
// the same name within this process — good enough for a standalone CLI
// where there is no shared namespace to arbitrate.
type processRegistry struct {
	names map[string]bool
}

func newProcessRegistry() *processRegistry {
	return &processRegistry{names: make(map[string]bool)}
}

func (r *processRegistry) Register(name string) error {
	if r.names[name] {
		return sink.ErrNameTaken
	}
	r.names[name] = true
	return nil
}

func (r *processRegistry) Unregister(name string) { delete(r.names, name) }

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *flagDevice != "" {
		cfg.Device = *flagDevice
	}
	if *flagName != "" {
		cfg.Name = *flagName
	}
	if *flagRealtime {
		cfg.RealtimePriority = true
	}

	logger := logging.New("tschedctl")

	openDevice := func() (device.Device, error) {
		return openConfiguredDevice(cfg, *flagMock)
	}

	s, err := sink.New(cfg, openDevice, silenceSource{}, nil, newProcessRegistry(), logger)
	if err != nil {
		logger.Warn("failed to open sink", "error", err)
		os.Exit(1)
	}

	if err := s.SetState(mustRunningState()); err != nil {
		logger.Warn("failed to start playback", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(*flagReport)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Shutdown(); err != nil {
				logger.Warn("shutdown reported an error", "error", err)
			}
			return
		case <-ticker.C:
			logger.Info("latency", "sink", s.Name(), "value", s.GetLatency())
		}
	}
}
