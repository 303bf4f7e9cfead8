// Package sink implements the Sink Facade (spec.md §4.5): the object the
// mixing core and external control-plane callers see. It owns lifecycle
// state, routes messages into the Playback Loop, and delegates
// volume/mute/port operations to an injected capability interface.
//
// The capability-interface indirection replacing PulseAudio's
// set_volume/get_volume/set_port function-pointer slots is grounded on
// spec §9's design note and on the teacher's own preference for setter
// functions over exported callback fields (client/interfaces.go's
// Transporter: "prefer setters over exported fields so the interface can
// be satisfied by both the real Transport and test doubles").
package sink

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/logging"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/reservation"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/scheduler"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/watermark"
	"github.com/pkg/errors"
)

// Mixer is the capability interface the mixer subsystem (external
// collaborator per spec §1) supplies to the Sink. A nil Mixer means
// "software fallback": the Sink tracks volume/mute itself without ever
// touching hardware.
type Mixer interface {
	SetVolume(v float64) (appliedInHardware float64, err error)
	GetVolume() (float64, error)
	SetMute(bool) error
	GetMute() (bool, error)
	SetPort(name string) error
	HardwareVolumeCapable() bool
	DBCapable() bool
}

// nullMixer is the software-fallback Mixer: every Set call is a no-op, and
// SetVolume reports nothing applied in hardware (0), so SetVolume puts the
// whole requested volume into the Sink's software volume.
type nullMixer struct{}

func (nullMixer) SetVolume(v float64) (float64, error) { return 0, nil }
func (nullMixer) GetVolume() (float64, error)          { return 1.0, nil }
func (nullMixer) SetMute(bool) error                   { return nil }
func (nullMixer) GetMute() (bool, error)                { return false, nil }
func (nullMixer) SetPort(string) error                  { return nil }
func (nullMixer) HardwareVolumeCapable() bool           { return false }
func (nullMixer) DBCapable() bool                       { return false }

// ErrNameTaken is returned by New when sink_name/name registration fails —
// spec §6: "forces name-registration failure to be an error."
var ErrNameTaken = errors.New("sink: name already registered")

// ErrBusy surfaces a reservation denial (spec §7).
var ErrBusy = reservation.ErrBusy

// Registry is the narrow naming collaborator New needs — device
// enumeration and name registration are external per spec §1.
type Registry interface {
	Register(name string) error
	Unregister(name string)
}

// Sink is the public playback endpoint.
type Sink struct {
	name   string
	format device.Format
	cfg    config.Config

	mixer    Mixer
	registry Registry
	reserve  *reservation.Handle

	loop *scheduler.Loop
	g    *errgroup.Group
	ctx  context.Context
	stop context.CancelFunc

	mu             sync.Mutex
	st             state.State
	suspendCause   state.SuspendCause
	softwareVolume float64
	muted          bool
	activePort     string
}

// New constructs a Sink in INIT state and negotiates the device. Fatal
// negotiation or name-registration failures return an error and no Sink is
// published (spec §7).
func New(cfg config.Config, openDevice func() (device.Device, error), source scheduler.RenderSource, mixer Mixer, registry Registry, logger logging.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name := cfg.EffectiveName()
	if name == "" {
		name = "tsched-sink"
	}
	if registry != nil {
		if err := registry.Register(name); err != nil {
			return nil, errors.Wrap(err, "sink: register name")
		}
	}
	if mixer == nil {
		mixer = nullMixer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s := &Sink{
		name:           name,
		cfg:            cfg,
		mixer:          mixer,
		registry:       registry,
		ctx:            ctx,
		stop:           cancel,
		g:              g,
		st:             state.Init,
		softwareVolume: 1.0,
	}

	loopCfg := scheduler.Config{
		Watermark:           watermark.DefaultConfig(),
		InitialWatermark:    cfg.TschedBufferWatermark,
		InitialLatency:      cfg.TschedBufferSize,
		MaxRequestedLatency: cfg.TschedBufferSize,
		RealtimePriority:    cfg.RealtimePriority,
	}
	s.loop = scheduler.NewLoop(loopCfg, openDevice, source, logger)

	if err := s.loop.Run(gctx, g); err != nil {
		if registry != nil {
			registry.Unregister(name)
		}
		cancel()
		return nil, errors.Wrap(err, "sink: open device")
	}

	s.mu.Lock()
	s.st = state.Idle
	s.mu.Unlock()

	return s, nil
}

// Name returns the sink's registered name.
func (s *Sink) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Sink) State() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// GetLatency dispatches to the loop per spec §4.5.
func (s *Sink) GetLatency() time.Duration {
	r := s.loop.Post(scheduler.Message{Kind: scheduler.MsgGetLatency})
	return r.Latency
}

// SetState coordinates a lifecycle transition with the loop. On
// RUNNING/IDLE -> SUSPENDED it releases the device reservation (if held);
// on SUSPENDED -> {IDLE,RUNNING} it re-acquires it, failing with ErrBusy if
// another process refuses to yield (spec §4.5, §7).
func (s *Sink) SetState(newState state.State) error {
	s.mu.Lock()
	cur := s.st
	s.mu.Unlock()

	if newState == state.Suspended && cur == state.Suspended {
		return nil // idempotent SUSPEND, spec §8
	}

	if !state.ValidTransition(cur, newState) {
		return errors.Errorf("sink: invalid transition %s -> %s", cur, newState)
	}

	if newState == state.Suspended {
		if s.reserve != nil {
			s.reserve.Release()
			s.reserve = nil
		}
	} else if cur == state.Suspended && (newState == state.Idle || newState == state.Running) {
		reserveName := s.cfg.EffectiveDevice()
		h, err := reservation.Acquire(s.ctx, reserveName, s.name, 0, nil)
		if err != nil {
			if errors.Is(err, reservation.ErrBusy) {
				return ErrBusy
			}
			return err
		}
		s.reserve = h
	}

	reply := s.loop.Post(scheduler.Message{Kind: scheduler.MsgSetState, NewState: newState})
	if reply.Err != nil {
		// Resume failed (e.g. negotiation mismatch, spec §7/§8): the loop
		// stayed SUSPENDED, so undo the reservation we just re-acquired and
		// leave our own cached state alone.
		if s.reserve != nil {
			s.reserve.Release()
			s.reserve = nil
		}
		return reply.Err
	}

	s.mu.Lock()
	s.st = newState
	s.mu.Unlock()
	return nil
}

// UpdateRequestedLatency recomputes hwbuf_unused for a new minimum
// requested latency (spec §4.5).
func (s *Sink) UpdateRequestedLatency(latency time.Duration) {
	s.loop.Post(scheduler.Message{Kind: scheduler.MsgUpdateRequestedLatency, RequestedLatency: latency})
}

// RequestRewind asks the loop to rewind up to bytes bytes;
// concurrent requests before the next iteration coalesce to the largest
// (spec §5).
func (s *Sink) RequestRewind(bytes int) {
	s.loop.Post(scheduler.Message{Kind: scheduler.MsgRewind, RewindFrames: bytes})
}

// SetVolume matches the requested volume in hardware where possible and
// makes up the residual in software, skipping the software adjustment if
// the residual is below 1% of nominal (spec §4.5).
func (s *Sink) SetVolume(v float64) error {
	applied, err := s.mixer.SetVolume(v)
	if err != nil {
		return err
	}
	residual := v - applied
	if residual < 0 {
		residual = -residual
	}
	s.mu.Lock()
	if residual >= 0.01 {
		if applied != 0 {
			s.softwareVolume = v / applied
		} else {
			s.softwareVolume = v
		}
	} else {
		s.softwareVolume = 1.0
	}
	s.mu.Unlock()
	return nil
}

// GetVolume returns the mixer's last-known hardware volume.
func (s *Sink) GetVolume() (float64, error) { return s.mixer.GetVolume() }

// SetMute delegates to the mixer and tracks the requested state locally so
// GetMute is consistent even against a software-fallback Mixer.
func (s *Sink) SetMute(m bool) error {
	if err := s.mixer.SetMute(m); err != nil {
		return err
	}
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
	return nil
}

// GetMute returns the last-applied mute state.
func (s *Sink) GetMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetPort delegates port selection to the mixer.
func (s *Sink) SetPort(name string) error {
	if err := s.mixer.SetPort(name); err != nil {
		return err
	}
	s.mu.Lock()
	s.activePort = name
	s.mu.Unlock()
	return nil
}

// Shutdown drains the loop and unregisters the sink's name, per spec §5's
// SHUTDOWN protocol: "the loop unwinds, closes the device, and the main
// thread then joins."
func (s *Sink) Shutdown() error {
	s.mu.Lock()
	s.st = state.Unlinked
	s.mu.Unlock()

	s.loop.Post(scheduler.Message{Kind: scheduler.MsgShutdown})
	s.stop()
	err := s.g.Wait()

	if s.reserve != nil {
		s.reserve.Release()
	}
	if s.registry != nil {
		s.registry.Unregister(s.name)
	}
	return err
}
