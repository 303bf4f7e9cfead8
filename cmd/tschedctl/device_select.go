package main

import (
	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
)

// buildOpenRequest translates the named config options into a device
// OpenRequest, defaulting to the format the scheduler itself assumes when
// nothing in the config narrows it (spec §6).
func buildOpenRequest(cfg config.Config) device.OpenRequest {
	periodFrames := cfg.FragmentSize
	if periodFrames == 0 {
		periodFrames = 4800 // 100ms @ 48kHz, matching DefaultTschedBufferSize/20
	}
	return device.OpenRequest{
		DeviceSpec:   cfg.EffectiveDevice(),
		Format:       device.Format{Encoding: device.S16NE, RateHz: 48000, Channels: 2},
		PeriodFrames: periodFrames,
		BufferFrames: int(cfg.TschedBufferSize.Seconds() * 48000),
		WantMMap:     cfg.MMap,
		WantTsched:   cfg.Tsched,
	}
}

// openConfiguredDevice picks the mock backend when asked, otherwise the
// build's hardware backend (ALSA via cgo on Linux, portaudio elsewhere).
func openConfiguredDevice(cfg config.Config, useMock bool) (device.Device, error) {
	if useMock {
		req := buildOpenRequest(cfg)
		frameSize := 4 // s16 stereo
		return device.NewMock(req.Format, frameSize, frameSize*req.PeriodFrames, frameSize*req.BufferFrames), nil
	}
	return openHardwareDevice(cfg)
}

// mustRunningState is the lifecycle state the CLI drives the sink to right
// after construction — IDLE is a valid starting point per the transition
// diagram, but a standalone player has nothing else to wait for.
func mustRunningState() state.State {
	return state.Running
}
