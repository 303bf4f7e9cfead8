//go:build !headless && (!linux || !cgo)

package main

import (
	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
)

func openHardwareDevice(cfg config.Config) (device.Device, error) {
	return device.OpenPortAudio(buildOpenRequest(cfg))
}
