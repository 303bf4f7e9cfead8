//go:build headless

package main

import (
	"github.com/pkg/errors"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
)

func openHardwareDevice(cfg config.Config) (device.Device, error) {
	return nil, errors.New("tschedctl: headless build has no hardware backend; pass -mock")
}
