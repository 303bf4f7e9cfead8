// Package config holds the named construction options for a sink (spec.md
// §6) and loads them from a YAML file, mirroring the teacher's
// internal/config package but mapping PulseAudio's module-argument table
// instead of desktop-app preferences.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default tsched buffer sizing (spec §6, matching original_source's
// DEFAULT_TSCHED_BUFFER_USEC / DEFAULT_TSCHED_WATERMARK_USEC).
const (
	DefaultTschedBufferSize      = 2 * time.Second
	DefaultTschedBufferWatermark = 20 * time.Millisecond
)

// Config holds all named options consumed at sink construction (spec §6).
type Config struct {
	// SinkName is the explicit registration name. Name is a legacy alias
	// with the same failure policy: if either is set and registration
	// under that name fails, construction is an error rather than a
	// silent rename.
	SinkName string `yaml:"sink_name"`
	Name     string `yaml:"name"`

	// Device identifies the hardware device. DeviceID, when set, prefers a
	// mapping-based open (e.g. UCM device); the raw Device spec (an ALSA
	// device string such as "hw:0,0") is the fallback.
	Device   string `yaml:"device"`
	DeviceID string `yaml:"device_id"`

	Fragments     int `yaml:"fragments"`
	FragmentSize  int `yaml:"fragment_size"`

	TschedBufferSize      time.Duration `yaml:"tsched_buffer_size"`
	TschedBufferWatermark time.Duration `yaml:"tsched_buffer_watermark"`

	MMap   bool `yaml:"mmap"`
	Tsched bool `yaml:"tsched"`

	IgnoreDB bool   `yaml:"ignore_dB"`
	Control  string `yaml:"control"`

	SinkProperties map[string]string `yaml:"sink_properties"`

	// RealtimePriority, when true, asks the scheduler to raise the I/O
	// thread to SCHED_FIFO and mlockall its memory (spec §5). Not in the
	// original named-option table — a host-level ambient knob.
	RealtimePriority bool `yaml:"realtime_priority"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	return Config{
		Device:                "default",
		Fragments:             4,
		FragmentSize:          0,
		TschedBufferSize:      DefaultTschedBufferSize,
		TschedBufferWatermark: DefaultTschedBufferWatermark,
		MMap:                  true,
		Tsched:                true,
		SinkProperties:        map[string]string{},
	}
}

// Load reads a YAML config file at path and overlays it on Default(). A
// missing file is not an error — the caller gets defaults. A malformed
// file is an error, since silently discarding operator intent here (unlike
// the teacher's desktop-preferences Load) would hide misconfiguration of a
// production audio path.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// EffectiveName resolves the sink_name/name alias, preferring SinkName.
func (c Config) EffectiveName() string {
	if c.SinkName != "" {
		return c.SinkName
	}
	return c.Name
}

// EffectiveDevice resolves device/device_id preference: a mapping-based
// open via DeviceID wins when present, otherwise the raw Device spec.
func (c Config) EffectiveDevice() string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	return c.Device
}

// Validate checks the option combinations that spec §7 treats as
// construction-time errors.
func (c Config) Validate() error {
	if c.EffectiveDevice() == "" {
		return errors.New("config: device or device_id must be set")
	}
	if c.Fragments < 2 {
		return errors.New("config: fragments must be >= 2")
	}
	if c.TschedBufferWatermark <= 0 || c.TschedBufferWatermark >= c.TschedBufferSize {
		return errors.New("config: tsched_buffer_watermark must be positive and smaller than tsched_buffer_size")
	}
	return nil
}
