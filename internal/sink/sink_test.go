package sink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/config"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
)

type nullLogger struct{}

func (nullLogger) Info(msg interface{}, keyvals ...interface{})  {}
func (nullLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (nullLogger) Warn(msg interface{}, keyvals ...interface{})  {}

// silentSource renders silence and ignores rewind notifications — these
// tests exercise the Sink Facade's state machine and volume math, not the
// Playback Loop's rendering (scheduler_test.go covers that).
type silentSource struct{}

func (silentSource) Render(buf []byte) (int, error) { return len(buf), nil }
func (silentSource) NotifyRewound(int)              {}

// fakeMixer records the last SetVolume call and reports a fixed fraction
// of it as "applied in hardware", letting tests exercise SetVolume's
// software-residual split (spec §4.5) deterministically.
type fakeMixer struct {
	hwFraction float64 // fraction of the requested volume the "hardware" applies
	lastSet    float64
	muted      bool
	port       string
}

func (m *fakeMixer) SetVolume(v float64) (float64, error) {
	m.lastSet = v
	return v * m.hwFraction, nil
}
func (m *fakeMixer) GetVolume() (float64, error) { return m.lastSet * m.hwFraction, nil }
func (m *fakeMixer) SetMute(b bool) error         { m.muted = b; return nil }
func (m *fakeMixer) GetMute() (bool, error)       { return m.muted, nil }
func (m *fakeMixer) SetPort(name string) error    { m.port = name; return nil }
func (m *fakeMixer) HardwareVolumeCapable() bool  { return true }
func (m *fakeMixer) DBCapable() bool              { return false }

type fakeRegistry struct {
	registered   map[string]bool
	failRegister bool
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{registered: make(map[string]bool)} }

func (r *fakeRegistry) Register(name string) error {
	if r.failRegister {
		return ErrNameTaken
	}
	r.registered[name] = true
	return nil
}
func (r *fakeRegistry) Unregister(name string) { delete(r.registered, name) }

func newTestSink(t *testing.T) (*Sink, *fakeMixer, *fakeRegistry) {
	t.Helper()
	cfg := config.Default()
	cfg.Device = "mock"

	mixer := &fakeMixer{hwFraction: 0.9}
	registry := newFakeRegistry()

	openDevice := func() (device.Device, error) {
		return device.NewMock(device.Format{Encoding: device.S16NE, RateHz: 48000, Channels: 2}, 4, 4*4800, 4*96000), nil
	}

	s, err := New(cfg, openDevice, silentSource{}, mixer, registry, nullLogger{})
	require.NoError(t, err)
	return s, mixer, registry
}

func TestNewRegistersNameAndStartsIdle(t *testing.T) {
	s, _, registry := newTestSink(t)
	require.Equal(t, state.Idle, s.State())
	require.True(t, registry.registered[s.Name()])
}

func TestNewFailsOnNameTaken(t *testing.T) {
	cfg := config.Default()
	cfg.Device = "mock"
	registry := newFakeRegistry()
	registry.failRegister = true

	openDevice := func() (device.Device, error) {
		return device.NewMock(device.Format{Encoding: device.S16NE, RateHz: 48000, Channels: 2}, 4, 4*4800, 4*96000), nil
	}

	_, err := New(cfg, openDevice, silentSource{}, &fakeMixer{hwFraction: 1}, registry, nullLogger{})
	require.Error(t, err)
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	s, _, _ := newTestSink(t)
	// IDLE -> IDLE isn't in the transition diagram's allowed set for IDLE.
	err := s.SetState(state.Idle)
	require.Error(t, err)
}

func TestSetStateSuspendIsIdempotent(t *testing.T) {
	s, _, _ := newTestSink(t)
	require.NoError(t, s.SetState(state.Suspended))
	require.Equal(t, state.Suspended, s.State())
	require.NoError(t, s.SetState(state.Suspended)) // idempotent, spec §8
	require.Equal(t, state.Suspended, s.State())
}

func TestSetStateRunningThenIdle(t *testing.T) {
	s, _, _ := newTestSink(t)
	require.NoError(t, s.SetState(state.Running))
	require.Equal(t, state.Running, s.State())
	require.NoError(t, s.SetState(state.Idle))
	require.Equal(t, state.Idle, s.State())
}

func TestGetLatencyReturnsNonNegative(t *testing.T) {
	s, _, _ := newTestSink(t)
	lat := s.GetLatency()
	require.GreaterOrEqual(t, lat, time.Duration(0))
}

func TestSetVolumeSkipsSoftwareResidualBelowOnePercent(t *testing.T) {
	s, mixer, _ := newTestSink(t)
	mixer.hwFraction = 1.0 // hardware applies the full request, residual ~0
	require.NoError(t, s.SetVolume(0.5))
	require.Equal(t, 1.0, s.softwareVolume)
}

func TestSetVolumeMakesUpResidualInSoftware(t *testing.T) {
	s, mixer, _ := newTestSink(t)
	mixer.hwFraction = 0.5 // hardware only gets halfway there
	require.NoError(t, s.SetVolume(1.0))
	require.InDelta(t, 2.0, s.softwareVolume, 1e-9)
}

func TestSetMuteAndGetMuteRoundTrip(t *testing.T) {
	s, _, _ := newTestSink(t)
	require.NoError(t, s.SetMute(true))
	require.True(t, s.GetMute())
	require.NoError(t, s.SetMute(false))
	require.False(t, s.GetMute())
}

func TestSetPortDelegatesToMixer(t *testing.T) {
	s, mixer, _ := newTestSink(t)
	require.NoError(t, s.SetPort("hdmi"))
	require.Equal(t, "hdmi", mixer.port)
	require.Equal(t, "hdmi", s.activePort)
}

func TestShutdownUnregistersName(t *testing.T) {
	s, _, registry := newTestSink(t)
	name := s.Name()
	require.NoError(t, s.Shutdown())
	require.False(t, registry.registered[name])
	require.Equal(t, state.Unlinked, s.State())
}
