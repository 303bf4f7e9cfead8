package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/smoother"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/watermark"
)

type nullLogger struct{}

func (nullLogger) Info(msg interface{}, keyvals ...interface{})  {}
func (nullLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (nullLogger) Warn(msg interface{}, keyvals ...interface{})  {}

// fakeSource renders silence and records rewind notifications.
type fakeSource struct {
	rewoundNotifications []int
}

func (f *fakeSource) Render(buf []byte) (int, error) { return len(buf), nil }
func (f *fakeSource) NotifyRewound(bytes int)         { f.rewoundNotifications = append(f.rewoundNotifications, bytes) }

// newTestLoop builds a Loop wired to a 48kHz stereo s16 Mock device with a
// 2s hwbuf, bypassing Run()/Post() so tests can drive runIteration directly
// (spec §8's end-to-end scenarios are expressed in exactly these units).
func newTestLoop(t *testing.T) (*Loop, *device.Mock, *fakeSource) {
	t.Helper()
	const frameSize = 4 // s16 stereo
	const rateHz = 48000
	const hwbufFrames = 96000 // 2s

	mock := device.NewMock(device.Format{Encoding: device.S16NE, RateHz: rateHz, Channels: 2}, frameSize, frameSize*4800, frameSize*hwbufFrames)
	src := &fakeSource{}

	cfg := Config{
		Watermark:           watermark.DefaultConfig(),
		InitialWatermark:    20 * time.Millisecond,
		InitialLatency:      2 * time.Second,
		MaxRequestedLatency: 2 * time.Second,
	}

	l := &Loop{
		cfg:              cfg,
		source:           src,
		logger:           nullLogger{},
		inbox:            make(chan Message, 8),
		done:             make(chan struct{}),
		st:               0,
		sm:               smoother.New(),
		wm:               watermark.New(cfg.Watermark, cfg.InitialWatermark),
		requestedLatency: cfg.InitialLatency,
		maxLatency:       cfg.MaxRequestedLatency,
		minLatencyFloor:  cfg.InitialLatency,
		putInterval:      2 * time.Millisecond,
		cur:              cursor{first: true},
		startTime:        time.Now(),
	}
	l.adoptDevice(mock)
	used := device.DurationToBytes(cfg.InitialLatency, frameSize, rateHz)
	l.hwbufUnused = frameSize * hwbufFrames - used
	if l.hwbufUnused < 0 {
		l.hwbufUnused = 0
	}
	return l, mock, src
}

func TestCleanStartupFillsBuffer(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.runIteration(WakeTimeout)

	require.Equal(t, int64(4*96000), l.cur.writeCount) // full hwbuf submitted
	require.False(t, l.cur.first)
}

func TestUnderrunRaisesWatermarkAndResetsFirst(t *testing.T) {
	l, mock, _ := newTestLoop(t)
	l.cur.first = false // simulate steady state so Update isn't suppressed

	mock.AvailOverride = func() (int, bool) { return 100001, true } // > hwbuf frames (96000)

	before := l.wm.Watermark()
	l.runIteration(WakeTimeout)
	require.Greater(t, l.wm.Watermark(), before)
	require.True(t, l.cur.first)
}

func TestRewindBoundedByRewindable(t *testing.T) {
	l, mock, src := newTestLoop(t)
	l.cur.first = false

	// watermark=20ms => 3840 bytes at 48kHz stereo s16; hwbufUnused=0 (full latency requested).
	l.hwbufUnused = 0
	mock.Fill(300000) // plenty written so rewind has room
	l.cur.writeCount = 300000

	mock.SetRewindLimit(100000 / l.frameSize())
	l.pendingRewind = 200000

	l.runIteration(WakeMessage)

	require.Equal(t, int64(300000-100000), l.cur.writeCount)
	require.True(t, l.cur.afterRewind)
	require.Equal(t, []int{100000}, src.rewoundNotifications)
}

func TestGetLatencyClampsAtZero(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.cur.writeCount = 0
	// smoother has no history yet -> Get returns 0, so latency = 0 - 0 = 0.
	require.Equal(t, time.Duration(0), l.getLatency())
}

func TestUpdateRequestedLatencyShrinkTriggersFullRewind(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.hwbufUnused = 0

	l.updateRequestedLatency(1 * time.Second) // smaller than the initial 2s -> hwbuf_unused grows
	require.Greater(t, l.pendingRewind, 0)
}

func TestMessageHandlingCoalescesLargestRewind(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.handleMessage(Message{Kind: MsgRewind, RewindFrames: 100})
	l.handleMessage(Message{Kind: MsgRewind, RewindFrames: 50})
	l.handleMessage(Message{Kind: MsgRewind, RewindFrames: 9000})
	require.Equal(t, 9000, l.pendingRewind)
}

// TestSuspendClosesDeviceAndPausesSmoother exercises spec §3's "device
// handle exists only when state ∈ {INIT, IDLE, RUNNING}" invariant: a
// RUNNING -> SUSPENDED transition must close the device and freeze the
// smoother.
func TestSuspendClosesDeviceAndPausesSmoother(t *testing.T) {
	l, mock, _ := newTestLoop(t)
	l.setState(state.Running)
	l.sm.Put(0, 0)
	l.sm.Put(time.Second, time.Second)

	err := l.transitionState(state.Suspended)
	require.NoError(t, err)
	require.Nil(t, l.dev)
	require.True(t, mock.IsClosed())
	require.Equal(t, state.Suspended, l.State())

	before := l.sm.Get(2 * time.Second)
	after := l.sm.Get(3 * time.Second)
	require.Equal(t, before, after) // frozen while suspended
}

// TestResumeWithMatchingNegotiationReopens exercises spec §4.4's
// SUSPENDED -> IDLE/RUNNING path when the reopened device renegotiates
// identically: the loop must leave SUSPENDED, adopt the new device and
// reset the write cursor.
func TestResumeWithMatchingNegotiationReopens(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.setState(state.Running)
	require.NoError(t, l.transitionState(state.Suspended))

	second := device.NewMock(device.Format{Encoding: device.S16NE, RateHz: 48000, Channels: 2}, 4, 4*4800, 4*96000)
	l.open = func() (device.Device, error) { return second, nil }
	l.cur.first = false
	l.cur.sinceStart = 123
	l.cur.afterRewind = true

	err := l.transitionState(state.Idle)
	require.NoError(t, err)
	require.Equal(t, state.Idle, l.State())
	require.Equal(t, second, l.dev)
	require.True(t, l.cur.first)
	require.Equal(t, int64(0), l.cur.sinceStart)
	require.False(t, l.cur.afterRewind)
}

// TestResumeWithMismatchedNegotiationStaysSuspended exercises spec §7/§8's
// "Resume fidelity" law and scenario 5: a reopen that renegotiates a
// different rate must fail with ErrNegotiationMismatch, close the new
// handle, and leave the loop SUSPENDED.
func TestResumeWithMismatchedNegotiationStaysSuspended(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.setState(state.Running)
	require.NoError(t, l.transitionState(state.Suspended))

	mismatched := device.NewMock(device.Format{Encoding: device.S16NE, RateHz: 44100, Channels: 2}, 4, 4*4800, 4*96000)
	l.open = func() (device.Device, error) { return mismatched, nil }

	err := l.transitionState(state.Running)
	require.ErrorIs(t, err, ErrNegotiationMismatch)
	require.Equal(t, state.Suspended, l.State()) // unchanged
	require.Nil(t, l.dev)
	require.True(t, mismatched.IsClosed())
}
