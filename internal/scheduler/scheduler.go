// Package scheduler implements the Playback Loop (spec.md §4.4): the
// single-threaded I/O actor that owns the device handle, drives the Clock
// Smoother and Watermark Controller, and answers the Sink Facade's
// control-plane messages.
//
// The single-goroutine-owns-the-handle-exclusively shape, with all other
// access arbitrated through a message channel, is grounded on the
// teacher's AudioEngine.Start/Stop lifecycle (client/audio.go): a
// WaitGroup-joined goroutine pair reading from a stream until a stop
// channel closes, generalized here to one goroutine, one device, and a
// richer message protocol.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/almosthappy4u/PulseAudio-UCM/internal/device"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/logging"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/smoother"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/state"
	"github.com/almosthappy4u/PulseAudio-UCM/internal/watermark"
)

// RenderSource is the mixing core, reached only through this narrow
// interface (spec §1: "The generic mixing core ... consumed through named
// interfaces").
type RenderSource interface {
	// Render fills buf with mixed PCM and returns how many bytes it wrote.
	Render(buf []byte) (int, error)
	// NotifyRewound tells the mixing core that rewoundBytes of
	// already-submitted audio were retracted, so it can rewind its own
	// state machine to match (spec §4.4.1 step 4).
	NotifyRewound(rewoundBytes int)
}

// WakeReason records why the current iteration is running.
type WakeReason int

const (
	WakeTimeout WakeReason = iota
	WakePollOut
	WakePollOther
	WakeMessage
)

// cursor mirrors spec §3's WriteCursor.
type cursor struct {
	writeCount  int64
	sinceStart  int64
	first       bool
	afterRewind bool
}

// Config bundles the construction-time parameters a Loop needs beyond the
// device and render source, sourced from config.Config by the Sink Facade.
type Config struct {
	Watermark          watermark.Config
	InitialWatermark   time.Duration
	InitialLatency     time.Duration
	MaxRequestedLatency time.Duration
	RealtimePriority   bool
}

// Loop is the Playback Loop / Scheduler. All fields below the constructor
// are touched only from the run() goroutine — no mutex needed, matching
// spec §5's "device-side state is owned exclusively by the I/O thread."
type Loop struct {
	cfg    Config
	open   func() (device.Device, error)
	source RenderSource
	log    *logging.OnceLog
	logger logging.Logger

	inbox chan Message
	done  chan struct{}
	wg    sync.WaitGroup

	// state is touched only by run(), but State() is called from other
	// goroutines for diagnostics, hence the mutex.
	stateMu sync.Mutex
	st      state.State

	dev            device.Device
	lastNegotiated device.NegotiatedParams // set on every successful (re)open, compared on resume
	frameSizeC     int                     // cached from lastNegotiated/Buffer so GET_LATENCY works while dev is nil (suspended)
	rateHzC        int

	sm  *smoother.Smoother
	wm  *watermark.Controller
	cur cursor
	requestedLatency time.Duration
	minLatencyFloor  time.Duration
	maxLatency       time.Duration
	hwbufUnused      int // bytes
	pendingRewind    int // coalesced, largest wins; 0 = none

	putInterval time.Duration // exponential smoother-put cadence (spec §4.1)
	startTime   time.Time
}

// ErrNegotiationMismatch is returned when a SUSPENDED -> {IDLE,RUNNING}
// resume reopens the device and its negotiated (rate, channels, format,
// period, buffer) diverge from the pre-suspend session (spec §7, §8
// "Resume fidelity"; scenario 5). The sink remains SUSPENDED.
var ErrNegotiationMismatch = errors.New("scheduler: resume negotiation diverged from prior session")

// NewLoop constructs a Loop. openDevice is called once by Run and again
// on every SUSPENDED -> {IDLE,RUNNING} transition; it must negotiate
// parameters identical to the prior negotiation or the resume fails (spec
// §7, §8 "Resume fidelity").
func NewLoop(cfg Config, openDevice func() (device.Device, error), source RenderSource, logger logging.Logger) *Loop {
	return &Loop{
		cfg:              cfg,
		open:             openDevice,
		source:           source,
		log:              logging.NewOnceLog(),
		logger:           logger,
		inbox:            make(chan Message, 32),
		done:             make(chan struct{}),
		st:               state.Init,
		sm:               smoother.New(),
		wm:               watermark.New(cfg.Watermark, cfg.InitialWatermark),
		requestedLatency: cfg.InitialLatency,
		maxLatency:       cfg.MaxRequestedLatency,
		minLatencyFloor:  cfg.InitialLatency,
		putInterval:      2 * time.Millisecond,
		cur:              cursor{first: true},
	}
}

// State returns the loop's current lifecycle state.
func (l *Loop) State() state.State {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.st
}

func (l *Loop) setState(s state.State) {
	l.stateMu.Lock()
	l.st = s
	l.stateMu.Unlock()
}

// Post enqueues a message and, if it carries a Reply channel, blocks for
// the response. Safe to call from any goroutine.
func (l *Loop) Post(msg Message) Reply {
	if msg.Reply == nil && (msg.Kind == MsgGetLatency || msg.Kind == MsgSetState) {
		msg.Reply = make(chan Reply, 1)
	}
	select {
	case l.inbox <- msg:
	case <-l.done:
		return Reply{Err: errLoopStopped}
	}
	if msg.Reply == nil {
		return Reply{}
	}
	select {
	case r := <-msg.Reply:
		return r
	case <-l.done:
		return Reply{Err: errLoopStopped}
	}
}

var errLoopStopped = loopStoppedError{}

type loopStoppedError struct{}

func (loopStoppedError) Error() string { return "scheduler: loop stopped" }

// Run opens the device and starts the loop's goroutine under g; g.Wait()
// returns once that goroutine exits. Run returns once the loop has moved to
// IDLE with the device opened, or failed to open it.
func (l *Loop) Run(ctx context.Context, g *errgroup.Group) error {
	l.startTime = time.Now()

	dev, err := l.open()
	if err != nil {
		l.setState(state.Invalid)
		return err
	}
	l.adoptDevice(dev)
	hwbufSize := l.dev.Buffer().HWBufSize
	used := device.DurationToBytes(l.requestedLatency, l.dev.Buffer().FrameSize, l.dev.Negotiated().Format.RateHz)
	l.hwbufUnused = hwbufSize - used
	if l.hwbufUnused < 0 {
		l.hwbufUnused = 0
	}
	l.setState(state.Idle)

	g.Go(func() error {
		defer close(l.done)
		if l.cfg.RealtimePriority {
			runtime.LockOSThread() // SCHED_FIFO/mlockall apply to the calling OS thread
			if err := raiseRealtimePriority(); err != nil {
				l.logger.Warn("scheduler: could not raise realtime priority", "error", err)
			}
		}
		l.run(ctx)
		return nil
	})
	return nil
}

// now returns elapsed time since Run(), the Duration epoch the Smoother
// operates against. The Watermark Controller takes wall-clock time, which
// runIteration derives as startTime.Add(now()).
func (l *Loop) now() time.Duration { return time.Since(l.startTime) }

func (l *Loop) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	timer.Stop()

	for {
		var reason WakeReason
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case msg := <-l.inbox:
			l.handleMessage(msg)
			if msg.Kind == MsgShutdown {
				l.shutdown()
				return
			}
			reason = WakeMessage
		case <-timer.C:
			reason = WakeTimeout
		}

		// Drain any further queued messages before running an iteration,
		// so a burst of control-plane traffic is fully applied first
		// (spec §5: "Messages ... are FIFO and causally ordered with
		// respect to reads by the loop").
		l.drainInbox()

		st := l.State()
		if st != state.Running && st != state.Idle {
			continue
		}

		sleep := l.runIteration(reason)
		if sleep > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(sleep)
		}
	}
}

func (l *Loop) drainInbox() {
	for {
		select {
		case msg := <-l.inbox:
			l.handleMessage(msg)
			if msg.Kind == MsgShutdown {
				l.shutdown()
				return
			}
		default:
			return
		}
	}
}

func (l *Loop) handleMessage(msg Message) {
	switch msg.Kind {
	case MsgGetLatency:
		reply(msg, Reply{Latency: l.getLatency()})
	case MsgSetState:
		reply(msg, Reply{Err: l.transitionState(msg.NewState)})
	case MsgRewind:
		if msg.RewindFrames > l.pendingRewind {
			l.pendingRewind = msg.RewindFrames
		}
		reply(msg, Reply{})
	case MsgUpdateRequestedLatency:
		l.updateRequestedLatency(msg.RequestedLatency)
		reply(msg, Reply{})
	case MsgShutdown:
		// handled by caller
	}
}

func (l *Loop) shutdown() {
	l.setState(state.Unlinked)
	if l.dev != nil {
		l.dev.Close()
	}
}

// transitionState drives the device lifecycle side effects the §3 invariant
// demands ("the device handle exists only when state ∈ {INIT, IDLE,
// RUNNING}; it is closed on entry to SUSPENDED and reopened on exit"), then
// commits the new state. On a failed resume the state is left unchanged
// (still SUSPENDED) and the caller gets the error (spec §7's negotiation
// mismatch / scenario 5).
func (l *Loop) transitionState(newState state.State) error {
	cur := l.State()
	if cur == newState {
		return nil
	}

	if newState == state.Suspended {
		l.suspend()
		l.setState(newState)
		return nil
	}

	if cur == state.Suspended && (newState == state.Idle || newState == state.Running) {
		if err := l.resume(); err != nil {
			return err
		}
	}

	l.setState(newState)
	return nil
}

// suspend implements spec §4.4's RUNNING -> SUSPENDED transition: pause the
// smoother, close the device, and drop its poll descriptors. The I/O thread
// itself stays alive — only the device handle and clock tracking go away.
func (l *Loop) suspend() {
	l.sm.Pause(l.now())
	if l.dev != nil {
		if err := l.dev.Close(); err != nil {
			l.logger.Warn("scheduler: error closing device on suspend", "error", err)
		}
		l.dev = nil
	}
}

// resume implements spec §4.4's SUSPENDED -> {IDLE,RUNNING} transition:
// reopen the device, verify it renegotiated to the same (rate, channels,
// format, period, buffer) as the pre-suspend session, and only then reset
// the smoother and write cursor. A negotiation mismatch closes the freshly
// opened device and returns ErrNegotiationMismatch without touching any
// other state, so the loop stays SUSPENDED (spec §7, scenario 5).
func (l *Loop) resume() error {
	dev, err := l.open()
	if err != nil {
		return errors.Wrap(err, "scheduler: reopen device on resume")
	}

	neg := dev.Negotiated()
	if !negotiationMatches(l.lastNegotiated, neg) {
		dev.Close()
		return ErrNegotiationMismatch
	}

	l.adoptDevice(dev)

	hwbufSize := l.dev.Buffer().HWBufSize
	used := l.durToBytes(l.requestedLatency)
	l.hwbufUnused = hwbufSize - used
	if l.hwbufUnused < 0 {
		l.hwbufUnused = 0
	}
	l.wm.Fix(l.bytesToDur(hwbufSize - l.hwbufUnused))

	l.sm.Resume(l.now(), true)
	l.cur.first = true
	l.cur.sinceStart = 0
	l.cur.afterRewind = false
	l.putInterval = 2 * time.Millisecond
	l.log.Reset()
	return nil
}

// negotiationMatches compares the fields spec §8's "Resume fidelity" law
// names: rate, channels, format, period, buffer.
func negotiationMatches(prev, cur device.NegotiatedParams) bool {
	return prev.Format == cur.Format && prev.PeriodFrames == cur.PeriodFrames && prev.BufferFrames == cur.BufferFrames
}

// adoptDevice records a freshly (re)opened device as current, caching its
// frame size and rate so bytesToDur/durToBytes/getLatency keep working after
// a later suspend sets l.dev back to nil.
func (l *Loop) adoptDevice(dev device.Device) {
	l.dev = dev
	l.lastNegotiated = dev.Negotiated()
	l.frameSizeC = dev.Buffer().FrameSize
	l.rateHzC = l.lastNegotiated.Format.RateHz
}

func (l *Loop) frameSize() int { return l.frameSizeC }
func (l *Loop) rateHz() int    { return l.rateHzC }

func (l *Loop) bytesToDur(b int) time.Duration {
	return device.BytesToDuration(b, l.frameSize(), l.rateHz())
}
func (l *Loop) durToBytes(d time.Duration) int {
	return device.DurationToBytes(d, l.frameSize(), l.rateHz())
}

// getLatency implements spec §4.5's get_latency():
// bytes_to_time(write_count) - smoother_get(now), clamped at zero. No
// pending-bytes term is added: the loop renders straight into the device,
// so it never holds rendered but unsubmitted audio.
func (l *Loop) getLatency() time.Duration {
	written := l.bytesToDur(int(l.cur.writeCount))
	played := l.sm.Get(l.now())
	lat := written - played
	if lat < 0 {
		lat = 0
	}
	return lat
}

// updateRequestedLatency implements spec §4.5: recompute hwbuf_unused for
// the new minimum requested latency, re-fix the watermark, and if the used
// region shrank, issue a full rewind so subsequent rewinds are relative to
// the new fill limit.
func (l *Loop) updateRequestedLatency(newLatency time.Duration) {
	hwbufSize := l.dev.Buffer().HWBufSize
	newUnused := hwbufSize - l.durToBytes(newLatency)
	if newUnused < 0 {
		newUnused = 0
	}
	shrank := newUnused > l.hwbufUnused

	l.requestedLatency = newLatency
	l.hwbufUnused = newUnused
	l.wm.Fix(l.bytesToDur(hwbufSize - newUnused))

	if shrank {
		l.pendingRewind = hwbufSize // full rewind
	}
}

// runIteration executes one pass of spec §4.4's main iteration and returns
// the duration to sleep before the next wakeup (0 means "don't re-arm").
func (l *Loop) runIteration(reason WakeReason) time.Duration {
	if l.pendingRewind > 0 {
		l.handleRewind()
		return 0
	}

	buf := l.dev.Buffer()
	hwbufSize := buf.HWBufSize

	watermarkDur := l.wm.Watermark()
	var sleepDur, processDur time.Duration
	if watermarkDur > l.requestedLatency {
		sleepDur = l.requestedLatency / 2
		processDur = l.requestedLatency / 2
	} else {
		sleepDur = l.requestedLatency - watermarkDur
		processDur = watermarkDur
	}

	availFrames, err := l.dev.Avail()
	if err != nil {
		l.recoverFromError(err)
		return l.putInterval
	}
	nBytes := availFrames * buf.FrameSize

	var leftToPlay int
	underrun := false
	if nBytes <= hwbufSize {
		leftToPlay = hwbufSize - nBytes
	} else {
		underrun = true
	}

	maxUse := l.bytesToDur(hwbufSize - l.hwbufUnused)
	wmRes := l.wm.Update(l.startTime.Add(l.now()), l.bytesToDur(leftToPlay), underrun, reason == WakeTimeout, l.cur.first, l.cur.afterRewind, maxUse)
	if wmRes.AtUpperClamp {
		next, changed := watermark.RaiseLatencyFloor(l.minLatencyFloor, l.cfg.Watermark.IncStep, l.maxLatency)
		if changed {
			l.minLatencyFloor = next
			l.logger.Info("scheduler: raised minimum latency floor", "floor", next)
		} else {
			if l.log.Fire("watermark-and-latency-saturated") {
				l.logger.Warn("scheduler: watermark and minimum latency both saturated; device jitter exceeds our ceiling")
			}
		}
	}

	if reason != WakePollOut && reason != WakePollOther {
		if leftToPlay > 0 && l.bytesToDur(leftToPlay) > processDur+sleepDur/2 {
			return l.armDeadline(sleepDur)
		}
	}

	if nBytes <= l.hwbufUnused {
		if reason == WakePollOut {
			if l.log.Fire("poll-out-no-room") {
				l.logger.Warn("scheduler: poll-out wakeup but device reports no room")
			}
		}
		return l.armDeadline(sleepDur)
	}

	budget := nBytes - l.hwbufUnused
	written, err := l.submit(budget)
	if err != nil {
		l.recoverFromError(err)
		return l.putInterval
	}

	if written > 0 && l.cur.first {
		if err := l.dev.Start(); err != nil {
			l.logger.Warn("scheduler: device start failed", "error", err)
		}
	}

	l.cur.writeCount += int64(written)
	l.cur.sinceStart += int64(written)

	l.updateSmoother()

	if l.cur.sinceStart < int64(hwbufSize) {
		sleepDur /= 2
	}

	// An underrun reading restarts the cursor: the next iteration runs with
	// first set, so it does not adjust the watermark again.
	l.cur.first = underrun
	l.cur.afterRewind = false

	return l.armDeadline(sleepDur)
}

func (l *Loop) submit(budget int) (int, error) {
	if l.dev.Negotiated().MMap {
		return l.dev.MMapWrite(l.source.Render, budget)
	}
	return l.dev.Write(l.source.Render, budget)
}

// armDeadline translates an audio-time sleep deadline into system time via
// the Smoother, distrusting the translation per spec §4.4 step 11 by taking
// the smaller of the two.
func (l *Loop) armDeadline(sleepDur time.Duration) time.Duration {
	cusec := l.sm.Translate(l.now(), sleepDur)
	if cusec < sleepDur {
		return cusec
	}
	return sleepDur
}

// updateSmoother feeds the Smoother one (system_time, played_bytes) sample
// on every call, i.e. after every iteration that submitted audio, and
// doubles putInterval (2ms, capped at 200ms). putInterval does not gate these
// puts; it is the sleep the loop returns after a device error.
func (l *Loop) updateSmoother() {
	delayFrames, err := l.dev.Delay()
	if err != nil {
		return
	}
	played := l.cur.writeCount - int64(delayFrames*l.frameSize())
	if played < 0 {
		played = 0
	}

	ts := l.now()
	if dts, ok := l.dev.DeviceTimestamp(); ok {
		ts = dts.Sub(l.startTime)
	}
	l.sm.Put(ts, l.bytesToDur(int(played)))

	l.putInterval *= 2
	if l.putInterval > 200*time.Millisecond {
		l.putInterval = 200 * time.Millisecond
	}
}

// handleRewind implements the rewind protocol (spec §4.4.1).
func (l *Loop) handleRewind() {
	requested := l.pendingRewind
	l.pendingRewind = 0

	hwbufSize := l.dev.Buffer().HWBufSize
	watermarkBytes := l.durToBytes(l.wm.Watermark())
	rewindable := hwbufSize - (watermarkBytes + l.hwbufUnused)
	if rewindable < 0 {
		rewindable = 0
	}

	want := requested
	if want > rewindable {
		want = rewindable
	}
	frames := want / l.frameSize()
	if frames <= 0 {
		return
	}

	rewoundFrames, err := l.dev.Rewind(frames)
	if err != nil {
		l.recoverFromError(err)
		return
	}

	if rewoundFrames <= 0 {
		// Device declined the rewind entirely — leave the cursor exactly as
		// found, per alsa-sink.c's "if (rewind_nbytes <= 0) ... else { ...
		// after_rewind = TRUE }" guard.
		return
	}

	rewoundBytes := rewoundFrames * l.frameSize()
	l.cur.writeCount -= int64(rewoundBytes)
	l.source.NotifyRewound(rewoundBytes)
	l.cur.afterRewind = true
}

// recoverFromError implements the transient-error policy (spec §7): EPIPE
// and ESTRPIPE-equivalents are re-prepared silently; the next iteration
// reports first=true so submission restarts clean.
func (l *Loop) recoverFromError(err error) {
	if rerr := l.dev.Recover(err); rerr != nil {
		l.logger.Warn("scheduler: unrecoverable device error", "error", rerr)
		return
	}
	l.logger.Debug("scheduler: recovered from device error", "error", err)
	l.cur.first = true
	l.cur.sinceStart = 0
	l.sm.Reset(l.now(), false)
	l.putInterval = 2 * time.Millisecond
}
