package device

import (
	"sync"
	"time"
)

// Mock is an in-memory Device used by scheduler/sink tests, grounded on the
// teacher's mockPAStream (client/audio_test.go): a small struct that
// satisfies the real interface while letting a test script the exact
// sequence of avail/delay/error behavior a real card would only produce
// under specific, hard-to-reproduce conditions.
type Mock struct {
	mu sync.Mutex

	buf        BufferDescriptor
	negotiated NegotiatedParams
	rateHz     int

	filled int // bytes currently "in" the simulated hw buffer, i.e. hwbuf - avail
	delay  int // frames reported by Delay: set to filled/FrameSize on each submit, zeroed by Recover

	// AvailOverride, when non-nil, is consulted on every Avail call instead
	// of the filled-based computation while it returns ok=true; it stays set
	// until the test clears it. Lets a test inject a pathological avail()
	// reading (e.g. the underrun scenario in spec §8 scenario 2).
	AvailOverride func() (int, bool)

	started bool
	closed  bool

	writeErr    error // returned by the next Write/MMapWrite call, then cleared
	rewindLimit int   // Rewind never returns more than this many frames

	deviceClock     time.Time
	haveDeviceClock bool
}

// NewMock returns a Mock pre-negotiated at the given format/buffer sizing.
func NewMock(format Format, frameSize, fragmentSize, hwbufSize int) *Mock {
	return &Mock{
		buf: BufferDescriptor{
			FrameSize:    frameSize,
			FragmentSize: fragmentSize,
			HWBufSize:    hwbufSize,
		},
		negotiated: NegotiatedParams{Format: format, MMap: true, Tsched: true},
		rateHz:     format.RateHz,
	}
}

func (m *Mock) Buffer() BufferDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf
}

func (m *Mock) Negotiated() NegotiatedParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiated
}

func (m *Mock) Avail() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AvailOverride != nil {
		if frames, ok := m.AvailOverride(); ok {
			return frames, nil
		}
	}

	free := m.buf.HWBufSize - m.filled
	if free < 0 {
		free = 0
	}
	return free / m.buf.FrameSize, nil
}

func (m *Mock) Delay() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay, nil
}

func (m *Mock) DeviceTimestamp() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceClock, m.haveDeviceClock
}

// SetDeviceClock lets a test supply a soundcard timestamp for the Smoother
// to consume instead of the system clock.
func (m *Mock) SetDeviceClock(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceClock = t
	m.haveDeviceClock = true
}

// SetNextError scripts the error the next Write/MMapWrite call returns.
func (m *Mock) SetNextError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetRewindLimit scripts how many frames Rewind will honor regardless of the
// caller's request, simulating a device that refuses part of a rewind.
func (m *Mock) SetRewindLimit(frames int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewindLimit = frames
}

// Fill directly sets how many bytes are "in flight" in the simulated
// buffer, bypassing Write — useful for seeding a scenario's starting state.
func (m *Mock) Fill(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filled = bytes
}

func (m *Mock) Write(render RenderFunc, budgetBytes int) (int, error) {
	return m.submit(render, budgetBytes)
}

func (m *Mock) MMapWrite(render RenderFunc, budgetBytes int) (int, error) {
	return m.submit(render, budgetBytes)
}

func (m *Mock) submit(render RenderFunc, budgetBytes int) (int, error) {
	m.mu.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		m.writeErr = nil
		m.mu.Unlock()
		return 0, err
	}
	free := m.buf.HWBufSize - m.filled
	m.mu.Unlock()

	if budgetBytes > free {
		budgetBytes = free
	}
	if budgetBytes <= 0 {
		return 0, nil
	}

	scratch := make([]byte, budgetBytes)
	n, err := render(scratch)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.filled += n
	m.delay = m.filled / m.buf.FrameSize
	m.mu.Unlock()
	return n, nil
}

func (m *Mock) Rewind(frames int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rewindLimit > 0 && frames > m.rewindLimit {
		frames = m.rewindLimit
	}
	bytes := frames * m.buf.FrameSize
	if bytes > m.filled {
		bytes = m.filled
	}
	m.filled -= bytes
	return bytes / m.buf.FrameSize, nil
}

func (m *Mock) Recover(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filled = 0
	m.delay = 0
	return nil
}

func (m *Mock) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *Mock) PollDescriptors() ([]PollFD, error) {
	return nil, nil // no real fds; tests drive the scheduler directly
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close has been called — tests use this to assert
// the §3 device-lifetime invariant around suspend/resume.
func (m *Mock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drain advances simulated playback by bytes, as if the DAC consumed them —
// tests use this to move time forward without a real clock.
func (m *Mock) Drain(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes > m.filled {
		bytes = m.filled
	}
	m.filled -= bytes
}
