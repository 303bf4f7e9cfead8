// Package device abstracts a playback device (spec.md §4.3): open/close,
// hardware- and software-parameter negotiation, buffer-state queries,
// frame submission (mmap or copy), rewind and recover-from-error.
//
// The interface shape — a small set of non-blocking operations plus a
// poll-descriptor export for the caller to multiplex — is grounded on the
// teacher's paStream interface (client/audio.go), generalized from a
// fixed-format capture/playback pair to a negotiated playback-only device.
package device

import "time"

// Encoding is a PCM sample encoding, ordered by the negotiation preference
// list in spec §4.3.
type Encoding int

const (
	Float32NE Encoding = iota
	Float32RE          // reversed endian
	S32NE
	S32RE
	S24_32NE
	S24NE
	S16NE
	ALaw
	ULaw
	U8
)

// FormatPreference is the fixed fallback order spec §4.3 mandates when the
// requested encoding is unavailable.
var FormatPreference = []Encoding{Float32NE, Float32RE, S32NE, S32RE, S24_32NE, S24NE, S16NE, ALaw, ULaw, U8}

// Format is a negotiated or requested sample format.
type Format struct {
	Encoding Encoding
	RateHz   int
	Channels int
}

// OpenRequest is the input to Open: what the caller wants, not what it will
// get (see NegotiatedParams).
type OpenRequest struct {
	DeviceSpec    string
	Format        Format
	PeriodFrames  int
	BufferFrames  int
	WantMMap      bool
	WantTsched    bool
	ExactChannels bool // if false, "near" channel count is acceptable
}

// NegotiatedParams is what Open actually obtained.
type NegotiatedParams struct {
	Format       Format
	PeriodFrames int
	BufferFrames int
	MMap         bool
	Tsched       bool
}

// BufferDescriptor mirrors spec §3's DeviceBuffer descriptor, always in
// bytes. Invariants: all fields are multiples of FrameSize; 0 <=
// HWBufUnused < HWBufSize; FragmentSize divides HWBufSize.
type BufferDescriptor struct {
	FrameSize     int
	FragmentSize  int
	HWBufSize     int
	HWBufUnused   int
}

// PollFD is one descriptor/interest-set pair the Scheduler multiplexes
// alongside its inbox and timer.
type PollFD struct {
	FD     int
	Events PollEvents
}

// PollEvents is a bitmask mirroring POLLIN/POLLOUT/POLLERR.
type PollEvents int

const (
	PollIn PollEvents = 1 << iota
	PollOut
	PollErr
	PollHup
)

// RenderFunc fills buf with up to len(buf) bytes of mixed PCM and returns
// how many bytes it actually wrote. The Device Adapter calls this from
// inside Write/MMapWrite to pull frames from the mixing core (spec §4.3).
type RenderFunc func(buf []byte) (int, error)

// Device is the uniform interface a Device Adapter backend (real ALSA
// hardware, portaudio, or an in-memory mock) must satisfy. None of its
// methods block indefinitely — the handle is expected to be non-blocking,
// with EAGAIN surfaced as (0, nil) rather than an error (spec §5).
type Device interface {
	// Buffer reports the current DeviceBuffer descriptor.
	Buffer() BufferDescriptor
	// Negotiated reports what Open() settled on.
	Negotiated() NegotiatedParams

	// Avail returns frames free in the buffer. Implementations must apply
	// the 5x-hwbuf / 10s driver-bug guard from spec §4.3 themselves.
	Avail() (frames int, err error)
	// Delay returns frames currently queued (not yet played by the DAC).
	Delay() (frames int, err error)
	// DeviceTimestamp optionally returns the soundcard's own playback
	// timestamp for this instant. ok is false when the device cannot
	// supply one, in which case the caller falls back to the system clock.
	DeviceTimestamp() (t time.Time, ok bool)

	// Write submits up to budgetBytes by repeatedly calling render to fill
	// a bounce buffer and copying it in (spec §4.3's "copy mode").
	Write(render RenderFunc, budgetBytes int) (written int, err error)
	// MMapWrite submits up to budgetBytes by handing render a pointer
	// directly into the device's mapped region, one contiguous mapped area
	// per inner iteration; the chunk size is bounded only by the remaining
	// budget and what the device maps, not by a memory-pool slot size.
	MMapWrite(render RenderFunc, budgetBytes int) (written int, err error)

	// Rewind asks the device to rewind up to frames frames and reports how
	// many it actually rewound (may be less, or zero).
	Rewind(frames int) (rewound int, err error)
	// Recover re-prepares the stream after a transient error (EPIPE/ESTRPIPE
	// equivalents). Any other error is returned unchanged.
	Recover(err error) error

	// Start issues the device's "start playback" command. Called once,
	// after the first successful post-(re)open submission (spec §4.4 step 8).
	Start() error

	// PollDescriptors exports the device's own wait descriptors.
	PollDescriptors() ([]PollFD, error)

	// Close releases the device. Must leave no pending callbacks.
	Close() error
}

// ErrWouldBlock names the "device is non-blocking and has no room right now"
// condition. None of the backends in this package return it: they report
// EAGAIN as (0, nil), as the Device interface documents, and the scheduler
// has no special case for it.
var ErrWouldBlock = errWouldBlock{}

type errWouldBlock struct{}

func (errWouldBlock) Error() string { return "device: would block" }
