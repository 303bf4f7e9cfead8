//go:build !headless && (!linux || !cgo)

// Secondary Device Adapter backend for platforms without the raw ALSA cgo
// binding (non-Linux, or Linux built without cgo). Grounded on the
// teacher's use of github.com/gordonklaus/portaudio in client/audio.go,
// generalized from its fixed-format duplex stream to the negotiated,
// playback-only Device interface.
//
// PortAudio has no rewind or mmap primitive and exposes no pollable file
// descriptor, so this backend always reports MMap=false, Tsched=false and
// implements Rewind as a structural no-op (0, nil) — a client negotiating
// mmap/tsched against this backend gets the copy-mode, poll-less fallback
// the original C sink also falls back to when mmap is unavailable.
package device

import (
	"io"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// PortAudioDevice is the secondary backend.
type PortAudioDevice struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    BufferDescriptor
	neg    NegotiatedParams
	ring   []byte // single bounce buffer sized to one callback's worth of frames
	closed bool
}

// OpenPortAudio negotiates against PortAudio. Only Float32NE and S16NE are
// realistically obtainable through PortAudio's fixed sample-type streams,
// so format negotiation here is a short-circuited version of
// device.ChooseFormat restricted to those two.
func OpenPortAudio(req OpenRequest) (*PortAudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "portaudio: initialize")
	}

	enc, ok := ChooseFormat(req.Format.Encoding, func(e Encoding) bool {
		return e == Float32NE || e == S16NE
	})
	if !ok {
		portaudio.Terminate()
		return nil, errors.New("portaudio: no acceptable sample format")
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "portaudio: default output device")
	}

	frameSize := frameSizeForPA(enc, req.Format.Channels)
	p := &PortAudioDevice{
		buf: BufferDescriptor{
			FrameSize:    frameSize,
			FragmentSize: req.PeriodFrames * frameSize,
			HWBufSize:    req.BufferFrames * frameSize,
		},
		neg: NegotiatedParams{
			Format:       Format{Encoding: enc, RateHz: req.Format.RateHz, Channels: req.Format.Channels},
			PeriodFrames: req.PeriodFrames,
			BufferFrames: req.BufferFrames,
			MMap:         false,
			Tsched:       false,
		},
		ring: make([]byte, req.PeriodFrames*frameSize),
	}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: req.Format.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(req.Format.RateHz),
		FramesPerBuffer: req.PeriodFrames,
	}

	stream, err := portaudio.OpenStream(params, p.ring)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "portaudio: open stream")
	}
	p.stream = stream
	return p, nil
}

func frameSizeForPA(e Encoding, channels int) int {
	if e == Float32NE {
		return 4 * channels
	}
	return 2 * channels
}

func (p *PortAudioDevice) Buffer() BufferDescriptor     { return p.buf }
func (p *PortAudioDevice) Negotiated() NegotiatedParams { return p.neg }

func (p *PortAudioDevice) Avail() (int, error) {
	// PortAudio's blocking API has no avail() equivalent; report the full
	// period as always available since Write() blocks for exactly that
	// long anyway, making the adapter effectively interrupt-driven rather
	// than tsched-capable (neg.Tsched is false).
	return p.neg.PeriodFrames, nil
}

func (p *PortAudioDevice) Delay() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return 0, nil
	}
	info := p.stream.Info()
	return int(info.OutputLatency.Seconds() * float64(p.neg.Format.RateHz)), nil
}

func (p *PortAudioDevice) DeviceTimestamp() (time.Time, bool) { return time.Time{}, false }

func (p *PortAudioDevice) Write(render RenderFunc, budgetBytes int) (int, error) {
	total := 0
	for i := 0; i < maxInnerIterations && total < budgetBytes; i++ {
		want := budgetBytes - total
		if want > len(p.ring) {
			want = len(p.ring)
		}
		n, err := render(p.ring[:want])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if n < len(p.ring) {
			for i := n; i < len(p.ring); i++ {
				p.ring[i] = 0
			}
		}
		if err := p.stream.Write(); err != nil && err != io.EOF {
			return total, errors.Wrap(err, "portaudio: write")
		}
		total += n
	}
	return total, nil
}

// MMapWrite is unavailable on this backend; callers should have negotiated
// MMap=false and never invoke it, but fall back to copy mode defensively.
func (p *PortAudioDevice) MMapWrite(render RenderFunc, budgetBytes int) (int, error) {
	return p.Write(render, budgetBytes)
}

// Rewind is structurally unsupported: PortAudio's blocking stream API
// exposes no way to retract already-written frames.
func (p *PortAudioDevice) Rewind(frames int) (int, error) { return 0, nil }

func (p *PortAudioDevice) Recover(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return err
	}
	if stopErr := p.stream.Stop(); stopErr != nil {
		return stopErr
	}
	return p.stream.Start()
}

func (p *PortAudioDevice) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream.Start()
}

// PollDescriptors returns nothing: PortAudio exposes no pollable fd, so the
// scheduler must fall back to a plain timer-only wait for this backend.
func (p *PortAudioDevice) PollDescriptors() ([]PollFD, error) { return nil, nil }

func (p *PortAudioDevice) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stream != nil {
		p.stream.Stop()
		p.stream.Close()
	}
	return portaudio.Terminate()
}
