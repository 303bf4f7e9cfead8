// Package smoother implements the Clock Smoother (spec.md §4.1): a
// monotonic time-warp estimator that fuses noisy soundcard playback-position
// samples with the monotonic system clock.
//
// The sliding-history-with-slope-extrapolation technique is grounded on the
// teacher's internal/jitter ring buffer (bounded history, oldest entries
// aged out) adapted from a per-sender packet ring to a single fixed-size
// sample window.
package smoother

import "time"

// historySize is N in spec §4.1 ("a sliding window of the last N
// observations (N=5 typical)").
const historySize = 5

// Sample is one (system_time, played_bytes-equivalent-time) observation.
type Sample struct {
	System time.Duration
	Audio  time.Duration
}

// Smoother fuses a bounded history of Samples into a monotone estimator. Not
// safe for concurrent use — owned exclusively by the scheduler's I/O thread,
// per spec §5.
type Smoother struct {
	history      []Sample // oldest first, capped at historySize
	slope        float64  // audio-units per system-unit, fit from the last two samples
	paused       bool
	pausedAt     Sample
	lastReturned time.Duration
	haveReturned bool
}

// New returns an empty Smoother. Seed it with an initial Put before relying
// on Get/Translate.
func New() *Smoother {
	return &Smoother{slope: 1.0}
}

// Put contributes one observation. Samples with a System time at or before
// the most recent sample are ignored — the device clock only moves forward.
func (s *Smoother) Put(systemTime, playedAudio time.Duration) {
	if len(s.history) > 0 && systemTime <= s.history[len(s.history)-1].System {
		return
	}

	s.history = append(s.history, Sample{System: systemTime, Audio: playedAudio})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}

	if len(s.history) >= 2 {
		prev := s.history[len(s.history)-2]
		cur := s.history[len(s.history)-1]
		dt := cur.System - prev.System
		if dt > 0 {
			da := cur.Audio - prev.Audio
			slope := float64(da) / float64(dt)
			if slope < 0 {
				slope = 0 // audio time never runs backwards
			}
			s.slope = slope
		}
	}
}

// Get returns the smoothed audio-time estimate for the given system time.
// Monotonic non-decreasing across calls with non-decreasing arguments (spec
// §4.1, §8 invariant 3).
func (s *Smoother) Get(systemTime time.Duration) time.Duration {
	estimate := s.estimate(systemTime)
	if s.haveReturned && estimate < s.lastReturned {
		estimate = s.lastReturned
	}
	s.lastReturned = estimate
	s.haveReturned = true
	return estimate
}

func (s *Smoother) estimate(systemTime time.Duration) time.Duration {
	if s.paused {
		return s.pausedAt.Audio
	}
	if len(s.history) == 0 {
		return 0
	}
	last := s.history[len(s.history)-1]
	dt := systemTime - last.System
	if dt <= 0 {
		return last.Audio
	}
	return last.Audio + time.Duration(float64(dt)*s.slope)
}

// Translate estimates how much system time corresponds to audioDelta units
// of audio playback starting at systemTime, i.e. the wall-clock sleep that
// will let audioDelta worth of audio actually drain (spec §4.1, used to turn
// a watermark's audio-time deadline into a timer deadline).
func (s *Smoother) Translate(systemTime, audioDelta time.Duration) time.Duration {
	_ = systemTime
	if s.slope <= 0 {
		return audioDelta
	}
	return time.Duration(float64(audioDelta) / s.slope)
}

// Pause freezes the smoother at systemTime: Get calls return the frozen
// audio-time estimate until Resume.
func (s *Smoother) Pause(systemTime time.Duration) {
	if s.paused {
		return
	}
	s.pausedAt = Sample{System: systemTime, Audio: s.estimate(systemTime)}
	s.paused = true
}

// Resume restarts the smoother at systemTime. When discontinuity is true,
// history is dropped entirely (as Reset would) since the gap cannot be
// extrapolated across; otherwise the last known audio position is kept and
// re-seeded at the new system time so the next Put computes slope only from
// post-resume samples.
func (s *Smoother) Resume(systemTime time.Duration, discontinuity bool) {
	audio := s.pausedAt.Audio
	s.paused = false
	if discontinuity {
		s.Reset(systemTime, true)
		return
	}
	s.history = []Sample{{System: systemTime, Audio: audio}}
}

// Reset drops all history. When discontinuity is true the monotonic floor
// enforced by Get is also cleared, permitting the estimate to restart from
// zero (used on full device reopen after an error, where the previous
// audio-time sequence is meaningless).
func (s *Smoother) Reset(systemTime time.Duration, discontinuity bool) {
	s.history = []Sample{{System: systemTime, Audio: 0}}
	s.slope = 1.0
	s.paused = false
	if discontinuity {
		s.haveReturned = false
		s.lastReturned = 0
	}
}
