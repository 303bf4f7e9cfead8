// Package watermark implements the Watermark Controller (spec.md §4.2): the
// adaptive wake-early safety margin that self-tunes across devices with very
// different real-world jitter.
//
// The increase/decrease/clamp algorithm is grounded directly on
// increase_watermark(), decrease_watermark() and fix_tsched_watermark() in
// _examples/original_source/src/modules/alsa/alsa-sink.c.
package watermark

import "time"

// Config holds the tunable constants from spec §4.2's default table.
type Config struct {
	IncStep      time.Duration
	DecStep      time.Duration
	IncThreshold time.Duration
	DecThreshold time.Duration
	VerifyAfter  time.Duration
	MinSleep     time.Duration
	MinWakeup    time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		IncStep:      10 * time.Millisecond,
		DecStep:      5 * time.Millisecond,
		IncThreshold: 0,
		DecThreshold: 100 * time.Millisecond,
		VerifyAfter:  20 * time.Second,
		MinSleep:     10 * time.Millisecond,
		MinWakeup:    4 * time.Millisecond,
	}
}

// Controller holds WatermarkState (spec §3) and its adjustment logic. Not
// safe for concurrent use — owned by the scheduler's I/O thread.
type Controller struct {
	cfg          Config
	watermark    time.Duration
	decNotBefore time.Time // zero value means "unarmed": next Decrease only arms it
}

// New returns a Controller seeded at initial (already clamped by the caller
// against the negotiated buffer).
func New(cfg Config, initial time.Duration) *Controller {
	return &Controller{cfg: cfg, watermark: initial}
}

// Watermark returns the current tsched_watermark.
func (c *Controller) Watermark() time.Duration { return c.watermark }

// Fix re-clamps the watermark against a new maxUse bound (hwbuf -
// hwbuf_unused), e.g. after Sink.UpdateRequestedLatency changes
// hwbuf_unused. Grounded on fix_tsched_watermark(), which the original
// calls both from the increase/decrease paths and from update_sw_params().
func (c *Controller) Fix(maxUse time.Duration) {
	c.watermark = c.clamp(c.watermark, maxUse)
}

func (c *Controller) clamp(w, maxUse time.Duration) time.Duration {
	upper := maxUse - c.cfg.MinSleep
	if w > upper {
		w = upper
	}
	if w < c.cfg.MinWakeup {
		w = c.cfg.MinWakeup
	}
	return w
}

// Result is what one Update call decided.
type Result struct {
	Watermark time.Duration
	Changed   bool
	// AtUpperClamp is true when an increase was warranted but the watermark
	// was already pinned at its ceiling — the caller should attempt to raise
	// the sink's minimum-latency floor instead (spec §4.2).
	AtUpperClamp bool
}

// Update runs one loop iteration's worth of adjustment, given how much audio
// is left to play, whether an underrun was observed, and whether this
// wakeup was timer-driven. maxUse is hwbuf - hwbuf_unused for this
// iteration. first and afterRewind suppress all adjustment (spec §4.2,
// §4.4.1) but still reset the decrease-verification timer when the "was
// above dec_threshold" condition is not the active branch. This spec
// deliberately diverges from the original C here: a non-timer wakeup while
// above dec_threshold also resets dec_not_before to zero, so a poll/message
// wakeup never counts toward the verification window.
func (c *Controller) Update(now time.Time, leftToPlay time.Duration, underrun, onTimeout, first, afterRewind bool, maxUse time.Duration) Result {
	resetNotBefore := true
	res := Result{Watermark: c.watermark}

	if !first && !afterRewind {
		switch {
		case underrun || leftToPlay < c.cfg.IncThreshold:
			res.Changed = c.increase(maxUse)
			res.AtUpperClamp = !res.Changed
		case leftToPlay > c.cfg.DecThreshold:
			if onTimeout {
				resetNotBefore = false
				res.Changed = c.decrease(now, maxUse)
			}
			// else: above threshold but woken by poll/message — fall
			// through to the unarmed reset below so a non-timer wakeup
			// never counts toward the decrease-verification window.
		}
	}

	if resetNotBefore {
		c.decNotBefore = time.Time{}
	}
	res.Watermark = c.watermark
	return res
}

func (c *Controller) increase(maxUse time.Duration) bool {
	old := c.watermark
	grown := c.watermark + c.cfg.IncStep
	doubled := 2 * c.watermark
	if doubled < grown {
		grown = doubled
	}
	c.watermark = c.clamp(grown, maxUse)
	return c.watermark != old
}

func (c *Controller) decrease(now time.Time, maxUse time.Duration) bool {
	if c.decNotBefore.IsZero() {
		c.decNotBefore = now.Add(c.cfg.VerifyAfter)
		return false
	}
	if now.Before(c.decNotBefore) {
		return false
	}

	old := c.watermark
	if c.watermark < c.cfg.DecStep {
		c.watermark = c.watermark / 2
	} else {
		halved := c.watermark / 2
		stepped := c.watermark - c.cfg.DecStep
		if halved > stepped {
			c.watermark = halved
		} else {
			c.watermark = stepped
		}
	}
	c.watermark = c.clamp(c.watermark, maxUse)
	c.decNotBefore = now.Add(c.cfg.VerifyAfter)
	return c.watermark != old
}

// RaiseLatencyFloor applies the "same rule" increase (spec §4.2) to a
// sink's minimum requested latency, bounded by max. Exported as a pure
// function since the minimum-latency floor is sink state, not watermark
// state — the caller (scheduler/sink) owns invoking it when a Result comes
// back with AtUpperClamp set.
func RaiseLatencyFloor(current, step, max time.Duration) (next time.Duration, changed bool) {
	grown := current + step
	doubled := 2 * current
	if doubled < grown {
		grown = doubled
	}
	if grown > max {
		grown = max
	}
	return grown, grown != current
}
