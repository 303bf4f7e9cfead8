package watermark

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestIncreaseDoublesThenSteps(t *testing.T) {
	c := New(Config{IncStep: 10 * time.Millisecond, MinSleep: time.Millisecond, MinWakeup: time.Millisecond}, time.Millisecond)
	maxUse := time.Second

	changed := c.increase(maxUse)
	require.True(t, changed)
	require.Equal(t, 2*time.Millisecond, c.Watermark()) // doubling dominates below the step

	for i := 0; i < 20; i++ {
		c.increase(maxUse)
	}
	// once doubling would overshoot the step, growth becomes linear +IncStep:
	// 2 -> 4 -> 8 -> 16, then 17 steps of +10ms.
	require.Equal(t, 186*time.Millisecond, c.Watermark())
	require.LessOrEqual(t, c.Watermark(), maxUse-c.cfg.MinSleep)
}

func TestIncreaseStopsAtUpperClamp(t *testing.T) {
	cfg := Config{IncStep: 10 * time.Millisecond, MinSleep: time.Millisecond, MinWakeup: time.Millisecond}
	maxUse := 5 * time.Millisecond
	c := New(cfg, maxUse-cfg.MinSleep) // already pinned at ceiling

	changed := c.increase(maxUse)
	require.False(t, changed)
	require.Equal(t, maxUse-cfg.MinSleep, c.Watermark())
}

func TestDecreaseArmsTimerBeforeActing(t *testing.T) {
	cfg := Config{DecStep: 5 * time.Millisecond, VerifyAfter: 20 * time.Second, MinSleep: time.Millisecond, MinWakeup: time.Millisecond}
	c := New(cfg, 100*time.Millisecond)
	maxUse := time.Second
	now := time.Unix(0, 0)

	// First call only arms decNotBefore, no decrease yet.
	changed := c.decrease(now, maxUse)
	require.False(t, changed)
	require.Equal(t, 100*time.Millisecond, c.Watermark())

	// Too soon.
	changed = c.decrease(now.Add(time.Second), maxUse)
	require.False(t, changed)

	// After VerifyAfter elapses, the decrease actually applies and re-arms.
	changed = c.decrease(now.Add(20*time.Second+time.Millisecond), maxUse)
	require.True(t, changed)
	require.Equal(t, 95*time.Millisecond, c.Watermark())
}

func TestDecreaseHalvesBelowStep(t *testing.T) {
	cfg := Config{DecStep: 5 * time.Millisecond, VerifyAfter: 0, MinSleep: 0, MinWakeup: 0}
	c := New(cfg, 4*time.Millisecond) // below DecStep
	maxUse := time.Second
	now := time.Unix(0, 0)

	c.decrease(now, maxUse) // arm
	changed := c.decrease(now, maxUse)
	require.True(t, changed)
	require.Equal(t, 2*time.Millisecond, c.Watermark())
}

func TestUpdateSuppressedOnFirstAndAfterRewindButStillResetsTimer(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, 20*time.Millisecond)
	now := time.Unix(0, 0)
	maxUse := time.Second

	// Prime decNotBefore via a normal decrease-armed iteration.
	c.Update(now, 200*time.Millisecond, false, true, false, false, maxUse)
	require.False(t, c.decNotBefore.IsZero())

	// A "first" iteration skips the adjustment switch entirely, so
	// decNotBefore is reset.
	res := c.Update(now.Add(time.Second), 50*time.Millisecond, false, false, true, false, maxUse)
	require.False(t, res.Changed)
	require.True(t, c.decNotBefore.IsZero())

	// An "afterRewind" iteration is suppressed the same way, even above
	// dec_threshold on a timer wakeup.
	c.Update(now.Add(2*time.Second), 200*time.Millisecond, false, true, false, false, maxUse)
	require.False(t, c.decNotBefore.IsZero())
	res = c.Update(now.Add(3*time.Second), 200*time.Millisecond, false, true, false, true, maxUse)
	require.False(t, res.Changed)
	require.True(t, c.decNotBefore.IsZero())
}

func TestUpdateUnderrunIncreasesOnlyWhenNotFirst(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, 20*time.Millisecond)
	now := time.Unix(0, 0)
	maxUse := time.Second

	res := c.Update(now, 0, false, false, true, false, maxUse)
	require.False(t, res.Changed) // first suppresses adjustment even on "underrun-shaped" input
	require.Equal(t, 20*time.Millisecond, res.Watermark)

	res = c.Update(now, 0, true, false, false, false, maxUse)
	require.True(t, res.Changed)
	require.Greater(t, res.Watermark, 20*time.Millisecond)
}

// TestUpdateNonTimerWakeupAboveThresholdResetsDecNotBefore exercises spec
// §4.2's scenario 6: above dec_threshold but woken by poll/message clears
// dec_not_before to zero rather than leaving a previously-armed timer
// in place, so a non-timer wakeup never counts toward the verification
// window.
func TestUpdateNonTimerWakeupAboveThresholdResetsDecNotBefore(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, 20*time.Millisecond)
	now := time.Unix(0, 0)
	maxUse := time.Second

	// Arm decNotBefore via a timer-driven iteration above dec_threshold.
	c.Update(now, 200*time.Millisecond, false, true, false, false, maxUse)
	require.False(t, c.decNotBefore.IsZero())

	// A poll/message wakeup, still above dec_threshold, must reset it.
	res := c.Update(now.Add(time.Second), 200*time.Millisecond, false, false, false, false, maxUse)
	require.False(t, res.Changed)
	require.True(t, c.decNotBefore.IsZero())
}

func TestRaiseLatencyFloorClampsToMax(t *testing.T) {
	next, changed := RaiseLatencyFloor(90*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	require.True(t, changed)
	require.Equal(t, 100*time.Millisecond, next)

	next, changed = RaiseLatencyFloor(100*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	require.False(t, changed)
	require.Equal(t, 100*time.Millisecond, next)
}

// TestClampInvariant exercises spec §8 invariant 1: after any sequence of
// Update calls, min_wakeup <= watermark <= maxUse - min_sleep.
func TestClampInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			IncStep:      time.Duration(rapid.IntRange(1, 20).Draw(rt, "incStep")) * time.Millisecond,
			DecStep:      time.Duration(rapid.IntRange(1, 20).Draw(rt, "decStep")) * time.Millisecond,
			IncThreshold: 0,
			DecThreshold: 100 * time.Millisecond,
			VerifyAfter:  time.Duration(rapid.IntRange(1, 5).Draw(rt, "verifyAfter")) * time.Second,
			MinSleep:     time.Duration(rapid.IntRange(1, 10).Draw(rt, "minSleep")) * time.Millisecond,
			MinWakeup:    time.Duration(rapid.IntRange(1, 10).Draw(rt, "minWakeup")) * time.Millisecond,
		}
		maxUse := time.Duration(rapid.IntRange(50, 2000).Draw(rt, "maxUse")) * time.Millisecond
		if cfg.MinWakeup >= maxUse-cfg.MinSleep {
			return // degenerate bound, caller's responsibility to avoid
		}

		c := New(cfg, cfg.MinWakeup)
		now := time.Unix(0, 0)
		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			now = now.Add(time.Duration(rapid.IntRange(1, 200).Draw(rt, "dt")) * time.Millisecond)
			leftToPlay := time.Duration(rapid.IntRange(0, 500).Draw(rt, "leftToPlay")) * time.Millisecond
			underrun := rapid.Bool().Draw(rt, "underrun")
			onTimeout := rapid.Bool().Draw(rt, "onTimeout")
			first := rapid.Bool().Draw(rt, "first")
			afterRewind := rapid.Bool().Draw(rt, "afterRewind")

			c.Update(now, leftToPlay, underrun, onTimeout, first, afterRewind, maxUse)

			w := c.Watermark()
			if w < cfg.MinWakeup || w > maxUse-cfg.MinSleep {
				rt.Fatalf("watermark %v out of bounds [%v, %v]", w, cfg.MinWakeup, maxUse-cfg.MinSleep)
			}
		}
	})
}
