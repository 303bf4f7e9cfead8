package device

import "time"

// ChooseFormat walks FormatPreference starting at requested and returns the
// first encoding supported reports as available. Grounded on spec §4.3's
// "tries the requested sample format first and falls back through a fixed
// preference list."
func ChooseFormat(requested Encoding, supported func(Encoding) bool) (Encoding, bool) {
	if supported(requested) {
		return requested, true
	}
	for _, enc := range FormatPreference {
		if enc == requested {
			continue
		}
		if supported(enc) {
			return enc, true
		}
	}
	return 0, false
}

// AcceptRate reports whether actualHz is within the ±5% acceptance window
// spec §4.3/§9 describes, and if so returns the rate the caller should
// record — the spec's open question is resolved here by recording the
// actual negotiated rate rather than silently snapping back to requested
// (see DESIGN.md).
func AcceptRate(requestedHz, actualHz int) (acceptedHz int, ok bool) {
	lo := float64(requestedHz) * 0.95
	hi := float64(requestedHz) * 1.05
	f := float64(actualHz)
	if f < lo || f > hi {
		return 0, false
	}
	return actualHz, true
}

// AcceptChannels returns the channel count to use: exact if the caller
// demands it (and it's available), otherwise the nearest available count.
func AcceptChannels(requested int, exact bool, nearest func(int) int) (int, bool) {
	if exact {
		if nearest(requested) != requested {
			return 0, false
		}
		return requested, true
	}
	return nearest(requested), true
}

// setFunc attempts to configure frames of buffer or period and reports what
// was actually accepted.
type setFunc func(frames int) (int, error)

// NegotiateBufferPeriod tries the four strategies spec §4.3 specifies, in
// order, and returns the first that succeeds: (buffer then period), (period
// then buffer), (buffer only), (period only).
func NegotiateBufferPeriod(setBuffer, setPeriod setFunc, bufferFrames, periodFrames int) (gotBuffer, gotPeriod int, err error) {
	type attempt func() (int, int, error)
	attempts := []attempt{
		func() (int, int, error) {
			b, err := setBuffer(bufferFrames)
			if err != nil {
				return 0, 0, err
			}
			p, err := setPeriod(periodFrames)
			return b, p, err
		},
		func() (int, int, error) {
			p, err := setPeriod(periodFrames)
			if err != nil {
				return 0, 0, err
			}
			b, err := setBuffer(bufferFrames)
			return b, p, err
		},
		func() (int, int, error) {
			b, err := setBuffer(bufferFrames)
			return b, periodFrames, err
		},
		func() (int, int, error) {
			p, err := setPeriod(periodFrames)
			return bufferFrames, p, err
		},
	}

	var lastErr error
	for _, a := range attempts {
		b, p, aerr := a()
		if aerr == nil {
			return b, p, nil
		}
		lastErr = aerr
	}
	return 0, 0, lastErr
}

// driverBugGuard is the 5x-hwbuf / 10s-of-audio clamp spec §4.3 mandates for
// avail()/delay() readings, grounded on pa_alsa_safe_avail/pa_alsa_safe_delay
// in original_source's alsa-util.c.
func driverBugGuard(frames, hwbufFrames, rateHz int) (clamped int, suspect bool) {
	tenSeconds := rateHz * 10
	if frames > 5*hwbufFrames || frames > tenSeconds {
		return hwbufFrames, true
	}
	return frames, false
}

// GuardAvail applies the driver-bug clamp to an avail() reading.
func GuardAvail(frames, hwbufFrames, rateHz int) (int, bool) {
	return driverBugGuard(frames, hwbufFrames, rateHz)
}

// GuardDelay applies the driver-bug clamp to a delay() reading, preserving
// its sign: a wildly negative reading clamps to -hwbufFrames.
func GuardDelay(frames, hwbufFrames, rateHz int) (int, bool) {
	if frames < 0 {
		clamped, suspect := driverBugGuard(-frames, hwbufFrames, rateHz)
		return -clamped, suspect
	}
	return driverBugGuard(frames, hwbufFrames, rateHz)
}

// BytesToDuration converts a byte count at the given format to a time.Duration.
func BytesToDuration(bytes, frameSize, rateHz int) time.Duration {
	if frameSize <= 0 || rateHz <= 0 {
		return 0
	}
	frames := bytes / frameSize
	return time.Duration(frames) * time.Second / time.Duration(rateHz)
}

// DurationToBytes converts a time.Duration to a frame-aligned byte count.
func DurationToBytes(d time.Duration, frameSize, rateHz int) int {
	if frameSize <= 0 || rateHz <= 0 || d <= 0 {
		return 0
	}
	frames := int(d.Seconds() * float64(rateHz))
	return frames * frameSize
}
