package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChooseFormatPrefersRequested(t *testing.T) {
	enc, ok := ChooseFormat(S16NE, func(e Encoding) bool { return true })
	require.True(t, ok)
	require.Equal(t, S16NE, enc)
}

func TestChooseFormatFallsBackThroughPreferenceList(t *testing.T) {
	available := map[Encoding]bool{S24NE: true, U8: true}
	enc, ok := ChooseFormat(Float32NE, func(e Encoding) bool { return available[e] })
	require.True(t, ok)
	require.Equal(t, S24NE, enc) // earlier in FormatPreference than U8
}

func TestChooseFormatNoneAvailable(t *testing.T) {
	_, ok := ChooseFormat(Float32NE, func(e Encoding) bool { return false })
	require.False(t, ok)
}

func TestAcceptRateWindow(t *testing.T) {
	accepted, ok := AcceptRate(48000, 47990)
	require.True(t, ok)
	require.Equal(t, 47990, accepted)

	_, ok = AcceptRate(48000, 44100)
	require.False(t, ok)
}

func TestNegotiateBufferPeriodTriesStrategiesInOrder(t *testing.T) {
	var calls []string
	setBuffer := func(frames int) (int, error) { calls = append(calls, "buffer"); return 0, errors.New("fail") }
	setPeriod := func(frames int) (int, error) { calls = append(calls, "period"); return 0, errors.New("fail") }

	_, _, err := NegotiateBufferPeriod(setBuffer, setPeriod, 1000, 100)
	require.Error(t, err)
	// strategy 1: buffer,period ; strategy 2: period,buffer ; strategy 3: buffer ; strategy 4: period
	require.Equal(t, []string{"buffer", "period", "buffer", "period"}, calls)
}

func TestNegotiateBufferPeriodFallsBackToBufferOnly(t *testing.T) {
	setBuffer := func(frames int) (int, error) {
		if frames == 1000 {
			return 1000, nil
		}
		return 0, errors.New("fail")
	}
	setPeriod := func(frames int) (int, error) { return 0, errors.New("period fails always") }

	gotBuffer, gotPeriod, err := NegotiateBufferPeriod(setBuffer, setPeriod, 1000, 100)
	require.NoError(t, err)
	require.Equal(t, 1000, gotBuffer)
	require.Equal(t, 100, gotPeriod) // unchanged: strategy 3 only sets buffer
}

func TestGuardAvailClampsDriverBug(t *testing.T) {
	clamped, suspect := GuardAvail(500000, 96000, 48000)
	require.True(t, suspect)
	require.Equal(t, 96000, clamped)

	clamped, suspect = GuardAvail(90000, 96000, 48000)
	require.False(t, suspect)
	require.Equal(t, 90000, clamped)
}

func TestBytesDurationRoundTrip(t *testing.T) {
	bytes := DurationToBytes(1000*1000*1000, 4, 48000) // 1s worth, frame_size=4 (s16 stereo)
	require.Equal(t, 48000*4, bytes)
}
