package tools

import "time"

func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// MsToSamples converts a millisecond offset into a mono sample index.
func MsToSamples(ms int, rate int) int {
	if ms <= 0 || rate <= 0 {
		return 0
	}
	return ms * rate / 1000
}

// CaptureBytes is the byte size of maxSeconds of mono PCM16 at rate.
func CaptureBytes(maxSeconds int, rate int) int {
	return FrameSamples(time.Duration(maxSeconds)*time.Second, rate, 1) * 2
}
