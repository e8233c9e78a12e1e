package capture

import "math"

// rms computes the root-mean-square of 16-bit PCM samples, normalized to [0, 1].
func rms(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// dbfs converts a normalized RMS level to decibels relative to full scale.
// Digital silence clamps to -96dB instead of -Inf.
func dbfs(level float64) float64 {
	if level <= 0 {
		return -96
	}
	db := 20 * math.Log10(level)
	if db < -96 {
		return -96
	}
	return db
}
