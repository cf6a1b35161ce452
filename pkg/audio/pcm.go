package audio

import "math"

// DownmixToMono averages interleaved channels. n is the number of samples per
// channel present in pcm.
func DownmixToMono(pcm []float32, n, channels int) []float32 {
	if channels <= 1 {
		mono := make([]float32, n)
		copy(mono, pcm[:n])
		return mono
	}

	mono := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += pcm[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ClampUnit clamps samples in place to [-1, 1]. Opus can overshoot during
// transients and decoder warmup.
func ClampUnit(pcm []float32) {
	for i, v := range pcm {
		if v > 1.0 {
			pcm[i] = 1.0
		} else if v < -1.0 {
			pcm[i] = -1.0
		}
	}
}

// RMS returns the root mean square of the samples, 0 for an empty slice
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// Peak returns the largest absolute sample value
func Peak(samples []float32) float32 {
	var peak float32
	for _, v := range samples {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
