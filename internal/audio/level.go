package audio

import "math"

const DefaultVoiceThreshold = 0.01

// ApplyGain scales samples in place, clamping to the int16 range so
// amplified audio cannot wrap.
func ApplyGain(samples []int16, gain float64) {
	for i, s := range samples {
		v := float64(s) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
}

// CalculateRMS returns the root-mean-square level normalized to [0, 1].
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func DetectVoiceActivity(samples []int16, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultVoiceThreshold
	}
	return CalculateRMS(samples) > threshold
}
