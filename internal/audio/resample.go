package audio

// Resample converts samples from one rate to another by linear
// interpolation. Linear interpolation is audible on music but fine for
// voice, and it keeps the pipeline free of external DSP dependencies.
// Returns the input slice unchanged when the rates match.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	outLen := len(samples) * toRate / fromRate
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)

	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
