package nanogpt

import "math/rand"

// dropout zeroes elements of v in place with probability p and scales the
// survivors by 1/(1-p). It returns the applied mask, or nil when nothing was
// dropped (inference mode or p == 0).
func dropout(v []float32, p float32, rng *rand.Rand) []float32 {
	if rng == nil || p == 0 {
		return nil
	}
	scale := 1 / (1 - p)
	mask := make([]float32, len(v))
	for i := range v {
		if rng.Float32() >= p {
			mask[i] = scale
			v[i] *= scale
		} else {
			v[i] = 0
		}
	}
	return mask
}

// undropout applies a dropout mask to an incoming gradient in place.
func undropout(g, mask []float32) {
	if mask == nil {
		return
	}
	for i := range g {
		g[i] *= mask[i]
	}
}
