package nn

import "math/rand/v2"

// Dropout zeroes elements with probability p and rescales the rest by
// 1/(1-p). It is the identity when p is 0 or rng is nil (evaluation mode).
func Dropout(a *Tensor, p float64, rng *rand.Rand) *Tensor {
	if p <= 0 || rng == nil {
		return a
	}
	keep := 1 - p
	mask := make([]float64, len(a.Data))
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	out := result(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = v * mask[i]
	}
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		for i, g := range out.Grad {
			ga[i] += g * mask[i]
		}
	}
	return out
}
