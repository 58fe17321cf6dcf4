package nn

import "fmt"

// Pinball returns the summed quantile (pinball) loss of pred against target.
// Column k of pred is the prediction for quantiles[k]; extra columns are
// ignored. Each term is 2·max(q·e, (q−1)·e) with e = target − pred.
func Pinball(pred *Tensor, target []float64, quantiles []float64) *Tensor {
	if pred.Rows != len(target) {
		panic(fmt.Sprintf("nn: Pinball %d predictions for %d targets", pred.Rows, len(target)))
	}
	if pred.Cols < len(quantiles) {
		panic(fmt.Sprintf("nn: Pinball %d outputs for %d quantiles", pred.Cols, len(quantiles)))
	}
	out := result(1, 1, pred)
	var total float64
	for i, y := range target {
		for k, q := range quantiles {
			e := y - pred.Data[i*pred.Cols+k]
			total += 2 * max(q*e, (q-1)*e)
		}
	}
	out.Data[0] = total
	out.backward = func(gs *Grads) {
		gp := gs.of(pred)
		g := out.Grad[0]
		for i, y := range target {
			for k, q := range quantiles {
				e := y - pred.Data[i*pred.Cols+k]
				if e > 0 {
					gp[i*pred.Cols+k] -= 2 * q * g
				} else {
					gp[i*pred.Cols+k] -= 2 * (q - 1) * g
				}
			}
		}
	}
	return out
}
