package tft

import (
	"math"
	"math/rand/v2"

	"ethforecast/internal/nn"
)

// interpretableAttention is multi-head attention whose heads share the value
// projection and are averaged, so the mean attention pattern is directly
// interpretable.
type interpretableAttention struct {
	queries []*nn.Linear
	keys    []*nn.Linear
	value   *nn.Linear
	out     *nn.Linear
	dk      int
	dropout float64
}

func newInterpretableAttention(heads, hidden int, dropout float64, rng *rand.Rand) *interpretableAttention {
	dk := hidden / heads
	a := &interpretableAttention{
		value:   nn.NewLinear(hidden, dk, rng),
		out:     nn.NewLinear(dk, hidden, rng),
		dk:      dk,
		dropout: dropout,
	}
	for h := 0; h < heads; h++ {
		a.queries = append(a.queries, nn.NewLinear(hidden, dk, rng))
		a.keys = append(a.keys, nn.NewLinear(hidden, dk, rng))
	}
	return a
}

// Forward attends from q (decoder steps) over kv (encoder and decoder steps).
// Query i may see key j only when mask[i][j] is true. It returns the output
// and the head-averaged attention weights.
func (a *interpretableAttention) Forward(q, kv *nn.Tensor, mask [][]bool, rng *rand.Rand) (*nn.Tensor, *nn.Tensor) {
	v := a.value.Forward(kv)
	scale := 1 / math.Sqrt(float64(a.dk))
	heads := float64(len(a.queries))

	var output, attention *nn.Tensor
	for h := range a.queries {
		scores := nn.Scale(nn.MatMul(a.queries[h].Forward(q), nn.Transpose(a.keys[h].Forward(kv))), scale)
		weights := nn.Dropout(nn.Softmax(scores, mask), a.dropout, rng)
		head := nn.Dropout(nn.MatMul(weights, v), a.dropout, rng)
		if output == nil {
			output, attention = head, weights
			continue
		}
		output = nn.Add(output, head)
		attention = nn.Add(attention, weights)
	}
	output = nn.Dropout(a.out.Forward(nn.Scale(output, 1/heads)), a.dropout, rng)
	return output, nn.Scale(attention, 1/heads)
}

func (a *interpretableAttention) Parameters() []*nn.Tensor {
	params := nn.CollectParameters(a.value, a.out)
	for h := range a.queries {
		params = append(params, a.queries[h].Parameters()...)
		params = append(params, a.keys[h].Parameters()...)
	}
	return params
}

// causalMask lets decoder step i attend to every encoder step and to decoder
// steps up to and including i.
func causalMask(encoderLength, decoderLength int) [][]bool {
	mask := make([][]bool, decoderLength)
	for i := range mask {
		mask[i] = make([]bool, encoderLength+decoderLength)
		for j := 0; j <= encoderLength+i; j++ {
			mask[i][j] = true
		}
	}
	return mask
}
