package tft

import (
	"math/rand/v2"

	"ethforecast/internal/nn"
)

// variableSelection weighs a set of embedded variables with softmax weights
// computed from their concatenation and an optional static context.
type variableSelection struct {
	names   []string
	flat    *grn // nil for a single variable
	single  []*grn
	inSize  int
	outSize int
}

func newVariableSelection(names []string, inSize, hidden int, dropout float64, contextSize int, rng *rand.Rand) *variableSelection {
	v := &variableSelection{names: names, inSize: inSize, outSize: hidden}
	n := len(names)
	if n > 1 {
		v.flat = newGRN(n*inSize, min(hidden, n), n, dropout, contextSize, rng)
	}
	for range names {
		v.single = append(v.single, newGRN(inSize, min(inSize, hidden), hidden, dropout, 0, rng))
	}
	return v
}

// Forward combines vars (each rows x inSize, ordered like names) into a
// rows x hidden tensor and returns the selection weights (rows x len(vars)).
func (v *variableSelection) Forward(vars []*nn.Tensor, context *nn.Tensor, rng *rand.Rand) (*nn.Tensor, *nn.Tensor) {
	rows := vars[0].Rows
	if len(vars) == 1 {
		ones := nn.New(rows, 1)
		for i := range ones.Data {
			ones.Data[i] = 1
		}
		return v.single[0].Forward(vars[0], nil, rng), ones
	}

	weights := nn.Softmax(v.flat.Forward(nn.ConcatCols(vars...), context, rng), nil)
	var combined *nn.Tensor
	for i, x := range vars {
		weighted := nn.MulCol(v.single[i].Forward(x, nil, rng), nn.SliceCols(weights, i, i+1))
		if combined == nil {
			combined = weighted
			continue
		}
		combined = nn.Add(combined, weighted)
	}
	return combined, weights
}

func (v *variableSelection) Parameters() []*nn.Tensor {
	var params []*nn.Tensor
	if v.flat != nil {
		params = append(params, v.flat.Parameters()...)
	}
	for _, g := range v.single {
		params = append(params, g.Parameters()...)
	}
	return params
}
