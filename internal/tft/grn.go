package tft

import (
	"math/rand/v2"

	"ethforecast/internal/nn"
)

// glu is a gated linear unit: dropout, a linear layer to 2*out and a sigmoid
// gate over the second half.
type glu struct {
	fc      *nn.Linear
	out     int
	dropout float64
}

func newGLU(in, out int, dropout float64, rng *rand.Rand) *glu {
	return &glu{fc: nn.NewLinear(in, 2*out, rng), out: out, dropout: dropout}
}

func (g *glu) Forward(x *nn.Tensor, rng *rand.Rand) *nn.Tensor {
	y := g.fc.Forward(nn.Dropout(x, g.dropout, rng))
	return nn.Mul(nn.SliceCols(y, 0, g.out), nn.Sigmoid(nn.SliceCols(y, g.out, 2*g.out)))
}

func (g *glu) Parameters() []*nn.Tensor {
	return g.fc.Parameters()
}

// gateAddNorm gates x, adds the skip connection and layer-normalizes
type gateAddNorm struct {
	glu  *glu
	norm *nn.LayerNormParams
}

func newGateAddNorm(in, out int, dropout float64, rng *rand.Rand) *gateAddNorm {
	return &gateAddNorm{glu: newGLU(in, out, dropout, rng), norm: nn.NewLayerNorm(out)}
}

func (g *gateAddNorm) Forward(x, skip *nn.Tensor, rng *rand.Rand) *nn.Tensor {
	return g.norm.Forward(nn.Add(g.glu.Forward(x, rng), skip))
}

func (g *gateAddNorm) Parameters() []*nn.Tensor {
	return nn.CollectParameters(g.glu, g.norm)
}

// grn is a gated residual network with an optional static context
type grn struct {
	resample *nn.Linear // nil when input and output sizes match
	fc1      *nn.Linear
	context  *nn.Tensor // context projection without bias, nil when unused
	fc2      *nn.Linear
	gate     *gateAddNorm
}

func newGRN(in, hidden, out int, dropout float64, contextSize int, rng *rand.Rand) *grn {
	g := &grn{
		fc1:  nn.NewLinear(in, hidden, rng),
		fc2:  nn.NewLinear(hidden, hidden, rng),
		gate: newGateAddNorm(hidden, out, dropout, rng),
	}
	if in != out {
		g.resample = nn.NewLinear(in, out, rng)
	}
	if contextSize > 0 {
		g.context = nn.NewLinear(contextSize, hidden, rng).W
	}
	return g
}

// Forward applies the network to every row of x. context is a single row
// broadcast over all rows, or nil.
func (g *grn) Forward(x, context *nn.Tensor, rng *rand.Rand) *nn.Tensor {
	residual := x
	if g.resample != nil {
		residual = g.resample.Forward(x)
	}
	h := g.fc1.Forward(x)
	if context != nil && g.context != nil {
		h = nn.AddRow(h, nn.MatMul(context, g.context))
	}
	h = g.fc2.Forward(nn.ELU(h))
	return g.gate.Forward(h, residual, rng)
}

func (g *grn) Parameters() []*nn.Tensor {
	params := nn.CollectParameters(g.fc1, g.fc2, g.gate)
	if g.resample != nil {
		params = append(params, g.resample.Parameters()...)
	}
	if g.context != nil {
		params = append(params, g.context)
	}
	return params
}
