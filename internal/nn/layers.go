package nn

import (
	"math"
	"math/rand/v2"
)

// Module is anything that owns trainable parameters
type Module interface {
	Parameters() []*Tensor
}

// CollectParameters flattens the parameters of several modules
func CollectParameters(modules ...Module) []*Tensor {
	var params []*Tensor
	for _, m := range modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func uniform(rows, cols int, limit float64, rng *rand.Rand) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * limit
	}
	return t
}

// Linear is a fully connected layer x·W + b
type Linear struct {
	W, B    *Tensor
	In, Out int
}

// NewLinear creates a Xavier-uniform initialized linear layer
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		W:   uniform(in, out, math.Sqrt(6/float64(in+out)), rng),
		B:   New(1, out),
		In:  in,
		Out: out,
	}
}

// Forward applies the layer to every row of x
func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddRow(MatMul(x, l.W), l.B)
}

func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.W, l.B}
}

// Embedding maps a category code to a learned vector
type Embedding struct {
	Table *Tensor
}

// NewEmbedding creates an embedding table with n rows of size dim
func NewEmbedding(n, dim int, rng *rand.Rand) *Embedding {
	t := New(n, dim)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return &Embedding{Table: t}
}

// Forward returns the 1 x dim vector for code
func (e *Embedding) Forward(code int) *Tensor {
	return SliceRows(e.Table, code, code+1)
}

func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.Table}
}

// LayerNormParams holds the gain and bias of a layer norm
type LayerNormParams struct {
	Gain, Bias *Tensor
}

// NewLayerNorm creates a layer norm over size features
func NewLayerNorm(size int) *LayerNormParams {
	gain := New(1, size)
	for i := range gain.Data {
		gain.Data[i] = 1
	}
	return &LayerNormParams{Gain: gain, Bias: New(1, size)}
}

// Forward normalizes every row of x
func (n *LayerNormParams) Forward(x *Tensor) *Tensor {
	return LayerNorm(x, n.Gain, n.Bias)
}

func (n *LayerNormParams) Parameters() []*Tensor {
	return []*Tensor{n.Gain, n.Bias}
}

// LSTMState is the hidden and cell state of every layer, each 1 x hidden
type LSTMState struct {
	H, C []*Tensor
}

type lstmLayer struct {
	Wx, Wh, B *Tensor
}

// LSTM is a stacked LSTM processing one sequence at a time
type LSTM struct {
	layers  []*lstmLayer
	Hidden  int
	Dropout float64
}

// NewLSTM creates a stacked LSTM. Dropout is applied between layers.
func NewLSTM(in, hidden, numLayers int, dropout float64, rng *rand.Rand) *LSTM {
	limit := 1 / math.Sqrt(float64(hidden))
	l := &LSTM{Hidden: hidden, Dropout: dropout}
	for i := 0; i < numLayers; i++ {
		size := in
		if i > 0 {
			size = hidden
		}
		layer := &lstmLayer{
			Wx: uniform(size, 4*hidden, limit, rng),
			Wh: uniform(hidden, 4*hidden, limit, rng),
			B:  New(1, 4*hidden),
		}
		// forget gate bias starts at 1
		for j := hidden; j < 2*hidden; j++ {
			layer.B.Data[j] = 1
		}
		l.layers = append(l.layers, layer)
	}
	return l
}

// NumLayers returns the depth of the stack
func (l *LSTM) NumLayers() int {
	return len(l.layers)
}

// Forward runs x (steps x in) through the stack starting from state and
// returns the top layer outputs (steps x hidden) and the final state.
// rng enables inter-layer dropout; pass nil in evaluation mode.
func (l *LSTM) Forward(x *Tensor, state LSTMState, rng *rand.Rand) (*Tensor, LSTMState) {
	h := l.Hidden
	next := LSTMState{H: make([]*Tensor, len(l.layers)), C: make([]*Tensor, len(l.layers))}
	input := x
	for li, layer := range l.layers {
		if li > 0 {
			input = Dropout(input, l.Dropout, rng)
		}
		projected := AddRow(MatMul(input, layer.Wx), layer.B)
		ht, ct := state.H[li], state.C[li]
		outputs := make([]*Tensor, input.Rows)
		for t := 0; t < input.Rows; t++ {
			gates := Add(SliceRows(projected, t, t+1), MatMul(ht, layer.Wh))
			i := Sigmoid(SliceCols(gates, 0, h))
			f := Sigmoid(SliceCols(gates, h, 2*h))
			g := Tanh(SliceCols(gates, 2*h, 3*h))
			o := Sigmoid(SliceCols(gates, 3*h, 4*h))
			ct = Add(Mul(f, ct), Mul(i, g))
			ht = Mul(o, Tanh(ct))
			outputs[t] = ht
		}
		next.H[li], next.C[li] = ht, ct
		input = ConcatRows(outputs...)
	}
	return input, next
}

func (l *LSTM) Parameters() []*Tensor {
	var params []*Tensor
	for _, layer := range l.layers {
		params = append(params, layer.Wx, layer.Wh, layer.B)
	}
	return params
}
