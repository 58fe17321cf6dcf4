package nn

import "gonum.org/v1/gonum/floats"

// Grads holds private gradient buffers for a set of shared parameters. Each
// goroutine running backward passes over the same model owns one Grads; the
// buffers are summed into the parameters once every pass has finished.
type Grads struct {
	params []*Tensor
	bufs   map[*Tensor][]float64
}

// NewGrads allocates a zeroed buffer for every tensor in params
func NewGrads(params []*Tensor) *Grads {
	g := &Grads{params: params, bufs: make(map[*Tensor][]float64, len(params))}
	for _, p := range params {
		g.bufs[p] = make([]float64, len(p.Data))
	}
	return g
}

// Zero clears every buffer
func (g *Grads) Zero() {
	for _, buf := range g.bufs {
		for i := range buf {
			buf[i] = 0
		}
	}
}

// AddTo adds every buffer into the Grad of its parameter
func (g *Grads) AddTo() {
	for _, p := range g.params {
		p.ensureGrad()
		floats.Add(p.Grad, g.bufs[p])
	}
}

// of returns the slice backward passes accumulate t's gradient into
func (g *Grads) of(t *Tensor) []float64 {
	if g != nil {
		if buf, ok := g.bufs[t]; ok {
			return buf
		}
	}
	t.ensureGrad()
	return t.Grad
}
