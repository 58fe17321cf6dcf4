package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters from their accumulated gradients
type Optimizer interface {
	Name() string
	Step()
	ZeroGrad()
	LearningRate() float64
	SetLearningRate(lr float64)
	Parameters() []*Tensor
}

// AdamW implements Adam with decoupled weight decay
type AdamW struct {
	params      []*Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	m, v        [][]float64
	steps       int
}

// NewAdamW creates an AdamW optimizer with betas (0.9, 0.999) and eps 1e-8
func NewAdamW(params []*Tensor, lr, weightDecay float64) *AdamW {
	o := &AdamW{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, len(p.Data))
		o.v[i] = make([]float64, len(p.Data))
	}
	return o
}

func (o *AdamW) Name() string              { return "AdamW" }
func (o *AdamW) LearningRate() float64     { return o.lr }
func (o *AdamW) SetLearningRate(lr float64) { o.lr = lr }
func (o *AdamW) Parameters() []*Tensor     { return o.params }

// ZeroGrad clears the gradients of all parameters
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one update
func (o *AdamW) Step() {
	o.steps++
	bc1 := 1 - math.Pow(o.beta1, float64(o.steps))
	bc2 := 1 - math.Pow(o.beta2, float64(o.steps))
	for i, p := range o.params {
		if p.Grad == nil {
			continue
		}
		m, v := o.m[i], o.v[i]
		for j, g := range p.Grad {
			p.Data[j] -= o.lr * o.weightDecay * p.Data[j]
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			mhat := m[j] / bc1
			vhat := v[j] / bc2
			p.Data[j] -= o.lr * mhat / (math.Sqrt(vhat) + o.eps)
		}
	}
}

// Scheduler adjusts the learning rate of an optimizer
type Scheduler interface {
	Step()
	LastLR() float64
}

// CosineAnnealingLR follows lr = etaMin + (base − etaMin)(1 + cos(π·epoch/TMax))/2
type CosineAnnealingLR struct {
	opt    Optimizer
	baseLR float64
	etaMin float64
	tMax   int
	epoch  int
}

// NewCosineAnnealingLR anchors the schedule at the optimizer's current rate
func NewCosineAnnealingLR(opt Optimizer, tMax int, etaMin float64) *CosineAnnealingLR {
	return &CosineAnnealingLR{opt: opt, baseLR: opt.LearningRate(), etaMin: etaMin, tMax: tMax}
}

// Step advances the schedule by one epoch
func (s *CosineAnnealingLR) Step() {
	s.epoch++
	lr := s.etaMin + (s.baseLR-s.etaMin)*(1+math.Cos(math.Pi*float64(s.epoch)/float64(s.tMax)))/2
	s.opt.SetLearningRate(lr)
}

// LastLR returns the learning rate currently set on the optimizer
func (s *CosineAnnealingLR) LastLR() float64 {
	return s.opt.LearningRate()
}

// ClipGradNorm rescales gradients so their global L2 norm is at most maxNorm
// and returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		if p.Grad != nil {
			sq += floats.Dot(p.Grad, p.Grad)
		}
	}
	total := math.Sqrt(sq)
	if coef := maxNorm / (total + 1e-6); coef < 1 {
		for _, p := range params {
			if p.Grad != nil {
				floats.Scale(coef, p.Grad)
			}
		}
	}
	return total
}

// GradsFinite reports whether every gradient value is finite
func GradsFinite(params []*Tensor) bool {
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return false
			}
		}
	}
	return true
}
