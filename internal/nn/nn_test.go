package nn

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"
)

func randTensor(rng *rand.Rand, rows, cols int) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// checkGradients compares analytic gradients of f with central differences
// for every element of every input.
func checkGradients(t *testing.T, name string, inputs []*Tensor, f func() *Tensor) {
	t.Helper()
	for _, in := range inputs {
		in.Grad = nil
	}
	Backward(f())

	const h = 1e-6
	for k, in := range inputs {
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + h
			plus := f().Item()
			in.Data[i] = orig - h
			minus := f().Item()
			in.Data[i] = orig

			numeric := (plus - minus) / (2 * h)
			analytic := 0.0
			if in.Grad != nil {
				analytic = in.Grad[i]
			}
			if diff := math.Abs(numeric - analytic); diff > 1e-5*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s: input %d element %d: expected gradient %.8f, got %.8f", name, k, i, numeric, analytic)
			}
		}
	}
}

func TestOpGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a := randTensor(rng, 3, 4)
	b := randTensor(rng, 4, 2)
	c := randTensor(rng, 3, 4)
	row := randTensor(rng, 1, 4)
	col := randTensor(rng, 3, 1)
	gain := randTensor(rng, 1, 4)
	bias := randTensor(rng, 1, 4)
	w34 := randTensor(rng, 3, 4)
	w43 := randTensor(rng, 4, 3)
	w32 := randTensor(rng, 3, 2)
	mask := [][]bool{{true, true, false, true}, {true, false, false, false}, {true, true, true, true}}

	weighted := func(x *Tensor, w *Tensor) *Tensor { return Sum(Mul(x, w)) }

	tests := []struct {
		name   string
		inputs []*Tensor
		f      func() *Tensor
	}{
		{"MatMul", []*Tensor{a, b}, func() *Tensor { return weighted(MatMul(a, b), w32) }},
		{"Add", []*Tensor{a, c}, func() *Tensor { return weighted(Add(a, c), w34) }},
		{"AddRow", []*Tensor{a, row}, func() *Tensor { return weighted(AddRow(a, row), w34) }},
		{"Mul", []*Tensor{a, c}, func() *Tensor { return weighted(Mul(a, c), w34) }},
		{"MulCol", []*Tensor{a, col}, func() *Tensor { return weighted(MulCol(a, col), w34) }},
		{"Affine", []*Tensor{a}, func() *Tensor { return weighted(Affine(a, 2.5, -1), w34) }},
		{"Sigmoid", []*Tensor{a}, func() *Tensor { return weighted(Sigmoid(a), w34) }},
		{"Tanh", []*Tensor{a}, func() *Tensor { return weighted(Tanh(a), w34) }},
		{"ELU", []*Tensor{a}, func() *Tensor { return weighted(ELU(a), w34) }},
		{"Softmax", []*Tensor{a}, func() *Tensor { return weighted(Softmax(a, nil), w34) }},
		{"MaskedSoftmax", []*Tensor{a}, func() *Tensor { return weighted(Softmax(a, mask), w34) }},
		{"LayerNorm", []*Tensor{a, gain, bias}, func() *Tensor { return weighted(LayerNorm(a, gain, bias), w34) }},
		{"SliceRows", []*Tensor{a}, func() *Tensor { return weighted(SliceRows(a, 1, 3), SliceRows(w34, 0, 2)) }},
		{"SliceCols", []*Tensor{a}, func() *Tensor { return weighted(SliceCols(a, 1, 3), w32) }},
		{"ConcatRows", []*Tensor{a, row}, func() *Tensor {
			return weighted(ConcatRows(a, row), ConcatRows(w34, row))
		}},
		{"ConcatCols", []*Tensor{a, col}, func() *Tensor {
			return weighted(ConcatCols(col, a), ConcatCols(w34, col))
		}},
		{"RepeatRows", []*Tensor{row}, func() *Tensor { return weighted(RepeatRows(row, 3), w34) }},
		{"Transpose", []*Tensor{a}, func() *Tensor { return weighted(Transpose(a), w43) }},
		{"Mean", []*Tensor{a}, func() *Tensor { return Mean(Mul(a, a)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkGradients(t, tt.name, tt.inputs, tt.f)
		})
	}
}

func TestPinballGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	pred := randTensor(rng, 4, 5)
	target := []float64{0.5, -1, 2, 0.1}
	quantiles := []float64{0.1, 0.5, 0.9}

	checkGradients(t, "Pinball", []*Tensor{pred}, func() *Tensor {
		return Pinball(pred, target, quantiles)
	})

	// unused output columns get no gradient
	pred.Grad = nil
	Backward(Pinball(pred, target, quantiles))
	for i := 0; i < pred.Rows; i++ {
		for j := len(quantiles); j < pred.Cols; j++ {
			if g := pred.Grad[i*pred.Cols+j]; g != 0 {
				t.Errorf("Expected zero gradient for unused column %d, got %f", j, g)
			}
		}
	}
}

func TestPinballValue(t *testing.T) {
	pred := FromRows([][]float64{{1, 2, 3}})
	// e = 2 - pred = {1, 0, -1}
	// q=0.1: max(0.1, -0.9) = 0.1; q=0.5: 0; q=0.9: max(-0.9, 0.1) = 0.1
	got := Pinball(pred, []float64{2}, []float64{0.1, 0.5, 0.9}).Item()
	if want := 2 * (0.1 + 0 + 0.1); math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected pinball loss %f, got %f", want, got)
	}
}

func TestLSTMGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	lstm := NewLSTM(3, 4, 2, 0, rng)
	x := randTensor(rng, 5, 3)
	h0 := []*Tensor{randTensor(rng, 1, 4), randTensor(rng, 1, 4)}
	c0 := []*Tensor{randTensor(rng, 1, 4), randTensor(rng, 1, 4)}
	w := randTensor(rng, 5, 4)

	inputs := append([]*Tensor{x, h0[0], c0[1]}, lstm.Parameters()...)
	checkGradients(t, "LSTM", inputs, func() *Tensor {
		out, state := lstm.Forward(x, LSTMState{H: h0, C: c0}, nil)
		return Add(Sum(Mul(out, w)), Sum(state.C[1]))
	})
}

func TestLSTMShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	lstm := NewLSTM(6, 8, 2, 0.3, rng)
	state := LSTMState{
		H: []*Tensor{New(1, 8), New(1, 8)},
		C: []*Tensor{New(1, 8), New(1, 8)},
	}
	out, next := lstm.Forward(randTensor(rng, 10, 6), state, rng)
	if out.Rows != 10 || out.Cols != 8 {
		t.Errorf("Expected 10x8 output, got %dx%d", out.Rows, out.Cols)
	}
	if len(next.H) != 2 || next.H[1].Cols != 8 {
		t.Errorf("Expected 2 layers of 1x8 state, got %d", len(next.H))
	}
	if lstm.NumLayers() != 2 {
		t.Errorf("Expected 2 layers, got %d", lstm.NumLayers())
	}
}

func TestDropout(t *testing.T) {
	a := FromRows([][]float64{{1, 2, 3, 4}})
	if Dropout(a, 0.5, nil) != a {
		t.Error("Expected dropout without rng to be the identity")
	}
	if Dropout(a, 0, rand.New(rand.NewPCG(1, 1))) != a {
		t.Error("Expected dropout with p=0 to be the identity")
	}

	rng := rand.New(rand.NewPCG(9, 9))
	big := New(100, 100)
	for i := range big.Data {
		big.Data[i] = 1
	}
	p := 0.3
	out := Dropout(big, p, rng)
	var zeros int
	for _, v := range out.Data {
		if v == 0 {
			zeros++
			continue
		}
		if math.Abs(v-1/(1-p)) > 1e-12 {
			t.Fatalf("Unexpected dropout value %f", v)
		}
	}
	if frac := float64(zeros) / 10000; math.Abs(frac-p) > 0.03 {
		t.Errorf("Expected ~30%% dropped, got %.1f%%", frac*100)
	}
}

func TestAdamWStep(t *testing.T) {
	p := FromSlice(1, 2, []float64{1, -1})
	p.Grad = []float64{0.5, -0.5}
	opt := NewAdamW([]*Tensor{p}, 0.1, 0.01)
	opt.Step()

	// First step: decay then move by lr·sign(g) (bias-corrected m/sqrt(v) = ±1)
	want0 := 1 - 0.1*0.01*1 - 0.1
	want1 := -1 - 0.1*0.01*(-1) + 0.1
	if math.Abs(p.Data[0]-want0) > 1e-6 || math.Abs(p.Data[1]-want1) > 1e-6 {
		t.Errorf("Expected [%f %f], got %v", want0, want1, p.Data)
	}

	opt.ZeroGrad()
	if p.Grad[0] != 0 || p.Grad[1] != 0 {
		t.Errorf("Expected zeroed gradients, got %v", p.Grad)
	}
}

func TestAdamWMinimizesQuadratic(t *testing.T) {
	x := FromSlice(1, 1, []float64{5})
	opt := NewAdamW([]*Tensor{x}, 0.1, 0)
	for i := 0; i < 500; i++ {
		opt.ZeroGrad()
		Backward(Mul(Affine(x, 1, -2), Affine(x, 1, -2)))
		opt.Step()
	}
	if math.Abs(x.Data[0]-2) > 0.05 {
		t.Errorf("Expected x to converge to 2, got %f", x.Data[0])
	}
}

func TestCosineAnnealingLR(t *testing.T) {
	opt := NewAdamW(nil, 1e-3, 0)
	sched := NewCosineAnnealingLR(opt, 10, 0)

	want := map[int]float64{
		5:  0.5e-3,
		10: 0,
		15: 0.5e-3,
		20: 1e-3,
	}
	for epoch := 1; epoch <= 20; epoch++ {
		sched.Step()
		if w, ok := want[epoch]; ok && math.Abs(sched.LastLR()-w) > 1e-12 {
			t.Errorf("Epoch %d: expected lr %g, got %g", epoch, w, sched.LastLR())
		}
		if sched.LastLR() != opt.LearningRate() {
			t.Errorf("Scheduler and optimizer disagree at epoch %d", epoch)
		}
	}
}

func TestClipGradNorm(t *testing.T) {
	p1 := FromSlice(1, 2, []float64{0, 0})
	p2 := FromSlice(1, 1, []float64{0})
	p1.Grad = []float64{3, 0}
	p2.Grad = []float64{4}

	norm := ClipGradNorm([]*Tensor{p1, p2}, 0.1)
	if math.Abs(norm-5) > 1e-12 {
		t.Errorf("Expected pre-clip norm 5, got %f", norm)
	}

	var sq float64
	for _, g := range append(p1.Grad, p2.Grad...) {
		sq += g * g
	}
	if math.Abs(math.Sqrt(sq)-0.1) > 1e-6 {
		t.Errorf("Expected clipped norm 0.1, got %f", math.Sqrt(sq))
	}

	// Small gradients are left alone
	p2.Grad = []float64{0.01}
	p1.Grad = []float64{0, 0}
	ClipGradNorm([]*Tensor{p1, p2}, 0.1)
	if p2.Grad[0] != 0.01 {
		t.Errorf("Expected unclipped gradient 0.01, got %f", p2.Grad[0])
	}
}

func TestBackwardReleasesGraph(t *testing.T) {
	a := FromRows([][]float64{{1, 2}})
	b := Sigmoid(a)
	loss := Sum(b)
	Backward(loss)
	if loss.parents != nil || b.parents != nil {
		t.Error("Expected graph links to be dropped after Backward")
	}
	if a.Grad == nil {
		t.Error("Expected leaf gradient to be kept")
	}
}

func TestDetach(t *testing.T) {
	w := FromRows([][]float64{{1, 2}, {3, 4}})
	x := FromRows([][]float64{{1, 1}})
	h := Tanh(MatMul(x, w))
	out := Sum(h)
	Detach(out)
	if out.parents != nil || out.backward != nil || h.parents != nil {
		t.Error("Expected graph links to be dropped after Detach")
	}
	if w.Grad != nil {
		t.Error("Expected Detach to leave gradients untouched")
	}
}

func TestBackwardIntoMatchesInPlace(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	lin := NewLinear(4, 3, rng)
	norm := NewLayerNorm(3)
	params := CollectParameters(lin, norm)
	inputs := []*Tensor{randTensor(rng, 5, 4), randTensor(rng, 2, 4), randTensor(rng, 3, 4), randTensor(rng, 1, 4)}
	loss := func(x *Tensor) *Tensor {
		return Sum(Sigmoid(norm.Forward(lin.Forward(x))))
	}

	for _, x := range inputs {
		BackwardScaled(loss(x), 0.5)
	}
	want := make([][]float64, len(params))
	for i, p := range params {
		want[i] = append([]float64{}, p.Grad...)
		p.ZeroGrad()
	}

	shards := []*Grads{NewGrads(params), NewGrads(params)}
	var wg sync.WaitGroup
	for w, shard := range shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(inputs); i += len(shards) {
				BackwardInto(loss(inputs[i]), 0.5, shard)
			}
		}()
	}
	wg.Wait()

	for _, p := range params {
		for _, g := range p.Grad {
			if g != 0 {
				t.Fatal("Expected parameter gradients untouched until AddTo")
			}
		}
	}
	for _, shard := range shards {
		shard.AddTo()
	}
	for i, p := range params {
		for j := range p.Grad {
			if math.Abs(p.Grad[j]-want[i][j]) > 1e-12 {
				t.Fatalf("Param %d[%d]: expected %g, got %g", i, j, want[i][j], p.Grad[j])
			}
		}
	}

	shards[0].Zero()
	for _, buf := range shards[0].bufs {
		for _, v := range buf {
			if v != 0 {
				t.Fatal("Expected Zero to clear buffers")
			}
		}
	}
}

func TestMatMulBackwardAllocations(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	x := randTensor(rng, 1, 256)
	w := randTensor(rng, 256, 1024)
	grads := NewGrads([]*Tensor{w})
	step := func(g *Grads) {
		BackwardInto(Sum(MatMul(x, w)), 1, g)
	}

	tests := []struct {
		name  string
		grads *Grads
	}{
		{"in place", nil},
		{"redirected", grads},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step(tt.grads)
			const runs = 10
			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			for i := 0; i < runs; i++ {
				step(tt.grads)
			}
			runtime.ReadMemStats(&after)

			// the weight gradient alone is 2 MiB; it must not be reallocated per step
			perStep := (after.TotalAlloc - before.TotalAlloc) / runs
			if perStep > 256<<10 {
				t.Errorf("Expected under 256 KiB allocated per step, got %d bytes", perStep)
			}
		})
	}
}

func BenchmarkMatMulBackward(b *testing.B) {
	rng := rand.New(rand.NewPCG(5, 6))
	x := randTensor(rng, 1, 256)
	w := randTensor(rng, 256, 1024)
	b.ReportAllocs()
	for b.Loop() {
		Backward(Sum(MatMul(x, w)))
	}
}
