package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

func sameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("nn: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}

// MatMul returns a·b
func MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("nn: MatMul shape mismatch %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := result(a.Rows, b.Cols, a, b)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a, a.Data), general(b, b.Data), 0, general(out, out.Data))
	out.backward = func(gs *Grads) {
		g := general(out, out.Grad)
		// dA += dOut·Bᵀ and dB += Aᵀ·dOut, accumulated in place
		blas64.Gemm(blas.NoTrans, blas.Trans, 1, g, general(b, b.Data), 1, general(a, gs.of(a)))
		blas64.Gemm(blas.Trans, blas.NoTrans, 1, general(a, a.Data), g, 1, general(b, gs.of(b)))
	}
	return out
}

// Add returns a+b for equal shapes
func Add(a, b *Tensor) *Tensor {
	sameShape("Add", a, b)
	out := result(a.Rows, a.Cols, a, b)
	floats.AddTo(out.Data, a.Data, b.Data)
	out.backward = func(gs *Grads) {
		floats.Add(gs.of(a), out.Grad)
		floats.Add(gs.of(b), out.Grad)
	}
	return out
}

// AddRow adds the 1 x cols tensor row to every row of a
func AddRow(a, row *Tensor) *Tensor {
	if row.Rows != 1 || row.Cols != a.Cols {
		panic(fmt.Sprintf("nn: AddRow shape mismatch %dx%d + %dx%d", a.Rows, a.Cols, row.Rows, row.Cols))
	}
	out := result(a.Rows, a.Cols, a, row)
	for i := 0; i < a.Rows; i++ {
		floats.AddTo(out.Data[i*a.Cols:(i+1)*a.Cols], a.Data[i*a.Cols:(i+1)*a.Cols], row.Data)
	}
	out.backward = func(gs *Grads) {
		floats.Add(gs.of(a), out.Grad)
		grow := gs.of(row)
		for i := 0; i < a.Rows; i++ {
			floats.Add(grow, out.Grad[i*a.Cols:(i+1)*a.Cols])
		}
	}
	return out
}

// Mul returns the element-wise product of a and b
func Mul(a, b *Tensor) *Tensor {
	sameShape("Mul", a, b)
	out := result(a.Rows, a.Cols, a, b)
	floats.MulTo(out.Data, a.Data, b.Data)
	out.backward = func(gs *Grads) {
		ga, gb := gs.of(a), gs.of(b)
		for i, g := range out.Grad {
			ga[i] += g * b.Data[i]
			gb[i] += g * a.Data[i]
		}
	}
	return out
}

// MulCol multiplies every column of a by the rows x 1 tensor col
func MulCol(a, col *Tensor) *Tensor {
	if col.Cols != 1 || col.Rows != a.Rows {
		panic(fmt.Sprintf("nn: MulCol shape mismatch %dx%d * %dx%d", a.Rows, a.Cols, col.Rows, col.Cols))
	}
	out := result(a.Rows, a.Cols, a, col)
	for i := 0; i < a.Rows; i++ {
		w := col.Data[i]
		for j := 0; j < a.Cols; j++ {
			out.Data[i*a.Cols+j] = a.Data[i*a.Cols+j] * w
		}
	}
	out.backward = func(gs *Grads) {
		ga, gcol := gs.of(a), gs.of(col)
		for i := 0; i < a.Rows; i++ {
			w := col.Data[i]
			for j := 0; j < a.Cols; j++ {
				g := out.Grad[i*a.Cols+j]
				ga[i*a.Cols+j] += g * w
				gcol[i] += g * a.Data[i*a.Cols+j]
			}
		}
	}
	return out
}

// Scale returns c·a
func Scale(a *Tensor, c float64) *Tensor {
	return Affine(a, c, 0)
}

// Affine returns a·mul + add with constant mul and add
func Affine(a *Tensor, mul, add float64) *Tensor {
	out := result(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = v*mul + add
	}
	out.backward = func(gs *Grads) {
		floats.AddScaled(gs.of(a), mul, out.Grad)
	}
	return out
}

// unary builds an element-wise op from f and its derivative expressed in
// terms of the input x and output y.
func unary(a *Tensor, f func(x float64) float64, df func(x, y float64) float64) *Tensor {
	out := result(a.Rows, a.Cols, a)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		for i, g := range out.Grad {
			ga[i] += g * df(a.Data[i], out.Data[i])
		}
	}
	return out
}

// Sigmoid applies the logistic function element-wise
func Sigmoid(a *Tensor) *Tensor {
	return unary(a, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}

// Tanh applies tanh element-wise
func Tanh(a *Tensor) *Tensor {
	return unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// ELU applies the exponential linear unit with alpha = 1
func ELU(a *Tensor) *Tensor {
	return unary(a,
		func(x float64) float64 {
			if x > 0 {
				return x
			}
			return math.Expm1(x)
		},
		func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return y + 1
		})
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Softmax normalizes each row. When mask is non-nil, positions where
// mask[i][j] is false receive zero probability.
func Softmax(a *Tensor, mask [][]bool) *Tensor {
	out := result(a.Rows, a.Cols, a)
	for i := 0; i < a.Rows; i++ {
		row := a.Data[i*a.Cols : (i+1)*a.Cols]
		dst := out.Data[i*a.Cols : (i+1)*a.Cols]
		maxv := math.Inf(-1)
		for j, v := range row {
			if mask != nil && !mask[i][j] {
				continue
			}
			if v > maxv {
				maxv = v
			}
		}
		var sum float64
		for j, v := range row {
			if mask != nil && !mask[i][j] {
				dst[j] = 0
				continue
			}
			dst[j] = math.Exp(v - maxv)
			sum += dst[j]
		}
		if sum > 0 {
			floats.Scale(1/sum, dst)
		}
	}
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		for i := 0; i < a.Rows; i++ {
			y := out.Data[i*a.Cols : (i+1)*a.Cols]
			g := out.Grad[i*a.Cols : (i+1)*a.Cols]
			dot := floats.Dot(y, g)
			for j := range y {
				ga[i*a.Cols+j] += y[j] * (g[j] - dot)
			}
		}
	}
	return out
}

// LayerNorm normalizes each row and applies the 1 x cols gain and bias
func LayerNorm(a, gain, bias *Tensor) *Tensor {
	const eps = 1e-5
	n := a.Cols
	out := result(a.Rows, a.Cols, a, gain, bias)
	xhat := make([]float64, len(a.Data))
	invStd := make([]float64, a.Rows)
	for i := 0; i < a.Rows; i++ {
		row := a.Data[i*n : (i+1)*n]
		mean := floats.Sum(row) / float64(n)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(n)
		invStd[i] = 1 / math.Sqrt(variance+eps)
		for j, v := range row {
			xhat[i*n+j] = (v - mean) * invStd[i]
			out.Data[i*n+j] = xhat[i*n+j]*gain.Data[j] + bias.Data[j]
		}
	}
	out.backward = func(gs *Grads) {
		ga, ggain, gbias := gs.of(a), gs.of(gain), gs.of(bias)
		dxhat := make([]float64, n)
		for i := 0; i < a.Rows; i++ {
			g := out.Grad[i*n : (i+1)*n]
			xh := xhat[i*n : (i+1)*n]
			var sumD, sumDX float64
			for j := range g {
				ggain[j] += g[j] * xh[j]
				gbias[j] += g[j]
				dxhat[j] = g[j] * gain.Data[j]
				sumD += dxhat[j]
				sumDX += dxhat[j] * xh[j]
			}
			for j := range g {
				ga[i*n+j] += invStd[i] / float64(n) * (float64(n)*dxhat[j] - sumD - xh[j]*sumDX)
			}
		}
	}
	return out
}

// SliceRows returns rows [from, to)
func SliceRows(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Rows || from >= to {
		panic(fmt.Sprintf("nn: SliceRows [%d,%d) of %d rows", from, to, a.Rows))
	}
	out := result(to-from, a.Cols, a)
	copy(out.Data, a.Data[from*a.Cols:to*a.Cols])
	out.backward = func(gs *Grads) {
		floats.Add(gs.of(a)[from*a.Cols:to*a.Cols], out.Grad)
	}
	return out
}

// SliceCols returns columns [from, to)
func SliceCols(a *Tensor, from, to int) *Tensor {
	if from < 0 || to > a.Cols || from >= to {
		panic(fmt.Sprintf("nn: SliceCols [%d,%d) of %d cols", from, to, a.Cols))
	}
	w := to - from
	out := result(a.Rows, w, a)
	for i := 0; i < a.Rows; i++ {
		copy(out.Data[i*w:(i+1)*w], a.Data[i*a.Cols+from:i*a.Cols+to])
	}
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		for i := 0; i < a.Rows; i++ {
			floats.Add(ga[i*a.Cols+from:i*a.Cols+to], out.Grad[i*w:(i+1)*w])
		}
	}
	return out
}

// ConcatRows stacks tensors with equal column counts vertically
func ConcatRows(ts ...*Tensor) *Tensor {
	rows := 0
	for _, t := range ts {
		if t.Cols != ts[0].Cols {
			panic("nn: ConcatRows column mismatch")
		}
		rows += t.Rows
	}
	out := result(rows, ts[0].Cols, ts...)
	offset := 0
	for _, t := range ts {
		copy(out.Data[offset:], t.Data)
		offset += len(t.Data)
	}
	out.backward = func(gs *Grads) {
		offset := 0
		for _, t := range ts {
			floats.Add(gs.of(t), out.Grad[offset:offset+len(t.Data)])
			offset += len(t.Data)
		}
	}
	return out
}

// ConcatCols joins tensors with equal row counts horizontally
func ConcatCols(ts ...*Tensor) *Tensor {
	cols := 0
	for _, t := range ts {
		if t.Rows != ts[0].Rows {
			panic("nn: ConcatCols row mismatch")
		}
		cols += t.Cols
	}
	rows := ts[0].Rows
	out := result(rows, cols, ts...)
	for i := 0; i < rows; i++ {
		offset := 0
		for _, t := range ts {
			copy(out.Data[i*cols+offset:], t.Data[i*t.Cols:(i+1)*t.Cols])
			offset += t.Cols
		}
	}
	out.backward = func(gs *Grads) {
		grads := make([][]float64, len(ts))
		for k, t := range ts {
			grads[k] = gs.of(t)
		}
		for i := 0; i < rows; i++ {
			offset := 0
			for k, t := range ts {
				floats.Add(grads[k][i*t.Cols:(i+1)*t.Cols], out.Grad[i*cols+offset:i*cols+offset+t.Cols])
				offset += t.Cols
			}
		}
	}
	return out
}

// RepeatRows tiles a 1 x cols tensor n times vertically
func RepeatRows(row *Tensor, n int) *Tensor {
	if row.Rows != 1 {
		panic("nn: RepeatRows needs a single row")
	}
	out := result(n, row.Cols, row)
	for i := 0; i < n; i++ {
		copy(out.Data[i*row.Cols:], row.Data)
	}
	out.backward = func(gs *Grads) {
		grow := gs.of(row)
		for i := 0; i < n; i++ {
			floats.Add(grow, out.Grad[i*row.Cols:(i+1)*row.Cols])
		}
	}
	return out
}

// Transpose returns aᵀ
func Transpose(a *Tensor) *Tensor {
	out := result(a.Cols, a.Rows, a)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[j*a.Rows+i] = a.Data[i*a.Cols+j]
		}
	}
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				ga[i*a.Cols+j] += out.Grad[j*a.Rows+i]
			}
		}
	}
	return out
}

// Sum returns the sum of all elements as a 1x1 tensor
func Sum(a *Tensor) *Tensor {
	out := result(1, 1, a)
	out.Data[0] = floats.Sum(a.Data)
	out.backward = func(gs *Grads) {
		ga := gs.of(a)
		g := out.Grad[0]
		for i := range ga {
			ga[i] += g
		}
	}
	return out
}

// Mean returns the mean of all elements as a 1x1 tensor
func Mean(a *Tensor) *Tensor {
	return Scale(Sum(a), 1/float64(len(a.Data)))
}
