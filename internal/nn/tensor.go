// Package nn is a small reverse-mode automatic differentiation library for
// row-major float64 matrices. It provides exactly what the forecasting model
// needs: dense ops, a handful of layers, AdamW, a cosine learning-rate
// schedule and gradient clipping.
//
// Graphs are built eagerly by the ops and released after Backward. Each graph
// belongs to one goroutine; concurrent backward passes over shared parameters
// accumulate into their own Grads and merge them afterwards.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas64"
)

// Tensor is a rows x cols matrix that records how it was computed
type Tensor struct {
	Rows, Cols int
	Data       []float64
	Grad       []float64

	parents  []*Tensor
	backward func(gs *Grads)
}

// New returns a zero tensor
func New(rows, cols int) *Tensor {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("nn: invalid shape %dx%d", rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// FromSlice wraps data (not copied) as a rows x cols tensor
func FromSlice(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("nn: %d values for shape %dx%d", len(data), rows, cols))
	}
	return &Tensor{Rows: rows, Cols: cols, Data: data}
}

// FromRows builds a tensor from a slice of equal-length rows
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		panic("nn: no rows")
	}
	t := New(len(rows), len(rows[0]))
	for i, r := range rows {
		if len(r) != t.Cols {
			panic(fmt.Sprintf("nn: ragged row %d", i))
		}
		copy(t.Data[i*t.Cols:], r)
	}
	return t
}

// Scalar returns a 1x1 tensor
func Scalar(v float64) *Tensor {
	return FromSlice(1, 1, []float64{v})
}

// At returns the element at (i, j)
func (t *Tensor) At(i, j int) float64 {
	return t.Data[i*t.Cols+j]
}

// Item returns the value of a 1x1 tensor
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("nn: Item on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// Row returns a copy of row i
func (t *Tensor) Row(i int) []float64 {
	out := make([]float64, t.Cols)
	copy(out, t.Data[i*t.Cols:(i+1)*t.Cols])
	return out
}

// ZeroGrad clears the accumulated gradient
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

func (t *Tensor) ensureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
}

// general views data laid out in t's shape as a BLAS matrix
func general(t *Tensor, data []float64) blas64.General {
	return blas64.General{Rows: t.Rows, Cols: t.Cols, Stride: t.Cols, Data: data}
}

// result creates an op output linked to its inputs
func result(rows, cols int, parents ...*Tensor) *Tensor {
	out := New(rows, cols)
	out.parents = parents
	return out
}

// Backward seeds the gradient of a scalar tensor with 1 and propagates it
// through the graph. The graph links are dropped afterwards so intermediate
// tensors can be collected.
func Backward(loss *Tensor) {
	BackwardScaled(loss, 1)
}

// BackwardScaled is Backward with the seed gradient set to scale
func BackwardScaled(loss *Tensor, scale float64) {
	BackwardInto(loss, scale, nil)
}

// BackwardInto is BackwardScaled with parameter gradients redirected into
// grads. Tensors not tracked by grads accumulate into their own Grad. A nil
// grads writes every gradient in place.
func BackwardInto(loss *Tensor, scale float64, grads *Grads) {
	if len(loss.Data) != 1 {
		panic(fmt.Sprintf("nn: Backward on %dx%d tensor", loss.Rows, loss.Cols))
	}

	order := topoSort(loss)
	grads.of(loss)[0] += scale

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.backward != nil {
			t.ensureGrad()
			t.backward(grads)
		}
	}
	for _, t := range order {
		t.parents = nil
		t.backward = nil
	}
}

// Detach drops the graph below t without running backward. Evaluation
// passes call it so intermediate tensors can be collected.
func Detach(t *Tensor) {
	for _, n := range topoSort(t) {
		n.parents = nil
		n.backward = nil
	}
}

func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	// iterative DFS; LSTM graphs are deep enough to make recursion costly
	type frame struct {
		t    *Tensor
		next int
	}
	stack := []frame{{t: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.t.parents) {
			p := top.t.parents[top.next]
			top.next++
			if !visited[p] {
				visited[p] = true
				stack = append(stack, frame{t: p})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}
