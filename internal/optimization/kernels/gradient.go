package kernels

import (
	"gonum.org/v1/gonum/mat"
)

// Gradient is an n×n×p tensor holding one n×n slice per hyperparameter, in
// the order reported by Hyperparameters. A nil Gradient means the gradient
// was not requested.
type Gradient []*mat.Dense

// Dims returns the tensor shape (rows, cols, number of hyperparameters).
func (g Gradient) Dims() (r, c, p int) {
	if len(g) == 0 {
		return 0, 0, 0
	}
	r, c = g[0].Dims()
	return r, c, len(g)
}

// At returns element (i, j) of slice k.
func (g Gradient) At(i, j, k int) float64 {
	return g[k].At(i, j)
}

// Slice returns the n×n derivative matrix for hyperparameter k.
func (g Gradient) Slice(k int) *mat.Dense {
	return g[k]
}

// Raw returns the tensor as nested slices indexed [i][j][k], which is the
// layout JSON consumers expect.
func (g Gradient) Raw() [][][]float64 {
	r, c, p := g.Dims()
	out := make([][][]float64, r)
	for i := 0; i < r; i++ {
		out[i] = make([][]float64, c)
		for j := 0; j < c; j++ {
			cell := make([]float64, p)
			for k := 0; k < p; k++ {
				cell[k] = g[k].At(i, j)
			}
			out[i][j] = cell
		}
	}
	return out
}
