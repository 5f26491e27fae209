package server

import (
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
)

// denseFromRows converts a JSON row-major matrix into a mat.Dense.
func denseFromRows(name string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.Wrapf(kernels.ErrShapeMismatch, "%s is empty", name)
	}
	c := len(rows[0])
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, errors.Wrapf(kernels.ErrShapeMismatch,
				"%s row %d has %d columns, expected %d", name, i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

func rowsFromDense(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(make([]float64, c), i, m)
	}
	return out
}
