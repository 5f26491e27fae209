package likelihood

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
)

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// ringAngles returns the pairwise angles of n directions spread evenly on a
// great circle, folded into [0, π/2] as for antipodally symmetric gradients.
func ringAngles(n int) *mat.Dense {
	theta := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := math.Abs(float64(i-j)) * math.Pi / float64(n)
			if d > math.Pi/2 {
				d = math.Pi - d
			}
			theta.Set(i, j, d)
		}
	}
	return theta
}

// generateSignals draws nVoxels columns of standard normal signal.
func generateSignals(rng *rand.Rand, n, nVoxels int) *mat.Dense {
	data := make([]float64, n*nVoxels)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(n, nVoxels, data)
}

func ptr(v float64) *float64 {
	return &v
}

// update returns a candidate setting all three hyperparameters.
func update(lambdaS, a, sigmaSq float64) kernels.ParamsUpdate {
	return kernels.ParamsUpdate{LambdaS: ptr(lambdaS), A: ptr(a), SigmaSq: ptr(sigmaSq)}
}

// bruteForceLeaveOneOut refits without each direction in turn and averages
// the squared prediction error of the held-out direction.
func bruteForceLeaveOneOut(t *testing.T, K *mat.Dense, Y *mat.Dense) float64 {
	t.Helper()

	n, v := Y.Dims()
	var sum float64
	for i := 0; i < n; i++ {
		keep := make([]int, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				keep = append(keep, j)
			}
		}

		train := mat.NewDense(n-1, n-1, nil)
		test := mat.NewDense(1, n-1, nil)
		yTrain := mat.NewDense(n-1, v, nil)
		for a, ra := range keep {
			test.Set(0, a, K.At(i, ra))
			for b, rb := range keep {
				train.Set(a, b, K.At(ra, rb))
			}
			yTrain.SetRow(a, mat.Row(nil, ra, Y))
		}

		var alpha mat.Dense
		require.NoError(t, alpha.Solve(train, yTrain))
		var pred mat.Dense
		pred.Mul(test, &alpha)
		for c := 0; c < v; c++ {
			r := Y.At(i, c) - pred.At(0, c)
			sum += r * r
		}
	}
	return sum / float64(n*v)
}
