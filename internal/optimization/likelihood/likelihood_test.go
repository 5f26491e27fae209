package likelihood

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
)

func newKernel(t *testing.T, p kernels.Params) *kernels.SphericalCovariance {
	t.Helper()
	k, err := kernels.NewSphericalCovariance(kernels.WithParams(p))
	require.NoError(t, err)
	return k
}

func TestNegativeLogLikelihoodSingleSample(t *testing.T) {
	p := kernels.Params{LambdaS: 2, A: 0.5, SigmaSq: 0.5}
	k := newKernel(t, p)
	e := New(Config{RegParam: 1e-3}, nil)

	y := mat.NewVecDense(1, []float64{1.5})
	got, err := e.NegativeLogLikelihood(k, mat.NewDense(1, 1, []float64{0}), y)
	require.NoError(t, err)

	kv := p.LambdaS + p.SigmaSq + 1e-3
	beta := p.LogVector()
	want := 0.5*(1.5*1.5/kv+math.Log(kv)+math.Log(2*math.Pi)) +
		1e-3*(beta[0]*beta[0]+beta[1]*beta[1]+beta[2]*beta[2])
	assert.InDelta(t, want, got, 1e-12)
}

func TestTotalIsSumOverVoxels(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	theta := ringAngles(8)
	Y := generateSignals(rng, 8, 5)

	k := newKernel(t, kernels.Params{LambdaS: 1.2, A: 0.9, SigmaSq: 0.3})
	e := New(Config{}, nil)

	total, err := e.TotalNegativeLogLikelihood(k, theta, Y)
	require.NoError(t, err)

	var sum float64
	for v := 0; v < 5; v++ {
		y := mat.NewVecDense(8, mat.Col(nil, v, Y))
		nll, err := e.NegativeLogLikelihood(k, theta, y)
		require.NoError(t, err)
		sum += nll
	}
	assert.InDelta(t, sum, total, 1e-9)
	assert.False(t, math.IsNaN(total))
}

func TestGradientMatchesKernelConventions(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	theta := ringAngles(10)
	Y := generateSignals(rng, 10, 3)
	base := kernels.Params{LambdaS: 1.5, A: 1.1, SigmaSq: 0.4}

	// Disable regularisation so only the kernel slices contribute.
	e := New(Config{RegParam: -1}, nil)

	res, err := e.Gradient(newKernel(t, base), theta, Y)
	require.NoError(t, err)
	require.Len(t, res.Gradient, 3)

	nllAt := func(p kernels.Params) float64 {
		v, err := e.TotalNegativeLogLikelihood(newKernel(t, p), theta, Y)
		require.NoError(t, err)
		return v
	}

	t.Run("sigma_sq slice is the plain derivative", func(t *testing.T) {
		d := fd.Derivative(func(x float64) float64 {
			p := base
			p.SigmaSq = x
			return nllAt(p)
		}, base.SigmaSq, &fd.Settings{Formula: fd.Central})
		assert.InDelta(t, d, res.Gradient[2], 1e-5)
	})

	t.Run("lambda_s slice is the derivative divided by lambda_s", func(t *testing.T) {
		d := fd.Derivative(func(x float64) float64 {
			p := base
			p.LambdaS = x
			return nllAt(p)
		}, base.LambdaS, &fd.Settings{Formula: fd.Central})
		assert.InDelta(t, d, res.Gradient[0]*base.LambdaS, 1e-5)
	})

	t.Run("value matches total", func(t *testing.T) {
		assert.InDelta(t, nllAt(base), res.Value, 1e-12)
	})
}

func TestGradientIncludesRegularisation(t *testing.T) {
	theta := ringAngles(4)
	Y := mat.NewDense(4, 1, []float64{1, 0.5, -0.5, -1})
	k := newKernel(t, kernels.Params{LambdaS: 2, A: 0.5, SigmaSq: 1})

	plain, err := New(Config{RegParam: -1}, nil).Gradient(k, theta, Y)
	require.NoError(t, err)

	// Same ridge on the diagonal is absorbed by comparing against a kernel
	// with the ridge moved into sigma_sq.
	reg := 0.01
	withReg, err := New(Config{RegParam: reg}, nil).Gradient(k, theta, Y)
	require.NoError(t, err)
	shifted := newKernel(t, kernels.Params{LambdaS: 2, A: 0.5, SigmaSq: 1 + reg})
	noReg, err := New(Config{RegParam: -1}, nil).Gradient(shifted, theta, Y)
	require.NoError(t, err)

	beta := []float64{math.Log(2), math.Log(0.5), 0}
	for p := 0; p < 3; p++ {
		assert.InDelta(t, noReg.Gradient[p]+2*reg*beta[p], withReg.Gradient[p], 1e-9, "param %d", p)
	}
	assert.NotEqual(t, plain.Gradient, withReg.Gradient)
}

func TestEvaluateErrors(t *testing.T) {
	valid := newKernel(t, kernels.Params{LambdaS: 2, A: 0.5, SigmaSq: 0.1})
	e := New(Config{RegParam: -1}, nil)

	tests := []struct {
		name   string
		kernel kernels.Kernel
		theta  mat.Matrix
		Y      *mat.Dense
		want   error
	}{
		{
			name:   "row mismatch",
			kernel: valid,
			theta:  ringAngles(3),
			Y:      mat.NewDense(2, 1, []float64{1, 2}),
			want:   kernels.ErrShapeMismatch,
		},
		{
			name:   "nil signal",
			kernel: valid,
			theta:  ringAngles(3),
			Y:      nil,
			want:   kernels.ErrShapeMismatch,
		},
		{
			name:   "non-square angles",
			kernel: valid,
			theta:  mat.NewDense(2, 3, nil),
			Y:      mat.NewDense(2, 1, []float64{1, 2}),
			want:   kernels.ErrShapeMismatch,
		},
		{
			name:   "asymmetric angles",
			kernel: valid,
			theta:  mat.NewDense(2, 2, []float64{0, 0.1, 0.3, 0}),
			Y:      mat.NewDense(2, 1, []float64{1, 2}),
			want:   kernels.ErrShapeMismatch,
		},
		{
			name:   "not positive definite",
			kernel: newKernel(t, kernels.Params{LambdaS: 1, A: 0.5, SigmaSq: 0}),
			theta:  mat.NewDense(2, 2, []float64{0, -0.5, -0.5, 0}),
			Y:      mat.NewDense(2, 1, []float64{1, 2}),
			want:   ErrNotPositiveDefinite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Gradient(tt.kernel, tt.theta, tt.Y)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEvaluateCandidates(t *testing.T) {
	defer goleak.VerifyNone(t)

	rng := rand.New(rand.NewSource(9))
	theta := ringAngles(6)
	Y := generateSignals(rng, 6, 4)
	base := newKernel(t, kernels.DefaultParams())
	e := New(Config{Workers: 3}, nil)

	candidates := []kernels.ParamsUpdate{
		update(1, 0.5, 0.5),
		{A: ptr(1.0)},
		{A: ptr(0.0)},
		update(0.5, 1.5, 1),
	}
	resolved := []kernels.Params{
		{LambdaS: 1, A: 0.5, SigmaSq: 0.5},
		{LambdaS: 2, A: 1.0, SigmaSq: 1},
		{LambdaS: 2, A: 0, SigmaSq: 1},
		{LambdaS: 0.5, A: 1.5, SigmaSq: 1},
	}

	out, err := e.EvaluateCandidates(context.Background(), base, candidates, theta, Y)
	require.NoError(t, err)
	require.Len(t, out, len(candidates))

	for i, c := range out {
		assert.Equal(t, resolved[i].Map(), c.Params, "candidate %d", i)
		if i == 2 {
			require.Error(t, c.Err)
			assert.True(t, errors.Is(c.Err, kernels.ErrInvalidHyperparameter))
			assert.Equal(t, Penalty, c.Value)
			continue
		}
		require.NoError(t, c.Err)
		want, err := e.TotalNegativeLogLikelihood(newKernel(t, resolved[i]), theta, Y)
		require.NoError(t, err)
		assert.InDelta(t, want, c.Value, 1e-12)
	}

	// The base kernel is never mutated.
	assert.Equal(t, kernels.DefaultParams().Map(), base.Params())
}

func TestEvaluateCandidatesRespectsBounds(t *testing.T) {
	base, err := kernels.NewSphericalCovariance(
		kernels.WithParams(kernels.Params{LambdaS: 1, A: 0.3, SigmaSq: 0.5}),
		kernels.WithABounds(kernels.NewBounds(0.1, 0.5)),
		kernels.WithSigmaSqBounds(kernels.FixedBounds()),
	)
	require.NoError(t, err)

	theta := ringAngles(6)
	Y := generateSignals(rand.New(rand.NewSource(2)), 6, 2)
	e := New(Config{Workers: 2}, nil)

	tests := []struct {
		name    string
		update  kernels.ParamsUpdate
		wantErr bool
	}{
		{"inside bounds", kernels.ParamsUpdate{A: ptr(0.3)}, false},
		{"at upper bound", kernels.ParamsUpdate{A: ptr(0.5)}, false},
		{"above upper bound", kernels.ParamsUpdate{A: ptr(3)}, true},
		{"below lower bound", kernels.ParamsUpdate{A: ptr(0.05)}, true},
		{"fixed parameter unchanged", kernels.ParamsUpdate{SigmaSq: ptr(0.5)}, false},
		{"fixed parameter changed", kernels.ParamsUpdate{SigmaSq: ptr(0.7)}, true},
		{"default bounds exceeded", kernels.ParamsUpdate{LambdaS: ptr(1e5)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.EvaluateCandidates(context.Background(), base, []kernels.ParamsUpdate{tt.update}, theta, Y)
			require.NoError(t, err)
			require.Len(t, out, 1)

			if tt.wantErr {
				require.Error(t, out[0].Err)
				assert.True(t, errors.Is(out[0].Err, kernels.ErrInvalidHyperparameter), "got %v", out[0].Err)
				assert.Equal(t, Penalty, out[0].Value)
				return
			}
			require.NoError(t, out[0].Err)
			assert.Less(t, out[0].Value, Penalty)
		})
	}
}

func TestEvaluateCandidatesCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(Config{Workers: 2}, nil)
	base := newKernel(t, kernels.DefaultParams())
	_, err := e.EvaluateCandidates(ctx, base, []kernels.ParamsUpdate{update(2, 0.1, 1)}, ringAngles(3), mat.NewDense(3, 1, []float64{1, 2, 3}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLeaveOneOutMatchesRowDeletion(t *testing.T) {
	theta := ringAngles(10)
	Y := generateSignals(rand.New(rand.NewSource(11)), 10, 3)
	k := newKernel(t, kernels.Params{LambdaS: 1.5, A: 1.1, SigmaSq: 0.4})

	got, err := New(Config{RegParam: -1}, nil).LeaveOneOut(k, theta, Y)
	require.NoError(t, err)

	K, _, err := k.Evaluate(theta, nil, false)
	require.NoError(t, err)
	assert.InDelta(t, bruteForceLeaveOneOut(t, K, Y), got, 1e-9)
}

func TestLeaveOneOutErrors(t *testing.T) {
	e := New(Config{RegParam: -1}, nil)

	_, err := e.LeaveOneOut(newKernel(t, kernels.DefaultParams()), mat.NewDense(1, 1, nil), mat.NewDense(1, 1, []float64{1}))
	assert.True(t, errors.Is(err, kernels.ErrShapeMismatch), "got %v", err)

	notPD := newKernel(t, kernels.Params{LambdaS: 1, A: 0.5, SigmaSq: 0})
	_, err = e.LeaveOneOut(notPD, mat.NewDense(2, 2, []float64{0, -0.5, -0.5, 0}), mat.NewDense(2, 1, []float64{1, 2}))
	assert.True(t, errors.Is(err, ErrNotPositiveDefinite), "got %v", err)
}

func TestZeroParametersSkipPenalty(t *testing.T) {
	theta := ringAngles(4)
	y := []float64{1, -0.5, 0.25, 2}
	Y := mat.NewDense(4, 1, y)
	e := New(Config{}, nil)
	reg := e.RegParam()

	res, err := e.Gradient(newKernel(t, kernels.Params{LambdaS: 2, A: 0.5, SigmaSq: 0}), theta, Y)
	require.NoError(t, err)

	// Angles of a 4-ring exceed a, so K = 2I.
	d := 2 + reg
	var fit float64
	for _, v := range y {
		fit += v * v / d
	}
	want := 0.5*(fit+4*math.Log(d)+4*math.Log(2*math.Pi)) +
		reg*(math.Log(2)*math.Log(2)+math.Log(0.5)*math.Log(0.5))
	assert.InDelta(t, want, res.Value, 1e-12)
	for p, g := range res.Gradient {
		assert.False(t, math.IsNaN(g) || math.IsInf(g, 0), "gradient %d is %v", p, g)
	}

	_, err = e.TotalNegativeLogLikelihood(newKernel(t, kernels.Params{LambdaS: 0, A: 0.5, SigmaSq: 1}), theta, Y)
	require.NoError(t, err)
}

func TestIsPositiveDefinite(t *testing.T) {
	assert.True(t, IsPositiveDefinite(mat.NewSymDense(2, []float64{2, 1, 1, 2})))
	assert.False(t, IsPositiveDefinite(mat.NewSymDense(2, []float64{1, 4, 4, 1})))
}

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, DefaultRegParam, New(Config{}, nil).RegParam())
	assert.Equal(t, 0.0, New(Config{RegParam: -1}, nil).RegParam())
	assert.Equal(t, 0.5, New(Config{RegParam: 0.5}, nil).RegParam())
}

func TestRingAnglesSymmetric(t *testing.T) {
	theta := ringAngles(5)
	assertFloat64SlicesEqual(t, mat.Row(nil, 1, theta), mat.Col(nil, 1, theta), 1e-15)
}
