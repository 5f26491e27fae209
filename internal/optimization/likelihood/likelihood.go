// Package likelihood evaluates the regularised negative log marginal
// likelihood of a zero-mean Gaussian Process over a precomputed angle matrix,
// together with its gradient with respect to the kernel hyperparameters.
package likelihood

import (
	"context"
	"maps"
	"math"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/logging"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
)

const component = "likelihood"

// Penalty is the value callers may substitute for candidates whose kernel
// matrix is not positive definite.
const Penalty = 1e10

// DefaultRegParam is the ridge added to the kernel diagonal and the weight of
// the log-hyperparameter penalty.
const DefaultRegParam = 1e-6

// ErrNotPositiveDefinite is returned when the regularised kernel matrix has
// no Cholesky factorisation.
var ErrNotPositiveDefinite = errors.Sentinel("kernel matrix is not positive definite")

// Config controls an Evaluator.
type Config struct {
	// RegParam is added to the kernel diagonal and weights Σ log(p)².
	RegParam float64
	// Workers bounds the number of candidates evaluated concurrently.
	Workers int
}

// Result is the outcome of one likelihood evaluation.
type Result struct {
	// Value is the total negative log likelihood over all voxels.
	Value float64 `json:"nll"`
	// Gradient holds one entry per kernel hyperparameter, in the order of
	// Kernel.Hyperparameters. Nil unless requested.
	Gradient []float64 `json:"gradient,omitempty"`
}

// Candidate is the outcome for one hyperparameter setting in EvaluateCandidates.
type Candidate struct {
	// Params are the values the candidate was scored with: the base kernel's
	// values overridden by the candidate's update.
	Params map[string]float64
	Value  float64
	Err    error
}

// Evaluator computes likelihoods for kernels over angle matrices.
type Evaluator struct {
	regParam float64
	workers  int
	logger   *zap.Logger
}

// New creates an Evaluator. A zero RegParam falls back to DefaultRegParam;
// use a negative value to disable regularisation.
func New(cfg Config, logger *zap.Logger) *Evaluator {
	reg := cfg.RegParam
	switch {
	case reg == 0:
		reg = DefaultRegParam
	case reg < 0:
		reg = 0
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{
		regParam: reg,
		workers:  workers,
		logger:   logging.OrNop(logger).Named(component),
	}
}

// RegParam returns the effective regularisation parameter.
func (e *Evaluator) RegParam() float64 {
	return e.regParam
}

// NegativeLogLikelihood evaluates a single voxel's signal y.
func (e *Evaluator) NegativeLogLikelihood(k kernels.Kernel, angles mat.Matrix, y *mat.VecDense) (float64, error) {
	const op = "Evaluator.NegativeLogLikelihood"

	if y == nil || y.Len() == 0 {
		return 0, errors.Wrap(kernels.ErrShapeMismatch, "signal vector is empty").
			WithOperation(op).WithComponent(component)
	}
	Y := mat.NewDense(y.Len(), 1, nil)
	Y.SetCol(0, mat.Col(nil, 0, y))

	res, err := e.evaluate(k, angles, Y, false)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// TotalNegativeLogLikelihood sums the negative log likelihood over the
// columns (voxels) of Y, which has one row per gradient direction.
func (e *Evaluator) TotalNegativeLogLikelihood(k kernels.Kernel, angles mat.Matrix, Y *mat.Dense) (float64, error) {
	res, err := e.evaluate(k, angles, Y, false)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Gradient returns the total negative log likelihood and its gradient. Each
// entry contracts the matching slice of the kernel gradient tensor as the
// kernel supplies it, plus the derivative of the log-hyperparameter penalty.
func (e *Evaluator) Gradient(k kernels.Kernel, angles mat.Matrix, Y *mat.Dense) (Result, error) {
	return e.evaluate(k, angles, Y, true)
}

// factorize evaluates k over angles, checks it against Y and returns the
// Cholesky factorisation of K + regParam·I.
func (e *Evaluator) factorize(k kernels.Kernel, angles mat.Matrix, Y *mat.Dense, withGrad bool) (*mat.Cholesky, kernels.Gradient, error) {
	const op = "Evaluator.factorize"

	if k == nil {
		return nil, nil, errors.New("kernel must not be nil").WithOperation(op).WithComponent(component)
	}
	if Y == nil {
		return nil, nil, errors.Wrap(kernels.ErrShapeMismatch, "signal matrix is nil").
			WithOperation(op).WithComponent(component)
	}

	K, grad, err := k.Evaluate(angles, nil, withGrad)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to evaluate kernel").WithOperation(op).WithComponent(component)
	}

	n, _ := K.Dims()
	rows, nVoxels := Y.Dims()
	if rows != n || nVoxels == 0 {
		return nil, nil, errors.Wrapf(kernels.ErrShapeMismatch,
			"signal matrix is %dx%d but kernel matrix is %dx%d", rows, nVoxels, n, n).
			WithOperation(op).WithComponent(component)
	}
	if !mat.EqualApprox(K, K.T(), 1e-10) {
		return nil, nil, errors.Wrap(kernels.ErrShapeMismatch, "kernel matrix is not symmetric").
			WithOperation(op).WithComponent(component)
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := K.At(i, j)
			if i == j {
				v += e.regParam
			}
			sym.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		e.logger.Debug("Cholesky factorization failed",
			zap.Int("n", n),
			zap.Float64("reg_param", e.regParam),
		)
		return nil, nil, errors.Wrapf(ErrNotPositiveDefinite, "n=%d", n).
			WithOperation(op).WithComponent(component)
	}
	return &chol, grad, nil
}

func (e *Evaluator) evaluate(k kernels.Kernel, angles mat.Matrix, Y *mat.Dense, withGrad bool) (Result, error) {
	const op = "Evaluator.evaluate"

	chol, grad, err := e.factorize(k, angles, Y, withGrad)
	if err != nil {
		return Result{}, err
	}
	n := chol.SymmetricDim()
	_, nVoxels := Y.Dims()

	var alpha mat.Dense
	if err := chol.SolveTo(&alpha, Y); err != nil {
		return Result{}, errors.Wrap(err, "failed to solve linear system").WithOperation(op).WithComponent(component)
	}

	var fit mat.Dense
	fit.MulElem(Y, &alpha)
	dataFit := mat.Sum(&fit)
	logDet := chol.LogDet()

	v := float64(nVoxels)
	beta, err := logHyperparameters(k)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read kernel hyperparameters").WithOperation(op).WithComponent(component)
	}
	value := 0.5 * (dataFit + v*logDet + v*float64(n)*math.Log(2*math.Pi))
	if e.regParam > 0 {
		value += v * e.regParam * floats.Dot(beta, beta)
	}

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Result{}, errors.Wrapf(kernels.ErrNumericDegeneracy, "negative log likelihood is %v", value).
			WithOperation(op).WithComponent(component)
	}

	res := Result{Value: value}

	if withGrad {
		var kinv mat.SymDense
		if err := chol.InverseTo(&kinv); err != nil {
			return Result{}, errors.Wrap(err, "failed to invert kernel matrix").WithOperation(op).WithComponent(component)
		}
		var outer mat.Dense
		outer.Mul(&alpha, alpha.T())

		res.Gradient = make([]float64, len(grad))
		for p, slice := range grad {
			var g float64
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					g += (v*kinv.At(i, j) - outer.At(i, j)) * slice.At(j, i)
				}
			}
			res.Gradient[p] = 0.5 * g
			if e.regParam > 0 {
				res.Gradient[p] += 2 * v * e.regParam * beta[p]
			}
		}
	}

	e.logger.Debug("Evaluated likelihood",
		zap.Int("n", n),
		zap.Int("voxels", nVoxels),
		zap.Float64("nll", value),
		zap.Float64("log_det", logDet),
	)

	return res, nil
}

// EvaluateCandidates clones base once per candidate, applies the candidate's
// partial update and evaluates the total negative log likelihood. Fields the
// update leaves unset keep the base kernel's value. Updated values must lie
// within the bounds declared by base.Hyperparameters, and a fixed
// hyperparameter may only be set to its current value.
//
// Candidates run concurrently on at most Workers goroutines. A failing
// candidate is reported in its Candidate.Err with Penalty as value and does
// not stop the others; only context cancellation aborts the sweep.
func (e *Evaluator) EvaluateCandidates(ctx context.Context, base kernels.Kernel, candidates []kernels.ParamsUpdate, angles mat.Matrix, Y *mat.Dense) ([]Candidate, error) {
	const op = "Evaluator.EvaluateCandidates"

	if base == nil {
		return nil, errors.New("kernel must not be nil").WithOperation(op).WithComponent(component)
	}

	hps := base.Hyperparameters()
	current := base.Params()
	out := make([]Candidate, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, u := range candidates {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			values := u.Map()
			params := maps.Clone(current)
			maps.Copy(params, values)
			out[i] = Candidate{Params: params, Value: Penalty}

			if err := checkBounds(hps, current, values); err != nil {
				out[i].Err = err
				return nil
			}

			k := base.Clone()
			if _, err := k.SetParams(values); err != nil {
				out[i].Err = err
				return nil
			}

			value, err := e.TotalNegativeLogLikelihood(k, angles, Y)
			if err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Value = value
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "candidate sweep cancelled").WithOperation(op).WithComponent(component)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "candidate sweep cancelled").WithOperation(op).WithComponent(component)
	}

	e.logger.Debug("Evaluated candidates",
		zap.Int("candidates", len(candidates)),
		zap.Int("workers", e.workers),
	)

	return out, nil
}

// checkBounds validates the updated values against the declared search
// space.
func checkBounds(hps []kernels.Hyperparameter, current, values map[string]float64) error {
	const op = "checkBounds"

	for _, hp := range hps {
		v, ok := values[hp.Name]
		if !ok {
			continue
		}
		if hp.Fixed() {
			if v != current[hp.Name] {
				return errors.Wrapf(kernels.ErrInvalidHyperparameter, "%s is fixed at %v, got %v", hp.Name, current[hp.Name], v).
					WithOperation(op).WithComponent(component)
			}
			continue
		}
		if !hp.Bounds.Contains(v) {
			return errors.Wrapf(kernels.ErrInvalidHyperparameter, "%s=%v is outside bounds [%s]", hp.Name, v, hp.Bounds).
				WithOperation(op).WithComponent(component)
		}
	}
	return nil
}

// LeaveOneOut returns the mean squared leave-one-out prediction error over
// every direction and voxel of Y. It reuses a single factorisation of the
// regularised kernel matrix: with α = K⁻¹y the residual of the held-out
// direction i is αᵢ/[K⁻¹]ᵢᵢ.
func (e *Evaluator) LeaveOneOut(k kernels.Kernel, angles mat.Matrix, Y *mat.Dense) (float64, error) {
	const op = "Evaluator.LeaveOneOut"

	chol, _, err := e.factorize(k, angles, Y, false)
	if err != nil {
		return 0, err
	}
	n := chol.SymmetricDim()
	if n < 2 {
		return 0, errors.Wrapf(kernels.ErrShapeMismatch, "leave-one-out needs at least 2 directions, got %d", n).
			WithOperation(op).WithComponent(component)
	}

	var alpha mat.Dense
	if err := chol.SolveTo(&alpha, Y); err != nil {
		return 0, errors.Wrap(err, "failed to solve linear system").WithOperation(op).WithComponent(component)
	}
	var kinv mat.SymDense
	if err := chol.InverseTo(&kinv); err != nil {
		return 0, errors.Wrap(err, "failed to invert kernel matrix").WithOperation(op).WithComponent(component)
	}

	_, nVoxels := Y.Dims()
	var sum float64
	for i := 0; i < n; i++ {
		d := kinv.At(i, i)
		for j := 0; j < nVoxels; j++ {
			r := alpha.At(i, j) / d
			sum += r * r
		}
	}
	mse := sum / float64(n*nVoxels)

	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return 0, errors.Wrapf(kernels.ErrNumericDegeneracy, "leave-one-out error is %v", mse).
			WithOperation(op).WithComponent(component)
	}

	e.logger.Debug("Evaluated leave-one-out error",
		zap.Int("n", n),
		zap.Int("voxels", nVoxels),
		zap.Float64("mse", mse),
	)

	return mse, nil
}

// IsPositiveDefinite reports whether m has a Cholesky factorisation.
func IsPositiveDefinite(m mat.Symmetric) bool {
	var chol mat.Cholesky
	return chol.Factorize(m)
}

// logHyperparameters returns log(p) for each hyperparameter in gradient
// order. Parameters at zero contribute nothing to the penalty.
func logHyperparameters(k kernels.Kernel) ([]float64, error) {
	u, err := kernels.UpdateFromMap(k.Params())
	if err != nil {
		return nil, err
	}
	beta := u.Apply(kernels.Params{}).LogVector()
	for i, b := range beta {
		if math.IsInf(b, -1) {
			beta[i] = 0
		}
	}
	return beta, nil
}
