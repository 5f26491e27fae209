package kernels

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

var _ Kernel = (*SphericalCovariance)(nil)

// SphericalCovariance is a compactly supported covariance function over
// angular distances between diffusion gradient directions:
//
//	K(θ) = λs·C(θ) + σ²·I
//	C(θ) = 1 - 3(θ/a)² + 2(θ/a)³  for θ <= a, 0 otherwise
//
// Evaluation never mutates the kernel, so independent instances may be
// evaluated concurrently. A single instance must not be updated while it is
// being evaluated; take a Clone instead.
type SphericalCovariance struct {
	params Params

	lambdaSBounds Bounds
	aBounds       Bounds
	sigmaSqBounds Bounds
}

// Option configures a SphericalCovariance.
type Option func(*SphericalCovariance)

// WithParams sets all three hyperparameters.
func WithParams(p Params) Option {
	return func(k *SphericalCovariance) { k.params = p }
}

// WithLambdaS sets the signal scale.
func WithLambdaS(v float64) Option {
	return func(k *SphericalCovariance) { k.params.LambdaS = v }
}

// WithA sets the cutoff angle.
func WithA(v float64) Option {
	return func(k *SphericalCovariance) { k.params.A = v }
}

// WithSigmaSq sets the noise variance.
func WithSigmaSq(v float64) Option {
	return func(k *SphericalCovariance) { k.params.SigmaSq = v }
}

// WithLambdaSBounds sets the search bounds of lambda_s.
func WithLambdaSBounds(b Bounds) Option {
	return func(k *SphericalCovariance) { k.lambdaSBounds = b }
}

// WithABounds sets the search bounds of a.
func WithABounds(b Bounds) Option {
	return func(k *SphericalCovariance) { k.aBounds = b }
}

// WithSigmaSqBounds sets the search bounds of sigma_sq.
func WithSigmaSqBounds(b Bounds) Option {
	return func(k *SphericalCovariance) { k.sigmaSqBounds = b }
}

// DefaultBounds returns the default search bounds in gradient order:
// (1e-5, 1e4) for lambda_s, (1e-5, π) for a and (1e-5, 1e4) for sigma_sq.
func DefaultBounds() [3]Bounds {
	return [3]Bounds{
		NewBounds(1e-5, 1e4),
		NewBounds(1e-5, math.Pi),
		NewBounds(1e-5, 1e4),
	}
}

// NewSphericalCovariance creates a spherical covariance kernel. Without
// options it uses DefaultParams and DefaultBounds.
func NewSphericalCovariance(opts ...Option) (*SphericalCovariance, error) {
	const op = "NewSphericalCovariance"

	b := DefaultBounds()
	k := &SphericalCovariance{
		params:        DefaultParams(),
		lambdaSBounds: b[0],
		aBounds:       b[1],
		sigmaSqBounds: b[2],
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.params.Validate(); err != nil {
		return nil, kernelError(op, ErrInvalidHyperparameter, "%v", err)
	}
	for _, hp := range k.Hyperparameters() {
		if err := hp.Bounds.Validate(); err != nil {
			return nil, kernelError(op, ErrInvalidHyperparameter, "%s: %v", hp.Name, err)
		}
	}

	return k, nil
}

// SphericalCorrelation is the base correlation C(t) for cutoff a. It is 1 at
// t = 0, falls monotonically to 0 at t = a and is exactly 0 beyond a.
// Negative t is evaluated by the same polynomial.
func SphericalCorrelation(t, a float64) float64 {
	if t > a {
		return 0
	}
	r := t / a
	return 1 - 3*r*r + 2*r*r*r
}

// sphericalCutoffTerm is the per-element factor of the gradient slice for a.
func sphericalCutoffTerm(t, a float64) float64 {
	if t > a {
		return 0
	}
	r := t / a
	return 3*t/(a*a) - 1.5*r*r/a
}

// Evaluate computes K = λs·C(θ) + σ²·I.
//
// When thetaPrime is non-nil it replaces theta for the whole computation;
// it is not combined with theta into a cross-covariance block.
//
// With evalGradient the returned tensor holds, in order:
//
//	[0] C(θ)/λs
//	[1] λs·(3θ/a² - 1.5(θ/a)²/a) where θ <= a, 0 elsewhere
//	[2] I
func (k *SphericalCovariance) Evaluate(theta, thetaPrime mat.Matrix, evalGradient bool) (*mat.Dense, Gradient, error) {
	const op = "SphericalCovariance.Evaluate"

	if !isNilMatrix(thetaPrime) {
		theta = thetaPrime
	}
	if isNilMatrix(theta) {
		return nil, nil, kernelError(op, ErrShapeMismatch, "angle matrix is nil")
	}

	n, c := theta.Dims()
	if n == 0 || c == 0 {
		return nil, nil, kernelError(op, ErrShapeMismatch, "angle matrix is empty")
	}
	if n != c {
		return nil, nil, kernelError(op, ErrShapeMismatch, "angle matrix must be square, got %dx%d", n, c)
	}

	p := k.params
	if err := p.Validate(); err != nil {
		return nil, nil, kernelError(op, ErrInvalidHyperparameter, "%v", err)
	}

	K := mat.NewDense(n, n, nil)

	var grad Gradient
	if evalGradient {
		grad = Gradient{
			mat.NewDense(n, n, nil),
			mat.NewDense(n, n, nil),
			mat.NewDense(n, n, nil),
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			t := theta.At(i, j)
			if math.IsNaN(t) {
				return nil, nil, kernelError(op, ErrNumericDegeneracy, "angle at (%d,%d) is NaN", i, j)
			}

			base := SphericalCorrelation(t, p.A)
			v := p.LambdaS * base
			if i == j {
				v += p.SigmaSq
			}
			if !isFinite(v) {
				return nil, nil, kernelError(op, ErrNumericDegeneracy, "kernel value at (%d,%d) is %v", i, j, v)
			}
			K.Set(i, j, v)

			if !evalGradient {
				continue
			}

			g0 := base / p.LambdaS
			g1 := p.LambdaS * sphericalCutoffTerm(t, p.A)
			if !isFinite(g0) || !isFinite(g1) {
				return nil, nil, kernelError(op, ErrNumericDegeneracy,
					"gradient at (%d,%d) is not finite (lambda_s=%v, a=%v)", i, j, p.LambdaS, p.A)
			}
			grad[0].Set(i, j, g0)
			grad[1].Set(i, j, g1)
			if i == j {
				grad[2].Set(i, j, 1)
			}
		}
	}

	return K, grad, nil
}

// Diag returns λs + σ² for every row of X, whatever X contains. It is the
// self-covariance of each sample at zero angular distance.
func (k *SphericalCovariance) Diag(X mat.Matrix) []float64 {
	if isNilMatrix(X) {
		return []float64{}
	}
	n, _ := X.Dims()
	d := make([]float64, n)
	v := k.params.LambdaS + k.params.SigmaSq
	for i := range d {
		d[i] = v
	}
	return d
}

// IsStationary always returns true: the kernel is a function of the supplied
// angle only.
func (k *SphericalCovariance) IsStationary() bool {
	return true
}

// Params returns lambda_s, a and sigma_sq. Bounds are not included.
func (k *SphericalCovariance) Params() map[string]float64 {
	return k.params.Map()
}

// Values returns the current hyperparameters.
func (k *SphericalCovariance) Values() Params {
	return k.params
}

// SetParams overwrites the hyperparameters named in values and returns the
// receiver. Unknown names and invalid values leave the kernel unchanged.
func (k *SphericalCovariance) SetParams(values map[string]float64) (Kernel, error) {
	const op = "SphericalCovariance.SetParams"

	u, err := UpdateFromMap(values)
	if err != nil {
		return k, kernelError(op, ErrUnknownParameter, "%v", err)
	}
	if err := k.Update(u); err != nil {
		return k, err
	}
	return k, nil
}

// Update applies a partial update. Invalid values leave the kernel unchanged.
func (k *SphericalCovariance) Update(u ParamsUpdate) error {
	const op = "SphericalCovariance.Update"

	next := u.Apply(k.params)
	if err := next.Validate(); err != nil {
		return kernelError(op, ErrInvalidHyperparameter, "%v", err)
	}
	k.params = next
	return nil
}

// Hyperparameters lists lambda_s, a and sigma_sq with their search bounds.
func (k *SphericalCovariance) Hyperparameters() []Hyperparameter {
	return []Hyperparameter{
		{Name: ParamLambdaS, Kind: KindNumeric, Bounds: k.lambdaSBounds},
		{Name: ParamA, Kind: KindNumeric, Bounds: k.aBounds},
		{Name: ParamSigmaSq, Kind: KindNumeric, Bounds: k.sigmaSqBounds},
	}
}

// Clone returns an independent copy of the kernel.
func (k *SphericalCovariance) Clone() Kernel {
	c := *k
	return &c
}

func isNilMatrix(m mat.Matrix) bool {
	if m == nil {
		return true
	}
	switch v := m.(type) {
	case *mat.Dense:
		return v == nil
	case *mat.SymDense:
		return v == nil
	}
	return false
}
