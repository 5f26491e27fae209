package kernels

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Hyperparameter names, in gradient order.
const (
	ParamLambdaS = "lambda_s"
	ParamA       = "a"
	ParamSigmaSq = "sigma_sq"
)

// ParamNames lists the spherical kernel hyperparameters in gradient order.
var ParamNames = []string{ParamLambdaS, ParamA, ParamSigmaSq}

// Params holds the three scalar hyperparameters of the spherical kernel.
type Params struct {
	// LambdaS is the signal scale (overall covariance magnitude).
	LambdaS float64 `json:"lambda_s"`
	// A is the cutoff angle beyond which correlation is exactly zero.
	A float64 `json:"a"`
	// SigmaSq is the noise variance added on the diagonal.
	SigmaSq float64 `json:"sigma_sq"`
}

// DefaultParams returns lambda_s=2, a=0.1, sigma_sq=1.
func DefaultParams() Params {
	return Params{LambdaS: 2.0, A: 0.1, SigmaSq: 1.0}
}

// Validate checks lambda_s >= 0, a > 0 and sigma_sq >= 0, all finite.
func (p Params) Validate() error {
	switch {
	case !isFinite(p.LambdaS) || p.LambdaS < 0:
		return fmt.Errorf("%s must be finite and non-negative, got %v", ParamLambdaS, p.LambdaS)
	case !isFinite(p.A) || p.A <= 0:
		return fmt.Errorf("%s must be finite and positive, got %v", ParamA, p.A)
	case !isFinite(p.SigmaSq) || p.SigmaSq < 0:
		return fmt.Errorf("%s must be finite and non-negative, got %v", ParamSigmaSq, p.SigmaSq)
	}
	return nil
}

// Map returns the parameters keyed by name.
func (p Params) Map() map[string]float64 {
	return map[string]float64{
		ParamLambdaS: p.LambdaS,
		ParamA:       p.A,
		ParamSigmaSq: p.SigmaSq,
	}
}

// LogVector returns the natural log of each parameter in gradient order.
func (p Params) LogVector() []float64 {
	return []float64{math.Log(p.LambdaS), math.Log(p.A), math.Log(p.SigmaSq)}
}

// ParamsUpdate is a partial update: nil fields are left untouched.
type ParamsUpdate struct {
	LambdaS *float64 `json:"lambda_s,omitempty"`
	A       *float64 `json:"a,omitempty"`
	SigmaSq *float64 `json:"sigma_sq,omitempty"`
}

// Apply returns p with the non-nil fields of u applied.
func (u ParamsUpdate) Apply(p Params) Params {
	if u.LambdaS != nil {
		p.LambdaS = *u.LambdaS
	}
	if u.A != nil {
		p.A = *u.A
	}
	if u.SigmaSq != nil {
		p.SigmaSq = *u.SigmaSq
	}
	return p
}

// Map returns the fields set in u keyed by name.
func (u ParamsUpdate) Map() map[string]float64 {
	m := make(map[string]float64, len(ParamNames))
	if u.LambdaS != nil {
		m[ParamLambdaS] = *u.LambdaS
	}
	if u.A != nil {
		m[ParamA] = *u.A
	}
	if u.SigmaSq != nil {
		m[ParamSigmaSq] = *u.SigmaSq
	}
	return m
}

// UpdateFromMap converts a name/value mapping into a ParamsUpdate. Unknown
// keys are reported together in a single error.
func UpdateFromMap(values map[string]float64) (ParamsUpdate, error) {
	var (
		u       ParamsUpdate
		unknown []string
	)
	for name, v := range values {
		switch name {
		case ParamLambdaS:
			u.LambdaS = &v
		case ParamA:
			u.A = &v
		case ParamSigmaSq:
			u.SigmaSq = &v
		default:
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return ParamsUpdate{}, fmt.Errorf("%s (expected one of %s)",
			strings.Join(unknown, ", "), strings.Join(ParamNames, ", "))
	}
	return u, nil
}
