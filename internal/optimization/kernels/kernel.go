package kernels

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Kernel represents a covariance function pluggable into a Gaussian Process
// engine. The engine clones kernels, evaluates them against precomputed
// distance matrices and searches hyperparameters within the declared bounds.
type Kernel interface {
	// Evaluate computes the kernel matrix and, when evalGradient is set,
	// its gradient with respect to each hyperparameter.
	Evaluate(theta, thetaPrime mat.Matrix, evalGradient bool) (*mat.Dense, Gradient, error)

	// Diag returns the diagonal of the kernel matrix for the samples in X.
	Diag(X mat.Matrix) []float64

	// IsStationary reports whether the kernel depends only on relative separation.
	IsStationary() bool

	// Params returns the current hyperparameter values keyed by name.
	Params() map[string]float64

	// SetParams overwrites the named hyperparameters and returns the
	// receiver. Keys that are absent are left untouched.
	SetParams(values map[string]float64) (Kernel, error)

	// Hyperparameters describes each hyperparameter and its search bounds.
	Hyperparameters() []Hyperparameter

	// Clone returns an independent copy of the kernel.
	Clone() Kernel
}

// KindNumeric is the only hyperparameter kind used by the kernels in this package.
const KindNumeric = "numeric"

// Hyperparameter describes one tunable scalar of a kernel.
type Hyperparameter struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Bounds Bounds `json:"bounds"`
}

// Fixed reports whether the hyperparameter is excluded from the search.
func (h Hyperparameter) Fixed() bool {
	return h.Bounds.Fixed
}

// Bounds is the (low, high) search interval of a hyperparameter, or the
// "fixed" sentinel when the value must not be searched.
type Bounds struct {
	Low   float64
	High  float64
	Fixed bool
}

// NewBounds returns a search interval.
func NewBounds(low, high float64) Bounds {
	return Bounds{Low: low, High: high}
}

// FixedBounds returns the "fixed" sentinel.
func FixedBounds() Bounds {
	return Bounds{Fixed: true}
}

// ParseBounds reads bounds written as "low,high" or "fixed". The result is
// validated.
func ParseBounds(s string) (Bounds, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "fixed") {
		return FixedBounds(), nil
	}

	low, high, ok := strings.Cut(s, ",")
	if !ok {
		return Bounds{}, fmt.Errorf("bounds must be \"low,high\" or \"fixed\", got %q", s)
	}
	l, err := strconv.ParseFloat(strings.TrimSpace(low), 64)
	if err != nil {
		return Bounds{}, fmt.Errorf("invalid lower bound %q: %w", low, err)
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(high), 64)
	if err != nil {
		return Bounds{}, fmt.Errorf("invalid upper bound %q: %w", high, err)
	}

	b := NewBounds(l, h)
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

// Validate checks the interval is well formed. Fixed bounds are always valid.
func (b Bounds) Validate() error {
	if b.Fixed {
		return nil
	}
	if !isFinite(b.Low) || !isFinite(b.High) {
		return fmt.Errorf("bounds must be finite, got (%v, %v)", b.Low, b.High)
	}
	if b.Low < 0 {
		return fmt.Errorf("lower bound must be non-negative, got %v", b.Low)
	}
	if b.Low > b.High {
		return fmt.Errorf("lower bound %v exceeds upper bound %v", b.Low, b.High)
	}
	return nil
}

// Contains reports whether v lies inside the interval. Fixed bounds contain
// every value.
func (b Bounds) Contains(v float64) bool {
	if b.Fixed {
		return true
	}
	return v >= b.Low && v <= b.High
}

// String renders the bounds the way they are written in configuration.
func (b Bounds) String() string {
	if b.Fixed {
		return "fixed"
	}
	return fmt.Sprintf("%g,%g", b.Low, b.High)
}

// MarshalJSON encodes fixed bounds as the string "fixed" and intervals as a
// two element array.
func (b Bounds) MarshalJSON() ([]byte, error) {
	if b.Fixed {
		return []byte(`"fixed"`), nil
	}
	return []byte("[" + strconv.FormatFloat(b.Low, 'g', -1, 64) + "," +
		strconv.FormatFloat(b.High, 'g', -1, 64) + "]"), nil
}

// UnmarshalJSON accepts the forms written by MarshalJSON.
func (b *Bounds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "fixed" {
			return fmt.Errorf("bounds string must be \"fixed\", got %q", s)
		}
		*b = FixedBounds()
		return nil
	}

	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("bounds must have two elements, got %d", len(pair))
	}
	*b = NewBounds(pair[0], pair[1])
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
