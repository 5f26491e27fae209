// Package metrics exposes Prometheus instrumentation for kernel evaluations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/SPHERE/internal/errors"
	"github.com/copyleftdev/SPHERE/internal/optimization/kernels"
)

const namespace = "sphere"

// Error reasons used as the value of the reason label.
const (
	ReasonShapeMismatch         = "shape_mismatch"
	ReasonInvalidHyperparameter = "invalid_hyperparameter"
	ReasonNumericDegeneracy     = "numeric_degeneracy"
	ReasonOther                 = "other"
)

// Collector owns the kernel evaluation metrics.
type Collector struct {
	evaluations *prometheus.CounterVec
	errors      *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewCollector creates the metrics and registers them on reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_evaluations_total",
			Help:      "Total kernel evaluations by whether the gradient was requested",
		}, []string{"gradient"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_evaluation_errors_total",
			Help:      "Total failed kernel evaluations by reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_evaluation_duration_seconds",
			Help:      "Kernel evaluation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		}),
	}

	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.evaluations, c.errors, c.duration} {
		if err := reg.Register(col); err != nil {
			return nil, errors.Wrap(err, "failed to register kernel metrics").
				WithOperation("NewCollector").WithComponent("metrics")
		}
	}
	return c, nil
}

// Observe records one evaluation.
func (c *Collector) Observe(evalGradient bool, elapsed time.Duration, err error) {
	label := "false"
	if evalGradient {
		label = "true"
	}
	c.evaluations.WithLabelValues(label).Inc()
	c.duration.Observe(elapsed.Seconds())
	if err != nil {
		c.errors.WithLabelValues(Reason(err)).Inc()
	}
}

// Reason classifies a kernel error for the reason label.
func Reason(err error) string {
	switch {
	case errors.Is(err, kernels.ErrShapeMismatch):
		return ReasonShapeMismatch
	case errors.Is(err, kernels.ErrInvalidHyperparameter):
		return ReasonInvalidHyperparameter
	case errors.Is(err, kernels.ErrNumericDegeneracy):
		return ReasonNumericDegeneracy
	default:
		return ReasonOther
	}
}

// instrumented records every Evaluate of the wrapped kernel.
type instrumented struct {
	kernels.Kernel
	c *Collector
}

// Instrument wraps k so that each Evaluate is counted and timed by c.
// Clones and the result of SetParams stay instrumented.
func Instrument(k kernels.Kernel, c *Collector) kernels.Kernel {
	if c == nil {
		return k
	}
	if i, ok := k.(*instrumented); ok {
		k = i.Kernel
	}
	return &instrumented{Kernel: k, c: c}
}

func (i *instrumented) Evaluate(theta, thetaPrime mat.Matrix, evalGradient bool) (*mat.Dense, kernels.Gradient, error) {
	start := time.Now()
	K, grad, err := i.Kernel.Evaluate(theta, thetaPrime, evalGradient)
	i.c.Observe(evalGradient, time.Since(start), err)
	return K, grad, err
}

func (i *instrumented) SetParams(values map[string]float64) (kernels.Kernel, error) {
	k, err := i.Kernel.SetParams(values)
	switch {
	case k == nil:
		return nil, err
	case k == i.Kernel:
		return i, err
	}
	return Instrument(k, i.c), err
}

func (i *instrumented) Clone() kernels.Kernel {
	return Instrument(i.Kernel.Clone(), i.c)
}

// Unwrap returns the underlying kernel.
func (i *instrumented) Unwrap() kernels.Kernel {
	return i.Kernel
}
