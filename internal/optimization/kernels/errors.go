package kernels

import (
	"github.com/copyleftdev/SPHERE/internal/errors"
)

const component = "spherical_kernel"

var (
	// ErrInvalidHyperparameter is returned when a hyperparameter or bound
	// violates the kernel invariants (a > 0, lambda_s >= 0, sigma_sq >= 0).
	ErrInvalidHyperparameter = errors.Sentinel("invalid hyperparameter")

	// ErrUnknownParameter is returned when a parameter update names a key
	// the kernel does not have.
	ErrUnknownParameter = errors.Sentinel("unknown parameter")

	// ErrShapeMismatch is returned when the angle matrix is empty or not square.
	ErrShapeMismatch = errors.Sentinel("shape mismatch")

	// ErrNumericDegeneracy is returned when evaluation produces non-finite values.
	ErrNumericDegeneracy = errors.Sentinel("numeric degeneracy")
)

func kernelError(op string, sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...).
		WithOperation(op).
		WithComponent(component)
}
