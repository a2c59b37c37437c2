package matrix

import "github.com/pkg/errors"

// Activation selects the pointwise nonlinearity of a hidden layer. The set
// is closed and resolved once at layer construction; kernels branch on the
// tag instead of dispatching on names per call.
type Activation int

const (
	Sigmoid Activation = iota
	Tanh
	ReLU
	Linear
)

// String returns the activation name as used in architecture descriptors.
func (a Activation) String() string {
	switch a {
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case ReLU:
		return "relu"
	case Linear:
		return "linear"
	default:
		return "unknown"
	}
}

// Valid reports whether a names one of the supported activations.
func (a Activation) Valid() bool {
	return a >= Sigmoid && a <= Linear
}

// ParseActivation resolves an activation name to its tag.
func ParseActivation(name string) (Activation, error) {
	switch name {
	case "sigmoid":
		return Sigmoid, nil
	case "tanh":
		return Tanh, nil
	case "relu":
		return ReLU, nil
	case "linear":
		return Linear, nil
	default:
		return 0, errors.Errorf("unknown activation function %q", name)
	}
}
