// Package matrix defines the kernel-library contract the layer core is
// written against, together with a host reference implementation. A kernel
// library executes elementwise, matrix, and reduction primitives over
// device-resident tensors; only the scalar reductions cross back to the
// host.
package matrix

import (
	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/tensor"
)

// Eps guards logarithms of zero in loss and divergence kernels.
const Eps float32 = 1e-7

// Kernels is the numeric primitive set consumed by the layer core. All
// tensor arguments must be device resident. Methods returning tensors
// allocate the result from the implementation's allocator and leave it on
// the device; methods returning float32 are scalar reductions and force a
// device-to-host synchronization.
type Kernels interface {
	// MatMul computes a·b, optionally transposing either operand.
	MatMul(a, b *tensor.Tensor, transA, transB bool) (*tensor.Tensor, error)

	// AddBiasRows adds the bias vector to every row of m in place.
	AddBiasRows(m, bias *tensor.Tensor) error

	// Apply applies the activation to m in place.
	Apply(fn Activation, m *tensor.Tensor) error

	// Derivative evaluates the activation's analytic derivative at the
	// post-activation values in activations, returning a new tensor.
	Derivative(fn Activation, activations *tensor.Tensor) (*tensor.Tensor, error)

	// Mul returns the elementwise product a ⊙ b.
	Mul(a, b *tensor.Tensor) (*tensor.Tensor, error)

	// MulInPlace computes dst ⊙ other into dst.
	MulInPlace(dst, other *tensor.Tensor) error

	// Sub returns a - b elementwise.
	Sub(a, b *tensor.Tensor) (*tensor.Tensor, error)

	// Sign returns the elementwise sign of m (sign(0) == 0).
	Sign(m *tensor.Tensor) (*tensor.Tensor, error)

	// AddScaled computes dst += c·src in place.
	AddScaled(dst, src *tensor.Tensor, c float32) error

	// Axpby computes y = a·y + b·x in place. Updates may be issued on a
	// caller-chosen stream to overlap across layers.
	Axpby(y, x *tensor.Tensor, a, b float32, stream device.Stream) error

	// Scale multiplies m by c in place.
	Scale(m *tensor.Tensor, c float32) error

	// AddScalar adds c to every element of m in place.
	AddScalar(m *tensor.Tensor, c float32) error

	// ZeroNaNs replaces NaN entries of m with zero in place.
	ZeroNaNs(m *tensor.Tensor) error

	// MaskFromUniform binarizes a uniform [0,1) fill into a dropout mask in
	// place: entries at most p become 0, the rest become 1.
	MaskFromUniform(m *tensor.Tensor, p float32) error

	// SumColumns reduces over rows, returning the per-column totals as a
	// vector of length cols.
	SumColumns(m *tensor.Tensor) (*tensor.Tensor, error)

	// Softmax returns the row-wise softmax of m as a new tensor.
	Softmax(m *tensor.Tensor) (*tensor.Tensor, error)

	// CrossEntropy returns -Σ targets·log(activations) as a host scalar.
	CrossEntropy(activations, targets *tensor.Tensor) (float32, error)

	// KLDivergence returns Σ targets·(log(targets+eps) - log(activations+eps))
	// as a host scalar. NaN target entries contribute zero.
	KLDivergence(activations, targets *tensor.Tensor, eps float32) (float32, error)

	// SumAbs returns Σ|m| as a host scalar.
	SumAbs(m *tensor.Tensor) (float32, error)

	// SumSquares returns Σ m² as a host scalar.
	SumSquares(m *tensor.Tensor) (float32, error)
}
