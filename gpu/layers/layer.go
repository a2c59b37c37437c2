// Package layers implements the fully connected hidden layer and the
// softmax output layer used to assemble feed-forward classification
// networks. An external training loop drives the layers: FeedForward on
// each layer in sequence, Backprop in reverse threading each layer's input
// gradient into the previous layer, then UpdateParameters with gradients
// scaled by the optimizer.
package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/gpu/matrix"
	"github.com/tsawler/go-nnlayers/tensor"
)

// nParameters is the parameter count shared by both layer types: the
// weight matrix and the bias vector.
const nParameters = 2

// Runtime bundles the collaborators every layer needs. Layers hold no
// package-level state; all device interaction flows through the runtime
// injected at construction.
type Runtime struct {
	Kernels matrix.Kernels
	Alloc   device.Allocator
	Sampler device.Sampler
}

// NewRuntime validates and bundles the layer collaborators.
func NewRuntime(kernels matrix.Kernels, alloc device.Allocator, sampler device.Sampler) (*Runtime, error) {
	if kernels == nil {
		return nil, errors.New("nil kernel library")
	}
	if alloc == nil {
		return nil, errors.New("nil allocator")
	}
	if sampler == nil {
		return nil, errors.New("nil sampler")
	}
	return &Runtime{Kernels: kernels, Alloc: alloc, Sampler: sampler}, nil
}

// GradientUpdate pairs a gradient tensor with the multiplier applied during
// a parameter update. The multiplier carries the already negated learning
// rate: UpdateParameters computes param + mult·grad and never flips signs,
// so a positive multiplier ascends the gradient.
type GradientUpdate struct {
	Grad *tensor.Tensor
	Mult float32
}

// Gradients is the (weights, bias) gradient pair produced by a backward
// pass. It is freshly allocated per call and owned by the caller until the
// optimizer consumes it.
type Gradients struct {
	W *tensor.Tensor
	B *tensor.Tensor
}

// Release frees the gradient tensors' device buffers.
func (g Gradients) Release() {
	if g.W != nil {
		g.W.Release()
	}
	if g.B != nil {
		g.B.Release()
	}
}

// CacheKind tags the contents of a ForwardCache.
type CacheKind int

const (
	// CacheActivations marks a cache holding activations only.
	CacheActivations CacheKind = iota
	// CacheActivationsWithMask marks a cache holding activations together
	// with the dropout mask sampled during the forward pass.
	CacheActivationsWithMask
)

// ForwardCache carries forward-pass state into the paired backward pass.
// It is valid for a single forward/backward step and must not be reused
// across steps.
type ForwardCache struct {
	Kind        CacheKind
	Activations *tensor.Tensor
	Mask        *tensor.Tensor
}

// Release frees the cached tensors' device buffers.
func (c *ForwardCache) Release() {
	if c == nil {
		return
	}
	if c.Activations != nil {
		c.Activations.Release()
	}
	if c.Mask != nil {
		c.Mask.Release()
	}
}

// Architecture describes a layer for introspection and persistence by an
// external serialization layer.
type Architecture struct {
	Class      string `json:"class"`
	NIn        int    `json:"n_in"`
	NUnits     int    `json:"n_units"`
	Activation string `json:"activation_function,omitempty"`
}

// Layer is the parameter and update contract shared by the layer types.
// The forward/backward entry points differ in shape between hidden and
// output layers and are defined on the concrete types.
type Layer interface {
	NParameters() int
	Parameters() (W, b *tensor.Tensor)
	SetParameters(W, b *tensor.Tensor) error
	UpdateParameters(values []GradientUpdate, stream device.Stream) error
	LRMultiplier() [2]float32
	Architecture() Architecture
}

// DropoutFromBool maps the legacy boolean dropout flag to a probability:
// true means 0.5, false means no dropout. Older configurations stored the
// flag instead of a probability; new code should pass the probability
// directly.
func DropoutFromBool(dropout bool) float32 {
	if dropout {
		return 0.5
	}
	return 0
}
