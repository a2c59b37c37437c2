// Package optimizer provides stochastic gradient descent updates and
// learning-rate schedules for the layer types in gpu/layers.
package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/gpu/layers"
	"github.com/tsawler/go-nnlayers/gpu/matrix"
	"github.com/tsawler/go-nnlayers/tensor"
)

// SGDConfig holds the SGD hyperparameters.
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
}

// SGD implements stochastic gradient descent with optional momentum. It
// drives the layers' update convention param + mult·grad, so the
// multiplier it passes carries the negated learning rate scaled by the
// layer's per-parameter multiplier.
type SGD struct {
	kernels matrix.Kernels
	alloc   device.Allocator
	config  SGDConfig

	velocities map[layers.Layer][]*tensor.Tensor
	stepCount  int64
}

// NewSGD creates an SGD optimizer executing through kernels and allocating
// momentum buffers from alloc.
func NewSGD(kernels matrix.Kernels, alloc device.Allocator, config SGDConfig) (*SGD, error) {
	if kernels == nil {
		return nil, errors.New("nil kernel library")
	}
	if alloc == nil {
		return nil, errors.New("nil allocator")
	}
	return &SGD{
		kernels:    kernels,
		alloc:      alloc,
		config:     config,
		velocities: make(map[layers.Layer][]*tensor.Tensor),
	}, nil
}

// Step applies one update to layer using grads. Momentum velocity buffers
// are created lazily per layer and persist across steps; the gradients
// themselves stay owned by the caller.
func (o *SGD) Step(layer layers.Layer, grads layers.Gradients, stream device.Stream) error {
	if layer == nil {
		return errors.New("nil layer")
	}
	if grads.W == nil || grads.B == nil {
		return errors.New("incomplete gradient pair")
	}

	gradTensors := []*tensor.Tensor{grads.W, grads.B}
	updateGrads := gradTensors

	if o.config.Momentum != 0 {
		vs, ok := o.velocities[layer]
		if !ok {
			var err error
			vs, err = o.newVelocities(gradTensors)
			if err != nil {
				return err
			}
			o.velocities[layer] = vs
		}
		// v = momentum·v + grad
		for i, v := range vs {
			if err := o.kernels.Axpby(v, gradTensors[i], o.config.Momentum, 1, stream); err != nil {
				return errors.Wrapf(err, "updating velocity %d", i)
			}
		}
		updateGrads = vs
	}

	mults := layer.LRMultiplier()
	values := []layers.GradientUpdate{
		{Grad: updateGrads[0], Mult: -o.config.LearningRate * mults[0]},
		{Grad: updateGrads[1], Mult: -o.config.LearningRate * mults[1]},
	}
	o.stepCount++
	return layer.UpdateParameters(values, stream)
}

func (o *SGD) newVelocities(grads []*tensor.Tensor) ([]*tensor.Tensor, error) {
	vs := make([]*tensor.Tensor, len(grads))
	for i, g := range grads {
		v, err := tensor.Zeros(append([]int(nil), g.Shape...))
		if err != nil {
			return nil, err
		}
		if err := v.EnsureDevice(o.alloc); err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

// LearningRate returns the current learning rate.
func (o *SGD) LearningRate() float32 { return o.config.LearningRate }

// SetLearningRate changes the learning rate, typically from a scheduler.
func (o *SGD) SetLearningRate(lr float32) { o.config.LearningRate = lr }

// StepCount returns the number of updates applied.
func (o *SGD) StepCount() int64 { return o.stepCount }

// Release frees the momentum buffers.
func (o *SGD) Release() {
	for _, vs := range o.velocities {
		for _, v := range vs {
			v.Release()
		}
	}
	o.velocities = make(map[layers.Layer][]*tensor.Tensor)
}
