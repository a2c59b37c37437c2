package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/gpu/matrix"
	"github.com/tsawler/go-nnlayers/tensor"
)

// HiddenLayerConfig configures a HiddenLayer. The zero value selects
// sigmoid activation, no dropout, Bengio-rule weight initialization, no
// weight decay, and a learning-rate multiplier of 1/sqrt(nIn) for both
// parameters.
type HiddenLayerConfig struct {
	// Activation selects the pointwise nonlinearity. The zero value is
	// Sigmoid.
	Activation matrix.Activation

	// Dropout is the probability of dropping each unit during training;
	// must lie in [0, 1). Use DropoutFromBool to translate the legacy
	// boolean flag.
	Dropout float32

	// W and B initialize the parameters directly. Host-resident tensors
	// are transferred to the device.
	W *tensor.Tensor
	B *tensor.Tensor

	// ParametersPath loads a serialized (W, b) pair written by
	// SaveParameters. Ignored when W or B is set.
	ParametersPath string

	// WeightsScale overrides the Bengio-rule initialization scale when
	// nonzero.
	WeightsScale float32

	L1PenaltyWeight float32
	L2PenaltyWeight float32

	// LRMultiplier scales the learning rate per parameter (weights, bias).
	// Nil selects 1/sqrt(nIn) for both.
	LRMultiplier []float32
}

// HiddenLayer is a fully connected layer with a selectable pointwise
// activation, optional dropout regularization, and optional L1/L2 weight
// decay.
type HiddenLayer struct {
	rt *Runtime

	W *tensor.Tensor
	b *tensor.Tensor

	nIn    int
	nUnits int

	activation      matrix.Activation
	dropout         float32
	weightsScale    float32
	l1PenaltyWeight float32
	l2PenaltyWeight float32
	lrMultiplier    [2]float32
}

// NewHiddenLayer constructs a fully connected layer with nIn inputs and
// nUnits outputs. When cfg supplies no parameters, weights are sampled
// uniformly and rescaled to weightsScale·(u - 0.5) with the scale following
// Bengio's rule, and the bias starts at zero.
func NewHiddenLayer(rt *Runtime, nIn, nUnits int, cfg HiddenLayerConfig) (*HiddenLayer, error) {
	if rt == nil {
		return nil, errors.New("nil runtime")
	}
	if nIn <= 0 || nUnits <= 0 {
		return nil, errors.Errorf("invalid layer dimensions %dx%d", nIn, nUnits)
	}
	if !cfg.Activation.Valid() {
		return nil, errors.Errorf("unknown activation function %d", cfg.Activation)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, errors.Errorf("dropout probability %v outside [0, 1)", cfg.Dropout)
	}

	scale := cfg.WeightsScale
	if scale == 0 {
		scale = bengioScale(cfg.Activation, nIn, nUnits)
	}

	l := &HiddenLayer{
		rt:              rt,
		nIn:             nIn,
		nUnits:          nUnits,
		activation:      cfg.Activation,
		dropout:         cfg.Dropout,
		weightsScale:    scale,
		l1PenaltyWeight: cfg.L1PenaltyWeight,
		l2PenaltyWeight: cfg.L2PenaltyWeight,
	}

	switch {
	case cfg.W != nil || cfg.B != nil:
		if err := l.SetParameters(cfg.W, cfg.B); err != nil {
			return nil, err
		}
	case cfg.ParametersPath != "":
		W, b, err := LoadParameters(cfg.ParametersPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loading parameters from %s", cfg.ParametersPath)
		}
		if err := l.SetParameters(W, b); err != nil {
			return nil, err
		}
	default:
		if err := l.initParameters(); err != nil {
			return nil, err
		}
	}

	if cfg.LRMultiplier != nil {
		if len(cfg.LRMultiplier) != nParameters {
			return nil, errors.Errorf("learning rate multiplier needs %d entries, got %d", nParameters, len(cfg.LRMultiplier))
		}
		l.lrMultiplier = [2]float32{cfg.LRMultiplier[0], cfg.LRMultiplier[1]}
	} else {
		m := float32(1 / math.Sqrt(float64(nIn)))
		l.lrMultiplier = [2]float32{m, m}
	}

	return l, nil
}

// bengioScale returns the fan-in/fan-out initialization scale for the
// activation family: 4·sqrt(6/(nIn+nUnits)) for sigmoid, sqrt(6/(nIn+nUnits))
// otherwise.
func bengioScale(act matrix.Activation, nIn, nUnits int) float32 {
	s := math.Sqrt(6 / float64(nIn+nUnits))
	if act == matrix.Sigmoid {
		s *= 4
	}
	return float32(s)
}

func (l *HiddenLayer) initParameters() error {
	W, err := tensor.Zeros([]int{l.nIn, l.nUnits})
	if err != nil {
		return err
	}
	if err := W.EnsureDevice(l.rt.Alloc); err != nil {
		return err
	}
	if err := l.rt.Sampler.FillUniform(W.Buffer()); err != nil {
		W.Release()
		return errors.Wrap(err, "sampling initial weights")
	}
	if err := l.rt.Kernels.AddScalar(W, -0.5); err != nil {
		W.Release()
		return err
	}
	if err := l.rt.Kernels.Scale(W, l.weightsScale); err != nil {
		W.Release()
		return err
	}

	b, err := tensor.Zeros([]int{l.nUnits})
	if err != nil {
		W.Release()
		return err
	}
	if err := b.EnsureDevice(l.rt.Alloc); err != nil {
		W.Release()
		return err
	}

	l.W = W
	l.b = b
	return nil
}

// NParameters returns the number of parameter tensors (weights and bias).
func (l *HiddenLayer) NParameters() int { return nParameters }

// NIn returns the number of input units.
func (l *HiddenLayer) NIn() int { return l.nIn }

// NUnits returns the number of hidden units.
func (l *HiddenLayer) NUnits() int { return l.nUnits }

// ActivationFunction returns the layer's activation tag.
func (l *HiddenLayer) ActivationFunction() matrix.Activation { return l.activation }

// Dropout returns the dropout probability.
func (l *HiddenLayer) Dropout() float32 { return l.dropout }

// WeightsScale returns the initialization scale in effect.
func (l *HiddenLayer) WeightsScale() float32 { return l.weightsScale }

// LRMultiplier returns the per-parameter learning rate multipliers.
func (l *HiddenLayer) LRMultiplier() [2]float32 { return l.lrMultiplier }

// Parameters returns the (weights, bias) pair.
func (l *HiddenLayer) Parameters() (*tensor.Tensor, *tensor.Tensor) {
	return l.W, l.b
}

// SetParameters replaces the layer parameters. Host-resident tensors are
// transferred to the device here; the transfer is the only implicit device
// transition in the layer.
func (l *HiddenLayer) SetParameters(W, b *tensor.Tensor) error {
	if W == nil || b == nil {
		return errors.New("parameters require both weights and bias")
	}
	if W.Rank() != 2 || W.Shape[0] != l.nIn || W.Shape[1] != l.nUnits {
		return errors.Errorf("weights shape %v does not match (%d, %d)", W.Shape, l.nIn, l.nUnits)
	}
	if b.Rank() != 1 || b.Shape[0] != l.nUnits {
		return errors.Errorf("bias shape %v does not match (%d,)", b.Shape, l.nUnits)
	}
	if err := W.EnsureDevice(l.rt.Alloc); err != nil {
		return err
	}
	if err := b.EnsureDevice(l.rt.Alloc); err != nil {
		return err
	}
	l.W = W
	l.b = b
	return nil
}

// Architecture returns the layer descriptor.
func (l *HiddenLayer) Architecture() Architecture {
	return Architecture{
		Class:      "HiddenLayer",
		NIn:        l.nIn,
		NUnits:     l.nUnits,
		Activation: l.activation.String(),
	}
}

func (l *HiddenLayer) checkInput(input *tensor.Tensor) error {
	if input == nil {
		return errors.New("nil input")
	}
	if input.Rank() != 2 {
		return errors.Errorf("input must be 2D, got shape %v", input.Shape)
	}
	if input.Shape[1] != l.nIn {
		return errors.Errorf("number of outputs from previous layer (%d) does not match number of inputs to this layer (%d)", input.Shape[1], l.nIn)
	}
	return nil
}

// FeedForward propagates input through the layer and returns the forward
// cache. In training mode with dropout enabled the cache carries the
// sampled mask; in prediction mode activations are scaled by 1-dropout to
// approximate the expected output of a dropped-out unit.
func (l *HiddenLayer) FeedForward(input *tensor.Tensor, prediction bool) (*ForwardCache, error) {
	if err := l.checkInput(input); err != nil {
		return nil, err
	}
	if err := input.EnsureDevice(l.rt.Alloc); err != nil {
		return nil, err
	}

	k := l.rt.Kernels
	activations, err := k.MatMul(input, l.W, false, false)
	if err != nil {
		return nil, errors.Wrap(err, "hidden layer forward")
	}
	if err := k.AddBiasRows(activations, l.b); err != nil {
		activations.Release()
		return nil, err
	}
	if err := k.Apply(l.activation, activations); err != nil {
		activations.Release()
		return nil, err
	}

	if l.dropout > 0 {
		if prediction {
			if err := k.Scale(activations, 1-l.dropout); err != nil {
				activations.Release()
				return nil, err
			}
		} else {
			mask, err := l.sampleDropoutMask(activations)
			if err != nil {
				activations.Release()
				return nil, err
			}
			if err := k.MulInPlace(activations, mask); err != nil {
				activations.Release()
				mask.Release()
				return nil, err
			}
			return &ForwardCache{
				Kind:        CacheActivationsWithMask,
				Activations: activations,
				Mask:        mask,
			}, nil
		}
	}

	return &ForwardCache{Kind: CacheActivations, Activations: activations}, nil
}

// sampleDropoutMask draws a fresh Bernoulli mask matching the activations.
func (l *HiddenLayer) sampleDropoutMask(activations *tensor.Tensor) (*tensor.Tensor, error) {
	mask, err := tensor.Zeros(append([]int(nil), activations.Shape...))
	if err != nil {
		return nil, err
	}
	if err := mask.EnsureDevice(l.rt.Alloc); err != nil {
		return nil, err
	}
	if err := l.rt.Sampler.FillUniform(mask.Buffer()); err != nil {
		mask.Release()
		return nil, errors.Wrap(err, "sampling dropout mask")
	}
	if err := l.rt.Kernels.MaskFromUniform(mask, l.dropout); err != nil {
		mask.Release()
		return nil, err
	}
	return mask, nil
}

// Backprop computes the parameter gradients and the gradient with respect
// to the input. When cache is nil the forward pass is recomputed in
// training mode. If dropout was sampled, the mask is applied to dfOutput in
// place before use, so gradients do not flow through dropped units. Weight
// decay terms are added to the weight gradient only.
func (l *HiddenLayer) Backprop(input, dfOutput *tensor.Tensor, cache *ForwardCache) (Gradients, *tensor.Tensor, error) {
	if err := l.checkInput(input); err != nil {
		return Gradients{}, nil, err
	}
	if dfOutput == nil {
		return Gradients{}, nil, errors.New("nil output gradient")
	}
	if err := input.EnsureDevice(l.rt.Alloc); err != nil {
		return Gradients{}, nil, err
	}
	if err := dfOutput.EnsureDevice(l.rt.Alloc); err != nil {
		return Gradients{}, nil, err
	}

	ownCache := false
	if cache == nil {
		var err error
		cache, err = l.FeedForward(input, false)
		if err != nil {
			return Gradients{}, nil, err
		}
		ownCache = true
	}
	if ownCache {
		defer cache.Release()
	}

	k := l.rt.Kernels
	if cache.Kind == CacheActivationsWithMask {
		if err := k.MulInPlace(dfOutput, cache.Mask); err != nil {
			return Gradients{}, nil, err
		}
	}

	dfActivations, err := k.Derivative(l.activation, cache.Activations)
	if err != nil {
		return Gradients{}, nil, err
	}
	defer dfActivations.Release()

	delta, err := k.Mul(dfActivations, dfOutput)
	if err != nil {
		return Gradients{}, nil, err
	}
	defer delta.Release()

	dfW, err := k.MatMul(input, delta, true, false)
	if err != nil {
		return Gradients{}, nil, err
	}
	dfB, err := k.SumColumns(delta)
	if err != nil {
		dfW.Release()
		return Gradients{}, nil, err
	}
	dfInput, err := k.MatMul(delta, l.W, false, true)
	if err != nil {
		dfW.Release()
		dfB.Release()
		return Gradients{}, nil, err
	}

	if err := l.addWeightDecay(dfW); err != nil {
		dfW.Release()
		dfB.Release()
		dfInput.Release()
		return Gradients{}, nil, err
	}

	return Gradients{W: dfW, B: dfB}, dfInput, nil
}

// addWeightDecay adds the L1 and L2 decay terms to the weight gradient.
func (l *HiddenLayer) addWeightDecay(dfW *tensor.Tensor) error {
	k := l.rt.Kernels
	if l.l1PenaltyWeight != 0 {
		sgn, err := k.Sign(l.W)
		if err != nil {
			return err
		}
		err = k.AddScaled(dfW, sgn, l.l1PenaltyWeight)
		sgn.Release()
		if err != nil {
			return err
		}
	}
	if l.l2PenaltyWeight != 0 {
		if err := k.AddScaled(dfW, l.W, l.l2PenaltyWeight); err != nil {
			return err
		}
	}
	return nil
}

// UpdateParameters applies param = param + mult·grad in place for the
// (weights, bias) pair. The multiplier carries the negated learning rate;
// no sign flip happens here.
func (l *HiddenLayer) UpdateParameters(values []GradientUpdate, stream device.Stream) error {
	if len(values) != nParameters {
		return errors.Errorf("expected %d gradient entries, got %d", nParameters, len(values))
	}
	params := [nParameters]*tensor.Tensor{l.W, l.b}
	for i, p := range params {
		if values[i].Grad == nil {
			return errors.Errorf("nil gradient for parameter %d", i)
		}
		if err := l.rt.Kernels.Axpby(p, values[i].Grad, 1, values[i].Mult, stream); err != nil {
			return errors.Wrapf(err, "updating parameter %d", i)
		}
	}
	return nil
}

// L1Penalty returns l1_penalty_weight·Σ|W| as a diagnostic scalar. The
// gradient path recomputes the decay term directly and does not use this.
func (l *HiddenLayer) L1Penalty() (float32, error) {
	s, err := l.rt.Kernels.SumAbs(l.W)
	if err != nil {
		return 0, err
	}
	return l.l1PenaltyWeight * s, nil
}

// L2Penalty returns l2_penalty_weight·0.5·Σ W² as a diagnostic scalar.
func (l *HiddenLayer) L2Penalty() (float32, error) {
	s, err := l.rt.Kernels.SumSquares(l.W)
	if err != nil {
		return 0, err
	}
	return l.l2PenaltyWeight * 0.5 * s, nil
}
