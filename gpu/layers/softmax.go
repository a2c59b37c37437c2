package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/gpu/matrix"
	"github.com/tsawler/go-nnlayers/tensor"
)

// ErrorFunc selects the metric TestError reports on held-out data.
type ErrorFunc int

const (
	// ClassError counts argmax mismatches between activations and targets.
	ClassError ErrorFunc = iota
	// KLError is the Kullback-Leibler divergence from targets to
	// activations.
	KLError
	// CrossEntropyError is the training loss -Σ targets·log(activations).
	CrossEntropyError
)

// String returns the metric name.
func (f ErrorFunc) String() string {
	switch f {
	case ClassError:
		return "class_error"
	case KLError:
		return "kl_error"
	case CrossEntropyError:
		return "cross_entropy_error"
	default:
		return "unknown"
	}
}

// Valid reports whether f names one of the supported metrics.
func (f ErrorFunc) Valid() bool {
	return f >= ClassError && f <= CrossEntropyError
}

// ParseErrorFunc resolves a metric name to its tag.
func ParseErrorFunc(name string) (ErrorFunc, error) {
	switch name {
	case "class_error":
		return ClassError, nil
	case "kl_error":
		return KLError, nil
	case "cross_entropy_error":
		return CrossEntropyError, nil
	default:
		return 0, errors.Errorf("unknown test error function %q", name)
	}
}

// SoftmaxLayerConfig configures a SoftmaxLayer. The zero value selects
// Bengio-rule initialization, no weight decay, a learning-rate multiplier
// of 1/sqrt(nIn) for both parameters, and the classification error metric.
type SoftmaxLayerConfig struct {
	// W and B initialize the parameters directly. Host-resident tensors
	// are transferred to the device.
	W *tensor.Tensor
	B *tensor.Tensor

	// ParametersPath loads a serialized (W, b) pair written by
	// SaveParameters. Ignored when W or B is set.
	ParametersPath string

	// WeightsScale overrides the initialization scale when nonzero.
	WeightsScale float32

	L1PenaltyWeight float32
	L2PenaltyWeight float32

	// LRMultiplier scales the learning rate per parameter (weights, bias).
	// Nil selects 1/sqrt(nIn) for both.
	LRMultiplier []float32

	// TestErrorFunc selects the metric used by TestError. The zero value
	// is ClassError.
	TestErrorFunc ErrorFunc
}

// SoftmaxLayer is a terminal multiclass classification layer computing
// softmax activations and trained with cross-entropy loss.
type SoftmaxLayer struct {
	rt *Runtime

	W *tensor.Tensor
	b *tensor.Tensor

	nIn  int
	nOut int

	weightsScale    float32
	l1PenaltyWeight float32
	l2PenaltyWeight float32
	lrMultiplier    [2]float32
	testErrorFct    ErrorFunc
}

// NewSoftmaxLayer constructs an output layer with nIn inputs and nOut
// classes. Weights follow the sigmoid-family Bengio scale
// 4·sqrt(6/(nIn+nOut)) unless cfg overrides it.
func NewSoftmaxLayer(rt *Runtime, nIn, nOut int, cfg SoftmaxLayerConfig) (*SoftmaxLayer, error) {
	if rt == nil {
		return nil, errors.New("nil runtime")
	}
	if nIn <= 0 || nOut <= 0 {
		return nil, errors.Errorf("invalid layer dimensions %dx%d", nIn, nOut)
	}
	if !cfg.TestErrorFunc.Valid() {
		return nil, errors.Errorf("unknown test error function %d", cfg.TestErrorFunc)
	}

	scale := cfg.WeightsScale
	if scale == 0 {
		scale = float32(4 * math.Sqrt(6/float64(nIn+nOut)))
	}

	l := &SoftmaxLayer{
		rt:              rt,
		nIn:             nIn,
		nOut:            nOut,
		weightsScale:    scale,
		l1PenaltyWeight: cfg.L1PenaltyWeight,
		l2PenaltyWeight: cfg.L2PenaltyWeight,
		testErrorFct:    cfg.TestErrorFunc,
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

func (l *SoftmaxLayer) initParameters() error {
	W, err := tensor.Zeros([]int{l.nIn, l.nOut})
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

	b, err := tensor.Zeros([]int{l.nOut})
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
func (l *SoftmaxLayer) NParameters() int { return nParameters }

// NIn returns the number of input units.
func (l *SoftmaxLayer) NIn() int { return l.nIn }

// NOut returns the number of output classes.
func (l *SoftmaxLayer) NOut() int { return l.nOut }

// WeightsScale returns the initialization scale in effect.
func (l *SoftmaxLayer) WeightsScale() float32 { return l.weightsScale }

// TestErrorFunc returns the configured test metric.
func (l *SoftmaxLayer) TestErrorFunc() ErrorFunc { return l.testErrorFct }

// LRMultiplier returns the per-parameter learning rate multipliers.
func (l *SoftmaxLayer) LRMultiplier() [2]float32 { return l.lrMultiplier }

// Parameters returns the (weights, bias) pair.
func (l *SoftmaxLayer) Parameters() (*tensor.Tensor, *tensor.Tensor) {
	return l.W, l.b
}

// SetParameters replaces the layer parameters, transferring host-resident
// tensors to the device.
func (l *SoftmaxLayer) SetParameters(W, b *tensor.Tensor) error {
	if W == nil || b == nil {
		return errors.New("parameters require both weights and bias")
	}
	if W.Rank() != 2 || W.Shape[0] != l.nIn || W.Shape[1] != l.nOut {
		return errors.Errorf("weights shape %v does not match (%d, %d)", W.Shape, l.nIn, l.nOut)
	}
	if b.Rank() != 1 || b.Shape[0] != l.nOut {
		return errors.Errorf("bias shape %v does not match (%d,)", b.Shape, l.nOut)
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
func (l *SoftmaxLayer) Architecture() Architecture {
	return Architecture{
		Class:  "SoftmaxLayer",
		NIn:    l.nIn,
		NUnits: l.nOut,
	}
}

func (l *SoftmaxLayer) checkInput(input *tensor.Tensor) error {
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

// FeedForward returns the row-normalized softmax activations for input.
// The prediction flag is accepted for symmetry with HiddenLayer; the output
// layer has no dropout, so it changes nothing.
func (l *SoftmaxLayer) FeedForward(input *tensor.Tensor, prediction bool) (*tensor.Tensor, error) {
	if err := l.checkInput(input); err != nil {
		return nil, err
	}
	if err := input.EnsureDevice(l.rt.Alloc); err != nil {
		return nil, err
	}

	k := l.rt.Kernels
	linear, err := k.MatMul(input, l.W, false, false)
	if err != nil {
		return nil, errors.Wrap(err, "softmax layer forward")
	}
	defer linear.Release()
	if err := k.AddBiasRows(linear, l.b); err != nil {
		return nil, err
	}
	return k.Softmax(linear)
}

// Backprop computes gradients from the simplified softmax/cross-entropy
// form delta = activations - targets. NaN entries in delta are zeroed so
// degenerate targets contribute nothing instead of poisoning the batch.
func (l *SoftmaxLayer) Backprop(input, targets *tensor.Tensor, cache *tensor.Tensor) (Gradients, *tensor.Tensor, error) {
	if err := l.checkInput(input); err != nil {
		return Gradients{}, nil, err
	}
	if targets == nil {
		return Gradients{}, nil, errors.New("nil targets")
	}
	if err := targets.EnsureDevice(l.rt.Alloc); err != nil {
		return Gradients{}, nil, err
	}

	activations := cache
	ownActivations := false
	if activations == nil {
		var err error
		activations, err = l.FeedForward(input, false)
		if err != nil {
			return Gradients{}, nil, err
		}
		ownActivations = true
	}
	if ownActivations {
		defer activations.Release()
	}

	if activations.Rank() != targets.Rank() ||
		activations.Shape[0] != targets.Shape[0] ||
		activations.Shape[1] != targets.Shape[1] {
		return Gradients{}, nil, errors.Errorf("activations (shape %v) and targets (shape %v) are different sizes", activations.Shape, targets.Shape)
	}

	k := l.rt.Kernels
	delta, err := k.Sub(activations, targets)
	if err != nil {
		return Gradients{}, nil, err
	}
	defer delta.Release()
	if err := k.ZeroNaNs(delta); err != nil {
		return Gradients{}, nil, err
	}

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

func (l *SoftmaxLayer) addWeightDecay(dfW *tensor.Tensor) error {
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
func (l *SoftmaxLayer) UpdateParameters(values []GradientUpdate, stream device.Stream) error {
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

// L1Penalty returns l1_penalty_weight·Σ|W| as a diagnostic scalar.
func (l *SoftmaxLayer) L1Penalty() (float32, error) {
	s, err := l.rt.Kernels.SumAbs(l.W)
	if err != nil {
		return 0, err
	}
	return l.l1PenaltyWeight * s, nil
}

// L2Penalty returns l2_penalty_weight·0.5·Σ W² as a diagnostic scalar.
func (l *SoftmaxLayer) L2Penalty() (float32, error) {
	s, err := l.rt.Kernels.SumSquares(l.W)
	if err != nil {
		return 0, err
	}
	return l.l2PenaltyWeight * 0.5 * s, nil
}

// TestError evaluates the configured metric on input and targets. The
// result is divided by the batch size when average is true. A non-nil
// cache reuses activations from a previous forward pass.
func (l *SoftmaxLayer) TestError(input, targets *tensor.Tensor, average bool, cache *tensor.Tensor) (float32, error) {
	switch l.testErrorFct {
	case ClassError:
		return l.ClassError(input, targets, average, cache)
	case KLError:
		return l.KLError(input, targets, average, cache)
	case CrossEntropyError:
		return l.CrossEntropyError(input, targets, average, cache)
	default:
		return 0, errors.Errorf("unknown test error function %q", l.testErrorFct)
	}
}

func (l *SoftmaxLayer) activationsFor(input, cache *tensor.Tensor) (*tensor.Tensor, bool, error) {
	if cache != nil {
		return cache, false, nil
	}
	activations, err := l.FeedForward(input, false)
	if err != nil {
		return nil, false, err
	}
	return activations, true, nil
}

// CrossEntropyError returns the cross-entropy loss -Σ targets·log(activations).
func (l *SoftmaxLayer) CrossEntropyError(input, targets *tensor.Tensor, average bool, cache *tensor.Tensor) (float32, error) {
	if targets == nil {
		return 0, errors.New("nil targets")
	}
	if err := targets.EnsureDevice(l.rt.Alloc); err != nil {
		return 0, err
	}
	activations, owned, err := l.activationsFor(input, cache)
	if err != nil {
		return 0, err
	}
	if owned {
		defer activations.Release()
	}
	loss, err := l.rt.Kernels.CrossEntropy(activations, targets)
	if err != nil {
		return 0, err
	}
	if average {
		loss /= float32(targets.Shape[0])
	}
	return loss, nil
}

// TrainError is the loss minimized during training; it is the cross-entropy
// error.
func (l *SoftmaxLayer) TrainError(input, targets *tensor.Tensor, average bool, cache *tensor.Tensor) (float32, error) {
	return l.CrossEntropyError(input, targets, average, cache)
}

// ClassError returns the classification error: the number of rows whose
// activation argmax differs from the target argmax. The comparison runs on
// the host, so both matrices are synchronized back before counting.
func (l *SoftmaxLayer) ClassError(input, targets *tensor.Tensor, average bool, cache *tensor.Tensor) (float32, error) {
	if targets == nil {
		return 0, errors.New("nil targets")
	}
	activations, owned, err := l.activationsFor(input, cache)
	if err != nil {
		return 0, err
	}
	if owned {
		defer activations.Release()
	}
	if activations.Rank() != 2 || targets.Rank() != 2 ||
		activations.Shape[0] != targets.Shape[0] || activations.Shape[1] != targets.Shape[1] {
		return 0, errors.Errorf("activations (shape %v) and targets (shape %v) are different sizes", activations.Shape, targets.Shape)
	}
	if err := activations.RetrieveHost(); err != nil {
		return 0, err
	}
	if err := targets.RetrieveHost(); err != nil {
		return 0, err
	}

	rows, cols := targets.Shape[0], targets.Shape[1]
	var mismatches float32
	for i := 0; i < rows; i++ {
		if argmax(activations.Data[i*cols:(i+1)*cols]) != argmax(targets.Data[i*cols:(i+1)*cols]) {
			mismatches++
		}
	}
	if average {
		mismatches /= float32(rows)
	}
	return mismatches, nil
}

// KLError returns the Kullback-Leibler divergence from targets to
// activations. NaN targets are treated as zero contributions.
func (l *SoftmaxLayer) KLError(input, targets *tensor.Tensor, average bool, cache *tensor.Tensor) (float32, error) {
	if targets == nil {
		return 0, errors.New("nil targets")
	}
	if err := targets.EnsureDevice(l.rt.Alloc); err != nil {
		return 0, err
	}
	activations, owned, err := l.activationsFor(input, cache)
	if err != nil {
		return 0, err
	}
	if owned {
		defer activations.Release()
	}
	div, err := l.rt.Kernels.KLDivergence(activations, targets, matrix.Eps)
	if err != nil {
		return 0, err
	}
	if average {
		div /= float32(targets.Shape[0])
	}
	return div, nil
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
