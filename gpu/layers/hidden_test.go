package layers

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/gpu/matrix"
	"github.com/tsawler/go-nnlayers/tensor"
)

func newTestRuntime(t *testing.T, seed int64) *Runtime {
	t.Helper()
	pool := device.NewPool(0)
	kernels, err := matrix.NewHostKernels(pool)
	require.NoError(t, err)
	rt, err := NewRuntime(kernels, pool, device.NewUniformSampler(seed))
	require.NoError(t, err)
	return rt
}

func deviceTensor(t *testing.T, rt *Runtime, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.New(shape, data)
	require.NoError(t, err)
	require.NoError(t, tt.EnsureDevice(rt.Alloc))
	return tt
}

func hostData(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	require.NoError(t, x.RetrieveHost())
	return x.Data
}

func clone(data []float32) []float32 {
	return append([]float32(nil), data...)
}

func TestNewHiddenLayerShapes(t *testing.T) {
	rt := newTestRuntime(t, 1)
	layer, err := NewHiddenLayer(rt, 7, 5, HiddenLayerConfig{})
	require.NoError(t, err)

	W, b := layer.Parameters()
	assert.Equal(t, []int{7, 5}, W.Shape)
	assert.Equal(t, []int{5}, b.Shape)

	for _, v := range hostData(t, b) {
		assert.Zero(t, v)
	}

	scale := layer.WeightsScale()
	for _, v := range hostData(t, W) {
		assert.LessOrEqual(t, float64(v), float64(scale)/2)
		assert.GreaterOrEqual(t, float64(v), -float64(scale)/2)
	}
}

func TestNewHiddenLayerBengioScale(t *testing.T) {
	rt := newTestRuntime(t, 1)

	sigmoid, err := NewHiddenLayer(rt, 10, 20, HiddenLayerConfig{Activation: matrix.Sigmoid})
	require.NoError(t, err)
	tanh, err := NewHiddenLayer(rt, 10, 20, HiddenLayerConfig{Activation: matrix.Tanh})
	require.NoError(t, err)
	relu, err := NewHiddenLayer(rt, 10, 20, HiddenLayerConfig{Activation: matrix.ReLU})
	require.NoError(t, err)

	base := float32(math.Sqrt(6.0 / 30))
	assert.InDelta(t, 4*base, sigmoid.WeightsScale(), 1e-6)
	assert.InDelta(t, base, tanh.WeightsScale(), 1e-6)
	assert.InDelta(t, base, relu.WeightsScale(), 1e-6)

	override, err := NewHiddenLayer(rt, 10, 20, HiddenLayerConfig{WeightsScale: 0.25})
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), override.WeightsScale())
}

func TestNewHiddenLayerRejectsBadConfig(t *testing.T) {
	rt := newTestRuntime(t, 1)

	_, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{Activation: matrix.Activation(42)})
	assert.ErrorContains(t, err, "unknown activation function")

	_, err = NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{Dropout: 1})
	assert.ErrorContains(t, err, "dropout probability")

	_, err = NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{Dropout: -0.1})
	assert.ErrorContains(t, err, "dropout probability")

	_, err = NewHiddenLayer(rt, 0, 3, HiddenLayerConfig{})
	assert.ErrorContains(t, err, "invalid layer dimensions")

	badW, err := tensor.Zeros([]int{3, 3})
	require.NoError(t, err)
	goodB, err := tensor.Zeros([]int{3})
	require.NoError(t, err)
	_, err = NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{W: badW, B: goodB})
	assert.ErrorContains(t, err, "weights shape")

	_, err = NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{LRMultiplier: []float32{1}})
	assert.ErrorContains(t, err, "learning rate multiplier")
}

func TestHiddenLayerDefaultLRMultiplier(t *testing.T) {
	rt := newTestRuntime(t, 1)
	layer, err := NewHiddenLayer(rt, 16, 4, HiddenLayerConfig{})
	require.NoError(t, err)

	want := float32(1.0 / 4.0) // 1/sqrt(16)
	assert.Equal(t, [2]float32{want, want}, layer.LRMultiplier())

	custom, err := NewHiddenLayer(rt, 16, 4, HiddenLayerConfig{LRMultiplier: []float32{0.5, 2}})
	require.NoError(t, err)
	assert.Equal(t, [2]float32{0.5, 2}, custom.LRMultiplier())
}

func TestDropoutFromBool(t *testing.T) {
	assert.Equal(t, float32(0.5), DropoutFromBool(true))
	assert.Equal(t, float32(0), DropoutFromBool(false))
}

func TestHiddenLayerFeedForwardShapeMismatch(t *testing.T) {
	rt := newTestRuntime(t, 1)
	layer, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{2, 5}, make([]float32, 10))
	_, err = layer.FeedForward(input, false)
	assert.ErrorContains(t, err, "does not match number of inputs")
}

func TestHiddenLayerNoDropoutIsDeterministic(t *testing.T) {
	rt := newTestRuntime(t, 3)
	layer, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{2, 4}, []float32{
		0.1, -0.2, 0.3, 0.4,
		-0.5, 0.6, -0.7, 0.8,
	})

	first, err := layer.FeedForward(input, false)
	require.NoError(t, err)
	assert.Equal(t, CacheActivations, first.Kind)
	assert.Nil(t, first.Mask)

	second, err := layer.FeedForward(input, false)
	require.NoError(t, err)

	assert.Equal(t, hostData(t, first.Activations), hostData(t, second.Activations))
	first.Release()
	second.Release()
}

func TestHiddenLayerDropoutPredictionScaling(t *testing.T) {
	const p = 0.3
	rt := newTestRuntime(t, 5)

	wData := []float32{0.4, -0.6, 0.25, -0.5, -0.15, -0.4}
	bData := []float32{0.2, -0.1}
	makeLayer := func(dropout float32) *HiddenLayer {
		W, err := tensor.New([]int{3, 2}, clone(wData))
		require.NoError(t, err)
		b, err := tensor.New([]int{2}, clone(bData))
		require.NoError(t, err)
		layer, err := NewHiddenLayer(rt, 3, 2, HiddenLayerConfig{Dropout: dropout, W: W, B: b})
		require.NoError(t, err)
		return layer
	}

	input := deviceTensor(t, rt, []int{2, 3}, []float32{0.5, -0.3, 0.8, -0.2, 0.7, 0.1})

	plain, err := makeLayer(0).FeedForward(input, false)
	require.NoError(t, err)
	pred, err := makeLayer(p).FeedForward(input, true)
	require.NoError(t, err)
	assert.Equal(t, CacheActivations, pred.Kind)

	base := hostData(t, plain.Activations)
	scaled := hostData(t, pred.Activations)
	for i := range base {
		assert.InDeltaf(t, base[i]*(1-p), scaled[i], 1e-6, "activation %d", i)
	}
}

func TestHiddenLayerDropoutTrainingMask(t *testing.T) {
	rt := newTestRuntime(t, 11)
	layer, err := NewHiddenLayer(rt, 6, 50, HiddenLayerConfig{Dropout: 0.5})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{4, 6}, []float32{
		0.1, 0.2, 0.3, 0.4, 0.5, 0.6,
		-0.1, -0.2, -0.3, -0.4, -0.5, -0.6,
		0.6, 0.5, 0.4, 0.3, 0.2, 0.1,
		-0.6, -0.5, -0.4, -0.3, -0.2, -0.1,
	})

	cache, err := layer.FeedForward(input, false)
	require.NoError(t, err)
	require.Equal(t, CacheActivationsWithMask, cache.Kind)
	require.NotNil(t, cache.Mask)
	assert.Equal(t, cache.Activations.Shape, cache.Mask.Shape)

	mask := hostData(t, cache.Mask)
	acts := hostData(t, cache.Activations)
	var dropped int
	for i, m := range mask {
		require.True(t, m == 0 || m == 1, "mask entry %d is %v", i, m)
		if m == 0 {
			assert.Zero(t, acts[i])
			dropped++
		}
	}
	// With p=0.5 over 200 units the mask drops some but not all entries.
	assert.Greater(t, dropped, 0)
	assert.Less(t, dropped, len(mask))
}

func TestHiddenLayerDropoutBackpropBlocksDroppedUnits(t *testing.T) {
	rt := newTestRuntime(t, 37)

	wData := []float32{
		0.1, -0.2, 0.3,
		0.4, 0.5, -0.6,
		-0.7, 0.8, 0.9,
		1.0, -1.1, 1.2,
	}
	W, err := tensor.New([]int{4, 3}, clone(wData))
	require.NoError(t, err)
	b, err := tensor.New([]int{3}, []float32{0.1, -0.2, 0.3})
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{
		Activation: matrix.Linear,
		Dropout:    0.5,
		W:          W,
		B:          b,
	})
	require.NoError(t, err)

	inData := []float32{
		0.5, -0.3, 0.8, 0.2,
		-0.2, 0.7, 0.1, -0.5,
		0.9, 0.4, -0.6, 0.3,
		-0.1, -0.8, 0.2, 0.6,
		0.3, 0.1, -0.4, -0.7,
	}
	input := deviceTensor(t, rt, []int{5, 4}, clone(inData))

	cache, err := layer.FeedForward(input, false)
	require.NoError(t, err)
	require.Equal(t, CacheActivationsWithMask, cache.Kind)
	mask := clone(hostData(t, cache.Mask))

	dfOutData := []float32{
		1, -0.5, 0.25,
		0.75, 2, -1,
		0.5, -0.25, 1.5,
		-2, 1, 0.5,
		0.25, -1.5, 0.75,
	}
	dfOutput := deviceTensor(t, rt, []int{5, 3}, clone(dfOutData))

	grads, dfInput, err := layer.Backprop(input, dfOutput, cache)
	require.NoError(t, err)

	// Linear activation: delta = mask ⊙ df_output, so dropped units
	// contribute nothing to any gradient.
	delta := make([]float32, len(dfOutData))
	for i := range delta {
		delta[i] = mask[i] * dfOutData[i]
	}

	dfB := hostData(t, grads.B)
	for j := 0; j < 3; j++ {
		var want float64
		for i := 0; i < 5; i++ {
			want += float64(delta[i*3+j])
		}
		assert.InDeltaf(t, want, float64(dfB[j]), 1e-5, "df_b[%d]", j)
	}

	dfW := hostData(t, grads.W)
	for p := 0; p < 4; p++ {
		for j := 0; j < 3; j++ {
			var want float64
			for i := 0; i < 5; i++ {
				want += float64(inData[i*4+p]) * float64(delta[i*3+j])
			}
			assert.InDeltaf(t, want, float64(dfW[p*3+j]), 1e-5, "df_W (%d,%d)", p, j)
		}
	}

	dfIn := hostData(t, dfInput)
	for i := 0; i < 5; i++ {
		for p := 0; p < 4; p++ {
			var want float64
			for j := 0; j < 3; j++ {
				want += float64(delta[i*3+j]) * float64(wData[p*3+j])
			}
			assert.InDeltaf(t, want, float64(dfIn[i*4+p]), 1e-5, "df_input (%d,%d)", i, p)
		}
	}
}

func TestHiddenLayerDropoutBackpropRecomputeSamplesMask(t *testing.T) {
	rt := newTestRuntime(t, 41)
	W, err := tensor.New([]int{3, 4}, []float32{
		0.2, -0.3, 0.4, -0.5,
		0.6, 0.7, -0.8, 0.9,
		-0.1, 0.2, 0.3, -0.4,
	})
	require.NoError(t, err)
	b, err := tensor.New([]int{4}, []float32{0.1, 0.2, -0.3, 0.4})
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 3, 4, HiddenLayerConfig{
		Activation: matrix.Linear,
		Dropout:    0.5,
		W:          W,
		B:          b,
	})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{6, 3}, []float32{
		0.5, -0.3, 0.8,
		-0.2, 0.7, 0.1,
		0.9, 0.4, -0.6,
		-0.1, -0.8, 0.2,
		0.3, 0.1, -0.4,
		0.6, -0.5, 0.7,
	})

	ones := make([]float32, 24)
	for i := range ones {
		ones[i] = 1
	}
	dfOutput := deviceTensor(t, rt, []int{6, 4}, ones)

	grads, _, err := layer.Backprop(input, dfOutput, nil)
	require.NoError(t, err)

	// The recomputed forward pass samples a fresh mask and applies it to
	// df_output in place, so the mutated df_output is the mask itself here.
	masked := hostData(t, dfOutput)
	var dropped, kept int
	for i, v := range masked {
		require.Truef(t, v == 0 || v == 1, "df_output[%d] is %v", i, v)
		if v == 0 {
			dropped++
		} else {
			kept++
		}
	}
	assert.Greater(t, dropped, 0)
	assert.Greater(t, kept, 0)

	dfB := hostData(t, grads.B)
	for j := 0; j < 4; j++ {
		var want float64
		for i := 0; i < 6; i++ {
			want += float64(masked[i*4+j])
		}
		assert.InDeltaf(t, want, float64(dfB[j]), 1e-5, "df_b[%d]", j)
	}
}

type failingSampler struct{}

func (failingSampler) FillUniform(device.Buffer) error {
	return errors.New("sampler offline")
}

func TestNewHiddenLayerReleasesWeightsOnInitFailure(t *testing.T) {
	pool := device.NewPool(0)
	kernels, err := matrix.NewHostKernels(pool)
	require.NoError(t, err)
	rt, err := NewRuntime(kernels, pool, failingSampler{})
	require.NoError(t, err)

	_, err = NewHiddenLayer(rt, 8, 4, HiddenLayerConfig{})
	assert.ErrorContains(t, err, "sampling initial weights")
	assert.Zero(t, pool.InUse())

	_, err = NewSoftmaxLayer(rt, 8, 4, SoftmaxLayerConfig{})
	assert.ErrorContains(t, err, "sampling initial weights")
	assert.Zero(t, pool.InUse())
}

// gradCheckCase holds a small fixed problem for finite-difference checks.
// The relu pre-activations stay away from the kink so the numerical
// derivative is well defined.
type gradCheckCase struct {
	nIn, nUnits, batch int
	w, b, in, r        []float32
}

func defaultGradCase() gradCheckCase {
	return gradCheckCase{
		nIn: 3, nUnits: 2, batch: 2,
		w:  []float32{0.4, -0.6, 0.25, -0.5, -0.15, -0.4},
		b:  []float32{0.2, -0.1},
		in: []float32{0.5, -0.3, 0.8, -0.2, 0.7, 0.1},
		r:  []float32{1.0, -0.5, 0.25, 0.75},
	}
}

// loss computes sum(r ⊙ activations) for the given parameter values.
func (c gradCheckCase) loss(t *testing.T, act matrix.Activation, w, b, in []float32) float64 {
	t.Helper()
	rt := newTestRuntime(t, 7)
	W, err := tensor.New([]int{c.nIn, c.nUnits}, clone(w))
	require.NoError(t, err)
	B, err := tensor.New([]int{c.nUnits}, clone(b))
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, c.nIn, c.nUnits, HiddenLayerConfig{Activation: act, W: W, B: B})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{c.batch, c.nIn}, clone(in))
	cache, err := layer.FeedForward(input, false)
	require.NoError(t, err)
	defer cache.Release()

	acts := hostData(t, cache.Activations)
	var loss float64
	for i := range acts {
		loss += float64(acts[i]) * float64(c.r[i])
	}
	return loss
}

func checkGradEntry(t *testing.T, name string, i int, analytic, numeric float64) {
	t.Helper()
	tol := math.Max(5e-3, 2e-2*math.Abs(analytic))
	assert.InDeltaf(t, analytic, numeric, tol, "%s[%d]: analytic %v numeric %v", name, i, analytic, numeric)
}

func TestHiddenLayerGradientCheck(t *testing.T) {
	const eps = 1e-2
	c := defaultGradCase()

	for _, act := range []matrix.Activation{matrix.Sigmoid, matrix.Tanh, matrix.ReLU, matrix.Linear} {
		t.Run(act.String(), func(t *testing.T) {
			rt := newTestRuntime(t, 7)
			W, err := tensor.New([]int{c.nIn, c.nUnits}, clone(c.w))
			require.NoError(t, err)
			B, err := tensor.New([]int{c.nUnits}, clone(c.b))
			require.NoError(t, err)
			layer, err := NewHiddenLayer(rt, c.nIn, c.nUnits, HiddenLayerConfig{Activation: act, W: W, B: B})
			require.NoError(t, err)

			input := deviceTensor(t, rt, []int{c.batch, c.nIn}, clone(c.in))
			dfOutput := deviceTensor(t, rt, []int{c.batch, c.nUnits}, clone(c.r))

			grads, dfInput, err := layer.Backprop(input, dfOutput, nil)
			require.NoError(t, err)

			dfW := hostData(t, grads.W)
			for i := range c.w {
				up, down := clone(c.w), clone(c.w)
				up[i] += eps
				down[i] -= eps
				numeric := (c.loss(t, act, up, c.b, c.in) - c.loss(t, act, down, c.b, c.in)) / (2 * eps)
				checkGradEntry(t, "df_W", i, float64(dfW[i]), numeric)
			}

			dfB := hostData(t, grads.B)
			for i := range c.b {
				up, down := clone(c.b), clone(c.b)
				up[i] += eps
				down[i] -= eps
				numeric := (c.loss(t, act, c.w, up, c.in) - c.loss(t, act, c.w, down, c.in)) / (2 * eps)
				checkGradEntry(t, "df_b", i, float64(dfB[i]), numeric)
			}

			dfIn := hostData(t, dfInput)
			for i := range c.in {
				up, down := clone(c.in), clone(c.in)
				up[i] += eps
				down[i] -= eps
				numeric := (c.loss(t, act, c.w, c.b, up) - c.loss(t, act, c.w, c.b, down)) / (2 * eps)
				checkGradEntry(t, "df_input", i, float64(dfIn[i]), numeric)
			}
		})
	}
}

func TestHiddenLayerLinearClosedForm(t *testing.T) {
	rt := newTestRuntime(t, 9)

	wData := []float32{
		0.1, 0.2, 0.3,
		-0.4, 0.5, -0.6,
		0.7, -0.8, 0.9,
		-1.0, 1.1, -1.2,
	}
	bData := []float32{0.5, -0.25, 0.75}
	inData := []float32{
		1, 2, 3, 4,
		-1, 0.5, -2, 1.5,
	}
	dData := []float32{
		0.2, -0.1, 0.4,
		-0.3, 0.6, 0.1,
	}

	W, err := tensor.New([]int{4, 3}, clone(wData))
	require.NoError(t, err)
	b, err := tensor.New([]int{3}, clone(bData))
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{Activation: matrix.Linear, W: W, B: b})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{2, 4}, clone(inData))
	cache, err := layer.FeedForward(input, false)
	require.NoError(t, err)

	// Linear activation is the identity: activations = input·W + b.
	acts := hostData(t, cache.Activations)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			var want float64
			for p := 0; p < 4; p++ {
				want += float64(inData[i*4+p]) * float64(wData[p*3+j])
			}
			want += float64(bData[j])
			assert.InDeltaf(t, want, float64(acts[i*3+j]), 1e-5, "activation (%d,%d)", i, j)
		}
	}

	dfOutput := deviceTensor(t, rt, []int{2, 3}, clone(dData))
	grads, dfInput, err := layer.Backprop(input, dfOutput, cache)
	require.NoError(t, err)

	dfW := hostData(t, grads.W)
	for p := 0; p < 4; p++ {
		for j := 0; j < 3; j++ {
			var want float64
			for i := 0; i < 2; i++ {
				want += float64(inData[i*4+p]) * float64(dData[i*3+j])
			}
			assert.InDeltaf(t, want, float64(dfW[p*3+j]), 1e-5, "df_W (%d,%d)", p, j)
		}
	}

	dfB := hostData(t, grads.B)
	for j := 0; j < 3; j++ {
		want := float64(dData[j]) + float64(dData[3+j])
		assert.InDeltaf(t, want, float64(dfB[j]), 1e-5, "df_b (%d)", j)
	}

	dfIn := hostData(t, dfInput)
	for i := 0; i < 2; i++ {
		for p := 0; p < 4; p++ {
			var want float64
			for j := 0; j < 3; j++ {
				want += float64(dData[i*3+j]) * float64(wData[p*3+j])
			}
			assert.InDeltaf(t, want, float64(dfIn[i*4+p]), 1e-5, "df_input (%d,%d)", i, p)
		}
	}
}

func TestHiddenLayerBackpropRecomputesCache(t *testing.T) {
	rt := newTestRuntime(t, 13)
	W, err := tensor.New([]int{3, 2}, []float32{0.4, -0.6, 0.25, -0.5, -0.15, -0.4})
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, []float32{0.2, -0.1})
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 3, 2, HiddenLayerConfig{W: W, B: b})
	require.NoError(t, err)

	input := deviceTensor(t, rt, []int{2, 3}, []float32{0.5, -0.3, 0.8, -0.2, 0.7, 0.1})
	dfOutput := deviceTensor(t, rt, []int{2, 2}, []float32{1, -0.5, 0.25, 0.75})
	dfOutput2 := deviceTensor(t, rt, []int{2, 2}, []float32{1, -0.5, 0.25, 0.75})

	cache, err := layer.FeedForward(input, false)
	require.NoError(t, err)

	withCache, dfInWith, err := layer.Backprop(input, dfOutput, cache)
	require.NoError(t, err)
	withoutCache, dfInWithout, err := layer.Backprop(input, dfOutput2, nil)
	require.NoError(t, err)

	assert.Equal(t, hostData(t, withCache.W), hostData(t, withoutCache.W))
	assert.Equal(t, hostData(t, withCache.B), hostData(t, withoutCache.B))
	assert.Equal(t, hostData(t, dfInWith), hostData(t, dfInWithout))
}

func TestHiddenLayerWeightDecayGradient(t *testing.T) {
	rt := newTestRuntime(t, 17)
	const l1, l2 = 0.1, 0.05

	wData := []float32{0.4, -0.6, 0.25, -0.5, -0.15, -0.4}
	newLayer := func(l1w, l2w float32) *HiddenLayer {
		W, err := tensor.New([]int{3, 2}, clone(wData))
		require.NoError(t, err)
		b, err := tensor.New([]int{2}, []float32{0.2, -0.1})
		require.NoError(t, err)
		layer, err := NewHiddenLayer(rt, 3, 2, HiddenLayerConfig{
			Activation:      matrix.Linear,
			W:               W,
			B:               b,
			L1PenaltyWeight: l1w,
			L2PenaltyWeight: l2w,
		})
		require.NoError(t, err)
		return layer
	}

	input := deviceTensor(t, rt, []int{2, 3}, []float32{0.5, -0.3, 0.8, -0.2, 0.7, 0.1})
	dfOutput := deviceTensor(t, rt, []int{2, 2}, []float32{1, -0.5, 0.25, 0.75})
	dfOutput2 := deviceTensor(t, rt, []int{2, 2}, []float32{1, -0.5, 0.25, 0.75})

	plain, _, err := newLayer(0, 0).Backprop(input, dfOutput, nil)
	require.NoError(t, err)
	decayed, _, err := newLayer(l1, l2).Backprop(input, dfOutput2, nil)
	require.NoError(t, err)

	plainW := hostData(t, plain.W)
	decayedW := hostData(t, decayed.W)
	for i, w := range wData {
		sign := float32(0)
		if w > 0 {
			sign = 1
		} else if w < 0 {
			sign = -1
		}
		want := plainW[i] + l1*sign + l2*w
		assert.InDeltaf(t, want, decayedW[i], 1e-6, "df_W[%d]", i)
	}

	// Decay applies to the weight gradient only, never the bias gradient.
	assert.Equal(t, hostData(t, plain.B), hostData(t, decayed.B))
}

func TestHiddenLayerPenaltyAccessors(t *testing.T) {
	rt := newTestRuntime(t, 19)
	W, err := tensor.New([]int{2, 2}, []float32{1, -2, 3, -4})
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, []float32{0, 0})
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 2, 2, HiddenLayerConfig{
		W:               W,
		B:               b,
		L1PenaltyWeight: 0.1,
		L2PenaltyWeight: 0.2,
	})
	require.NoError(t, err)

	l1, err := layer.L1Penalty()
	require.NoError(t, err)
	assert.InDelta(t, 0.1*10, float64(l1), 1e-5)

	l2, err := layer.L2Penalty()
	require.NoError(t, err)
	assert.InDelta(t, 0.2*0.5*30, float64(l2), 1e-5)
}

func TestHiddenLayerUpdateParameters(t *testing.T) {
	rt := newTestRuntime(t, 23)
	wData := []float32{0.1, 0.2, 0.3, 0.4}
	bData := []float32{-0.5, 0.5}
	W, err := tensor.New([]int{2, 2}, clone(wData))
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, clone(bData))
	require.NoError(t, err)
	layer, err := NewHiddenLayer(rt, 2, 2, HiddenLayerConfig{W: W, B: b})
	require.NoError(t, err)

	// A zero gradient must leave the parameters untouched.
	zeroW := deviceTensor(t, rt, []int{2, 2}, make([]float32, 4))
	zeroB := deviceTensor(t, rt, []int{2}, make([]float32, 2))
	err = layer.UpdateParameters([]GradientUpdate{
		{Grad: zeroW, Mult: -0.5},
		{Grad: zeroB, Mult: -0.5},
	}, device.DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, wData, hostData(t, layer.W))
	assert.Equal(t, bData, hostData(t, layer.b))

	// The multiplier is applied as-is: param + mult·grad, no negation.
	gradW := deviceTensor(t, rt, []int{2, 2}, []float32{1, 1, 1, 1})
	gradB := deviceTensor(t, rt, []int{2}, []float32{2, 2})
	err = layer.UpdateParameters([]GradientUpdate{
		{Grad: gradW, Mult: -0.1},
		{Grad: gradB, Mult: -0.1},
	}, device.DefaultStream)
	require.NoError(t, err)
	newW := hostData(t, layer.W)
	for i := range wData {
		assert.InDeltaf(t, wData[i]-0.1, newW[i], 1e-6, "W[%d]", i)
	}
	newB := hostData(t, layer.b)
	for i := range bData {
		assert.InDeltaf(t, bData[i]-0.2, newB[i], 1e-6, "b[%d]", i)
	}

	err = layer.UpdateParameters([]GradientUpdate{{Grad: gradW, Mult: 1}}, device.DefaultStream)
	assert.ErrorContains(t, err, "expected 2 gradient entries")
}

func TestHiddenLayerArchitecture(t *testing.T) {
	rt := newTestRuntime(t, 29)
	layer, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{Activation: matrix.ReLU})
	require.NoError(t, err)

	arch := layer.Architecture()
	assert.Equal(t, "HiddenLayer", arch.Class)
	assert.Equal(t, 4, arch.NIn)
	assert.Equal(t, 3, arch.NUnits)
	assert.Equal(t, "relu", arch.Activation)
}

func TestHiddenLayerSetParameters(t *testing.T) {
	rt := newTestRuntime(t, 31)
	layer, err := NewHiddenLayer(rt, 2, 2, HiddenLayerConfig{})
	require.NoError(t, err)

	// Host-resident tensors are transferred on set.
	W, err := tensor.New([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, []float32{5, 6})
	require.NoError(t, err)
	require.NoError(t, layer.SetParameters(W, b))
	assert.True(t, W.OnDevice())
	assert.True(t, b.OnDevice())

	gotW, gotB := layer.Parameters()
	assert.Equal(t, []float32{1, 2, 3, 4}, hostData(t, gotW))
	assert.Equal(t, []float32{5, 6}, hostData(t, gotB))

	badB, err := tensor.Zeros([]int{3})
	require.NoError(t, err)
	assert.ErrorContains(t, layer.SetParameters(W, badB), "bias shape")
}
