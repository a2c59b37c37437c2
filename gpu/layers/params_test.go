package layers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-nnlayers/tensor"
)

func TestSaveLoadParametersRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, 1)
	path := filepath.Join(t.TempDir(), "layer.params")

	wData := []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6}
	bData := []float32{1.5, -2.5}
	W := deviceTensor(t, rt, []int{3, 2}, clone(wData))
	b := deviceTensor(t, rt, []int{2}, clone(bData))

	require.NoError(t, SaveParameters(path, W, b))

	gotW, gotB, err := LoadParameters(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, gotW.Shape)
	assert.Equal(t, []int{2}, gotB.Shape)
	assert.Equal(t, wData, gotW.Data)
	assert.Equal(t, bData, gotB.Data)
}

func TestLoadParametersMissingFile(t *testing.T) {
	_, _, err := LoadParameters(filepath.Join(t.TempDir(), "absent.params"))
	assert.Error(t, err)
}

func TestNewHiddenLayerFromParametersPath(t *testing.T) {
	rt := newTestRuntime(t, 3)
	path := filepath.Join(t.TempDir(), "hidden.params")

	original, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{})
	require.NoError(t, err)
	W, b := original.Parameters()
	require.NoError(t, SaveParameters(path, W, b))
	wData := clone(hostData(t, W))

	restored, err := NewHiddenLayer(rt, 4, 3, HiddenLayerConfig{ParametersPath: path})
	require.NoError(t, err)
	gotW, gotB := restored.Parameters()
	assert.Equal(t, wData, hostData(t, gotW))
	for _, v := range hostData(t, gotB) {
		assert.Zero(t, v)
	}
}

func TestNewSoftmaxLayerFromParametersPathShapeMismatch(t *testing.T) {
	rt := newTestRuntime(t, 5)
	path := filepath.Join(t.TempDir(), "softmax.params")

	W, err := tensor.New([]int{3, 2}, make([]float32, 6))
	require.NoError(t, err)
	b, err := tensor.New([]int{2}, make([]float32, 2))
	require.NoError(t, err)
	require.NoError(t, W.EnsureDevice(rt.Alloc))
	require.NoError(t, b.EnsureDevice(rt.Alloc))
	require.NoError(t, SaveParameters(path, W, b))

	_, err = NewSoftmaxLayer(rt, 5, 2, SoftmaxLayerConfig{ParametersPath: path})
	assert.ErrorContains(t, err, "weights shape")
}
