package matrix

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-nnlayers/gpu/device"
	"github.com/tsawler/go-nnlayers/tensor"
)

// HostKernels is a reference Kernels implementation that executes on the
// host. Matrix products go through gonum; everything else is straight loops
// over the device buffers. It keeps the layer core runnable and testable on
// machines without an accelerator attached.
type HostKernels struct {
	alloc device.Allocator
}

// NewHostKernels creates a host backend allocating results from alloc.
func NewHostKernels(alloc device.Allocator) (*HostKernels, error) {
	if alloc == nil {
		return nil, errors.New("nil allocator")
	}
	return &HostKernels{alloc: alloc}, nil
}

func (k *HostKernels) newTensor(shape []int) (*tensor.Tensor, []float32, error) {
	t, err := tensor.New(shape, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := t.EnsureDevice(k.alloc); err != nil {
		return nil, nil, err
	}
	data, err := t.DeviceData()
	if err != nil {
		return nil, nil, err
	}
	return t, data, nil
}

func deviceMatrix(t *tensor.Tensor) (*mat.Dense, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("expected 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.DeviceData()
	if err != nil {
		return nil, err
	}
	wide := make([]float64, len(data))
	for i, v := range data {
		wide[i] = float64(v)
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], wide), nil
}

// MatMul computes a·b with optional transposition through gonum.
func (k *HostKernels) MatMul(a, b *tensor.Tensor, transA, transB bool) (*tensor.Tensor, error) {
	am, err := deviceMatrix(a)
	if err != nil {
		return nil, errors.Wrap(err, "MatMul left operand")
	}
	bm, err := deviceMatrix(b)
	if err != nil {
		return nil, errors.Wrap(err, "MatMul right operand")
	}

	var left, right mat.Matrix = am, bm
	if transA {
		left = am.T()
	}
	if transB {
		right = bm.T()
	}
	lr, lc := left.Dims()
	rr, rc := right.Dims()
	if lc != rr {
		return nil, errors.Errorf("incompatible matrix dimensions for multiplication: %dx%d by %dx%d", lr, lc, rr, rc)
	}

	var prod mat.Dense
	prod.Mul(left, right)

	res, out, err := k.newTensor([]int{lr, rc})
	if err != nil {
		return nil, err
	}
	for i := 0; i < lr; i++ {
		for j := 0; j < rc; j++ {
			out[i*rc+j] = float32(prod.At(i, j))
		}
	}
	return res, nil
}

// AddBiasRows broadcast-adds the bias vector to every row of m in place.
func (k *HostKernels) AddBiasRows(m, bias *tensor.Tensor) error {
	if m.Rank() != 2 {
		return errors.Errorf("AddBiasRows requires a 2D tensor, got shape %v", m.Shape)
	}
	if bias.Rank() != 1 || bias.Shape[0] != m.Shape[1] {
		return errors.Errorf("bias shape %v does not match matrix columns %d", bias.Shape, m.Shape[1])
	}
	md, err := m.DeviceData()
	if err != nil {
		return err
	}
	bd, err := bias.DeviceData()
	if err != nil {
		return err
	}
	rows, cols := m.Shape[0], m.Shape[1]
	for i := 0; i < rows; i++ {
		row := md[i*cols : (i+1)*cols]
		for j := range row {
			row[j] += bd[j]
		}
	}
	return nil
}

// Apply applies fn to m in place.
func (k *HostKernels) Apply(fn Activation, m *tensor.Tensor) error {
	data, err := m.DeviceData()
	if err != nil {
		return err
	}
	switch fn {
	case Sigmoid:
		for i, v := range data {
			data[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case Tanh:
		for i, v := range data {
			data[i] = float32(math.Tanh(float64(v)))
		}
	case ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case Linear:
	default:
		return errors.Errorf("unknown activation function %d", fn)
	}
	return nil
}

// Derivative evaluates fn's derivative at the post-activation values.
func (k *HostKernels) Derivative(fn Activation, activations *tensor.Tensor) (*tensor.Tensor, error) {
	src, err := activations.DeviceData()
	if err != nil {
		return nil, err
	}
	res, out, err := k.newTensor(append([]int(nil), activations.Shape...))
	if err != nil {
		return nil, err
	}
	switch fn {
	case Sigmoid:
		for i, a := range src {
			out[i] = a * (1 - a)
		}
	case Tanh:
		for i, a := range src {
			out[i] = 1 - a*a
		}
	case ReLU:
		for i, a := range src {
			if a > 0 {
				out[i] = 1
			}
		}
	case Linear:
		for i := range src {
			out[i] = 1
		}
	default:
		res.Release()
		return nil, errors.Errorf("unknown activation function %d", fn)
	}
	return res, nil
}

func sameShape(a, b *tensor.Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Mul returns the elementwise product of a and b.
func (k *HostKernels) Mul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !sameShape(a, b) {
		return nil, errors.Errorf("shape mismatch for elementwise multiply: %v vs %v", a.Shape, b.Shape)
	}
	ad, err := a.DeviceData()
	if err != nil {
		return nil, err
	}
	bd, err := b.DeviceData()
	if err != nil {
		return nil, err
	}
	res, out, err := k.newTensor(append([]int(nil), a.Shape...))
	if err != nil {
		return nil, err
	}
	for i := range ad {
		out[i] = ad[i] * bd[i]
	}
	return res, nil
}

// MulInPlace computes dst ⊙ other into dst.
func (k *HostKernels) MulInPlace(dst, other *tensor.Tensor) error {
	if !sameShape(dst, other) {
		return errors.Errorf("shape mismatch for elementwise multiply: %v vs %v", dst.Shape, other.Shape)
	}
	dd, err := dst.DeviceData()
	if err != nil {
		return err
	}
	od, err := other.DeviceData()
	if err != nil {
		return err
	}
	for i := range dd {
		dd[i] *= od[i]
	}
	return nil
}

// Sub returns a - b elementwise.
func (k *HostKernels) Sub(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if !sameShape(a, b) {
		return nil, errors.Errorf("shape mismatch for subtraction: %v vs %v", a.Shape, b.Shape)
	}
	ad, err := a.DeviceData()
	if err != nil {
		return nil, err
	}
	bd, err := b.DeviceData()
	if err != nil {
		return nil, err
	}
	res, out, err := k.newTensor(append([]int(nil), a.Shape...))
	if err != nil {
		return nil, err
	}
	for i := range ad {
		out[i] = ad[i] - bd[i]
	}
	return res, nil
}

// Sign returns the elementwise sign of m.
func (k *HostKernels) Sign(m *tensor.Tensor) (*tensor.Tensor, error) {
	md, err := m.DeviceData()
	if err != nil {
		return nil, err
	}
	res, out, err := k.newTensor(append([]int(nil), m.Shape...))
	if err != nil {
		return nil, err
	}
	for i, v := range md {
		switch {
		case v > 0:
			out[i] = 1
		case v < 0:
			out[i] = -1
		}
	}
	return res, nil
}

// AddScaled computes dst += c·src in place.
func (k *HostKernels) AddScaled(dst, src *tensor.Tensor, c float32) error {
	if !sameShape(dst, src) {
		return errors.Errorf("shape mismatch for scaled add: %v vs %v", dst.Shape, src.Shape)
	}
	dd, err := dst.DeviceData()
	if err != nil {
		return err
	}
	sd, err := src.DeviceData()
	if err != nil {
		return err
	}
	for i := range dd {
		dd[i] += c * sd[i]
	}
	return nil
}

// Axpby computes y = a·y + b·x in place. The host backend executes all
// work in order, so the stream token is accepted and ignored.
func (k *HostKernels) Axpby(y, x *tensor.Tensor, a, b float32, _ device.Stream) error {
	if !sameShape(y, x) {
		return errors.Errorf("shape mismatch for axpby: %v vs %v", y.Shape, x.Shape)
	}
	yd, err := y.DeviceData()
	if err != nil {
		return err
	}
	xd, err := x.DeviceData()
	if err != nil {
		return err
	}
	for i := range yd {
		yd[i] = a*yd[i] + b*xd[i]
	}
	return nil
}

// Scale multiplies m by c in place.
func (k *HostKernels) Scale(m *tensor.Tensor, c float32) error {
	data, err := m.DeviceData()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] *= c
	}
	return nil
}

// AddScalar adds c to every element of m in place.
func (k *HostKernels) AddScalar(m *tensor.Tensor, c float32) error {
	data, err := m.DeviceData()
	if err != nil {
		return err
	}
	for i := range data {
		data[i] += c
	}
	return nil
}

// ZeroNaNs replaces NaN entries of m with zero in place.
func (k *HostKernels) ZeroNaNs(m *tensor.Tensor) error {
	data, err := m.DeviceData()
	if err != nil {
		return err
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) {
			data[i] = 0
		}
	}
	return nil
}

// MaskFromUniform binarizes a uniform fill into a dropout mask in place.
func (k *HostKernels) MaskFromUniform(m *tensor.Tensor, p float32) error {
	data, err := m.DeviceData()
	if err != nil {
		return err
	}
	for i, v := range data {
		if v <= p {
			data[i] = 0
		} else {
			data[i] = 1
		}
	}
	return nil
}

// SumColumns reduces over rows, returning per-column totals.
func (k *HostKernels) SumColumns(m *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Rank() != 2 {
		return nil, errors.Errorf("SumColumns requires a 2D tensor, got shape %v", m.Shape)
	}
	md, err := m.DeviceData()
	if err != nil {
		return nil, err
	}
	rows, cols := m.Shape[0], m.Shape[1]
	res, out, err := k.newTensor([]int{cols})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		row := md[i*cols : (i+1)*cols]
		for j, v := range row {
			out[j] += v
		}
	}
	return res, nil
}

// Softmax returns the row-wise softmax of m. Each row is shifted by its
// maximum before exponentiation to keep large logits finite.
func (k *HostKernels) Softmax(m *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Rank() != 2 {
		return nil, errors.Errorf("Softmax requires a 2D tensor, got shape %v", m.Shape)
	}
	md, err := m.DeviceData()
	if err != nil {
		return nil, err
	}
	rows, cols := m.Shape[0], m.Shape[1]
	res, out, err := k.newTensor([]int{rows, cols})
	if err != nil {
		return nil, err
	}
	for i := 0; i < rows; i++ {
		row := md[i*cols : (i+1)*cols]
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		dst := out[i*cols : (i+1)*cols]
		for j, v := range row {
			e := math.Exp(float64(v - max))
			dst[j] = float32(e)
			sum += e
		}
		for j := range dst {
			dst[j] = float32(float64(dst[j]) / sum)
		}
	}
	return res, nil
}

// CrossEntropy returns -Σ targets·log(activations) as a host scalar.
func (k *HostKernels) CrossEntropy(activations, targets *tensor.Tensor) (float32, error) {
	if !sameShape(activations, targets) {
		return 0, errors.Errorf("shape mismatch for cross entropy: %v vs %v", activations.Shape, targets.Shape)
	}
	ad, err := activations.DeviceData()
	if err != nil {
		return 0, err
	}
	td, err := targets.DeviceData()
	if err != nil {
		return 0, err
	}
	var loss float64
	for i, t := range td {
		if t == 0 {
			continue
		}
		loss -= float64(t) * math.Log(float64(ad[i]+Eps))
	}
	return float32(loss), nil
}

// KLDivergence returns Σ targets·(log(targets+eps) - log(activations+eps)).
// NaN target entries contribute zero, matching the policy that degenerate
// loss contributions count as zero.
func (k *HostKernels) KLDivergence(activations, targets *tensor.Tensor, eps float32) (float32, error) {
	if !sameShape(activations, targets) {
		return 0, errors.Errorf("shape mismatch for KL divergence: %v vs %v", activations.Shape, targets.Shape)
	}
	ad, err := activations.DeviceData()
	if err != nil {
		return 0, err
	}
	td, err := targets.DeviceData()
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, t := range td {
		if math.IsNaN(float64(t)) || t == 0 {
			continue
		}
		sum += float64(t) * (math.Log(float64(t+eps)) - math.Log(float64(ad[i]+eps)))
	}
	return float32(sum), nil
}

// SumAbs returns Σ|m| as a host scalar.
func (k *HostKernels) SumAbs(m *tensor.Tensor) (float32, error) {
	data, err := m.DeviceData()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range data {
		sum += math.Abs(float64(v))
	}
	return float32(sum), nil
}

// SumSquares returns Σ m² as a host scalar.
func (k *HostKernels) SumSquares(m *tensor.Tensor) (float32, error) {
	data, err := m.DeviceData()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range data {
		sum += float64(v) * float64(v)
	}
	return float32(sum), nil
}
