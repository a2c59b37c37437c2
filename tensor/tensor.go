// Package tensor provides the device-handle matrix type shared by the
// kernel and layer packages.
package tensor

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-nnlayers/gpu/device"
)

// Tensor is a matrix or vector of float32 values mirrored between host
// memory and a device buffer. Data always holds the host copy; the device
// buffer exists from EnsureDevice until Release. Kernel operations require
// device residency and leave their results on the device, so callers read
// results back through RetrieveHost.
type Tensor struct {
	Shape []int
	Data  []float32

	buf      device.Buffer
	alloc    device.Allocator
	onDevice bool
}

// New creates a host-backed tensor. A nil data slice allocates zeroed
// storage matching the shape.
func New(shape []int, data []float32) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, errors.New("tensor shape must have at least one dimension")
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
		size *= dim
	}
	if data == nil {
		data = make([]float32, size)
	}
	if len(data) != size {
		return nil, errors.Errorf("data length (%d) does not match shape dimensions (%d)", len(data), size)
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// Zeros creates a zero-filled host-backed tensor.
func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// EnsureDevice makes the tensor device resident, transferring the host data
// into a buffer from alloc. It is a no-op when already resident.
func (t *Tensor) EnsureDevice(alloc device.Allocator) error {
	if t.onDevice {
		return nil
	}
	if alloc == nil {
		return errors.New("nil allocator")
	}
	buf, err := alloc.Allocate(int64(len(t.Data)) * 4)
	if err != nil {
		return errors.Wrapf(err, "allocating device buffer for shape %v", t.Shape)
	}
	copy(buf.Float32s(), t.Data)
	t.buf = buf
	t.alloc = alloc
	t.onDevice = true
	return nil
}

// RetrieveHost copies the device contents back into Data. The tensor stays
// device resident; this is the synchronization point for host-side reads
// and scalar extraction.
func (t *Tensor) RetrieveHost() error {
	if !t.onDevice {
		return nil
	}
	if t.buf == nil {
		return errors.New("tensor marked device resident but has no buffer")
	}
	copy(t.Data, t.buf.Float32s()[:len(t.Data)])
	return nil
}

// OnDevice reports whether the tensor currently holds a device buffer.
func (t *Tensor) OnDevice() bool {
	return t.onDevice
}

// DeviceData returns the device-resident contents, sized to the tensor.
// Kernel implementations operate on this slice.
func (t *Tensor) DeviceData() ([]float32, error) {
	if !t.onDevice || t.buf == nil {
		return nil, errors.Errorf("tensor with shape %v is not device resident", t.Shape)
	}
	return t.buf.Float32s()[:len(t.Data)], nil
}

// Buffer exposes the underlying device buffer for collaborators that fill
// raw device memory, such as samplers. Nil when not device resident.
func (t *Tensor) Buffer() device.Buffer {
	return t.buf
}

// Release returns the device buffer to its allocator. Safe to call more
// than once; the host Data is unaffected and keeps whatever RetrieveHost
// last copied into it.
func (t *Tensor) Release() {
	if !t.onDevice {
		return
	}
	if t.buf == nil {
		klog.Warningf("release of tensor with shape %v that has no device buffer", t.Shape)
		t.onDevice = false
		return
	}
	t.alloc.Free(t.buf)
	t.buf = nil
	t.onDevice = false
}
