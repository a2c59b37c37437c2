// Package device defines the contracts the layer core consumes from the
// accelerator runtime: pooled buffer allocation, uniform random sampling,
// and command streams. The core never talks to an accelerator directly; it
// receives these collaborators at construction time. Pool and UniformSampler
// are host-backed reference implementations so the library runs and tests
// without an accelerator attached.
package device

// Buffer is a single device-resident allocation. The runtime targets
// unified-memory accelerators, so buffer contents stay host visible through
// Float32s and kernel libraries may read and write the slice directly.
type Buffer interface {
	// Float32s returns the buffer contents as a float32 slice. The slice
	// aliases device memory and may be longer than requested when the
	// allocator rounds sizes up.
	Float32s() []float32

	// Size returns the buffer size in bytes.
	Size() int64

	// Release returns the buffer to its allocator. Using the buffer after
	// Release is a bug.
	Release()
}

// Allocator hands out device buffers. All parameter and intermediate
// storage in the layer core goes through an Allocator.
type Allocator interface {
	// Allocate returns a buffer of at least size bytes.
	Allocate(size int64) (Buffer, error)

	// Free returns a buffer obtained from Allocate.
	Free(Buffer)
}

// Sampler fills device buffers with i.i.d. uniform [0,1) values. The layer
// core uses it for weight initialization and dropout masks.
type Sampler interface {
	FillUniform(buf Buffer) error
}

// Stream identifies an accelerator command stream. Parameter updates accept
// a stream so callers can overlap updates across layers; everything else
// runs on the default stream. The host reference backend executes all work
// in order and treats streams as opaque tokens.
type Stream int

// DefaultStream is the stream used when the caller does not care about
// overlap.
const DefaultStream Stream = 0
