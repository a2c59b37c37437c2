package device

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// UniformSampler is a seeded host-side Sampler. A fixed seed makes weight
// initialization and dropout masks reproducible, which the tests rely on.
type UniformSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewUniformSampler creates a sampler seeded with seed.
func NewUniformSampler(seed int64) *UniformSampler {
	return &UniformSampler{rng: rand.New(rand.NewSource(seed))}
}

// FillUniform fills buf with i.i.d. uniform [0,1) values.
func (s *UniformSampler) FillUniform(buf Buffer) error {
	if buf == nil {
		return errors.New("cannot fill nil buffer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data := buf.Float32s()
	for i := range data {
		data[i] = s.rng.Float32()
	}
	return nil
}
