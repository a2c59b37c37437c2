package device

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// bucketBytes is the allocation granularity. Rounding sizes up to a common
// multiple keeps the free lists short and makes reuse across equally shaped
// tensors cheap.
const bucketBytes = 256

// PoolStats tracks memory pool statistics.
type PoolStats struct {
	TotalAllocated  int64
	TotalFreed      int64
	PeakUsage       int64
	AllocationCount int64
	FreeCount       int64
	CacheHits       int64
	CacheMisses     int64
}

// Pool is a size-bucketed buffer pool implementing Allocator. Freed buffers
// are kept on per-size free lists and handed back out on the next matching
// Allocate instead of growing the heap.
type Pool struct {
	maxMemory    int64
	currentUsage int64
	freeBlocks   map[int64][]*poolBuffer
	stats        PoolStats
	mu           sync.Mutex
}

type poolBuffer struct {
	data     []float32
	size     int64
	pool     *Pool
	released bool
}

func (b *poolBuffer) Float32s() []float32 { return b.data }
func (b *poolBuffer) Size() int64         { return b.size }
func (b *poolBuffer) Release()            { b.pool.Free(b) }

// NewPool creates a pool limited to maxMemory bytes of live allocations.
// A maxMemory of zero means unlimited.
func NewPool(maxMemory int64) *Pool {
	return &Pool{
		maxMemory:  maxMemory,
		freeBlocks: make(map[int64][]*poolBuffer),
	}
}

// Allocate returns a buffer of at least size bytes, reusing a freed block
// of the same bucket when one is available.
func (p *Pool) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", size)
	}
	rounded := (size + bucketBytes - 1) / bucketBytes * bucketBytes

	p.mu.Lock()
	defer p.mu.Unlock()

	if blocks := p.freeBlocks[rounded]; len(blocks) > 0 {
		buf := blocks[len(blocks)-1]
		p.freeBlocks[rounded] = blocks[:len(blocks)-1]
		buf.released = false
		p.currentUsage += rounded
		p.stats.CacheHits++
		p.stats.AllocationCount++
		if p.currentUsage > p.stats.PeakUsage {
			p.stats.PeakUsage = p.currentUsage
		}
		return buf, nil
	}

	p.stats.CacheMisses++
	if p.maxMemory > 0 && p.currentUsage+rounded > p.maxMemory {
		return nil, errors.Errorf("pool limit exceeded: %d bytes in use, %d requested, limit %d",
			p.currentUsage, rounded, p.maxMemory)
	}

	buf := &poolBuffer{
		data: make([]float32, rounded/4),
		size: rounded,
		pool: p,
	}
	p.currentUsage += rounded
	p.stats.TotalAllocated += rounded
	p.stats.AllocationCount++
	if p.currentUsage > p.stats.PeakUsage {
		p.stats.PeakUsage = p.currentUsage
	}
	return buf, nil
}

// Free returns a buffer to the pool's free lists. Double frees and buffers
// from other pools are logged and ignored.
func (p *Pool) Free(b Buffer) {
	pb, ok := b.(*poolBuffer)
	if !ok || pb.pool != p {
		klog.Warningf("freeing buffer not owned by this pool")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if pb.released {
		klog.Warningf("double release of %d-byte buffer", pb.size)
		return
	}
	pb.released = true
	p.currentUsage -= pb.size
	p.stats.TotalFreed += pb.size
	p.stats.FreeCount++
	p.freeBlocks[pb.size] = append(p.freeBlocks[pb.size], pb)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// InUse returns the number of bytes currently handed out.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentUsage
}
