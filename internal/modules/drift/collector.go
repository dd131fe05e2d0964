package drift

import (
	"sync"

	"github.com/aristath/augur/internal/domain"
)

// ringBuffer keeps the most recent vectors up to its capacity.
type ringBuffer struct {
	data [][]float64
	head int
	size int
}

func (b *ringBuffer) add(v []float64) {
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
	if b.size < len(b.data) {
		b.size++
	}
}

// all returns the vectors oldest first.
func (b *ringBuffer) all() [][]float64 {
	out := make([][]float64, 0, b.size)
	start := (b.head - b.size + len(b.data)) % len(b.data)
	for i := 0; i < b.size; i++ {
		out = append(out, b.data[(start+i)%len(b.data)])
	}
	return out
}

// Collector buffers live inference inputs per model key. Safe for concurrent use.
//
// Each key keeps a ring of the most recent vectors, so memory is bounded by
// capacity times the number of serving keys. The drift check reads a copy
// through Snapshot and never holds the lock while computing PSI.
type Collector struct {
	capacity int
	mu       sync.Mutex
	buffers  map[domain.ModelKey]*ringBuffer
}

// NewCollector creates a collector keeping up to capacity vectors per key.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Collector{capacity: capacity, buffers: make(map[domain.ModelKey]*ringBuffer)}
}

// Observe records one raw feature vector served by key.
func (c *Collector) Observe(key domain.ModelKey, v []float64) {
	cp := append([]float64(nil), v...)

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buffers[key]
	if !ok {
		b = &ringBuffer{data: make([][]float64, c.capacity)}
		c.buffers[key] = b
	}
	b.add(cp)
}

// Snapshot returns the buffered vectors for key, oldest first.
func (c *Collector) Snapshot(key domain.ModelKey) [][]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[key]; ok {
		return b.all()
	}
	return nil
}

// Len returns the number of buffered vectors for key.
func (c *Collector) Len(key domain.ModelKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffers[key]; ok {
		return b.size
	}
	return 0
}

// Reset drops the buffered vectors for key. Called after a model is replaced.
func (c *Collector) Reset(key domain.ModelKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, key)
}
