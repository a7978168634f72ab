// Package queue provides the bounded sample buffer between ingestion
// and the evaluation tick.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"guardpost/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// SampleQueue is a mutex-protected ring buffer of metric samples.
// Producers push from ingestion paths; the scheduler drains batches at
// tick boundaries, so there are no blocking pops. A full queue rejects
// the newest sample rather than evicting buffered ones.
type SampleQueue struct {
	mu     sync.Mutex
	buffer []schema.MetricSample
	size   int
	head   int
	count  int
	closed bool

	totalPushed  uint64
	totalDrained uint64
	totalDropped uint64
}

// NewSampleQueue creates a queue with the given capacity.
func NewSampleQueue(size int) *SampleQueue {
	if size <= 0 {
		size = 10000
	}
	return &SampleQueue{
		buffer: make([]schema.MetricSample, size),
		size:   size,
	}
}

// Push adds a sample to the queue. Returns ErrQueueFull when at
// capacity; the drop is counted either way.
func (q *SampleQueue) Push(sample schema.MetricSample) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.count == q.size {
		atomic.AddUint64(&q.totalDropped, 1)
		return ErrQueueFull
	}

	q.buffer[(q.head+q.count)%q.size] = sample
	q.count++
	atomic.AddUint64(&q.totalPushed, 1)
	return nil
}

// Drain removes up to max buffered samples in arrival order. max <= 0
// drains everything. Draining a closed queue is allowed so shutdown can
// flush what ingestion already accepted.
func (q *SampleQueue) Drain(max int) []schema.MetricSample {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]schema.MetricSample, n)
	for i := 0; i < n; i++ {
		out[i] = q.buffer[q.head]
		q.buffer[q.head] = schema.MetricSample{}
		q.head = (q.head + 1) % q.size
	}
	q.count -= n
	atomic.AddUint64(&q.totalDrained, uint64(n))
	return out
}

// Len returns the number of buffered samples.
func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *SampleQueue) Cap() int {
	return q.size
}

// Close stops accepting new samples.
func (q *SampleQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Metrics returns queue counters.
func (q *SampleQueue) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&q.totalPushed),
		Drained:  atomic.LoadUint64(&q.totalDrained),
		Dropped:  atomic.LoadUint64(&q.totalDropped),
		Depth:    q.Len(),
		Capacity: q.size,
	}
}

// Metrics holds queue counters.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Drained  uint64 `json:"drained"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
