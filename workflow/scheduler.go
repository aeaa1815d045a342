package workflow

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// dispatchItem is a schedulable unit of work for one superstep's parallel
// edge dispatch: one (sender, envelope) pair destined for its envelope's
// TargetID. OrderKey fixes the deterministic merge order so that which
// goroutine physically finishes first never affects observable ordering
// (§5).
type dispatchItem struct {
	SenderID string
	Envelope *Envelope
	OrderKey uint64
}

// computeOrderKey derives a deterministic sort key from the sender id and
// the position of this envelope within the sender's sequence, so replaying
// the same step always yields the same dispatch order regardless of
// goroutine scheduling.
func computeOrderKey(senderID string, index int) uint64 {
	h := sha256.New()
	h.Write([]byte(senderID))
	idxBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBytes, uint32(index))
	h.Write(idxBytes)
	hashBytes := h.Sum(nil)
	return binary.BigEndian.Uint64(hashBytes[:8])
}

// dispatchHeap implements heap.Interface for priority ordering by OrderKey.
type dispatchHeap []dispatchItem

func (h dispatchHeap) Len() int            { return len(h) }
func (h dispatchHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h dispatchHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dispatchHeap) Push(x interface{}) { *h = append(*h, x.(dispatchItem)) }
func (h *dispatchHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// frontier is the bounded, ordered work queue backing parallel_edge_dispatch
// (§5): a heap for deterministic OrderKey ordering combined with a buffered
// channel for bounded capacity and backpressure. Enqueue blocks when the
// channel is full until either space frees up or the context is cancelled
// (including the BackpressureTimeout deadline the runner wraps around it).
type frontier struct {
	heap     dispatchHeap
	queue    chan dispatchItem
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued       atomic.Int64
	backpressureEvents atomic.Int32
	peakDepth          atomic.Int32
}

func newFrontier(capacity int) *frontier {
	f := &frontier{
		heap:     make(dispatchHeap, 0),
		queue:    make(chan dispatchItem, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

func (f *frontier) Enqueue(ctx context.Context, item dispatchItem) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakDepth.Load()
		if depth <= peak || f.peakDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

func (f *frontier) Dequeue(ctx context.Context) (dispatchItem, error) {
	var zero dispatchItem
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(dispatchItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of the parallel dispatch
// frontier's activity, returned by frontier.Metrics. The runner does not
// read it, and it is not fed to PrometheusMetrics.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

func (f *frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()
	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:      f.peakDepth.Load(),
	}
}
