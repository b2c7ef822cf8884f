package eventsync

import (
	"container/heap"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stakenet-io/stakenet-chain/internal/metrics"
	"github.com/stakenet-io/stakenet-chain/internal/storage"
)

// ErrQueueFull signals the high-water mark was hit; callers surface 429.
var ErrQueueFull = errors.New("event queue at high-water mark")

var queuePrefix = []byte("q/")

// eventHeap orders by (priority ASC, createdAt ASC).
type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].CreatedAt < h[j].CreatedAt
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the durable priority queue feeding the dispatcher. Events
// survive a restart when a store is attached.
type Queue struct {
	mu       sync.Mutex
	heap     eventHeap
	capacity int
	store    storage.DB
	notify   chan struct{}
}

// NewQueue creates a queue with the given high-water mark. A non-nil store
// is replayed on construction.
func NewQueue(capacity int, store storage.DB) (*Queue, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &Queue{
		capacity: capacity,
		store:    store,
		notify:   make(chan struct{}, 1),
	}
	if store != nil {
		err := store.ForEach(queuePrefix, func(key, value []byte) error {
			var e Event
			if jsonErr := json.Unmarshal(value, &e); jsonErr != nil {
				store.Delete(append([]byte(nil), key...))
				return nil
			}
			q.heap = append(q.heap, &e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reload event queue: %w", err)
		}
		heap.Init(&q.heap)
	}
	metrics.QueueDepth.Set(float64(len(q.heap)))
	if len(q.heap) > 0 {
		q.signal()
	}
	return q, nil
}

// Push enqueues an event, failing with ErrQueueFull at capacity.
func (q *Queue) Push(e *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.capacity {
		metrics.QueueOverflow.Inc()
		return ErrQueueFull
	}
	// Persist before the heap insert: a crash in between only replays the
	// event on restart, whereas the reverse order could lose it.
	if q.store != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := q.store.Put(q.key(e), data); err != nil {
			return fmt.Errorf("persist event: %w", err)
		}
	}
	heap.Push(&q.heap, e)
	metrics.QueueDepth.Set(float64(len(q.heap)))
	metrics.EventsQueued.WithLabelValues(e.Type).Inc()
	q.signal()
	return nil
}

// Pop removes the highest-priority event, or returns nil when empty.
func (q *Queue) Pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*Event)
	if q.store != nil {
		q.store.Delete(q.key(e))
	}
	metrics.QueueDepth.Set(float64(len(q.heap)))
	return e
}

// Len returns the queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Wait returns a channel signaled whenever an event arrives.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// key builds the durable key: prefix | priority | createdAt | id.
func (q *Queue) key(e *Event) []byte {
	key := make([]byte, 0, len(queuePrefix)+1+8+len(e.ID))
	key = append(key, queuePrefix...)
	key = append(key, byte(e.Priority))
	key = binary.BigEndian.AppendUint64(key, uint64(e.CreatedAt))
	key = append(key, e.ID...)
	return key
}
