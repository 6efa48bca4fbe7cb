package relay

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	errQueueFull   = errors.New("relay: frame queue full")
	errQueueClosed = errors.New("relay: frame queue closed")
)

// frameQueue is the per-connection FIFO between the read loop and the
// forwarding worker. One producer, one consumer.
type frameQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames *queue.Queue
	max    int
	closed bool
}

func newFrameQueue(max int) *frameQueue {
	q := &frameQueue{frames: queue.New(), max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *frameQueue) Enqueue(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.max > 0 && q.frames.Length() >= q.max {
		return errQueueFull
	}
	q.frames.Add(frame)
	q.cond.Signal()
	return nil
}

// Dequeue blocks until a frame is available. ok is false once the queue has
// been closed; frames still queued at that point are never returned.
func (q *frameQueue) Dequeue() (frame []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.frames.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return q.frames.Remove().([]byte), true
}

// Close wakes the consumer and returns how many frames were discarded.
func (q *frameQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := q.frames.Length()
	q.frames = queue.New()
	q.cond.Broadcast()
	return dropped
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.frames.Length()
}
