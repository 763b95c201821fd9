package execution

import (
	"sync"

	"github.com/birdayz/flowvm/kmodule"
)

// Queue is an unbounded FIFO of flow ids. Push never blocks; Pop blocks
// while the queue is empty.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []kmodule.FlowID
	head  int
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Push(f kmodule.FlowID) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop removes the oldest id, waiting for one if necessary.
func (q *Queue) Pop() kmodule.FlowID {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) {
		q.cond.Wait()
	}
	f := q.items[q.head]
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return f
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []kmodule.FlowID {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]kmodule.FlowID(nil), q.items[q.head:]...)
	q.items = q.items[:0]
	q.head = 0
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
