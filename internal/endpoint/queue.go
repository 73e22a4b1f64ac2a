package endpoint

import (
	"sync"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
)

// Queue is the outbound message queue of one connection. Producers push at
// either end; a single writer drains everything queued in one batch.
type Queue struct {
	mu     sync.Mutex
	items  []*protocol.Message
	signal chan struct{}
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// PushBack appends m behind everything already queued.
func (q *Queue) PushBack(m *protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.notify()
}

// PushBackAll appends ms in order, with nothing interleaved between them.
func (q *Queue) PushBackAll(ms []*protocol.Message) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, ms...)
	q.mu.Unlock()
	q.notify()
}

// PushFront puts m ahead of everything already queued.
func (q *Queue) PushFront(m *protocol.Message) {
	q.PushFrontAll([]*protocol.Message{m})
}

// PushFrontAll puts ms, in their given order, ahead of everything already queued.
func (q *Queue) PushFrontAll(ms []*protocol.Message) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]*protocol.Message, 0, len(ms)+len(q.items))
	items = append(items, ms...)
	q.items = append(items, q.items...)
	q.mu.Unlock()
	q.notify()
}

// DropFront removes and returns the oldest message.
func (q *Queue) DropFront() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

// DropOldestNotify removes the oldest NOTIFY whose id is above after, together
// with every other packet of it, and returns how many frames it removed. Only
// messages whose first packet is still queued qualify, so no partly dropped
// message is ever left behind.
func (q *Queue) DropOldestNotify(after int32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.Type != protocol.TypeNotify || m.PacketNumber != 0 || m.MessageID <= after {
			continue
		}
		id := m.MessageID
		kept := q.items[:i]
		for _, rest := range q.items[i:] {
			if rest.Type == protocol.TypeNotify && rest.MessageID == id {
				continue
			}
			kept = append(kept, rest)
		}
		removed := len(q.items) - len(kept)
		clear(q.items[len(kept):])
		q.items = kept
		return removed
	}
	return 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TakeAll empties the queue without waiting.
func (q *Queue) TakeAll() []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wake releases a writer blocked in DrainWait even if nothing was queued.
func (q *Queue) Wake() {
	q.notify()
}

// Await waits up to timeout for a message to be queued. It returns early on Wake.
func (q *Queue) Await(timeout time.Duration) {
	if q.Len() > 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.signal:
	case <-timer.C:
	}
}

// DrainWait waits up to timeout for at least one message, then returns
// everything queued at that moment. It returns early and possibly empty on Wake.
func (q *Queue) DrainWait(timeout time.Duration) []*protocol.Message {
	q.Await(timeout)
	return q.TakeAll()
}
