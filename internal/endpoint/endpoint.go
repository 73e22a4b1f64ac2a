// Package endpoint holds the pieces shared by both ends of a notification
// connection: the outbound queue, the unacknowledged list and keepalive.
package endpoint

import (
	"bufio"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
)

const (
	// ServerPingPeriod is how often an idle server pings its clients.
	ServerPingPeriod = 60 * time.Second
	// ClientPingPeriod is how often an idle client pings its server.
	ClientPingPeriod = 2 * ServerPingPeriod

	// DrainWait bounds how long a writer blocks for the first message of a batch.
	DrainWait = 10 * time.Second

	ackPollInterval = 100 * time.Millisecond
	ackWaitLimit    = 60 * time.Second
)

var debug atomic.Bool

// SetDebug turns per-message DEBUG logging on or off.
func SetDebug(on bool) { debug.Store(on) }

// Debugf logs only when debug logging is on.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Base is embedded by the client connection and the server-side handler.
type Base struct {
	Queue *Queue

	mu      sync.Mutex
	unacked []*protocol.Message

	lastSend atomic.Int64
}

// NewBase creates a Base with an empty queue.
func NewBase() *Base {
	b := &Base{Queue: NewQueue()}
	b.MarkSent()
	return b
}

// NextBatch blocks up to wait for outbound messages and returns all of them.
// Messages that require an ack are recorded as unacknowledged before they are
// handed to the caller for transmission.
func (b *Base) NextBatch(wait time.Duration) []*protocol.Message {
	b.Queue.Await(wait)
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := b.Queue.TakeAll()
	for _, m := range batch {
		if m.RequiresAck() {
			b.unacked = append(b.unacked, m)
		}
	}
	return batch
}

// drained reports whether nothing is queued or waiting for an ack.
func (b *Base) drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked) == 0 && b.Queue.Len() == 0
}

// WriteBatch writes batch through w and flushes once. It returns the number of
// bytes written.
func (b *Base) WriteBatch(w *bufio.Writer, batch []*protocol.Message, diag string) (int, error) {
	total := 0
	for _, m := range batch {
		n, err := m.WriteTo(w)
		total += int(n)
		if err != nil {
			return total, err
		}
		Debugf("[%s] sent %s", diag, m)
	}
	if err := w.Flush(); err != nil {
		return total, err
	}
	b.MarkSent()
	return total, nil
}

// ProcessAck removes the first unacknowledged message matching ack's message id
// and packet number. It reports whether one was found.
func (b *Base) ProcessAck(ack *protocol.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.unacked {
		if m.MessageID == ack.MessageID && m.PacketNumber == ack.PacketNumber {
			b.unacked = append(b.unacked[:i], b.unacked[i+1:]...)
			return true
		}
	}
	return false
}

// TakeUnacked returns the unacknowledged messages in send order and forgets them.
func (b *Base) TakeUnacked() []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := b.unacked
	b.unacked = nil
	return u
}

// UnackedLen returns the number of messages still waiting for an ack.
func (b *Base) UnackedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// SendAck queues an acknowledgement for m.
func (b *Base) SendAck(senderID int32, m *protocol.Message) {
	b.Queue.PushBack(protocol.NewAck(senderID, m))
}

// MarkSent records that traffic just went out.
func (b *Base) MarkSent() {
	b.lastSend.Store(time.Now().UnixNano())
}

// Idle returns how long ago traffic last went out.
func (b *Base) Idle() time.Duration {
	return time.Since(time.Unix(0, b.lastSend.Load()))
}

// QueuePingIfIdle queues a PING when nothing was sent for longer than period.
func (b *Base) QueuePingIfIdle(period time.Duration, senderID int32, nextID func() int32) bool {
	if b.Idle() <= period {
		return false
	}
	b.Queue.PushBack(protocol.NewMessage(protocol.TypePing, senderID, nextID(), nil))
	return true
}

// WaitForAllAcks polls until the queue and the unacknowledged list are both
// empty. It gives up after a minute and reports whether everything drained.
func (b *Base) WaitForAllAcks() bool {
	return b.WaitForAllAcksWithin(ackWaitLimit)
}

// WaitForAllAcksWithin is WaitForAllAcks with a caller-chosen limit.
func (b *Base) WaitForAllAcksWithin(limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if b.drained() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(ackPollInterval)
	}
}
