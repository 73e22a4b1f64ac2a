package client

import (
	"encoding/binary"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/dedup"
	"github.com/AtDexters-Lab/nexus-notify/internal/iface"
	"github.com/google/uuid"
)

const (
	// DefaultDedupTTL is how long a message seen on one path suppresses its
	// copy from the other.
	DefaultDedupTTL = 5 * time.Minute

	envelopeSize = 12
)

// Dual publishes every notification through two independent clients, usually
// connected to two redundant servers, and delivers each message once no matter
// how many of the paths carried it.
type Dual struct {
	one, two *Client
	handler  iface.MessageHandler

	origin int64
	seq    atomic.Int32
	seen   *dedup.Set

	duplicates atomic.Int64
	malformed  atomic.Int64
}

var _ iface.Notifier = (*Dual)(nil)

// NewDual creates clients for addr1 and addr2 that share one handler. A
// non-positive dedupTTL selects DefaultDedupTTL.
func NewDual(addr1, addr2 string, handler iface.MessageHandler, opts Options, dedupTTL time.Duration) *Dual {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	id := uuid.New()
	d := &Dual{
		handler: handler,
		origin:  int64(binary.BigEndian.Uint64(id[:8])),
		seen:    dedup.New(dedupTTL),
	}
	d.one = New(addr1, iface.HandlerFunc(d.receive), opts)
	d.two = New(addr2, iface.HandlerFunc(d.receive), opts)
	return d
}

// Origin identifies this process in the envelopes it sends.
func (d *Dual) Origin() int64 { return d.origin }

// Duplicates returns how many redundant copies were suppressed.
func (d *Dual) Duplicates() int64 { return d.duplicates.Load() }

// Malformed returns how many notifications arrived without an envelope.
func (d *Dual) Malformed() int64 { return d.malformed.Load() }

// Start starts both clients.
func (d *Dual) Start() {
	d.one.Start()
	d.two.Start()
}

// Subscribe subscribes both clients to subject.
func (d *Dual) Subscribe(subject string) {
	d.one.Subscribe(subject)
	d.two.Subscribe(subject)
}

func (d *Dual) wrap(body []byte) []byte {
	out := make([]byte, envelopeSize+len(body))
	binary.BigEndian.PutUint64(out[0:8], uint64(d.origin))
	binary.BigEndian.PutUint32(out[8:12], uint32(d.seq.Add(1)))
	copy(out[envelopeSize:], body)
	return out
}

// BroadcastNotification sends body on both paths under one envelope.
func (d *Dual) BroadcastNotification(subject string, body []byte) error {
	wrapped := d.wrap(body)
	return errors.Join(
		d.one.BroadcastNotification(subject, wrapped),
		d.two.BroadcastNotification(subject, wrapped),
	)
}

// BroadcastNotificationWithPacketization is BroadcastNotification for bodies
// that may need more than one packet.
func (d *Dual) BroadcastNotificationWithPacketization(subject string, body []byte) error {
	wrapped := d.wrap(body)
	return errors.Join(
		d.one.BroadcastNotificationWithPacketization(subject, wrapped),
		d.two.BroadcastNotificationWithPacketization(subject, wrapped),
	)
}

// receive runs on either client's reader goroutine.
func (d *Dual) receive(subject string, body []byte) {
	if len(body) < envelopeSize {
		d.malformed.Add(1)
		log.Printf("WARN: [DUAL] Dropping notification on %q without envelope (%d bytes)", subject, len(body))
		return
	}
	key := dedup.MessageKey{
		Subject:  subject,
		OriginID: int64(binary.BigEndian.Uint64(body[0:8])),
		Sequence: int32(binary.BigEndian.Uint32(body[8:12])),
	}
	if !d.seen.AddIfAbsent(key) {
		d.duplicates.Add(1)
		return
	}
	if d.handler != nil {
		d.handler.HandleMessage(subject, body[envelopeSize:])
	}
}

// WaitForAllAcks waits on both paths and reports whether both drained.
func (d *Dual) WaitForAllAcks() bool {
	one := d.one.WaitForAllAcks()
	two := d.two.WaitForAllAcks()
	if !one || !two {
		log.Printf("WARN: [DUAL] Not all messages acknowledged (%s: %t, %s: %t)", d.one.Addr(), one, d.two.Addr(), two)
	}
	return one && two
}

// WaitForClientOneAcks waits on the first path only.
func (d *Dual) WaitForClientOneAcks() bool {
	return d.one.WaitForAllAcks()
}

// Shutdown shuts both clients down.
func (d *Dual) Shutdown() {
	d.one.Shutdown()
	d.two.Shutdown()
	log.Printf("INFO: [DUAL] Shut down paths to %s and %s, %d duplicates suppressed", d.one.Addr(), d.two.Addr(), d.Duplicates())
}
