// Package messaging is the application-facing side of the notification
// transport: per-subject adapters that compress outgoing bodies and hand
// incoming ones to a processor.
package messaging

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/AtDexters-Lab/nexus-notify/internal/endpoint"
	"github.com/AtDexters-Lab/nexus-notify/internal/iface"
	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
)

// SubjectPrefix versions the payload format on the wire. Subscribers only
// ever see subjects carrying their own prefix.
const SubjectPrefix = "2:"

// envelopeRoom is reserved in a single packet for a transport envelope.
const envelopeRoom = 16

// ErrFactoryShutdown is returned by adapters and CreateAdapter once the
// factory has shut down.
var ErrFactoryShutdown = errors.New("messaging factory shut down")

// MessageProcessor consumes notifications for one subject.
type MessageProcessor interface {
	ProcessNotificationMessage(subject string, body []byte)
}

// ProcessorFunc adapts a plain function to MessageProcessor.
type ProcessorFunc func(subject string, body []byte)

// ProcessNotificationMessage calls f.
func (f ProcessorFunc) ProcessNotificationMessage(subject string, body []byte) { f(subject, body) }

// TransportFunc builds the transport that delivers into h.
type TransportFunc func(h iface.MessageHandler) iface.Notifier

// Factory owns one transport and hands out adapters bound to subjects.
type Factory struct {
	transport iface.Notifier
	codec     Codec

	mu       sync.RWMutex
	adapters map[string][]*Adapter
	started  bool
	closed   bool
}

// NewFactory creates a factory. The transport is built immediately but not
// started until the first adapter is created.
func NewFactory(newTransport TransportFunc, codec Codec) *Factory {
	f := &Factory{
		codec:    codec,
		adapters: make(map[string][]*Adapter),
	}
	f.transport = newTransport(f)
	return f
}

// Transport returns the underlying notifier.
func (f *Factory) Transport() iface.Notifier { return f.transport }

// CreateAdapter subscribes the transport to subject and returns an adapter
// that delivers the subject's notifications to p.
func (f *Factory) CreateAdapter(subject string, p MessageProcessor) (*Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryShutdown
	}
	a := &Adapter{factory: f, subject: subject, wireSubject: SubjectPrefix + subject, processor: p}
	first := len(f.adapters[subject]) == 0
	f.adapters[subject] = append(f.adapters[subject], a)
	if first {
		log.Printf("INFO: [MESSAGING] Creating messaging adapter for subject %s", subject)
		f.transport.Subscribe(a.wireSubject)
	}
	if !f.started {
		f.started = true
		f.transport.Start()
	}
	return a, nil
}

// HandleMessage implements iface.MessageHandler for the transport.
func (f *Factory) HandleMessage(wireSubject string, payload []byte) {
	subject, ok := strings.CutPrefix(wireSubject, SubjectPrefix)
	if !ok {
		endpoint.Debugf("[MESSAGING] Ignoring notification for foreign subject %q", wireSubject)
		return
	}
	f.mu.RLock()
	adapters := append([]*Adapter(nil), f.adapters[subject]...)
	f.mu.RUnlock()
	if len(adapters) == 0 {
		return
	}

	body, err := Decode(payload)
	if err != nil {
		log.Printf("ERROR: [MESSAGING] Unable to decode notification for subject %s: %v", subject, err)
		return
	}
	for _, a := range adapters {
		a.processor.ProcessNotificationMessage(subject, body)
	}
}

func (f *Factory) release(a *Adapter) {
	f.mu.Lock()
	list := f.adapters[a.subject]
	for i, cur := range list {
		if cur == a {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(f.adapters, a.subject)
	} else {
		f.adapters[a.subject] = list
	}
	last := len(f.adapters) == 0 && !f.closed
	f.mu.Unlock()

	if last {
		f.Shutdown()
	}
}

// WaitForAllAcks waits until the transport delivered everything to its server.
func (f *Factory) WaitForAllAcks() bool {
	return f.transport.WaitForAllAcks()
}

// Shutdown shuts the transport down. Adapters become unusable.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	started := f.started
	f.mu.Unlock()

	if started {
		f.transport.Shutdown()
	}
	log.Printf("INFO: [MESSAGING] Messaging factory shut down")
}

// Adapter publishes and receives notifications for one subject.
type Adapter struct {
	factory     *Factory
	subject     string
	wireSubject string
	processor   MessageProcessor
	releaseOnce sync.Once
}

// Subject returns the application-level subject.
func (a *Adapter) Subject() string { return a.subject }

// BroadcastMessage compresses body and sends it to every other subscriber.
// Bodies that do not fit a single packet are packetized.
func (a *Adapter) BroadcastMessage(body []byte) error {
	f := a.factory
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return ErrFactoryShutdown
	}

	payload, err := Encode(f.codec, body)
	if err != nil {
		return fmt.Errorf("encoding notification for %s: %w", a.subject, err)
	}
	if 4+len(a.wireSubject)+len(payload)+envelopeRoom <= protocol.MaxPayloadSize {
		err = f.transport.BroadcastNotification(a.wireSubject, payload)
	} else {
		err = f.transport.BroadcastNotificationWithPacketization(a.wireSubject, payload)
	}
	if err != nil {
		return fmt.Errorf("broadcasting notification for %s: %w", a.subject, err)
	}
	return nil
}

// Shutdown releases the adapter. Releasing the factory's last adapter shuts
// the transport down.
func (a *Adapter) Shutdown() {
	a.releaseOnce.Do(func() { a.factory.release(a) })
}
