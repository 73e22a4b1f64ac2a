package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
)

// ErrMissingPackets reports a packet that does not follow the last one stored
// for its message.
var ErrMissingPackets = errors.New("missing packets")

// reassembler rebuilds fragmented NOTIFY messages, keyed by message id.
type reassembler struct {
	mu         sync.Mutex
	incomplete map[int32][]*protocol.Message
}

func newReassembler() *reassembler {
	return &reassembler{incomplete: make(map[int32][]*protocol.Message)}
}

// accept feeds one NOTIFY packet. complete is true when m finished a message,
// in which case subject and body hold the reconstructed notification.
// A gap in the packet sequence is returned as ErrMissingPackets.
func (r *reassembler) accept(m *protocol.Message) (subject string, body []byte, complete bool, err error) {
	if m.Status == protocol.StatusAbort {
		r.mu.Lock()
		delete(r.incomplete, m.MessageID)
		r.mu.Unlock()
		return "", nil, false, nil
	}
	if m.IsSinglePacket() {
		subject, body, err = protocol.DecodeNotify(m.Payload)
		return subject, body, err == nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m.PacketNumber == 0 {
		r.incomplete[m.MessageID] = []*protocol.Message{m}
		return "", nil, false, nil
	}

	packets, ok := r.incomplete[m.MessageID]
	if !ok {
		// Aborted, or the start was never seen on this session.
		return "", nil, false, nil
	}
	last := packets[len(packets)-1].PacketNumber
	switch {
	case m.PacketNumber > last+1:
		delete(r.incomplete, m.MessageID)
		return "", nil, false, fmt.Errorf("%w: message %d expected packet %d, got %d", ErrMissingPackets, m.MessageID, last+1, m.PacketNumber)
	case m.PacketNumber <= last:
		return "", nil, false, nil
	}

	packets = append(packets, m)
	if m.Status != protocol.StatusLast {
		r.incomplete[m.MessageID] = packets
		return "", nil, false, nil
	}
	delete(r.incomplete, m.MessageID)

	size := 0
	for _, p := range packets {
		size += len(p.Payload)
	}
	payload := make([]byte, 0, size)
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	subject, body, err = protocol.DecodeNotify(payload)
	return subject, body, err == nil, err
}

func (r *reassembler) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incomplete)
}
