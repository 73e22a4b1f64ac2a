package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message is one frame of the notification protocol. A Message read off the wire
// is never modified afterwards; outbound messages are built fresh for every send.
type Message struct {
	Type         Type
	SenderID     int32
	MessageID    int32
	PacketNumber int32
	Status       PacketStatus
	Payload      []byte
}

// NewMessage builds a single-packet message.
func NewMessage(t Type, senderID, messageID int32, payload []byte) *Message {
	return &Message{
		Type:      t,
		SenderID:  senderID,
		MessageID: messageID,
		Status:    StatusLast,
		Payload:   payload,
	}
}

// NewAck acknowledges m by echoing its message id and packet number.
func NewAck(senderID int32, m *Message) *Message {
	return &Message{
		Type:         TypeAck,
		SenderID:     senderID,
		MessageID:    m.MessageID,
		PacketNumber: m.PacketNumber,
		Status:       StatusLast,
	}
}

// NewAbort tells subscribers to discard whatever they reassembled for messageID.
func NewAbort(senderID, messageID int32) *Message {
	return &Message{
		Type:      TypeNotify,
		SenderID:  senderID,
		MessageID: messageID,
		Status:    StatusAbort,
	}
}

// NewIDMessage builds a message whose payload is a single int, as used by
// ESTABLISH_RESPONSE, SERVER_RECYCLED (new client id) and REESTABLISH (known server id).
func NewIDMessage(t Type, senderID, messageID, id int32) *Message {
	payload := make([]byte, 4)
	PutInt(payload, 0, id)
	return NewMessage(t, senderID, messageID, payload)
}

// NewSubscribe builds a SUBSCRIBE for the given subjects.
func NewSubscribe(senderID, messageID int32, subjects []string) *Message {
	return NewMessage(TypeSubscribe, senderID, messageID, EncodeSubjects(subjects))
}

// NewNotify builds a single-packet NOTIFY carrying subject and body.
func NewNotify(senderID, messageID int32, subject string, body []byte) (*Message, error) {
	payload, err := encodeNotify(subject, body)
	if err != nil {
		return nil, err
	}
	return NewMessage(TypeNotify, senderID, messageID, payload), nil
}

// CloneFor returns a copy of m stamped with a different sender and message id.
// The payload is shared.
func (m *Message) CloneFor(senderID, messageID int32) *Message {
	c := *m
	c.SenderID = senderID
	c.MessageID = messageID
	return &c
}

// RequiresAck reports whether the protocol guarantees delivery of this message type.
func (m *Message) RequiresAck() bool {
	switch m.Type {
	case TypeNotify, TypeSubscribe, TypePing, TypeReestablish, TypeEstablishResponse:
		return true
	}
	return false
}

// IsSinglePacket reports whether m is a complete NOTIFY on its own.
func (m *Message) IsSinglePacket() bool {
	return m.PacketNumber == 0 && m.Status == StatusLast
}

// PayloadInt decodes the int carried by ESTABLISH_RESPONSE, SERVER_RECYCLED and REESTABLISH.
func (m *Message) PayloadInt() (int32, error) {
	return Int(m.Payload, 0)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s sender=%d id=%d packet=%d status=%s size=%d",
		m.Type, m.SenderID, m.MessageID, m.PacketNumber, m.Status, len(m.Payload))
}

// AppendFrame appends the wire encoding of m to dst.
func (m *Message) AppendFrame(dst []byte) []byte {
	var hdr [HeaderLength]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	hdr[4] = Version
	hdr[5] = byte(m.Type)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(m.SenderID))
	binary.BigEndian.PutUint32(hdr[10:14], uint32(m.MessageID))
	binary.BigEndian.PutUint32(hdr[14:18], uint32(m.PacketNumber))
	hdr[18] = byte(m.Status)
	binary.BigEndian.PutUint32(hdr[19:23], uint32(len(m.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...)
}

// WriteTo writes the frame in a single Write call.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf := m.AppendFrame(make([]byte, 0, HeaderLength+len(m.Payload)))
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadMessage reads one frame. It returns io.EOF only when the stream ends cleanly
// on a frame boundary; every other short read is ErrTruncated. No Message is
// returned alongside an error.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: partial header", ErrTruncated)
		}
		return nil, err
	}

	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, magic)
	}
	if hdr[4] != Version {
		return nil, fmt.Errorf("%w: 0x%02X", ErrBadVersion, hdr[4])
	}

	size := binary.BigEndian.Uint32(hdr[19:23])
	if size > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	m := &Message{
		Type:         Type(hdr[5]),
		SenderID:     int32(binary.BigEndian.Uint32(hdr[6:10])),
		MessageID:    int32(binary.BigEndian.Uint32(hdr[10:14])),
		PacketNumber: int32(binary.BigEndian.Uint32(hdr[14:18])),
		Status:       PacketStatus(hdr[18]),
	}
	if size > 0 {
		m.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: expected %d payload bytes", ErrTruncated, size)
			}
			return nil, err
		}
	}
	return m, nil
}
