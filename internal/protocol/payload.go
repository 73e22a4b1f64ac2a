package protocol

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// PutInt writes v big-endian at off.
func PutInt(b []byte, off int, v int32) {
	binary.BigEndian.PutUint32(b[off:off+4], uint32(v))
}

// Int reads a big-endian int at off.
func Int(b []byte, off int) (int32, error) {
	if off < 0 || off+4 > len(b) {
		return 0, fmt.Errorf("%w: int at offset %d of %d bytes", ErrMalformedPayload, off, len(b))
	}
	return int32(binary.BigEndian.Uint32(b[off : off+4])), nil
}

// AppendString appends s as a 4-byte length followed by its ISO-8859-1 bytes.
// Characters outside Latin-1 are written as '?'.
func AppendString(dst []byte, s string) []byte {
	enc := latin1(s)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(enc)))
	dst = append(dst, n[:]...)
	return append(dst, enc...)
}

// String reads a length-prefixed ISO-8859-1 string at off and returns it with
// the offset of the first byte after it.
func String(b []byte, off int) (string, int, error) {
	n, err := Int(b, off)
	if err != nil {
		return "", 0, err
	}
	start := off + 4
	if n < 0 || start+int(n) > len(b) {
		return "", 0, fmt.Errorf("%w: string of %d bytes at offset %d of %d", ErrMalformedPayload, n, off, len(b))
	}
	runes := make([]rune, n)
	for i, c := range b[start : start+int(n)] {
		runes[i] = charmap.ISO8859_1.DecodeByte(c)
	}
	return string(runes), start + int(n), nil
}

func latin1(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		c, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			c = '?'
		}
		out = append(out, c)
	}
	return out
}

// EncodeSubjects builds a SUBSCRIBE payload: a count followed by that many strings.
func EncodeSubjects(subjects []string) []byte {
	buf := make([]byte, 4, 4+len(subjects)*16)
	PutInt(buf, 0, int32(len(subjects)))
	for _, s := range subjects {
		buf = AppendString(buf, s)
	}
	return buf
}

// DecodeSubjects is the inverse of EncodeSubjects.
func DecodeSubjects(p []byte) ([]string, error) {
	count, err := Int(p, 0)
	if err != nil {
		return nil, err
	}
	if count < 0 || int(count) > len(p)/4 {
		return nil, fmt.Errorf("%w: subject count %d", ErrMalformedPayload, count)
	}
	subjects := make([]string, 0, count)
	off := 4
	for i := int32(0); i < count; i++ {
		var s string
		s, off, err = String(p, off)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, nil
}

func encodeNotify(subject string, body []byte) ([]byte, error) {
	enc := latin1(subject)
	if 4+len(enc) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSubjectTooLong, len(enc))
	}
	buf := make([]byte, 4, 4+len(enc)+len(body))
	PutInt(buf, 0, int32(len(enc)))
	buf = append(buf, enc...)
	return append(buf, body...), nil
}

// DecodeNotify splits a complete NOTIFY payload into subject and body.
func DecodeNotify(p []byte) (string, []byte, error) {
	subject, off, err := String(p, 0)
	if err != nil {
		return "", nil, err
	}
	return subject, p[off:], nil
}

// NotifySubject reads the subject out of the first packet of a NOTIFY.
func (m *Message) NotifySubject() (string, error) {
	s, _, err := String(m.Payload, 0)
	return s, err
}

// PacketCount returns how many packets a NOTIFY payload of n bytes needs.
func PacketCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + MaxPayloadSize - 1) / MaxPayloadSize
}

// Packetize splits subject and body across as many NOTIFY packets as needed.
// All packets share messageID; packet numbers run from 0 and only the final
// packet is marked StatusLast.
func Packetize(senderID, messageID int32, subject string, body []byte) ([]*Message, error) {
	payload, err := encodeNotify(subject, body)
	if err != nil {
		return nil, err
	}
	count := PacketCount(len(payload))
	packets := make([]*Message, 0, count)
	for i := 0; i < count; i++ {
		start := i * MaxPayloadSize
		end := min(start+MaxPayloadSize, len(payload))
		status := StatusOK
		if i == count-1 {
			status = StatusLast
		}
		packets = append(packets, &Message{
			Type:         TypeNotify,
			SenderID:     senderID,
			MessageID:    messageID,
			PacketNumber: int32(i),
			Status:       status,
			Payload:      payload[start:end],
		})
	}
	return packets, nil
}
