package protocol

const (
	// Magic opens every frame on the wire.
	Magic uint32 = 0xDEC0C0DE
	// Version is the only protocol version this implementation speaks.
	Version byte = 0x01

	// HeaderLength is the fixed size of a frame header: magic, version, type,
	// sender id, message id, packet number, packet status and payload size.
	HeaderLength = 4 + 1 + 1 + 4 + 4 + 4 + 1 + 4

	// TCPPacketSize is an Ethernet MTU minus the TCP header.
	TCPPacketSize = 1500 - 24
	// MaxPayloadSize is the largest payload that still fits one frame in a single TCP packet.
	MaxPayloadSize = TCPPacketSize - HeaderLength

	// MaxFramePayload bounds the payload size accepted off the wire. Anything larger
	// is treated as a corrupt stream rather than allocated.
	MaxFramePayload = 16 * 1024 * 1024
)

// Type identifies the kind of a Message.
type Type byte

const (
	TypeEstablish         Type = 0x01
	TypeEstablishResponse Type = 0x02
	TypeReestablish       Type = 0x03
	TypeServerRecycled    Type = 0x04
	TypeSubscribe         Type = 0x05
	TypeNotify            Type = 0x06
	TypePing              Type = 0x08
	TypeShutdown          Type = 0x09
	TypeAck               Type = 0x10
)

func (t Type) String() string {
	switch t {
	case TypeEstablish:
		return "ESTABLISH"
	case TypeEstablishResponse:
		return "ESTABLISH_RESPONSE"
	case TypeReestablish:
		return "REESTABLISH"
	case TypeServerRecycled:
		return "SERVER_RECYCLED"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeNotify:
		return "NOTIFY"
	case TypePing:
		return "PING"
	case TypeShutdown:
		return "SHUTDOWN"
	case TypeAck:
		return "ACK"
	}
	return "UNKNOWN"
}

// PacketStatus marks the position of a packet inside a fragmented NOTIFY.
type PacketStatus byte

const (
	StatusOK    PacketStatus = 0x00
	StatusLast  PacketStatus = 0x01
	StatusAbort PacketStatus = 0x02
)

func (s PacketStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusLast:
		return "LAST"
	case StatusAbort:
		return "ABORT"
	}
	return "UNKNOWN"
}
