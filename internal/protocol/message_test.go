package protocol_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []*protocol.Message{
		{Type: protocol.TypeEstablish, Status: protocol.StatusLast},
		{Type: protocol.TypeNotify, SenderID: -7, MessageID: 1<<31 - 1, PacketNumber: 3, Status: protocol.StatusOK, Payload: []byte("partial")},
		{Type: protocol.TypeNotify, SenderID: 42, MessageID: -1, PacketNumber: 0, Status: protocol.StatusAbort},
		{Type: protocol.TypeAck, SenderID: 1, MessageID: 99, PacketNumber: 12, Status: protocol.StatusLast},
		{Type: protocol.TypeSubscribe, SenderID: 3, MessageID: 4, Status: protocol.StatusLast, Payload: protocol.EncodeSubjects([]string{"a", "b"})},
		{Type: protocol.TypeNotify, SenderID: 5, MessageID: 6, Status: protocol.StatusLast, Payload: bytes.Repeat([]byte{0xAB}, 5000)},
	}

	var stream bytes.Buffer
	for _, m := range cases {
		n, err := m.WriteTo(&stream)
		require.NoError(t, err)
		require.EqualValues(t, protocol.HeaderLength+len(m.Payload), n)
	}
	for _, want := range cases {
		got, err := protocol.ReadMessage(&stream)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := protocol.ReadMessage(&stream)
	require.ErrorIs(t, err, io.EOF)
}

func TestHeaderLayout(t *testing.T) {
	t.Parallel()

	m := &protocol.Message{Type: protocol.TypePing, SenderID: 0x01020304, MessageID: 0x05060708, PacketNumber: 0x090A0B0C, Status: protocol.StatusLast, Payload: []byte{0xFF}}
	frame := m.AppendFrame(nil)
	require.Len(t, frame, 24)
	require.Equal(t, uint32(0xDEC0C0DE), binary.BigEndian.Uint32(frame[0:4]))
	require.Equal(t, byte(0x01), frame[4])
	require.Equal(t, byte(0x08), frame[5])
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, frame[6:18])
	require.Equal(t, byte(protocol.StatusLast), frame[18])
	require.Equal(t, []byte{0, 0, 0, 1, 0xFF}, frame[19:])
}

func TestReadMessageRejectsCorruption(t *testing.T) {
	t.Parallel()

	good := (&protocol.Message{Type: protocol.TypeNotify, SenderID: 1, MessageID: 2, Status: protocol.StatusLast, Payload: []byte("hello")}).AppendFrame(nil)

	badMagic := append([]byte(nil), good...)
	badMagic[1] ^= 0x40
	m, err := protocol.ReadMessage(bytes.NewReader(badMagic))
	require.ErrorIs(t, err, protocol.ErrBadMagic)
	require.Nil(t, m)
	require.True(t, protocol.IsFramingError(err))

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 0x02
	m, err = protocol.ReadMessage(bytes.NewReader(badVersion))
	require.ErrorIs(t, err, protocol.ErrBadVersion)
	require.Nil(t, m)

	m, err = protocol.ReadMessage(bytes.NewReader(good[:len(good)-2]))
	require.ErrorIs(t, err, protocol.ErrTruncated)
	require.Nil(t, m)

	m, err = protocol.ReadMessage(bytes.NewReader(good[:10]))
	require.ErrorIs(t, err, protocol.ErrTruncated)
	require.Nil(t, m)

	huge := append([]byte(nil), good[:protocol.HeaderLength]...)
	binary.BigEndian.PutUint32(huge[19:23], protocol.MaxFramePayload+1)
	_, err = protocol.ReadMessage(bytes.NewReader(huge))
	require.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
}

func TestRequiresAck(t *testing.T) {
	t.Parallel()

	acked := map[protocol.Type]bool{
		protocol.TypeNotify:            true,
		protocol.TypeSubscribe:         true,
		protocol.TypePing:              true,
		protocol.TypeReestablish:       true,
		protocol.TypeEstablishResponse: true,
	}
	all := []protocol.Type{
		protocol.TypeEstablish, protocol.TypeEstablishResponse, protocol.TypeReestablish,
		protocol.TypeServerRecycled, protocol.TypeSubscribe, protocol.TypeNotify,
		protocol.TypePing, protocol.TypeShutdown, protocol.TypeAck,
	}
	for _, typ := range all {
		m := protocol.NewMessage(typ, 0, 0, nil)
		require.Equal(t, acked[typ], m.RequiresAck(), typ.String())
	}
}

func TestNewAckEchoesHeader(t *testing.T) {
	t.Parallel()

	orig := &protocol.Message{Type: protocol.TypeNotify, SenderID: 9, MessageID: 77, PacketNumber: 4}
	ack := protocol.NewAck(3, orig)
	require.Equal(t, protocol.TypeAck, ack.Type)
	require.EqualValues(t, 3, ack.SenderID)
	require.EqualValues(t, 77, ack.MessageID)
	require.EqualValues(t, 4, ack.PacketNumber)
	require.Empty(t, ack.Payload)
}
