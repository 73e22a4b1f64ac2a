package client

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDualDeliversOnceAcrossBothPaths(t *testing.T) {
	t.Parallel()
	addr1, addr2 := startHub(t), startHub(t)

	got := newCollector()
	receiver := NewDual(addr1, addr2, got, testOptions(), 0)
	receiver.Subscribe("orders")
	receiver.Start()
	t.Cleanup(receiver.Shutdown)
	require.True(t, receiver.WaitForAllAcks())

	sender := NewDual(addr1, addr2, nil, testOptions(), 0)
	sender.Start()
	t.Cleanup(sender.Shutdown)

	require.NoError(t, sender.BroadcastNotification("orders", []byte("evict 7")))
	large := bytes.Repeat([]byte{0xAB}, 3000)
	require.NoError(t, sender.BroadcastNotificationWithPacketization("orders", large))
	require.True(t, sender.WaitForAllAcks())

	require.Equal(t, received{"orders", []byte("evict 7")}, got.next(t))
	require.Equal(t, received{"orders", large}, got.next(t))
	require.Eventually(t, func() bool { return receiver.Duplicates() == 2 }, testWait, 10*time.Millisecond)

	select {
	case r := <-got.ch:
		t.Fatalf("duplicate delivered: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDualStillDeliversWithOnePathDown(t *testing.T) {
	t.Parallel()
	addr := startHub(t)
	down := closedAddr(t)

	got := newCollector()
	receiver := NewDual(addr, down, got, testOptions(), 0)
	receiver.Subscribe("orders")
	receiver.Start()
	t.Cleanup(receiver.Shutdown)
	require.True(t, receiver.WaitForClientOneAcks())

	sender := NewDual(addr, down, nil, testOptions(), 0)
	sender.Start()
	t.Cleanup(sender.Shutdown)
	require.NoError(t, sender.BroadcastNotification("orders", []byte("one path")))
	require.True(t, sender.WaitForClientOneAcks())

	require.Equal(t, received{"orders", []byte("one path")}, got.next(t))
}

func TestDualReceiveFiltersByEnvelope(t *testing.T) {
	t.Parallel()
	got := newCollector()
	d := NewDual("127.0.0.1:1", "127.0.0.1:2", got, testOptions(), time.Minute)

	envelope := func(origin int64, seq int32, body string) []byte {
		b := make([]byte, envelopeSize, envelopeSize+len(body))
		binary.BigEndian.PutUint64(b[0:8], uint64(origin))
		binary.BigEndian.PutUint32(b[8:12], uint32(seq))
		return append(b, body...)
	}

	d.receive("s", envelope(1, 1, "a"))
	d.receive("s", envelope(1, 1, "a"))
	d.receive("s", envelope(2, 1, "b"))
	d.receive("other", envelope(1, 1, "c"))
	d.receive("s", []byte("short"))

	require.Equal(t, received{"s", []byte("a")}, got.next(t))
	require.Equal(t, received{"s", []byte("b")}, got.next(t))
	require.Equal(t, received{"other", []byte("c")}, got.next(t))
	require.EqualValues(t, 1, d.Duplicates())
	require.EqualValues(t, 1, d.Malformed())
}

func TestDualEnvelopeCarriesOriginAndSequence(t *testing.T) {
	t.Parallel()
	d := NewDual("127.0.0.1:1", "127.0.0.1:2", nil, testOptions(), 0)

	first := d.wrap([]byte("x"))
	second := d.wrap(nil)
	require.Len(t, first, envelopeSize+1)
	require.Len(t, second, envelopeSize)
	require.Equal(t, d.Origin(), int64(binary.BigEndian.Uint64(first[0:8])))
	require.EqualValues(t, 1, binary.BigEndian.Uint32(first[8:12]))
	require.EqualValues(t, 2, binary.BigEndian.Uint32(second[8:12]))
	require.Equal(t, []byte("x"), first[envelopeSize:])
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
