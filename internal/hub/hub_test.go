package hub_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/hub"
	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
	"github.com/AtDexters-Lab/nexus-notify/internal/wsconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const readLimit = 5 * time.Second

func startServer(t *testing.T, opts hub.Options) *hub.Server {
	t.Helper()
	s := hub.NewWithOptions(opts, nil)
	s.Start()
	s.WaitForStartup()
	t.Cleanup(s.Shutdown)
	return s
}

// rawClient speaks the wire protocol directly so tests control every frame.
type rawClient struct {
	t        *testing.T
	conn     net.Conn
	in       *bufio.Reader
	clientID int32
	serverID int32
	nextID   int32
}

func dialRaw(t *testing.T, s *hub.Server) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn, in: bufio.NewReader(conn), nextID: 500}
}

func (c *rawClient) id() int32 {
	c.nextID++
	return c.nextID
}

func (c *rawClient) send(m *protocol.Message) {
	c.t.Helper()
	_, err := m.WriteTo(c.conn)
	require.NoError(c.t, err)
}

func (c *rawClient) read() *protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readLimit)))
	m, err := protocol.ReadMessage(c.in)
	require.NoError(c.t, err)
	return m
}

func (c *rawClient) readAck(of *protocol.Message) {
	c.t.Helper()
	ack := c.read()
	require.Equal(c.t, protocol.TypeAck, ack.Type)
	require.Equal(c.t, of.MessageID, ack.MessageID)
	require.Equal(c.t, of.PacketNumber, ack.PacketNumber)
}

func (c *rawClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	m, err := protocol.ReadMessage(c.in)
	require.Error(c.t, err, "unexpected message %v", m)
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "expected timeout, got %v", err)
}

// expectClosed reads until the server drops the connection.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readLimit)))
	for {
		_, err := protocol.ReadMessage(c.in)
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection was not closed")
		return
	}
}

func (c *rawClient) establish() {
	c.t.Helper()
	c.send(protocol.NewMessage(protocol.TypeEstablish, 0, c.id(), nil))
	resp := c.read()
	require.Equal(c.t, protocol.TypeEstablishResponse, resp.Type)
	id, err := resp.PayloadInt()
	require.NoError(c.t, err)
	c.clientID = id
	c.serverID = resp.SenderID
	c.send(protocol.NewAck(id, resp))
}

func (c *rawClient) subscribe(subjects ...string) {
	c.t.Helper()
	m := protocol.NewSubscribe(c.clientID, c.id(), subjects)
	c.send(m)
	c.readAck(m)
}

func (c *rawClient) notify(subject string, body []byte) *protocol.Message {
	c.t.Helper()
	m, err := protocol.NewNotify(c.clientID, c.id(), subject, body)
	require.NoError(c.t, err)
	c.send(m)
	return m
}

func (c *rawClient) readNotify() (*protocol.Message, string, []byte) {
	c.t.Helper()
	m := c.read()
	require.Equal(c.t, protocol.TypeNotify, m.Type)
	c.send(protocol.NewAck(c.clientID, m))
	if m.Status == protocol.StatusAbort || m.PacketNumber > 0 {
		return m, "", nil
	}
	subject, body, err := protocol.DecodeNotify(m.Payload)
	if m.Status == protocol.StatusLast {
		require.NoError(c.t, err)
	}
	return m, subject, body
}

func TestEstablishAssignsDistinctClientIDs(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	a := dialRaw(t, s)
	b := dialRaw(t, s)
	a.establish()
	b.establish()

	require.NotZero(t, a.clientID)
	require.NotEqual(t, a.clientID, b.clientID)
	require.NotEqual(t, s.ServerID(), a.clientID)
	require.Equal(t, s.ServerID(), a.serverID)
	require.Equal(t, s.ServerID(), b.serverID)
	require.NotZero(t, s.Port())
}

func TestNotifyBeforeEstablishClosesConnection(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	c := dialRaw(t, s)
	m, err := protocol.NewNotify(7, 1, "subject", []byte("body"))
	require.NoError(t, err)
	c.send(m)
	c.expectClosed()
}

func TestNotifyRelayedToSubscribersOnly(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	sender := dialRaw(t, s)
	subscriber := dialRaw(t, s)
	other := dialRaw(t, s)
	for _, c := range []*rawClient{sender, subscriber, other} {
		c.establish()
	}
	sender.subscribe("cache.orders")
	subscriber.subscribe("cache.orders", "cache.items")
	other.subscribe("cache.items")

	sent := sender.notify("cache.orders", []byte("evict 42"))
	sender.readAck(sent)

	m, subject, body := subscriber.readNotify()
	require.Equal(t, s.ServerID(), m.SenderID)
	require.Equal(t, "cache.orders", subject)
	require.Equal(t, []byte("evict 42"), body)

	sender.expectSilence(200 * time.Millisecond)
	other.expectSilence(200 * time.Millisecond)

	require.True(t, s.WaitForMessagesReceived(1))
	require.EqualValues(t, 1, s.Stats().MessagesBroadcast)
}

func TestPacketizedNotifyRelayedInOrder(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	sender := dialRaw(t, s)
	subscriber := dialRaw(t, s)
	sender.establish()
	subscriber.establish()
	subscriber.subscribe("bulk")

	body := bytes.Repeat([]byte("0123456789"), 500)
	packets, err := protocol.Packetize(sender.clientID, sender.id(), "bulk", body)
	require.NoError(t, err)
	require.Len(t, packets, 4)
	for _, p := range packets {
		sender.send(p)
	}
	for _, p := range packets {
		sender.readAck(p)
	}

	var payload []byte
	var relayedID int32
	for i := range packets {
		m := subscriber.read()
		require.Equal(t, protocol.TypeNotify, m.Type)
		require.EqualValues(t, i, m.PacketNumber)
		if i == 0 {
			relayedID = m.MessageID
		}
		require.Equal(t, relayedID, m.MessageID)
		require.Equal(t, packets[i].Status, m.Status)
		payload = append(payload, m.Payload...)
		subscriber.send(protocol.NewAck(subscriber.clientID, m))
	}
	subject, got, err := protocol.DecodeNotify(payload)
	require.NoError(t, err)
	require.Equal(t, "bulk", subject)
	require.Equal(t, body, got)
	require.True(t, s.WaitForAllAcks())
}

func TestOutOfSequencePacketBroadcastsAbort(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	sender := dialRaw(t, s)
	subscriber := dialRaw(t, s)
	sender.establish()
	subscriber.establish()
	subscriber.subscribe("bulk")

	packets, err := protocol.Packetize(sender.clientID, sender.id(), "bulk", bytes.Repeat([]byte{1}, 4000))
	require.NoError(t, err)
	require.Len(t, packets, 3)

	sender.send(packets[0])
	sender.send(packets[2])

	first, _, _ := subscriber.readNotify()
	require.EqualValues(t, 0, first.PacketNumber)
	abort, _, _ := subscriber.readNotify()
	require.Equal(t, protocol.StatusAbort, abort.Status)
	require.Equal(t, first.MessageID, abort.MessageID)

	sender.expectClosed()
	require.EqualValues(t, 1, s.Stats().MessagesAborted)
}

func TestDuplicatePacketAckedButNotRelayed(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	sender := dialRaw(t, s)
	subscriber := dialRaw(t, s)
	sender.establish()
	subscriber.establish()
	subscriber.subscribe("subject")

	packets, err := protocol.Packetize(sender.clientID, sender.id(), "subject", bytes.Repeat([]byte{2}, 2000))
	require.NoError(t, err)
	require.Len(t, packets, 2)

	sender.send(packets[0])
	sender.send(packets[0])
	sender.send(packets[1])
	sender.send(packets[1])
	single := sender.notify("subject", []byte("once"))
	sender.send(single)

	sender.readAck(packets[0])
	sender.readAck(packets[0])
	sender.readAck(packets[1])
	sender.readAck(packets[1])
	sender.readAck(single)
	sender.readAck(single)

	m0, _, _ := subscriber.readNotify()
	m1, _, _ := subscriber.readNotify()
	require.EqualValues(t, 0, m0.PacketNumber)
	require.EqualValues(t, 1, m1.PacketNumber)
	_, subject, body := subscriber.readNotify()
	require.Equal(t, "subject", subject)
	require.Equal(t, []byte("once"), body)
	subscriber.expectSilence(200 * time.Millisecond)
}

func TestReestablishResumesSession(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	sender := dialRaw(t, s)
	subscriber := dialRaw(t, s)
	sender.establish()
	subscriber.establish()
	subscriber.subscribe("subject")

	// The first connection never acks, then disappears.
	m := sender.notify("subject", []byte("pending"))
	sender.readAck(m)
	relayed := subscriber.read()
	require.Equal(t, protocol.TypeNotify, relayed.Type)
	require.NoError(t, subscriber.conn.Close())

	require.Eventually(t, func() bool { return s.Stats().ConnectedClients == 1 }, readLimit, 10*time.Millisecond)

	again := dialRaw(t, s)
	again.clientID = subscriber.clientID
	req := protocol.NewIDMessage(protocol.TypeReestablish, subscriber.clientID, again.id(), s.ServerID())
	again.send(req)
	again.readAck(req)

	// Subscriptions carried over and the unacked message comes back.
	_, subject, body := again.readNotify()
	require.Equal(t, "subject", subject)
	require.Equal(t, []byte("pending"), body)

	next := sender.notify("subject", []byte("next"))
	sender.readAck(next)
	_, _, body = again.readNotify()
	require.Equal(t, []byte("next"), body)
}

func TestReestablishWithUnknownServerIsRecycled(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	c := dialRaw(t, s)
	c.send(protocol.NewIDMessage(protocol.TypeReestablish, 77, c.id(), s.ServerID()+1))
	resp := c.read()
	require.Equal(t, protocol.TypeServerRecycled, resp.Type)
	require.Equal(t, s.ServerID(), resp.SenderID)
	id, err := resp.PayloadInt()
	require.NoError(t, err)
	require.NotZero(t, id)
}

func TestReestablishWithoutClientIDLeavesHandshakesAlone(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	pending := dialRaw(t, s)
	c := dialRaw(t, s)
	c.send(protocol.NewIDMessage(protocol.TypeReestablish, 0, c.id(), s.ServerID()))
	resp := c.read()
	require.Equal(t, protocol.TypeServerRecycled, resp.Type)

	pending.establish()
	require.NotZero(t, pending.clientID)
	id, err := resp.PayloadInt()
	require.NoError(t, err)
	require.NotEqual(t, id, pending.clientID)
}

func TestShutdownWithoutStartReturns(t *testing.T) {
	t.Parallel()
	s := hub.New(0, nil)
	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(readLimit):
		t.Fatal("shutdown of a server that never started did not return")
	}
}

func TestShutdownMessageRemovesClient(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	c := dialRaw(t, s)
	c.establish()
	require.Eventually(t, func() bool { return s.Stats().ConnectedClients == 1 }, readLimit, 10*time.Millisecond)

	c.send(protocol.NewMessage(protocol.TypeShutdown, c.clientID, c.id(), nil))
	c.expectClosed()
	require.Eventually(t, func() bool { return s.Stats().ConnectedClients == 0 }, readLimit, 10*time.Millisecond)
}

func TestPingIsAcked(t *testing.T) {
	t.Parallel()
	s := startServer(t, hub.DefaultOptions(0))

	c := dialRaw(t, s)
	c.establish()
	ping := protocol.NewMessage(protocol.TypePing, c.clientID, c.id(), nil)
	c.send(ping)
	c.readAck(ping)
}

func TestServerShutdownClosesClients(t *testing.T) {
	t.Parallel()
	s := hub.New(0, nil)
	s.Start()
	s.WaitForStartup()

	c := dialRaw(t, s)
	c.establish()
	s.Shutdown()
	c.expectClosed()

	_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), time.Second)
	require.Error(t, err)
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	opts := hub.DefaultOptions(0)
	opts.Registry = reg
	s := startServer(t, opts)

	c := dialRaw(t, s)
	c.establish()
	ping := protocol.NewMessage(protocol.TypePing, c.clientID, c.id(), nil)
	c.send(ping)
	c.readAck(ping)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	require.Contains(t, values, "notify_server_messages_received_total")
	require.GreaterOrEqual(t, values["notify_server_messages_received_total"], 2.0)
	require.Equal(t, 1.0, values["notify_server_connected_clients"])
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestWebSocketClientsShareTheRelay(t *testing.T) {
	t.Parallel()
	opts := hub.DefaultOptions(0)
	opts.WebSocketListenAddress = freeAddr(t)
	s := startServer(t, opts)

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = wsconn.Dial(context.Background(), "ws://"+opts.WebSocketListenAddress+hub.WebSocketPath)
		return err == nil
	}, readLimit, 20*time.Millisecond)
	t.Cleanup(func() { _ = conn.Close() })
	ws := &rawClient{t: t, conn: conn, in: bufio.NewReader(conn), nextID: 900}
	ws.establish()
	ws.subscribe("subject")

	tcp := dialRaw(t, s)
	tcp.establish()
	sent := tcp.notify("subject", []byte("over websocket"))
	tcp.readAck(sent)

	_, subject, body := ws.readNotify()
	require.Equal(t, "subject", subject)
	require.Equal(t, []byte("over websocket"), body)
	require.NotEqual(t, ws.clientID, tcp.clientID)
}
