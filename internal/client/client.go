package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/endpoint"
	"github.com/AtDexters-Lab/nexus-notify/internal/iface"
	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
	"github.com/AtDexters-Lab/nexus-notify/internal/wsconn"
	"golang.org/x/time/rate"
)

const (
	reconnectWait        = 60 * time.Second
	dialTimeout          = 10 * time.Second
	shutdownWait         = 10 * time.Second
	maxQueuedWhileDown   = 100
	disconnectedWarnRate = 10 * time.Minute
)

// ErrUnexpectedResponse is returned when the server answers a handshake with
// the wrong message type.
var ErrUnexpectedResponse = errors.New("unexpected handshake response")

// State is the protocol state of a client connection.
type State int32

const (
	NotEstablished State = iota
	Established
	NotReestablished
)

func (s State) String() string {
	switch s {
	case NotEstablished:
		return "NOT_ESTABLISHED"
	case Established:
		return "ESTABLISHED"
	case NotReestablished:
		return "NOT_REESTABLISHED"
	}
	return "UNKNOWN"
}

// Options tunes a Client. The zero value of any field means its default.
type Options struct {
	ReconnectWait              time.Duration
	PingPeriod                 time.Duration
	ReadTimeout                time.Duration
	MaxQueuedWhileDisconnected int
	// Dial overrides how the connection to the server is opened.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		ReconnectWait:              reconnectWait,
		PingPeriod:                 endpoint.ClientPingPeriod,
		ReadTimeout:                2 * endpoint.ServerPingPeriod,
		MaxQueuedWhileDisconnected: maxQueuedWhileDown,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = d.ReconnectWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.MaxQueuedWhileDisconnected <= 0 {
		o.MaxQueuedWhileDisconnected = d.MaxQueuedWhileDisconnected
	}
	if o.Dial == nil {
		o.Dial = dial
	}
	return o
}

func dial(ctx context.Context, addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return wsconn.Dial(ctx, addr)
	}
	d := net.Dialer{Timeout: dialTimeout, KeepAlive: endpoint.ServerPingPeriod}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// Client is one connection to a notification server. A single writer goroutine
// owns the connection lifecycle; a reader goroutine per live connection
// dispatches inbound messages.
type Client struct {
	*endpoint.Base

	addr    string
	handler iface.MessageHandler
	opts    Options
	reasm   *reassembler

	mu       sync.Mutex
	state    State
	conn     net.Conn
	in       *bufio.Reader
	out      *bufio.Writer
	reader   *reader
	clientID int32
	serverID int32
	subjects map[string]struct{}

	messageID    atomic.Int32
	sendMu       sync.Mutex   // keeps NOTIFY ids in queue order
	lastWritten  atomic.Int32 // highest NOTIFY id handed to the connection
	connectedAt  time.Time    // owned by the writer goroutine
	connected    atomic.Bool
	shuttingDown atomic.Bool
	started      atomic.Bool
	shutdownOnce sync.Once

	dropWarning rate.Sometimes
	dropped     atomic.Int64

	quit chan struct{}
	done chan struct{}
}

// New creates a client for the server at addr ("host:port" or a ws:// URL).
// Nothing is dialled until Start.
func New(addr string, handler iface.MessageHandler, opts Options) *Client {
	c := &Client{
		Base:        endpoint.NewBase(),
		addr:        addr,
		handler:     handler,
		opts:        opts.withDefaults(),
		reasm:       newReassembler(),
		subjects:    make(map[string]struct{}),
		dropWarning: rate.Sometimes{Interval: disconnectedWarnRate},
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	c.messageID.Store(rand.Int31n(1000))
	return c
}

// Start launches the writer goroutine. Calling it more than once has no effect.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run()
}

// Addr returns the server address this client connects to.
func (c *Client) Addr() string { return c.addr }

// ClientID returns the id assigned by the server, or 0 before the first handshake.
func (c *Client) ClientID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dropped returns how many queued messages were discarded while disconnected.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

func (c *Client) nextMessageID() int32 { return c.messageID.Add(1) }

func (c *Client) diag() string {
	return fmt.Sprintf("server %s client %d", c.addr, c.ClientID())
}

func (c *Client) run() {
	defer close(c.done)
	for !c.shuttingDown.Load() {
		if !c.connected.Load() {
			if !c.backoff() {
				return
			}
			if err := c.connect(); err != nil {
				log.Printf("WARN: [CLIENT] Could not connect to %s: %v. Retrying in %s", c.addr, err, c.opts.ReconnectWait)
				select {
				case <-c.quit:
					return
				case <-time.After(c.opts.ReconnectWait):
				}
				continue
			}
		}

		var err error
		switch c.State() {
		case NotEstablished:
			err = c.establish()
		case NotReestablished:
			err = c.reestablish()
		default:
			err = c.writeMessages()
		}
		if err != nil {
			if c.shuttingDown.Load() {
				c.closeConnection(nil)
				return
			}
			c.disconnect(err)
		}
	}
}

// backoff keeps a session that failed right after connecting from being
// redialled before ReconnectWait has passed. It returns false on shutdown.
func (c *Client) backoff() bool {
	if c.connectedAt.IsZero() {
		return true
	}
	wait := c.opts.ReconnectWait - time.Since(c.connectedAt)
	if wait <= 0 {
		return true
	}
	log.Printf("WARN: [CLIENT] Session with %s ended after %s. Reconnecting in %s", c.addr, time.Since(c.connectedAt).Round(time.Millisecond), wait.Round(time.Millisecond))
	select {
	case <-c.quit:
		return false
	case <-time.After(wait):
		return true
	}
}

func (c *Client) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := c.opts.Dial(ctx, c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.in = bufio.NewReader(conn)
	c.out = bufio.NewWriterSize(conn, protocol.TCPPacketSize)
	c.mu.Unlock()
	c.connectedAt = time.Now()
	c.connected.Store(true)
	endpoint.Debugf("[CLIENT] Connected to %s", c.addr)
	return nil
}

// disconnect tears down the current connection after a failure.
func (c *Client) disconnect(err error) {
	log.Printf("ERROR: [CLIENT] Connection to %s failed: %v", c.diag(), err)
	c.closeConnection(nil)
}

// closeConnection closes the socket and demotes an established session so the
// next connection resumes it. When r is set, only r's connection is closed.
func (c *Client) closeConnection(r *reader) {
	c.mu.Lock()
	if r != nil && c.reader != r {
		c.mu.Unlock()
		return
	}
	if c.reader != nil {
		c.reader.abort()
		c.reader = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.state == Established {
		c.state = NotReestablished
	}
	c.mu.Unlock()
	c.connected.Store(false)
	c.Queue.Wake()
}

func (c *Client) current() (net.Conn, *bufio.Reader, *bufio.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, nil, nil, net.ErrClosed
	}
	return c.conn, c.in, c.out, nil
}

// handshake writes req directly, bypassing the queue, and reads the reply.
func (c *Client) handshake(req *protocol.Message) (*protocol.Message, error) {
	conn, in, out, err := c.current()
	if err != nil {
		return nil, err
	}
	if _, err := c.WriteBatch(out, []*protocol.Message{req}, c.addr); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Type, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	resp, err := protocol.ReadMessage(in)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.Type, err)
	}
	endpoint.Debugf("[CLIENT] received %s from %s", resp, c.addr)
	return resp, nil
}

func (c *Client) establish() error {
	resp, err := c.handshake(protocol.NewMessage(protocol.TypeEstablish, 0, c.nextMessageID(), nil))
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypeEstablishResponse {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedResponse, protocol.TypeEstablishResponse, resp.Type)
	}
	if err := c.adoptIdentity(resp); err != nil {
		return err
	}
	// Queue before the state flips so WaitForAllAcks cannot see an empty queue.
	c.SendAck(c.ClientID(), resp)
	c.subscribeAll()
	c.becomeEstablished()
	log.Printf("INFO: [CLIENT] Established link to server id %d with local id %d (%s)", resp.SenderID, c.ClientID(), c.addr)
	return nil
}

func (c *Client) reestablish() error {
	c.mu.Lock()
	clientID, serverID := c.clientID, c.serverID
	c.mu.Unlock()

	resp, err := c.handshake(protocol.NewIDMessage(protocol.TypeReestablish, clientID, c.nextMessageID(), serverID))
	if err != nil {
		return err
	}
	switch resp.Type {
	case protocol.TypeServerRecycled:
		if err := c.adoptIdentity(resp); err != nil {
			return err
		}
		log.Printf("WARN: [CLIENT] Server at %s was recycled; new server id %d, new local id %d", c.addr, resp.SenderID, c.ClientID())
		c.SendAck(c.ClientID(), resp)
	case protocol.TypeAck:
	default:
		return fmt.Errorf("%w: expected %s or %s, got %s", ErrUnexpectedResponse, protocol.TypeAck, protocol.TypeServerRecycled, resp.Type)
	}

	c.Queue.PushFrontAll(c.TakeUnacked())
	c.subscribeAll()
	c.becomeEstablished()
	log.Printf("INFO: [CLIENT] Re-established link to server id %d with local id %d (%s)", resp.SenderID, c.ClientID(), c.addr)
	return nil
}

func (c *Client) adoptIdentity(resp *protocol.Message) error {
	id, err := resp.PayloadInt()
	if err != nil {
		return fmt.Errorf("%s payload: %w", resp.Type, err)
	}
	c.mu.Lock()
	c.clientID = id
	c.serverID = resp.SenderID
	c.mu.Unlock()
	return nil
}

func (c *Client) becomeEstablished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Established
	r := &reader{client: c, conn: c.conn, in: c.in}
	c.reader = r
	go r.run()
}

func (c *Client) subscribeAll() {
	c.mu.Lock()
	if len(c.subjects) == 0 {
		c.mu.Unlock()
		return
	}
	subjects := make([]string, 0, len(c.subjects))
	for s := range c.subjects {
		subjects = append(subjects, s)
	}
	clientID := c.clientID
	c.mu.Unlock()

	sort.Strings(subjects)
	c.Queue.PushFront(protocol.NewSubscribe(clientID, c.nextMessageID(), subjects))
}

func (c *Client) writeMessages() error {
	batch := c.NextBatch(endpoint.DrainWait)
	if len(batch) == 0 {
		c.QueuePingIfIdle(c.opts.PingPeriod, c.ClientID(), c.nextMessageID)
		return nil
	}
	_, _, out, err := c.current()
	if err != nil {
		return err
	}
	clientID := c.ClientID()
	for _, m := range batch {
		m.SenderID = clientID
		if m.Type == protocol.TypeNotify && m.MessageID > c.lastWritten.Load() {
			c.lastWritten.Store(m.MessageID)
		}
	}
	if _, err := c.WriteBatch(out, batch, c.addr); err != nil {
		return fmt.Errorf("could not send messages to server: %w", err)
	}
	return nil
}

// Subscribe adds subject to the subscription set. Subscriptions survive reconnects.
func (c *Client) Subscribe(subject string) {
	c.mu.Lock()
	if _, ok := c.subjects[subject]; ok {
		c.mu.Unlock()
		return
	}
	c.subjects[subject] = struct{}{}
	clientID := c.clientID
	c.mu.Unlock()

	if clientID != 0 {
		c.Queue.PushBack(protocol.NewSubscribe(clientID, c.nextMessageID(), []string{subject}))
	}
}

// BroadcastNotification queues a single-packet NOTIFY. Delivery is best effort:
// while disconnected only the newest messages are kept. The only error is an
// unusable subject.
func (c *Client) BroadcastNotification(subject string, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	m, err := protocol.NewNotify(c.ClientID(), c.nextMessageID(), subject, body)
	if err != nil {
		return err
	}
	c.Queue.PushBack(m)
	c.trimWhileDisconnected()
	return nil
}

// trimWhileDisconnected drops whole messages, oldest first, until the queue is
// back within bounds. Messages already written to the server are kept so that
// resending them cannot break the server's packet sequence.
func (c *Client) trimWhileDisconnected() {
	for !c.connected.Load() && c.Queue.Len() > c.opts.MaxQueuedWhileDisconnected {
		if c.Queue.DropOldestNotify(c.lastWritten.Load()) == 0 {
			return
		}
		c.dropped.Add(1)
		c.dropWarning.Do(func() {
			log.Printf("WARN: [CLIENT] Losing messages, not connected to notification server %s", c.addr)
		})
	}
}

// BroadcastNotificationWithPacketization queues body split over as many packets
// as needed to keep every frame within one TCP packet.
func (c *Client) BroadcastNotificationWithPacketization(subject string, body []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	packets, err := protocol.Packetize(c.ClientID(), c.nextMessageID(), subject, body)
	if err != nil {
		return err
	}
	c.Queue.PushBackAll(packets)
	c.trimWhileDisconnected()
	return nil
}

// WaitForAllAcks waits for the session to be established and then for every
// queued and in-flight message to be acknowledged.
func (c *Client) WaitForAllAcks() bool {
	deadline := time.Now().Add(time.Minute)
	for c.State() != Established {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
	return c.Base.WaitForAllAcks()
}

// Shutdown tells the server this client is leaving, flushes what it can and
// closes the connection.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.reader != nil {
		c.reader.abort()
	}
	clientID := c.clientID
	c.mu.Unlock()

	wasConnected := c.connected.Load()
	if wasConnected {
		c.Queue.PushBack(protocol.NewMessage(protocol.TypeShutdown, clientID, c.nextMessageID(), nil))
	}
	c.shuttingDown.Store(true)
	close(c.quit)
	c.Queue.Wake()

	if c.started.Load() {
		select {
		case <-c.done:
		case <-time.After(shutdownWait):
			log.Printf("WARN: [CLIENT] Writer for %s did not stop within %s", c.addr, shutdownWait)
		}
	}

	if wasConnected && c.connected.Load() && c.Queue.Len() > 0 {
		if conn, _, out, err := c.current(); err == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(shutdownWait))
			batch := c.Queue.TakeAll()
			for _, m := range batch {
				m.SenderID = clientID
			}
			if _, err := c.WriteBatch(out, batch, c.addr); err != nil {
				log.Printf("WARN: [CLIENT] Could not flush %d messages to %s on shutdown: %v", len(batch), c.addr, err)
			}
		}
	}
	c.closeConnection(nil)
	log.Printf("INFO: [CLIENT] Shut down connection to %s", c.addr)
}

// reader dispatches inbound messages for one connection.
type reader struct {
	client  *Client
	conn    net.Conn
	in      *bufio.Reader
	aborted atomic.Bool
}

func (r *reader) abort() { r.aborted.Store(true) }

func (r *reader) run() {
	c := r.client
	for !r.aborted.Load() {
		_ = r.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		m, err := protocol.ReadMessage(r.in)
		if err == nil {
			endpoint.Debugf("[CLIENT] received %s from %s", m, c.addr)
			err = c.dispatch(m)
		}
		if err != nil {
			if r.aborted.Load() || c.shuttingDown.Load() {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Printf("WARN: [CLIENT] Server %s closed the connection", c.addr)
			} else {
				log.Printf("ERROR: [CLIENT] Reading from %s failed: %v", c.diag(), err)
			}
			c.closeConnection(r)
			return
		}
	}
}

func (c *Client) dispatch(m *protocol.Message) error {
	switch m.Type {
	case protocol.TypeAck:
		c.ProcessAck(m)
	case protocol.TypePing:
		c.SendAck(c.ClientID(), m)
	case protocol.TypeNotify:
		return c.respondToNotify(m)
	default:
		log.Printf("WARN: [CLIENT] Ignoring unexpected %s from %s", m.Type, c.addr)
	}
	return nil
}

func (c *Client) respondToNotify(m *protocol.Message) error {
	subject, body, complete, err := c.reasm.accept(m)
	if err != nil {
		return err
	}
	if complete && c.handler != nil {
		c.handler.HandleMessage(subject, body)
	}
	c.SendAck(c.ClientID(), m)
	return nil
}
