package hub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/endpoint"
	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
	"github.com/google/uuid"
)

var (
	// ErrOutOfSequence reports a NOTIFY packet that breaks its sender's packet order.
	ErrOutOfSequence = errors.New("packet out of sequence")
	// ErrProtocolState reports a message the connection's state does not allow,
	// such as a NOTIFY before ESTABLISH.
	ErrProtocolState = errors.New("message not valid in current protocol state")

	errClientShutdown = errors.New("client shut down")
)

// Handler serves one client connection on the server side.
type Handler struct {
	*endpoint.Base

	id     string
	server *Server
	conn   net.Conn
	diag   string
	in     *bufio.Reader
	out    *bufio.Writer

	clientID    atomic.Int32
	established atomic.Bool
	stopped     atomic.Bool
	startTime   time.Time
	abortTime   atomic.Int64

	quit          chan struct{}
	stopOnce      sync.Once
	writerStarted atomic.Bool
	writerDone    chan struct{}

	// NOTIFY sequencing for this sender.
	seqMu                   sync.Mutex
	seenMessage             bool
	expectingNewMessage     bool
	lastIncompleteMessageID int32
	lastPacketNumber        int32
	lastSubject             string
	lastClonedMessageID     int32

	subsMu   sync.RWMutex
	subjects map[string]struct{}
}

func newHandler(s *Server, conn net.Conn) *Handler {
	return &Handler{
		Base:                endpoint.NewBase(),
		id:                  uuid.New().String(),
		server:              s,
		conn:                conn,
		diag:                fmt.Sprintf("host %s", conn.RemoteAddr()),
		in:                  bufio.NewReader(conn),
		out:                 bufio.NewWriterSize(conn, protocol.TCPPacketSize),
		startTime:           time.Now(),
		quit:                make(chan struct{}),
		writerDone:          make(chan struct{}),
		expectingNewMessage: true,
		lastPacketNumber:    -1,
		subjects:            make(map[string]struct{}),
	}
}

// ID is a diagnostic identifier unique to this connection.
func (h *Handler) ID() string { return h.id }

// ClientID returns the client id, or 0 before the handshake.
func (h *Handler) ClientID() int32 { return h.clientID.Load() }

// AbortTime returns when the connection was aborted, or the zero time.
func (h *Handler) AbortTime() time.Time {
	ns := h.abortTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (h *Handler) String() string {
	return fmt.Sprintf("client %d (%s)", h.ClientID(), h.diag)
}

func (h *Handler) start() {
	go h.readPump()
}

func (h *Handler) startWriter() {
	if h.writerStarted.CompareAndSwap(false, true) {
		go h.writePump()
	}
}

// stop ends both pumps and closes the socket.
func (h *Handler) stop() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		close(h.quit)
		_ = h.conn.Close()
		h.Queue.Wake()
	})
}

// abort drops the connection but keeps the handler's state in the aborted
// registry so that a reconnecting client can resume it.
func (h *Handler) abort(reason string, err error) {
	if h.stopped.Load() {
		return
	}
	h.abortTime.Store(time.Now().UnixNano())
	if err != nil {
		log.Printf("WARN: [HUB] %s for %s: %v", reason, h, err)
	} else {
		log.Printf("WARN: [HUB] %s for %s", reason, h)
	}
	h.stop()
	h.server.registry.abort(h)
}

// waitWriter waits for the writer goroutine to exit after stop.
func (h *Handler) waitWriter(limit time.Duration) {
	if !h.writerStarted.Load() {
		return
	}
	select {
	case <-h.writerDone:
	case <-time.After(limit):
		log.Printf("WARN: [HUB] Writer for %s did not exit within %s", h, limit)
	}
}

func (h *Handler) readPump() {
	opts := h.server.opts
	for {
		_ = h.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		m, err := protocol.ReadMessage(h.in)
		if err == nil {
			h.server.stats.received(len(m.Payload))
			endpoint.Debugf("[HUB] received %s from %s", m, h)
			err = h.dispatch(m)
		}
		if err == nil {
			continue
		}
		if h.stopped.Load() || errors.Is(err, errClientShutdown) {
			return
		}
		switch {
		case errors.Is(err, io.EOF):
			h.abort("Connection closed by peer", nil)
		case errors.Is(err, ErrOutOfSequence):
			h.abort("Message out of sequence", err)
		default:
			h.abort("Could not read from client", err)
		}
		return
	}
}

func (h *Handler) writePump() {
	defer close(h.writerDone)
	opts := h.server.opts
	for {
		batch := h.NextBatch(endpoint.DrainWait)
		if h.stopped.Load() {
			return
		}
		if len(batch) == 0 {
			h.QueuePingIfIdle(opts.PingPeriod, h.server.ServerID(), h.server.nextMessageID)
			continue
		}
		_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := h.WriteBatch(h.out, batch, h.diag); err != nil {
			h.abort("Could not write to client", err)
			return
		}
		for _, m := range batch {
			h.server.stats.sent(len(m.Payload))
		}
	}
}

func (h *Handler) dispatch(m *protocol.Message) error {
	if !h.established.Load() {
		switch m.Type {
		case protocol.TypeEstablish:
			h.respondToEstablish(protocol.TypeEstablishResponse)
			return nil
		case protocol.TypeReestablish:
			return h.respondToReestablish(m)
		}
		return fmt.Errorf("%w: %s before handshake", ErrProtocolState, m.Type)
	}

	switch m.Type {
	case protocol.TypeNotify:
		return h.respondToNotify(m)
	case protocol.TypeSubscribe:
		return h.respondToSubscribe(m)
	case protocol.TypePing:
		h.SendAck(h.server.ServerID(), m)
	case protocol.TypeAck:
		h.ProcessAck(m)
	case protocol.TypeShutdown:
		h.respondToShutdown()
		return errClientShutdown
	default:
		return fmt.Errorf("%w: %s after handshake", ErrProtocolState, m.Type)
	}
	return nil
}

func (h *Handler) respondToEstablish(responseType protocol.Type) {
	s := h.server
	id := s.nextClientID()
	h.clientID.Store(id)
	h.Queue.PushFront(protocol.NewIDMessage(responseType, s.ServerID(), s.nextMessageID(), id))
	h.established.Store(true)
	s.registry.markEstablished(h)
	h.startWriter()
	log.Printf("INFO: [HUB] %s assigned to %s", responseType, h)
}

func (h *Handler) respondToReestablish(m *protocol.Message) error {
	s := h.server
	knownServerID, err := m.PayloadInt()
	if err != nil {
		return err
	}
	// Client id 0 never had a session; it would match handshakes in progress.
	if knownServerID != s.ServerID() || m.SenderID == 0 {
		h.respondToEstablish(protocol.TypeServerRecycled)
		return nil
	}
	old := s.existingHandler(m.SenderID)
	if old == nil {
		h.respondToEstablish(protocol.TypeServerRecycled)
		return nil
	}
	old.waitWriter(writeWait)

	h.clientID.Store(m.SenderID)
	h.adoptSession(old)
	h.established.Store(true)
	s.registry.markEstablished(h)
	s.registry.removeAborted(old)

	// Writer not started yet, so this order is the wire order: the ack first,
	// then whatever the old connection never delivered.
	pending := append(old.TakeUnacked(), old.Queue.TakeAll()...)
	h.Queue.PushFrontAll(pending)
	h.Queue.PushFront(protocol.NewAck(s.ServerID(), m))
	h.startWriter()
	log.Printf("INFO: [HUB] Re-established %s, resending %d messages", h, len(pending))
	return nil
}

// adoptSession copies subscriptions and partial-message tracking from the
// handler of the client's previous connection.
func (h *Handler) adoptSession(old *Handler) {
	old.subsMu.RLock()
	h.subsMu.Lock()
	for s := range old.subjects {
		h.subjects[s] = struct{}{}
	}
	h.subsMu.Unlock()
	old.subsMu.RUnlock()

	old.seqMu.Lock()
	h.seqMu.Lock()
	h.seenMessage = old.seenMessage
	h.expectingNewMessage = old.expectingNewMessage
	h.lastIncompleteMessageID = old.lastIncompleteMessageID
	h.lastPacketNumber = old.lastPacketNumber
	h.lastSubject = old.lastSubject
	h.lastClonedMessageID = old.lastClonedMessageID
	h.seqMu.Unlock()
	old.seqMu.Unlock()
}

type sequenceVerdict int

const (
	relay sequenceVerdict = iota
	ignoreRetransmit
	violation
)

// sequence checks m against the sender's in-progress message and advances the
// tracking state when m is accepted.
func (h *Handler) sequence(m *protocol.Message) (verdict sequenceVerdict, clonedID int32, subject string, err error) {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()

	if h.expectingNewMessage {
		switch {
		case h.seenMessage && m.MessageID <= h.lastIncompleteMessageID,
			!h.seenMessage && m.PacketNumber != 0:
			// Tail packets resent after a server restart have no head to follow.
			log.Printf("WARN: [HUB] Ignoring possible retransmit from %s. Current message id: %d ignored: %s", h, h.lastIncompleteMessageID, m)
			return ignoreRetransmit, 0, "", nil
		case m.PacketNumber == 0:
			subject, err := m.NotifySubject()
			if err != nil {
				return violation, h.lastClonedMessageID, h.lastSubject, err
			}
			h.lastIncompleteMessageID = m.MessageID
			h.lastSubject = subject
			h.lastClonedMessageID = h.server.nextMessageID()
			h.lastPacketNumber = 0
			h.seenMessage = true
			h.expectingNewMessage = false
		case m.MessageID > h.lastIncompleteMessageID:
			return violation, h.lastClonedMessageID, h.lastSubject,
				fmt.Errorf("%w: unexpected %s", ErrOutOfSequence, m)
		default:
			log.Printf("WARN: [HUB] Ignoring possible retransmit from %s. Current message id: %d ignored: %s", h, h.lastIncompleteMessageID, m)
			return ignoreRetransmit, 0, "", nil
		}
	} else {
		switch {
		case m.MessageID == h.lastIncompleteMessageID && m.PacketNumber == h.lastPacketNumber+1:
			h.lastPacketNumber++
		case m.MessageID == h.lastIncompleteMessageID && m.PacketNumber <= h.lastPacketNumber:
			return ignoreRetransmit, 0, "", nil
		case m.MessageID < h.lastIncompleteMessageID:
			log.Printf("WARN: [HUB] Ignoring possible retransmit from %s. Current message id: %d ignored: %s", h, h.lastIncompleteMessageID, m)
			return ignoreRetransmit, 0, "", nil
		default:
			return violation, h.lastClonedMessageID, h.lastSubject,
				fmt.Errorf("%w: expecting packet %d for message %d but got %s", ErrOutOfSequence, h.lastPacketNumber+1, h.lastIncompleteMessageID, m)
		}
	}

	if m.Status == protocol.StatusLast {
		h.expectingNewMessage = true
	}
	return relay, h.lastClonedMessageID, h.lastSubject, nil
}

func (h *Handler) respondToNotify(m *protocol.Message) error {
	verdict, clonedID, subject, err := h.sequence(m)
	switch verdict {
	case ignoreRetransmit:
		h.SendAck(h.server.ServerID(), m)
		return nil
	case violation:
		h.server.broadcastAbort(h, clonedID, subject)
		if !errors.Is(err, ErrOutOfSequence) {
			err = fmt.Errorf("%w: %w", ErrOutOfSequence, err)
		}
		return err
	}
	h.server.broadcastNotify(h, m, clonedID, subject)
	h.SendAck(h.server.ServerID(), m)
	return nil
}

func (h *Handler) respondToSubscribe(m *protocol.Message) error {
	subjects, err := protocol.DecodeSubjects(m.Payload)
	if err != nil {
		return err
	}
	h.subsMu.Lock()
	for _, s := range subjects {
		h.subjects[s] = struct{}{}
	}
	h.subsMu.Unlock()
	h.SendAck(h.server.ServerID(), m)
	return nil
}

func (h *Handler) respondToShutdown() {
	log.Printf("INFO: [HUB] %s shut down", h)
	h.stop()
	h.server.registry.remove(h)
}

func (h *Handler) subscribed(subject string) bool {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	_, ok := h.subjects[subject]
	return ok
}

// queueIfSubscribed queues m when this client subscribed to subject.
func (h *Handler) queueIfSubscribed(m *protocol.Message, subject string) bool {
	if !h.subscribed(subject) {
		return false
	}
	h.Queue.PushBack(m)
	return true
}
