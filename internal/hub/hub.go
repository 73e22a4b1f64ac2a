package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-notify/internal/endpoint"
	"github.com/AtDexters-Lab/nexus-notify/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	waitPoll        = 100 * time.Millisecond
	waitLimit       = time.Minute
)

// ExceptionHandler is told when the server's listener goroutine fails.
type ExceptionHandler func(error)

// Options tunes a Server. The zero value of any duration means its default.
type Options struct {
	Port int
	// AcceptTimeout makes the accept loop wake up periodically; zero blocks.
	AcceptTimeout time.Duration
	// ReconnectWait is the client reconnect delay. Unestablished and aborted
	// handlers are evicted after three times this.
	ReconnectWait        time.Duration
	PingPeriod           time.Duration
	ReadTimeout          time.Duration
	HousekeepingInterval time.Duration
	StatsInterval        time.Duration

	WebSocketListenAddress string
	MetricsListenAddress   string
	// Registry receives the server's metrics. When nil and MetricsListenAddress
	// is set, a private registry is created.
	Registry *prometheus.Registry
}

// DefaultOptions returns the production settings for port.
func DefaultOptions(port int) Options {
	return Options{
		Port:                 port,
		ReconnectWait:        60 * time.Second,
		PingPeriod:           endpoint.ServerPingPeriod,
		ReadTimeout:          2 * endpoint.ClientPingPeriod,
		HousekeepingInterval: 10 * time.Second,
		StatsInterval:        10 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Port)
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = d.ReconnectWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.HousekeepingInterval <= 0 {
		o.HousekeepingInterval = d.HousekeepingInterval
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = d.StatsInterval
	}
	return o
}

// Server accepts client connections and relays notifications between them.
type Server struct {
	opts    Options
	onError ExceptionHandler

	registry *registry
	stats    Stats
	upgrader websocket.Upgrader

	serverID  atomic.Int32
	messageID atomic.Int32
	clientIDs atomic.Int32

	mu        sync.Mutex
	port      int
	servers   []*http.Server
	listening chan struct{}

	shuttingDown atomic.Bool
	quit         chan struct{}
	quitOnce     sync.Once
	done         chan struct{}
	started      atomic.Bool
}

// New creates a server for port (0 picks a free port) with default options.
func New(port int, onError ExceptionHandler) *Server {
	return NewWithOptions(DefaultOptions(port), onError)
}

// NewWithOptions creates a server.
func NewWithOptions(opts Options, onError ExceptionHandler) *Server {
	return &Server{
		opts:      opts.withDefaults(),
		onError:   onError,
		registry:  newRegistry(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		port:      opts.Port,
		listening: make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetSocketTimeout sets the accept timeout. It must be called before Start.
func (s *Server) SetSocketTimeout(d time.Duration) {
	s.opts.AcceptTimeout = d
}

// Start runs the server in the background.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		if err := s.run(); err != nil {
			log.Printf("ERROR: [HUB] Notification server failed: %v", err)
			if s.onError != nil {
				s.onError(err)
			}
		}
	}()
}

// WaitForStartup blocks until the server is listening or failed to listen.
func (s *Server) WaitForStartup() {
	<-s.listening
}

// Port blocks until the server is listening and returns the bound port.
func (s *Server) Port() int {
	<-s.listening
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ServerID identifies this server instance to reconnecting clients.
func (s *Server) ServerID() int32 { return s.serverID.Load() }

func (s *Server) nextMessageID() int32 { return s.messageID.Add(1) }

func (s *Server) nextClientID() int32 {
	id := s.clientIDs.Add(1)
	if id == s.ServerID() {
		id = s.clientIDs.Add(1)
	}
	return id
}

// assignServerID mixes the process id and port into the high bits of the
// wall clock. It only needs to differ between restarts.
func assignServerID(port int) int32 {
	pid := int16(os.Getpid())
	if pid == 0 {
		pid = int16(rand.Int31())
	}
	now := time.Now().UnixMilli() & 0x00FFFFFFFFFF0000
	return int32(now) | (int32(pid) ^ int32(port))
}

func (s *Server) listen() (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(s.listening)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	if s.port == 0 {
		s.port = ln.Addr().(*net.TCPAddr).Port
	}
	s.serverID.Store(assignServerID(s.port))
	return ln, nil
}

func (s *Server) run() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Printf("INFO: [HUB] Waiting for connections on port %d, server id is %d", s.Port(), s.ServerID())

	g, ctx := errgroup.WithContext(context.Background())

	if s.opts.MetricsListenAddress != "" && s.opts.Registry == nil {
		s.opts.Registry = prometheus.NewRegistry()
	}
	if s.opts.Registry != nil {
		s.registerMetrics(s.opts.Registry)
	}
	if s.opts.MetricsListenAddress != "" {
		s.serveHTTP(g, s.opts.MetricsListenAddress, s.metricsHandler(), "metrics")
	}
	if s.opts.WebSocketListenAddress != "" {
		s.serveHTTP(g, s.opts.WebSocketListenAddress, s.webSocketMux(), "websocket")
	}

	g.Go(func() error {
		s.housekeep(ctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.quit:
		case <-ctx.Done():
		}
		_ = ln.Close()
		s.stopHTTP()
		return nil
	})
	g.Go(func() error {
		defer s.quitOnce.Do(func() { close(s.quit) })
		return s.acceptLoop(ln)
	})

	err = g.Wait()
	for _, h := range s.registry.establishedHandlers() {
		h.abort("Notification server shutting down", nil)
	}
	log.Printf("INFO: [HUB] Server %d on port %d stopped", s.ServerID(), s.Port())
	return err
}

func (s *Server) acceptLoop(ln net.Listener) error {
	tcpLn, _ := ln.(*net.TCPListener)
	for !s.shuttingDown.Load() {
		if tcpLn != nil && s.opts.AcceptTimeout > 0 {
			_ = tcpLn.SetDeadline(time.Now().Add(s.opts.AcceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}
		s.accept(conn)
	}
	return nil
}

// accept starts serving a freshly connected client.
func (s *Server) accept(conn net.Conn) {
	h := newHandler(s, conn)
	s.registry.addUnestablished(h)
	log.Printf("INFO: [HUB] Accepted connection %s from %s", h.ID(), conn.RemoteAddr())
	h.start()
}

func (s *Server) housekeep(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HousekeepingInterval)
	defer ticker.Stop()
	lastStats := time.Now()
	maxAge := 3 * s.opts.ReconnectWait

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case now := <-ticker.C:
			stale, purged := s.registry.evict(now, maxAge)
			for _, h := range stale {
				log.Printf("WARN: [HUB] Closing %s, handshake never completed", h)
				h.stop()
			}
			if purged > 0 {
				log.Printf("INFO: [HUB] Purged %d aborted clients that did not reconnect", purged)
			}
			if now.Sub(lastStats) >= s.opts.StatsInterval {
				s.logStats()
				lastStats = now
			}
		}
	}
}

// existingHandler finds the handler of a client's previous connection. A live
// one is aborted first so that one client never has two active handlers.
func (s *Server) existingHandler(clientID int32) *Handler {
	h, where := s.registry.lookup(clientID)
	switch where {
	case aborted:
		return h
	case established, unestablished:
		h.abort("Async abort after re-establish", nil)
		return s.registry.abortedHandler(clientID)
	}
	return nil
}

// broadcastNotify relays one accepted NOTIFY packet to every other client
// subscribed to subject, under the server's id and clonedID.
func (s *Server) broadcastNotify(sender *Handler, m *protocol.Message, clonedID int32, subject string) {
	cloned := m.CloneFor(s.ServerID(), clonedID)
	for _, h := range s.registry.all() {
		if h == sender || h.ClientID() == sender.ClientID() {
			continue
		}
		if h.queueIfSubscribed(cloned, subject) {
			s.stats.MessagesBroadcast.Add(1)
		}
	}
}

// broadcastAbort tells subscribers to drop the partial message messageID.
func (s *Server) broadcastAbort(sender *Handler, messageID int32, subject string) {
	abort := protocol.NewAbort(s.ServerID(), messageID)
	for _, h := range s.registry.all() {
		if h == sender || h.ClientID() == sender.ClientID() {
			continue
		}
		if h.queueIfSubscribed(abort, subject) {
			s.stats.MessagesAborted.Add(1)
		}
	}
}

// Shutdown stops accepting connections and aborts all established clients.
func (s *Server) Shutdown() {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	log.Printf("INFO: [HUB] Shutting down notification server on port %d", port)
	s.quitOnce.Do(func() { close(s.quit) })
	if s.started.Load() {
		select {
		case <-s.done:
		case <-time.After(writeWait):
			log.Printf("WARN: [HUB] Server did not stop within %s", writeWait)
		}
	}
}

// WaitForMessagesReceived polls until at least n messages were received.
func (s *Server) WaitForMessagesReceived(n int64) bool {
	return pollUntil(func() bool { return s.stats.MessagesReceived.Load() >= n })
}

// WaitForMessagesSent polls until at least n messages were sent.
func (s *Server) WaitForMessagesSent(n int64) bool {
	return pollUntil(func() bool { return s.stats.MessagesSent.Load() >= n })
}

// WaitForAllAcks waits until every client's queue and unacknowledged list drained.
func (s *Server) WaitForAllAcks() bool {
	ok := true
	for _, h := range s.registry.all() {
		if !h.WaitForAllAcks() {
			ok = false
		}
	}
	return ok
}

func pollUntil(cond func() bool) bool {
	deadline := time.Now().Add(waitLimit)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(waitPoll)
	}
	return true
}
