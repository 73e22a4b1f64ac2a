package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/AtDexters-Lab/nexus-notify/internal/wsconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// WebSocketPath is where clients behind HTTP-only egress connect.
const WebSocketPath = "/notify"

func (s *Server) webSocketMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	return mux
}

// handleWebSocket upgrades the request and serves it exactly like a TCP client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ERROR: [HUB] Failed to upgrade websocket connection from %s: %v", r.RemoteAddr, err)
		return
	}
	s.accept(wsconn.New(conn))
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) serveHTTP(g *errgroup.Group, addr string, handler http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: handler}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	g.Go(func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%s listener on %s: %w", name, addr, err)
		}
		log.Printf("INFO: [HUB] Serving %s on %s", name, ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
}

func (s *Server) stopHTTP() {
	s.mu.Lock()
	servers := s.servers
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("WARN: [HUB] HTTP server %s graceful shutdown failed: %v", srv.Addr, err)
		}
	}
}
