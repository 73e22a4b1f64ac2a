package hub

import (
	"log"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "notify"
	metricsSubsystem = "server"
)

// Stats are the aggregate traffic counters of one server.
type Stats struct {
	MessagesReceived  atomic.Int64
	MessagesSent      atomic.Int64
	MessagesBroadcast atomic.Int64
	MessagesAborted   atomic.Int64
	PayloadReceived   atomic.Int64
	PayloadSent       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	MessagesReceived  int64
	MessagesSent      int64
	MessagesBroadcast int64
	MessagesAborted   int64
	PayloadReceived   int64
	PayloadSent       int64
	ConnectedClients  int
}

func (st *Stats) received(payload int) {
	st.MessagesReceived.Add(1)
	st.PayloadReceived.Add(int64(payload))
}

func (st *Stats) sent(payload int) {
	st.MessagesSent.Add(1)
	st.PayloadSent.Add(int64(payload))
}

func (s *Server) registerMetrics(reg prometheus.Registerer) {
	labels := prometheus.Labels{"server_id": strconv.Itoa(int(s.ServerID()))}
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("messages_received_total", "Messages read from client connections.", &s.stats.MessagesReceived),
		counter("messages_sent_total", "Messages written to client connections.", &s.stats.MessagesSent),
		counter("messages_broadcast_total", "Relayed NOTIFY packets queued for subscribers.", &s.stats.MessagesBroadcast),
		counter("messages_aborted_total", "ABORT packets queued for subscribers.", &s.stats.MessagesAborted),
		counter("payload_received_bytes_total", "Payload bytes read from client connections.", &s.stats.PayloadReceived),
		counter("payload_sent_bytes_total", "Payload bytes written to client connections.", &s.stats.PayloadSent),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "connected_clients",
			Help:        "Clients in the established registry.",
			ConstLabels: labels,
		}, func() float64 {
			_, established, _ := s.registry.counts()
			return float64(established)
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Printf("WARN: [HUB] Could not register metric: %v", err)
		}
	}
}

// Stats returns the current counters.
func (s *Server) Stats() StatsSnapshot {
	_, established, _ := s.registry.counts()
	return StatsSnapshot{
		MessagesReceived:  s.stats.MessagesReceived.Load(),
		MessagesSent:      s.stats.MessagesSent.Load(),
		MessagesBroadcast: s.stats.MessagesBroadcast.Load(),
		MessagesAborted:   s.stats.MessagesAborted.Load(),
		PayloadReceived:   s.stats.PayloadReceived.Load(),
		PayloadSent:       s.stats.PayloadSent.Load(),
		ConnectedClients:  established,
	}
}

func (s *Server) logStats() {
	st := s.Stats()
	log.Printf("INFO: [HUB] Connected clients: %d", st.ConnectedClients)
	log.Printf("INFO: [HUB] Total messages broadcast: %d received: %d sent: %d aborted: %d",
		st.MessagesBroadcast, st.MessagesReceived, st.MessagesSent, st.MessagesAborted)
	log.Printf("INFO: [HUB] Total payload received: %dK sent: %dK", st.PayloadReceived/1024, st.PayloadSent/1024)
}
