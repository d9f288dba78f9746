package server

import (
	"fmt"
	"net/http"
	"time"
)

// metricsHandler serves /metrics in Prometheus text exposition format and
// /healthz for liveness probes.
func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("gochat_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("gochat_sessions_active", "Currently registered sessions.", "gauge",
		m.ActiveSessions.Load())
	write("gochat_connections_total", "Lifetime connections accepted.", "counter",
		m.TotalConnections.Load())
	write("gochat_handshake_failures_total", "Connections closed before a valid connect frame.", "counter",
		m.HandshakeFailures.Load())
	write("gochat_disconnects_total", "Total session teardowns.", "counter",
		m.TotalDisconnects.Load())
	write("gochat_evictions_total", "Sessions replaced by a newer login.", "counter",
		m.Evictions.Load())
	write("gochat_protocol_errors_total", "Malformed frames and unknown message types.", "counter",
		m.ProtocolErrors.Load())
	write("gochat_rate_limited_total", "Inbound frames dropped by the rate limiter.", "counter",
		m.RateLimited.Load())

	write("gochat_auth_success_total", "Accepted connect attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("gochat_auth_failed_total", "Rejected connect attempts.", "counter",
		m.FailedAuths.Load())

	write("gochat_direct_messages_total", "Direct messages accepted.", "counter",
		m.DirectMessages.Load())
	write("gochat_room_messages_total", "Room messages accepted.", "counter",
		m.RoomMessages.Load())
	write("gochat_deliveries_total", "Direct messages acknowledged by the recipient.", "counter",
		m.Deliveries.Load())
	write("gochat_replayed_messages_total", "Undelivered messages pushed on connect.", "counter",
		m.ReplayedMessages.Load())
	write("gochat_persist_failures_total", "Failed store calls.", "counter",
		m.PersistFailures.Load())

	write("gochat_rooms_created_total", "Rooms created.", "counter",
		m.RoomsCreated.Load())
	write("gochat_rooms_dropped_total", "Rooms dropped.", "counter",
		m.RoomsDropped.Load())
}
