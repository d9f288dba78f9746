package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP + WebSocket)
	ActiveSessions    atomic.Int64 // currently registered sessions
	HandshakeFailures atomic.Int64 // connections closed before a valid connect frame
	FailedAuths       atomic.Int64 // rejected connect attempts
	SuccessfulAuths   atomic.Int64 // accepted connect attempts
	Evictions         atomic.Int64 // sessions replaced by a newer login
	TotalDisconnects  atomic.Int64 // total session teardowns (clean + unclean)
	ProtocolErrors    atomic.Int64 // malformed frames and unknown message types
	RateLimited       atomic.Int64 // inbound frames dropped by the rate limiter

	// Message counters
	DirectMessages   atomic.Int64 // direct messages accepted for delivery
	RoomMessages     atomic.Int64 // room messages accepted
	Deliveries       atomic.Int64 // direct messages acknowledged by the recipient
	ReplayedMessages atomic.Int64 // undelivered messages pushed on connect
	PersistFailures  atomic.Int64 // store calls that failed

	// Room counters
	RoomsCreated atomic.Int64 // rooms created during this run
	RoomsDropped atomic.Int64 // rooms dropped during this run
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections  int64 `json:"total_connections"`
	ActiveSessions    int64 `json:"active_sessions"`
	HandshakeFailures int64 `json:"handshake_failures"`
	FailedAuths       int64 `json:"failed_auths"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	Evictions         int64 `json:"evictions"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	RateLimited       int64 `json:"rate_limited"`

	DirectMessages   int64 `json:"direct_messages"`
	RoomMessages     int64 `json:"room_messages"`
	Deliveries       int64 `json:"deliveries"`
	ReplayedMessages int64 `json:"replayed_messages"`
	PersistFailures  int64 `json:"persist_failures"`

	RoomsCreated int64 `json:"rooms_created"`
	RoomsDropped int64 `json:"rooms_dropped"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		TotalConnections:  m.TotalConnections.Load(),
		ActiveSessions:    m.ActiveSessions.Load(),
		HandshakeFailures: m.HandshakeFailures.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		Evictions:         m.Evictions.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		ProtocolErrors:    m.ProtocolErrors.Load(),
		RateLimited:       m.RateLimited.Load(),
		DirectMessages:    m.DirectMessages.Load(),
		RoomMessages:      m.RoomMessages.Load(),
		Deliveries:        m.Deliveries.Load(),
		ReplayedMessages:  m.ReplayedMessages.Load(),
		PersistFailures:   m.PersistFailures.Load(),
		RoomsCreated:      m.RoomsCreated.Load(),
		RoomsDropped:      m.RoomsDropped.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.ActiveSessions,
		"total_connections", s.TotalConnections,
		"direct_msgs", s.DirectMessages,
		"room_msgs", s.RoomMessages,
		"deliveries", s.Deliveries,
		"persist_failures", s.PersistFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
