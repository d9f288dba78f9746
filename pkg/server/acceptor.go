package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// listen binds the TCP listener, wrapped in TLS when configured.
func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.TLS {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("server: listen tcp: %w", err)
		}
		return ln, nil
	}

	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("server: TLS setup: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen tls: %w", err)
	}
	return ln, nil
}

// acceptLoop accepts connections until ln is closed. Each connection is
// handled on its own goroutine so a slow handshake never blocks accepting.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// Temporary failures such as EMFILE: back off and retry.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff = backoff * 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept error", "err", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		go s.handleConn(protocol.NewStreamTransport(conn))
	}
}

// handleConn runs the handshake on a fresh transport and hands the session
// to the router.
func (s *Server) handleConn(t protocol.Transport) {
	s.metrics.TotalConnections.Add(1)
	sess := newClientSession(t, s.router, sessionOptions{
		metrics:   s.metrics,
		rateLimit: s.cfg.RateLimit,
		rateBurst: s.cfg.RateBurst,
	})

	req, err := sess.awaitConnect(s.cfg.HandshakeTimeout)
	if err != nil {
		s.metrics.HandshakeFailures.Add(1)
		s.log.Info("handshake failed", "remote", remoteString(t.RemoteAddr()), "err", err)
		sess.Shutdown()
		return
	}
	s.router.Connect(sess, req)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsHandler upgrades /ws requests and serves them like TCP connections.
func (s *Server) wsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go s.handleConn(protocol.NewWebSocketTransport(conn))
	})
	return mux
}
