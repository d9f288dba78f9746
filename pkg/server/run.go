package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

// Run binds the listeners and serves until ctx is cancelled or Shutdown is
// called. The store is closed on the way out.
func (s *Server) Run(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	if err := s.cfg.Validate(); err != nil {
		s.Shutdown()
		return err
	}

	// Load rooms from YAML config if provided
	if s.cfg.RoomsFile != "" {
		if err := LoadRoomsFromYAML(ctx, s.cfg.RoomsFile, s.store); err != nil {
			s.log.Error("failed to load rooms config", "err", err)
		}
	}

	if err := s.bind(); err != nil {
		s.Shutdown()
		return err
	}
	close(s.ready)

	s.log.Info("GoChat server running",
		"addr", s.listener.Addr().String(),
		"tls", s.cfg.TLS,
		"ws", s.cfg.WSAddr,
		"metrics", s.cfg.MetricsAddr,
	)

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.stopped)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, s.listener)
	})
	if s.wsServer != nil {
		g.Go(func() error {
			return serveHTTP(s.wsServer, s.wsListener)
		})
	}
	if s.metricsServer != nil {
		ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			s.log.Error("metrics endpoint disabled", "addr", s.cfg.MetricsAddr, "err", err)
		} else {
			g.Go(func() error {
				return serveHTTP(s.metricsServer, ln)
			})
		}
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.log.Info("shutting down...")
		case <-s.stopped:
		}
		s.Shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) bind() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	if s.cfg.WSAddr != "" {
		wsLn, err := net.Listen("tcp", s.cfg.WSAddr)
		if err != nil {
			return fmt.Errorf("server: listen websocket: %w", err)
		}
		s.wsListener = wsLn
		s.wsServer = &http.Server{
			Handler:           s.wsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if s.cfg.MetricsAddr != "" {
		s.metricsServer = &http.Server{
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting, disconnects every session, waits for pending
// store calls and closes the store. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range []*http.Server{s.wsServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				s.log.Warn("http shutdown", "err", err)
			}
		}
		// An unserved listener is not closed by http.Server.Shutdown.
		if s.wsListener != nil {
			_ = s.wsListener.Close()
		}

		if s.router != nil {
			s.router.Shutdown()
		}
		if s.gateway != nil {
			s.gateway.Close()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.Warn("close store", "err", err)
			}
		}
		s.metrics.LogSummary()
		close(s.stopped)
	})
}
