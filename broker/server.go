// Package broker implements the greenhouse telemetry/control broker's core:
// the connection lifecycle and registration state machine, the node/panel
// registry, the routing/broadcast fabric, and the TCP server that ties them
// together.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Port range validated at startup.
const (
	MinListenPort = 1024
	MaxListenPort = 49151

	// DefaultHeartbeatPeriod is the default keep-alive interval.
	DefaultHeartbeatPeriod = 30 * time.Second

	// DefaultShutdownGrace bounds how long Shutdown waits for in-flight
	// connections to finish their teardown before returning anyway.
	DefaultShutdownGrace = 5 * time.Second
)

// ErrInvalidPort is returned by NewServer when port falls outside the
// IANA user-port range.
var ErrInvalidPort = errors.New("broker: port must be in range 1024..49151")

// Config configures a Server.
type Config struct {
	Port            int
	HeartbeatPeriod time.Duration
	ShutdownGrace   time.Duration
	Logger          zerolog.Logger
}

// Server accepts TCP connections, spawns a Conn per accepted socket, and
// owns the broker's single Registry and Router. Its lifecycle is:
// construct, run the accept loop in a goroutine, track handlers with a
// WaitGroup, and close everything down on Shutdown.
type Server struct {
	cfg      Config
	listener net.Listener
	registry *Registry
	router   *Router
	log      zerolog.Logger

	wg   sync.WaitGroup
	done chan struct{}

	closeOnce sync.Once
}

// NewServer validates cfg and constructs a Server bound to the registry and
// router it creates. The listener is not opened until Serve is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < MinListenPort || cfg.Port > MaxListenPort {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPort, cfg.Port)
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	registry := NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   NewRouter(registry, cfg.Logger),
		log:      cfg.Logger,
		done:     make(chan struct{}),
	}, nil
}

// Registry exposes the server's node/panel registry, e.g. for operational
// introspection or tests.
func (s *Server) Registry() *Registry { return s.registry }

// Addr returns the listener's bound address. Valid only after Serve has
// started listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve opens the listener and runs the accept loop until Shutdown is
// called or the listener errors. It blocks; callers typically run it in a
// goroutine.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("broker: listen on port %d: %w", s.cfg.Port, err)
	}
	s.listener = ln

	s.log.Info().Int("port", s.cfg.Port).Msg("broker listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				// Expected: Shutdown closed the listener.
				return nil
			default:
				return fmt.Errorf("broker: accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler := newConn(conn, s.registry, s.router, s.cfg.HeartbeatPeriod, s.log)
			handler.run(s.done)
		}()
	}
}

// Shutdown stops accepting new connections, signals every live handler to
// terminate its read loop at the next I/O boundary, and waits for them to
// finish within the configured grace period. Safe to call multiple times.
func (s *Server) Shutdown(ctx context.Context) error {
	var result error

	s.closeOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("broker: close listener: %w", err))
			}
		}

		graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-graceCtx.Done():
			result = multierror.Append(result, fmt.Errorf("broker: shutdown grace period exceeded: %w", graceCtx.Err()))
		}
	})

	if merr, ok := result.(*multierror.Error); ok {
		return merr.ErrorOrNil()
	}
	return result
}
