// Package server runs the accept loop: one sshadapter.Listener, one
// connhandler.Handler per accepted connection, dispatched to its own
// goroutine and tracked so Stop can wait for every in-flight delivery
// to finish.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/izenynn/ssh-drop/internal/connhandler"
	"github.com/izenynn/ssh-drop/internal/sshadapter"
)

// pollInterval bounds how long Accept blocks between checks of stopCh,
// the same tradeoff the original poll-loop design made between
// responsiveness to shutdown and busy-waiting.
const pollInterval = time.Second

// Server owns the listener and supervises one handler goroutine per
// accepted connection.
type Server struct {
	Addr    string
	Handler *connhandler.Handler
	Logger  *slog.Logger

	listener *sshadapter.Listener
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server bound to addr, not yet listening.
func New(addr string, handler *connhandler.Handler, logger *slog.Logger) *Server {
	return &Server{
		Addr:    addr,
		Handler: handler,
		Logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop in the
// background. It returns once the listener is bound, before any
// connection has necessarily been accepted.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server: already running")
	}

	ln, err := sshadapter.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// BoundAddr returns the bound listener's address, valid only after Start.
func (s *Server) BoundAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(pollInterval)
		if err != nil {
			if err == sshadapter.ErrAcceptTimeout {
				select {
				case <-s.stopCh:
					return
				default:
					continue
				}
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.Logger.Warn("accept failed", "err", err)
				continue
			}
		}

		select {
		case <-s.stopCh:
			conn.Close()
			return
		default:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handler.Handle(conn)
		}()
	}
}

// Stop closes the listener and waits for every connection currently
// being handled to finish (they're each bounded by auth_timeout, so
// this terminates even if a client never writes a byte).
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning early with ctx.Err() if
// ctx expires before every handler goroutine has finished.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}
