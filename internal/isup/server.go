package isup

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Dispatcher is the sink for decoded ISUP events. The server never blocks
// the read loop waiting on it; Dispatch must return quickly or hand the
// event off to something that does. remoteAddr is the originating TCP
// peer address, since AccessEvent itself carries no network information.
type Dispatcher interface {
	Dispatch(evt *AccessEvent, remoteAddr string)
}

// Server accepts ISUP v5 connections and runs the per-connection state
// machine of §4.B.
type Server struct {
	addr          string
	idleTimeout   time.Duration
	strictCRC     bool
	maxFrameBytes int
	dispatcher    Dispatcher
	logger        *log.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// Config configures a Server.
type Config struct {
	Addr        string
	IdleTimeout time.Duration
	StrictCRC   bool

	// MaxFrameBytes bounds 28+data_length. A connection offering a larger
	// frame is closed before its body is read. <= 0 disables the check.
	MaxFrameBytes int
}

// NewServer constructs a Server. logger is used as-is; pass a prefixed
// child logger (e.g. with "[ISUP] " prefix) for per-component log
// separation.
func NewServer(cfg Config, dispatcher Dispatcher, logger *log.Logger) *Server {
	return &Server{
		addr:          cfg.Addr,
		idleTimeout:   cfg.IdleTimeout,
		strictCRC:     cfg.StrictCRC,
		maxFrameBytes: cfg.MaxFrameBytes,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

// ListenAndServe binds the listener and accepts connections until ctx is
// canceled. It blocks until the accept loop exits.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("isup: listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Printf("listening on %s", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.logger.Printf("accept error: %v", err)
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections. Existing connections drain on
// their own idle timeout or peer close.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
