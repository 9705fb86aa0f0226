// Package server listens for TCP connections speaking the ZWO camera wire
// protocol and runs one emulated camera session per connection.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the TCP port real ZWO camera servers listen on.
const DefaultPort = 52311

// acceptTick bounds how long the accept loop blocks before re-checking the
// shutdown flag.
const acceptTick = time.Second

// Server accepts connections and spawns a handler per connection. Every
// connection gets its own camera session seeded from the same configured
// seed, so sessions are deterministic yet fully independent of each other.
type Server struct {
	addr        string
	seed        *int64
	startupTime int64

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	done     chan struct{}
	shutdown sync.Once
}

// New creates a server that will bind to addr. A nil seed selects
// nondeterministic image noise.
func New(addr string, seed *int64) *Server {
	return &Server{
		addr:        addr,
		seed:        seed,
		startupTime: time.Now().Unix(),
		conns:       make(map[net.Conn]struct{}),
		done:        make(chan struct{}),
	}
}

// Listen binds the listening socket. It is split from Serve so callers can
// bind to port 0 and read the assigned address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return eris.Wrapf(err, "listen on %s", s.addr)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until the context is canceled, Shutdown is
// called, or a client issues quit. It closes all live connections and waits
// for their handlers before returning.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Str("addr", s.ln.Addr().String()).Msg("camera server listening")

	var acceptErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.done:
			break loop
		default:
		}

		// Wake up periodically so a shutdown is noticed without a new
		// connection arriving.
		if tl, ok := s.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(acceptTick))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.done:
			case <-ctx.Done():
			default:
				acceptErr = eris.Wrap(err, "accept")
			}
			break loop
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}

	s.Shutdown()
	s.closeConns()
	s.wg.Wait()

	log.Info().Msg("camera server stopped")
	return acceptErr
}

// ListenAndServe binds and serves in one call.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown stops accepting connections. In-flight handlers are closed by
// Serve on its way out; Shutdown itself does not block.
func (s *Server) Shutdown() {
	s.shutdown.Do(func() {
		close(s.done)
		if s.ln != nil {
			_ = s.ln.Close()
		}
	})
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
