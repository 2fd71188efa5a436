package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bimmerbailey/phantom/internal/pipeline"
)

// ServerOptions configures the TCP server.
type ServerOptions struct {
	Address        string
	ReadTimeout    time.Duration // idle limit between lines from a client
	WriteTimeout   time.Duration // limit for writing one batch back
	MaxConnections int           // concurrent clients, 0 for unlimited
	AcceptRate     float64       // new connections per second, 0 for unlimited
	AcceptBurst    int
	Logger         *zap.Logger
}

// Server accepts newline-delimited text and writes back the obfuscated lines
// on the same connection, in order. Every connection is an independent
// pipeline stream sharing the engine's worker pool.
type Server struct {
	opts    ServerOptions
	engine  *pipeline.Engine
	logger  *zap.Logger
	limiter *rate.Limiter
	slots   chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    sync.WaitGroup
	active   atomic.Int64
	accepted atomic.Int64
	nextID   atomic.Uint64
}

// NewServer creates a server that processes connections with e. The engine
// must already be started.
func NewServer(e *pipeline.Engine, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		opts:    opts,
		engine:  e,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	if opts.AcceptRate > 0 {
		burst := opts.AcceptBurst
		if burst <= 0 {
			burst = max(int(opts.AcceptRate), 1)
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}
	if opts.MaxConnections > 0 {
		s.slots = make(chan struct{}, opts.MaxConnections)
	}
	return s
}

// ListenAndServe listens on opts.Address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return &pipeline.IoError{Op: "listen", Stream: s.opts.Address, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listening address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connected clients.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// AcceptedConnections returns the number of clients accepted so far.
func (s *Server) AcceptedConnections() int64 { return s.accepted.Load() }

// Serve accepts connections on ln until ctx is done or the engine fails.
// Connection errors are logged and only end that connection. On return every
// connection has drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.engine.Done():
			cancel()
		}
		ln.Close()
	}()

	s.logger.Info("tcp server listening", zap.String("address", ln.Addr().String()))

	var serveErr error
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			serveErr = &pipeline.IoError{Op: "accept", Stream: ln.Addr().String(), Err: err}
			break
		}

		s.accepted.Add(1)
		s.active.Add(1)
		s.conns.Add(1)
		go s.handle(ctx, conn)
	}

	s.conns.Wait()
	if err := s.engine.Err(); err != nil {
		return err
	}
	s.logger.Info("tcp server stopped", zap.Int64("connections", s.accepted.Load()))
	return serveErr
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()
	defer s.active.Add(-1)
	defer s.release()
	defer conn.Close()

	name := fmt.Sprintf("conn-%d", s.nextID.Add(1))
	logger := s.logger.With(zap.String("stream", name), zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("connection accepted")

	src := &connSource{conn: conn, timeout: s.opts.ReadTimeout}
	sink := &connSink{conn: conn, w: bufio.NewWriter(conn), timeout: s.opts.WriteTimeout}

	err := s.engine.RunStream(ctx, name, src, sink)
	switch {
	case err == nil:
		logger.Info("connection closed")
	case pipeline.IsFatal(err):
		logger.Error("connection failed", zap.Error(err))
	default:
		logger.Warn("connection dropped", zap.Error(err))
	}
}

// connSource reads lines from a connection, refreshing the read deadline
// before each line.
type connSource struct {
	conn    net.Conn
	timeout time.Duration
}

func (c *connSource) Read(ctx context.Context, emit func(string) error) error {
	br := bufio.NewReaderSize(c.conn, readBufferSize)
	return readLines(ctx, &deadlineReader{Reader: br, conn: c.conn, timeout: c.timeout}, emit)
}

// deadlineReader sets the connection read deadline before every line.
type deadlineReader struct {
	*bufio.Reader
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) ReadString(delim byte) (string, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return "", err
		}
	}
	return d.Reader.ReadString(delim)
}

// connSink writes each batch and flushes it to the client under a deadline.
type connSink struct {
	conn    net.Conn
	w       *bufio.Writer
	timeout time.Duration
}

func (c *connSink) WriteLines(lines []pipeline.ProcessedLine) error {
	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return err
		}
	}
	for _, l := range lines {
		if _, err := c.w.WriteString(l.Text); err != nil {
			return err
		}
		if err := c.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

func (c *connSink) Flush() error {
	return c.w.Flush()
}
