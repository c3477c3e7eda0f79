package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "taskd/pkg/logx"
)

// Config controls the listener and per-connection limits.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration // wait for the first byte
	WriteTimeout    time.Duration
	IdleGap         time.Duration // ends a request without a trailing newline
	MaxRequestBytes int

	AcceptRate  float64 // connections per second, 0 = unlimited
	AcceptBurst int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleGap <= 0 {
		c.IdleGap = 200 * time.Millisecond
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = 4096
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = max(1, int(c.AcceptRate))
	}
	return c
}

// ErrRequestTooLong is returned by readRequest when a request does not end
// within MaxRequestBytes.
var ErrRequestTooLong = errors.New("request too long")

// TooLongReply is written instead of dispatching an oversized request.
const TooLongReply = "ERROR: Request too long\n"

// discardLimit bounds how much of an oversized request is read and dropped.
const discardLimit = 1 << 20

// Handler answers one request.
type Handler interface {
	Handle(peer, request string) string
}

// ConnObserver is told about every connection the server handles.
type ConnObserver interface {
	ConnOpened()
	ConnClosed()
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

func WithConnObserver(o ConnObserver) Option { return func(s *Server) { s.obs = o } }

// Server serves one request per TCP connection: read a request, write the
// reply, close.
type Server struct {
	h   Handler
	log logx.Logger
	obs ConnObserver

	cfg     atomic.Pointer[Config]
	limiter atomic.Pointer[rate.Limiter] // nil when unlimited

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func New(cfg Config, h Handler, opts ...Option) *Server {
	s := &Server{h: h, log: logx.Nop(), conns: map[net.Conn]struct{}{}}
	s.Apply(cfg)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps timeouts and the accept limiter. The listen address is only
// read by Listen.
func (s *Server) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
	if cfg.AcceptRate > 0 {
		s.limiter.Store(rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst))
	} else {
		s.limiter.Store(nil)
	}
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	cfg := s.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown or ctx is done. Each connection
// is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		if lim := s.limiter.Load(); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go s.serveConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()
	if s.obs != nil {
		s.obs.ConnOpened()
		defer s.obs.ConnClosed()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panicked", logx.String("peer", conn.RemoteAddr().String()), logx.Any("panic", r))
		}
	}()

	cfg := s.cfg.Load()
	peer := conn.RemoteAddr().String()

	var reply string
	req, err := readRequest(conn, *cfg)
	switch {
	case errors.Is(err, ErrRequestTooLong):
		s.log.Warn("request rejected", logx.String("peer", peer), logx.Int("max_bytes", cfg.MaxRequestBytes))
		discardLine(conn, *cfg)
		reply = TooLongReply
	default:
		if err != nil {
			s.log.Debug("request read failed", logx.String("peer", peer), logx.Err(err))
		}
		reply = s.h.Handle(peer, string(req))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	if _, err := io.WriteString(conn, reply); err != nil {
		s.log.Debug("reply write failed", logx.String("peer", peer), logx.Err(err))
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// readRequest reads a single request: up to the first newline, EOF, or an
// idle gap once some bytes have arrived. A request with more than
// MaxRequestBytes before its end is ErrRequestTooLong and is never cut short.
func readRequest(conn net.Conn, cfg Config) ([]byte, error) {
	limit := cfg.MaxRequestBytes + 1
	buf := make([]byte, 0, min(limit, 256))
	chunk := make([]byte, 1024)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	for len(buf) < limit {
		n, err := conn.Read(chunk[:min(len(chunk), limit-len(buf))])
		buf = append(buf, chunk[:n]...)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return buf[:i], nil
		}
		if err != nil {
			var ne net.Error
			switch {
			case len(buf) > cfg.MaxRequestBytes:
				return nil, ErrRequestTooLong
			case errors.Is(err, io.EOF):
				return buf, nil
			case errors.As(err, &ne) && ne.Timeout() && len(buf) > 0:
				return buf, nil
			default:
				return buf, err
			}
		}
		if n > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleGap))
		}
	}
	return nil, ErrRequestTooLong
}

// discardLine consumes the rest of a rejected request so that closing the
// connection does not reset it before the client reads the reply.
func discardLine(conn net.Conn, cfg Config) {
	chunk := make([]byte, 1024)
	for left := discardLimit; left > 0; {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.IdleGap))
		n, err := conn.Read(chunk[:min(len(chunk), left)])
		if bytes.IndexByte(chunk[:n], '\n') >= 0 || err != nil {
			return
		}
		left -= n
	}
}

// Shutdown stops accepting and waits for in-flight connections. When ctx
// expires first, remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.log.Warn("server shutdown timed out; connections closed", logx.Int("open", n))
		return ctx.Err()
	}
}
