package tcp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange/internal/handler/tcp/protocol"
	"exchange/internal/session"
)

const maxLineBytes = 4096

// CommandHandler turns one request line into reply lines.
type CommandHandler interface {
	Handle(ctx context.Context, line string) []string
}

type Greeter interface {
	Greeting(name string) string
}

// Server is the connection manager: it accepts clients, registers each one
// in the session registry and runs a blocking read loop per connection.
type Server struct {
	handler      CommandHandler
	greeter      Greeter
	registry     session.Registry
	writeTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(handler CommandHandler, greeter Greeter, registry session.Registry, writeTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		handler:      handler,
		greeter:      greeter,
		registry:     registry,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// It returns nil on a requested shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("TCP server listening", zap.String("address", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("TCP server stopped accepting connections")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Temporary accept error", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every live session and waits for the
// connection goroutines to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.registry.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.writeTimeout)
	log := s.logger.With(zap.String("session_id", sess.ID), zap.String("remote_addr", sess.RemoteAddr))

	s.registry.Add(sess)
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic in connection handler", zap.Any("panic", r))
		}
		s.registry.Remove(sess.ID)
		sess.Close()
		log.Info("Client disconnected")
	}()
	log.Info("Client connected")

	banner := append([]string{s.greeter.Greeting("guest")}, protocol.HelpText()...)
	banner = append(banner, protocol.Terminator)
	if err := sess.WriteLines(banner...); err != nil {
		log.Warn("Failed to write welcome banner", zap.Error(err))
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLineBytes)
	for scanner.Scan() {
		reply := s.handler.Handle(ctx, scanner.Text())
		if err := sess.WriteLines(append(reply, protocol.Terminator)...); err != nil {
			log.Warn("Failed to write reply", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("Connection read failed", zap.Error(err))
	}
}
