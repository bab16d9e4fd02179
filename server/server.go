// Package server exposes rordb engines over TCP to authenticated clients.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/users"
	"github.com/andreyvit/rordb/wire"
)

var ErrServerClosed = errors.New("rordb: server closed")

var errBadPath = errors.New("invalid data file path")

type Server struct {
	cfg      Config
	oracle   users.Oracle
	logger   *slog.Logger
	registry *Registry

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	accepted int

	live atomic.Int32
	wg   sync.WaitGroup
}

func New(cfg Config, oracle users.Oracle) *Server {
	cfg = cfg.WithDefaults()
	return &Server{
		cfg:    cfg,
		oracle: oracle,
		logger: cfg.Logger,
		registry: NewRegistry(rordb.Options{
			Logger:              cfg.Logger,
			CompactionThreshold: cfg.CompactionThreshold,
			SyncWrites:          cfg.SyncWrites,
			Verbose:             cfg.Verbose,
		}),
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Sessions returns the number of connections past the handshake.
func (s *Server) Sessions() int {
	return int(s.live.Load())
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called,
// then waits for all sessions to end and closes every engine. It returns nil
// after an orderly shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.LogAttrs(ctx, slog.LevelInfo, "rordb: serving", slog.String("name", s.cfg.Name), slog.String("addr", ln.Addr().String()), slog.String("data_dir", s.cfg.DataDir))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	g.Go(func() error {
		return s.sweepLoop(gctx)
	})
	err := g.Wait()

	s.wg.Wait()
	s.registry.Close()
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "rordb: stopped", slog.String("name", s.cfg.Name))
	if errors.Is(err, ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the accept loop and drops every connection.
func (s *Server) Close() error {
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.logger.LogAttrs(ctx, slog.LevelWarn, "rordb: accept failed", slog.Any("err", err), slog.Duration("retry", delay))
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.accepted++
	if s.accepted%s.cfg.RefreshEvery == 0 {
		go s.sweep("refresh")
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep("timer")
		}
	}
}

func (s *Server) sweep(reason string) {
	if n := s.registry.Sweep(); n > 0 {
		s.logger.LogAttrs(context.Background(), slog.LevelInfo, "rordb: closed unused engines", slog.Int("count", n), slog.String("reason", reason), slog.Int("open", s.registry.Len()))
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote", remote))
	br := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(s.cfg.FrameTimeout))
	var req wire.ConnectRequest
	err := wire.ReadMessage(br, &req)
	if errors.Is(err, wire.ErrMalformed) {
		logger.LogAttrs(ctx, slog.LevelWarn, "rordb: bad handshake", slog.Any("err", err))
		s.writeReply(conn, logger, wire.ConnectReply{Code: wire.RequestError, Message: err.Error()})
		return
	} else if err != nil {
		logger.LogAttrs(ctx, slog.LevelDebug, "rordb: connection dropped before handshake", slog.Any("err", err))
		return
	}
	logger = logger.With(slog.String("user", req.User))

	user, handle, reply := s.handshake(&req)
	if reply.Code != wire.ConnectOK {
		logger.LogAttrs(ctx, slog.LevelWarn, "rordb: handshake failed", slog.String("path", req.Path), slog.String("code", reply.Code.String()), slog.String("msg", reply.Message))
		s.writeReply(conn, logger, reply)
		return
	}
	defer handle.Release()

	if !s.writeReply(conn, logger, reply) {
		return
	}

	s.live.Add(1)
	defer s.live.Add(-1)
	logger = logger.With(slog.String("path", handle.Engine().Path()))
	logger.LogAttrs(ctx, slog.LevelInfo, "rordb: session opened", slog.String("level", user.Level.String()))

	sess := &session{
		srv:    s,
		conn:   conn,
		br:     br,
		user:   user,
		engine: handle.Engine(),
		logger: logger,
	}
	sess.run(ctx)
}

func (s *Server) handshake(req *wire.ConnectRequest) (users.User, *Handle, wire.ConnectReply) {
	user, err := s.oracle.Login(req.User, req.Password)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		return user, nil, wire.ConnectReply{Code: wire.UserNotFound}
	case errors.Is(err, users.ErrWrongPassword):
		return user, nil, wire.ConnectReply{Code: wire.PasswordError}
	case err != nil:
		return user, nil, wire.ConnectReply{Code: wire.ServerError, Message: err.Error()}
	}

	path, err := resolvePath(s.cfg.DataDir, req.Path)
	if err != nil {
		return user, nil, wire.ConnectReply{Code: wire.PathError, Message: err.Error()}
	}
	handle, err := s.registry.Acquire(path)
	if err != nil {
		return user, nil, wire.ConnectReply{Code: wire.OpenFileError, Message: err.Error()}
	}
	return user, handle, wire.ConnectReply{
		Code: wire.ConnectOK,
		User: &wire.UserInfo{Name: user.Name, Level: user.Level},
	}
}

func (s *Server) writeReply(conn net.Conn, logger *slog.Logger, msg any) bool {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.FrameTimeout))
	if err := wire.WriteMessage(conn, msg); err != nil {
		logger.LogAttrs(context.Background(), slog.LevelError, "rordb: failed to send reply", slog.Any("err", err))
		return false
	}
	return true
}

// resolvePath maps a client-supplied path to a file inside dataDir.
func resolvePath(dataDir, reqPath string) (string, error) {
	if reqPath == "" || !filepath.IsLocal(filepath.FromSlash(reqPath)) {
		return "", fmt.Errorf("%w: %q", errBadPath, reqPath)
	}
	path := filepath.Join(dataDir, filepath.FromSlash(reqPath))

	dir, err := os.Stat(filepath.Dir(path))
	if err != nil || !dir.IsDir() {
		return "", fmt.Errorf("%w: %q: no such directory", errBadPath, reqPath)
	}
	st, err := os.Stat(path)
	if err == nil && !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q is not a regular file", errBadPath, reqPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %q: %v", errBadPath, reqPath, err)
	}
	return path, nil
}
