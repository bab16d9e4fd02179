package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/users"
	"github.com/andreyvit/rordb/wire"
)

type session struct {
	srv    *Server
	conn   net.Conn
	br     *bufio.Reader
	user   users.User
	engine *rordb.Engine
	logger *slog.Logger

	idle int
}

func (sess *session) run(ctx context.Context) {
	cfg := &sess.srv.cfg
	for {
		ready, err := sess.waitForFrame(cfg.PollInterval)
		if err != nil {
			sess.closed(ctx, err)
			return
		}
		if !ready {
			sess.idle++
			if sess.idle >= cfg.IdleTimeout {
				sess.logger.LogAttrs(ctx, slog.LevelInfo, "rordb: session timed out", slog.Int("idle_cycles", sess.idle))
				return
			}
			continue
		}
		sess.idle = 0

		sess.conn.SetReadDeadline(time.Now().Add(cfg.FrameTimeout))
		payload, err := wire.ReadFrame(sess.br)
		if err != nil {
			sess.closed(ctx, err)
			return
		}

		var req wire.OperateRequest
		var res wire.OperateResult
		quit := false
		if err := wire.Decode(payload, &req); err != nil {
			sess.logger.LogAttrs(ctx, slog.LevelWarn, "rordb: bad request", slog.Any("err", err))
			res = wire.Failure("%v", err)
		} else {
			res = sess.dispatch(ctx, &req)
			quit = req.Op == wire.OpQuit
		}

		if !sess.srv.writeReply(sess.conn, sess.logger, res) {
			return
		}
		if quit {
			sess.logger.LogAttrs(ctx, slog.LevelInfo, "rordb: session closed by client")
			return
		}
	}
}

// waitForFrame waits up to d for the first byte of the next frame.
func (sess *session) waitForFrame(d time.Duration) (bool, error) {
	sess.conn.SetReadDeadline(time.Now().Add(d))
	_, err := sess.br.Peek(1)
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	return false, err
}

func (sess *session) closed(ctx context.Context, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		sess.logger.LogAttrs(ctx, slog.LevelInfo, "rordb: session closed")
	} else {
		sess.logger.LogAttrs(ctx, slog.LevelError, "rordb: session failed", slog.Any("err", err))
	}
}

func (sess *session) dispatch(ctx context.Context, req *wire.OperateRequest) wire.OperateResult {
	if !sess.user.Level.AtLeast(req.Op.Required()) {
		sess.logger.LogAttrs(ctx, slog.LevelWarn, "rordb: permission denied", slog.String("op", req.Op.String()), slog.String("level", sess.user.Level.String()))
		return wire.PermissionDenied()
	}
	if sess.srv.cfg.Verbose {
		sess.logger.LogAttrs(ctx, slog.LevelDebug, "rordb: request", slog.String("op", req.Op.String()), slog.String("key", req.Key))
	}

	e := sess.engine
	switch req.Op {
	case wire.OpGet:
		v, err := e.Get(req.Key)
		if err != nil {
			return sess.failed(ctx, req, err)
		}
		return wire.Found(v)
	case wire.OpGetType:
		v, err := e.Get(req.Key)
		if err != nil {
			return sess.failed(ctx, req, err)
		}
		return wire.TypeName(rordb.TypeOf(v))
	case wire.OpAdd:
		return sess.done(ctx, req, e.Add(req.Key, *req.Value))
	case wire.OpDelete:
		return sess.done(ctx, req, e.Delete(req.Key))
	case wire.OpCompact:
		return sess.done(ctx, req, e.Compact())
	case wire.OpCreateUser:
		return sess.done(ctx, req, sess.srv.oracle.Register(req.Name, req.Password, req.Level))
	case wire.OpDeleteUser:
		return sess.done(ctx, req, sess.srv.oracle.Delete(req.Name))
	case wire.OpQuit:
		return wire.Success()
	default:
		return wire.Failure("unknown op %v", req.Op)
	}
}

func (sess *session) done(ctx context.Context, req *wire.OperateRequest, err error) wire.OperateResult {
	if err != nil {
		return sess.failed(ctx, req, err)
	}
	return wire.Success()
}

func (sess *session) failed(ctx context.Context, req *wire.OperateRequest, err error) wire.OperateResult {
	if errors.Is(err, rordb.ErrKeyNotFound) {
		return wire.KeyNotFound()
	}
	level := slog.LevelWarn
	if rordb.IsCorruption(err) {
		level = slog.LevelError
	}
	sess.logger.LogAttrs(ctx, level, "rordb: request failed", slog.String("op", req.Op.String()), slog.String("key", req.Key), slog.Any("err", err))
	return wire.Failure("%v", err)
}
