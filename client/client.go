// Package client talks to a rordb server.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/users"
	"github.com/andreyvit/rordb/wire"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultTimeout     = 30 * time.Second
)

var (
	ErrConnectionLost   = errors.New("rordb: connection lost")
	ErrPermissionDenied = errors.New("rordb: permission denied")
	ErrFailure          = errors.New("rordb: request failed")
	ErrClosed           = errors.New("rordb: client is closed")
)

// ConnectError is returned by Dial (and by a failed reconnect, wrapped in
// ErrConnectionLost) when the server rejects the handshake.
type ConnectError = wire.ConnectError

type Options struct {
	Addr     string
	User     string
	Password string
	Path     string

	DialTimeout time.Duration

	// Timeout bounds one request/result exchange.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client is a single session with a server. It is safe for concurrent use;
// requests are serialized.
type Client struct {
	opt Options

	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	user   wire.UserInfo
	closed bool
}

// Dial connects to opt.Addr and performs the handshake.
func Dial(ctx context.Context, opt Options) (*Client, error) {
	if opt.DialTimeout == 0 {
		opt.DialTimeout = DefaultDialTimeout
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	c := &Client{opt: opt}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opt.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.opt.Addr)
	if err != nil {
		return err
	}

	conn.SetDeadline(time.Now().Add(c.opt.DialTimeout))
	br := bufio.NewReader(conn)
	var reply wire.ConnectReply
	err = wire.WriteMessage(conn, wire.ConnectRequest{Path: c.opt.Path, User: c.opt.User, Password: c.opt.Password})
	if err == nil {
		err = wire.ReadMessage(br, &reply)
	}
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	c.conn, c.br = conn, br
	if reply.User != nil {
		c.user = *reply.User
	} else {
		c.user = wire.UserInfo{Name: c.opt.User}
	}
	return nil
}

// User returns the account the server resolved during the last handshake.
func (c *Client) User() wire.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// Do sends req and returns the server's result.
//
// If the exchange fails at the transport level, Do re-dials once and
// resubmits req once. The operation may therefore be applied twice if the
// first attempt reached the server. When the retry fails as well, the error
// wraps ErrConnectionLost and the next call will try to reconnect again.
//
// A reply that arrives but cannot be decoded is not retried; the error wraps
// wire.ErrMalformed.
func (c *Client) Do(req wire.OperateRequest) (wire.OperateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wire.OperateResult{}, ErrClosed
	}

	payload, err := wire.Encode(req)
	if err != nil {
		return wire.OperateResult{}, fmt.Errorf("rordb: encoding %v: %w", req.Op, err)
	}
	if len(payload) > wire.MaxFrameSize {
		return wire.OperateResult{}, fmt.Errorf("rordb: %v: %w", req.Op, wire.ErrFrameTooLarge)
	}

	if c.conn != nil {
		res, err := c.roundTrip(payload)
		if err == nil || !isTransportError(err) {
			c.dropIfDesynced(err)
			return res, err
		}
		c.opt.Logger.LogAttrs(context.Background(), slog.LevelWarn, "rordb: connection lost, reconnecting", slog.String("addr", c.opt.Addr), slog.String("op", req.Op.String()), slog.Any("err", err))
		c.dropLocked()
	}

	if err := c.connect(context.Background()); err != nil {
		return wire.OperateResult{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	res, err := c.roundTrip(payload)
	if err != nil && !isTransportError(err) {
		c.dropIfDesynced(err)
		return res, err
	} else if err != nil {
		c.dropLocked()
		return wire.OperateResult{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	return res, nil
}

func (c *Client) roundTrip(payload []byte) (wire.OperateResult, error) {
	c.conn.SetDeadline(time.Now().Add(c.opt.Timeout))
	var res wire.OperateResult
	if err := wire.WriteFrame(c.conn, payload); err != nil {
		return res, err
	}
	if err := wire.ReadMessage(c.br, &res); err != nil {
		return wire.OperateResult{}, err
	}
	return res, nil
}

// isTransportError tells a broken connection from a reply that arrived but
// could not be understood. Only the former is retried.
func isTransportError(err error) bool {
	return !errors.Is(err, wire.ErrMalformed) && !errors.Is(err, wire.ErrFrameTooLarge)
}

// dropIfDesynced closes the connection after an oversized frame, whose body
// is still unread.
func (c *Client) dropIfDesynced(err error) {
	if errors.Is(err, wire.ErrFrameTooLarge) {
		c.dropLocked()
	}
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn, c.br = nil, nil
	}
}

func (c *Client) Get(key string) (rordb.Value, error) {
	res, err := c.Do(wire.Get(key))
	if err != nil {
		return rordb.Value{}, err
	}
	if res.Code == wire.ResultFound {
		return *res.Value, nil
	}
	return rordb.Value{}, unexpected(req(wire.OpGet, key), res)
}

// TypeOf returns the type name of the value stored under key.
func (c *Client) TypeOf(key string) (string, error) {
	res, err := c.Do(wire.GetType(key))
	if err != nil {
		return "", err
	}
	if res.Code == wire.ResultType {
		return res.Type, nil
	}
	return "", unexpected(req(wire.OpGetType, key), res)
}

func (c *Client) Add(key string, value rordb.Value) error {
	return c.exec(wire.Add(key, value))
}

func (c *Client) Delete(key string) error {
	return c.exec(wire.Delete(key))
}

func (c *Client) Compact() error {
	return c.exec(wire.Compact())
}

func (c *Client) CreateUser(name, password string, level users.Level) error {
	return c.exec(wire.CreateUser(name, password, level))
}

func (c *Client) DeleteUser(name string) error {
	return c.exec(wire.DeleteUser(name))
}

// Quit ends the session politely and closes the client.
func (c *Client) Quit() error {
	err := c.exec(wire.Quit())
	c.Close()
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	return nil
}

func (c *Client) exec(r wire.OperateRequest) error {
	res, err := c.Do(r)
	if err != nil {
		return err
	}
	if res.Code == wire.ResultSuccess {
		return nil
	}
	return unexpected(req(r.Op, r.Key), res)
}

func req(op wire.OpCode, key string) string {
	if key == "" {
		return op.String()
	}
	return fmt.Sprintf("%v %q", op, key)
}

func unexpected(what string, res wire.OperateResult) error {
	switch res.Code {
	case wire.ResultKeyNotFound:
		return fmt.Errorf("%s: %w", what, rordb.ErrKeyNotFound)
	case wire.ResultPermissionDenied:
		return fmt.Errorf("%s: %w", what, ErrPermissionDenied)
	case wire.ResultFailure:
		return fmt.Errorf("%s: %w: %s", what, ErrFailure, res.Message)
	default:
		return fmt.Errorf("%s: %w: unexpected %v result", what, ErrFailure, res.Code)
	}
}
