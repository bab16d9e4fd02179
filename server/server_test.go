package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/andreyvit/rordb"
	"github.com/andreyvit/rordb/internal/rordbtest"
	"github.com/andreyvit/rordb/users"
	"github.com/andreyvit/rordb/wire"
)

func TestLoopback(t *testing.T) {
	srv := setup(t, Config{})
	c := srv.connect(t, "main.db", "root", "123456")

	c.do(t, wire.Add("a", rordb.Int32(1)), wire.Success())
	c.do(t, wire.Get("a"), wire.Found(rordb.Int32(1)))
	c.do(t, wire.GetType("a"), wire.TypeName("Int"))
	c.do(t, wire.Add("a", rordb.Array(rordb.String("x"), rordb.Float64(2))), wire.Success())
	c.do(t, wire.GetType("a"), wire.TypeName("Array"))
	c.do(t, wire.Delete("a"), wire.Success())
	c.do(t, wire.Get("a"), wire.KeyNotFound())
	c.do(t, wire.Delete("a"), wire.KeyNotFound())
	c.do(t, wire.GetType("a"), wire.KeyNotFound())
	c.do(t, wire.Add("a", rordb.String("x")), wire.Success())
	c.do(t, wire.Compact(), wire.Success())
	c.do(t, wire.Get("a"), wire.Found(rordb.String("x")))
	deepEqual(t, srv.Sessions(), 1)

	c.do(t, wire.Quit(), wire.Success())
	c.expectClosed(t)
	eventually(t, func() bool { return srv.Sessions() == 0 })
}

func TestHandshakeErrors(t *testing.T) {
	srv := setup(t, Config{})
	ensure(os.Mkdir(filepath.Join(srv.dataDir, "sub"), 0o755))
	ensure(os.WriteFile(filepath.Join(srv.dataDir, "garbage.db"), []byte("definitely not a log"), 0o644))

	tests := []struct {
		name             string
		path, user, pass string
		code             wire.ConnectCode
	}{
		{"wrong password", "main.db", "root", "654321", wire.PasswordError},
		{"unknown user", "main.db", "nobody", "123456", wire.UserNotFound},
		{"escaping path", "../main.db", "root", "123456", wire.PathError},
		{"absolute path", "/etc/passwd", "root", "123456", wire.PathError},
		{"empty path", "", "root", "123456", wire.PathError},
		{"missing directory", "nope/main.db", "root", "123456", wire.PathError},
		{"directory", "sub", "root", "123456", wire.PathError},
		{"corrupted file", "garbage.db", "root", "123456", wire.OpenFileError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := srv.dial(t)
			ensure(wire.WriteMessage(conn, wire.ConnectRequest{Path: tt.path, User: tt.user, Password: tt.pass}))
			var reply wire.ConnectReply
			ensure(wire.ReadMessage(conn, &reply))
			if reply.Code != tt.code {
				t.Fatalf("** got %v (%s), wanted %v", reply.Code, reply.Message, tt.code)
			}
			if reply.User != nil {
				t.Errorf("failed handshake carries user info %+v", reply.User)
			}
			expectEOF(t, conn)
		})
	}
	deepEqual(t, srv.Registry().Len(), 0)
	deepEqual(t, srv.Sessions(), 0)
}

func TestMalformedHandshake(t *testing.T) {
	srv := setup(t, Config{})
	conn := srv.dial(t)
	ensure(wire.WriteFrame(conn, []byte{0xc1, 0x00}))
	var reply wire.ConnectReply
	ensure(wire.ReadMessage(conn, &reply))
	deepEqual(t, reply.Code, wire.RequestError)
	expectEOF(t, conn)
}

func TestReadOnlyCannotWrite(t *testing.T) {
	srv := setup(t, Config{})
	w := srv.connect(t, "main.db", "writer", "writer")
	w.do(t, wire.Add("a", rordb.Int32(1)), wire.Success())

	r := srv.connect(t, "main.db", "reader", "reader")
	r.do(t, wire.Add("a", rordb.Int32(2)), wire.PermissionDenied())
	r.do(t, wire.Add("b", rordb.Int32(2)), wire.PermissionDenied())
	r.do(t, wire.Delete("a"), wire.PermissionDenied())
	r.do(t, wire.Compact(), wire.PermissionDenied())
	r.do(t, wire.CreateUser("eve", "evil", users.SuperAdmin), wire.PermissionDenied())
	r.do(t, wire.Get("a"), wire.Found(rordb.Int32(1)))
	r.do(t, wire.Get("b"), wire.KeyNotFound())

	w.do(t, wire.CreateUser("eve", "evil", users.SuperAdmin), wire.PermissionDenied())
}

func TestAdminHasLowerRights(t *testing.T) {
	srv := setup(t, Config{})
	c := srv.connect(t, "main.db", "admin", "admin")
	c.do(t, wire.Add("a", rordb.Bool(true)), wire.Success())
	c.do(t, wire.Get("a"), wire.Found(rordb.Bool(true)))
	c.do(t, wire.Delete("a"), wire.Success())
	c.do(t, wire.Compact(), wire.Success())
	c.do(t, wire.DeleteUser("reader"), wire.PermissionDenied())
}

func TestUserManagement(t *testing.T) {
	srv := setup(t, Config{})
	root := srv.connect(t, "main.db", "root", "123456")
	root.do(t, wire.CreateUser("bob", "bob-pw", users.ReadWrite), wire.Success())

	res := root.send(t, wire.CreateUser("bob", "bob-pw", users.ReadWrite))
	deepEqual(t, res.Code, wire.ResultFailure)
	res = root.send(t, wire.CreateUser("carol", "no", users.ReadWrite))
	deepEqual(t, res.Code, wire.ResultFailure)

	bob := srv.connect(t, "main.db", "bob", "bob-pw")
	bob.do(t, wire.Add("k", rordb.Char('b')), wire.Success())
	bob.do(t, wire.Quit(), wire.Success())

	root.do(t, wire.DeleteUser("bob"), wire.Success())
	res = root.send(t, wire.DeleteUser("bob"))
	deepEqual(t, res.Code, wire.ResultFailure)

	srv.handshakeFails(t, "main.db", "bob", "bob-pw", wire.UserNotFound)
}

func TestMalformedRequestKeepsSession(t *testing.T) {
	srv := setup(t, Config{})
	c := srv.connect(t, "main.db", "root", "123456")

	ensure(wire.WriteFrame(c.conn, []byte{0xc1}))
	var res wire.OperateResult
	ensure(wire.ReadMessage(c.br, &res))
	deepEqual(t, res.Code, wire.ResultFailure)

	ensure(wire.WriteMessage(c.conn, wire.OperateRequest{Op: 42}))
	ensure(wire.ReadMessage(c.br, &res))
	deepEqual(t, res.Code, wire.ResultFailure)

	c.do(t, wire.Add("still", rordb.String("alive")), wire.Success())

	res = c.send(t, wire.Add("\xff", rordb.Int32(1)))
	deepEqual(t, res.Code, wire.ResultFailure)
	c.do(t, wire.Compact(), wire.Success())

	other := srv.connect(t, "main.db", "root", "123456")
	other.do(t, wire.Get("still"), wire.Found(rordb.String("alive")))
}

func TestAliasesShareEngine(t *testing.T) {
	srv := setup(t, Config{})
	ensure(os.Mkdir(filepath.Join(srv.dataDir, "dir"), 0o755))
	a := srv.connect(t, "dir/main.db", "root", "123456")
	a.do(t, wire.Add("k", rordb.Int64(42)), wire.Success())

	ensure(os.Symlink(filepath.Join(srv.dataDir, "dir", "main.db"), filepath.Join(srv.dataDir, "alias.db")))
	b := srv.connect(t, "alias.db", "root", "123456")
	b.do(t, wire.Get("k"), wire.Found(rordb.Int64(42)))

	c := srv.connect(t, "dir/../dir/./main.db", "root", "123456")
	c.do(t, wire.Delete("k"), wire.Success())
	a.do(t, wire.Get("k"), wire.KeyNotFound())
	deepEqual(t, srv.Registry().Len(), 1)

	// compaction swaps the file; identity must still match
	a.do(t, wire.Add("k", rordb.Int64(1)), wire.Success())
	a.do(t, wire.Compact(), wire.Success())
	d := srv.connect(t, "alias.db", "root", "123456")
	d.do(t, wire.Get("k"), wire.Found(rordb.Int64(1)))
	deepEqual(t, srv.Registry().Len(), 1)
}

func TestIdleTimeout(t *testing.T) {
	srv := setup(t, Config{PollInterval: 10 * time.Millisecond, IdleTimeout: 5})
	c := srv.connect(t, "main.db", "root", "123456")
	c.do(t, wire.Add("a", rordb.Int32(1)), wire.Success())

	start := time.Now()
	c.expectClosed(t)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("session closed after %v, wanted at least 5 poll cycles", elapsed)
	}
	eventually(t, func() bool { return srv.Sessions() == 0 })
}

func TestActivityResetsIdleCounter(t *testing.T) {
	srv := setup(t, Config{PollInterval: 20 * time.Millisecond, IdleTimeout: 5})
	c := srv.connect(t, "main.db", "root", "123456")
	for range 8 {
		time.Sleep(50 * time.Millisecond)
		c.do(t, wire.Get("a"), wire.KeyNotFound())
	}
}

func TestConcurrentSessions(t *testing.T) {
	srv := setup(t, Config{CompactionThreshold: 256})
	const sessions, adds = 8, 50

	var wg sync.WaitGroup
	for i := range sessions {
		c := srv.connect(t, "main.db", "writer", "writer")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range adds {
				res := c.send(t, wire.Add(fmt.Sprintf("k%d", j), rordb.Int32(int32(i))))
				if res.Code != wire.ResultSuccess {
					t.Errorf("Add failed: %+v", res)
					return
				}
			}
		}()
	}
	wg.Wait()

	c := srv.connect(t, "main.db", "writer", "writer")
	for j := range adds {
		res := c.send(t, wire.Get(fmt.Sprintf("k%d", j)))
		deepEqual(t, res.Code, wire.ResultFound)
	}

	// exactly one of many concurrent deletes of a key wins
	var mu sync.Mutex
	var succeeded int
	for range sessions {
		c := srv.connect(t, "main.db", "writer", "writer")
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.send(t, wire.Delete("k0"))
			if res.Code == wire.ResultSuccess {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	deepEqual(t, succeeded, 1)
}

func TestShutdownClosesEverything(t *testing.T) {
	srv := setup(t, Config{})
	c := srv.connect(t, "main.db", "root", "123456")
	c.do(t, wire.Add("a", rordb.Int32(1)), wire.Success())

	srv.cancel()
	c.expectClosed(t)
	select {
	case <-srv.done:
		if srv.err != nil {
			t.Fatalf("Serve returned %v", srv.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return")
	}
	deepEqual(t, srv.Registry().Len(), 0)

	e := must(rordb.Open(filepath.Join(srv.dataDir, "main.db"), rordb.Options{Logger: rordbtest.Logger(t)}))
	defer e.Close()
	deepEqual(t, must(e.Get("a")), rordb.Int32(1))
}

type testServer struct {
	*Server
	addr    string
	dataDir string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func setup(t testing.TB, cfg Config) *testServer {
	t.Helper()
	oracle := users.NewMemStore(bcrypt.MinCost)
	ensure(oracle.Register("root", "123456", users.SuperAdmin))
	ensure(oracle.Register("admin", "admin", users.Admin))
	ensure(oracle.Register("writer", "writer", users.ReadWrite))
	ensure(oracle.Register("reader", "reader", users.ReadOnly))

	cfg.DataDir = t.TempDir()
	cfg.Logger = rordbtest.Logger(t)
	cfg.Verbose = true
	srv := New(cfg, oracle)

	ln := must(net.Listen("tcp", "127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server:  srv,
		addr:    ln.Addr().String(),
		dataDir: cfg.DataDir,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(ts.done)
		ts.err = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) dial(t testing.TB) net.Conn {
	t.Helper()
	conn := must(net.Dial("tcp", ts.addr))
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

type testConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func (ts *testServer) connect(t testing.TB, path, user, password string) *testConn {
	t.Helper()
	conn := ts.dial(t)
	ensure(wire.WriteMessage(conn, wire.ConnectRequest{Path: path, User: user, Password: password}))
	br := bufio.NewReader(conn)
	var reply wire.ConnectReply
	ensure(wire.ReadMessage(br, &reply))
	if err := reply.Err(); err != nil {
		t.Fatalf("connect(%q, %q): %v", path, user, err)
	}
	if reply.User == nil || reply.User.Name != user {
		t.Fatalf("connect(%q, %q): reply user = %+v", path, user, reply.User)
	}
	return &testConn{conn: conn, br: br}
}

func (ts *testServer) handshakeFails(t testing.TB, path, user, password string, code wire.ConnectCode) {
	t.Helper()
	conn := ts.dial(t)
	ensure(wire.WriteMessage(conn, wire.ConnectRequest{Path: path, User: user, Password: password}))
	var reply wire.ConnectReply
	ensure(wire.ReadMessage(conn, &reply))
	if reply.Code != code {
		t.Fatalf("** got %v, wanted %v", reply.Code, code)
	}
}

func (c *testConn) send(t testing.TB, req wire.OperateRequest) wire.OperateResult {
	ensure(wire.WriteMessage(c.conn, req))
	var res wire.OperateResult
	ensure(wire.ReadMessage(c.br, &res))
	return res
}

func (c *testConn) do(t testing.TB, req wire.OperateRequest, expected wire.OperateResult) {
	t.Helper()
	res := c.send(t, req)
	if !reflect.DeepEqual(res, expected) {
		t.Errorf("%v %q: ** got %+v, wanted %+v", req.Op, req.Key, res, expected)
	}
}

func (c *testConn) expectClosed(t testing.TB) {
	t.Helper()
	expectEOF(t, c.br)
}

func expectEOF(t testing.TB, r io.Reader) {
	t.Helper()
	var buf [1]byte
	_, err := r.Read(buf[:])
	if !errors.Is(err, io.EOF) {
		t.Fatalf("read = %v, wanted EOF", err)
	}
}

func eventually(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
