package shimd

import (
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/shimproto"
	"github.com/pkeller/termmux/internal/store"
)

// slaveTracker hands out childless PTY pairs and keeps the slave ends so
// tests can write "program output" into sessions.
type slaveTracker struct {
	mu     sync.Mutex
	slaves []*os.File
}

func (st *slaveTracker) start(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	pty.Setsize(ptmx, ws)
	st.mu.Lock()
	st.slaves = append(st.slaves, tty)
	st.mu.Unlock()
	return ptmx, nil
}

func (st *slaveTracker) slave(i int) *os.File {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.slaves[i]
}

func (st *slaveTracker) closeAll() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, tty := range st.slaves {
		tty.Close()
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *slaveTracker, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shim.sock")
	pidPath := filepath.Join(dir, "shim.pid")

	st := &slaveTracker{}
	reg := registry.New(registry.Options{StartPty: st.start})

	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	d := New(Options{SocketPath: socketPath, PIDPath: pidPath, Registry: reg, Store: db})
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		reg.Dispose()
		st.closeAll()
		db.Close()
	})
	return d, st, socketPath
}

// testClient is a minimal protocol client: request/response correlation by
// id plus a buffered channel of pushes.
type testClient struct {
	t  *testing.T
	nc net.Conn
	w  *shimproto.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *shimproto.Frame

	pushes chan *shimproto.Frame
}

func dialTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial %s: %v", socketPath, err)
	}
	c := &testClient{
		t:       t,
		nc:      nc,
		w:       shimproto.NewWriter(nc),
		pending: make(map[uint64]chan *shimproto.Frame),
		pushes:  make(chan *shimproto.Frame, 256),
	}
	go c.readLoop()
	t.Cleanup(func() { nc.Close() })
	return c
}

func (c *testClient) readLoop() {
	var r shimproto.Reader
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			r.Feed(buf[:n], func(f *shimproto.Frame) error {
				if f.Header.Type == shimproto.FrameResponse {
					c.mu.Lock()
					ch := c.pending[f.Header.RequestID]
					delete(c.pending, f.Header.RequestID)
					c.mu.Unlock()
					if ch != nil {
						ch <- f
					}
					return nil
				}
				select {
				case c.pushes <- f:
				default:
				}
				return nil
			})
		}
		if err != nil {
			return
		}
	}
}

func (c *testClient) send(method string, params any) (uint64, chan *shimproto.Frame) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *shimproto.Frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	f, err := shimproto.NewRequest(id, method, params)
	if err != nil {
		c.t.Fatalf("NewRequest(%s): %v", method, err)
	}
	if err := c.w.WriteFrame(f); err != nil {
		c.t.Fatalf("WriteFrame(%s): %v", method, err)
	}
	return id, ch
}

func (c *testClient) call(method string, params any) *shimproto.Frame {
	c.t.Helper()
	_, ch := c.send(method, params)
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for %s response", method)
		return nil
	}
}

func (c *testClient) mustCall(method string, params, result any) {
	c.t.Helper()
	f := c.call(method, params)
	if !f.Header.OK {
		c.t.Fatalf("%s failed: %s", method, f.Header.Error)
	}
	if result != nil {
		if err := json.Unmarshal(f.Header.Result, result); err != nil {
			c.t.Fatalf("%s result: %v", method, err)
		}
	}
}

func (c *testClient) hello() {
	c.t.Helper()
	var res shimproto.HelloResult
	c.mustCall(shimproto.MethodHello, shimproto.HelloParams{
		ClientID:        "test",
		ProtocolVersion: shimproto.ProtocolVersion,
	}, &res)
	if res.ProtocolVersion != shimproto.ProtocolVersion {
		c.t.Fatalf("hello version = %d", res.ProtocolVersion)
	}
}

func (c *testClient) waitPush(typ shimproto.FrameType) *shimproto.Frame {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.pushes:
			if f.Header.Type == typ {
				return f
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s push", typ)
			return nil
		}
	}
}

func TestHelloRequired(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)

	f := c.call(shimproto.MethodListAll, nil)
	if f.Header.OK {
		t.Fatal("listAll succeeded without hello")
	}
	if !strings.Contains(f.Header.Error, "hello") {
		t.Fatalf("error = %q", f.Header.Error)
	}
}

func TestHelloVersionMismatch(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)

	f := c.call(shimproto.MethodHello, shimproto.HelloParams{ProtocolVersion: 99})
	if f.Header.OK {
		t.Fatal("hello with wrong version succeeded")
	}
}

func TestCreateListDestroy(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	var created shimproto.CreatePtyResult
	c.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 80, Rows: 24}, &created)
	if created.ID == "" {
		t.Fatal("empty session id")
	}

	// Lifecycle push for the creation.
	lc := c.waitPush(shimproto.FramePtyLifecycle)
	var lcEv shimproto.PtyLifecycleEvent
	if err := lc.UnmarshalParams(&lcEv); err != nil {
		t.Fatalf("lifecycle params: %v", err)
	}
	if lcEv.Type != "created" || lcEv.PtyID != created.ID {
		t.Fatalf("lifecycle = %+v", lcEv)
	}

	// Initial full update push follows the attach.
	up := c.waitPush(shimproto.FramePtyUpdate)
	id, u, err := shimproto.DecodePtyUpdate(up)
	if err != nil {
		t.Fatalf("DecodePtyUpdate: %v", err)
	}
	if id != created.ID || !u.Terminal.IsFull || u.Terminal.Cols != 80 {
		t.Fatalf("initial update: id=%s full=%v cols=%d", id, u.Terminal.IsFull, u.Terminal.Cols)
	}

	var list shimproto.ListAllResult
	c.mustCall(shimproto.MethodListAll, nil, &list)
	if len(list.Sessions) != 1 || string(list.Sessions[0].ID) != created.ID {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	c.mustCall(shimproto.MethodDestroy, shimproto.SessionRefParams{PtyID: created.ID}, nil)
	c.mustCall(shimproto.MethodListAll, nil, &list)
	if len(list.Sessions) != 0 {
		t.Fatalf("sessions after destroy = %+v", list.Sessions)
	}

	lc = c.waitPush(shimproto.FramePtyLifecycle)
	if err := lc.UnmarshalParams(&lcEv); err != nil {
		t.Fatalf("lifecycle params: %v", err)
	}
	if lcEv.Type != "destroyed" || lcEv.PtyID != created.ID {
		t.Fatalf("lifecycle = %+v", lcEv)
	}
}

func TestSessionNotFoundError(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	f := c.call(shimproto.MethodGetCwd, shimproto.SessionRefParams{PtyID: "nope"})
	if f.Header.OK {
		t.Fatal("getCwd for unknown session succeeded")
	}
	if !strings.Contains(f.Header.Error, "session not found") {
		t.Fatalf("error = %q", f.Header.Error)
	}
}

func TestOutputReachesClientAsUpdate(t *testing.T) {
	_, st, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	var created shimproto.CreatePtyResult
	c.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 80, Rows: 24}, &created)
	c.waitPush(shimproto.FramePtyUpdate) // initial full

	if _, err := st.slave(0).WriteString("hello from the child"); err != nil {
		t.Fatalf("write to slave: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		var up *shimproto.Frame
		select {
		case f := <-c.pushes:
			if f.Header.Type != shimproto.FramePtyUpdate {
				continue
			}
			up = f
		case <-deadline:
			t.Fatal("no update push carrying output")
		}
		_, u, err := shimproto.DecodePtyUpdate(up)
		if err != nil {
			t.Fatalf("DecodePtyUpdate: %v", err)
		}
		rows := u.Terminal.Screen
		if !u.Terminal.IsFull {
			for _, patch := range u.Terminal.Changed {
				rows = append(rows, patch.Text)
			}
		}
		for _, row := range rows {
			if strings.Contains(row, "hello from the child") {
				return
			}
		}
	}
}

func TestConcurrentRequestsCorrelateByID(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	cwds := []string{"/tmp", "/"}
	var ids []string
	for _, cwd := range cwds {
		var created shimproto.CreatePtyResult
		c.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 80, Rows: 24, Cwd: cwd}, &created)
		ids = append(ids, created.ID)
	}

	// Fire all requests before collecting any response; each must resolve
	// to its own session's answer whatever order replies arrive in.
	type pend struct {
		want string
		ch   chan *shimproto.Frame
	}
	var pends []pend
	for round := 0; round < 10; round++ {
		for i, id := range ids {
			_, ch := c.send(shimproto.MethodGetSession, shimproto.SessionRefParams{PtyID: id})
			pends = append(pends, pend{want: cwds[i], ch: ch})
		}
	}
	for _, p := range pends {
		select {
		case f := <-p.ch:
			if !f.Header.OK {
				t.Fatalf("getSession failed: %s", f.Header.Error)
			}
			var info registry.SessionInfo
			if err := json.Unmarshal(f.Header.Result, &info); err != nil {
				t.Fatalf("result: %v", err)
			}
			if info.Cwd != p.want {
				t.Fatalf("cwd = %q, want %q", info.Cwd, p.want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}
}

func TestSecondClientSeesExistingSession(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c1 := dialTestClient(t, socketPath)
	c1.hello()

	var created shimproto.CreatePtyResult
	c1.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 100, Rows: 30}, &created)

	c2 := dialTestClient(t, socketPath)
	c2.hello()

	// hello attaches existing sessions, replaying a full update.
	up := c2.waitPush(shimproto.FramePtyUpdate)
	id, u, err := shimproto.DecodePtyUpdate(up)
	if err != nil {
		t.Fatalf("DecodePtyUpdate: %v", err)
	}
	if id != created.ID || !u.Terminal.IsFull || u.Terminal.Cols != 100 {
		t.Fatalf("replay: id=%s full=%v cols=%d", id, u.Terminal.IsFull, u.Terminal.Cols)
	}
}

func TestRegisterPaneMapping(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	var created shimproto.CreatePtyResult
	c.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 80, Rows: 24}, &created)

	c.mustCall(shimproto.MethodRegisterPane,
		shimproto.RegisterPaneParams{PaneID: "pane-1", PtyID: created.ID}, nil)

	var mapping shimproto.SessionMappingResult
	c.mustCall(shimproto.MethodGetSessionMapping, nil, &mapping)
	if mapping.Panes["pane-1"] != created.ID {
		t.Fatalf("mapping = %v", mapping.Panes)
	}

	f := c.call(shimproto.MethodRegisterPane,
		shimproto.RegisterPaneParams{PaneID: "pane-2", PtyID: "nope"})
	if f.Header.OK {
		t.Fatal("registerPane for unknown session succeeded")
	}
}

func TestUnknownMethod(t *testing.T) {
	_, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	f := c.call("frobnicate", nil)
	if f.Header.OK || !strings.Contains(f.Header.Error, "unknown method") {
		t.Fatalf("header = %+v", f.Header)
	}
}

func TestStaleSocketCleanedUp(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "shim.sock")
	pidPath := filepath.Join(dir, "shim.pid")

	// A socket file with nothing behind it and a pid file pointing at a
	// process that no longer exists.
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.Close() // leaves no listener; file may be removed, recreate it
	os.WriteFile(socketPath, nil, 0600)
	os.WriteFile(pidPath, []byte("2147483646"), 0600)

	st := &slaveTracker{}
	reg := registry.New(registry.Options{StartPty: st.start})
	d := New(Options{SocketPath: socketPath, PIDPath: pidPath, Registry: reg})
	if err := d.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		reg.Dispose()
	})

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial new daemon: %v", err)
	}
	nc.Close()
}

func TestDetachedOnClose(t *testing.T) {
	d, _, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	d.Close()
	c.waitPush(shimproto.FrameDetached)
}

func TestRepeatedAttachPushesOnce(t *testing.T) {
	d, st, socketPath := newTestDaemon(t)
	c := dialTestClient(t, socketPath)
	c.hello()

	var created shimproto.CreatePtyResult
	c.mustCall(shimproto.MethodCreatePty, shimproto.CreatePtyParams{Cols: 80, Rows: 24}, &created)
	c.waitPush(shimproto.FramePtyUpdate) // initial full

	d.connMu.Lock()
	var co *conn
	for candidate := range d.conns {
		co = candidate
	}
	d.connMu.Unlock()
	if co == nil {
		t.Fatal("no daemon-side connection")
	}

	// A session created while attachPushes is still listing is offered
	// twice, from the lifecycle stream and from the listing. The second
	// offer must not double the subscriptions.
	co.attachSession(registry.SessionID(created.ID))

	if _, err := st.slave(0).WriteString("once"); err != nil {
		t.Fatalf("write to slave: %v", err)
	}

	got := 0
	deadline := time.After(2 * time.Second)
	quiet := time.After(600 * time.Millisecond)
collect:
	for {
		select {
		case f := <-c.pushes:
			if f.Header.Type != shimproto.FramePtyUpdate {
				continue
			}
			id, u, err := shimproto.DecodePtyUpdate(f)
			if err != nil {
				t.Fatalf("DecodePtyUpdate: %v", err)
			}
			if id == created.ID && !u.Terminal.IsFull {
				got++
			}
		case <-quiet:
			break collect
		case <-deadline:
			break collect
		}
	}
	if got != 1 {
		t.Fatalf("got %d delta pushes for one flush, want 1", got)
	}
}
