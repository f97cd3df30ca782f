// Package shimclient is the in-process side of the shim protocol: it
// connects to the daemon (spawning one on demand), correlates requests with
// responses, and maintains a local mirror of every session's terminal state
// fed by push frames so reads never cross the socket.
package shimclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/shimd"
	"github.com/pkeller/termmux/internal/shimproto"
	"github.com/pkeller/termmux/internal/sub"
	"github.com/pkeller/termmux/internal/term"
)

// ErrDisconnected rejects requests that were in flight when the connection
// dropped. The next operation triggers a reconnect.
var ErrDisconnected = errors.New("shim daemon disconnected")

// RequestError is a failure reported by the daemon for one request.
type RequestError struct {
	Method  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

const (
	connectAttempts = 25
	connectInterval = 120 * time.Millisecond
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// UpdateEvent pairs a session id with its mirrored update.
type UpdateEvent struct {
	PtyID  string
	Update registry.UnifiedUpdate
}

// Options configures a Client. Zero values use the production daemon.
type Options struct {
	// SocketPath defaults to the per-user daemon socket.
	SocketPath string
	ClientID   string
	// SpawnDaemon launches the daemon when the socket is unreachable.
	SpawnDaemon bool
	// DaemonArgs are passed to the spawned executable. Defaults to
	// ["shim"].
	DaemonArgs []string
	// HostColors are pushed to the daemon after each successful handshake.
	HostColors map[string]string
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// ptyMirror is the locally cached view of one daemon-side session.
type ptyMirror struct {
	term   term.TerminalState
	scroll term.ScrollState
}

// Client talks to the shim daemon. Safe for concurrent use.
type Client struct {
	opts Options

	mu        sync.Mutex
	state     connState
	conn      net.Conn
	w         *shimproto.Writer
	inFlight  chan struct{} // closed when the current connect attempt ends
	lastError error

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingResult

	reqCounter atomic.Uint64

	stateMu sync.Mutex
	ptys    map[string]*ptyMirror

	updates   *sub.Registry[UpdateEvent]
	exits     *sub.Registry[shimproto.PtyExitEvent]
	titles    *sub.Registry[shimproto.PtyTitleEvent]
	lifecycle *sub.Registry[shimproto.PtyLifecycleEvent]
	detached  *sub.Registry[shimproto.DetachedEvent]
}

// New builds a client without connecting; the first operation connects.
func New(opts Options) (*Client, error) {
	if opts.SocketPath == "" {
		path, err := shimd.SocketPath()
		if err != nil {
			return nil, err
		}
		opts.SocketPath = path
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("pid-%d", os.Getpid())
	}
	if opts.DaemonArgs == nil {
		opts.DaemonArgs = []string{"shim"}
	}
	return &Client{
		opts:      opts,
		pending:   make(map[uint64]chan pendingResult),
		ptys:      make(map[string]*ptyMirror),
		updates:   sub.New[UpdateEvent](),
		exits:     sub.New[shimproto.PtyExitEvent](),
		titles:    sub.New[shimproto.PtyTitleEvent](),
		lifecycle: sub.New[shimproto.PtyLifecycleEvent](),
		detached:  sub.New[shimproto.DetachedEvent](),
	}, nil
}

// Close drops the connection. Pending requests are rejected; the daemon and
// its sessions keep running.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.w = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	c.rejectPending(ErrDisconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connect establishes the connection eagerly. Operations call this
// implicitly; it exists for callers that want the failure up front.
func (c *Client) Connect() error {
	return c.ensureConnected()
}

// ensureConnected resolves to a live connection, deduplicating concurrent
// connect attempts: one goroutine dials while the rest wait on its outcome.
func (c *Client) ensureConnected() error {
	for {
		c.mu.Lock()
		switch c.state {
		case stateConnected:
			c.mu.Unlock()
			return nil
		case stateConnecting:
			wait := c.inFlight
			c.mu.Unlock()
			<-wait
			continue
		}
		c.state = stateConnecting
		c.inFlight = make(chan struct{})
		done := c.inFlight
		c.mu.Unlock()

		err := c.connect()

		c.mu.Lock()
		switch {
		case err != nil:
			c.state = stateDisconnected
			c.lastError = err
		case c.conn == nil:
			// The connection dropped between the handshake and this
			// promotion; disconnected() already cleared it. Claiming
			// stateConnected here would wedge every later call on a
			// nil writer.
			c.state = stateDisconnected
			c.lastError = ErrDisconnected
			err = ErrDisconnected
		default:
			c.state = stateConnected
		}
		close(done)
		c.mu.Unlock()
		return err
	}
}

func (c *Client) connect() error {
	conn, err := net.Dial("unix", c.opts.SocketPath)
	if err != nil {
		if !c.opts.SpawnDaemon {
			return fmt.Errorf("connect to shim daemon: %w", err)
		}
		if err := c.spawnDaemon(); err != nil {
			return err
		}
		conn, err = c.awaitDaemon()
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.w = shimproto.NewWriter(conn)
	c.mu.Unlock()
	go c.readLoop(conn)

	var hello shimproto.HelloResult
	if err := c.roundTrip(shimproto.MethodHello, shimproto.HelloParams{
		ClientID:        c.opts.ClientID,
		ProtocolVersion: shimproto.ProtocolVersion,
	}, &hello); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	if len(c.opts.HostColors) > 0 {
		if err := c.roundTrip(shimproto.MethodSetHostColors,
			shimproto.SetHostColorsParams{Colors: c.opts.HostColors}, nil); err != nil {
			log.Printf("shimclient: push host colors: %v", err)
		}
	}
	return nil
}

func (c *Client) spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, c.opts.DaemonArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn shim daemon: %w", err)
	}
	// The daemon outlives us; never wait on it.
	cmd.Process.Release()
	return nil
}

func (c *Client) awaitDaemon() (net.Conn, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		time.Sleep(connectInterval)
		conn, err := net.Dial("unix", c.opts.SocketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("shim daemon did not come up: %w", lastErr)
}

func (c *Client) readLoop(conn net.Conn) {
	var r shimproto.Reader
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := r.Feed(buf[:n], c.onFrame); ferr != nil {
				log.Printf("shimclient: protocol error, dropping connection: %v", ferr)
				conn.Close()
				c.disconnected(conn)
				return
			}
		}
		if err != nil {
			c.disconnected(conn)
			return
		}
	}
}

// disconnected transitions to the disconnected state if conn is still the
// active connection. A later operation reconnects.
func (c *Client) disconnected(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.w = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	c.rejectPending(ErrDisconnected)
	c.detached.Notify(shimproto.DetachedEvent{Reason: "connection lost"})
}

func (c *Client) rejectPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan pendingResult)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- pendingResult{err: err}
	}
}

func (c *Client) onFrame(f *shimproto.Frame) error {
	switch f.Header.Type {
	case shimproto.FrameResponse:
		c.pendingMu.Lock()
		ch, ok := c.pending[f.Header.RequestID]
		delete(c.pending, f.Header.RequestID)
		c.pendingMu.Unlock()
		if !ok {
			// Response to a request rejected at disconnect, or to a
			// request we never made. Either way nobody is waiting.
			return nil
		}
		if f.Header.OK {
			ch <- pendingResult{result: f.Header.Result}
		} else {
			ch <- pendingResult{err: errors.New(f.Header.Error)}
		}

	case shimproto.FramePtyUpdate:
		id, u, err := shimproto.DecodePtyUpdate(f)
		if err != nil {
			return err
		}
		c.applyUpdate(id, u)
		c.updates.Notify(UpdateEvent{PtyID: id, Update: u})

	case shimproto.FramePtyExit:
		var ev shimproto.PtyExitEvent
		if err := f.UnmarshalParams(&ev); err != nil {
			return err
		}
		c.exits.Notify(ev)

	case shimproto.FramePtyTitle:
		var ev shimproto.PtyTitleEvent
		if err := f.UnmarshalParams(&ev); err != nil {
			return err
		}
		c.stateMu.Lock()
		if m, ok := c.ptys[ev.PtyID]; ok {
			m.term.Title = ev.Title
		}
		c.stateMu.Unlock()
		c.titles.Notify(ev)

	case shimproto.FramePtyLifecycle:
		var ev shimproto.PtyLifecycleEvent
		if err := f.UnmarshalParams(&ev); err != nil {
			return err
		}
		if ev.Type == string(registry.LifecycleDestroyed) {
			c.stateMu.Lock()
			delete(c.ptys, ev.PtyID)
			c.stateMu.Unlock()
		}
		c.lifecycle.Notify(ev)

	case shimproto.FrameDetached:
		var ev shimproto.DetachedEvent
		if err := f.UnmarshalParams(&ev); err != nil {
			return err
		}
		c.detached.Notify(ev)
	}
	return nil
}

// applyUpdate folds a pushed update into the local mirror. Full updates
// replace the screen; deltas patch rows in place.
func (c *Client) applyUpdate(id string, u registry.UnifiedUpdate) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	m, ok := c.ptys[id]
	if !ok {
		m = &ptyMirror{}
		c.ptys[id] = m
	}
	m.scroll = u.Scroll
	m.term.Cols = u.Terminal.Cols
	m.term.Rows = u.Terminal.Rows
	m.term.Cursor = u.Terminal.Cursor
	m.term.Modes = u.Terminal.Modes

	if u.Terminal.IsFull {
		m.term.Screen = append([]string(nil), u.Terminal.Screen...)
		return
	}
	if len(m.term.Screen) < u.Terminal.Rows {
		grown := make([]string, u.Terminal.Rows)
		copy(grown, m.term.Screen)
		m.term.Screen = grown
	}
	for _, patch := range u.Terminal.Changed {
		if patch.Row >= 0 && patch.Row < len(m.term.Screen) {
			m.term.Screen[patch.Row] = patch.Text
		}
	}
}

// roundTrip issues one request on the current connection.
func (c *Client) roundTrip(method string, params, result any) error {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return ErrDisconnected
	}

	id := c.reqCounter.Add(1)
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	f, err := shimproto.NewRequest(id, method, params)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}
	if err := w.WriteFrame(f); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	res := <-ch
	if res.err != nil {
		if errors.Is(res.err, ErrDisconnected) {
			return res.err
		}
		return &RequestError{Method: method, Message: res.err.Error()}
	}
	if result != nil && res.result != nil {
		if err := json.Unmarshal(res.result, result); err != nil {
			return fmt.Errorf("%s result: %w", method, err)
		}
	}
	return nil
}

// call connects on demand and retries once across a dropped connection.
func (c *Client) call(method string, params, result any) error {
	for attempt := 0; ; attempt++ {
		err := c.ensureConnected()
		if err == nil {
			err = c.roundTrip(method, params, result)
		}
		if errors.Is(err, ErrDisconnected) && attempt == 0 {
			continue
		}
		return err
	}
}
