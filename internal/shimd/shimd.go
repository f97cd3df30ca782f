// Package shimd implements the shim daemon: the background process that owns
// every PTY session and serves the framed protocol over a unix domain
// socket. Clients come and go; sessions survive until destroyed or the
// daemon itself shuts down.
package shimd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkeller/termmux/internal/gitinfo"
	"github.com/pkeller/termmux/internal/preflight"
	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/shimproto"
	"github.com/pkeller/termmux/internal/store"
	"github.com/pkeller/termmux/internal/term"
)

// Options configures a Daemon. Registry is required; Store may be nil, in
// which case pane registration is unavailable.
type Options struct {
	SocketPath string
	PIDPath    string
	Registry   *registry.Registry
	Store      *store.Store
}

// Daemon accepts client connections and dispatches protocol requests to the
// session registry.
type Daemon struct {
	socketPath string
	pidPath    string
	reg        *registry.Registry
	db         *store.Store

	listener net.Listener

	connMu sync.Mutex
	conns  map[*conn]struct{}
	closed bool

	cancelStoreHooks func()
}

// New wires a daemon to its registry and store. Call Start to begin serving.
func New(opts Options) *Daemon {
	d := &Daemon{
		socketPath: opts.SocketPath,
		pidPath:    opts.PIDPath,
		reg:        opts.Registry,
		db:         opts.Store,
		conns:      make(map[*conn]struct{}),
	}
	if d.db != nil {
		d.cancelStoreHooks = d.reg.SubscribeToLifecycle(d.recordLifecycle)
	}
	return d
}

// recordLifecycle mirrors session lifetimes into the store.
func (d *Daemon) recordLifecycle(ev registry.LifecycleEvent) {
	switch ev.Type {
	case registry.LifecycleCreated:
		info, err := d.reg.GetSession(ev.ID)
		if err != nil {
			return
		}
		if err := d.db.RecordSession(info); err != nil {
			log.Printf("shimd: record session: %v", err)
		}
		id := ev.ID
		d.reg.OnExit(id, func(e registry.ExitEvent) {
			if err := d.db.MarkExited(id, e.ExitCode); err != nil {
				log.Printf("shimd: mark exited: %v", err)
			}
		})
	case registry.LifecycleDestroyed:
		if err := d.db.MarkDestroyed(ev.ID); err != nil {
			log.Printf("shimd: mark destroyed: %v", err)
		}
	}
}

// Start claims the socket and pid file and begins accepting connections.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := cleanStaleSocket(d.socketPath, d.pidPath); err != nil {
		return err
	}
	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	d.listener = listener
	go d.serve()
	return nil
}

func (d *Daemon) serve() {
	for {
		nc, err := d.listener.Accept()
		if err != nil {
			return
		}
		c := &conn{d: d, nc: nc, w: shimproto.NewWriter(nc)}

		d.connMu.Lock()
		if d.closed {
			d.connMu.Unlock()
			nc.Close()
			return
		}
		d.conns[c] = struct{}{}
		d.connMu.Unlock()

		go c.readLoop()
	}
}

// Close notifies clients, drops all connections, and releases the socket.
// Sessions are left to the caller: a restarting daemon destroys them, a
// handoff does not.
func (d *Daemon) Close() error {
	d.connMu.Lock()
	if d.closed {
		d.connMu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.connMu.Unlock()

	detached, err := shimproto.NewEvent(shimproto.FrameDetached,
		shimproto.DetachedEvent{Reason: "daemon shutting down"})
	for _, c := range conns {
		if err == nil {
			c.w.WriteFrame(detached)
		}
		c.close()
	}

	if d.cancelStoreHooks != nil {
		d.cancelStoreHooks()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.socketPath)
	os.Remove(d.pidPath)
	return nil
}

// RunConfig overrides Run's defaults. Zero values use the per-user paths,
// $SHELL, and the registry's flush and retention defaults.
type RunConfig struct {
	SocketPath      string
	PIDPath         string
	Shell           string
	ScrollbackLimit int
	FlushInterval   time.Duration
}

// Run is the blocking production entry point: default paths, sqlite-backed
// store, and signal-driven shutdown that tears down all sessions.
func Run(cfg RunConfig) error {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		var err error
		socketPath, err = SocketPath()
		if err != nil {
			return err
		}
	}
	pidPath := cfg.PIDPath
	if pidPath == "" {
		var err error
		pidPath, err = PIDPath()
		if err != nil {
			return err
		}
	}

	checks, shellOK := preflight.CheckAll(cfg.Shell)
	preflight.Report(checks, log.Printf)
	if !shellOK {
		return fmt.Errorf("no usable shell; set $SHELL or the shell config key")
	}

	var db *store.Store
	if dbPath, err := store.DefaultPath(); err == nil {
		db, err = store.Open(dbPath)
		if err != nil {
			log.Printf("shimd: store unavailable, pane mappings disabled: %v", err)
			db = nil
		}
	}
	if db != nil {
		defer db.Close()
		// A fresh daemon has no sessions; rows left running by a
		// crashed predecessor are finalized here.
		if n, err := db.Reconcile(nil); err != nil {
			log.Printf("shimd: reconcile: %v", err)
		} else if n > 0 {
			log.Printf("shimd: finalized %d stale sessions", n)
		}
	}

	regOpts := registry.Options{Shell: cfg.Shell}
	if cfg.FlushInterval > 0 {
		regOpts.Scheduler = registry.NewTimerScheduler(cfg.FlushInterval)
	}
	if cfg.ScrollbackLimit > 0 {
		regOpts.NewEmulator = func(cols, rows int) term.Emulator {
			emu := term.NewPlain(cols, rows)
			emu.SetScrollbackLimit(cfg.ScrollbackLimit)
			return emu
		}
	}
	reg := registry.New(regOpts)
	d := New(Options{SocketPath: socketPath, PIDPath: pidPath, Registry: reg, Store: db})
	if err := d.Start(); err != nil {
		return err
	}
	log.Printf("shimd: listening on %s (pid %d)", socketPath, os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("shimd: received %s, shutting down", sig)

	d.Close()
	reg.Dispose()
	return nil
}

// conn is one client connection. Requests dispatch on their own goroutines
// so a slow handler never holds up the ones behind it; the shared frame
// writer serializes responses and pushes.
type conn struct {
	d  *Daemon
	nc net.Conn
	w  *shimproto.Writer

	mu       sync.Mutex
	greeted  bool
	closed   bool
	unsubs   []func()
	attached map[registry.SessionID]struct{}
}

func (c *conn) readLoop() {
	defer c.teardown()

	var r shimproto.Reader
	buf := make([]byte, 64*1024)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			if err := r.Feed(buf[:n], c.onFrame); err != nil {
				log.Printf("shimd: dropping connection: %v", err)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) onFrame(f *shimproto.Frame) error {
	if f.Header.Type != shimproto.FrameRequest {
		// Clients only send requests; anything else is ignored.
		return nil
	}
	go c.handleRequest(f)
	return nil
}

func (c *conn) teardown() {
	c.d.connMu.Lock()
	delete(c.d.conns, c)
	c.d.connMu.Unlock()
	c.close()
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.nc.Close()
}

func (c *conn) addUnsub(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.unsubs = append(c.unsubs, fn)
}

func (c *conn) isGreeted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeted
}

func (c *conn) handleRequest(f *shimproto.Frame) {
	result, err := c.dispatch(f)

	var resp *shimproto.Frame
	if err != nil {
		resp = shimproto.NewErrorResponse(f.Header.RequestID, err.Error())
	} else {
		resp, err = shimproto.NewResponse(f.Header.RequestID, result)
		if err != nil {
			resp = shimproto.NewErrorResponse(f.Header.RequestID, err.Error())
		}
	}
	if err := c.w.WriteFrame(resp); err != nil {
		c.nc.Close()
	}
}

func (c *conn) dispatch(f *shimproto.Frame) (any, error) {
	if f.Header.Method == shimproto.MethodHello {
		return c.handleHello(f)
	}
	if !c.isGreeted() {
		return nil, errors.New("hello required before any other request")
	}

	switch f.Header.Method {
	case shimproto.MethodSetHostColors:
		var p shimproto.SetHostColorsParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		c.d.reg.SetHostColors(p.Colors)
		return nil, nil

	case shimproto.MethodCreatePty:
		var p shimproto.CreatePtyParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		id, err := c.d.reg.Create(p.Cols, p.Rows, p.Cwd, p.Env)
		if err != nil {
			return nil, err
		}
		return shimproto.CreatePtyResult{ID: string(id)}, nil

	case shimproto.MethodWrite:
		var p shimproto.WriteParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return nil, c.d.reg.Write(registry.SessionID(p.PtyID), []byte(p.Data))

	case shimproto.MethodResize:
		var p shimproto.ResizeParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return nil, c.d.reg.Resize(registry.SessionID(p.PtyID), p.Cols, p.Rows)

	case shimproto.MethodDestroy:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		c.d.reg.Destroy(registry.SessionID(p.PtyID))
		return nil, nil

	case shimproto.MethodDestroyAll:
		c.d.reg.DestroyAll()
		return nil, nil

	case shimproto.MethodSetPanePosition:
		var p shimproto.SetPanePositionParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return nil, c.d.reg.SetPanePosition(registry.SessionID(p.PtyID), p.X, p.Y)

	case shimproto.MethodGetCwd:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		cwd, err := c.d.reg.GetCwd(registry.SessionID(p.PtyID))
		if err != nil {
			return nil, err
		}
		return shimproto.GetCwdResult{Cwd: cwd}, nil

	case shimproto.MethodGetTerminalState:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return c.d.reg.GetTerminalState(registry.SessionID(p.PtyID))

	case shimproto.MethodGetScrollState:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return c.d.reg.GetScrollState(registry.SessionID(p.PtyID))

	case shimproto.MethodSetScrollOffset:
		var p shimproto.SetScrollOffsetParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return nil, c.d.reg.SetScrollOffset(registry.SessionID(p.PtyID), p.Offset)

	case shimproto.MethodGetScrollbackLines:
		var p shimproto.ScrollbackLinesParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		lines, err := c.d.reg.GetScrollbackLines(registry.SessionID(p.PtyID), p.Start, p.Count)
		if err != nil {
			return nil, err
		}
		return shimproto.ScrollbackLinesResult{Lines: lines}, nil

	case shimproto.MethodSearch:
		var p shimproto.SearchParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		matches, err := c.d.reg.Search(registry.SessionID(p.PtyID), p.Query, p.Options)
		if err != nil {
			return nil, err
		}
		return shimproto.SearchResult{Matches: matches}, nil

	case shimproto.MethodListAll:
		return shimproto.ListAllResult{Sessions: c.d.reg.ListAll()}, nil

	case shimproto.MethodGetSession:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		return c.d.reg.GetSession(registry.SessionID(p.PtyID))

	case shimproto.MethodGetForegroundProcess:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		pid, name, err := c.d.reg.ForegroundProcess(registry.SessionID(p.PtyID))
		if err != nil {
			return nil, err
		}
		return shimproto.ForegroundProcessResult{Pid: pid, Name: name}, nil

	case shimproto.MethodGetGitBranch:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		cwd, err := c.d.reg.GetCwd(registry.SessionID(p.PtyID))
		if err != nil {
			return nil, err
		}
		branch, err := gitinfo.Branch(context.Background(), cwd)
		if err != nil {
			return nil, err
		}
		return shimproto.GetGitBranchResult{Branch: branch}, nil

	case shimproto.MethodGetTitle:
		var p shimproto.SessionRefParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		title, err := c.d.reg.GetTitle(registry.SessionID(p.PtyID))
		if err != nil {
			return nil, err
		}
		return shimproto.GetTitleResult{Title: title}, nil

	case shimproto.MethodRegisterPane:
		if c.d.db == nil {
			return nil, errors.New("pane store unavailable")
		}
		var p shimproto.RegisterPaneParams
		if err := f.UnmarshalParams(&p); err != nil {
			return nil, err
		}
		if _, err := c.d.reg.GetSession(registry.SessionID(p.PtyID)); err != nil {
			return nil, err
		}
		return nil, c.d.db.RegisterPane(p.PaneID, registry.SessionID(p.PtyID))

	case shimproto.MethodGetSessionMapping:
		if c.d.db == nil {
			return nil, errors.New("pane store unavailable")
		}
		panes, err := c.d.db.SessionMapping()
		if err != nil {
			return nil, err
		}
		return shimproto.SessionMappingResult{Panes: panes}, nil
	}

	return nil, fmt.Errorf("unknown method: %s", f.Header.Method)
}

func (c *conn) handleHello(f *shimproto.Frame) (any, error) {
	var p shimproto.HelloParams
	if err := f.UnmarshalParams(&p); err != nil {
		return nil, err
	}
	if p.ProtocolVersion != shimproto.ProtocolVersion {
		return nil, fmt.Errorf("protocol version mismatch: client %d, server %d",
			p.ProtocolVersion, shimproto.ProtocolVersion)
	}

	c.mu.Lock()
	alreadyGreeted := c.greeted
	c.greeted = true
	c.mu.Unlock()

	if !alreadyGreeted {
		c.attachPushes()
	}
	return shimproto.HelloResult{
		ServerPid:       os.Getpid(),
		ProtocolVersion: shimproto.ProtocolVersion,
	}, nil
}

// attachPushes subscribes the connection to lifecycle events and to every
// current session. New sessions are attached from the lifecycle stream.
func (c *conn) attachPushes() {
	c.addUnsub(c.d.reg.SubscribeToLifecycle(func(ev registry.LifecycleEvent) {
		frame, err := shimproto.NewEvent(shimproto.FramePtyLifecycle, shimproto.PtyLifecycleEvent{
			Type:  string(ev.Type),
			PtyID: string(ev.ID),
		})
		if err == nil {
			c.w.WriteFrame(frame)
		}
		if ev.Type == registry.LifecycleCreated {
			c.attachSession(ev.ID)
		}
	}))
	for _, info := range c.d.reg.ListAll() {
		c.attachSession(info.ID)
	}
}

// attachSession forwards one session's update, exit, and title streams to
// the client. The unified subscription replays a full state synchronously,
// so a freshly attached client renders without a separate fetch. A session
// created while attachPushes is still listing reaches here twice, once
// from the lifecycle stream and once from the listing; the second attach
// is a no-op so the client is not pushed duplicates.
func (c *conn) attachSession(id registry.SessionID) {
	c.mu.Lock()
	if _, ok := c.attached[id]; ok {
		c.mu.Unlock()
		return
	}
	if c.attached == nil {
		c.attached = make(map[registry.SessionID]struct{})
	}
	c.attached[id] = struct{}{}
	c.mu.Unlock()
	unsub, err := c.d.reg.SubscribeUnified(id, func(u registry.UnifiedUpdate) {
		frame, err := shimproto.EncodePtyUpdate(string(id), u)
		if err != nil {
			return
		}
		c.w.WriteFrame(frame)
	})
	if err != nil {
		// Session raced away between listing and subscribing.
		return
	}
	c.addUnsub(unsub)

	if unsub, err := c.d.reg.OnExit(id, func(e registry.ExitEvent) {
		frame, err := shimproto.NewEvent(shimproto.FramePtyExit, shimproto.PtyExitEvent{
			PtyID:    string(e.ID),
			ExitCode: e.ExitCode,
		})
		if err == nil {
			c.w.WriteFrame(frame)
		}
	}); err == nil {
		c.addUnsub(unsub)
	}

	if unsub, err := c.d.reg.SubscribeToTitleChange(id, func(title string) {
		frame, err := shimproto.NewEvent(shimproto.FramePtyTitle, shimproto.PtyTitleEvent{
			PtyID: string(id),
			Title: title,
		})
		if err == nil {
			c.w.WriteFrame(frame)
		}
	}); err == nil {
		c.addUnsub(unsub)
	}
}
