// Package registry owns every live PTY session: creation, input, resize,
// scroll position, destruction, and the fan-out of coalesced screen
// updates to subscribers.
package registry

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/pkeller/termmux/internal/sub"
	"github.com/pkeller/termmux/internal/term"
)

// SessionID identifies one PTY session for the registry's lifetime.
type SessionID string

// SessionInfo is the published view of a session.
type SessionInfo struct {
	ID        SessionID `json:"id"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Cwd       string    `json:"cwd"`
	Shell     string    `json:"shell"`
	Title     string    `json:"title"`
	Pid       int       `json:"pid"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LifecycleEvent announces sessions entering and leaving the registry.
type LifecycleEvent struct {
	Type LifecycleEventType `json:"type"`
	ID   SessionID          `json:"id"`
}

type LifecycleEventType string

const (
	LifecycleCreated   LifecycleEventType = "created"
	LifecycleDestroyed LifecycleEventType = "destroyed"
)

// StartPtyFunc starts cmd under a pseudo-terminal of the given size and
// returns the master. Swapped out in tests.
type StartPtyFunc func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error)

// Options configures a Registry. Zero values get working defaults.
type Options struct {
	// Shell is the program spawned for new sessions. Defaults to $SHELL,
	// then /bin/bash.
	Shell string
	// Scheduler drives flush timing. Defaults to a short timer.
	Scheduler Scheduler
	// NewEmulator builds the terminal emulator for a session. Defaults to
	// term.NewPlain.
	NewEmulator func(cols, rows int) term.Emulator
	// StartPty starts the child under a PTY. Defaults to
	// pty.StartWithSize. Tests substitute a childless PTY pair.
	StartPty StartPtyFunc
}

// Registry is the owner of the session map. All sessions are observed
// through its published contract, never through internal references.
type Registry struct {
	mu       sync.Mutex
	sessions map[SessionID]*session

	shell       string
	sched       Scheduler
	newEmulator func(cols, rows int) term.Emulator
	startPty    StartPtyFunc

	lifecycle *sub.Registry[LifecycleEvent]
	allTitles *sub.Registry[TitleEvent]

	colorsMu   sync.Mutex
	hostColors map[string]string
}

// New constructs a Registry.
func New(opts Options) *Registry {
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewTimerScheduler(DefaultFlushDelay)
	}
	if opts.NewEmulator == nil {
		opts.NewEmulator = func(cols, rows int) term.Emulator {
			return term.NewPlain(cols, rows)
		}
	}
	if opts.StartPty == nil {
		opts.StartPty = pty.StartWithSize
	}
	return &Registry{
		sessions:    make(map[SessionID]*session),
		shell:       opts.Shell,
		sched:       opts.Scheduler,
		newEmulator: opts.NewEmulator,
		startPty:    opts.StartPty,
		lifecycle:   sub.New[LifecycleEvent](),
		allTitles:   sub.New[TitleEvent](),
	}
}

// Create spawns a shell under a new PTY and registers the session. The
// created lifecycle event fires only after the session is visible.
func (r *Registry) Create(cols, rows int, cwd string, env []string) (SessionID, error) {
	cmd := exec.Command(r.shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), env...)
	if !hasEnv(cmd.Env, "TERM") {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	ptmx, err := r.startPty(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return "", &SpawnError{Shell: r.shell, Cwd: cwd, Cause: err}
	}

	emu := r.newEmulator(cols, rows)
	if emu == nil {
		_ = ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return "", &SpawnError{Shell: r.shell, Cwd: cwd, Cause: fmt.Errorf("emulator construction failed")}
	}

	id := SessionID(uuid.New().String()[:8])
	s := &session{
		id:         id,
		reg:        r,
		cmd:        cmd,
		ptmx:       ptmx,
		emu:        emu,
		createdAt:  time.Now(),
		cols:       cols,
		rows:       rows,
		cwd:        cwd,
		shell:      r.shell,
		unified:    sub.New[UnifiedUpdate](),
		fullState:  sub.New[*term.TerminalState](),
		scrollSubs: sub.New[term.ScrollState](),
		exitSubs:   sub.New[ExitEvent](),
		titleSubs:  sub.New[string](),
	}

	s.cancelHooks = append(s.cancelHooks,
		emu.OnTitleChange(func(title string) {
			s.mu.Lock()
			s.title = title
			s.mu.Unlock()
			s.titleSubs.NotifySync(title)
			r.allTitles.NotifySync(TitleEvent{ID: id, Title: title})
		}),
		// Out-of-band emulator updates (worker-backed emulators finish
		// writes asynchronously) arm a flush; updates arriving after
		// destruction are dropped by the liveness check in flush.
		emu.OnUpdate(func() {
			if s.inFlush.Load() {
				return
			}
			s.mu.Lock()
			s.armFlushLocked()
			s.mu.Unlock()
		}),
		emu.OnModeChange(func(term.ModeFlags) {
			s.mu.Lock()
			s.armFlushLocked()
			s.mu.Unlock()
		}),
	)

	go s.readLoop()
	if cmd.Process != nil {
		go func() {
			_ = cmd.Wait()
			code := cmd.ProcessState.ExitCode()
			if !s.alive() {
				return
			}
			s.mu.Lock()
			s.exitCode = &code
			s.mu.Unlock()
			s.exitSubs.Notify(ExitEvent{ID: id, ExitCode: code})
		}()
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.lifecycle.Notify(LifecycleEvent{Type: LifecycleCreated, ID: id})
	return id, nil
}

// Write sends input to the PTY. Typing snaps the viewport back to the
// live bottom; that emits a scroll notification on its own so scroll
// subscribers do not depend on a content change.
func (r *Registry) Write(id SessionID, data []byte) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	if st, changed := s.snapToBottom(); changed {
		s.scrollSubs.Notify(st)
	}
	if _, err := s.ptmx.Write(data); err != nil {
		return &WriteError{ID: id, Cause: err}
	}
	return nil
}

// Resize updates the PTY and emulator geometry. When the application has
// enabled in-band resize (mode 2048) the new geometry is reported into
// the PTY with an assumed 8x16 pixel cell.
func (r *Registry) Resize(id SessionID, cols, rows int) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	s.emu.Resize(cols, rows)

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	inBand := s.modes.InBandResize
	s.armFlushLocked()
	s.mu.Unlock()

	if inBand {
		report := fmt.Sprintf("\x1b[48;%d;%d;%d;%dt",
			rows, cols, rows*cellPixelHeight, cols*cellPixelWidth)
		_, _ = s.ptmx.Write([]byte(report))
	}
	return nil
}

// SetPanePosition records where the UI placed this session's pane.
func (r *Registry) SetPanePosition(id SessionID, x, y int) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.paneX, s.paneY = x, y
	s.mu.Unlock()
	return nil
}

// SetScrollOffset moves the viewport, clamped to [0, scrollbackLength].
func (r *Registry) SetScrollOffset(id SessionID, offset int) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.setScrollOffset(offset)
	return nil
}

// GetCwd returns the session's current working directory, refreshed from
// the OS process table when possible.
func (r *Registry) GetCwd(id SessionID) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	return s.refreshCwd()
}

// GetSession returns the published view of one session.
func (r *Registry) GetSession(id SessionID) (SessionInfo, error) {
	s, err := r.get(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.info(), nil
}

// ListAll returns a snapshot of every tracked session, oldest first.
func (r *Registry) ListAll() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// GetTerminalState returns a full snapshot of the session's screen.
func (r *Registry) GetTerminalState(id SessionID) (term.TerminalState, error) {
	s, err := r.get(id)
	if err != nil {
		return term.TerminalState{}, err
	}
	st := s.emu.TerminalState()
	return st, nil
}

// GetEmulator exposes the session's emulator for direct read access.
func (r *Registry) GetEmulator(id SessionID) (term.Emulator, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.emu, nil
}

// GetScrollState reports the session's viewport position.
func (r *Registry) GetScrollState(id SessionID) (term.ScrollState, error) {
	s, err := r.get(id)
	if err != nil {
		return term.ScrollState{}, err
	}
	return s.scrollState(), nil
}

// GetScrollbackLines returns up to count retained lines starting at the
// absolute index start.
func (r *Registry) GetScrollbackLines(id SessionID, start, count int) ([]string, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.scrollbackLines(start, count), nil
}

// GetTitle returns the session's current title.
func (r *Registry) GetTitle(id SessionID) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title, nil
}

// Search scans the session's scrollback and screen.
func (r *Registry) Search(id SessionID, query string, opts term.SearchOptions) ([]term.SearchMatch, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.emu.Search(query, opts), nil
}

// ForegroundProcess resolves the PTY's foreground process group id and
// command name.
func (r *Registry) ForegroundProcess(id SessionID) (int, string, error) {
	s, err := r.get(id)
	if err != nil {
		return 0, "", err
	}
	return s.foregroundProcess()
}

// Destroy tears a session down. Destroying an unknown id is a no-op, so
// concurrent destroys are safe. The session leaves the map before the
// destroyed lifecycle event fires.
func (r *Registry) Destroy(id SessionID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.teardown()
	r.lifecycle.Notify(LifecycleEvent{Type: LifecycleDestroyed, ID: id})
}

// DestroyAll destroys every tracked session. Ids are snapshotted first so
// concurrent creates do not disturb iteration.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	ids := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Destroy(id)
	}
}

// Dispose destroys all sessions and stops the registry's own event
// delivery.
func (r *Registry) Dispose() {
	r.DestroyAll()
	r.lifecycle.Close()
	r.allTitles.Close()
}

// SubscribeUnified delivers one synthetic full update immediately, then
// every future coalesced delta, so a new subscriber never starts from an
// empty screen. The snapshot, the registration, and the initial callback
// all happen under the session lock: a delta flushed concurrently is
// either included in the snapshot or delivered after it, never dropped.
// cb must not call back into the registry.
func (r *Registry) SubscribeUnified(id SessionID, cb func(UnifiedUpdate)) (func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	initial := s.fullUpdateLocked()
	unsub := s.unified.Subscribe(cb)
	cb(initial)
	s.mu.Unlock()
	return unsub, nil
}

// SubscribeFullState registers a legacy full-state subscriber. It
// receives a nil state when the session is destroyed.
func (r *Registry) SubscribeFullState(id SessionID, cb func(*term.TerminalState)) (func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.fullState.Subscribe(cb), nil
}

// SubscribeScroll registers a scroll-only subscriber.
func (r *Registry) SubscribeScroll(id SessionID, cb func(term.ScrollState)) (func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.scrollSubs.Subscribe(cb), nil
}

// OnExit registers an exit subscriber for one session.
func (r *Registry) OnExit(id SessionID, cb func(ExitEvent)) (func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.exitSubs.Subscribe(cb), nil
}

// SubscribeToTitleChange registers a title subscriber for one session.
func (r *Registry) SubscribeToTitleChange(id SessionID, cb func(string)) (func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.titleSubs.Subscribe(cb), nil
}

// SubscribeToAllTitleChanges registers a cross-session title subscriber.
func (r *Registry) SubscribeToAllTitleChanges(cb func(TitleEvent)) func() {
	return r.allTitles.Subscribe(cb)
}

// SubscribeToLifecycle registers a created/destroyed subscriber.
func (r *Registry) SubscribeToLifecycle(cb func(LifecycleEvent)) func() {
	return r.lifecycle.Subscribe(cb)
}

// SetHostColors records the attached UI's terminal colors so new sessions
// can render with host theming.
func (r *Registry) SetHostColors(colors map[string]string) {
	r.colorsMu.Lock()
	defer r.colorsMu.Unlock()
	if r.hostColors == nil {
		r.hostColors = make(map[string]string, len(colors))
	}
	for k, v := range colors {
		r.hostColors[k] = v
	}
}

// HostColors returns the recorded host colors.
func (r *Registry) HostColors() map[string]string {
	r.colorsMu.Lock()
	defer r.colorsMu.Unlock()
	out := make(map[string]string, len(r.hostColors))
	for k, v := range r.hostColors {
		out[k] = v
	}
	return out
}

func (r *Registry) get(id SessionID) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return s, nil
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	return SessionInfo{
		ID:        s.id,
		Cols:      s.cols,
		Rows:      s.rows,
		Cwd:       s.cwd,
		Shell:     s.shell,
		Title:     s.title,
		Pid:       pid,
		ExitCode:  s.exitCode,
		CreatedAt: s.createdAt,
	}
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
