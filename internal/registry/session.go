package registry

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pkeller/termmux/internal/sub"
	"github.com/pkeller/termmux/internal/term"
)

// UnifiedUpdate is the value delivered to unified subscribers: what
// changed on screen plus where the viewport now sits.
type UnifiedUpdate struct {
	Terminal term.DirtyUpdate `json:"terminalUpdate"`
	Scroll   term.ScrollState `json:"scrollState"`
}

// ExitEvent reports that a session's child process exited. The session
// itself stays in the registry until destroyed, so the UI can keep showing
// the final screen.
type ExitEvent struct {
	ID       SessionID `json:"id"`
	ExitCode int       `json:"exitCode"`
}

// TitleEvent is a cross-session title change notification.
type TitleEvent struct {
	ID    SessionID `json:"id"`
	Title string    `json:"title"`
}

// Pixel cell size assumed for in-band resize reports (CSI 48 t) when the
// application enabled mode 2048. Not measured from the real font; an
// accepted approximation.
const (
	cellPixelWidth  = 8
	cellPixelHeight = 16
)

type session struct {
	id        SessionID
	reg       *Registry
	cmd       *exec.Cmd
	ptmx      *os.File
	emu       term.Emulator
	createdAt time.Time

	mu             sync.Mutex
	cols, rows     int
	cwd            string
	shell          string
	title          string
	paneX, paneY   int
	viewportOffset int
	lastSBLen      int
	lastAtBottom   bool
	modes          term.ModeFlags
	pending        []byte
	flushArmed     bool
	destroyed      bool
	exitCode       *int

	// absolute line index -> text, serving scrollback pagination while the
	// user reads back. Dropped per the stability rules.
	lineCache map[int]string

	inFlush atomic.Bool

	unified    *sub.Registry[UnifiedUpdate]
	fullState  *sub.Registry[*term.TerminalState]
	scrollSubs *sub.Registry[term.ScrollState]
	exitSubs   *sub.Registry[ExitEvent]
	titleSubs  *sub.Registry[string]

	cancelHooks []func()
}

func (s *session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.destroyed
}

// enqueue buffers PTY output and arms at most one flush.
func (s *session) enqueue(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data...)
	s.armFlushLocked()
	s.mu.Unlock()
}

func (s *session) armFlushLocked() {
	if s.flushArmed || s.destroyed {
		return
	}
	s.flushArmed = true
	s.reg.sched.ScheduleFlush(s.flush)
}

// flush drains the pending buffer into the emulator and emits one
// coalesced notification, no matter how many reads arrived since the
// flush was armed.
func (s *session) flush() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	data := s.pending
	s.pending = nil
	s.flushArmed = false
	s.mu.Unlock()

	if len(data) > 0 {
		// Suppress the emulator's own update hook for this write; this
		// flush already notifies.
		s.inFlush.Store(true)
		s.emu.Write(data)
		s.inFlush.Store(false)
	}
	s.notifyUpdate()
}

func (s *session) notifyUpdate() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	scroll, offsetChanged := s.reconcileScrollLocked()
	upd := s.emu.DirtyUpdate(scroll)
	s.modes = upd.Modes
	// Enqueued before the lock drops so the subscriber set is sampled
	// while no registration can interleave; a subscriber added later
	// snapshots a screen that already reflects this delta.
	s.unified.Notify(UnifiedUpdate{Terminal: upd, Scroll: scroll})
	wantFull := s.fullState.Len() > 0
	var st term.TerminalState
	if wantFull {
		st = s.emu.TerminalState()
	}
	s.mu.Unlock()

	if wantFull {
		s.fullState.Notify(&st)
	}
	if offsetChanged {
		s.scrollSubs.Notify(scroll)
	}
}

// reconcileScrollLocked applies the stability rules against the current
// scrollback length and returns the resulting scroll state.
func (s *session) reconcileScrollLocked() (term.ScrollState, bool) {
	newLen := s.emu.ScrollbackLength()
	newOffset, invalidate := AdjustViewport(s.lastSBLen, newLen, s.viewportOffset)
	if invalidate {
		s.lineCache = nil
	}
	changed := newOffset != s.viewportOffset
	s.viewportOffset = newOffset
	s.lastSBLen = newLen
	st := s.scrollStateLocked(newLen)
	s.lastAtBottom = st.IsAtBottom
	return st, changed
}

func (s *session) scrollStateLocked(sbLen int) term.ScrollState {
	return term.ScrollState{
		ViewportOffset:      s.viewportOffset,
		ScrollbackLength:    sbLen,
		IsAtBottom:          s.viewportOffset == 0,
		IsAtScrollbackLimit: s.emu.AtScrollbackLimit(),
	}
}

func (s *session) scrollState() term.ScrollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollStateLocked(s.emu.ScrollbackLength())
}

// setScrollOffset clamps into range and notifies scroll subscribers.
// Arriving back at the live bottom drops the read-back line cache: it is
// only useful while scrolled back.
func (s *session) setScrollOffset(offset int) {
	s.mu.Lock()
	sbLen := s.emu.ScrollbackLength()
	newOffset := clampOffset(offset, sbLen)
	wasBack := s.viewportOffset > 0
	s.viewportOffset = newOffset
	if wasBack && newOffset == 0 {
		s.lineCache = nil
	}
	st := s.scrollStateLocked(sbLen)
	s.lastAtBottom = st.IsAtBottom
	s.mu.Unlock()
	s.scrollSubs.Notify(st)
}

// snapToBottom resets the viewport on user input. Returns the new scroll
// state when a notification is due.
func (s *session) snapToBottom() (term.ScrollState, bool) {
	s.mu.Lock()
	if s.viewportOffset == 0 {
		s.mu.Unlock()
		return term.ScrollState{}, false
	}
	s.viewportOffset = 0
	s.lineCache = nil
	st := s.scrollStateLocked(s.emu.ScrollbackLength())
	s.lastAtBottom = true
	s.mu.Unlock()
	return st, true
}

// scrollbackLines returns count lines starting at absolute index start,
// serving from the line cache where possible.
func (s *session) scrollbackLines(start, count int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lineCache == nil {
		s.lineCache = make(map[int]string)
	}
	lines := make([]string, 0, count)
	for i := start; i < start+count; i++ {
		if line, ok := s.lineCache[i]; ok {
			lines = append(lines, line)
			continue
		}
		line, ok := s.emu.ScrollbackLine(i)
		if !ok {
			break
		}
		s.lineCache[i] = line
		lines = append(lines, line)
	}
	return lines
}

func (s *session) fullUpdateLocked() UnifiedUpdate {
	st := s.emu.TerminalState()
	return UnifiedUpdate{
		Terminal: term.DirtyUpdate{
			IsFull: true,
			Cols:   st.Cols,
			Rows:   st.Rows,
			Screen: st.Screen,
			Cursor: st.Cursor,
			Modes:  st.Modes,
		},
		Scroll: s.scrollStateLocked(s.emu.ScrollbackLength()),
	}
}

// refreshCwd re-reads the child's working directory from the OS process
// table. Stale or failed lookups fall back to the last-known value; when
// there is no fallback either, the failure surfaces as a CwdError.
func (s *session) refreshCwd() (string, error) {
	s.mu.Lock()
	last := s.cwd
	s.mu.Unlock()

	if s.cmd == nil || s.cmd.Process == nil {
		if last == "" {
			return "", &CwdError{ID: s.id, Cause: errors.New("no child process")}
		}
		return last, nil
	}
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", s.cmd.Process.Pid))
	if err != nil {
		if last == "" {
			return "", &CwdError{ID: s.id, Cause: err}
		}
		return last, nil
	}
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
	return cwd, nil
}

// foregroundProcess resolves the PTY's foreground process group and its
// command name.
func (s *session) foregroundProcess() (int, string, error) {
	if s.ptmx == nil {
		return 0, "", fmt.Errorf("session %s has no pty", s.id)
	}
	pgid, err := unix.IoctlGetInt(int(s.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return 0, "", fmt.Errorf("tcgetpgrp: %w", err)
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pgid))
	if err != nil {
		return pgid, "", nil
	}
	return pgid, strings.TrimSpace(string(comm)), nil
}

// readLoop pumps PTY output into the pending buffer until the PTY closes.
func (s *session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.enqueue(data)
		}
		if err != nil {
			return
		}
	}
}

// teardown is called exactly once, after the session has left the map.
// Cleanup is best effort: a failed kill or dispose never blocks removal.
func (s *session) teardown() {
	s.mu.Lock()
	s.destroyed = true
	s.pending = nil
	s.lineCache = nil
	s.mu.Unlock()

	for _, cancel := range s.cancelHooks {
		cancel()
	}

	// Final nil state so full-state subscribers can detect teardown.
	s.fullState.NotifySync(nil)

	s.unified.Close()
	s.fullState.Close()
	s.scrollSubs.Close()
	s.exitSubs.Close()
	s.titleSubs.Close()

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(unix.SIGTERM)
	}
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
	s.emu.Dispose()
}
