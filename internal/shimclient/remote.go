package shimclient

import (
	"github.com/pkeller/termmux/internal/shimproto"
	"github.com/pkeller/termmux/internal/term"
)

// RemoteEmulator exposes a daemon-side session through the term.Emulator
// interface, reading from the client's mirror. Input and resize do not go
// through the emulator surface; callers use Client.Write and Client.Resize,
// and the daemon's own emulator reacts.
type RemoteEmulator struct {
	c  *Client
	id string
}

// Emulator returns the remote emulator facade for a session. It is valid
// even before the first update arrives; a cold read falls back to one
// fetch from the daemon, after which pushed updates keep the mirror warm.
func (c *Client) Emulator(id string) *RemoteEmulator {
	return &RemoteEmulator{c: c, id: id}
}

// state reads the mirror, fetching from the daemon only when the mirror
// has not seen this session yet.
func (e *RemoteEmulator) state() term.TerminalState {
	if st, ok := e.c.TerminalState(e.id); ok {
		return st
	}
	st, err := e.c.FetchTerminalState(e.id)
	if err != nil {
		return term.TerminalState{}
	}
	return st
}

func (e *RemoteEmulator) scrollState() term.ScrollState {
	if sc, ok := e.c.ScrollState(e.id); ok {
		return sc
	}
	sc, err := e.c.FetchScrollState(e.id)
	if err != nil {
		return term.ScrollState{}
	}
	return sc
}

// Write is a no-op: keystrokes go to the daemon via Client.Write, and the
// resulting output comes back as pushed updates.
func (e *RemoteEmulator) Write(p []byte) {}

// Resize is a no-op for the same reason as Write.
func (e *RemoteEmulator) Resize(cols, rows int) {}

func (e *RemoteEmulator) TerminalState() term.TerminalState {
	return e.state()
}

// DirtyUpdate reports the mirror as a full snapshot; the mirror has no
// per-consumer dirty tracking.
func (e *RemoteEmulator) DirtyUpdate(scroll term.ScrollState) term.DirtyUpdate {
	st := e.state()
	return term.DirtyUpdate{
		IsFull: true,
		Cols:   st.Cols,
		Rows:   st.Rows,
		Screen: st.Screen,
		Cursor: st.Cursor,
		Modes:  st.Modes,
	}
}

func (e *RemoteEmulator) ScrollbackLength() int {
	return e.scrollState().ScrollbackLength
}

// ScrollbackLine fetches one retained line from the daemon.
func (e *RemoteEmulator) ScrollbackLine(offset int) (string, bool) {
	lines, err := e.c.GetScrollbackLines(e.id, offset, 1)
	if err != nil || len(lines) == 0 {
		return "", false
	}
	return lines[0], true
}

func (e *RemoteEmulator) AtScrollbackLimit() bool {
	return e.scrollState().IsAtScrollbackLimit
}

func (e *RemoteEmulator) Cursor() term.Cursor {
	return e.state().Cursor
}

func (e *RemoteEmulator) Title() string {
	return e.state().Title
}

func (e *RemoteEmulator) Search(query string, opts term.SearchOptions) []term.SearchMatch {
	matches, err := e.c.Search(e.id, query, opts)
	if err != nil {
		return nil
	}
	return matches
}

func (e *RemoteEmulator) OnTitleChange(fn func(string)) (cancel func()) {
	return e.c.OnTitleChange(func(ev shimproto.PtyTitleEvent) {
		if ev.PtyID == e.id {
			fn(ev.Title)
		}
	})
}

func (e *RemoteEmulator) OnUpdate(fn func()) (cancel func()) {
	return e.c.OnUpdate(func(ev UpdateEvent) {
		if ev.PtyID == e.id {
			fn()
		}
	})
}

func (e *RemoteEmulator) OnModeChange(fn func(term.ModeFlags)) (cancel func()) {
	return e.c.OnUpdate(func(ev UpdateEvent) {
		if ev.PtyID == e.id {
			fn(ev.Update.Terminal.Modes)
		}
	})
}

// Dispose releases nothing: the session and its mirror belong to the
// client, not the facade.
func (e *RemoteEmulator) Dispose() {}

var _ term.Emulator = (*RemoteEmulator)(nil)
