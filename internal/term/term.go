// Package term defines the terminal emulator boundary: the screen/cursor/
// scrollback data model and the Emulator interface the session layer
// consumes. Escape-sequence interpretation lives behind this interface;
// the session layer never depends on how bytes become cells.
package term

// Cursor is a screen-relative cursor position.
type Cursor struct {
	Row     int  `json:"row"`
	Col     int  `json:"col"`
	Visible bool `json:"visible"`
}

// ModeFlags are the terminal mode bits the UI needs to mirror.
type ModeFlags struct {
	AltScreen     bool `json:"altScreen"`
	MouseTracking bool `json:"mouseTracking"`
	CursorKeys    bool `json:"cursorKeys"`
	InBandResize  bool `json:"inBandResize"`
}

// ScrollState describes where the viewport sits relative to the live
// bottom of the terminal.
type ScrollState struct {
	ViewportOffset      int  `json:"viewportOffset"`
	ScrollbackLength    int  `json:"scrollbackLength"`
	IsAtBottom          bool `json:"isAtBottom"`
	IsAtScrollbackLimit bool `json:"isAtScrollbackLimit"`
}

// RowPatch is one changed screen row in a delta update.
type RowPatch struct {
	Row  int    `json:"row"`
	Text string `json:"text"`
}

// DirtyUpdate describes what changed since the previous DirtyUpdate call:
// either a full snapshot (IsFull, Screen populated) or a delta (Changed
// populated). Cursor, modes and geometry always ride along.
type DirtyUpdate struct {
	IsFull  bool       `json:"isFull"`
	Cols    int        `json:"cols"`
	Rows    int        `json:"rows"`
	Screen  []string   `json:"screen,omitempty"`
	Changed []RowPatch `json:"changed,omitempty"`
	Cursor  Cursor     `json:"cursor"`
	Modes   ModeFlags  `json:"modes"`
}

// TerminalState is a complete snapshot of the visible screen.
type TerminalState struct {
	Cols   int       `json:"cols"`
	Rows   int       `json:"rows"`
	Screen []string  `json:"screen"`
	Cursor Cursor    `json:"cursor"`
	Modes  ModeFlags `json:"modes"`
	Title  string    `json:"title"`
}

// SearchOptions controls Emulator.Search.
type SearchOptions struct {
	CaseSensitive bool `json:"caseSensitive"`
	MaxResults    int  `json:"maxResults"`
}

// SearchMatch is one hit in scrollback or on screen. Line is an absolute
// line index: 0 is the oldest retained scrollback line and lines continue
// through the visible screen.
type SearchMatch struct {
	Line int    `json:"line"`
	Col  int    `json:"col"`
	Text string `json:"text"`
}

// Emulator is the consumed terminal-emulation surface. Implementations may
// run in-process, on a worker goroutine, or behind a remote proxy; callers
// must not assume callbacks fire synchronously with Write.
type Emulator interface {
	Write(p []byte)
	Resize(cols, rows int)

	TerminalState() TerminalState
	DirtyUpdate(scroll ScrollState) DirtyUpdate
	ScrollbackLength() int
	// ScrollbackLine returns the retained line at the given offset, where
	// offset 0 is the oldest line. ok is false past the end.
	ScrollbackLine(offset int) (line string, ok bool)
	// AtScrollbackLimit reports whether retention is full, meaning further
	// growth evicts the oldest lines.
	AtScrollbackLimit() bool
	Cursor() Cursor
	Title() string
	Search(query string, opts SearchOptions) []SearchMatch

	OnTitleChange(fn func(title string)) (cancel func())
	OnUpdate(fn func()) (cancel func())
	OnModeChange(fn func(ModeFlags)) (cancel func())

	Dispose()
}
