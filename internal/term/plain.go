package term

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkeller/termmux/internal/sub"
)

// DefaultScrollbackLimit is the number of lines Plain retains once they
// scroll off the visible screen.
const DefaultScrollbackLimit = 10000

// Plain is a deliberately escape-blind Emulator: it keeps a legible
// character grid, a scrollback log, a cursor, and recognizes just enough
// control bytes to surface title and mode changes. It is not a VT
// interpreter; deployments that need one inject a different Emulator.
type Plain struct {
	mu sync.Mutex

	cols, rows int
	screen     [][]rune
	curRow     int
	curCol     int
	cursorOn   bool
	modes      ModeFlags
	title      string

	scrollback []string
	sbLimit    int

	dirty map[int]struct{}
	full  bool

	esc escState

	disposed bool

	titleSubs  *sub.Registry[string]
	updateSubs *sub.Registry[struct{}]
	modeSubs   *sub.Registry[ModeFlags]
}

// escState carries an escape sequence split across Write calls.
type escState struct {
	active bool
	kind   byte // 0 = undecided, '[' = CSI, ']' = OSC
	buf    []rune
}

var _ Emulator = (*Plain)(nil)

func NewPlain(cols, rows int) *Plain {
	p := &Plain{
		cols:       cols,
		rows:       rows,
		cursorOn:   true,
		sbLimit:    DefaultScrollbackLimit,
		dirty:      make(map[int]struct{}),
		full:       true,
		titleSubs:  sub.New[string](),
		updateSubs: sub.New[struct{}](),
		modeSubs:   sub.New[ModeFlags](),
	}
	p.screen = make([][]rune, rows)
	for i := range p.screen {
		p.screen[i] = make([]rune, 0, cols)
	}
	return p
}

// SetScrollbackLimit replaces the retention limit. Intended for
// construction time; shrinking later evicts the oldest lines.
func (p *Plain) SetScrollbackLimit(n int) {
	p.mu.Lock()
	p.sbLimit = n
	if len(p.scrollback) > n {
		p.scrollback = p.scrollback[len(p.scrollback)-n:]
	}
	p.mu.Unlock()
}

func (p *Plain) Write(data []byte) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	titleChanged := false
	modesChanged := false

	for i := 0; i < len(data); {
		if p.esc.active {
			i += p.feedEscape(data[i:], &titleChanged, &modesChanged)
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		i += size
		switch {
		case r == 0x1b:
			p.esc = escState{active: true}
		case r == '\n':
			p.lineFeed()
		case r == '\r':
			p.curCol = 0
		case r == '\b':
			if p.curCol > 0 {
				p.curCol--
			}
		case r == '\t':
			p.curCol = min((p.curCol/8+1)*8, p.cols-1)
		case r < 0x20 || r == 0x7f:
			// other control bytes: drop
		default:
			p.putRune(r)
		}
	}
	title := p.title
	modes := p.modes
	p.mu.Unlock()

	if titleChanged {
		p.titleSubs.NotifySync(title)
	}
	if modesChanged {
		p.modeSubs.NotifySync(modes)
	}
	p.updateSubs.NotifySync(struct{}{})
}

// feedEscape consumes bytes belonging to an in-progress escape sequence
// and returns how many were eaten. Sequences are skipped lexically; only
// OSC titles and a handful of private mode toggles have side effects.
func (p *Plain) feedEscape(data []byte, titleChanged, modesChanged *bool) int {
	n := 0
	for n < len(data) {
		r, size := utf8.DecodeRune(data[n:])
		n += size

		if p.esc.kind == 0 {
			switch r {
			case '[', ']':
				p.esc.kind = byte(r)
			default:
				// two-byte sequence (ESC c, ESC 7, ...): done
				p.esc = escState{}
				return n
			}
			continue
		}

		if p.esc.kind == '[' {
			if r >= 0x40 && r <= 0x7e {
				p.finishCSI(string(p.esc.buf), r, modesChanged)
				p.esc = escState{}
				return n
			}
			p.esc.buf = append(p.esc.buf, r)
			continue
		}

		// OSC: terminated by BEL or ST (ESC \)
		if r == 0x07 {
			p.finishOSC(string(p.esc.buf), titleChanged)
			p.esc = escState{}
			return n
		}
		if r == '\\' && len(p.esc.buf) > 0 && p.esc.buf[len(p.esc.buf)-1] == 0x1b {
			p.finishOSC(string(p.esc.buf[:len(p.esc.buf)-1]), titleChanged)
			p.esc = escState{}
			return n
		}
		p.esc.buf = append(p.esc.buf, r)
	}
	return n
}

func (p *Plain) finishOSC(body string, titleChanged *bool) {
	code, rest, ok := strings.Cut(body, ";")
	if !ok {
		return
	}
	if code == "0" || code == "2" {
		if p.title != rest {
			p.title = rest
			*titleChanged = true
		}
	}
}

func (p *Plain) finishCSI(params string, final rune, modesChanged *bool) {
	if final != 'h' && final != 'l' {
		return
	}
	set := final == 'h'
	if !strings.HasPrefix(params, "?") {
		return
	}
	before := p.modes
	cursorBefore := p.cursorOn
	for _, param := range strings.Split(params[1:], ";") {
		switch param {
		case "1":
			p.modes.CursorKeys = set
		case "25":
			p.cursorOn = set
		case "1000", "1002", "1003":
			p.modes.MouseTracking = set
		case "1049", "47":
			p.modes.AltScreen = set
		case "2048":
			p.modes.InBandResize = set
		}
	}
	if p.modes != before {
		*modesChanged = true
	}
	if p.modes != before || p.cursorOn != cursorBefore {
		p.markAllDirty()
	}
}

func (p *Plain) putRune(r rune) {
	if p.curCol >= p.cols {
		p.lineFeed()
		p.curCol = 0
	}
	row := p.screen[p.curRow]
	for len(row) <= p.curCol {
		row = append(row, ' ')
	}
	row[p.curCol] = r
	p.screen[p.curRow] = row
	p.curCol++
	p.dirty[p.curRow] = struct{}{}
}

func (p *Plain) lineFeed() {
	if p.curRow < p.rows-1 {
		p.curRow++
		return
	}
	// bottom row: scroll, pushing the top line into scrollback unless the
	// alternate screen is active
	if !p.modes.AltScreen {
		p.scrollback = append(p.scrollback, renderRow(p.screen[0]))
		if len(p.scrollback) > p.sbLimit {
			p.scrollback = p.scrollback[len(p.scrollback)-p.sbLimit:]
		}
	}
	copy(p.screen, p.screen[1:])
	p.screen[p.rows-1] = make([]rune, 0, p.cols)
	p.markAllDirty()
}

func (p *Plain) markAllDirty() {
	for i := 0; i < p.rows; i++ {
		p.dirty[i] = struct{}{}
	}
}

func (p *Plain) Resize(cols, rows int) {
	p.mu.Lock()
	if p.disposed || (cols == p.cols && rows == p.rows) {
		p.mu.Unlock()
		return
	}
	screen := make([][]rune, rows)
	for i := range screen {
		if i < len(p.screen) {
			row := p.screen[i]
			if len(row) > cols {
				row = row[:cols]
			}
			screen[i] = row
		} else {
			screen[i] = make([]rune, 0, cols)
		}
	}
	p.screen = screen
	p.cols, p.rows = cols, rows
	p.curRow = min(p.curRow, rows-1)
	p.curCol = min(p.curCol, cols-1)
	p.full = true
	p.mu.Unlock()

	p.updateSubs.NotifySync(struct{}{})
}

func (p *Plain) TerminalState() TerminalState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return TerminalState{
		Cols:   p.cols,
		Rows:   p.rows,
		Screen: p.snapshotLocked(),
		Cursor: p.cursorLocked(),
		Modes:  p.modes,
		Title:  p.title,
	}
}

func (p *Plain) DirtyUpdate(_ ScrollState) DirtyUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()

	u := DirtyUpdate{
		Cols:   p.cols,
		Rows:   p.rows,
		Cursor: p.cursorLocked(),
		Modes:  p.modes,
	}
	if p.full {
		u.IsFull = true
		u.Screen = p.snapshotLocked()
	} else {
		rowIdx := make([]int, 0, len(p.dirty))
		for i := range p.dirty {
			if i < p.rows {
				rowIdx = append(rowIdx, i)
			}
		}
		sort.Ints(rowIdx)
		for _, i := range rowIdx {
			u.Changed = append(u.Changed, RowPatch{Row: i, Text: renderRow(p.screen[i])})
		}
	}
	p.full = false
	p.dirty = make(map[int]struct{})
	return u
}

func (p *Plain) ScrollbackLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scrollback)
}

func (p *Plain) ScrollbackLine(offset int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset < 0 || offset >= len(p.scrollback) {
		return "", false
	}
	return p.scrollback[offset], true
}

// AtScrollbackLimit reports whether retention is full, meaning further
// growth evicts the oldest lines.
func (p *Plain) AtScrollbackLimit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scrollback) >= p.sbLimit
}

func (p *Plain) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursorLocked()
}

func (p *Plain) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

func (p *Plain) Search(query string, opts SearchOptions) []SearchMatch {
	if query == "" {
		return nil
	}
	p.mu.Lock()
	lines := make([]string, 0, len(p.scrollback)+p.rows)
	lines = append(lines, p.scrollback...)
	for _, row := range p.screen {
		lines = append(lines, renderRow(row))
	}
	p.mu.Unlock()

	needle := query
	if !opts.CaseSensitive {
		needle = strings.ToLower(needle)
	}
	limit := opts.MaxResults
	if limit <= 0 {
		limit = 1000
	}

	var matches []SearchMatch
	for lineIdx, line := range lines {
		haystack := line
		if !opts.CaseSensitive {
			haystack = strings.ToLower(line)
		}
		from := 0
		for {
			col := strings.Index(haystack[from:], needle)
			if col < 0 {
				break
			}
			matches = append(matches, SearchMatch{Line: lineIdx, Col: from + col, Text: line})
			if len(matches) >= limit {
				return matches
			}
			from += col + len(needle)
		}
	}
	return matches
}

func (p *Plain) OnTitleChange(fn func(string)) func() {
	return p.titleSubs.Subscribe(fn)
}

func (p *Plain) OnUpdate(fn func()) func() {
	return p.updateSubs.Subscribe(func(struct{}) { fn() })
}

func (p *Plain) OnModeChange(fn func(ModeFlags)) func() {
	return p.modeSubs.Subscribe(fn)
}

func (p *Plain) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()
	p.titleSubs.Close()
	p.updateSubs.Close()
	p.modeSubs.Close()
}

func (p *Plain) cursorLocked() Cursor {
	return Cursor{Row: p.curRow, Col: p.curCol, Visible: p.cursorOn}
}

func (p *Plain) snapshotLocked() []string {
	out := make([]string, p.rows)
	for i, row := range p.screen {
		out[i] = renderRow(row)
	}
	return out
}

func renderRow(row []rune) string {
	return strings.TrimRight(string(row), " ")
}
