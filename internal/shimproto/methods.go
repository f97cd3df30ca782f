package shimproto

import (
	"encoding/binary"

	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/term"
)

// Request methods, client -> daemon.
const (
	MethodHello                = "hello"
	MethodSetHostColors        = "setHostColors"
	MethodCreatePty            = "createPty"
	MethodWrite                = "write"
	MethodResize               = "resize"
	MethodDestroy              = "destroy"
	MethodDestroyAll           = "destroyAll"
	MethodSetPanePosition      = "setPanePosition"
	MethodGetCwd               = "getCwd"
	MethodGetTerminalState     = "getTerminalState"
	MethodGetScrollState       = "getScrollState"
	MethodSetScrollOffset      = "setScrollOffset"
	MethodGetScrollbackLines   = "getScrollbackLines"
	MethodSearch               = "search"
	MethodListAll              = "listAll"
	MethodGetSession           = "getSession"
	MethodGetForegroundProcess = "getForegroundProcess"
	MethodGetGitBranch         = "getGitBranch"
	MethodGetTitle             = "getTitle"
	MethodRegisterPane         = "registerPane"
	MethodGetSessionMapping    = "getSessionMapping"
)

type HelloParams struct {
	ClientID        string `json:"clientId"`
	ProtocolVersion int    `json:"protocolVersion"`
}

type HelloResult struct {
	ServerPid       int `json:"serverPid"`
	ProtocolVersion int `json:"protocolVersion"`
}

type SetHostColorsParams struct {
	Colors map[string]string `json:"colors"`
}

type CreatePtyParams struct {
	Cols int      `json:"cols"`
	Rows int      `json:"rows"`
	Cwd  string   `json:"cwd,omitempty"`
	Env  []string `json:"env,omitempty"`
}

type CreatePtyResult struct {
	ID string `json:"id"`
}

type WriteParams struct {
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

type ResizeParams struct {
	PtyID string `json:"ptyId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

// SessionRefParams covers every method addressing a session with no other
// arguments.
type SessionRefParams struct {
	PtyID string `json:"ptyId"`
}

type SetPanePositionParams struct {
	PtyID string `json:"ptyId"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

type SetScrollOffsetParams struct {
	PtyID  string `json:"ptyId"`
	Offset int    `json:"offset"`
}

type ScrollbackLinesParams struct {
	PtyID string `json:"ptyId"`
	Start int    `json:"start"`
	Count int    `json:"count"`
}

type ScrollbackLinesResult struct {
	Lines []string `json:"lines"`
}

type SearchParams struct {
	PtyID   string             `json:"ptyId"`
	Query   string             `json:"query"`
	Options term.SearchOptions `json:"options"`
}

type SearchResult struct {
	Matches []term.SearchMatch `json:"matches"`
}

type ListAllResult struct {
	Sessions []registry.SessionInfo `json:"sessions"`
}

type GetCwdResult struct {
	Cwd string `json:"cwd"`
}

type GetTitleResult struct {
	Title string `json:"title"`
}

type GetGitBranchResult struct {
	Branch string `json:"branch"`
}

type ForegroundProcessResult struct {
	Pid  int    `json:"pid"`
	Name string `json:"name"`
}

type RegisterPaneParams struct {
	PaneID string `json:"paneId"`
	PtyID  string `json:"ptyId"`
}

type SessionMappingResult struct {
	Panes map[string]string `json:"panes"`
}

// Push event metadata, daemon -> client.

type PtyExitEvent struct {
	PtyID    string `json:"ptyId"`
	ExitCode int    `json:"exitCode"`
}

type PtyTitleEvent struct {
	PtyID string `json:"ptyId"`
	Title string `json:"title"`
}

type PtyLifecycleEvent struct {
	Type string `json:"type"` // "created" or "destroyed"
	PtyID string `json:"ptyId"`
}

type DetachedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// PtyUpdateMeta is the header metadata of a ptyUpdate push frame. Row
// contents travel in the frame's first binary payload, packed by
// PackRows; for deltas, RowIndices maps packed rows to screen rows.
type PtyUpdateMeta struct {
	PtyID      string           `json:"ptyId"`
	IsFull     bool             `json:"isFull"`
	Cols       int              `json:"cols"`
	Rows       int              `json:"rows"`
	RowIndices []int            `json:"rowIndices,omitempty"`
	Cursor     term.Cursor      `json:"cursor"`
	Modes      term.ModeFlags   `json:"modes"`
	Scroll     term.ScrollState `json:"scroll"`
}

// PackRows packs row texts into one buffer: per row, a u32 big-endian
// byte length followed by the UTF-8 bytes.
func PackRows(rows []string) []byte {
	size := 0
	for _, row := range rows {
		size += 4 + len(row)
	}
	buf := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, row := range rows {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(row)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, row...)
	}
	return buf
}

// UnpackRows reverses PackRows.
func UnpackRows(buf []byte) ([]string, error) {
	var rows []string
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, protocolErrorf("truncated row pack")
		}
		n := int(binary.BigEndian.Uint32(buf[:4]))
		buf = buf[4:]
		if n > len(buf) {
			return nil, protocolErrorf("row length %d beyond pack", n)
		}
		rows = append(rows, string(buf[:n]))
		buf = buf[n:]
	}
	return rows, nil
}

// EncodePtyUpdate builds a ptyUpdate push frame from a unified update.
func EncodePtyUpdate(ptyID string, u registry.UnifiedUpdate) (*Frame, error) {
	meta := PtyUpdateMeta{
		PtyID:  ptyID,
		IsFull: u.Terminal.IsFull,
		Cols:   u.Terminal.Cols,
		Rows:   u.Terminal.Rows,
		Cursor: u.Terminal.Cursor,
		Modes:  u.Terminal.Modes,
		Scroll: u.Scroll,
	}
	var rows []string
	if u.Terminal.IsFull {
		rows = u.Terminal.Screen
	} else {
		meta.RowIndices = make([]int, len(u.Terminal.Changed))
		rows = make([]string, len(u.Terminal.Changed))
		for i, patch := range u.Terminal.Changed {
			meta.RowIndices[i] = patch.Row
			rows[i] = patch.Text
		}
	}
	return NewEvent(FramePtyUpdate, meta, PackRows(rows))
}

// DecodePtyUpdate reverses EncodePtyUpdate.
func DecodePtyUpdate(f *Frame) (string, registry.UnifiedUpdate, error) {
	var meta PtyUpdateMeta
	if err := f.UnmarshalParams(&meta); err != nil {
		return "", registry.UnifiedUpdate{}, err
	}
	if len(f.Payloads) == 0 {
		return "", registry.UnifiedUpdate{}, protocolErrorf("ptyUpdate frame missing row payload")
	}
	rows, err := UnpackRows(f.Payloads[0])
	if err != nil {
		return "", registry.UnifiedUpdate{}, err
	}

	u := registry.UnifiedUpdate{
		Terminal: term.DirtyUpdate{
			IsFull: meta.IsFull,
			Cols:   meta.Cols,
			Rows:   meta.Rows,
			Cursor: meta.Cursor,
			Modes:  meta.Modes,
		},
		Scroll: meta.Scroll,
	}
	if meta.IsFull {
		u.Terminal.Screen = rows
	} else {
		if len(meta.RowIndices) != len(rows) {
			return "", registry.UnifiedUpdate{}, protocolErrorf(
				"ptyUpdate row count mismatch: %d indices, %d rows", len(meta.RowIndices), len(rows))
		}
		for i, row := range rows {
			u.Terminal.Changed = append(u.Terminal.Changed, term.RowPatch{Row: meta.RowIndices[i], Text: row})
		}
	}
	return meta.PtyID, u, nil
}
