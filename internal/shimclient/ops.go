package shimclient

import (
	"github.com/pkeller/termmux/internal/registry"
	"github.com/pkeller/termmux/internal/shimproto"
	"github.com/pkeller/termmux/internal/term"
)

// CreatePty asks the daemon for a new session and returns its id. The
// local mirror fills in from the full update pushed after creation.
func (c *Client) CreatePty(cols, rows int, cwd string, env []string) (string, error) {
	var res shimproto.CreatePtyResult
	err := c.call(shimproto.MethodCreatePty,
		shimproto.CreatePtyParams{Cols: cols, Rows: rows, Cwd: cwd, Env: env}, &res)
	return res.ID, err
}

func (c *Client) Write(id string, data []byte) error {
	return c.call(shimproto.MethodWrite, shimproto.WriteParams{PtyID: id, Data: string(data)}, nil)
}

func (c *Client) Resize(id string, cols, rows int) error {
	return c.call(shimproto.MethodResize, shimproto.ResizeParams{PtyID: id, Cols: cols, Rows: rows}, nil)
}

func (c *Client) Destroy(id string) error {
	return c.call(shimproto.MethodDestroy, shimproto.SessionRefParams{PtyID: id}, nil)
}

func (c *Client) DestroyAll() error {
	return c.call(shimproto.MethodDestroyAll, nil, nil)
}

func (c *Client) SetPanePosition(id string, x, y int) error {
	return c.call(shimproto.MethodSetPanePosition,
		shimproto.SetPanePositionParams{PtyID: id, X: x, Y: y}, nil)
}

func (c *Client) SetScrollOffset(id string, offset int) error {
	return c.call(shimproto.MethodSetScrollOffset,
		shimproto.SetScrollOffsetParams{PtyID: id, Offset: offset}, nil)
}

func (c *Client) SetHostColors(colors map[string]string) error {
	return c.call(shimproto.MethodSetHostColors, shimproto.SetHostColorsParams{Colors: colors}, nil)
}

func (c *Client) GetCwd(id string) (string, error) {
	var res shimproto.GetCwdResult
	err := c.call(shimproto.MethodGetCwd, shimproto.SessionRefParams{PtyID: id}, &res)
	return res.Cwd, err
}

func (c *Client) GetTitle(id string) (string, error) {
	var res shimproto.GetTitleResult
	err := c.call(shimproto.MethodGetTitle, shimproto.SessionRefParams{PtyID: id}, &res)
	return res.Title, err
}

func (c *Client) GetGitBranch(id string) (string, error) {
	var res shimproto.GetGitBranchResult
	err := c.call(shimproto.MethodGetGitBranch, shimproto.SessionRefParams{PtyID: id}, &res)
	return res.Branch, err
}

func (c *Client) GetForegroundProcess(id string) (pid int, name string, err error) {
	var res shimproto.ForegroundProcessResult
	err = c.call(shimproto.MethodGetForegroundProcess, shimproto.SessionRefParams{PtyID: id}, &res)
	return res.Pid, res.Name, err
}

func (c *Client) ListAll() ([]registry.SessionInfo, error) {
	var res shimproto.ListAllResult
	err := c.call(shimproto.MethodListAll, nil, &res)
	return res.Sessions, err
}

func (c *Client) GetSession(id string) (registry.SessionInfo, error) {
	var res registry.SessionInfo
	err := c.call(shimproto.MethodGetSession, shimproto.SessionRefParams{PtyID: id}, &res)
	return res, err
}

func (c *Client) GetScrollbackLines(id string, start, count int) ([]string, error) {
	var res shimproto.ScrollbackLinesResult
	err := c.call(shimproto.MethodGetScrollbackLines,
		shimproto.ScrollbackLinesParams{PtyID: id, Start: start, Count: count}, &res)
	return res.Lines, err
}

func (c *Client) Search(id, query string, opts term.SearchOptions) ([]term.SearchMatch, error) {
	var res shimproto.SearchResult
	err := c.call(shimproto.MethodSearch,
		shimproto.SearchParams{PtyID: id, Query: query, Options: opts}, &res)
	return res.Matches, err
}

func (c *Client) RegisterPane(paneID, ptyID string) error {
	return c.call(shimproto.MethodRegisterPane,
		shimproto.RegisterPaneParams{PaneID: paneID, PtyID: ptyID}, nil)
}

func (c *Client) GetSessionMapping() (map[string]string, error) {
	var res shimproto.SessionMappingResult
	err := c.call(shimproto.MethodGetSessionMapping, nil, &res)
	return res.Panes, err
}

// FetchTerminalState asks the daemon for an authoritative snapshot,
// bypassing the mirror.
func (c *Client) FetchTerminalState(id string) (term.TerminalState, error) {
	var res term.TerminalState
	err := c.call(shimproto.MethodGetTerminalState, shimproto.SessionRefParams{PtyID: id}, &res)
	return res, err
}

// FetchScrollState asks the daemon for the current scroll state.
func (c *Client) FetchScrollState(id string) (term.ScrollState, error) {
	var res term.ScrollState
	err := c.call(shimproto.MethodGetScrollState, shimproto.SessionRefParams{PtyID: id}, &res)
	return res, err
}

// TerminalState returns the locally mirrored snapshot; it never blocks on
// the socket. ok is false until the session's first update arrives.
func (c *Client) TerminalState(id string) (term.TerminalState, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	m, ok := c.ptys[id]
	if !ok {
		return term.TerminalState{}, false
	}
	st := m.term
	st.Screen = append([]string(nil), m.term.Screen...)
	return st, true
}

// ScrollState returns the locally mirrored scroll state.
func (c *Client) ScrollState(id string) (term.ScrollState, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	m, ok := c.ptys[id]
	if !ok {
		return term.ScrollState{}, false
	}
	return m.scroll, true
}

// OnUpdate subscribes to mirrored session updates across all sessions.
func (c *Client) OnUpdate(fn func(UpdateEvent)) (cancel func()) {
	return c.updates.Subscribe(fn)
}

func (c *Client) OnExit(fn func(shimproto.PtyExitEvent)) (cancel func()) {
	return c.exits.Subscribe(fn)
}

func (c *Client) OnTitleChange(fn func(shimproto.PtyTitleEvent)) (cancel func()) {
	return c.titles.Subscribe(fn)
}

func (c *Client) OnLifecycle(fn func(shimproto.PtyLifecycleEvent)) (cancel func()) {
	return c.lifecycle.Subscribe(fn)
}

// OnDetached fires when the daemon announces shutdown or the connection
// drops.
func (c *Client) OnDetached(fn func(shimproto.DetachedEvent)) (cancel func()) {
	return c.detached.Subscribe(fn)
}
