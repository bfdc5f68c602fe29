package directory

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cmux-sh/cmux/internal/refs"
	"github.com/cmux-sh/cmux/internal/security"
)

// Outcome reports what a mutation did. Noop marks idempotent successes
// ("nothing to do"), e.g. clearing an already-cleared key.
type Outcome struct {
	Noop        bool
	WindowID    uuid.UUID
	WorkspaceID uuid.UUID
	PaneID      uuid.UUID
	SurfaceID   uuid.UUID
}

// Mutation is a single state change applied on the directory loop.
// Implementations must only touch the graph from apply.
type Mutation interface {
	apply(d *Directory, g *graph) (Outcome, error)
}

const maxLogLines = 200
const maxNotifications = 100

type CreateWindow struct{}

func (CreateWindow) apply(d *Directory, g *graph) (Outcome, error) {
	w := &windowState{id: uuid.New()}
	d.ns.Assign(refs.KindWindow, w.id)
	ws := newWorkspaceState(d, "")
	w.workspaces = append(w.workspaces, ws)
	w.activeWorkspace = ws.id
	g.windows = append(g.windows, w)
	g.activeWindow = w.id
	return Outcome{WindowID: w.id, WorkspaceID: ws.id, SurfaceID: ws.root.surface.id}, nil
}

type FocusWindow struct {
	WindowID uuid.UUID
}

func (m FocusWindow) apply(d *Directory, g *graph) (Outcome, error) {
	w := g.window(m.WindowID)
	if w == nil {
		return Outcome{}, fmt.Errorf("%w: window %s", ErrTargetGone, m.WindowID)
	}
	g.activeWindow = w.id
	return Outcome{WindowID: w.id}, nil
}

type CreateWorkspace struct {
	WindowID uuid.UUID // zero value targets the active window
	Title    string
}

func (m CreateWorkspace) apply(d *Directory, g *graph) (Outcome, error) {
	w := g.window(m.WindowID)
	if m.WindowID == uuid.Nil {
		w = g.window(g.activeWindow)
	}
	if w == nil {
		return Outcome{}, fmt.Errorf("%w: window %s", ErrTargetGone, m.WindowID)
	}
	ws := newWorkspaceState(d, m.Title)
	w.workspaces = append(w.workspaces, ws)
	w.activeWorkspace = ws.id
	return Outcome{WindowID: w.id, WorkspaceID: ws.id, SurfaceID: ws.root.surface.id}, nil
}

func newWorkspaceState(d *Directory, title string) *workspaceState {
	surface := &surfaceState{id: uuid.New(), kind: SurfaceTerminal}
	pane := &paneNode{id: uuid.New(), surface: surface}
	ws := &workspaceState{
		id:          uuid.New(),
		title:       title,
		root:        pane,
		focusedPane: pane.id,
		status:      map[string]StatusEntry{},
	}
	d.ns.Assign(refs.KindWorkspace, ws.id)
	d.ns.Assign(refs.KindPane, pane.id)
	d.ns.Assign(refs.KindSurface, surface.id)
	return ws
}

type SelectWorkspace struct {
	WorkspaceID uuid.UUID
}

func (m SelectWorkspace) apply(d *Directory, g *graph) (Outcome, error) {
	w, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	w.activeWorkspace = ws.id
	g.activeWindow = w.id
	return Outcome{WindowID: w.id, WorkspaceID: ws.id}, nil
}

type RenameWorkspace struct {
	WorkspaceID uuid.UUID
	Title       string
}

func (m RenameWorkspace) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	ws.title = m.Title
	return Outcome{WorkspaceID: ws.id}, nil
}

type CloseWorkspace struct {
	WorkspaceID uuid.UUID
}

func (m CloseWorkspace) apply(d *Directory, g *graph) (Outcome, error) {
	w, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		// Already closed, likely by the user between resolution and apply.
		return Outcome{Noop: true}, nil
	}
	releaseWorkspace(d, ws)
	kept := w.workspaces[:0]
	for _, cur := range w.workspaces {
		if cur.id != ws.id {
			kept = append(kept, cur)
		}
	}
	w.workspaces = kept

	if len(w.workspaces) == 0 {
		// A window never ends up empty: the last workspace is replaced
		// with a fresh default one.
		replacement := newWorkspaceState(d, "")
		w.workspaces = append(w.workspaces, replacement)
	}
	if w.activeWorkspace == ws.id {
		w.activeWorkspace = w.workspaces[len(w.workspaces)-1].id
	}
	return Outcome{WindowID: w.id, WorkspaceID: ws.id}, nil
}

func releaseWorkspace(d *Directory, ws *workspaceState) {
	for _, leaf := range leaves(ws.root) {
		d.ns.Release(leaf.surface.id)
	}
	releasePanes(d, ws.root)
	d.ns.Release(ws.id)
}

func releasePanes(d *Directory, node *paneNode) {
	if node == nil {
		return
	}
	d.ns.Release(node.id)
	for _, child := range node.children {
		releasePanes(d, child)
	}
}

type SplitPane struct {
	WorkspaceID uuid.UUID // zero value targets the active workspace
	PaneID      uuid.UUID // zero value targets the workspace's focused pane
	Direction   SplitDirection
	Kind        SurfaceKind
	URL         string
}

func (m SplitPane) apply(d *Directory, g *graph) (Outcome, error) {
	if !ValidDirection(m.Direction) {
		return Outcome{}, fmt.Errorf("invalid split direction: %q", m.Direction)
	}
	_, ws := g.workspace(m.WorkspaceID)
	if m.WorkspaceID == uuid.Nil {
		if w := g.window(g.activeWindow); w != nil {
			_, ws = g.workspace(w.activeWorkspace)
		}
	}
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	targetID := m.PaneID
	if targetID == uuid.Nil {
		targetID = ws.focusedPane
	}
	target, _ := findPane(ws.root, targetID)
	if target == nil || !target.isLeaf() {
		return Outcome{}, fmt.Errorf("%w: pane %s", ErrTargetGone, targetID)
	}

	kind := m.Kind
	if kind == "" {
		kind = SurfaceTerminal
	}
	newSurface := &surfaceState{id: uuid.New(), kind: kind, url: m.URL}
	newLeaf := &paneNode{id: uuid.New(), surface: newSurface}
	oldLeaf := &paneNode{id: uuid.New(), surface: target.surface}

	// The target leaf becomes a split node with the old and new leaves as
	// its two children; left/up place the new leaf first.
	children := []*paneNode{oldLeaf, newLeaf}
	if m.Direction == SplitLeft || m.Direction == SplitUp {
		children = []*paneNode{newLeaf, oldLeaf}
	}
	target.surface = nil
	target.split = m.Direction
	target.children = children

	d.ns.Release(target.id) // the leaf pane id is gone; the split node gets a fresh one
	target.id = uuid.New()
	d.ns.Assign(refs.KindPane, target.id)
	d.ns.Assign(refs.KindPane, oldLeaf.id)
	d.ns.Assign(refs.KindPane, newLeaf.id)
	d.ns.Assign(refs.KindSurface, newSurface.id)

	if ws.focusedPane == targetID || ws.focusedPane == target.id {
		ws.focusedPane = newLeaf.id
	}
	return Outcome{WorkspaceID: ws.id, PaneID: newLeaf.id, SurfaceID: newSurface.id}, nil
}

type FocusSurface struct {
	SurfaceID uuid.UUID
}

func (m FocusSurface) apply(d *Directory, g *graph) (Outcome, error) {
	w, ws, pane := g.surface(m.SurfaceID)
	if pane == nil {
		return Outcome{}, fmt.Errorf("%w: surface %s", ErrTargetGone, m.SurfaceID)
	}
	ws.focusedPane = pane.id
	w.activeWorkspace = ws.id
	g.activeWindow = w.id
	return Outcome{WindowID: w.id, WorkspaceID: ws.id, PaneID: pane.id, SurfaceID: m.SurfaceID}, nil
}

type CloseSurface struct {
	SurfaceID uuid.UUID
}

func (m CloseSurface) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws, pane := g.surface(m.SurfaceID)
	if pane == nil {
		// Destroyed between resolution and apply; closing twice is success.
		return Outcome{Noop: true}, nil
	}

	if ws.root == pane {
		// Last surface in the workspace closes the workspace itself.
		return CloseWorkspace{WorkspaceID: ws.id}.apply(d, g)
	}

	_, parent := findPane(ws.root, pane.id)
	if parent == nil {
		return Outcome{}, errMalformed("pane %s has no parent but is not the root", pane.id)
	}
	sibling := parent.children[0]
	if sibling == pane {
		sibling = parent.children[1]
	}

	// The sibling collapses into the parent's slot.
	d.ns.Release(pane.surface.id)
	d.ns.Release(pane.id)
	d.ns.Release(parent.id)
	parent.id = sibling.id
	parent.split = sibling.split
	parent.children = sibling.children
	parent.surface = sibling.surface

	if node, _ := findPane(ws.root, ws.focusedPane); node == nil || !node.isLeaf() {
		ws.focusedPane = leaves(ws.root)[0].id
	}
	return Outcome{WorkspaceID: ws.id, SurfaceID: m.SurfaceID}, nil
}

type SendText struct {
	SurfaceID uuid.UUID
	Text      string
}

func (m SendText) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws, pane := g.surface(m.SurfaceID)
	if pane == nil {
		return Outcome{}, fmt.Errorf("%w: surface %s", ErrTargetGone, m.SurfaceID)
	}
	pane.surface.inputBytes += len(m.Text)
	// The sink gets the raw bytes; only the recorded copy is scrubbed.
	pane.surface.lastInput = security.Redact(m.Text)
	if d.sink != nil {
		d.sink.WriteInput(m.SurfaceID, []byte(m.Text))
	}
	return Outcome{WorkspaceID: ws.id, SurfaceID: m.SurfaceID}, nil
}

type SendKey struct {
	SurfaceID uuid.UUID
	Key       string
}

func (m SendKey) apply(d *Directory, g *graph) (Outcome, error) {
	data, err := KeyBytes(m.Key)
	if err != nil {
		return Outcome{}, err
	}
	_, ws, pane := g.surface(m.SurfaceID)
	if pane == nil {
		return Outcome{}, fmt.Errorf("%w: surface %s", ErrTargetGone, m.SurfaceID)
	}
	pane.surface.inputBytes += len(data)
	pane.surface.lastInput = string(data)
	if d.sink != nil {
		d.sink.WriteInput(m.SurfaceID, data)
	}
	return Outcome{WorkspaceID: ws.id, SurfaceID: m.SurfaceID}, nil
}

type SetStatus struct {
	WorkspaceID uuid.UUID
	Key         string
	Value       string
	Icon        string
	Priority    int
}

func (m SetStatus) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	ws.status[m.Key] = StatusEntry{
		Key:       m.Key,
		Value:     m.Value,
		Icon:      m.Icon,
		Priority:  m.Priority,
		UpdatedAt: d.now(),
	}
	return Outcome{WorkspaceID: ws.id}, nil
}

type ClearStatus struct {
	WorkspaceID uuid.UUID
	Key         string
}

func (m ClearStatus) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{Noop: true}, nil
	}
	if _, ok := ws.status[m.Key]; !ok {
		return Outcome{Noop: true, WorkspaceID: ws.id}, nil
	}
	delete(ws.status, m.Key)
	return Outcome{WorkspaceID: ws.id}, nil
}

type SetProgress struct {
	WorkspaceID uuid.UUID
	Fraction    float64
}

func (m SetProgress) apply(d *Directory, g *graph) (Outcome, error) {
	if m.Fraction < 0 || m.Fraction > 1 {
		return Outcome{}, fmt.Errorf("progress fraction out of range: %v", m.Fraction)
	}
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	f := m.Fraction
	ws.progress = &f
	return Outcome{WorkspaceID: ws.id}, nil
}

type ClearProgress struct {
	WorkspaceID uuid.UUID
}

func (m ClearProgress) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{Noop: true}, nil
	}
	if ws.progress == nil {
		return Outcome{Noop: true, WorkspaceID: ws.id}, nil
	}
	ws.progress = nil
	return Outcome{WorkspaceID: ws.id}, nil
}

type AppendLog struct {
	WorkspaceID uuid.UUID
	Message     string
}

func (m AppendLog) apply(d *Directory, g *graph) (Outcome, error) {
	_, ws := g.workspace(m.WorkspaceID)
	if ws == nil {
		return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTargetGone, m.WorkspaceID)
	}
	ws.logLines = append(ws.logLines, security.Redact(m.Message))
	if len(ws.logLines) > maxLogLines {
		ws.logLines = ws.logLines[len(ws.logLines)-maxLogLines:]
	}
	return Outcome{WorkspaceID: ws.id}, nil
}

type CreateNotification struct {
	Title     string
	Subtitle  string
	Body      string
	SurfaceID uuid.UUID // optional association
}

func (m CreateNotification) apply(d *Directory, g *graph) (Outcome, error) {
	if m.SurfaceID != uuid.Nil {
		if _, _, pane := g.surface(m.SurfaceID); pane == nil {
			return Outcome{}, fmt.Errorf("%w: surface %s", ErrTargetGone, m.SurfaceID)
		}
	}
	n := Notification{
		ID:        uuid.New(),
		Title:     m.Title,
		Subtitle:  m.Subtitle,
		Body:      m.Body,
		SurfaceID: m.SurfaceID,
		CreatedAt: d.now(),
	}
	g.notifications = append(g.notifications, n)
	if len(g.notifications) > maxNotifications {
		g.notifications = g.notifications[len(g.notifications)-maxNotifications:]
	}
	return Outcome{SurfaceID: m.SurfaceID}, nil
}

type ClearNotifications struct{}

func (ClearNotifications) apply(d *Directory, g *graph) (Outcome, error) {
	if len(g.notifications) == 0 {
		return Outcome{Noop: true}, nil
	}
	g.notifications = nil
	return Outcome{}, nil
}

// KeyBytes translates a key name into the byte sequence delivered to the
// surface. Combos use the "ctrl+x" form.
func KeyBytes(key string) ([]byte, error) {
	switch key {
	case "enter", "return":
		return []byte{'\r'}, nil
	case "tab":
		return []byte{'\t'}, nil
	case "escape", "esc":
		return []byte{0x1b}, nil
	case "backspace":
		return []byte{0x7f}, nil
	case "space":
		return []byte{' '}, nil
	case "up":
		return []byte("\x1b[A"), nil
	case "down":
		return []byte("\x1b[B"), nil
	case "right":
		return []byte("\x1b[C"), nil
	case "left":
		return []byte("\x1b[D"), nil
	}
	if len(key) == 6 && key[:5] == "ctrl+" {
		c := key[5]
		if c >= 'a' && c <= 'z' {
			return []byte{c - 'a' + 1}, nil
		}
	}
	return nil, fmt.Errorf("unknown key: %q", key)
}
