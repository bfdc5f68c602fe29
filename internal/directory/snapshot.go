package directory

import (
	"sort"

	"github.com/google/uuid"
)

// Snapshot is an immutable point-in-time copy of the entity forest plus
// focus state. It is built on the directory loop and published whole, so it
// never exposes a partial mutation.
type Snapshot struct {
	Windows       []Window
	ActiveWindow  uuid.UUID
	Notifications []Notification
}

type Window struct {
	ID              uuid.UUID
	Workspaces      []Workspace
	ActiveWorkspace uuid.UUID
}

type Workspace struct {
	ID          uuid.UUID
	WindowID    uuid.UUID
	Title       string
	Root        Pane
	FocusedPane uuid.UUID
	Status      []StatusEntry
	Progress    *float64
	LogLines    []string
}

type Pane struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Split       SplitDirection
	Children    []Pane
	Surface     *Surface
}

type Surface struct {
	ID          uuid.UUID
	PaneID      uuid.UUID
	WorkspaceID uuid.UUID
	Kind        SurfaceKind
	Title       string
	URL         string
	InputBytes  int
	LastInput   string
}

func buildSnapshot(g *graph) *Snapshot {
	snap := &Snapshot{ActiveWindow: g.activeWindow}
	snap.Notifications = append(snap.Notifications, g.notifications...)
	for _, w := range g.windows {
		win := Window{ID: w.id, ActiveWorkspace: w.activeWorkspace}
		for _, ws := range w.workspaces {
			win.Workspaces = append(win.Workspaces, snapshotWorkspace(w, ws))
		}
		snap.Windows = append(snap.Windows, win)
	}
	return snap
}

func snapshotWorkspace(w *windowState, ws *workspaceState) Workspace {
	out := Workspace{
		ID:          ws.id,
		WindowID:    w.id,
		Title:       ws.title,
		Root:        snapshotPane(ws, ws.root),
		FocusedPane: ws.focusedPane,
	}
	for _, entry := range ws.status {
		out.Status = append(out.Status, entry)
	}
	// Sidebar ordering follows priority, highest first; ties break on key
	// for a stable listing.
	sort.Slice(out.Status, func(i, j int) bool {
		if out.Status[i].Priority != out.Status[j].Priority {
			return out.Status[i].Priority > out.Status[j].Priority
		}
		return out.Status[i].Key < out.Status[j].Key
	})
	if ws.progress != nil {
		p := *ws.progress
		out.Progress = &p
	}
	out.LogLines = append(out.LogLines, ws.logLines...)
	return out
}

func snapshotPane(ws *workspaceState, node *paneNode) Pane {
	pane := Pane{ID: node.id, WorkspaceID: ws.id, Split: node.split}
	if node.isLeaf() {
		s := node.surface
		pane.Surface = &Surface{
			ID:          s.id,
			PaneID:      node.id,
			WorkspaceID: ws.id,
			Kind:        s.kind,
			Title:       s.title,
			URL:         s.url,
			InputBytes:  s.inputBytes,
			LastInput:   s.lastInput,
		}
		return pane
	}
	for _, child := range node.children {
		pane.Children = append(pane.Children, snapshotPane(ws, child))
	}
	return pane
}

// Lookup helpers used by command handlers for resolution and scoping
// checks.

func (s *Snapshot) Window(id uuid.UUID) *Window {
	for i := range s.Windows {
		if s.Windows[i].ID == id {
			return &s.Windows[i]
		}
	}
	return nil
}

func (s *Snapshot) Workspace(id uuid.UUID) *Workspace {
	for i := range s.Windows {
		for j := range s.Windows[i].Workspaces {
			if s.Windows[i].Workspaces[j].ID == id {
				return &s.Windows[i].Workspaces[j]
			}
		}
	}
	return nil
}

// ActiveWorkspace returns the active workspace of the active window.
func (s *Snapshot) ActiveWorkspaceState() *Workspace {
	win := s.Window(s.ActiveWindow)
	if win == nil {
		return nil
	}
	return s.Workspace(win.ActiveWorkspace)
}

// Surface finds a surface anywhere in the forest.
func (s *Snapshot) Surface(id uuid.UUID) *Surface {
	for i := range s.Windows {
		for j := range s.Windows[i].Workspaces {
			ws := &s.Windows[i].Workspaces[j]
			if found := findSnapshotSurface(&ws.Root, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// Pane finds a pane anywhere in the forest.
func (s *Snapshot) Pane(id uuid.UUID) *Pane {
	for i := range s.Windows {
		for j := range s.Windows[i].Workspaces {
			ws := &s.Windows[i].Workspaces[j]
			if found := findSnapshotPane(&ws.Root, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// FocusedSurface returns the surface of the focused pane of a workspace.
func (s *Snapshot) FocusedSurface(workspaceID uuid.UUID) *Surface {
	ws := s.Workspace(workspaceID)
	if ws == nil {
		return nil
	}
	pane := findSnapshotPane(&ws.Root, ws.FocusedPane)
	if pane == nil {
		return nil
	}
	return pane.Surface
}

// Surfaces lists all surfaces of a workspace in tree order.
func (s *Snapshot) Surfaces(workspaceID uuid.UUID) []Surface {
	ws := s.Workspace(workspaceID)
	if ws == nil {
		return nil
	}
	var out []Surface
	collectSurfaces(&ws.Root, &out)
	return out
}

func collectSurfaces(p *Pane, out *[]Surface) {
	if p.Surface != nil {
		*out = append(*out, *p.Surface)
		return
	}
	for i := range p.Children {
		collectSurfaces(&p.Children[i], out)
	}
}

func findSnapshotSurface(p *Pane, id uuid.UUID) *Surface {
	if p.Surface != nil {
		if p.Surface.ID == id {
			return p.Surface
		}
		return nil
	}
	for i := range p.Children {
		if found := findSnapshotSurface(&p.Children[i], id); found != nil {
			return found
		}
	}
	return nil
}

func findSnapshotPane(p *Pane, id uuid.UUID) *Pane {
	if p.ID == id {
		return p
	}
	for i := range p.Children {
		if found := findSnapshotPane(&p.Children[i], id); found != nil {
			return found
		}
	}
	return nil
}
