// Package directory is the control plane's adapter over the UI-owned entity
// graph: windows own workspaces, workspaces own a pane tree whose leaves
// host surfaces. The graph is mutated only by the single loop goroutine
// standing in for the application's UI-affine thread; everything else sees
// immutable snapshots.
package directory

import (
	"time"

	"github.com/google/uuid"
)

type SurfaceKind string

const (
	SurfaceTerminal SurfaceKind = "terminal"
	SurfaceBrowser  SurfaceKind = "browser"
)

type SplitDirection string

const (
	SplitRight SplitDirection = "right"
	SplitLeft  SplitDirection = "left"
	SplitUp    SplitDirection = "up"
	SplitDown  SplitDirection = "down"
)

func ValidDirection(d SplitDirection) bool {
	switch d {
	case SplitRight, SplitLeft, SplitUp, SplitDown:
		return true
	}
	return false
}

// Live graph state. Only the directory loop touches these.

type surfaceState struct {
	id         uuid.UUID
	kind       SurfaceKind
	title      string
	url        string
	inputBytes int
	lastInput  string
}

type paneNode struct {
	id       uuid.UUID
	split    SplitDirection // empty for leaves
	children []*paneNode    // exactly two for split nodes
	surface  *surfaceState  // leaves only
}

func (p *paneNode) isLeaf() bool { return len(p.children) == 0 }

type workspaceState struct {
	id          uuid.UUID
	title       string
	root        *paneNode
	focusedPane uuid.UUID
	status      map[string]StatusEntry
	progress    *float64
	logLines    []string
}

type windowState struct {
	id              uuid.UUID
	workspaces      []*workspaceState
	activeWorkspace uuid.UUID
}

type graph struct {
	windows       []*windowState
	activeWindow  uuid.UUID
	notifications []Notification
}

// StatusEntry is one piece of sidebar metadata attached to a workspace.
type StatusEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Icon      string    `json:"icon,omitempty"`
	Priority  int       `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notification is a user-facing notification posted through the control
// plane.
type Notification struct {
	ID        uuid.UUID `json:"-"`
	Title     string    `json:"title"`
	Subtitle  string    `json:"subtitle,omitempty"`
	Body      string    `json:"body,omitempty"`
	SurfaceID uuid.UUID `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *graph) window(id uuid.UUID) *windowState {
	for _, w := range g.windows {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (g *graph) workspace(id uuid.UUID) (*windowState, *workspaceState) {
	for _, w := range g.windows {
		for _, ws := range w.workspaces {
			if ws.id == id {
				return w, ws
			}
		}
	}
	return nil, nil
}

// findPane walks a workspace's tree for a pane id, returning the node and
// its parent (nil parent for the root).
func findPane(root *paneNode, id uuid.UUID) (node, parent *paneNode) {
	if root == nil {
		return nil, nil
	}
	if root.id == id {
		return root, nil
	}
	for _, child := range root.children {
		if n, p := findPane(child, id); n != nil {
			if p == nil {
				p = root
			}
			return n, p
		}
	}
	return nil, nil
}

func (g *graph) surface(id uuid.UUID) (*windowState, *workspaceState, *paneNode) {
	for _, w := range g.windows {
		for _, ws := range w.workspaces {
			if pane := findSurfacePane(ws.root, id); pane != nil {
				return w, ws, pane
			}
		}
	}
	return nil, nil, nil
}

func findSurfacePane(root *paneNode, surfaceID uuid.UUID) *paneNode {
	if root == nil {
		return nil
	}
	if root.isLeaf() {
		if root.surface != nil && root.surface.id == surfaceID {
			return root
		}
		return nil
	}
	for _, child := range root.children {
		if pane := findSurfacePane(child, surfaceID); pane != nil {
			return pane
		}
	}
	return nil
}

func leaves(root *paneNode) []*paneNode {
	if root == nil {
		return nil
	}
	if root.isLeaf() {
		return []*paneNode{root}
	}
	var out []*paneNode
	for _, child := range root.children {
		out = append(out, leaves(child)...)
	}
	return out
}

// checkGraph verifies the structural invariants: the graph is a forest,
// split nodes have exactly two children, leaves host exactly one surface,
// and focus points at a live entity. A violation is fatal only to the
// current mutation, never to the host.
func checkGraph(g *graph) error {
	seenSurface := map[uuid.UUID]bool{}
	for _, w := range g.windows {
		if len(w.workspaces) == 0 {
			return errMalformed("window %s has no workspaces", w.id)
		}
		if _, ws := g.workspace(w.activeWorkspace); ws == nil {
			return errMalformed("window %s active workspace %s missing", w.id, w.activeWorkspace)
		}
		for _, ws := range w.workspaces {
			if ws.root == nil {
				return errMalformed("workspace %s has no pane tree", ws.id)
			}
			if err := checkPane(ws.root, seenSurface); err != nil {
				return err
			}
			if node, _ := findPane(ws.root, ws.focusedPane); node == nil || !node.isLeaf() {
				return errMalformed("workspace %s focused pane %s is not a leaf", ws.id, ws.focusedPane)
			}
		}
	}
	if len(g.windows) > 0 && g.window(g.activeWindow) == nil {
		return errMalformed("active window %s missing", g.activeWindow)
	}
	return nil
}

func checkPane(node *paneNode, seenSurface map[uuid.UUID]bool) error {
	if node.isLeaf() {
		if node.surface == nil {
			return errMalformed("leaf pane %s has no surface", node.id)
		}
		if seenSurface[node.surface.id] {
			return errMalformed("surface %s appears in more than one pane", node.surface.id)
		}
		seenSurface[node.surface.id] = true
		return nil
	}
	if len(node.children) != 2 {
		return errMalformed("split pane %s has %d children", node.id, len(node.children))
	}
	if node.surface != nil {
		return errMalformed("split pane %s hosts a surface", node.id)
	}
	for _, child := range node.children {
		if err := checkPane(child, seenSurface); err != nil {
			return err
		}
	}
	return nil
}
