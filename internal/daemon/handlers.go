package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/cmux-sh/cmux/internal/db"
	"github.com/cmux-sh/cmux/internal/directory"
	"github.com/cmux-sh/cmux/internal/protocol"
	"github.com/cmux-sh/cmux/internal/refs"
)

// Version reported by system.capabilities.
const Version = "2.1.0"

type params map[string]json.RawMessage

type handlerFunc func(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error)

func (s *Server) dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	h, ok := s.methods[req.Method]
	if !ok {
		return protocol.Fail(req.ID, protocol.Errorf(protocol.ErrUnknownMethod, "unknown method: %q", req.Method))
	}
	p := params(req.Params)
	mode, perr := idFormat(p)
	if perr != nil {
		return protocol.Fail(req.ID, perr)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	result, perr := h(ctx, p, mode)
	if perr != nil {
		return protocol.Fail(req.ID, perr)
	}
	return protocol.OK(req.ID, result)
}

func (s *Server) buildMethods() {
	s.methods = map[string]handlerFunc{
		"system.ping":         s.handlePing,
		"system.capabilities": s.handleCapabilities,
		"system.identify":     s.handleIdentify,

		"window.list":    s.handleWindowList,
		"window.current": s.handleWindowCurrent,
		"window.focus":   s.handleWindowFocus,

		"workspace.list":    s.handleWorkspaceList,
		"workspace.create":  s.handleWorkspaceCreate,
		"workspace.select":  s.handleWorkspaceSelect,
		"workspace.current": s.handleWorkspaceCurrent,
		"workspace.close":   s.handleWorkspaceClose,
		"workspace.rename":  s.handleWorkspaceRename,

		"surface.list":      s.handleSurfaceList,
		"surface.split":     s.handleSurfaceSplit,
		"surface.focus":     s.handleSurfaceFocus,
		"surface.close":     s.handleSurfaceClose,
		"surface.send_text": s.handleSendText,
		"surface.send_key":  s.handleSendKey,

		"notification.create": s.handleNotificationCreate,
		"notification.list":   s.handleNotificationList,
		"notification.clear":  s.handleNotificationClear,

		"sidebar.state":          s.handleSidebarState,
		"sidebar.set_status":     s.handleSetStatus,
		"sidebar.clear_status":   s.handleClearStatus,
		"sidebar.set_progress":   s.handleSetProgress,
		"sidebar.clear_progress": s.handleClearProgress,
		"sidebar.log":            s.handleSidebarLog,
	}
}

// Param decoding

func strParam(p params, key string) (string, bool, *protocol.Error) {
	raw, ok := p[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, protocol.Errorf(protocol.ErrMalformedRequest, "param %q must be a string", key)
	}
	return s, true, nil
}

func requireStr(p params, key string) (string, *protocol.Error) {
	s, ok, perr := strParam(p, key)
	if perr != nil {
		return "", perr
	}
	if !ok || s == "" {
		return "", protocol.Errorf(protocol.ErrMalformedRequest, "param %q is required", key)
	}
	return s, nil
}

func intParam(p params, key string) (int, bool, *protocol.Error) {
	raw, ok := p[key]
	if !ok {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false, protocol.Errorf(protocol.ErrMalformedRequest, "param %q must be an integer", key)
	}
	return n, true, nil
}

func floatParam(p params, key string) (float64, bool, *protocol.Error) {
	raw, ok := p[key]
	if !ok {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false, protocol.Errorf(protocol.ErrMalformedRequest, "param %q must be a number", key)
	}
	return f, true, nil
}

func idFormat(p params) (refs.IDFormat, *protocol.Error) {
	s, _, perr := strParam(p, "id_format")
	if perr != nil {
		return "", perr
	}
	mode, err := refs.ParseIDFormat(s)
	if err != nil {
		return "", protocol.Errorf(protocol.ErrMalformedRequest, "%v", err)
	}
	return mode, nil
}

// Reference resolution and targeting

// resolveKind maps a reference string to the durable id of an entity of the
// wanted kind. Grammar failures and kind mismatches are InvalidReference;
// well-formed references without a live entity are ReferenceNotFound.
func (s *Server) resolveKind(value string, want refs.Kind) (uuid.UUID, *protocol.Error) {
	kind, id, err := s.dir.Namespace().Resolve(value)
	if err != nil {
		if errors.Is(err, refs.ErrInvalidRef) {
			return uuid.Nil, protocol.Errorf(protocol.ErrInvalidReference, "%v", err)
		}
		return uuid.Nil, protocol.Errorf(protocol.ErrReferenceNotFound, "%v", err)
	}
	if kind != want {
		return uuid.Nil, protocol.Errorf(protocol.ErrInvalidReference, "%q is a %s reference, expected %s", value, kind, want)
	}
	return id, nil
}

// targetWorkspace applies the targeting precedence for workspace-scoped
// operations: explicit param, then ambient identity forwarded by the client,
// then the focused workspace. Explicit references are strict; a stale
// ambient reference is skipped, not an error.
func (s *Server) targetWorkspace(p params) (id uuid.UUID, explicit bool, perr *protocol.Error) {
	if value, ok, perr := strParam(p, "workspace"); perr != nil {
		return uuid.Nil, false, perr
	} else if ok {
		id, perr := s.resolveKind(value, refs.KindWorkspace)
		return id, true, perr
	}
	if value, ok, perr := strParam(p, "ambient_workspace"); perr != nil {
		return uuid.Nil, false, perr
	} else if ok {
		if id, rerr := s.resolveKind(value, refs.KindWorkspace); rerr == nil {
			return id, false, nil
		}
		s.log.Debug().Str("value", value).Msg("ambient workspace is stale; falling back to focus")
	}
	ws := s.dir.Snapshot().ActiveWorkspaceState()
	if ws == nil {
		return uuid.Nil, false, protocol.Errorf(protocol.ErrNotReady, "no active workspace yet")
	}
	return ws.ID, false, nil
}

// checkSurfaceScope rejects an explicit surface/workspace pairing when the
// surface lives elsewhere. Applies to every request that names both; a
// mismatch is an error regardless of what the request would otherwise do.
func (s *Server) checkSurfaceScope(p params, surfaceID uuid.UUID, surfaceParam string) *protocol.Error {
	wsValue, ok, perr := strParam(p, "workspace")
	if perr != nil {
		return perr
	}
	if !ok {
		return nil
	}
	wsID, perr := s.resolveKind(wsValue, refs.KindWorkspace)
	if perr != nil {
		return perr
	}
	surface := s.dir.Snapshot().Surface(surfaceID)
	if surface == nil || surface.WorkspaceID != wsID {
		return protocol.Errorf(protocol.ErrScopeMismatch,
			"surface %q does not belong to workspace %q", surfaceParam, wsValue)
	}
	return nil
}

// targetSurface resolves the surface for input and split operations with the
// same precedence. When both an explicit surface and an explicit workspace
// are named, the surface must live in that workspace.
func (s *Server) targetSurface(p params) (uuid.UUID, *protocol.Error) {
	snap := s.dir.Snapshot()

	if value, ok, perr := strParam(p, "surface"); perr != nil {
		return uuid.Nil, perr
	} else if ok {
		id, perr := s.resolveKind(value, refs.KindSurface)
		if perr != nil {
			return uuid.Nil, perr
		}
		if perr := s.checkSurfaceScope(p, id, value); perr != nil {
			return uuid.Nil, perr
		}
		return id, nil
	}

	if value, ok, perr := strParam(p, "ambient_surface"); perr != nil {
		return uuid.Nil, perr
	} else if ok {
		if id, rerr := s.resolveKind(value, refs.KindSurface); rerr == nil {
			return id, nil
		}
		s.log.Debug().Str("value", value).Msg("ambient surface is stale; falling back to focus")
	}

	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return uuid.Nil, perr
	}
	surface := snap.FocusedSurface(wsID)
	if surface == nil {
		return uuid.Nil, protocol.Errorf(protocol.ErrTargetGone, "workspace has no focused surface")
	}
	return surface.ID, nil
}

// submit runs a mutation on the directory loop, mapping its sentinel errors
// to protocol error kinds.
func (s *Server) submit(ctx context.Context, m directory.Mutation) (directory.Outcome, *protocol.Error) {
	outcome, err := s.dir.Submit(ctx, m)
	if err == nil {
		return outcome, nil
	}
	switch {
	case errors.Is(err, directory.ErrNotReady):
		return directory.Outcome{}, protocol.Errorf(protocol.ErrNotReady, "application is still starting up")
	case errors.Is(err, directory.ErrTargetGone):
		return directory.Outcome{}, protocol.Errorf(protocol.ErrTargetGone, "%v", err)
	case errors.Is(err, directory.ErrMalformedGraph):
		return directory.Outcome{}, protocol.Errorf(protocol.ErrInternal, "%v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return directory.Outcome{}, protocol.Errorf(protocol.ErrTimeout, "operation timed out")
	default:
		return directory.Outcome{}, protocol.Errorf(protocol.ErrInternal, "%v", err)
	}
}

func (s *Server) entity(id uuid.UUID, kind refs.Kind, mode refs.IDFormat) refs.EntityID {
	return s.dir.Namespace().Format(id, kind, mode)
}

// Response views

type windowView struct {
	refs.EntityID
	Active          bool           `json:"active"`
	ActiveWorkspace *refs.EntityID `json:"active_workspace,omitempty"`
	Workspaces      int            `json:"workspaces"`
}

type workspaceView struct {
	refs.EntityID
	Title  string        `json:"title,omitempty"`
	Active bool          `json:"active"`
	Window refs.EntityID `json:"window"`
}

type surfaceView struct {
	refs.EntityID
	Kind      string        `json:"kind"`
	URL       string        `json:"url,omitempty"`
	Pane      refs.EntityID `json:"pane"`
	Workspace refs.EntityID `json:"workspace"`
	Focused   bool          `json:"focused"`
}

func (s *Server) windowView(snap *directory.Snapshot, w *directory.Window, mode refs.IDFormat) windowView {
	view := windowView{
		EntityID:   s.entity(w.ID, refs.KindWindow, mode),
		Active:     w.ID == snap.ActiveWindow,
		Workspaces: len(w.Workspaces),
	}
	if w.ActiveWorkspace != uuid.Nil {
		e := s.entity(w.ActiveWorkspace, refs.KindWorkspace, mode)
		view.ActiveWorkspace = &e
	}
	return view
}

func (s *Server) workspaceView(w *directory.Window, ws *directory.Workspace, mode refs.IDFormat) workspaceView {
	return workspaceView{
		EntityID: s.entity(ws.ID, refs.KindWorkspace, mode),
		Title:    ws.Title,
		Active:   w.ActiveWorkspace == ws.ID,
		Window:   s.entity(w.ID, refs.KindWindow, mode),
	}
}

func (s *Server) surfaceView(ws *directory.Workspace, surface *directory.Surface, mode refs.IDFormat) surfaceView {
	focusedPane := ws.FocusedPane
	return surfaceView{
		EntityID:  s.entity(surface.ID, refs.KindSurface, mode),
		Kind:      string(surface.Kind),
		URL:       surface.URL,
		Pane:      s.entity(surface.PaneID, refs.KindPane, mode),
		Workspace: s.entity(surface.WorkspaceID, refs.KindWorkspace, mode),
		Focused:   surface.PaneID == focusedPane,
	}
}

// system.*

func (s *Server) handlePing(context.Context, params, refs.IDFormat) (any, *protocol.Error) {
	return map[string]any{"pong": true, "version": Version}, nil
}

func (s *Server) handleCapabilities(context.Context, params, refs.IDFormat) (any, *protocol.Error) {
	methods := make([]string, 0, len(s.methods))
	for name := range s.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return map[string]any{
		"version":    Version,
		"methods":    methods,
		"id_formats": []string{string(refs.FormatRefs), string(refs.FormatUUIDs), string(refs.FormatBoth)},
	}, nil
}

// handleIdentify tells the caller which workspace and surface it is running
// in, based on the ambient identity its client forwarded.
func (s *Server) handleIdentify(_ context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	result := map[string]any{
		"workspace": s.entity(wsID, refs.KindWorkspace, mode),
	}
	surfaceID, perr := s.targetSurface(p)
	if perr == nil {
		result["surface"] = s.entity(surfaceID, refs.KindSurface, mode)
	}
	return result, nil
}

// window.*

func (s *Server) handleWindowList(_ context.Context, _ params, mode refs.IDFormat) (any, *protocol.Error) {
	snap := s.dir.Snapshot()
	views := []windowView{}
	for i := range snap.Windows {
		views = append(views, s.windowView(snap, &snap.Windows[i], mode))
	}
	return map[string]any{"windows": views}, nil
}

func (s *Server) handleWindowCurrent(_ context.Context, _ params, mode refs.IDFormat) (any, *protocol.Error) {
	snap := s.dir.Snapshot()
	w := snap.Window(snap.ActiveWindow)
	if w == nil {
		return nil, protocol.Errorf(protocol.ErrNotReady, "no active window yet")
	}
	return map[string]any{"window": s.windowView(snap, w, mode)}, nil
}

func (s *Server) handleWindowFocus(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	value, perr := requireStr(p, "window")
	if perr != nil {
		return nil, perr
	}
	id, perr := s.resolveKind(value, refs.KindWindow)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.FocusWindow{WindowID: id})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"window": s.entity(outcome.WindowID, refs.KindWindow, mode)}, nil
}

// workspace.*

func (s *Server) handleWorkspaceList(_ context.Context, _ params, mode refs.IDFormat) (any, *protocol.Error) {
	snap := s.dir.Snapshot()
	views := []workspaceView{}
	for i := range snap.Windows {
		w := &snap.Windows[i]
		for j := range w.Workspaces {
			views = append(views, s.workspaceView(w, &w.Workspaces[j], mode))
		}
	}
	return map[string]any{"workspaces": views}, nil
}

func (s *Server) handleWorkspaceCreate(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	title, _, perr := strParam(p, "title")
	if perr != nil {
		return nil, perr
	}
	m := directory.CreateWorkspace{Title: title}
	if value, ok, perr := strParam(p, "window"); perr != nil {
		return nil, perr
	} else if ok {
		id, perr := s.resolveKind(value, refs.KindWindow)
		if perr != nil {
			return nil, perr
		}
		m.WindowID = id
	}
	outcome, perr := s.submit(ctx, m)
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode),
		"surface":   s.entity(outcome.SurfaceID, refs.KindSurface, mode),
	}, nil
}

func (s *Server) handleWorkspaceSelect(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	value, perr := requireStr(p, "workspace")
	if perr != nil {
		return nil, perr
	}
	id, perr := s.resolveKind(value, refs.KindWorkspace)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.SelectWorkspace{WorkspaceID: id})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode)}, nil
}

func (s *Server) handleWorkspaceCurrent(_ context.Context, _ params, mode refs.IDFormat) (any, *protocol.Error) {
	snap := s.dir.Snapshot()
	w := snap.Window(snap.ActiveWindow)
	if w == nil {
		return nil, protocol.Errorf(protocol.ErrNotReady, "no active window yet")
	}
	ws := snap.Workspace(w.ActiveWorkspace)
	if ws == nil {
		return nil, protocol.Errorf(protocol.ErrNotReady, "no active workspace yet")
	}
	return map[string]any{"workspace": s.workspaceView(w, ws, mode)}, nil
}

func (s *Server) handleWorkspaceClose(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.CloseWorkspace{WorkspaceID: wsID})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"workspace": s.entity(wsID, refs.KindWorkspace, mode),
		"noop":      outcome.Noop,
	}, nil
}

func (s *Server) handleWorkspaceRename(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	title, perr := requireStr(p, "title")
	if perr != nil {
		return nil, perr
	}
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.RenameWorkspace{WorkspaceID: wsID, Title: title})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode)}, nil
}

// surface.*

func (s *Server) handleSurfaceList(_ context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	snap := s.dir.Snapshot()
	ws := snap.Workspace(wsID)
	if ws == nil {
		return nil, protocol.Errorf(protocol.ErrTargetGone, "workspace %s", wsID)
	}
	views := []surfaceView{}
	for _, surface := range snap.Surfaces(wsID) {
		views = append(views, s.surfaceView(ws, &surface, mode))
	}
	return map[string]any{"surfaces": views}, nil
}

func (s *Server) handleSurfaceSplit(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	dirValue, perr := requireStr(p, "direction")
	if perr != nil {
		return nil, perr
	}
	split := directory.SplitDirection(dirValue)
	if !directory.ValidDirection(split) {
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "invalid split direction: %q", dirValue)
	}
	kindValue, _, perr := strParam(p, "kind")
	if perr != nil {
		return nil, perr
	}
	kind := directory.SurfaceKind(kindValue)
	switch kind {
	case "", directory.SurfaceTerminal, directory.SurfaceBrowser:
	default:
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "invalid surface kind: %q", kindValue)
	}
	url, _, perr := strParam(p, "url")
	if perr != nil {
		return nil, perr
	}

	surfaceID, perr := s.targetSurface(p)
	if perr != nil {
		return nil, perr
	}
	surface := s.dir.Snapshot().Surface(surfaceID)
	if surface == nil {
		return nil, protocol.Errorf(protocol.ErrTargetGone, "surface %s", surfaceID)
	}

	outcome, perr := s.submit(ctx, directory.SplitPane{
		WorkspaceID: surface.WorkspaceID,
		PaneID:      surface.PaneID,
		Direction:   split,
		Kind:        kind,
		URL:         url,
	})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"surface":   s.entity(outcome.SurfaceID, refs.KindSurface, mode),
		"pane":      s.entity(outcome.PaneID, refs.KindPane, mode),
		"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode),
	}, nil
}

func (s *Server) handleSurfaceFocus(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	value, perr := requireStr(p, "surface")
	if perr != nil {
		return nil, perr
	}
	id, perr := s.resolveKind(value, refs.KindSurface)
	if perr != nil {
		return nil, perr
	}
	if perr := s.checkSurfaceScope(p, id, value); perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.FocusSurface{SurfaceID: id})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"surface":   s.entity(outcome.SurfaceID, refs.KindSurface, mode),
		"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode),
	}, nil
}

func (s *Server) handleSurfaceClose(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	surfaceID, perr := s.targetSurface(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.CloseSurface{SurfaceID: surfaceID})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"surface": s.entity(surfaceID, refs.KindSurface, mode),
		"noop":    outcome.Noop,
	}, nil
}

func (s *Server) handleSendText(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	text, perr := requireStr(p, "text")
	if perr != nil {
		return nil, perr
	}
	surfaceID, perr := s.targetSurface(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.SendText{SurfaceID: surfaceID, Text: text})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"surface": s.entity(outcome.SurfaceID, refs.KindSurface, mode),
		"bytes":   len(text),
	}, nil
}

func (s *Server) handleSendKey(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	key, perr := requireStr(p, "key")
	if perr != nil {
		return nil, perr
	}
	data, err := directory.KeyBytes(key)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "%v", err)
	}
	surfaceID, perr := s.targetSurface(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.SendKey{SurfaceID: surfaceID, Key: key})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"surface": s.entity(outcome.SurfaceID, refs.KindSurface, mode),
		"bytes":   len(data),
	}, nil
}

// notification.*

func (s *Server) handleNotificationCreate(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	title, perr := requireStr(p, "title")
	if perr != nil {
		return nil, perr
	}
	subtitle, _, perr := strParam(p, "subtitle")
	if perr != nil {
		return nil, perr
	}
	body, _, perr := strParam(p, "body")
	if perr != nil {
		return nil, perr
	}
	m := directory.CreateNotification{Title: title, Subtitle: subtitle, Body: body}
	if value, ok, perr := strParam(p, "surface"); perr != nil {
		return nil, perr
	} else if ok {
		id, perr := s.resolveKind(value, refs.KindSurface)
		if perr != nil {
			return nil, perr
		}
		if perr := s.checkSurfaceScope(p, id, value); perr != nil {
			return nil, perr
		}
		m.SurfaceID = id
	} else if value, ok, perr := strParam(p, "ambient_surface"); perr != nil {
		return nil, perr
	} else if ok {
		// Association only; a stale ambient surface just means no link.
		if id, rerr := s.resolveKind(value, refs.KindSurface); rerr == nil {
			m.SurfaceID = id
		}
	}

	if _, perr := s.submit(ctx, m); perr != nil {
		return nil, perr
	}
	s.archiveLatestNotification(ctx)

	result := map[string]any{"created": true}
	if m.SurfaceID != uuid.Nil {
		result["surface"] = s.entity(m.SurfaceID, refs.KindSurface, mode)
	}
	return result, nil
}

func (s *Server) archiveLatestNotification(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap := s.dir.Snapshot()
	if len(snap.Notifications) == 0 {
		return
	}
	n := snap.Notifications[len(snap.Notifications)-1]
	archived := db.ArchivedNotification{
		NotificationID: n.ID.String(),
		Title:          n.Title,
		Subtitle:       n.Subtitle,
		Body:           n.Body,
		CreatedAt:      n.CreatedAt,
	}
	if n.SurfaceID != uuid.Nil {
		archived.SurfaceID = n.SurfaceID.String()
	}
	if err := s.store.ArchiveNotification(ctx, archived); err != nil {
		s.log.Debug().Err(err).Msg("archive notification failed")
	}
}

func (s *Server) handleNotificationList(_ context.Context, _ params, mode refs.IDFormat) (any, *protocol.Error) {
	snap := s.dir.Snapshot()
	type notificationView struct {
		directory.Notification
		ID      string         `json:"id"`
		Surface *refs.EntityID `json:"surface,omitempty"`
	}
	views := []notificationView{}
	for _, n := range snap.Notifications {
		view := notificationView{Notification: n, ID: n.ID.String()}
		if n.SurfaceID != uuid.Nil {
			e := s.entity(n.SurfaceID, refs.KindSurface, mode)
			view.Surface = &e
		}
		views = append(views, view)
	}
	return map[string]any{"notifications": views}, nil
}

func (s *Server) handleNotificationClear(ctx context.Context, _ params, _ refs.IDFormat) (any, *protocol.Error) {
	outcome, perr := s.submit(ctx, directory.ClearNotifications{})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"noop": outcome.Noop}, nil
}

// sidebar.*

func (s *Server) handleSidebarState(_ context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	ws := s.dir.Snapshot().Workspace(wsID)
	if ws == nil {
		return nil, protocol.Errorf(protocol.ErrTargetGone, "workspace %s", wsID)
	}
	status := ws.Status
	if status == nil {
		status = []directory.StatusEntry{}
	}
	result := map[string]any{
		"workspace": s.entity(wsID, refs.KindWorkspace, mode),
		"status":    status,
		"log":       ws.LogLines,
	}
	if ws.Progress != nil {
		result["progress"] = *ws.Progress
	}
	return result, nil
}

func (s *Server) handleSetStatus(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	key, perr := requireStr(p, "key")
	if perr != nil {
		return nil, perr
	}
	value, perr := requireStr(p, "value")
	if perr != nil {
		return nil, perr
	}
	icon, _, perr := strParam(p, "icon")
	if perr != nil {
		return nil, perr
	}
	priority, _, perr := intParam(p, "priority")
	if perr != nil {
		return nil, perr
	}
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.SetStatus{
		WorkspaceID: wsID, Key: key, Value: value, Icon: icon, Priority: priority,
	})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode)}, nil
}

func (s *Server) handleClearStatus(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	key, perr := requireStr(p, "key")
	if perr != nil {
		return nil, perr
	}
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.ClearStatus{WorkspaceID: wsID, Key: key})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"workspace": s.entity(wsID, refs.KindWorkspace, mode),
		"noop":      outcome.Noop,
	}, nil
}

func (s *Server) handleSetProgress(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	fraction, ok, perr := floatParam(p, "fraction")
	if perr != nil {
		return nil, perr
	}
	if !ok {
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "param %q is required", "fraction")
	}
	if fraction < 0 || fraction > 1 {
		return nil, protocol.Errorf(protocol.ErrMalformedRequest, "fraction must be within [0, 1]: %v", fraction)
	}
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.SetProgress{WorkspaceID: wsID, Fraction: fraction})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode)}, nil
}

func (s *Server) handleClearProgress(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.ClearProgress{WorkspaceID: wsID})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{
		"workspace": s.entity(wsID, refs.KindWorkspace, mode),
		"noop":      outcome.Noop,
	}, nil
}

func (s *Server) handleSidebarLog(ctx context.Context, p params, mode refs.IDFormat) (any, *protocol.Error) {
	message, perr := requireStr(p, "message")
	if perr != nil {
		return nil, perr
	}
	wsID, _, perr := s.targetWorkspace(p)
	if perr != nil {
		return nil, perr
	}
	outcome, perr := s.submit(ctx, directory.AppendLog{WorkspaceID: wsID, Message: message})
	if perr != nil {
		return nil, perr
	}
	return map[string]any{"workspace": s.entity(outcome.WorkspaceID, refs.KindWorkspace, mode)}, nil
}
