package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cmux-sh/cmux/internal/access"
	"github.com/cmux-sh/cmux/internal/config"
	"github.com/cmux-sh/cmux/internal/directory"
)

type wireResponse struct {
	ID     any            `json:"id"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func allowAllGate() *access.Gate {
	return access.NewGate(func() access.Mode { return access.ModeAllowAll })
}

// startServer boots a directory and a server on a temp socket and waits for
// the listener to come up.
func startServer(t *testing.T, gate *access.Gate, mutate func(*config.Config)) (string, *directory.Directory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "cmux.sock")
	cfg.ReadTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	dir := directory.New()
	dir.Start(ctx)
	if _, err := dir.Seed(ctx); err != nil {
		t.Fatalf("seed directory: %v", err)
	}

	srv := NewServer(cfg, dir, WithGate(gate))
	go srv.Start(ctx) //nolint:errcheck
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", cfg.SocketPath)
		if err == nil {
			conn.Close() //nolint:errcheck
			return cfg.SocketPath, dir
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not come up")
	return "", nil
}

func roundTrip(t *testing.T, socketPath, line string) wireResponse {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()                                //nolint:errcheck
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response %q: %v", raw, err)
	}
	return resp
}

func call(t *testing.T, socketPath, method string, params map[string]any) wireResponse {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"id": 1, "method": method, "params": params})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return roundTrip(t, socketPath, string(payload))
}

func wantErrorKind(t *testing.T, resp wireResponse, kind string) {
	t.Helper()
	if resp.OK {
		t.Fatalf("response ok, want error %s (result=%v)", kind, resp.Result)
	}
	if resp.Error == nil || resp.Error.Kind != kind {
		t.Fatalf("error = %+v, want kind %s", resp.Error, kind)
	}
}

func TestWorkspaceListBothFormats(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.list", map[string]any{"id_format": "both"})
	if !resp.OK {
		t.Fatalf("error = %+v", resp.Error)
	}
	workspaces, ok := resp.Result["workspaces"].([]any)
	if !ok || len(workspaces) != 1 {
		t.Fatalf("workspaces = %v, want exactly 1", resp.Result["workspaces"])
	}
	entry := workspaces[0].(map[string]any)
	if _, err := uuid.Parse(entry["id"].(string)); err != nil {
		t.Fatalf("id %q is not a durable id: %v", entry["id"], err)
	}
	if entry["ref"] != "workspace:1" {
		t.Fatalf("ref = %v, want workspace:1", entry["ref"])
	}
}

func TestWorkspaceListDefaultsToRefs(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.list", nil)
	if !resp.OK {
		t.Fatalf("error = %+v", resp.Error)
	}
	entry := resp.Result["workspaces"].([]any)[0].(map[string]any)
	if entry["ref"] != "workspace:1" {
		t.Fatalf("ref = %v, want workspace:1", entry["ref"])
	}
	if _, hasID := entry["id"]; hasID {
		t.Fatalf("id present in refs mode: %v", entry)
	}
}

func TestUnknownMethod(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)
	resp := call(t, socketPath, "bogus.method", nil)
	wantErrorKind(t, resp, "UnknownMethod")
}

func TestLegacyEnvelopeRejected(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)
	resp := roundTrip(t, socketPath, `{"command": "list-workspaces"}`)
	wantErrorKind(t, resp, "UnsupportedLegacyFormat")
}

func TestMalformedRequestLine(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)
	resp := roundTrip(t, socketPath, `{"id": 1, "method"`)
	wantErrorKind(t, resp, "MalformedRequest")
	if resp.ID != nil {
		t.Fatalf("id = %v, want null for unparseable request", resp.ID)
	}
}

func TestInvalidReferenceDistinctFromNotFound(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.select", map[string]any{"workspace": "workspace:-1"})
	wantErrorKind(t, resp, "InvalidReference")

	resp = call(t, socketPath, "workspace.select", map[string]any{"workspace": "workspace:99"})
	wantErrorKind(t, resp, "ReferenceNotFound")
}

func TestScopeMismatch(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.create", map[string]any{"title": "second"})
	if !resp.OK {
		t.Fatalf("create: %+v", resp.Error)
	}

	// surface:1 lives in workspace:1, not in the new workspace:2.
	resp = call(t, socketPath, "surface.send_text", map[string]any{
		"surface":   "surface:1",
		"workspace": "workspace:2",
		"text":      "hello",
	})
	wantErrorKind(t, resp, "ScopeMismatch")
}

func TestScopeMismatchOnFocus(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.create", map[string]any{"title": "second"})
	if !resp.OK {
		t.Fatalf("create: %+v", resp.Error)
	}

	resp = call(t, socketPath, "surface.focus", map[string]any{
		"surface":   "surface:1",
		"workspace": "workspace:2",
	})
	wantErrorKind(t, resp, "ScopeMismatch")

	// The mismatched request must not have moved focus away from the new
	// workspace's surface.
	resp = call(t, socketPath, "workspace.current", nil)
	if !resp.OK {
		t.Fatalf("current: %+v", resp.Error)
	}
	ws := resp.Result["workspace"].(map[string]any)
	if ws["ref"] != "workspace:2" {
		t.Fatalf("active workspace = %v, want workspace:2", ws["ref"])
	}

	resp = call(t, socketPath, "surface.focus", map[string]any{
		"surface":   "surface:1",
		"workspace": "workspace:1",
	})
	if !resp.OK {
		t.Fatalf("matching pair rejected: %+v", resp.Error)
	}
}

func TestScopeMismatchOnNotificationCreate(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "workspace.create", map[string]any{"title": "second"})
	if !resp.OK {
		t.Fatalf("create: %+v", resp.Error)
	}

	resp = call(t, socketPath, "notification.create", map[string]any{
		"title":     "build done",
		"surface":   "surface:1",
		"workspace": "workspace:2",
	})
	wantErrorKind(t, resp, "ScopeMismatch")

	resp = call(t, socketPath, "notification.list", nil)
	if !resp.OK {
		t.Fatalf("list: %+v", resp.Error)
	}
	if notifications := resp.Result["notifications"].([]any); len(notifications) != 0 {
		t.Fatalf("notifications = %d, want none after rejected create", len(notifications))
	}
}

func TestSplitCreatesSurfaceInTargetWorkspace(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "surface.split", map[string]any{
		"direction": "right",
		"id_format": "both",
	})
	if !resp.OK {
		t.Fatalf("split: %+v", resp.Error)
	}
	surface := resp.Result["surface"].(map[string]any)
	if surface["ref"] != "surface:2" {
		t.Fatalf("surface ref = %v, want surface:2", surface["ref"])
	}

	resp = call(t, socketPath, "surface.list", nil)
	if !resp.OK {
		t.Fatalf("list: %+v", resp.Error)
	}
	surfaces := resp.Result["surfaces"].([]any)
	if len(surfaces) != 2 {
		t.Fatalf("surfaces = %d, want 2", len(surfaces))
	}
}

func TestClosedSurfaceRefBecomesNotFound(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "surface.split", map[string]any{"direction": "down"})
	if !resp.OK {
		t.Fatalf("split: %+v", resp.Error)
	}
	resp = call(t, socketPath, "surface.close", map[string]any{"surface": "surface:2"})
	if !resp.OK || resp.Result["noop"] == true {
		t.Fatalf("first close = %+v %+v", resp.Result, resp.Error)
	}
	resp = call(t, socketPath, "surface.close", map[string]any{"surface": "surface:2"})
	wantErrorKind(t, resp, "ReferenceNotFound")
}

func TestStaleAmbientWorkspaceFallsBackToFocus(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "sidebar.set_status", map[string]any{
		"ambient_workspace": "workspace:99",
		"key":               "build",
		"value":             "running",
	})
	if !resp.OK {
		t.Fatalf("set_status: %+v", resp.Error)
	}

	resp = call(t, socketPath, "sidebar.state", nil)
	if !resp.OK {
		t.Fatalf("state: %+v", resp.Error)
	}
	status := resp.Result["status"].([]any)
	if len(status) != 1 || status[0].(map[string]any)["key"] != "build" {
		t.Fatalf("status = %v", status)
	}
}

func TestExplicitStaleWorkspaceIsStrict(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)
	resp := call(t, socketPath, "sidebar.set_status", map[string]any{
		"workspace": "workspace:99",
		"key":       "build",
		"value":     "running",
	})
	wantErrorKind(t, resp, "ReferenceNotFound")
}

func TestModeOffClosesWithoutResponse(t *testing.T) {
	gate := access.NewGate(func() access.Mode { return access.ModeOff })
	socketPath, _ := startServer(t, gate, nil)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()                                //nolint:errcheck
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("read = (%d, %v), want silent close", n, err)
	}
}

func TestSlowClientGetsTimeout(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), func(cfg *config.Config) {
		cfg.ReadTimeout = 100 * time.Millisecond
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()                                //nolint:errcheck
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	// Send nothing; the server should give up and answer with Timeout.
	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	wantErrorKind(t, resp, "Timeout")
}

func TestPingAndCapabilities(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)

	resp := call(t, socketPath, "system.ping", nil)
	if !resp.OK || resp.Result["pong"] != true {
		t.Fatalf("ping = %+v %+v", resp.Result, resp.Error)
	}

	resp = call(t, socketPath, "system.capabilities", nil)
	if !resp.OK {
		t.Fatalf("capabilities: %+v", resp.Error)
	}
	methods := resp.Result["methods"].([]any)
	seen := map[string]bool{}
	for _, m := range methods {
		seen[m.(string)] = true
	}
	for _, want := range []string{"workspace.list", "surface.split", "notification.create", "sidebar.set_progress"} {
		if !seen[want] {
			t.Fatalf("capabilities missing %s", want)
		}
	}
}

func TestRequestIDEchoedBack(t *testing.T) {
	socketPath, _ := startServer(t, allowAllGate(), nil)
	resp := roundTrip(t, socketPath, `{"id": "req-7", "method": "system.ping", "params": {}}`)
	if !resp.OK || resp.ID != "req-7" {
		t.Fatalf("id = %v ok = %v", resp.ID, resp.OK)
	}
}

func TestSecondInstanceRefusesLivePath(t *testing.T) {
	socketPath, dir := startServer(t, allowAllGate(), nil)

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	second := NewServer(cfg, dir, WithGate(allowAllGate()))
	if err := second.clearStaleSocket(); err == nil {
		t.Fatal("expected live-socket detection to fail")
	}
}
