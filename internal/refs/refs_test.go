package refs

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseRefGrammar(t *testing.T) {
	cases := []struct {
		in      string
		kind    Kind
		ordinal uint64
		wantErr bool
	}{
		{in: "workspace:3", kind: KindWorkspace, ordinal: 3},
		{in: "surface:1", kind: KindSurface, ordinal: 1},
		{in: "window:42", kind: KindWindow, ordinal: 42},
		{in: "pane:7", kind: KindPane, ordinal: 7},
		{in: "", wantErr: true},
		{in: "workspace", wantErr: true},
		{in: "workspace:", wantErr: true},
		{in: "workspace:0", wantErr: true},
		{in: "workspace:-1", wantErr: true},
		{in: "workspace:+2", wantErr: true},
		{in: "workspace:two", wantErr: true},
		{in: "workspace:2x", wantErr: true},
		{in: "workspace: 2", wantErr: true},
		{in: "tab:2", wantErr: true},
		{in: ":2", wantErr: true},
		{in: "workspace:2:3", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := ParseRef(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRef(%q): expected error, got %v", tc.in, ref)
			} else if !errors.Is(err, ErrInvalidRef) {
				t.Errorf("ParseRef(%q): expected ErrInvalidRef, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRef(%q): %v", tc.in, err)
			continue
		}
		if ref.Kind != tc.kind || ref.Ordinal != tc.ordinal {
			t.Errorf("ParseRef(%q) = %v, want %s:%d", tc.in, ref, tc.kind, tc.ordinal)
		}
	}
}

func TestParseAcceptsDurableIDLiteral(t *testing.T) {
	id := uuid.New()
	parsed, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse(uuid): %v", err)
	}
	if parsed.IsShortRef() {
		t.Fatalf("uuid literal parsed as short ref: %v", parsed)
	}
	if parsed.ID != id {
		t.Fatalf("parsed id = %s, want %s", parsed.ID, id)
	}
}

func TestResolveDistinguishesInvalidFromNotFound(t *testing.T) {
	ns := NewNamespace()
	id := uuid.New()
	ns.Assign(KindWorkspace, id)

	if _, _, err := ns.Resolve("workspace:nope"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
	if _, _, err := ns.Resolve("workspace:99"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := ns.Resolve(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown uuid: expected ErrNotFound, got %v", err)
	}

	kind, got, err := ns.Resolve("workspace:1")
	if err != nil {
		t.Fatalf("Resolve(workspace:1): %v", err)
	}
	if kind != KindWorkspace || got != id {
		t.Fatalf("Resolve(workspace:1) = %s %s, want %s %s", kind, got, KindWorkspace, id)
	}
}

func TestOrdinalsMonotonicNeverRecycled(t *testing.T) {
	ns := NewNamespace()
	a := uuid.New()
	b := uuid.New()

	refA := ns.Assign(KindSurface, a)
	if refA.Ordinal != 1 {
		t.Fatalf("first ordinal = %d, want 1", refA.Ordinal)
	}
	ns.Release(a)

	refB := ns.Assign(KindSurface, b)
	if refB.Ordinal != 2 {
		t.Fatalf("ordinal after release = %d, want 2 (never recycled)", refB.Ordinal)
	}
	if _, _, err := ns.Resolve("surface:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("released ref should be gone, got %v", err)
	}
}

func TestOrdinalsNotStableAcrossRestart(t *testing.T) {
	id := uuid.New()

	first := NewNamespace()
	first.Assign(KindWorkspace, uuid.New())
	first.Assign(KindWorkspace, uuid.New())
	refBefore := first.Assign(KindWorkspace, id)

	// A relaunch starts a fresh namespace; the same durable id lands on a
	// different ordinal.
	second := NewNamespace()
	refAfter := second.Assign(KindWorkspace, id)

	if refBefore.Ordinal == refAfter.Ordinal {
		t.Fatalf("ordinal survived simulated restart: %d", refBefore.Ordinal)
	}
}

func TestFormatModes(t *testing.T) {
	ns := NewNamespace()
	id := uuid.New()
	ns.Assign(KindWorkspace, id)

	both := ns.Format(id, KindWorkspace, FormatBoth)
	if both.ID != id.String() || both.Ref != "workspace:1" {
		t.Fatalf("FormatBoth = %+v", both)
	}
	onlyRef := ns.Format(id, KindWorkspace, FormatRefs)
	if onlyRef.ID != "" || onlyRef.Ref != "workspace:1" {
		t.Fatalf("FormatRefs = %+v", onlyRef)
	}
	onlyID := ns.Format(id, KindWorkspace, FormatUUIDs)
	if onlyID.ID != id.String() || onlyID.Ref != "" {
		t.Fatalf("FormatUUIDs = %+v", onlyID)
	}
}

func TestAssignIsIdempotentPerID(t *testing.T) {
	ns := NewNamespace()
	id := uuid.New()
	first := ns.Assign(KindPane, id)
	second := ns.Assign(KindPane, id)
	if first != second {
		t.Fatalf("reassignment changed ref: %v vs %v", first, second)
	}
}
