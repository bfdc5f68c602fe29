// Package refs maps durable entity ids to short, process-lifetime-scoped
// references of the form "kind:n".
package refs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type Kind string

const (
	KindWindow    Kind = "window"
	KindWorkspace Kind = "workspace"
	KindPane      Kind = "pane"
	KindSurface   Kind = "surface"
)

var kinds = map[Kind]bool{
	KindWindow:    true,
	KindWorkspace: true,
	KindPane:      true,
	KindSurface:   true,
}

var (
	// ErrInvalidRef marks strings that do not match the reference grammar.
	// Distinct from ErrNotFound so rejections are diagnosable in logs even
	// though both surface as the same caller-visible error class.
	ErrInvalidRef = errors.New("invalid reference")
	// ErrNotFound marks well-formed references with no live entity.
	ErrNotFound = errors.New("reference not found")
)

// IDFormat selects how entity identities are rendered in responses.
type IDFormat string

const (
	FormatRefs  IDFormat = "refs"
	FormatUUIDs IDFormat = "uuids"
	FormatBoth  IDFormat = "both"
)

func ParseIDFormat(s string) (IDFormat, error) {
	switch IDFormat(strings.TrimSpace(s)) {
	case "", FormatRefs:
		return FormatRefs, nil
	case FormatUUIDs:
		return FormatUUIDs, nil
	case FormatBoth:
		return FormatBoth, nil
	}
	return "", fmt.Errorf("invalid id format: %q", s)
}

// Ref is a short address "kind:n". Ordinals are assigned monotonically per
// kind at creation time and are never recycled within a run; they are not
// stable across application relaunch.
type Ref struct {
	Kind    Kind
	Ordinal uint64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.Ordinal)
}

// ParseRef parses the strict grammar `kind ":" positive_integer`. Negative
// numbers, zero, non-numeric suffixes, unknown kinds, and empty strings all
// fail with ErrInvalidRef.
func ParseRef(s string) (Ref, error) {
	head, tail, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	kind := Kind(head)
	if !kinds[kind] {
		return Ref{}, fmt.Errorf("%w: unknown kind in %q", ErrInvalidRef, s)
	}
	if tail == "" || strings.TrimLeft(tail, "0123456789") != "" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	n, err := strconv.ParseUint(tail, 10, 64)
	if err != nil || n == 0 {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	return Ref{Kind: kind, Ordinal: n}, nil
}

// Parsed is the result of parsing a reference string: either a short ref or
// a durable-id literal.
type Parsed struct {
	Ref Ref
	ID  uuid.UUID
}

func (p Parsed) IsShortRef() bool { return p.Ref.Kind != "" }

// Parse accepts either the short-ref grammar or a durable-id literal.
func Parse(s string) (Parsed, error) {
	if s == "" {
		return Parsed{}, fmt.Errorf("%w: empty string", ErrInvalidRef)
	}
	if id, err := uuid.Parse(s); err == nil {
		return Parsed{ID: id}, nil
	}
	ref, err := ParseRef(s)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{Ref: ref}, nil
}

// EntityID is the identity object carried in responses. With FormatBoth it
// carries both representations in a single object, never a concatenated
// string.
type EntityID struct {
	ID  string `json:"id,omitempty"`
	Ref string `json:"ref,omitempty"`
}

// Namespace owns the per-kind monotonic counters and the bidirectional
// ref/id mapping. Safe for concurrent use.
type Namespace struct {
	mu    sync.Mutex
	next  map[Kind]uint64
	byRef map[Ref]uuid.UUID
	byID  map[uuid.UUID]Ref
}

func NewNamespace() *Namespace {
	return &Namespace{
		next:  map[Kind]uint64{},
		byRef: map[Ref]uuid.UUID{},
		byID:  map[uuid.UUID]Ref{},
	}
}

// Assign allocates the next ordinal of kind for id and returns the short
// ref. Assigning an already-known id returns its existing ref.
func (n *Namespace) Assign(kind Kind, id uuid.UUID) Ref {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ref, ok := n.byID[id]; ok {
		return ref
	}
	n.next[kind]++
	ref := Ref{Kind: kind, Ordinal: n.next[kind]}
	n.byRef[ref] = id
	n.byID[id] = ref
	return ref
}

// Release drops the mapping for a destroyed entity. The ordinal is never
// reassigned within the same run.
func (n *Namespace) Release(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ref, ok := n.byID[id]; ok {
		delete(n.byRef, ref)
		delete(n.byID, id)
	}
}

// Resolve maps a reference string to (kind, durable id). Grammar failures
// return ErrInvalidRef; well-formed references without a live entity return
// ErrNotFound.
func (n *Namespace) Resolve(s string) (Kind, uuid.UUID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return "", uuid.Nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if parsed.IsShortRef() {
		id, ok := n.byRef[parsed.Ref]
		if !ok {
			return "", uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, parsed.Ref)
		}
		return parsed.Ref.Kind, id, nil
	}
	ref, ok := n.byID[parsed.ID]
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: %s", ErrNotFound, parsed.ID)
	}
	return ref.Kind, parsed.ID, nil
}

// LookupRef returns the short ref for a durable id, if the entity is live.
func (n *Namespace) LookupRef(id uuid.UUID) (Ref, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ref, ok := n.byID[id]
	return ref, ok
}

// Format renders an identity in the requested mode.
func (n *Namespace) Format(id uuid.UUID, kind Kind, mode IDFormat) EntityID {
	ref, ok := n.LookupRef(id)
	refStr := ""
	if ok {
		refStr = ref.String()
	} else {
		// Destroyed entities keep no ref; fall back to the durable id so
		// the response still identifies them.
		refStr = id.String()
	}
	switch mode {
	case FormatUUIDs:
		return EntityID{ID: id.String()}
	case FormatBoth:
		return EntityID{ID: id.String(), Ref: refStr}
	default:
		return EntityID{Ref: refStr}
	}
}
