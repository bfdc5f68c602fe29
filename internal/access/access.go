// Package access decides, per incoming connection, whether the control
// socket accepts the peer. The ancestry check is a heuristic trust boundary
// for a single-user machine, not a cryptographic one: it assumes a local,
// non-adversarial peer and verifies only that the connecting process
// descends from the application's own process tree.
package access

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Mode string

const (
	ModeOff      Mode = "off"
	ModeCmuxOnly Mode = "cmuxOnly"
	ModeAllowAll Mode = "allowAll"
)

// legacy spelling of ModeCmuxOnly, still accepted from the environment.
const modeScopedToSelf = "scopedtoself"

// ErrDenied is returned for every rejected connection. The connection is
// closed without a response payload; there is no protocol handshake for
// unauthenticated peers.
var ErrDenied = errors.New("access denied")

// ParseMode accepts canonical and legacy spellings, case-insensitively.
// Empty input selects the default mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeCmuxOnly, nil
	case "off":
		return ModeOff, nil
	case "cmuxonly", modeScopedToSelf:
		return ModeCmuxOnly, nil
	case "allowall":
		return ModeAllowAll, nil
	}
	return "", fmt.Errorf("invalid socket access mode: %q", s)
}

// AncestryResolver walks the process tree. Injected so the gate can be
// tested without real OS process APIs.
type AncestryResolver interface {
	ParentPID(pid int) (int, error)
}

// PeerPIDFunc extracts the peer pid from a connected Unix socket.
type PeerPIDFunc func(conn *net.UnixConn) (int, error)

// Gate gates connections by mode and peer ancestry. The mode is resolved
// once per connection; changing it affects new connections only.
type Gate struct {
	modeFn   func() Mode
	selfPID  int
	allowed  map[int]bool
	resolver AncestryResolver
	peerPID  PeerPIDFunc
	maxDepth int
	log      zerolog.Logger
}

type GateOption func(*Gate)

func WithResolver(r AncestryResolver) GateOption {
	return func(g *Gate) { g.resolver = r }
}

func WithPeerPID(fn PeerPIDFunc) GateOption {
	return func(g *Gate) { g.peerPID = fn }
}

func WithSelfPID(pid int) GateOption {
	return func(g *Gate) { g.selfPID = pid }
}

// WithAllowedRoots allow-lists extra ancestor pids beyond the application's
// own.
func WithAllowedRoots(pids ...int) GateOption {
	return func(g *Gate) {
		for _, pid := range pids {
			g.allowed[pid] = true
		}
	}
}

func WithMaxDepth(depth int) GateOption {
	return func(g *Gate) { g.maxDepth = depth }
}

func WithGateLogger(log zerolog.Logger) GateOption {
	return func(g *Gate) { g.log = log }
}

// NewGate builds a gate. modeFn is consulted once per Check call so
// configuration changes take effect for new connections without restarting
// the listener.
func NewGate(modeFn func() Mode, opts ...GateOption) *Gate {
	g := &Gate{
		modeFn:   modeFn,
		selfPID:  os.Getpid(),
		allowed:  map[int]bool{},
		resolver: osResolver{},
		peerPID:  peerPID,
		maxDepth: 32,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether the connection is accepted, returning the peer pid
// when it was resolved. On rejection it returns ErrDenied (wrapped) and logs
// the rejecting mode and peer pid; callers must close the connection without
// writing any bytes.
func (g *Gate) Check(conn *net.UnixConn) (int, error) {
	mode := g.modeFn()
	switch mode {
	case ModeAllowAll:
		return 0, nil
	case ModeOff:
		g.log.Info().Str("mode", string(mode)).Msg("control socket disabled; connection rejected")
		return 0, fmt.Errorf("%w: socket access mode is off", ErrDenied)
	}

	pid, err := g.peerPID(conn)
	if err != nil {
		g.log.Warn().Err(err).Str("mode", string(mode)).Msg("peer credentials unavailable; connection rejected")
		return 0, fmt.Errorf("%w: peer credentials unavailable: %v", ErrDenied, err)
	}
	if g.descendsFromSelf(pid) {
		return pid, nil
	}
	g.log.Info().Str("mode", string(mode)).Int("peer_pid", pid).Msg("peer outside process tree; connection rejected")
	return pid, fmt.Errorf("%w: pid %d is not a descendant of pid %d", ErrDenied, pid, g.selfPID)
}

// descendsFromSelf walks the ancestor chain up to maxDepth, accepting iff
// the application's pid (or an allow-listed root) appears.
func (g *Gate) descendsFromSelf(pid int) bool {
	for depth := 0; depth < g.maxDepth; depth++ {
		if pid == g.selfPID || g.allowed[pid] {
			return true
		}
		if pid <= 1 {
			return false
		}
		parent, err := g.resolver.ParentPID(pid)
		if err != nil {
			return false
		}
		if parent == pid {
			return false
		}
		pid = parent
	}
	return false
}
