package access

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAncestry is a canned process tree: child -> parent.
type fakeAncestry map[int]int

func (f fakeAncestry) ParentPID(pid int) (int, error) {
	parent, ok := f[pid]
	if !ok {
		return 0, fmt.Errorf("no such pid: %d", pid)
	}
	return parent, nil
}

func staticPeer(pid int) PeerPIDFunc {
	return func(*net.UnixConn) (int, error) { return pid, nil }
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeCmuxOnly},
		{in: "off", want: ModeOff},
		{in: "cmuxOnly", want: ModeCmuxOnly},
		{in: "cmuxonly", want: ModeCmuxOnly},
		{in: "scopedToSelf", want: ModeCmuxOnly},
		{in: "allowAll", want: ModeAllowAll},
		{in: "ALLOWALL", want: ModeAllowAll},
		{in: "open", wantErr: true},
		{in: "on", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseMode(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "ParseMode(%q)", tc.in)
			continue
		}
		require.NoError(t, err, "ParseMode(%q)", tc.in)
		assert.Equal(t, tc.want, got, "ParseMode(%q)", tc.in)
	}
}

func TestModeOffRejectsEverything(t *testing.T) {
	gate := NewGate(func() Mode { return ModeOff },
		WithSelfPID(100),
		WithPeerPID(staticPeer(100)), // even the app itself
	)
	_, err := gate.Check(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestModeAllowAllAcceptsWithoutCredentials(t *testing.T) {
	gate := NewGate(func() Mode { return ModeAllowAll },
		WithPeerPID(func(*net.UnixConn) (int, error) {
			t.Fatal("allowAll must not read peer credentials")
			return 0, nil
		}),
	)
	_, err := gate.Check(nil)
	require.NoError(t, err)
}

func TestCmuxOnlyAcceptsDescendant(t *testing.T) {
	// app(100) -> shell(200) -> script(300)
	tree := fakeAncestry{300: 200, 200: 100, 100: 1}
	gate := NewGate(func() Mode { return ModeCmuxOnly },
		WithSelfPID(100),
		WithResolver(tree),
		WithPeerPID(staticPeer(300)),
	)
	pid, err := gate.Check(nil)
	require.NoError(t, err)
	assert.Equal(t, 300, pid)
}

func TestCmuxOnlyRejectsForeignProcess(t *testing.T) {
	// sshd(50) -> shell(500); the app (100) is nowhere in the chain.
	tree := fakeAncestry{500: 50, 50: 1}
	gate := NewGate(func() Mode { return ModeCmuxOnly },
		WithSelfPID(100),
		WithResolver(tree),
		WithPeerPID(staticPeer(500)),
	)
	pid, err := gate.Check(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, 500, pid)
}

func TestCmuxOnlyBoundedWalkDepth(t *testing.T) {
	// A chain deeper than maxDepth never reaches the app pid.
	tree := fakeAncestry{}
	for pid := 1000; pid > 900; pid-- {
		tree[pid] = pid - 1
	}
	tree[900] = 100
	tree[100] = 1
	gate := NewGate(func() Mode { return ModeCmuxOnly },
		WithSelfPID(100),
		WithResolver(tree),
		WithPeerPID(staticPeer(1000)),
		WithMaxDepth(5),
	)
	_, err := gate.Check(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestCmuxOnlyAllowListedRoot(t *testing.T) {
	tree := fakeAncestry{700: 600, 600: 1}
	gate := NewGate(func() Mode { return ModeCmuxOnly },
		WithSelfPID(100),
		WithResolver(tree),
		WithPeerPID(staticPeer(700)),
		WithAllowedRoots(600),
	)
	_, err := gate.Check(nil)
	require.NoError(t, err)
}

func TestCmuxOnlyRejectsWhenCredentialsUnavailable(t *testing.T) {
	gate := NewGate(func() Mode { return ModeCmuxOnly },
		WithSelfPID(100),
		WithPeerPID(func(*net.UnixConn) (int, error) {
			return 0, errors.New("getsockopt failed")
		}),
	)
	_, err := gate.Check(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestModeResolvedPerCheck(t *testing.T) {
	mode := ModeOff
	gate := NewGate(func() Mode { return mode }, WithPeerPID(staticPeer(1)))

	_, err := gate.Check(nil)
	assert.ErrorIs(t, err, ErrDenied)
	mode = ModeAllowAll
	_, err = gate.Check(nil)
	assert.NoError(t, err)
}
