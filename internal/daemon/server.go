// Package daemon hosts the control socket: it accepts connections, gates
// them by access mode and peer ancestry, and dispatches exactly one
// JSON-line request per connection against the entity directory.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cmux-sh/cmux/internal/access"
	"github.com/cmux-sh/cmux/internal/config"
	"github.com/cmux-sh/cmux/internal/db"
	"github.com/cmux-sh/cmux/internal/directory"
	"github.com/cmux-sh/cmux/internal/protocol"
)

type Server struct {
	cfg         config.Config
	dir         *directory.Directory
	gate        *access.Gate
	store       *db.Store
	log         zerolog.Logger
	methods     map[string]handlerFunc
	listener    net.Listener
	lockFile    *os.File
	mu          sync.Mutex
	wg          sync.WaitGroup
	shutdown    sync.Once
	shutdownErr error
}

type ServerOption func(*Server)

func WithGate(gate *access.Gate) ServerOption {
	return func(s *Server) { s.gate = gate }
}

// WithStore attaches the optional audit store. The server runs fine
// without one.
func WithStore(store *db.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

func WithLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

func NewServer(cfg config.Config, dir *directory.Directory, opts ...ServerOption) *Server {
	s := &Server{
		cfg: cfg,
		dir: dir,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.gate == nil {
		s.gate = access.NewGate(s.resolveMode, access.WithMaxDepth(cfg.AncestryDepth), access.WithGateLogger(s.log))
	}
	s.buildMethods()
	return s
}

// resolveMode reads the access mode for a new connection. The environment
// override is consulted first and is the only way to select allowAll;
// persisted settings asking for allowAll are clamped so a weaker posture is
// never persisted by accident.
func (s *Server) resolveMode() access.Mode {
	if env := os.Getenv(config.EnvSocketMode); env != "" {
		mode, err := access.ParseMode(env)
		if err == nil {
			return mode
		}
		s.log.Warn().Str("value", env).Msg("invalid socket mode in environment; using default")
		return access.ModeCmuxOnly
	}
	mode, err := access.ParseMode(s.cfg.SocketMode)
	if err != nil {
		s.log.Warn().Str("value", s.cfg.SocketMode).Msg("invalid configured socket mode; using default")
		return access.ModeCmuxOnly
	}
	if mode == access.ModeAllowAll {
		s.log.Warn().Msg("allowAll is only honored from the environment; falling back to cmuxOnly")
		return access.ModeCmuxOnly
	}
	return mode
}

// Start binds the socket and serves until ctx is canceled. A stale socket
// left by a crashed instance is detected by a failing probe connect and
// replaced; a live socket means another instance owns the path.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if err := s.clearStaleSocket(); err != nil {
		s.releaseLock() //nolint:errcheck
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("path", s.cfg.SocketPath).Msg("control socket listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) clearStaleSocket() error {
	st, err := os.Lstat(s.cfg.SocketPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
	}
	probe, err := net.DialTimeout("unix", s.cfg.SocketPath, s.cfg.ConnectTimeout)
	if err == nil {
		probe.Close() //nolint:errcheck
		return fmt.Errorf("another instance is already serving %s", s.cfg.SocketPath)
	}
	s.log.Info().Str("path", s.cfg.SocketPath).Msg("removing stale socket from previous instance")
	if err := os.Remove(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	s.lockFile = f
	return nil
}

func (s *Server) releaseLock() error {
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// handleConn serves exactly one request: gate, read one line, dispatch,
// write one line, close. Every failure is recovered here; nothing from a
// single connection may take down the accept loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close() //nolint:errcheck
	start := time.Now()

	peerPID := 0
	if unixConn, ok := conn.(*net.UnixConn); ok {
		pid, err := s.gate.Check(unixConn)
		peerPID = pid
		if err != nil {
			// Silent close: no protocol handshake exists for
			// unauthenticated peers.
			s.audit(protocol.Request{}, protocol.Fail(nil, protocol.Errorf(protocol.ErrAccessDenied, "")), peerPID, start)
			return
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		s.log.Warn().Err(err).Msg("set read deadline")
		return
	}

	reader := bufio.NewReaderSize(conn, 4096)
	writer := bufio.NewWriter(conn)

	line, err := protocol.ReadLine(reader)
	if err != nil {
		resp := protocol.Fail(nil, protocol.Errorf(protocol.ErrMalformedRequest, "read request: %v", err))
		if isTimeout(err) {
			resp = protocol.Fail(nil, protocol.Errorf(protocol.ErrTimeout, "no complete request within %s", s.cfg.ReadTimeout))
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if werr := protocol.WriteResponse(writer, resp); werr != nil {
			s.log.Debug().Err(werr).Msg("write error response")
		}
		s.audit(protocol.Request{}, resp, peerPID, start)
		return
	}

	req, perr := protocol.ParseRequest(line)
	var resp protocol.Response
	if perr != nil {
		resp = protocol.Fail(nil, perr)
	} else {
		resp = s.dispatch(ctx, req)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := protocol.WriteResponse(writer, resp); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
	s.audit(req, resp, peerPID, start)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// audit records the handled request in the optional store, best effort.
func (s *Server) audit(req protocol.Request, resp protocol.Response, peerPID int, start time.Time) {
	event := s.log.Debug().Str("method", req.Method).Bool("ok", resp.OK).Int("peer_pid", peerPID)
	if resp.Err != nil {
		event = event.Str("error_kind", string(resp.Err.Kind))
	}
	event.Msg("request handled")

	if s.store == nil {
		return
	}
	ev := db.ControlEvent{
		RequestID: fmt.Sprint(req.ID),
		Method:    req.Method,
		OK:        resp.OK,
		PeerPID:   peerPID,
		Duration:  time.Since(start),
	}
	if resp.Err != nil {
		ev.ErrorKind = string(resp.Err.Kind)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.RecordEvent(ctx, ev); err != nil {
			s.log.Debug().Err(err).Msg("audit record failed")
		}
	}()
}
