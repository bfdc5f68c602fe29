package directory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cmux-sh/cmux/internal/refs"
)

var (
	// ErrTargetGone marks a mutation whose target no longer existed by the
	// time it reached the loop. Expected under concurrent user actions;
	// surfaced as a normal error, not a fault.
	ErrTargetGone = errors.New("target gone")
	// ErrNotReady marks submissions that exhausted their retry budget before
	// the loop started accepting mutations.
	ErrNotReady = errors.New("directory not ready")
	// ErrMalformedGraph marks an internal invariant violation. Fatal only to
	// the current mutation.
	ErrMalformedGraph = errors.New("malformed entity graph")
)

func errMalformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedGraph, fmt.Sprintf(format, args...))
}

// InputSink receives bytes destined for a surface. The terminal engine
// implements this in the real application; the standalone host records them.
type InputSink interface {
	WriteInput(surfaceID uuid.UUID, data []byte)
}

type submission struct {
	mutation Mutation
	reply    chan result
}

type result struct {
	outcome Outcome
	err     error
}

// Directory owns the entity graph through a single loop goroutine and hands
// out immutable snapshots to everyone else.
type Directory struct {
	ns           *refs.Namespace
	submitCh     chan submission
	snap         atomic.Pointer[Snapshot]
	started      atomic.Bool
	retryBackoff []time.Duration
	sink         InputSink
	log          zerolog.Logger
	now          func() time.Time
}

type Option func(*Directory)

func WithInputSink(sink InputSink) Option {
	return func(d *Directory) { d.sink = sink }
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

func WithRetryBackoff(backoff []time.Duration) Option {
	return func(d *Directory) { d.retryBackoff = backoff }
}

func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

func New(opts ...Option) *Directory {
	d := &Directory{
		ns:           refs.NewNamespace(),
		submitCh:     make(chan submission, 64),
		retryBackoff: []time.Duration{250 * time.Millisecond, 1 * time.Second},
		log:          zerolog.Nop(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.snap.Store(&Snapshot{})
	return d
}

// Namespace exposes the shared short-ref namespace for resolution.
func (d *Directory) Namespace() *refs.Namespace {
	return d.ns
}

// Snapshot returns the latest published snapshot. Never nil.
func (d *Directory) Snapshot() *Snapshot {
	return d.snap.Load()
}

// Start launches the loop goroutine. It returns immediately; the loop runs
// until ctx is canceled. Mutations submitted by the control plane are
// applied in submission order relative to each other.
func (d *Directory) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run(ctx)
}

func (d *Directory) run(ctx context.Context) {
	g := &graph{}
	d.snap.Store(buildSnapshot(g))
	for {
		select {
		case <-ctx.Done():
			d.started.Store(false)
			return
		case sub := <-d.submitCh:
			outcome, err := d.applyOne(g, sub.mutation)
			d.snap.Store(buildSnapshot(g))
			sub.reply <- result{outcome: outcome, err: err}
		}
	}
}

func (d *Directory) applyOne(g *graph, m Mutation) (Outcome, error) {
	outcome, err := m.apply(d, g)
	if err != nil {
		if errors.Is(err, ErrMalformedGraph) {
			d.log.Error().Err(err).Type("mutation", m).Msg("entity graph invariant violation")
		}
		return Outcome{}, err
	}
	if err := checkGraph(g); err != nil {
		d.log.Error().Err(err).Type("mutation", m).Msg("mutation left graph malformed")
		return Outcome{}, err
	}
	return outcome, nil
}

// Submit enqueues a mutation for the loop and waits for its outcome. While
// the loop has not started yet (application still starting up) the
// submission is retried with bounded backoff, then fails with ErrNotReady.
func (d *Directory) Submit(ctx context.Context, m Mutation) (Outcome, error) {
	for attempt := 0; ; attempt++ {
		if d.started.Load() {
			break
		}
		if attempt >= len(d.retryBackoff) {
			return Outcome{}, ErrNotReady
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(d.retryBackoff[attempt]):
		}
	}

	sub := submission{mutation: m, reply: make(chan result, 1)}
	select {
	case d.submitCh <- sub:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case res := <-sub.reply:
		return res.outcome, res.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Seed applies the mutations needed for a freshly launched instance: one
// window with one default workspace.
func (d *Directory) Seed(ctx context.Context) (Outcome, error) {
	return d.Submit(ctx, CreateWindow{})
}
