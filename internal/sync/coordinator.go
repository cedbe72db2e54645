package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/event"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/state"
)

// DefaultStopTimeout bounds how long Stop waits for the workers.
const DefaultStopTimeout = 10 * time.Second

// ConnectorFactory builds connectors by calendar id. Check reports
// configuration errors without contacting the provider.
type ConnectorFactory interface {
	Check(id uuid.UUID) error
	New(ctx context.Context, id uuid.UUID) (calendar.Connector, error)
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Logger *slog.Logger
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// WorkerOptions are passed to every worker.
	WorkerOptions []Option
	// After, when set, holds back every worker's first pass until it is
	// closed. Pass the Done channel of a previous coordinator for the same
	// pairs so that its unfinished passes never overlap with new ones.
	After <-chan struct{}
}

// Coordinator runs one Worker per pair and persists their states whenever a
// worker completes a pass.
type Coordinator struct {
	store   state.Store
	factory ConnectorFactory
	opts    CoordinatorOptions
	logger  *slog.Logger

	mu      gosync.Mutex
	pairs   []pairEntry
	cancel  context.CancelFunc
	workers gosync.WaitGroup
	saver   chan struct{}
	done    chan struct{}

	saves  chan struct{}
	saveMu gosync.Mutex
}

// pairEntry is a configured pair and its worker, if one could be built.
type pairEntry struct {
	state  state.State
	worker *Worker
	err    error
}

// NewCoordinator creates a coordinator that saves to store.
func NewCoordinator(store state.Store, factory ConnectorFactory, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Coordinator{
		store:   store,
		factory: factory,
		opts:    opts,
		logger:  opts.Logger,
		saves:   make(chan struct{}, 1),
	}
}

// Start builds a worker for every state and runs them until Stop is called or
// ctx is cancelled. A pair whose calendars are misconfigured is logged and
// skipped; its state is still part of every snapshot.
func (c *Coordinator) Start(ctx context.Context, states []state.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return errors.New("coordinator already started")
	}

	c.pairs = c.buildPairs(states)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.saver = make(chan struct{})
	go c.saveLoop(runCtx, c.saver)

	if c.opts.After != nil {
		select {
		case <-c.opts.After:
		default:
			c.logger.Warn("Waiting for the previous workers to finish before the first pass")
		}
	}

	started := 0
	for _, p := range c.pairs {
		if p.worker == nil {
			continue
		}
		started++
		c.workers.Add(1)
		go func(w *Worker) {
			defer c.workers.Done()
			if !c.waitAfter(runCtx) {
				return
			}
			w.Run(runCtx)
		}(p.worker)
	}

	c.done = make(chan struct{})
	go func(done chan struct{}, after <-chan struct{}) {
		c.workers.Wait()
		// Workers stopped while holding back still wait for their predecessors.
		if after != nil {
			<-after
		}
		close(done)
	}(c.done, c.opts.After)

	c.logger.Info("Coordinator started", "pairs", len(c.pairs), "workers", started)
	return nil
}

// Stop stops all workers, waits for them up to the stop timeout and saves the
// final states.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel, saver, done := c.cancel, c.saver, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("Timed out waiting for workers to stop, they finish in the background", "timeout", c.opts.StopTimeout)
	}
	<-saver

	if err := c.Save(context.Background()); err != nil {
		return err
	}
	c.logger.Info("Coordinator stopped")
	return nil
}

// Done returns a channel that is closed once every worker started by Start
// has returned and the After channel, if any, is closed. It is closed right
// away when the coordinator never started.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.done
}

// SyncNow wakes every idle or backing-off worker.
func (c *Coordinator) SyncNow() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.pairs {
		if p.worker != nil {
			p.worker.SyncNow()
		}
	}
}

// Snapshot returns the current state of every pair, in configuration order.
func (c *Coordinator) Snapshot() []state.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	states := make([]state.State, 0, len(c.pairs))
	for _, p := range c.pairs {
		if p.worker != nil {
			states = append(states, p.worker.State())
		} else {
			states = append(states, p.state)
		}
	}
	return states
}

// Statuses returns the scheduling state of every pair by pair id. Pairs
// without a worker are reported as stopped.
func (c *Coordinator) Statuses() map[string]Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Status, len(c.pairs))
	for _, p := range c.pairs {
		if p.worker != nil {
			out[p.state.PairID()] = p.worker.Status()
		} else {
			out[p.state.PairID()] = StatusStopped
		}
	}
	return out
}

// Save writes a snapshot of all states to the store.
func (c *Coordinator) Save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	states := c.Snapshot()
	if err := c.store.Save(ctx, states); err != nil {
		return fmt.Errorf("failed to save synchronization states: %w", err)
	}
	c.logger.Debug("Saved synchronization states", "pairs", len(states))
	return nil
}

// RunOnce runs a single pass for every pair concurrently, saves the states
// and returns the joined errors of the pairs that failed.
func (c *Coordinator) RunOnce(ctx context.Context, states []state.State) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.pairs = c.buildPairs(states)
	pairs := c.pairs
	c.mu.Unlock()

	var (
		wg   gosync.WaitGroup
		mu   gosync.Mutex
		errs []error
	)
	for _, p := range pairs {
		if p.worker == nil {
			errs = append(errs, fmt.Errorf("pair %s: %w", p.state.PairID(), p.err))
			continue
		}
		wg.Add(1)
		go func(p pairEntry) {
			defer wg.Done()
			if err := p.worker.RunOnce(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("pair %s: %w", p.state.PairID(), err))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if err := c.Save(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) buildPairs(states []state.State) []pairEntry {
	pairs := make([]pairEntry, 0, len(states))
	for _, st := range states {
		w, err := c.newWorker(st)
		if err != nil {
			c.logger.Error("Pair not started",
				logging.KeyPair, st.PairID(),
				logging.KeyError, err,
			)
		}
		pairs = append(pairs, pairEntry{state: st, worker: w, err: err})
	}
	return pairs
}

// newWorker checks the pair's configuration and creates its worker. The
// connectors are built on the first pass so that an unreachable provider
// backs off like any other failed pass.
func (c *Coordinator) newWorker(st state.State) (*Worker, error) {
	if err := c.factory.Check(st.SourceID); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := c.factory.Check(st.DestinationID); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	src := &lazyConnector{id: st.SourceID, factory: c.factory}
	dst := &lazyConnector{id: st.DestinationID, factory: c.factory}

	opts := append([]Option{WithLogger(c.logger)}, c.opts.WorkerOptions...)
	return NewWorker(st, src, dst, c.saves, opts...), nil
}

// waitAfter blocks until the After channel is closed. It reports false when
// ctx is done first.
func (c *Coordinator) waitAfter(ctx context.Context) bool {
	if c.opts.After == nil {
		return true
	}
	select {
	case <-c.opts.After:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) saveLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.saves:
			if err := c.Save(ctx); err != nil {
				c.logger.Error("Failed to persist synchronization states", logging.KeyError, err)
			}
		}
	}
}

// lazyConnector builds its connector on first use and keeps it once built.
// It is used by a single worker goroutine.
type lazyConnector struct {
	id      uuid.UUID
	factory ConnectorFactory
	conn    calendar.Connector
}

func (l *lazyConnector) get(ctx context.Context) (calendar.Connector, error) {
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.factory.New(ctx, l.id)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to calendar %s: %w", l.id, err)
	}
	l.conn = conn
	return conn, nil
}

func (l *lazyConnector) FetchEvents(ctx context.Context, start, end time.Time) ([]*event.Event, error) {
	conn, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return conn.FetchEvents(ctx, start, end)
}

func (l *lazyConnector) ApplyDirtyEvents(ctx context.Context, events []*event.Event) error {
	conn, err := l.get(ctx)
	if err != nil {
		return err
	}
	return conn.ApplyDirtyEvents(ctx, events)
}
