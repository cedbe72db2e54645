// Package sync runs the synchronization passes: one Worker per calendar pair
// and a Coordinator that owns the workers and persists their state.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beekhof/calsync/internal/calendar"
	"github.com/beekhof/calsync/internal/event"
	"github.com/beekhof/calsync/internal/logging"
	"github.com/beekhof/calsync/internal/reconcile"
	"github.com/beekhof/calsync/internal/state"
)

// Backoff defaults.
const (
	DefaultBackoffBase = 150 * time.Second
	DefaultBackoffMax  = 6 * time.Hour
)

// ErrStopped is returned by RunOnce when the context was cancelled at a
// checkpoint. Nothing of the pass has been committed to the state.
var ErrStopped = errors.New("sync pass stopped")

// Status is the scheduling state of a Worker.
type Status int32

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusBackoff
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusBackoff:
		return "backoff"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// SleepFunc waits for d, until ctx is done or until wake receives a value
// (sent by SyncNow). A non-nil error stops the worker.
type SleepFunc func(ctx context.Context, d time.Duration, wake <-chan struct{}) error

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger. Pair attributes are added by the worker.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithBackoff sets the delay after the first failure and its ceiling.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(w *Worker) {
		w.backoffBase = base
		w.backoffMax = ceiling
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithSleep replaces the idle and backoff waits.
func WithSleep(sleep SleepFunc) Option {
	return func(w *Worker) {
		w.sleep = sleep
	}
}

// Worker synchronizes one calendar pair. Run drives the pass loop; State and
// Status may be called from any goroutine.
type Worker struct {
	src, dst calendar.Connector
	saves    chan<- struct{}
	wake     chan struct{}

	state  atomic.Pointer[state.State]
	status atomic.Int32

	logger      *slog.Logger
	now         func() time.Time
	sleep       SleepFunc
	backoffBase time.Duration
	backoffMax  time.Duration

	// failures is only touched by the goroutine running Run.
	failures int
}

// NewWorker creates a worker for st. After every successful pass a value is
// offered on saves without blocking; saves may be nil.
func NewWorker(st state.State, src, dst calendar.Connector, saves chan<- struct{}, opts ...Option) *Worker {
	w := &Worker{
		src:         src,
		dst:         dst,
		saves:       saves,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(
		logging.KeyPair, st.PairID(),
		logging.KeySource, st.SourceID.String(),
		logging.KeyDestination, st.DestinationID.String(),
	)
	if w.backoffMax < w.backoffBase {
		w.backoffMax = w.backoffBase
	}

	w.state.Store(&st)
	return w
}

// State returns a snapshot of the pair's state.
func (w *Worker) State() state.State {
	return *w.state.Load()
}

// Status returns the current scheduling state.
func (w *Worker) Status() Status {
	return Status(w.status.Load())
}

// SyncNow cuts the current idle or backoff wait short.
func (w *Worker) SyncNow() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled: wait until the pair is due, run a pass,
// and back off exponentially after a failed pass.
func (w *Worker) Run(ctx context.Context) {
	defer w.setStatus(StatusStopped)
	w.logger.Info("Worker started", "interval", w.State().Interval())

	for {
		w.setStatus(StatusIdle)
		if err := w.wait(ctx, w.untilDue()); err != nil {
			w.logger.Info("Worker stopped")
			return
		}

		err := w.RunOnce(ctx)
		if err == nil {
			w.failures = 0
			continue
		}
		if errors.Is(err, ErrStopped) {
			w.logger.Info("Worker stopped during a pass, results discarded")
			return
		}

		w.failures++
		delay := w.backoff(w.failures)
		w.logger.Error("Sync pass failed", logging.KeyError, err, "failures", w.failures, "retry_in", delay)

		w.setStatus(StatusBackoff)
		if err := w.wait(ctx, delay); err != nil {
			w.logger.Info("Worker stopped")
			return
		}
	}
}

// RunOnce performs a single pass: fetch both sides, reconcile, apply the
// writes the pair's direction allows (destination first), then commit the
// new bookmarks. Cancelling ctx aborts the pass at the next checkpoint with
// ErrStopped; connector calls in flight are allowed to finish.
func (w *Worker) RunOnce(ctx context.Context) error {
	w.setStatus(StatusSyncing)

	st := w.State()
	passStart := w.now()
	winStart, winEnd := st.Window(passStart)
	calls := context.WithoutCancel(ctx)

	if err := checkpoint(ctx, "start"); err != nil {
		return err
	}

	w.logger.Debug("Fetching events", "window_start", winStart, "window_end", winEnd)
	srcEvents, err := w.src.FetchEvents(calls, winStart, winEnd)
	if err != nil {
		return fmt.Errorf("failed to fetch source events: %w", err)
	}
	if err := checkpoint(ctx, "source fetch"); err != nil {
		return err
	}

	dstEvents, err := w.dst.FetchEvents(calls, winStart, winEnd)
	if err != nil {
		return fmt.Errorf("failed to fetch destination events: %w", err)
	}
	if err := checkpoint(ctx, "destination fetch"); err != nil {
		return err
	}

	result, err := reconcile.Reconcile(reconcileWindow(st), srcEvents, dstEvents)
	if err != nil {
		return fmt.Errorf("failed to reconcile: %w", err)
	}
	if err := checkpoint(ctx, "reconcile"); err != nil {
		return err
	}

	if st.Direction.WritesDestination() {
		if err := w.apply(calls, "destination", w.dst, result.Destination); err != nil {
			return err
		}
		if err := checkpoint(ctx, "destination apply"); err != nil {
			return err
		}
	}

	if st.Direction.WritesSource() {
		if err := w.apply(calls, "source", w.src, result.Source); err != nil {
			return err
		}
		if err := checkpoint(ctx, "source apply"); err != nil {
			return err
		}
	}

	next := st.Completed(passStart, winStart, winEnd)
	w.state.Store(&next)
	w.requestSave()

	w.logger.Info("Sync pass completed", "source_events", len(srcEvents), "destination_events", len(dstEvents), "duration", w.now().Sub(passStart))
	return nil
}

func (w *Worker) apply(ctx context.Context, side string, conn calendar.Connector, events []*event.Event) error {
	dirty := event.Dirty(events)
	summary := event.Summarize(dirty)
	if summary.Total() == 0 {
		w.logger.Debug("No changes", logging.KeySide, side)
		return nil
	}

	w.logger.Info("Applying changes",
		logging.KeySide, side,
		"created", summary.Created,
		"updated", summary.Updated,
		"deleted", summary.Deleted,
		"undeleted", summary.UnDeleted,
	)
	if err := conn.ApplyDirtyEvents(ctx, dirty); err != nil {
		return fmt.Errorf("failed to apply %s changes: %w", side, err)
	}
	return nil
}

func (w *Worker) requestSave() {
	if w.saves == nil {
		return
	}
	select {
	case w.saves <- struct{}{}:
	default:
		// A save is already pending and will pick up this state.
	}
}

// untilDue is the time left until the next pass. Pairs that never synced are
// due immediately.
func (w *Worker) untilDue() time.Duration {
	st := w.State()
	if st.LastSuccessfulSync == nil {
		return 0
	}
	d := st.LastSuccessfulSync.Add(st.Interval()).Sub(w.now())
	if d < 0 {
		return 0
	}
	return d
}

// backoff returns base * 2^(failures-1), capped at the ceiling.
func (w *Worker) backoff(failures int) time.Duration {
	d := w.backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= w.backoffMax || d <= 0 {
			return w.backoffMax
		}
	}
	if d > w.backoffMax {
		return w.backoffMax
	}
	return d
}

func (w *Worker) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if w.sleep != nil {
		return w.sleep(ctx, d, w.wake)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setStatus(s Status) {
	w.status.Store(int32(s))
}

func checkpoint(ctx context.Context, after string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w after %s", ErrStopped, after)
	}
	return nil
}

func reconcileWindow(st state.State) reconcile.Window {
	var w reconcile.Window
	if st.LastSuccessfulSync != nil {
		w.LastSuccessfulSync = *st.LastSuccessfulSync
	}
	if st.LastWindowEnd != nil {
		w.LastWindowEnd = *st.LastWindowEnd
	}
	return w
}
