// Package dispatcher implements spec.md §4.1: it accepts issues from the
// Issue Source, enqueues one FixSession per issue, runs a bounded number
// of them concurrently through the Fix-Session Engine, and exposes the
// operator control surface (pause/resume/cancel/retry/list/queue depth).
//
// Grounded on the teacher's background worker pool
// (orchestration/task_worker.go's TaskWorkerPool: queue + bounded
// concurrent workers + lifecycle cancel/wait) and its dual state-store
// split (orchestration/workflow_state.go), rebuilt against this domain's
// session.Store/engine.Engine rather than the teacher's generic
// core.TaskQueue/core.TaskStore, since nothing else in this repository
// routes work across peer agents.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/engine"
	"github.com/wardnb/autonomous-dev-team/session"
	"github.com/wardnb/autonomous-dev-team/telemetry"
)

// pauseCheckInterval bounds how quickly the dispatch loop notices a Resume
// call; pausing is an operator-rate action, not a hot path.
const pauseCheckInterval = 200 * time.Millisecond

// softStallBackoff is how long the dispatcher waits before re-attempting a
// session that stalled on a budget or rate-limit soft stall (spec.md §7).
const softStallBackoff = 30 * time.Second

// Dispatcher owns the issue queue and the bounded pool of concurrently
// running Fix-Session coroutines (spec.md §4.1, §5).
type Dispatcher struct {
	cfg    *core.Config
	engine *engine.Engine
	store  session.Store
	waiter *engine.ApprovalWaiter
	logger core.Logger
	clock  core.Clock
	metrics *telemetry.Metrics

	queue chan string
	sem   chan struct{}

	paused atomic.Bool

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
}

// Deps collects the Dispatcher's collaborators.
type Deps struct {
	Engine         *engine.Engine
	Sessions       session.Store
	ApprovalWaiter *engine.ApprovalWaiter
	Logger         core.Logger
	Clock          core.Clock
	Metrics        *telemetry.Metrics
}

// New builds a Dispatcher. The queue is a channel of 10000 session ids
// (enqueue drops and logs an id when it is full); concurrency is capped by
// cfg.MaxConcurrentFixes.
func New(cfg *core.Config, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Clock == nil {
		deps.Clock = core.RealClock{}
	}
	n := cfg.MaxConcurrentFixes
	if n <= 0 {
		n = core.DefaultMaxConcurrentFix
	}
	return &Dispatcher{
		cfg:     cfg,
		engine:  deps.Engine,
		store:   deps.Sessions,
		waiter:  deps.ApprovalWaiter,
		logger:  deps.Logger,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		queue:   make(chan string, 10000),
		sem:     make(chan struct{}, n),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start begins the dispatch loop. It returns once the loop goroutine has
// been spawned; call Stop (or cancel ctx) to shut down, which waits for
// in-flight sessions to reach a safe point.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop()
}

// Stop signals the dispatch loop to stop pulling new sessions and waits
// for in-flight sessions to finish (or be cancelled by the caller first).
func (d *Dispatcher) Stop() {
	if d.runCancel != nil {
		d.runCancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case id := <-d.queue:
			d.waitUntilResumed()
			select {
			case <-d.runCtx.Done():
				return
			case d.sem <- struct{}{}:
			}
			d.wg.Add(1)
			go func(sessionID string) {
				defer d.wg.Done()
				defer func() { <-d.sem }()
				d.runSession(sessionID)
			}(id)
		}
	}
}

func (d *Dispatcher) waitUntilResumed() {
	for d.paused.Load() {
		select {
		case <-d.runCtx.Done():
			return
		case <-time.After(pauseCheckInterval):
		}
	}
}

// Pause prevents new sessions from starting; in-flight sessions continue
// (spec.md §4.1).
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume allows the dispatch loop to start pulling sessions again.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports the current pause state.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Submit normalizes and validates a loosely-shaped issue report, creates a
// queued FixSession, persists it, and enqueues it for processing (spec.md
// §4.1, §6). Returns the new session id.
func (d *Dispatcher) Submit(ctx context.Context, in core.IssueInput) (string, error) {
	issue := core.ParseIssueInput(in)
	issue.ID = uuid.NewString()
	if err := core.ValidateIssue(issue); err != nil {
		return "", fmt.Errorf("validating issue: %w", err)
	}

	sess := &core.FixSession{
		ID:        uuid.NewString(),
		Issue:     issue,
		Status:    core.StatusQueued,
		StartedAt: d.clock.Now(),
		ThreadID:  uuid.NewString(),
	}
	if err := d.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("saving new session: %w", err)
	}
	if d.metrics != nil {
		d.metrics.SessionsStarted.WithLabelValues(issue.Reporter).Inc()
	}
	d.enqueue(sess.ID)
	return sess.ID, nil
}

func (d *Dispatcher) enqueue(id string) {
	select {
	case d.queue <- id:
	default:
		// queue sized generously for any realistic backlog; a full queue
		// here means the backlog has grown unboundedly, which is an
		// operator-visible condition, not one this call should block on.
		d.logger.Warn("dispatcher queue full, dropping enqueue", map[string]interface{}{"session_id": id})
	}
}

func (d *Dispatcher) runSession(id string) {
	sess, err := d.store.Get(d.runCtx, id)
	if err != nil {
		d.logger.Error("dispatcher: loading session to run", map[string]interface{}{"session_id": id, "error": err.Error()})
		return
	}
	if sess.Status.IsTerminal() {
		return
	}

	sessCtx, cancel := context.WithCancel(d.runCtx)
	d.mu.Lock()
	d.cancels[id] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, id)
		d.mu.Unlock()
		cancel()
	}()

	if d.metrics != nil {
		d.metrics.ActiveSessions.Inc()
		defer d.metrics.ActiveSessions.Dec()
	}

	if d.cfg.FixTimeoutMinutes > 0 {
		var fixCancel context.CancelFunc
		sessCtx, fixCancel = context.WithTimeout(sessCtx, time.Duration(d.cfg.FixTimeoutMinutes)*time.Minute)
		defer fixCancel()
	}

	runErr := d.engine.Run(sessCtx, sess)
	if runErr == nil {
		if d.metrics != nil {
			d.metrics.SessionsCompleted.WithLabelValues(string(sess.Status)).Inc()
		}
		return
	}

	if core.IsSoftStall(runErr) {
		d.logger.Info("dispatcher: soft stall, retrying later", map[string]interface{}{"session_id": id, "error": runErr.Error()})
		time.AfterFunc(softStallBackoff, func() { d.enqueue(id) })
		return
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(d.runCtx.Err(), context.Canceled) {
		if !sess.Status.IsTerminal() {
			if terr := sess.Transition(core.StatusBlocked, d.clock); terr == nil {
				_ = d.store.Save(d.runCtx, sess)
			}
		}
		if d.metrics != nil {
			d.metrics.SessionsCompleted.WithLabelValues(string(sess.Status)).Inc()
		}
		return
	}

	d.logger.Error("dispatcher: session run returned an unhandled error", map[string]interface{}{"session_id": id, "error": runErr.Error()})
}

// Cancel transitions a non-terminal session to blocked at the next safe
// point (spec.md §4.1, §5): if the session is currently running, its
// context is cancelled so the engine's Run loop exits at its next stage
// boundary; if it is still queued, it is blocked immediately.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	d.mu.Lock()
	cancel, running := d.cancels[id]
	d.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	sess, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	if err := sess.Transition(core.StatusBlocked, d.clock); err != nil {
		return err
	}
	return d.store.Save(ctx, sess)
}

// Retry resets a session in {failed, blocked, rolled_back} and re-enqueues
// it (spec.md §4.1). Historical Failure rows are untouched.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	sess, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != core.StatusFailed && sess.Status != core.StatusBlocked && sess.Status != core.StatusRolledBack {
		return fmt.Errorf("%w: session %s is %s, not retryable", core.ErrSessionNotTerminal, id, sess.Status)
	}
	sess.ResetForRetry()
	if err := d.store.Save(ctx, sess); err != nil {
		return err
	}
	d.enqueue(id)
	return nil
}

// Approve delivers an operator approval to a session waiting in
// awaiting_approval.
func (d *Dispatcher) Approve(id string) error {
	return d.waiter.Resolve(id, engine.VerdictApproved)
}

// Reject delivers an operator rejection to a session waiting in
// awaiting_approval.
func (d *Dispatcher) Reject(id string) error {
	return d.waiter.Resolve(id, engine.VerdictRejected)
}

// ListSessions returns every known session, newest first.
func (d *Dispatcher) ListSessions(ctx context.Context) ([]*core.FixSession, error) {
	return d.store.List(ctx)
}

// GetSession returns one session's current snapshot.
func (d *Dispatcher) GetSession(ctx context.Context, id string) (*core.FixSession, error) {
	return d.store.Get(ctx, id)
}

// QueueDepth reports how many sessions are waiting to be dequeued (does
// not include sessions already running).
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// RunningCount reports how many sessions are currently past queued.
func (d *Dispatcher) RunningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}
