package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardnb/autonomous-dev-team/core"
)

// ErrCircuitOpen is returned by Execute when the breaker is open and
// rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is one of closed/open/half-open.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error should count against the
// breaker's error budget. Context cancellation and caller-side mistakes
// (e.g. a malformed issue) should not trip a breaker guarding a healthy
// downstream adapter.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except context cancellation.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Config configures a CircuitBreaker guarding one worker-adapter operation
// (an LLM call, a CI poll, a deploy, ...).
type Config struct {
	Name             string
	ErrorThreshold   float64       // error rate (0..1) that opens the circuit
	VolumeThreshold  int           // minimum samples before the rate is evaluated
	SleepWindow      time.Duration // how long to stay open before probing
	HalfOpenRequests int           // probes allowed while half-open
	SuccessThreshold float64       // success rate among probes needed to close
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

// DefaultConfig returns sane defaults for a remote dependency call.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      6,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker wraps calls to a single worker-adapter operation, tripping
// open after a sustained error rate and self-probing back to closed.
type CircuitBreaker struct {
	config *Config
	window *slidingWindow

	state          atomic.Int32
	stateChangedAt atomic.Value // time.Time

	halfOpenInFlight  atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32

	mu sync.Mutex
}

// NewCircuitBreaker builds a breaker from config, filling in defaults for
// a zero WindowSize, BucketCount, HalfOpenRequests, SuccessThreshold,
// ErrorClassifier or Logger and for an ErrorThreshold outside (0,1].
// VolumeThreshold and SleepWindow are used as given.
func NewCircuitBreaker(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("unnamed")
	}
	if config.Name == "" {
		return nil, fmt.Errorf("%w: circuit breaker name is required", core.ErrInvalidConfiguration)
	}
	if config.ErrorThreshold <= 0 || config.ErrorThreshold > 1 {
		config.ErrorThreshold = 0.5
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 6
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 3
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}

	cb := &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// State reports the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Execute runs fn under the breaker's protection, rejecting immediately
// with ErrCircuitOpen when the breaker is tripped.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return fmt.Errorf("circuit breaker %q: %w", cb.config.Name, ErrCircuitOpen)
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if time.Since(cb.changedAt()) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight.Store(0)
			cb.halfOpenSuccesses.Store(0)
			cb.halfOpenFailures.Store(0)
		} else {
			return false
		}
		fallthrough
	case StateHalfOpen:
		return cb.halfOpenInFlight.Add(1) <= int32(cb.config.HalfOpenRequests)
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	counts := cb.config.ErrorClassifier(err)

	switch cb.State() {
	case StateHalfOpen:
		if counts {
			cb.halfOpenFailures.Add(1)
		} else {
			cb.halfOpenSuccesses.Add(1)
		}
		total := cb.halfOpenSuccesses.Load() + cb.halfOpenFailures.Load()
		if total < int32(cb.config.HalfOpenRequests) {
			return
		}
		rate := float64(cb.halfOpenSuccesses.Load()) / float64(total)
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if rate >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
			cb.window.reset()
		} else {
			cb.transition(StateOpen)
		}
	default:
		if counts {
			cb.window.recordFailure()
		} else {
			cb.window.recordSuccess()
		}
		total := cb.window.total()
		if total < uint64(cb.config.VolumeThreshold) {
			return
		}
		if cb.window.errorRate() >= cb.config.ErrorThreshold {
			cb.mu.Lock()
			if cb.State() == StateClosed {
				cb.transition(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.State()
	if from == to {
		return
	}
	cb.state.Store(int32(to))
	cb.stateChangedAt.Store(time.Now())
	cb.config.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}

func (cb *CircuitBreaker) changedAt() time.Time {
	return cb.stateChangedAt.Load().(time.Time)
}

// slidingWindow tracks success/failure counts over a rolling set of
// time buckets so old activity ages out without a background goroutine.
type slidingWindow struct {
	mu          sync.Mutex
	bucketSpan  time.Duration
	buckets     []bucket
	lastRotated time.Time
}

type bucket struct {
	successes uint64
	failures  uint64
}

func newSlidingWindow(windowSize time.Duration, count int) *slidingWindow {
	if count < 1 {
		count = 1
	}
	return &slidingWindow{
		bucketSpan:  windowSize / time.Duration(count),
		buckets:     make([]bucket, count),
		lastRotated: time.Now(),
	}
}

func (sw *slidingWindow) rotate() {
	elapsed := time.Since(sw.lastRotated)
	if sw.bucketSpan <= 0 {
		return
	}
	shifts := int(elapsed / sw.bucketSpan)
	if shifts <= 0 {
		return
	}
	if shifts >= len(sw.buckets) {
		for i := range sw.buckets {
			sw.buckets[i] = bucket{}
		}
	} else {
		sw.buckets = append(sw.buckets[shifts:], make([]bucket, shifts)...)
	}
	sw.lastRotated = time.Now()
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[len(sw.buckets)-1].successes++
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	sw.buckets[len(sw.buckets)-1].failures++
}

func (sw *slidingWindow) total() uint64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	var total uint64
	for _, b := range sw.buckets {
		total += b.successes + b.failures
	}
	return total
}

func (sw *slidingWindow) errorRate() float64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	var successes, failures uint64
	for _, b := range sw.buckets {
		successes += b.successes
		failures += b.failures
	}
	if successes+failures == 0 {
		return 0
	}
	return float64(failures) / float64(successes+failures)
}

func (sw *slidingWindow) reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.buckets {
		sw.buckets[i] = bucket{}
	}
	sw.lastRotated = time.Now()
}
