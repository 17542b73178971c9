// Package safety implements the three safety gates from spec.md §4.8:
// CostTracker, RateLimiter and ApprovalGate.
package safety

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/llm"
)

// Notifier is the minimal surface CostTracker needs to send its one-time
// 80%-of-budget warning (spec.md §4.8).
type Notifier interface {
	NotifyWarning(ctx context.Context, message string) error
}

// CostTracker enforces the daily LLM spend budget (spec.md §4.8),
// persisting per-day totals in the `daily_cost` table and every call in
// `api_usage` so UsageRecord sums reconcile with FixSession.AccumulatedCost
// (spec.md §8 cost-accounting round-trip property).
type CostTracker struct {
	db       *sql.DB
	limit    float64
	prices   map[string]llm.ModelPrice
	notifier Notifier
	clock    core.Clock
	logger   core.Logger

	mu sync.Mutex // serializes the today-total read-modify-write across sessions
}

// NewCostTracker builds a tracker against the shared database.
func NewCostTracker(db *sql.DB, dailyLimit float64, prices map[string]llm.ModelPrice, notifier Notifier, logger core.Logger) *CostTracker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CostTracker{
		db: db, limit: dailyLimit, prices: prices, notifier: notifier,
		clock: core.RealClock{}, logger: logger,
	}
}

func (c *CostTracker) today() string {
	return c.clock.Now().UTC().Format("2006-01-02")
}

// CanProceed reports whether today's spend plus estimated would stay
// strictly under the daily limit (spec.md §4.8, §4.3 precondition): at
// exactly 100% of budget there is nothing left to spend, so the call must
// be blocked rather than admitted.
func (c *CostTracker) CanProceed(ctx context.Context, estimated float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	today, err := c.todayCostLocked(ctx)
	if err != nil {
		return false, err
	}
	return today+estimated < c.limit, nil
}

// TodayCost returns today's running total.
func (c *CostTracker) TodayCost(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.todayCostLocked(ctx)
}

func (c *CostTracker) todayCostLocked(ctx context.Context) (float64, error) {
	var total float64
	err := c.db.QueryRowContext(ctx, `SELECT total_cost FROM daily_cost WHERE day = ?`, c.today()).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading today's cost: %w", err)
	}
	return total, nil
}

// Remaining returns the daily budget left for today.
func (c *CostTracker) Remaining(ctx context.Context) (float64, error) {
	today, err := c.TodayCost(ctx)
	if err != nil {
		return 0, err
	}
	remaining := c.limit - today
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RecordUsage prices one LLM call against the configured table, appends a
// UsageRecord, updates today's running total, and fires the one-time 80%
// warning the first time today's spend crosses that threshold (spec.md
// §4.8).
func (c *CostTracker) RecordUsage(ctx context.Context, model string, input, output int, sessionID, operation string) (float64, error) {
	cost, err := llm.EstimateCost(c.prices, model, llm.Usage{PromptTokens: input, CompletionTokens: output})
	if err != nil {
		return 0, fmt.Errorf("estimating cost: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	before, err := c.todayCostLocked(ctx)
	if err != nil {
		return 0, err
	}
	after := before + cost

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_usage (id, ts, date, model, input_tokens, output_tokens, cost, session_id, operation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), c.clock.Now().UTC(), c.today(), model, input, output, cost, sessionID, operation); err != nil {
		return 0, fmt.Errorf("inserting usage record: %w", err)
	}

	var warned int
	err = tx.QueryRowContext(ctx, `SELECT warned_80pct FROM daily_cost WHERE day = ?`, c.today()).Scan(&warned)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("reading warned flag: %w", err)
	}
	crossedWarnThreshold := warned == 0 && c.limit > 0 && after >= 0.8*c.limit

	newWarned := warned
	if crossedWarnThreshold {
		newWarned = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_cost (day, total_cost, warned_80pct) VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET total_cost = excluded.total_cost, warned_80pct = excluded.warned_80pct
	`, c.today(), after, newWarned); err != nil {
		return 0, fmt.Errorf("updating daily cost: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing usage: %w", err)
	}

	if crossedWarnThreshold && c.notifier != nil {
		msg := fmt.Sprintf("daily LLM spend crossed 80%% of budget: $%.2f of $%.2f", after, c.limit)
		if err := c.notifier.NotifyWarning(ctx, msg); err != nil {
			c.logger.Warn("cost warning notification failed", map[string]interface{}{"error": err.Error()})
		}
	}

	return cost, nil
}
