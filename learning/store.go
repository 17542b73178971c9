// Package learning implements the learning store (spec.md §4.7): failure
// recording, asynchronous LLM-driven lesson derivation, relevant-lesson
// lookup with an LRU cache, outcome bookkeeping, and pruning.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/llm"
)

// Store is the learning subsystem's SQL-backed implementation.
type Store struct {
	db     *sql.DB
	client llm.Client
	logger core.Logger
	clock  core.Clock

	cacheMu  sync.Mutex
	cache    *lru.Cache[string, cacheEntry]
	cacheTTL time.Duration
}

type cacheEntry struct {
	lessons   []*core.Lesson
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(l core.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the store's clock (tests).
func WithClock(c core.Clock) Option { return func(s *Store) { s.clock = c } }

// WithCacheTTL overrides the relevant-lessons cache TTL (default 1 minute).
func WithCacheTTL(d time.Duration) Option { return func(s *Store) { s.cacheTTL = d } }

// NewStore wraps an already-migrated *sql.DB. client is used for
// AnalyzeAndLearn's LLM call; it may be nil if analysis is disabled.
func NewStore(db *sql.DB, client llm.Client, opts ...Option) *Store {
	cache, _ := lru.New[string, cacheEntry](64)
	s := &Store{
		db:       db,
		client:   client,
		logger:   &core.NoOpLogger{},
		clock:    core.RealClock{},
		cache:    cache,
		cacheTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordFailure inserts a Failure row and returns its id (spec.md §4.7).
func (s *Store) RecordFailure(ctx context.Context, sessionID string, stage core.Stage, errMsg string, category core.Category, title string, files []string, strategy *core.FixStrategy, failCtx map[string]interface{}) (string, error) {
	id := uuid.NewString()

	filesJSON, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("marshaling files: %w", err)
	}

	var strategyJSON, ctxJSON interface{}
	if strategy != nil {
		b, err := json.Marshal(strategy)
		if err != nil {
			return "", fmt.Errorf("marshaling strategy snapshot: %w", err)
		}
		strategyJSON = string(b)
	}
	if failCtx != nil {
		b, err := json.Marshal(failCtx)
		if err != nil {
			return "", fmt.Errorf("marshaling context: %w", err)
		}
		ctxJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failures (id, session_id, ts, stage, error, category, title, files, strategy_snapshot, context, analyzed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, id, sessionID, s.clock.Now().UTC(), string(stage), errMsg, string(category), title, string(filesJSON), strategyJSON, ctxJSON)
	if err != nil {
		return "", fmt.Errorf("recording failure: %w", err)
	}

	s.logger.Warn("failure recorded", map[string]interface{}{
		"failure_id": id, "session_id": sessionID, "stage": string(stage),
	})
	return id, nil
}

// failureRow mirrors one unanalyzed failure read back for analysis.
type failureRow struct {
	ID       string
	Category core.Category
	Title    string
	Error    string
	Files    []string
	Strategy *core.FixStrategy
}

// AnalyzeAndLearn is the asynchronous task triggered after any failure
// (spec.md §4.7): for each unanalyzed failure belonging to sessionID, ask
// the LLM for {failure_type, root_cause, lesson, prevention_rule} and
// create-or-coalesce a Lesson, deduplicating on exact prevention_rule.
// Never awaited by the retry loop (spec.md §5); callers should invoke it
// with `go store.AnalyzeAndLearn(ctx, sessionID)`.
func (s *Store) AnalyzeAndLearn(ctx context.Context, sessionID string) {
	if s.client == nil {
		return
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, title, error, files, strategy_snapshot
		FROM failures WHERE session_id = ? AND analyzed = 0
	`, sessionID)
	if err != nil {
		s.logger.Error("analyze_and_learn: querying unanalyzed failures", map[string]interface{}{"error": err.Error()})
		return
	}
	var pending []failureRow
	for rows.Next() {
		var fr failureRow
		var filesJSON string
		var strategyJSON sql.NullString
		if err := rows.Scan(&fr.ID, &fr.Category, &fr.Title, &fr.Error, &filesJSON, &strategyJSON); err != nil {
			rows.Close()
			s.logger.Error("analyze_and_learn: scanning failure row", map[string]interface{}{"error": err.Error()})
			return
		}
		_ = json.Unmarshal([]byte(filesJSON), &fr.Files)
		if strategyJSON.Valid {
			var strat core.FixStrategy
			if err := json.Unmarshal([]byte(strategyJSON.String), &strat); err == nil {
				fr.Strategy = &strat
			}
		}
		pending = append(pending, fr)
	}
	rows.Close()

	for _, fr := range pending {
		s.analyzeOne(ctx, sessionID, fr)
	}
}

type analysisResult struct {
	FailureType    string `json:"failure_type"`
	RootCause      string `json:"root_cause"`
	Lesson         string `json:"lesson"`
	PreventionRule string `json:"prevention_rule"`
}

func (s *Store) analyzeOne(ctx context.Context, sessionID string, fr failureRow) {
	prompt := fmt.Sprintf(
		"A code-repair attempt failed. Title: %q. Error: %s. Category: %s. Analyze the root cause and produce a short, reusable prevention rule.\nRespond as JSON: {\"failure_type\":...,\"root_cause\":...,\"lesson\":...,\"prevention_rule\":...}",
		fr.Title, fr.Error, fr.Category,
	)

	resp, err := s.client.Generate(ctx, llm.Request{
		SystemPrompt: "You analyze code-repair failures and produce prevention rules for future attempts.",
		Prompt:       prompt,
		MaxTokens:    1024,
	})
	if err != nil {
		s.logger.Error("analyze_and_learn: llm call failed", map[string]interface{}{"failure_id": fr.ID, "error": err.Error()})
		return
	}

	obj, err := llm.ExtractJSON(resp.Content)
	if err != nil {
		s.logger.Error("analyze_and_learn: extracting json", map[string]interface{}{"failure_id": fr.ID, "error": err.Error()})
		return
	}
	var result analysisResult
	if err := json.Unmarshal(obj, &result); err != nil {
		s.logger.Error("analyze_and_learn: unmarshaling analysis", map[string]interface{}{"failure_id": fr.ID, "error": err.Error()})
		return
	}
	if result.PreventionRule == "" {
		return
	}

	if err := s.createOrCoalesceLesson(ctx, fr.ID, result); err != nil {
		s.logger.Error("analyze_and_learn: persisting lesson", map[string]interface{}{"failure_id": fr.ID, "error": err.Error()})
		return
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE failures SET analyzed = 1 WHERE id = ?`, fr.ID); err != nil {
		s.logger.Error("analyze_and_learn: marking failure analyzed", map[string]interface{}{"failure_id": fr.ID, "error": err.Error()})
	}

	s.invalidateCache()
}

// createOrCoalesceLesson dedups by exact prevention_rule text (spec.md §3
// Lesson invariant, case- and whitespace-sensitive per spec.md §9).
func (s *Store) createOrCoalesceLesson(ctx context.Context, failureID string, result analysisResult) error {
	var existingID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM lessons WHERE prevention_rule = ?`, result.PreventionRule).Scan(&existingID)
	if err == nil {
		return nil // already have this lesson; leave counters untouched
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking for existing lesson: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lessons (id, failure_id, created_at, failure_type, root_cause, lesson, prevention_rule, times_applied, success_count, failure_count, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 1)
	`, id, failureID, s.clock.Now().UTC(), result.FailureType, result.RootCause, result.Lesson, result.PreventionRule)
	if err != nil {
		return fmt.Errorf("inserting lesson: %w", err)
	}
	return nil
}

// GetRelevantLessons returns up to limit active lessons matching category
// and affected files (via their originating failure), ordered by success
// rate (Laplace-smoothed) desc, times_applied desc, recency desc (spec.md
// §4.7). Results are cached for cacheTTL keyed by category.
func (s *Store) GetRelevantLessons(ctx context.Context, category core.Category, files []string, limit int) ([]*core.Lesson, error) {
	cacheKey := string(category)
	if cached, ok := s.fromCache(cacheKey); ok {
		return capLessons(cached, limit), nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.failure_id, l.created_at, l.failure_type, l.root_cause, l.lesson,
		       l.prevention_rule, l.times_applied, l.success_count, l.failure_count, l.active,
		       f.category, f.files
		FROM lessons l
		LEFT JOIN failures f ON l.failure_id = f.id
		WHERE l.active = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("querying lessons: %w", err)
	}
	defer rows.Close()

	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[f] = true
	}

	var candidates []*core.Lesson
	for rows.Next() {
		var l core.Lesson
		var failureID, failureCategory, failureFiles sql.NullString
		var active int
		if err := rows.Scan(&l.ID, &failureID, &l.CreatedAt, &l.FailureType, &l.RootCause, &l.LessonText,
			&l.PreventionRule, &l.TimesApplied, &l.SuccessCount, &l.FailureCount, &active,
			&failureCategory, &failureFiles); err != nil {
			return nil, fmt.Errorf("scanning lesson row: %w", err)
		}
		l.Active = active != 0
		if failureID.Valid {
			l.FailureID = failureID.String
		}

		matches := !failureID.Valid // manually-seeded lessons apply universally
		if failureCategory.Valid && core.Category(failureCategory.String) == category {
			matches = true
		}
		if failureFiles.Valid {
			var ff []string
			_ = json.Unmarshal([]byte(failureFiles.String), &ff)
			for _, f := range ff {
				if fileSet[f] {
					matches = true
					break
				}
			}
		}
		if matches {
			candidates = append(candidates, &l)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SuccessRate() != candidates[j].SuccessRate() {
			return candidates[i].SuccessRate() > candidates[j].SuccessRate()
		}
		if candidates[i].TimesApplied != candidates[j].TimesApplied {
			return candidates[i].TimesApplied > candidates[j].TimesApplied
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})

	s.toCache(cacheKey, candidates)
	return capLessons(candidates, limit), nil
}

func capLessons(lessons []*core.Lesson, limit int) []*core.Lesson {
	if limit <= 0 || limit >= len(lessons) {
		return lessons
	}
	return lessons[:limit]
}

func (s *Store) fromCache(key string) ([]*core.Lesson, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok || s.clock.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.lessons, true
}

func (s *Store) toCache(key string, lessons []*core.Lesson) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Add(key, cacheEntry{lessons: lessons, expiresAt: s.clock.Now().Add(s.cacheTTL)})
}

func (s *Store) invalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Purge()
}

// RecordLessonApplication increments times_applied for each applied lesson
// and records the application row (spec.md §4.7).
func (s *Store) RecordLessonApplication(ctx context.Context, lessonIDs []string, sessionID string) error {
	if len(lessonIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	for _, lessonID := range lessonIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE lessons SET times_applied = times_applied + 1 WHERE id = ?`, lessonID); err != nil {
			return fmt.Errorf("incrementing times_applied for %s: %w", lessonID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lesson_applications (lesson_id, session_id, applied_at, outcome)
			VALUES (?, ?, ?, NULL)
			ON CONFLICT(lesson_id, session_id) DO NOTHING
		`, lessonID, sessionID, s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("recording lesson application %s: %w", lessonID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lesson applications: %w", err)
	}
	s.invalidateCache()
	return nil
}

// RecordOutcome updates success_count/failure_count on every lesson applied
// to sessionID (spec.md §4.2 "whenever a session terminates").
func (s *Store) RecordOutcome(ctx context.Context, sessionID string, success bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT lesson_id FROM lesson_applications WHERE session_id = ? AND outcome IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("querying lesson applications: %w", err)
	}
	var lessonIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning lesson application row: %w", err)
		}
		lessonIDs = append(lessonIDs, id)
	}
	rows.Close()

	if len(lessonIDs) == 0 {
		return nil
	}

	outcome := "failure"
	column := "failure_count"
	if success {
		outcome = "success"
		column = "success_count"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	for _, lessonID := range lessonIDs {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE lessons SET %s = %s + 1 WHERE id = ?`, column, column), lessonID); err != nil {
			return fmt.Errorf("updating %s for lesson %s: %w", column, lessonID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lesson_applications SET outcome = ? WHERE lesson_id = ? AND session_id = ?`, outcome, lessonID, sessionID); err != nil {
			return fmt.Errorf("marking application outcome for %s: %w", lessonID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing outcome update: %w", err)
	}
	s.invalidateCache()
	return nil
}

// Prune deactivates lessons with enough data and a poor success ratio
// (spec.md §4.7, defaults minApplications=5, minSuccessRate=0.3).
func (s *Store) Prune(ctx context.Context, minApplications int, minSuccessRate float64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, success_count, failure_count FROM lessons WHERE active = 1`)
	if err != nil {
		return 0, fmt.Errorf("querying lessons for prune: %w", err)
	}
	type row struct {
		id                         string
		successCount, failureCount int
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.successCount, &r.failureCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning lesson for prune: %w", err)
		}
		candidates = append(candidates, r)
	}
	rows.Close()

	pruned := 0
	for _, r := range candidates {
		total := r.successCount + r.failureCount
		if total < minApplications {
			continue
		}
		rate := float64(r.successCount+1) / float64(total+2)
		if rate >= minSuccessRate {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE lessons SET active = 0 WHERE id = ?`, r.id); err != nil {
			return pruned, fmt.Errorf("deactivating lesson %s: %w", r.id, err)
		}
		pruned++
	}
	if pruned > 0 {
		s.invalidateCache()
	}
	return pruned, nil
}
