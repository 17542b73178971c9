// Package session persists FixSession snapshots (spec.md §3, §6): one row
// per session id, overwritten on every status transition, following the
// teacher's dual SQL/in-memory StateStore split (orchestration/workflow_state.go).
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/wardnb/autonomous-dev-team/core"
)

// Store is the persistence contract the Dispatcher and engine use to save
// and load FixSession snapshots.
type Store interface {
	Save(ctx context.Context, sess *core.FixSession) error
	Get(ctx context.Context, id string) (*core.FixSession, error)
	List(ctx context.Context) ([]*core.FixSession, error)
	ListByStatus(ctx context.Context, statuses ...core.Status) ([]*core.FixSession, error)
}

// SQLStore implements Store against the shared SQLite database (spec.md §6
// `sessions` table).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-migrated *sql.DB.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Save(ctx context.Context, sess *core.FixSession) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session %s: %w", sess.ID, err)
	}

	var completedAt interface{}
	if sess.CompletedAt != nil {
		completedAt = sess.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, json_blob, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			json_blob = excluded.json_blob,
			status = excluded.status,
			completed_at = excluded.completed_at
	`, sess.ID, string(blob), string(sess.Status), sess.StartedAt.UTC(), completedAt)
	if err != nil {
		return fmt.Errorf("saving session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*core.FixSession, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT json_blob FROM sessions WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	var sess core.FixSession
	if err := json.Unmarshal([]byte(blob), &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLStore) List(ctx context.Context) ([]*core.FixSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json_blob FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...core.Status) ([]*core.FixSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := fmt.Sprintf(`SELECT json_blob FROM sessions WHERE status IN (%s) ORDER BY started_at ASC`, joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]*core.FixSession, error) {
	var out []*core.FixSession
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		var sess core.FixSession
		if err := json.Unmarshal([]byte(blob), &sess); err != nil {
			return nil, fmt.Errorf("unmarshaling session row: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}

var _ Store = (*SQLStore)(nil)

// InMemoryStore is a map-backed Store used by dispatcher/engine unit tests,
// mirroring the teacher's InMemoryStateStore.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.FixSession
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.FixSession)}
}

func (s *InMemoryStore) Save(ctx context.Context, sess *core.FixSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (*core.FixSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	cp := *sess
	return &cp, nil
}

func (s *InMemoryStore) List(ctx context.Context) ([]*core.FixSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.FixSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *InMemoryStore) ListByStatus(ctx context.Context, statuses ...core.Status) ([]*core.FixSession, error) {
	want := make(map[core.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	all, _ := s.List(ctx)
	out := all[:0]
	for _, sess := range all {
		if want[sess.Status] {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
