package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/wardnb/autonomous-dev-team/core"
)

// Notifier is the abstract outbound-notification capability (spec.md §6):
// cost warnings, approval requests, and terminal-stage summaries. A type
// satisfying just NotifyWarning also satisfies safety.Notifier, so the
// CostTracker can share any concrete Notifier built here.
type Notifier interface {
	NotifyWarning(ctx context.Context, message string) error
	NotifyApprovalRequest(ctx context.Context, sessionID string, strategy core.FixStrategy) error
	NotifySummary(ctx context.Context, sessionID string, status core.Status, message string) error
}

type notification struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Strategy  *strategyPayload `json:"strategy,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

type strategyPayload struct {
	Description   string   `json:"description"`
	FilesAffected []string `json:"files_affected"`
}

// WebhookNotifier POSTs a JSON notification to a configured URL. Best
// effort per spec.md §6: publish failures are returned to the caller (the
// CostTracker/engine log them, they never fail a stage).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier builds a notifier with a sane request timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookNotifier) post(ctx context.Context, n notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) NotifyWarning(ctx context.Context, message string) error {
	return w.post(ctx, notification{Kind: "warning", Message: message, SentAt: time.Now().UTC()})
}

func (w *WebhookNotifier) NotifyApprovalRequest(ctx context.Context, sessionID string, strategy core.FixStrategy) error {
	return w.post(ctx, notification{
		Kind:      "approval_request",
		SessionID: sessionID,
		Message:   "strategy requires operator approval",
		Strategy:  &strategyPayload{Description: strategy.Description, FilesAffected: strategy.FilesAffected},
		SentAt:    time.Now().UTC(),
	})
}

func (w *WebhookNotifier) NotifySummary(ctx context.Context, sessionID string, status core.Status, message string) error {
	return w.post(ctx, notification{
		Kind:      "summary",
		SessionID: sessionID,
		Status:    string(status),
		Message:   message,
		SentAt:    time.Now().UTC(),
	})
}

var _ Notifier = (*WebhookNotifier)(nil)

// RedisNotifier publishes JSON notifications on a go-redis/v8 pub/sub
// channel, grounded on the teacher's RedisStateStore
// (orchestration/workflow_state.go) use of go-redis/v8.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier builds a notifier publishing to channel.
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) publish(ctx context.Context, n notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return r.client.Publish(ctx, r.channel, body).Err()
}

func (r *RedisNotifier) NotifyWarning(ctx context.Context, message string) error {
	return r.publish(ctx, notification{Kind: "warning", Message: message, SentAt: time.Now().UTC()})
}

func (r *RedisNotifier) NotifyApprovalRequest(ctx context.Context, sessionID string, strategy core.FixStrategy) error {
	return r.publish(ctx, notification{
		Kind:      "approval_request",
		SessionID: sessionID,
		Message:   "strategy requires operator approval",
		Strategy:  &strategyPayload{Description: strategy.Description, FilesAffected: strategy.FilesAffected},
		SentAt:    time.Now().UTC(),
	})
}

func (r *RedisNotifier) NotifySummary(ctx context.Context, sessionID string, status core.Status, message string) error {
	return r.publish(ctx, notification{
		Kind:      "summary",
		SessionID: sessionID,
		Status:    string(status),
		Message:   message,
		SentAt:    time.Now().UTC(),
	})
}

var _ Notifier = (*RedisNotifier)(nil)

// FakeNotifier records every call for assertions in engine/dispatcher tests.
type FakeNotifier struct {
	mu        sync.Mutex
	Warnings  []string
	Approvals []string
	Summaries []string
}

func (f *FakeNotifier) NotifyWarning(ctx context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Warnings = append(f.Warnings, message)
	return nil
}

func (f *FakeNotifier) NotifyApprovalRequest(ctx context.Context, sessionID string, strategy core.FixStrategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Approvals = append(f.Approvals, sessionID)
	return nil
}

func (f *FakeNotifier) NotifySummary(ctx context.Context, sessionID string, status core.Status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Summaries = append(f.Summaries, fmt.Sprintf("%s:%s:%s", sessionID, status, message))
	return nil
}

var _ Notifier = (*FakeNotifier)(nil)
