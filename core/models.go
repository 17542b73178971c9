package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity is one of the four enumerated issue severities (spec.md §3).
// Unknown values are coerced to SeverityMedium by NormalizeIssue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category is one of the enumerated issue categories (spec.md §3). Unknown
// values are coerced to CategoryBug by NormalizeIssue.
type Category string

const (
	CategoryUX             Category = "ux"
	CategoryPerformance    Category = "performance"
	CategoryBug            Category = "bug"
	CategorySecurity       Category = "security"
	CategoryAccessibility  Category = "accessibility"
	CategoryAuthentication Category = "authentication"
	CategoryDatabase       Category = "database"
	CategoryOther          Category = "other"
)

// SensitiveCategories always force approval regardless of the LLM's answer
// (spec.md §4.2 strategize, §4.8 ApprovalGate).
var SensitiveCategories = map[Category]bool{
	CategorySecurity:       true,
	CategoryAuthentication: true,
	CategoryDatabase:       true,
}

// Issue is the normalized bug report ingested from the Issue Source. It is
// immutable once accepted (spec.md §3).
type Issue struct {
	ID                string    `json:"id" validate:"required"`
	Title             string    `json:"title" validate:"required"`
	Description       string    `json:"description"`
	Severity          Severity  `json:"severity"`
	Category          Category  `json:"category"`
	Reporter          string    `json:"reporter"`
	StepsToReproduce  []string  `json:"steps_to_reproduce"`
	Expected          string    `json:"expected,omitempty"`
	Actual            string    `json:"actual,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

var validSeverities = map[Severity]bool{
	SeverityLow: true, SeverityMedium: true, SeverityHigh: true, SeverityCritical: true,
}

var validCategories = map[Category]bool{
	CategoryUX: true, CategoryPerformance: true, CategoryBug: true, CategorySecurity: true,
	CategoryAccessibility: true, CategoryAuthentication: true, CategoryDatabase: true, CategoryOther: true,
}

// NormalizeIssue lowercases and coerces severity/category to the
// enumerations in spec.md §3, defaults an empty title, and returns the
// issue ready for struct-tag validation.
func NormalizeIssue(issue Issue) Issue {
	if strings.TrimSpace(issue.Title) == "" {
		issue.Title = "Unknown Issue"
	}

	sev := Severity(strings.ToLower(strings.TrimSpace(string(issue.Severity))))
	if !validSeverities[sev] {
		sev = SeverityMedium
	}
	issue.Severity = sev

	cat := Category(strings.ToLower(strings.TrimSpace(string(issue.Category))))
	if !validCategories[cat] {
		cat = CategoryBug
	}
	issue.Category = cat

	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}

	return issue
}

// StepKind tags a FixStrategy step variant (spec.md §3).
type StepKind string

const (
	StepEditFile StepKind = "edit_file"
	StepAddTest  StepKind = "add_test"
)

// FixStep is one tagged-variant step of a FixStrategy.
type FixStep struct {
	Kind        StepKind `json:"kind"`
	File        string   `json:"file"`
	OldCode     string   `json:"old_code,omitempty"`
	NewCode     string   `json:"new_code,omitempty"`
	Description string   `json:"description,omitempty"`
	Code        string   `json:"code,omitempty"` // add_test body
}

// Complexity is the LLM's self-reported estimate of fix difficulty.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// FixStrategy is the strategize stage's output (spec.md §3).
type FixStrategy struct {
	Complexity       Complexity `json:"complexity"`
	Description      string     `json:"description"`
	FilesAffected    []string   `json:"files_affected"`
	RequiresApproval bool       `json:"requires_approval"`
	Steps            []FixStep  `json:"steps"`
	RollbackPlan     string     `json:"rollback_plan,omitempty"`
}

// EditSteps returns only the edit_file steps, in order.
func (s *FixStrategy) EditSteps() []FixStep {
	var out []FixStep
	for _, step := range s.Steps {
		if step.Kind == StepEditFile {
			out = append(out, step)
		}
	}
	return out
}

// Validate enforces the spec.md §3 invariant: a strategy must contain at
// least one edit_file step.
func (s *FixStrategy) Validate() error {
	if len(s.EditSteps()) == 0 {
		return fmt.Errorf("%w", ErrStrategyIncomplete)
	}
	return nil
}

// Status is a FixSession's position in the §4.2 state machine.
type Status string

const (
	StatusQueued             Status = "queued"
	StatusAnalyzing          Status = "analyzing"
	StatusStrategizing       Status = "strategizing"
	StatusAwaitingApproval   Status = "awaiting_approval"
	StatusImplementing       Status = "implementing"
	StatusTesting            Status = "testing"
	StatusDeploying          Status = "deploying"
	StatusValidating         Status = "validating"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusRolledBack         Status = "rolled_back"
	StatusBlocked            Status = "blocked"
)

// terminalStatuses are the states where CompletedAt must be set.
var terminalStatuses = map[Status]bool{
	StatusCompleted: true, StatusFailed: true, StatusRolledBack: true, StatusBlocked: true,
}

// IsTerminal reports whether s is one of the four terminal states.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// legalTransitions enumerates the §4.2 state machine's edges. strategize,
// awaiting_approval, implement and test form a retryable cycle (strategize
// may repeat; implement/test loop back to strategize on failure with
// retries remaining).
var legalTransitions = map[Status][]Status{
	StatusQueued:           {StatusAnalyzing, StatusBlocked},
	StatusAnalyzing:        {StatusStrategizing, StatusFailed, StatusBlocked},
	StatusStrategizing:     {StatusAwaitingApproval, StatusImplementing, StatusFailed, StatusBlocked},
	StatusAwaitingApproval: {StatusImplementing, StatusBlocked},
	StatusImplementing:     {StatusTesting, StatusStrategizing, StatusFailed, StatusBlocked},
	StatusTesting:          {StatusDeploying, StatusValidating, StatusStrategizing, StatusFailed, StatusBlocked},
	StatusDeploying:        {StatusValidating, StatusFailed, StatusBlocked},
	StatusValidating:       {StatusCompleted, StatusRolledBack, StatusBlocked},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusRolledBack:       {},
	StatusBlocked:          {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FixSession is one mutable fix attempt, persisted on every transition
// (spec.md §3). Owned exclusively by its running engine coroutine; all
// other observers see read-only snapshots (copies).
type FixSession struct {
	ID               string     `json:"id"`
	Issue            Issue      `json:"issue"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ThreadID         string     `json:"thread_id,omitempty"`
	Strategy         *FixStrategy `json:"strategy,omitempty"`
	BranchName       string     `json:"branch_name,omitempty"`
	PRURL            string     `json:"pr_url,omitempty"`
	PRNumber         int        `json:"pr_number,omitempty"`
	FilesModified    []string   `json:"files_modified,omitempty"`
	CommitHash       string     `json:"commit_hash,omitempty"`
	ValidationPassed *bool      `json:"validation_passed,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CIAttempts       int        `json:"ci_attempts"`
	CIPassed         *bool      `json:"ci_passed,omitempty"`
	CIFailures       []string   `json:"ci_failures,omitempty"`
	TokensUsed       int        `json:"tokens_used"`
	AccumulatedCost  float64    `json:"accumulated_cost"`
	AppliedLessonIDs []string   `json:"applied_lesson_ids,omitempty"`
}

// Transition moves the session to a new status, enforcing the state-machine
// graph and the CompletedAt invariant.
func (s *FixSession) Transition(to Status, clock Clock) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.IsTerminal() {
		now := clock.Now()
		s.CompletedAt = &now
	}
	return nil
}

// AddFilesModified grows the files-modified set (implement stage only;
// spec.md §3 invariant: it only grows while implementing).
func (s *FixSession) AddFilesModified(files ...string) {
	seen := make(map[string]bool, len(s.FilesModified))
	for _, f := range s.FilesModified {
		seen[f] = true
	}
	for _, f := range files {
		if !seen[f] {
			s.FilesModified = append(s.FilesModified, f)
			seen[f] = true
		}
	}
}

// ClearFilesModified empties the files-modified set (rollback only).
func (s *FixSession) ClearFilesModified() {
	s.FilesModified = nil
}

// ResetForRetry clears the mutable fields the Dispatcher's retry operation
// resets (spec.md §4.1): error, files-modified, applied-lesson-ids.
func (s *FixSession) ResetForRetry() {
	s.ErrorMessage = ""
	s.FilesModified = nil
	s.AppliedLessonIDs = nil
	s.CompletedAt = nil
	s.Status = StatusQueued
}

// Stage names a point in the pipeline where a Failure can be recorded
// (spec.md §3).
type Stage string

const (
	StageClassify   Stage = "classify"
	StageAnalyze    Stage = "analyze"
	StageStrategize Stage = "strategize"
	StageImplement  Stage = "implement"
	StageTest       Stage = "test"
	StageCIPoll     Stage = "ci_poll"
	StageCIRepair   Stage = "ci_repair"
	StageDeploy     Stage = "deploy"
	StageValidate   Stage = "validate"
	StageException  Stage = "exception"
)

// Failure is recorded whenever any stage produces a reportable error
// (spec.md §3).
type Failure struct {
	ID               string                 `json:"id"`
	SessionID        string                 `json:"session_id"`
	Timestamp        time.Time              `json:"timestamp"`
	Stage            Stage                  `json:"stage"`
	Error            string                 `json:"error"`
	Category         Category               `json:"category"`
	Title            string                 `json:"title"`
	FilesInvolved    []string               `json:"files_involved,omitempty"`
	StrategySnapshot *FixStrategy           `json:"strategy_snapshot,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	Analyzed         bool                   `json:"analyzed"`
}

// Lesson is derived from a Failure via LLM analysis (spec.md §3).
type Lesson struct {
	ID             string    `json:"id"`
	FailureID      string    `json:"failure_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FailureType    string    `json:"failure_type"`
	RootCause      string    `json:"root_cause"`
	LessonText     string    `json:"lesson"`
	PreventionRule string    `json:"prevention_rule"`
	TimesApplied   int       `json:"times_applied"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	Active         bool      `json:"active"`
}

// SuccessRate applies Laplace smoothing: an unapplied lesson is treated as
// 0.5 rather than 0 or undefined (spec.md §4.7 get_relevant_lessons).
func (l *Lesson) SuccessRate() float64 {
	return float64(l.SuccessCount+1) / float64(l.SuccessCount+l.FailureCount+2)
}

// UsageRecord is one row per LLM call (spec.md §3), append-only.
type UsageRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Date             string    `json:"date"` // YYYY-MM-DD, for daily cost aggregation
	Model            string    `json:"model"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	Cost             float64   `json:"cost"`
	SessionID        string    `json:"session_id"`
	Operation        string    `json:"operation"`
}

// FailureType classifies a CI check failure (spec.md §4.2 ci_repair_loop).
type FailureType string

const (
	FailureTypeBlack   FailureType = "black"
	FailureTypeFlake8  FailureType = "flake8"
	FailureTypeLint    FailureType = "lint"
	FailureTypeTest    FailureType = "test"
	FailureTypeBuild   FailureType = "build"
	FailureTypeUnknown FailureType = "unknown"
)

// CIFailure is one parsed CI check failure (spec.md §4.2 step 3).
type CIFailure struct {
	CheckName    string      `json:"check_name"`
	FailureType  FailureType `json:"failure_type"`
	ErrorMessage string      `json:"error_message"`
	FilePath     string      `json:"file_path,omitempty"`
	LineNumber   int         `json:"line_number,omitempty"`
	RawLog       string      `json:"raw_log,omitempty"`
}

// CheckConclusion is a single CI check's terminal outcome (spec.md §6).
type CheckConclusion string

const (
	ConclusionSuccess   CheckConclusion = "success"
	ConclusionFailure   CheckConclusion = "failure"
	ConclusionCancelled CheckConclusion = "cancelled"
	ConclusionTimedOut  CheckConclusion = "timed_out"
	ConclusionNeutral   CheckConclusion = "neutral"
)

// CheckRunStatus is a single CI check's lifecycle status (spec.md §6).
type CheckRunStatus string

const (
	CheckStatusCompleted  CheckRunStatus = "completed"
	CheckStatusInProgress CheckRunStatus = "in_progress"
	CheckStatusQueued     CheckRunStatus = "queued"
	CheckStatusPending    CheckRunStatus = "pending"
)

// Check is one CI check run.
type Check struct {
	Name       string          `json:"name"`
	Status     CheckRunStatus  `json:"status"`
	Conclusion CheckConclusion `json:"conclusion,omitempty"`
}

// Overall is the aggregate status across a PR's checks (spec.md §4.2 step 1).
type Overall string

const (
	OverallSuccess Overall = "success"
	OverallFailure Overall = "failure"
	OverallPending Overall = "pending"
)

// CheckStatus is the result of VCSGateway.PollChecks.
type CheckStatus struct {
	Overall   Overall `json:"overall"`
	PerCheck  []Check `json:"per_check"`
}

// DeriveOverall computes the aggregate status from per-check states
// (spec.md §4.2 step 1): any failure -> failure; any running/pending with
// no failures -> pending; else success.
func DeriveOverall(checks []Check) Overall {
	anyPending := false
	for _, c := range checks {
		if c.Status != CheckStatusCompleted {
			anyPending = true
			continue
		}
		if c.Conclusion == ConclusionFailure || c.Conclusion == ConclusionTimedOut || c.Conclusion == ConclusionCancelled {
			return OverallFailure
		}
	}
	if anyPending {
		return OverallPending
	}
	return OverallSuccess
}
