package safety

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wardnb/autonomous-dev-team/core"
)

// ApprovalGate decides whether a strategy requires human sign-off before
// implementation (spec.md §4.8), following the same declarative-rules
// shape as the teacher's RuleBasedPolicy.ShouldApprovePlan
// (orchestration/hitl_policy.go): check sensitive conditions in order and
// return the first (or combined) reason.
type ApprovalGate struct {
	sensitiveCategories map[core.Category]bool
	sensitiveSeverities map[core.Severity]bool
	sensitivePatterns   []string
}

// NewApprovalGate builds a gate. categories/severities default to
// spec.md §4.8's list when nil; patterns are doublestar globs tested
// against each affected file (spec.md §4.13).
func NewApprovalGate(categories []core.Category, severities []core.Severity, patterns []string) *ApprovalGate {
	g := &ApprovalGate{
		sensitiveCategories: map[core.Category]bool{},
		sensitiveSeverities: map[core.Severity]bool{},
		sensitivePatterns:   patterns,
	}
	if len(categories) == 0 {
		categories = []core.Category{core.CategorySecurity, core.CategoryAuthentication, core.CategoryDatabase}
	}
	if len(severities) == 0 {
		severities = []core.Severity{core.SeverityCritical, core.SeverityHigh}
	}
	for _, c := range categories {
		g.sensitiveCategories[c] = true
	}
	for _, s := range severities {
		g.sensitiveSeverities[s] = true
	}
	return g
}

// Decision is the gate's verdict plus the reason a reviewer would read.
type Decision struct {
	NeedsApproval bool
	Reason        string
}

// Evaluate applies spec.md §4.8's rules in order, checking every rule and
// accumulating every matched reason so the Notifier's approval request is
// informative.
func (g *ApprovalGate) Evaluate(sess *core.FixSession, strategy *core.FixStrategy) Decision {
	var reasons []string

	if g.sensitiveCategories[sess.Issue.Category] {
		reasons = append(reasons, fmt.Sprintf("category %q always requires approval", sess.Issue.Category))
	}
	if g.sensitiveSeverities[sess.Issue.Severity] {
		reasons = append(reasons, fmt.Sprintf("severity %q requires approval", sess.Issue.Severity))
	}
	if strategy != nil {
		if strategy.Complexity == core.ComplexityComplex {
			reasons = append(reasons, "strategy complexity is complex")
		}
		if file, ok := g.matchesSensitiveFile(strategy.FilesAffected); ok {
			reasons = append(reasons, fmt.Sprintf("affected file %q matches a sensitive pattern", file))
		}
		if strategy.RequiresApproval {
			reasons = append(reasons, "strategy itself requested approval")
		}
	}

	if len(reasons) == 0 {
		return Decision{NeedsApproval: false}
	}
	msg := reasons[0]
	for _, r := range reasons[1:] {
		msg += "; " + r
	}
	return Decision{NeedsApproval: true, Reason: msg}
}

func (g *ApprovalGate) matchesSensitiveFile(files []string) (string, bool) {
	for _, f := range files {
		for _, pattern := range g.sensitivePatterns {
			if ok, _ := doublestar.Match(pattern, f); ok {
				return f, true
			}
		}
	}
	return "", false
}
