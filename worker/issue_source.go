package worker

import (
	"context"
	"sync"

	"github.com/wardnb/autonomous-dev-team/core"
)

// IssueSource is the external tester-persona collaborator:
// it produces bug reports and can be asked to re-run a specific persona so
// the validate stage can check whether a fix actually resolved the
// original issue.
type IssueSource interface {
	// Rerun re-executes persona (or every persona when persona is empty)
	// and returns whatever issues it reports this time around.
	Rerun(ctx context.Context, persona string) ([]core.Issue, error)
}

// FakeIssueSource is a scriptable IssueSource for engine/dispatcher tests.
type FakeIssueSource struct {
	mu sync.Mutex

	// ByPersona, when set, returns these issues for a Rerun(persona) call.
	// Rerun("") (no known persona) returns the union of every entry.
	ByPersona map[string][]core.Issue
}

func (f *FakeIssueSource) Rerun(ctx context.Context, persona string) ([]core.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if persona != "" {
		return f.ByPersona[persona], nil
	}
	var all []core.Issue
	for _, issues := range f.ByPersona {
		all = append(all, issues...)
	}
	return all, nil
}

var _ IssueSource = (*FakeIssueSource)(nil)
