package core

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// IssueInput is the loose shape the Issue Source delivers (spec.md §6): a
// structured message whose fields are equivalent to Issue, but whose
// severity/category arrive as arbitrary-case strings and whose steps may
// arrive as a single newline-delimited or numbered block rather than an
// already-split sequence.
type IssueInput struct {
	Title       string
	Description string
	Severity    string
	Category    string
	Reporter    string
	Steps       string // newline-delimited, optionally numbered/bulleted
	Expected    string
	Actual      string
}

var stepLinePrefix = regexp.MustCompile(`^\s*(?:[-*•]|\(?\d+[.)])\s*`)

// ParseSteps normalizes a free-text steps-to-reproduce block into an
// ordered sequence of strings (spec.md §6): splits on newlines, strips
// leading numbering ("1.", "2)", "-", "*"), and drops blank lines.
func ParseSteps(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = stepLinePrefix.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ParseIssueInput converts a loosely-shaped IssueInput into an Issue ready
// for id assignment and validation. Severity/category coercion and title
// defaulting are delegated to NormalizeIssue so both ingestion paths share
// one rule (spec.md §3 invariant).
func ParseIssueInput(in IssueInput) Issue {
	return NormalizeIssue(Issue{
		Title:            in.Title,
		Description:      in.Description,
		Severity:         Severity(in.Severity),
		Category:         Category(in.Category),
		Reporter:         in.Reporter,
		StepsToReproduce: ParseSteps(in.Steps),
		Expected:         in.Expected,
		Actual:           in.Actual,
	})
}

var issueValidator = validator.New()

// ValidateIssue runs go-playground/validator/v10 struct-tag validation
// against a fully-coerced, id-assigned Issue (spec.md §3 EXPANSION:
// coercion happens first, struct-tag validation catches what's left, such
// as an empty id).
func ValidateIssue(issue Issue) error {
	return issueValidator.Struct(issue)
}
