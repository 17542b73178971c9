// Package similarity implements the validate stage's issue-matching test
// (spec.md §4.6) and the heuristic file-reference extraction used by
// analyze/strategize (spec.md §4.2, §6, §9).
package similarity

import (
	"regexp"
	"strings"

	"github.com/wardnb/autonomous-dev-team/core"
)

// DefaultThreshold is the Jaccard title-similarity cutoff (spec.md §4.6).
const DefaultThreshold = 0.5

// SameIssue reports whether two issues are "the same" per spec.md §4.6:
// Jaccard similarity of their title token sets exceeds the threshold, or
// either description is a case-insensitive substring of the other.
func SameIssue(a, b core.Issue, threshold float64) bool {
	if jaccard(tokenize(a.Title), tokenize(b.Title)) > threshold {
		return true
	}
	return descriptionContains(a.Description, b.Description)
}

func tokenize(title string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f != "" {
			set[f] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func descriptionContains(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}

// PathPattern is one language/shape-specific file-reference regex (spec.md
// §9: "treat as a pluggable set of path regexes keyed by language; do not
// hard-code the source's set").
type PathPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultPathPatterns recognizes common source, template and API-endpoint
// path shapes referenced from free-text issue descriptions.
var DefaultPathPatterns = []PathPattern{
	{Name: "go", Pattern: regexp.MustCompile(`\b[\w./-]+\.go\b`)},
	{Name: "python", Pattern: regexp.MustCompile(`\b[\w./-]+\.py\b`)},
	{Name: "javascript", Pattern: regexp.MustCompile(`\b[\w./-]+\.(?:js|jsx|ts|tsx)\b`)},
	{Name: "template", Pattern: regexp.MustCompile(`\b[\w./-]+\.(?:html|tmpl|jinja2?)\b`)},
	{Name: "style", Pattern: regexp.MustCompile(`\b[\w./-]+\.(?:css|scss)\b`)},
	{Name: "config", Pattern: regexp.MustCompile(`\b[\w./-]+\.(?:yaml|yml|json|toml)\b`)},
	{Name: "api_endpoint", Pattern: regexp.MustCompile(`\b(?:GET|POST|PUT|PATCH|DELETE)\s+(/[\w/{}:-]+)`)},
}

// ExtractFileReferences runs every pattern against text and returns the
// unique, ordered set of matches (spec.md §6 inbound-issue parsing,
// §4.2 analyze's "files heuristically identified from the Issue text").
func ExtractFileReferences(text string, patterns []PathPattern) []string {
	if patterns == nil {
		patterns = DefaultPathPatterns
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range patterns {
		matches := p.Pattern.FindAllStringSubmatch(text, -1)
		for _, m := range matches {
			candidate := m[0]
			if len(m) > 1 && m[1] != "" {
				candidate = m[1] // api_endpoint captures the path, not the verb
			}
			if !seen[candidate] {
				seen[candidate] = true
				out = append(out, candidate)
			}
		}
	}
	return out
}
