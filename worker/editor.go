// Package worker implements the capability interfaces the spec calls
// "worker adapters" (spec.md §4.4-§4.6, §9): CodeEditor, VCSGateway,
// CIProbe, Deployer, Verifier and Notifier, each with a production
// adapter and a fake/in-memory stand-in for tests.
package worker

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/wardnb/autonomous-dev-team/core"
)

// CodeEditor applies one edit_file step to a file on disk (spec.md §4.4).
type CodeEditor interface {
	Apply(path string, step core.FixStep) core.Result
}

// AnchoredEditor tries, in order, the five matching strategies of spec.md
// §4.4, stopping at the first that finds an unambiguous match.
type AnchoredEditor struct {
	FuzzyThreshold float64
	MaxWindowLines int
}

// NewAnchoredEditor builds an editor with the spec.md §4.4 defaults
// (fuzzy threshold 0.85, 30-line window).
func NewAnchoredEditor() *AnchoredEditor {
	return &AnchoredEditor{FuzzyThreshold: core.DefaultFuzzyMatchThreshold, MaxWindowLines: core.MaxAnchorWindowLines}
}

// Apply performs the replacement on path and writes the result back,
// refusing any replacement that would leave the file unchanged.
func (e *AnchoredEditor) Apply(path string, step core.FixStep) core.Result {
	content, err := os.ReadFile(path)
	if err != nil {
		return core.Fail("reading file", fmt.Errorf("%w: %v", core.ErrImplementationFailed, err))
	}
	original := string(content)

	updated, strategy, err := e.replace(original, step.OldCode, step.NewCode)
	if err != nil {
		return core.Fail("old code not found", fmt.Errorf("%w: %v", core.ErrImplementationFailed, err))
	}
	if updated == original {
		return core.Fail("replacement would leave file unchanged", core.ErrImplementationFailed)
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return core.Fail("writing file", fmt.Errorf("%w: %v", core.ErrImplementationFailed, err))
	}
	return core.Ok(fmt.Sprintf("applied via %s strategy", strategy), nil)
}

// replace runs the five strategies in order and returns the new content
// plus which strategy matched.
func (e *AnchoredEditor) replace(content, oldCode, newCode string) (string, string, error) {
	if updated, ok := e.exactSubstring(content, oldCode, newCode); ok {
		return updated, "exact", nil
	}
	if updated, ok := e.whitespaceNormalized(content, oldCode, newCode); ok {
		return updated, "whitespace-normalized", nil
	}
	if updated, ok := e.caseInsensitive(content, oldCode, newCode); ok {
		return updated, "case-insensitive", nil
	}
	if updated, ok := e.fuzzy(content, oldCode, newCode); ok {
		return updated, "fuzzy", nil
	}
	if updated, ok := e.anchorLine(content, oldCode, newCode); ok {
		return updated, "anchor-line", nil
	}
	return "", "", fmt.Errorf("old code not found")
}

// 1. Exact substring: replace only if old_code appears exactly once.
func (e *AnchoredEditor) exactSubstring(content, oldCode, newCode string) (string, bool) {
	count := strings.Count(content, oldCode)
	if count != 1 {
		return "", false
	}
	return strings.Replace(content, oldCode, newCode, 1), true
}

// 2. Whitespace-normalized: slide an n-line window, compare with runs of
// whitespace collapsed to a single space, require a unique match.
func (e *AnchoredEditor) whitespaceNormalized(content, oldCode, newCode string) (string, bool) {
	lines := strings.Split(content, "\n")
	windowSize := countLines(oldCode)
	if windowSize == 0 || windowSize > e.MaxWindowLines {
		return "", false
	}
	normalizedOld := normalizeWhitespace(oldCode)

	var matchStart = -1
	matches := 0
	for start := 0; start+windowSize <= len(lines); start++ {
		window := strings.Join(lines[start:start+windowSize], "\n")
		if normalizeWhitespace(window) == normalizedOld {
			matches++
			matchStart = start
		}
	}
	if matches != 1 {
		return "", false
	}
	newLines := append([]string{}, lines[:matchStart]...)
	newLines = append(newLines, strings.Split(newCode, "\n")...)
	newLines = append(newLines, lines[matchStart+windowSize:]...)
	return strings.Join(newLines, "\n"), true
}

// 3. Case-insensitive: for human-visible strings (button labels etc).
// Finds lowercased old_code on a single line; substitutes if the file
// contains that lowercased form exactly once, mapping the found text's
// case pattern onto new_code.
func (e *AnchoredEditor) caseInsensitive(content, oldCode, newCode string) (string, bool) {
	if strings.Contains(oldCode, "\n") {
		return "", false
	}
	lower := strings.ToLower(content)
	lowerOld := strings.ToLower(oldCode)
	if strings.Count(lower, lowerOld) != 1 {
		return "", false
	}
	idx := strings.Index(lower, lowerOld)
	found := content[idx : idx+len(oldCode)]
	mapped := mapCase(found, newCode)
	return content[:idx] + mapped + content[idx+len(oldCode):], true
}

// 4. Fuzzy similarity: slide an n-line window, accept the best window
// whose similarity ratio exceeds the threshold; a tie for the best score
// is ambiguous and refused.
func (e *AnchoredEditor) fuzzy(content, oldCode, newCode string) (string, bool) {
	lines := strings.Split(content, "\n")
	windowSize := countLines(oldCode)
	if windowSize == 0 || windowSize > e.MaxWindowLines {
		return "", false
	}

	bestScore := 0.0
	bestStart := -1
	tied := false
	for start := 0; start+windowSize <= len(lines); start++ {
		window := strings.Join(lines[start:start+windowSize], "\n")
		score := similarityRatio(oldCode, window)
		if score > bestScore {
			bestScore = score
			bestStart = start
			tied = false
		} else if bestStart >= 0 && score == bestScore {
			tied = true
		}
	}
	if bestStart < 0 || tied || bestScore <= e.FuzzyThreshold {
		return "", false
	}

	newLines := append([]string{}, lines[:bestStart]...)
	newLines = append(newLines, strings.Split(newCode, "\n")...)
	newLines = append(newLines, lines[bestStart+windowSize:]...)
	return strings.Join(newLines, "\n"), true
}

// 5. Anchor-line: find the most discriminating non-empty, non-comment line
// of old_code that occurs exactly once in the file; splice new_code into
// the corresponding range.
func (e *AnchoredEditor) anchorLine(content, oldCode, newCode string) (string, bool) {
	oldLines := strings.Split(oldCode, "\n")
	anchorIdx, anchorLine := discriminatingAnchor(content, oldLines)
	if anchorIdx < 0 {
		return "", false
	}

	fileLines := strings.Split(content, "\n")
	fileAnchorIdx := -1
	count := 0
	for i, l := range fileLines {
		if strings.TrimSpace(l) == strings.TrimSpace(anchorLine) {
			count++
			fileAnchorIdx = i
		}
	}
	if count != 1 {
		return "", false
	}

	linesBefore := anchorIdx
	linesAfter := len(oldLines) - anchorIdx - 1

	rangeStart := fileAnchorIdx - linesBefore
	rangeEnd := fileAnchorIdx + linesAfter + 1
	if rangeStart < 0 || rangeEnd > len(fileLines) {
		return "", false
	}

	newLines := append([]string{}, fileLines[:rangeStart]...)
	newLines = append(newLines, strings.Split(newCode, "\n")...)
	newLines = append(newLines, fileLines[rangeEnd:]...)
	return strings.Join(newLines, "\n"), true
}

var commentPrefixes = []string{"//", "#", "/*", "*"}

// discriminatingAnchor picks the longest non-empty, non-comment line of
// oldLines that occurs exactly once in content, returning its index within
// oldLines.
func discriminatingAnchor(content string, oldLines []string) (int, string) {
	type candidate struct {
		idx  int
		line string
	}
	var candidates []candidate
	for i, l := range oldLines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" || isComment(trimmed) {
			continue
		}
		candidates = append(candidates, candidate{idx: i, line: l})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(strings.TrimSpace(candidates[i].line)) > len(strings.TrimSpace(candidates[j].line))
	})

	for _, c := range candidates {
		if strings.Count(content, strings.TrimSpace(c.line)) == 1 {
			return c.idx, c.line
		}
	}
	return -1, ""
}

func isComment(line string) bool {
	for _, p := range commentPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// mapCase maps the case pattern of found onto replacement, character by
// character; when found is shorter (no partial overlap), falls back to
// replacement's own casing.
func mapCase(found, replacement string) string {
	if found == strings.ToUpper(found) {
		return strings.ToUpper(replacement)
	}
	if found == strings.ToLower(found) {
		return strings.ToLower(replacement)
	}
	if isTitleCase(found) {
		return titleCase(replacement)
	}
	return replacement
}

func isTitleCase(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		r := []rune(f)
		if len(r) == 0 || !strings.ContainsRune(strings.ToUpper(string(r[0])), r[0]) {
			return false
		}
	}
	return true
}

func titleCase(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if f == "" {
			continue
		}
		r := []rune(f)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		fields[i] = string(r)
	}
	return strings.Join(fields, " ")
}

// similarityRatio is a Levenshtein-based ratio in [0,1], matching the
// "similarity ratio" spec.md §4.4 strategy 4 calls for.
func similarityRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	dist := levenshtein(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

var _ CodeEditor = (*AnchoredEditor)(nil)
