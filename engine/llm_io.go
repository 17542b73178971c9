package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wardnb/autonomous-dev-team/core"
	"github.com/wardnb/autonomous-dev-team/llm"
)

// classification is the classify stage's parsed LLM output.
type classification struct {
	IssueType       string `json:"issue_type"`
	CanAutoFix      bool   `json:"can_auto_fix"`
	Reason          string `json:"reason"`
	SuggestedAction string `json:"suggested_action"`
}

var validIssueTypes = map[string]bool{"bug": true, "feature_request": true, "improvement": true, "unclear": true}
var validSuggestedActions = map[string]bool{"fix": true, "skip": true, "request_clarification": true, "needs_human_review": true}

// parseClassification extracts and fills defensible defaults for missing
// fields.
func parseClassification(content string) (classification, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return classification{}, fmt.Errorf("%w: %v", core.ErrClassificationRefused, err)
	}
	var c classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return classification{}, fmt.Errorf("%w: %v", core.ErrClassificationRefused, err)
	}
	if !validIssueTypes[c.IssueType] {
		c.IssueType = "bug"
	}
	if !validSuggestedActions[c.SuggestedAction] {
		if c.CanAutoFix {
			c.SuggestedAction = "fix"
		} else {
			c.SuggestedAction = "needs_human_review"
		}
	}
	return c, nil
}

// analysisResult is the analyze stage's parsed LLM output.
type analysisResult struct {
	RootCause         string   `json:"root_cause"`
	AffectedFiles     []string `json:"affected_files"`
	AffectedFunctions []string `json:"affected_functions"`
	Complexity        string   `json:"complexity"`
	RiskLevel         string   `json:"risk_level"`
	Approach          string   `json:"approach"`
}

func parseAnalysis(content string) (analysisResult, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return analysisResult{}, fmt.Errorf("%w: %v", core.ErrAnalysisFailed, err)
	}
	var a analysisResult
	if err := json.Unmarshal(raw, &a); err != nil {
		return analysisResult{}, fmt.Errorf("%w: %v", core.ErrAnalysisFailed, err)
	}
	if strings.TrimSpace(a.RootCause) == "" {
		return analysisResult{}, fmt.Errorf("%w: empty root_cause", core.ErrAnalysisFailed)
	}
	return a, nil
}

// parseStrategy unmarshals a FixStrategy directly -- its json tags already
// match the tagged-variant shape the LLM is prompted to emit.
func parseStrategy(content string) (core.FixStrategy, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return core.FixStrategy{}, fmt.Errorf("%w: %v", core.ErrStrategyUnparseable, err)
	}
	var s core.FixStrategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return core.FixStrategy{}, fmt.Errorf("%w: %v", core.ErrStrategyUnparseable, err)
	}
	if s.Complexity == "" {
		s.Complexity = core.ComplexityModerate
	}
	if err := s.Validate(); err != nil {
		return core.FixStrategy{}, err
	}
	return s, nil
}

// ciFixResponse is the ci_repair_loop's per-failure LLM output: a single
// edit_file step.
type ciFixResponse struct {
	File        string `json:"file"`
	OldCode     string `json:"old_code"`
	NewCode     string `json:"new_code"`
	Description string `json:"description"`
}

func parseCIFix(content string) (core.FixStep, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return core.FixStep{}, fmt.Errorf("ci fix unparseable: %w", err)
	}
	var r ciFixResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return core.FixStep{}, fmt.Errorf("ci fix unparseable: %w", err)
	}
	if r.File == "" || r.OldCode == "" {
		return core.FixStep{}, fmt.Errorf("ci fix missing file or old_code")
	}
	return core.FixStep{Kind: core.StepEditFile, File: r.File, OldCode: r.OldCode, NewCode: r.NewCode, Description: r.Description}, nil
}

// --- prompt builders ---

const classifySystemPrompt = `You triage bug reports for an autonomous code-repair system. Respond with a single JSON object: {"issue_type": "bug|feature_request|improvement|unclear", "can_auto_fix": true|false, "reason": "...", "suggested_action": "fix|skip|request_clarification|needs_human_review"}.`

func buildClassifyPrompt(issue core.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", issue.Title)
	fmt.Fprintf(&b, "Category: %s  Severity: %s\n", issue.Category, issue.Severity)
	fmt.Fprintf(&b, "Description: %s\n", issue.Description)
	if issue.Expected != "" {
		fmt.Fprintf(&b, "Expected: %s\n", issue.Expected)
	}
	if issue.Actual != "" {
		fmt.Fprintf(&b, "Actual: %s\n", issue.Actual)
	}
	if len(issue.StepsToReproduce) > 0 {
		b.WriteString("Steps to reproduce:\n")
		for i, s := range issue.StepsToReproduce {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	return b.String()
}

const analyzeSystemPrompt = `You analyze a bug report against the relevant source files. Respond with a single JSON object: {"root_cause": "...", "affected_files": ["..."], "affected_functions": ["..."], "complexity": "simple|moderate|complex", "risk_level": "low|medium|high", "approach": "..."}.`

func buildAnalyzePrompt(issue core.Issue, files map[string]string) string {
	var b strings.Builder
	b.WriteString(buildClassifyPrompt(issue))
	b.WriteString("\nFile contents:\n")
	for path, content := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
	}
	return b.String()
}

const strategizeSystemPrompt = `You produce a concrete fix strategy as a single JSON object: {"complexity": "simple|moderate|complex", "description": "...", "files_affected": ["..."], "requires_approval": true|false, "steps": [{"kind": "edit_file", "file": "...", "old_code": "...", "new_code": "...", "description": "..."}, {"kind": "add_test", "file": "...", "code": "..."}], "rollback_plan": "..."}. old_code must be copied verbatim from the file content you were given, including enough surrounding context to be unambiguous. Every strategy must contain at least one edit_file step.`

func buildStrategizePrompt(issue core.Issue, analysis analysisResult, files map[string]string, lessons []*core.Lesson) string {
	var b strings.Builder
	b.WriteString(buildClassifyPrompt(issue))
	fmt.Fprintf(&b, "\nRoot cause: %s\nApproach: %s\n", analysis.RootCause, analysis.Approach)
	if len(lessons) > 0 {
		b.WriteString("\nLessons from past attempts on similar issues:\n")
		for _, l := range lessons {
			fmt.Fprintf(&b, "  - %s\n", l.PreventionRule)
		}
	}
	b.WriteString("\nFile contents:\n")
	for path, content := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", path, content)
	}
	return b.String()
}

const ciFixSystemPrompt = `A continuous-integration check failed after a fix was applied. Respond with a single JSON object describing one edit_file fix: {"file": "...", "old_code": "...", "new_code": "...", "description": "..."}. old_code must be copied verbatim from the file snippet you were given.`

func buildCIFixPrompt(failure core.CIFailure, fileSnippet string, strategy core.FixStrategy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original fix description: %s\n", strategy.Description)
	fmt.Fprintf(&b, "CI check: %s\nFailure type: %s\nError: %s\n", failure.CheckName, failure.FailureType, failure.ErrorMessage)
	if failure.FilePath != "" {
		fmt.Fprintf(&b, "File: %s (line %d)\n", failure.FilePath, failure.LineNumber)
	}
	if fileSnippet != "" {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", failure.FilePath, fileSnippet)
	}
	return b.String()
}

const analysisPromptOperation = "analyze"
const classifyPromptOperation = "classify"
const strategizePromptOperation = "strategize"
const ciFixPromptOperation = "ci_fix"
