package worker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wardnb/autonomous-dev-team/core"
)

// reformatPattern matches a formatter's "would reformat <path>" line.
var reformatPattern = regexp.MustCompile(`(?i)would reformat ([^\s]+)`)

// flake8Pattern matches "<file>:<line>:<col>: <code> <msg>".
var flake8Pattern = regexp.MustCompile(`^([^\s:]+):(\d+):(\d+): (\w\d+) (.+)$`)

// pytestFailedPattern matches "FAILED <file>::<test> - <reason>".
var pytestFailedPattern = regexp.MustCompile(`^FAILED ([^\s:]+)::(\S+)(?: - (.+))?$`)

// buildErrorPattern matches a generic "ERROR ... :" build-failure line.
var buildErrorPattern = regexp.MustCompile(`^ERROR\b.*:\s*(.*)$`)

// ParseCIFailures applies the spec.md §4.2 step 3 recognizers to a raw CI
// log and returns one CIFailure per recognized line, in the order
// encountered. Unrecognized non-empty lines are ignored: ci_repair_loop
// only needs the failures it can act on.
func ParseCIFailures(checkName, rawLog string) []core.CIFailure {
	var out []core.CIFailure

	for _, line := range strings.Split(rawLog, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := reformatPattern.FindStringSubmatch(trimmed); m != nil {
			out = append(out, core.CIFailure{
				CheckName:    checkName,
				FailureType:  core.FailureTypeBlack,
				ErrorMessage: trimmed,
				FilePath:     m[1],
				RawLog:       line,
			})
			continue
		}

		if m := flake8Pattern.FindStringSubmatch(trimmed); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			out = append(out, core.CIFailure{
				CheckName:    checkName,
				FailureType:  core.FailureTypeFlake8,
				ErrorMessage: m[4] + " " + m[5],
				FilePath:     m[1],
				LineNumber:   lineNo,
				RawLog:       line,
			})
			continue
		}

		if m := pytestFailedPattern.FindStringSubmatch(trimmed); m != nil {
			msg := m[3]
			if msg == "" {
				msg = m[2]
			}
			out = append(out, core.CIFailure{
				CheckName:    checkName,
				FailureType:  core.FailureTypeTest,
				ErrorMessage: msg,
				FilePath:     m[1],
				RawLog:       line,
			})
			continue
		}

		if m := buildErrorPattern.FindStringSubmatch(trimmed); m != nil {
			msg := strings.TrimSpace(m[1])
			if msg == "" {
				msg = trimmed
			}
			out = append(out, core.CIFailure{
				CheckName:    checkName,
				FailureType:  core.FailureTypeBuild,
				ErrorMessage: msg,
				RawLog:       line,
			})
			continue
		}
	}

	return out
}

// SummarizeFlake8 returns the first flake8 failure in failures, which the
// ci_repair_loop uses as the representative message when several flake8
// lines are collected together (spec.md §4.2 step 3: "collect all,
// summarize first").
func SummarizeFlake8(failures []core.CIFailure) *core.CIFailure {
	for i := range failures {
		if failures[i].FailureType == core.FailureTypeFlake8 {
			return &failures[i]
		}
	}
	return nil
}
