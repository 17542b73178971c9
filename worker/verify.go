package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/wardnb/autonomous-dev-team/core"
)

// VerifyCheck names one local verification step run by the test stage
// (spec.md §4.2 test). Typing is intentionally absent: the spec explicitly
// disables the typing check.
type VerifyCheck string

const (
	CheckTestSuite VerifyCheck = "test_suite"
	CheckFormatter VerifyCheck = "formatter"
	CheckLinter    VerifyCheck = "linter"
)

// Verifier runs local verification against the working copy (spec.md §4.2
// test): a test suite limited to canonical core test files, a formatting
// check, and a linter pass.
type Verifier interface {
	Verify(ctx context.Context, repoPath string, coreTestFiles []string) core.Result
}

// CommandVerifier runs one external command per VerifyCheck against the
// working copy, stopping at the first failing check.
type CommandVerifier struct {
	TestCmd      []string // e.g. {"pytest"} followed by coreTestFiles
	FormatterCmd []string // e.g. {"black", "--check", "."}
	LinterCmd    []string // e.g. {"flake8", "."}
}

// NewCommandVerifier builds a verifier using the project's conventional
// pytest/black/flake8 trio (the same toolchain ParseCIFailures recognizes).
func NewCommandVerifier() *CommandVerifier {
	return &CommandVerifier{
		TestCmd:      []string{"pytest"},
		FormatterCmd: []string{"black", "--check", "."},
		LinterCmd:    []string{"flake8", "."},
	}
}

// Verify runs the test suite, formatter check, and linter pass in order,
// returning the first failure. The typing check is deliberately not run.
func (v *CommandVerifier) Verify(ctx context.Context, repoPath string, coreTestFiles []string) core.Result {
	testArgs := append(append([]string{}, v.TestCmd[1:]...), coreTestFiles...)
	if out, err := runIn(ctx, repoPath, v.TestCmd[0], testArgs...); err != nil {
		return core.Fail("test suite", fmt.Errorf("%w: %v: %s", core.ErrVerificationFailed, err, out))
	}

	if out, err := runIn(ctx, repoPath, v.FormatterCmd[0], v.FormatterCmd[1:]...); err != nil {
		return core.Fail("formatter check", fmt.Errorf("%w: %v: %s", core.ErrVerificationFailed, err, out))
	}

	if out, err := runIn(ctx, repoPath, v.LinterCmd[0], v.LinterCmd[1:]...); err != nil {
		return core.Fail("linter pass", fmt.Errorf("%w: %v: %s", core.ErrVerificationFailed, err, out))
	}

	return core.Ok("verification passed", nil)
}

func runIn(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

var _ Verifier = (*CommandVerifier)(nil)

// FakeVerifier is an in-memory Verifier for tests.
type FakeVerifier struct {
	Result core.Result
	Calls  int
}

func (f *FakeVerifier) Verify(ctx context.Context, repoPath string, coreTestFiles []string) core.Result {
	f.Calls++
	if f.Result.Success || f.Result.Err != nil || f.Result.Message != "" {
		return f.Result
	}
	return core.Ok("verification passed", nil)
}

var _ Verifier = (*FakeVerifier)(nil)
