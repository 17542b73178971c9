package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/wardnb/autonomous-dev-team/core"
)

// Deployer is the optional deploy-stage capability (spec.md §4.2 deploy):
// rebuild and bring up the target service, then (separately) poll its
// health check.
type Deployer interface {
	Deploy(ctx context.Context, repoPath string) core.Result
	RollbackDeploy(ctx context.Context, repoPath string) core.Result
}

// ComposeDeployer shells out to `docker compose` to rebuild and restart the
// target service, matching spec.md §5's 600s deploy subprocess timeout.
type ComposeDeployer struct {
	ComposeFile string
	Timeout     time.Duration
}

// NewComposeDeployer builds a deployer using the spec.md §5 default deploy
// timeout (600s).
func NewComposeDeployer(composeFile string) *ComposeDeployer {
	return &ComposeDeployer{
		ComposeFile: composeFile,
		Timeout:     core.DefaultDeployTimeout,
	}
}

// Deploy runs `docker compose up --build -d` in repoPath.
func (d *ComposeDeployer) Deploy(ctx context.Context, repoPath string) core.Result {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	args := []string{"compose"}
	if d.ComposeFile != "" {
		args = append(args, "-f", d.ComposeFile)
	}
	args = append(args, "up", "--build", "-d")

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return core.Fail("docker compose up", fmt.Errorf("%w: %v: %s", core.ErrDeployFailed, err, out.String()))
	}
	return core.Ok("deployed", nil)
}

// RollbackDeploy brings the compose stack back down, the Deployer half of
// spec.md §4.2 deploy failure handling (paired with VCSGateway.Rollback).
func (d *ComposeDeployer) RollbackDeploy(ctx context.Context, repoPath string) core.Result {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	args := []string{"compose"}
	if d.ComposeFile != "" {
		args = append(args, "-f", d.ComposeFile)
	}
	args = append(args, "down")

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return core.Fail("docker compose down", fmt.Errorf("%w: %v: %s", core.ErrDeployFailed, err, out.String()))
	}
	return core.Ok("rolled back deploy", nil)
}

var _ Deployer = (*ComposeDeployer)(nil)

// FakeDeployer is an in-memory Deployer for tests.
type FakeDeployer struct {
	DeployErr   error
	RollbackErr error
	Deployed    int
	RolledBack  int
}

func (f *FakeDeployer) Deploy(ctx context.Context, repoPath string) core.Result {
	f.Deployed++
	if f.DeployErr != nil {
		return core.Fail("deploy", fmt.Errorf("%w: %v", core.ErrDeployFailed, f.DeployErr))
	}
	return core.Ok("deployed", nil)
}

func (f *FakeDeployer) RollbackDeploy(ctx context.Context, repoPath string) core.Result {
	f.RolledBack++
	if f.RollbackErr != nil {
		return core.Fail("rollback deploy", f.RollbackErr)
	}
	return core.Ok("rolled back deploy", nil)
}

var _ Deployer = (*FakeDeployer)(nil)
