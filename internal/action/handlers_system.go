package action

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// allowedPackageManagers whitelists install_package managers.
var allowedPackageManagers = map[string][]string{
	"pip":  {"python3", "-m", "pip", "install", "--user"},
	"go":   {"go", "get"},
	"npm":  {"npm", "install", "--no-save"},
	"apt":  nil, // requires privileges; always denied
	"brew": {"brew", "install"},
}

func handleInstallPackage(ctx context.Context, e *Executor, p Params) (*Output, error) {
	manager := strings.ToLower(p.Str("manager"))
	pkg := p.Str("package")
	if manager == "" || pkg == "" {
		return nil, errors.New("install_package: 'manager' and 'package' required")
	}
	if strings.ContainsAny(pkg, " ;|&$`") {
		return nil, errors.New("install_package: invalid package name")
	}

	base, ok := allowedPackageManagers[manager]
	if !ok || base == nil {
		return nil, fmt.Errorf("install_package: manager %q not allowed", manager)
	}

	args := append(append([]string(nil), base[1:]...), pkg)
	cmd := exec.CommandContext(ctx, base[0], args...)
	cmd.Dir = e.gate.ProjectRoot()
	return runCollect(cmd, "install_package")
}

func handleRunTests(ctx context.Context, e *Executor, p Params) (*Output, error) {
	dir := p.Str("path")
	if dir == "" {
		dir = e.gate.ProjectRoot()
	}
	runner := p.Str("runner")
	var cmd *exec.Cmd
	switch runner {
	case "pytest":
		cmd = exec.CommandContext(ctx, "python3", "-m", "pytest", "-q")
	case "", "go":
		cmd = exec.CommandContext(ctx, "go", "test", "./...")
	default:
		return nil, fmt.Errorf("run_tests: unsupported runner %q", runner)
	}
	cmd.Dir = dir
	return runCollect(cmd, "run_tests")
}

func handleGitStatus(ctx context.Context, e *Executor, p Params) (*Output, error) {
	dir := p.Str("path")
	if dir == "" {
		dir = e.gate.ProjectRoot()
	}
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v1", "--branch")
	cmd.Dir = dir
	return runCollect(cmd, "git_status")
}

func handleGitCommit(ctx context.Context, e *Executor, p Params) (*Output, error) {
	dir := p.Str("path")
	if dir == "" {
		dir = e.gate.ProjectRoot()
	}
	message := p.Str("message")
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("git_commit: 'message' must be non-empty")
	}

	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = dir
	if out, err := runCollect(add, "git_commit"); err != nil {
		return out, err
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = dir
	return runCollect(commit, "git_commit")
}
