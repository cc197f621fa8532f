// Package gitutil wraps the git CLI for the checkout provider and for
// changed-file detection on local runs.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable background auto-maintenance so check runs stay deterministic
	// and do not leave helper processes behind.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Clone clones repo into dir. A ref may be a branch or tag; empty means the
// remote default branch.
func Clone(repo, dir, ref string) error {
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repo, dir)
	cmd := exec.Command("git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// CheckoutRef switches dir to ref, fetching it first when needed.
func CheckoutRef(dir, ref string) error {
	if _, _, err := runGit(dir, "checkout", ref); err == nil {
		return nil
	}
	if _, _, err := runGit(dir, "fetch", "origin", ref); err != nil {
		return err
	}
	_, _, err := runGit(dir, "checkout", ref)
	return err
}

// ChangedFiles returns the paths changed between baseRef and HEAD, including
// uncommitted modifications.
func ChangedFiles(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" && !seen[trimmed] {
			seen[trimmed] = true
			files = append(files, trimmed)
		}
	}
	status, err := StatusPorcelain(dir)
	if err != nil {
		return files, nil
	}
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		path := fields[len(fields)-1]
		if path != "" && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}
	return files, nil
}

// MergeBase returns the best common ancestor of two refs.
func MergeBase(dir, a, b string) (string, error) {
	out, _, err := runGit(dir, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
