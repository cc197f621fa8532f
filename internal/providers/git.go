package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
	"github.com/probelabs/visor/internal/gitutil"
)

// GitCheckoutProvider clones a repository (or checks out a ref in an
// existing clone) under the run's working directory so later checks operate
// on that tree.
type GitCheckoutProvider struct{}

func (p *GitCheckoutProvider) Validate(check *config.CheckConfig) error {
	if check.Repo == "" && check.Ref == "" {
		return fmt.Errorf("git-checkout check requires `repo` or `ref`")
	}
	return nil
}

func (p *GitCheckoutProvider) Execute(_ context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	check := pc.Check
	dir := pc.WorkDir
	if dir == "" {
		dir = "."
	}

	if check.Repo != "" {
		dest := filepath.Join(dir, repoDirName(check.Repo))
		if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
			if err := gitutil.Clone(check.Repo, dest, check.Ref); err != nil {
				return checkoutFailure(fmt.Sprintf("clone %s: %v", check.Repo, err)), nil
			}
		} else if check.Ref != "" {
			if err := gitutil.CheckoutRef(dest, check.Ref); err != nil {
				return checkoutFailure(fmt.Sprintf("checkout %s in %s: %v", check.Ref, dest, err)), nil
			}
		}
		return checkoutResult(dest)
	}

	if !gitutil.IsRepo(dir) {
		return checkoutFailure(fmt.Sprintf("%s is not a git repository", dir)), nil
	}
	if err := gitutil.CheckoutRef(dir, check.Ref); err != nil {
		return checkoutFailure(fmt.Sprintf("checkout %s: %v", check.Ref, err)), nil
	}
	return checkoutResult(dir)
}

func checkoutResult(dir string) (engine.CheckResult, error) {
	out := map[string]any{"dir": dir}
	if sha, err := gitutil.HeadSHA(dir); err == nil {
		out["sha"] = sha
	}
	if branch, err := gitutil.CurrentBranch(dir); err == nil {
		out["branch"] = branch
	}
	return engine.CheckResult{Status: engine.StatusSuccess, Output: out}, nil
}

func checkoutFailure(msg string) engine.CheckResult {
	return engine.CheckResult{
		Status: engine.StatusFailure,
		Issues: []engine.Issue{engine.SystemIssue("provider/git-checkout", msg, engine.SeverityError)},
	}
}

func repoDirName(repo string) string {
	name := strings.TrimSuffix(repo, ".git")
	name = strings.TrimRight(name, "/")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "repo"
	}
	return name
}
