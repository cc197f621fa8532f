package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
	"github.com/probelabs/visor/internal/procutil"
)

// CommandProvider runs `exec` through bash in the run's working directory.
// The whole process group is killed on timeout or cancellation so pipelines
// cannot linger.
type CommandProvider struct{}

func (p *CommandProvider) Validate(check *config.CheckConfig) error {
	if strings.TrimSpace(check.Exec) == "" {
		return fmt.Errorf("command check requires `exec`")
	}
	return nil
}

func (p *CommandProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	cmd := exec.Command("bash", "-c", pc.Check.Exec)
	if pc.WorkDir != "" {
		cmd.Dir = pc.WorkDir
	}
	cmd.Env = append(os.Environ(), commandEnv(pc)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	procutil.SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return engine.CheckResult{}, fmt.Errorf("start %q: %w", pc.Check.Exec, err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		procutil.KillProcessGroup(cmd)
		<-waitErr
		runErr = ctx.Err()
	case runErr = <-waitErr:
	}

	debug := map[string]any{
		"stdout": truncate(stdout.String(), 4096),
		"stderr": truncate(stderr.String(), 4096),
	}
	if runErr != nil {
		if ctx.Err() != nil {
			// the dispatcher turns the deadline into system/timeout
			return engine.CheckResult{}, runErr
		}
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Output: strings.TrimSpace(stdout.String()),
			Issues: []engine.Issue{engine.SystemIssue("provider/command",
				fmt.Sprintf("command failed: %v: %s", runErr, truncate(strings.TrimSpace(stderr.String()), 512)),
				engine.SeverityError)},
			Debug: debug,
		}, nil
	}

	res := engine.CheckResult{Status: engine.StatusSuccess, Debug: debug}
	raw := strings.TrimSpace(stdout.String())
	if strings.EqualFold(pc.Check.OutputFormat, "json") && raw != "" {
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			// parse failure degrades to a warning, the raw text stays usable
			res.Output = raw
			res.Issues = append(res.Issues, engine.SystemIssue("provider/command",
				fmt.Sprintf("output_format is json but stdout did not parse: %v", err),
				engine.SeverityWarning))
		} else {
			res.Output = parsed
		}
		return res, nil
	}
	res.Output = raw
	return res, nil
}

// commandEnv exposes the event and configured env entries to the command.
func commandEnv(pc *engine.ProviderContext) []string {
	ev := pc.Event
	out := []string{
		"VISOR_EVENT=" + string(ev.Type),
		"VISOR_CHECK=" + pc.CheckName,
		"VISOR_RUN_ID=" + pc.RunID,
	}
	if ev.Repository != "" {
		out = append(out, "VISOR_REPOSITORY="+ev.Repository)
	}
	if ev.Branch != "" {
		out = append(out, "VISOR_BRANCH="+ev.Branch)
	}
	if ev.BaseBranch != "" {
		out = append(out, "VISOR_BASE_BRANCH="+ev.BaseBranch)
	}
	if ev.PRNumber > 0 {
		out = append(out, fmt.Sprintf("VISOR_PR_NUMBER=%d", ev.PRNumber))
	}
	if len(ev.FilesChanged) > 0 {
		out = append(out, "VISOR_FILES_CHANGED="+strings.Join(ev.FilesChanged, "\n"))
	}
	for k, v := range pc.Check.Env {
		out = append(out, fmt.Sprintf("%s=%v", k, v))
	}
	if outputs, err := json.Marshal(pc.Outputs); err == nil {
		out = append(out, "VISOR_OUTPUTS="+string(outputs))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}
