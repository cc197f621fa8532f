package providers

import (
	"context"
	"fmt"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

// WorkflowProvider runs another configuration file as a nested run and
// returns its aggregate output. Depth is capped so misconfigured workflows
// cannot recurse forever.
type WorkflowProvider struct {
	MaxDepth int
}

func (p *WorkflowProvider) Validate(check *config.CheckConfig) error {
	if check.Workflow == "" {
		return fmt.Errorf("workflow check requires `workflow`")
	}
	return nil
}

func (p *WorkflowProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	if pc.RunSubWorkflow == nil {
		return engine.CheckResult{}, fmt.Errorf("nested workflows are not available in this run")
	}
	max := p.MaxDepth
	if max <= 0 {
		max = 3
	}
	if pc.Depth+1 > max {
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Issues: []engine.Issue{engine.SystemIssue("provider/workflow",
				fmt.Sprintf("workflow %q exceeds the maximum nesting depth of %d", pc.Check.Workflow, max),
				engine.SeverityError)},
		}, nil
	}
	out, err := pc.RunSubWorkflow(ctx, pc.Check.Workflow, pc.Event)
	if err != nil {
		if ctx.Err() != nil {
			return engine.CheckResult{}, ctx.Err()
		}
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Issues: []engine.Issue{engine.SystemIssue("provider/workflow",
				fmt.Sprintf("workflow %q: %v", pc.Check.Workflow, err),
				engine.SeverityError)},
		}, nil
	}
	return engine.CheckResult{Status: engine.StatusSuccess, Output: out}, nil
}
