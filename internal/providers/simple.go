package providers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

// NoopProvider succeeds with no output. Useful as a join point for routing
// and dependency edges.
type NoopProvider struct{}

func (NoopProvider) Validate(*config.CheckConfig) error { return nil }

func (NoopProvider) Execute(context.Context, *engine.ProviderContext) (engine.CheckResult, error) {
	return engine.CheckResult{Status: engine.StatusSuccess}, nil
}

// LogProvider writes a message through the engine's logger and passes it
// through as output.
type LogProvider struct{}

func (LogProvider) Validate(check *config.CheckConfig) error {
	if check.Message == "" {
		return fmt.Errorf("log check requires `message`")
	}
	switch check.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("log check: invalid level %q", check.Level)
}

func (LogProvider) Execute(_ context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	log := pc.Log
	if log == nil {
		log = zap.NewNop()
	}
	fields := []zap.Field{zap.String("check", pc.CheckName), zap.String("run_id", pc.RunID)}
	switch pc.Check.Level {
	case "debug":
		log.Debug(pc.Check.Message, fields...)
	case "warn":
		log.Warn(pc.Check.Message, fields...)
	case "error":
		log.Error(pc.Check.Message, fields...)
	default:
		log.Info(pc.Check.Message, fields...)
	}
	return engine.CheckResult{Status: engine.StatusSuccess, Output: pc.Check.Message}, nil
}

// ScriptProvider evaluates `script` in the expression sandbox; the script's
// value becomes the check output.
type ScriptProvider struct{}

func (ScriptProvider) Validate(check *config.CheckConfig) error {
	if check.Script == "" {
		return fmt.Errorf("script check requires `script`")
	}
	return nil
}

func (ScriptProvider) Execute(_ context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	v, err := pc.Eval.Evaluate(pc.Check.Script, pc.SandboxEnv(nil))
	if err != nil {
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Issues: []engine.Issue{engine.SystemIssue("provider/script", err.Error(), engine.SeverityError)},
		}, nil
	}
	return engine.CheckResult{Status: engine.StatusSuccess, Output: v}, nil
}

// Asker resolves a human-input request to an answer.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// AutoApproveAsker answers every question with "approve". It keeps
// human-input checks runnable in CI and tests.
type AutoApproveAsker struct{}

func (AutoApproveAsker) Ask(context.Context, string) (string, error) {
	return "approve", nil
}

// HumanInputProvider blocks on an Asker and returns the answer as output.
type HumanInputProvider struct {
	Asker Asker
}

func (p *HumanInputProvider) Validate(check *config.CheckConfig) error {
	if check.Prompt == "" && check.Message == "" {
		return fmt.Errorf("human-input check requires `prompt` or `message`")
	}
	return nil
}

func (p *HumanInputProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	prompt := pc.Check.Prompt
	if prompt == "" {
		prompt = pc.Check.Message
	}
	answer, err := p.Asker.Ask(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return engine.CheckResult{}, ctx.Err()
		}
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Issues: []engine.Issue{engine.SystemIssue("provider/human-input", err.Error(), engine.SeverityError)},
		}, nil
	}
	return engine.CheckResult{
		Status: engine.StatusSuccess,
		Output: map[string]any{"answer": answer, "prompt": prompt},
	}, nil
}
