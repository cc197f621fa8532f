package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
	"github.com/probelabs/visor/internal/session"
)

// AIBackend is the transport an AIProvider talks through. The provider owns
// session bookkeeping and error mapping; the backend only turns a prompt plus
// history into a reply.
type AIBackend interface {
	Name() string
	Complete(ctx context.Context, req AIRequest) (AIResponse, error)
}

// AIRequest is one completion call.
type AIRequest struct {
	Model   string
	Prompt  string
	History []session.Message
	// Schema, when set, asks the backend for structured output.
	Schema map[string]any
	APIKey string
}

// AIResponse is the backend's reply.
type AIResponse struct {
	Content string
}

// AIProvider runs prompt-driven checks. Each execution records its
// conversation in the session registry so dependents can reuse it.
type AIProvider struct {
	Backend AIBackend
}

func (p *AIProvider) Validate(check *config.CheckConfig) error {
	if strings.TrimSpace(check.Prompt) == "" {
		return fmt.Errorf("%s check requires `prompt`", check.Type)
	}
	return nil
}

func (p *AIProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	check := pc.Check

	apiKey := ""
	if check.APIKeyEnv != "" {
		apiKey = os.Getenv(check.APIKeyEnv)
		if apiKey == "" {
			return engine.CheckResult{
				Status: engine.StatusFailure,
				Issues: []engine.Issue{engine.SystemIssue(engine.RuleAPIKeyMissing,
					fmt.Sprintf("check %q: environment variable %q is empty", pc.CheckName, check.APIKeyEnv),
					engine.SeverityError)},
			}, nil
		}
	}

	var history []session.Message
	sessionCheck := pc.CheckName
	if check.ReuseAISession != "" && pc.Sessions != nil {
		mode, err := session.ParseReuseMode(check.SessionMode)
		if err != nil {
			return aiReuseFailure(pc, err), nil
		}
		src, err := pc.Sessions.AcquireForReuse(check.ReuseAISession, mode)
		if err != nil {
			return aiReuseFailure(pc, err), nil
		}
		history = append(history, src.History...)
		if mode == session.ReuseAppend {
			// turns land on the parent's live session
			sessionCheck = check.ReuseAISession
		}
	}

	prompt := renderPrompt(check.Prompt, pc)
	req := AIRequest{
		Model:   check.Model,
		Prompt:  prompt,
		History: history,
		APIKey:  apiKey,
	}
	if check.Schema != nil {
		req.Schema = check.Schema.Inline
	}

	resp, err := p.Backend.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.CheckResult{}, ctx.Err()
		}
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Issues: []engine.Issue{engine.SystemIssue(engine.RuleAIExecutionError,
				fmt.Sprintf("check %q: %v", pc.CheckName, err),
				engine.SeverityError)},
		}, nil
	}

	var sessionID string
	if pc.Sessions != nil {
		if sessionCheck == pc.CheckName {
			s := pc.Sessions.Create(pc.CheckName, p.Backend.Name(), check.Model)
			s.History = append(s.History, history...)
			sessionID = s.ID
		} else if s, ok := pc.Sessions.Get(sessionCheck); ok {
			sessionID = s.ID
		}
		pc.Sessions.Append(sessionCheck, session.Message{Role: "user", Content: prompt})
		pc.Sessions.Append(sessionCheck, session.Message{Role: "assistant", Content: resp.Content})
	}

	res := engine.CheckResult{Status: engine.StatusSuccess, SessionID: sessionID}
	res.Output = parseAIOutput(resp.Content)
	return res, nil
}

func aiReuseFailure(pc *engine.ProviderContext, err error) engine.CheckResult {
	rule := engine.RuleAISessionReuseError
	var unresolved *session.ErrUnresolved
	if errors.As(err, &unresolved) {
		rule = engine.RuleSessionUnresolved
	}
	return engine.CheckResult{
		Status: engine.StatusFailure,
		Issues: []engine.Issue{engine.SystemIssue(rule,
			fmt.Sprintf("check %q: %v", pc.CheckName, err),
			engine.SeverityError)},
	}
}

// renderPrompt substitutes {{ outputs.NAME }} style references with the
// dependency output rendered as JSON. Anything it cannot resolve stays
// verbatim.
func renderPrompt(prompt string, pc *engine.ProviderContext) string {
	if !strings.Contains(prompt, "{{") {
		return prompt
	}
	out := prompt
	for name, value := range pc.Outputs {
		needle := "{{ outputs." + name + " }}"
		if !strings.Contains(out, needle) {
			continue
		}
		rendered, err := json.Marshal(value)
		if err != nil {
			continue
		}
		out = strings.ReplaceAll(out, needle, string(rendered))
	}
	if pc.Event != nil {
		out = strings.ReplaceAll(out, "{{ event.type }}", string(pc.Event.Type))
		out = strings.ReplaceAll(out, "{{ branch }}", pc.Event.Branch)
		out = strings.ReplaceAll(out, "{{ baseBranch }}", pc.Event.BaseBranch)
	}
	return out
}

// parseAIOutput turns a reply into structured output when it carries a JSON
// payload, otherwise returns the raw text.
func parseAIOutput(content string) any {
	trimmed := strings.TrimSpace(content)
	if body, ok := fencedJSON(trimmed); ok {
		trimmed = body
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return content
}

func fencedJSON(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	rest := strings.TrimPrefix(s, "```json")
	rest = strings.TrimPrefix(rest, "```")
	end := strings.LastIndex(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// SimulatedBackend is the offline backend: it answers deterministically from
// the prompt so pipelines run end to end without credentials. Flavor only
// changes the reported provider name.
type SimulatedBackend struct {
	Flavor string
}

func (b *SimulatedBackend) Name() string {
	if b.Flavor != "" {
		return b.Flavor
	}
	return "ai"
}

func (b *SimulatedBackend) Complete(_ context.Context, req AIRequest) (AIResponse, error) {
	if req.Schema != nil {
		// echo an empty instance of the schema's top-level shape
		if t, _ := req.Schema["type"].(string); t == "array" {
			return AIResponse{Content: "[]"}, nil
		}
		return AIResponse{Content: "{}"}, nil
	}
	return AIResponse{Content: fmt.Sprintf("[simulated %s reply to %d-turn conversation] %s",
		b.Name(), len(req.History), firstLine(req.Prompt))}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
