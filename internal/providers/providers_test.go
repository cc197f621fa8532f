package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
	"github.com/probelabs/visor/internal/memory"
	"github.com/probelabs/visor/internal/sandbox"
	"github.com/probelabs/visor/internal/session"
)

func testPC(t *testing.T, check *config.CheckConfig) *engine.ProviderContext {
	t.Helper()
	if check.Name == "" {
		check.Name = "test-check"
	}
	mem, err := memory.New(memory.Options{})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return &engine.ProviderContext{
		Event:     &engine.Event{Type: engine.EventManual},
		CheckName: check.Name,
		Check:     check,
		Attempt:   1,
		RunID:     "testrun",
		Outputs:   map[string]any{},
		Memory:    mem,
		Sessions:  session.NewRegistry(),
		Eval:      sandbox.New(zap.NewNop()),
		Log:       zap.NewNop(),
	}
}

func TestCommandProviderJSONOutput(t *testing.T) {
	p := &CommandProvider{}
	pc := testPC(t, &config.CheckConfig{
		Type:         "command",
		Exec:         `echo '{"n": 3}'`,
		OutputFormat: "json",
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	out, ok := res.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %T, want map", res.Output)
	}
	if out["n"] != float64(3) {
		t.Fatalf("output n = %v", out["n"])
	}
}

func TestCommandProviderBadJSONDegradesToWarning(t *testing.T) {
	p := &CommandProvider{}
	pc := testPC(t, &config.CheckConfig{
		Type:         "command",
		Exec:         `echo 'not json'`,
		OutputFormat: "json",
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if len(res.Issues) != 1 || res.Issues[0].Severity != engine.SeverityWarning {
		t.Fatalf("issues = %+v, want one warning", res.Issues)
	}
	if res.Output != "not json" {
		t.Fatalf("output = %v", res.Output)
	}
}

func TestCommandProviderNonZeroExit(t *testing.T) {
	p := &CommandProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "command", Exec: "exit 7"})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	if len(res.Issues) == 0 || !res.Issues[0].IsSystem() {
		t.Fatalf("expected a system issue, got %+v", res.Issues)
	}
}

func TestMemoryProviderOperations(t *testing.T) {
	p := &MemoryProvider{}
	set := testPC(t, &config.CheckConfig{Type: "memory", Operation: "set", Key: "count", Value: 2})
	if _, err := p.Execute(context.Background(), set); err != nil {
		t.Fatalf("set: %v", err)
	}
	inc := &config.CheckConfig{Type: "memory", Operation: "increment", Key: "count", Value: 3}
	incPC := testPC(t, inc)
	incPC.Memory = set.Memory
	res, err := p.Execute(context.Background(), incPC)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if res.Output != float64(5) {
		t.Fatalf("increment output = %v, want 5", res.Output)
	}

	hasPC := testPC(t, &config.CheckConfig{Type: "memory", Operation: "has", Key: "count"})
	hasPC.Memory = set.Memory
	res, err = p.Execute(context.Background(), hasPC)
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if res.Output != true {
		t.Fatalf("has output = %v, want true", res.Output)
	}
}

func TestMemoryProviderValueJS(t *testing.T) {
	p := &MemoryProvider{}
	pc := testPC(t, &config.CheckConfig{
		Type: "memory", Operation: "set", Key: "k", ValueJS: "1 + 2",
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output != int64(3) && res.Output != float64(3) {
		t.Fatalf("output = %v (%T)", res.Output, res.Output)
	}
}

func TestMemoryProviderValidate(t *testing.T) {
	p := &MemoryProvider{}
	cases := []*config.CheckConfig{
		{Type: "memory"},
		{Type: "memory", Operation: "explode", Key: "k"},
		{Type: "memory", Operation: "get"},
		{Type: "memory", Operation: "set", Key: "k", Value: 1, ValueJS: "2"},
	}
	for i, c := range cases {
		if err := p.Validate(c); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if err := p.Validate(&config.CheckConfig{Type: "memory", Operation: "clear"}); err != nil {
		t.Fatalf("clear without key should validate: %v", err)
	}
}

func TestScriptProvider(t *testing.T) {
	p := ScriptProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "script", Script: `({ok: true, n: 4})`})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, ok := res.Output.(map[string]any)
	if !ok {
		t.Fatalf("output = %T, want map", res.Output)
	}
	if out["ok"] != true {
		t.Fatalf("output = %v", out)
	}
}

func TestScriptProviderErrorFails(t *testing.T) {
	p := ScriptProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "script", Script: "nope("})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
}

func TestHumanInputAutoApprove(t *testing.T) {
	p := &HumanInputProvider{Asker: AutoApproveAsker{}}
	pc := testPC(t, &config.CheckConfig{Type: "human-input", Prompt: "deploy?"})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["answer"] != "approve" {
		t.Fatalf("answer = %v", out["answer"])
	}
}

func TestAIProviderMissingAPIKey(t *testing.T) {
	p := &AIProvider{Backend: &SimulatedBackend{}}
	pc := testPC(t, &config.CheckConfig{
		Type: "ai", Prompt: "review this", APIKeyEnv: "VISOR_TEST_ABSENT_KEY",
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	if res.Issues[0].RuleID != engine.RuleAPIKeyMissing {
		t.Fatalf("rule = %s", res.Issues[0].RuleID)
	}
}

func TestAIProviderRecordsSession(t *testing.T) {
	p := &AIProvider{Backend: &SimulatedBackend{}}
	pc := testPC(t, &config.CheckConfig{Type: "ai", Prompt: "first question", Name: "parent"})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected a session id")
	}
	s, ok := pc.Sessions.Get("parent")
	if !ok {
		t.Fatal("session not registered")
	}
	if len(s.History) != 2 || s.History[0].Role != "user" || s.History[1].Role != "assistant" {
		t.Fatalf("history = %+v", s.History)
	}
}

func TestAIProviderReuseUnresolved(t *testing.T) {
	p := &AIProvider{Backend: &SimulatedBackend{}}
	pc := testPC(t, &config.CheckConfig{
		Type: "ai", Prompt: "follow up", ReuseAISession: "ghost",
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	if res.Issues[0].RuleID != engine.RuleSessionUnresolved {
		t.Fatalf("rule = %s", res.Issues[0].RuleID)
	}
}

func TestAIProviderCloneReuseLeavesParentHistory(t *testing.T) {
	p := &AIProvider{Backend: &SimulatedBackend{}}
	parent := testPC(t, &config.CheckConfig{Type: "ai", Prompt: "q1", Name: "parent"})
	if _, err := p.Execute(context.Background(), parent); err != nil {
		t.Fatalf("parent: %v", err)
	}
	child := testPC(t, &config.CheckConfig{
		Type: "ai", Prompt: "q2", Name: "child",
		ReuseAISession: "parent", SessionMode: "clone",
	})
	child.Sessions = parent.Sessions
	if _, err := p.Execute(context.Background(), child); err != nil {
		t.Fatalf("child: %v", err)
	}
	ps, _ := child.Sessions.Get("parent")
	if len(ps.History) != 2 {
		t.Fatalf("parent history grew to %d turns under clone mode", len(ps.History))
	}
	cs, _ := child.Sessions.Get("child")
	if len(cs.History) != 4 {
		t.Fatalf("child history = %d turns, want inherited 2 + own 2", len(cs.History))
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	p := &HTTPProvider{}
	pc := testPC(t, &config.CheckConfig{
		Type: "http", URL: srv.URL, Headers: map[string]string{"X-Token": "secret"},
	})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	out := res.Output.(map[string]any)
	if out["ok"] != true {
		t.Fatalf("output = %v", out)
	}
}

func TestHTTPProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := &HTTPProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "http", URL: srv.URL})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
}

func TestHTTPInputProvider(t *testing.T) {
	p := &HTTPInputProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "http_input", Body: map[string]any{"k": "v"}})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["k"] != "v" {
		t.Fatalf("output = %v", out)
	}
}

func TestGitHubProviderDryRun(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	p := &GitHubProvider{}
	pc := testPC(t, &config.CheckConfig{Type: "github", Message: "hello"})
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["posted"] != false || out["body"] != "hello" {
		t.Fatalf("output = %v", out)
	}
}

func TestGitHubProviderPosts(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	t.Setenv("GITHUB_TOKEN", "tok")
	p := &GitHubProvider{BaseURL: srv.URL}
	pc := testPC(t, &config.CheckConfig{Type: "github", Message: "lgtm"})
	pc.Event = &engine.Event{Type: engine.EventPROpened, Repository: "acme/repo", PRNumber: 12}
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if gotPath != "/repos/acme/repo/issues/12/comments" {
		t.Fatalf("path = %s", gotPath)
	}
	if !strings.Contains(gotBody, "lgtm") {
		t.Fatalf("body = %s", gotBody)
	}
}

func TestWorkflowProviderDepthCap(t *testing.T) {
	p := &WorkflowProvider{MaxDepth: 2}
	pc := testPC(t, &config.CheckConfig{Type: "workflow", Workflow: "sub.yaml"})
	pc.Depth = 2
	pc.RunSubWorkflow = func(context.Context, string, *engine.Event) (any, error) {
		t.Fatal("sub-workflow should not run past the depth cap")
		return nil, nil
	}
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != engine.StatusFailure {
		t.Fatalf("status = %s, want failure", res.Status)
	}
}

func TestWorkflowProviderRuns(t *testing.T) {
	p := &WorkflowProvider{MaxDepth: 3}
	pc := testPC(t, &config.CheckConfig{Type: "workflow", Workflow: "sub.yaml"})
	pc.RunSubWorkflow = func(_ context.Context, path string, _ *engine.Event) (any, error) {
		if path != "sub.yaml" {
			t.Fatalf("path = %s", path)
		}
		return map[string]any{"done": true}, nil
	}
	res, err := p.Execute(context.Background(), pc)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.Output.(map[string]any)
	if out["done"] != true {
		t.Fatalf("output = %v", out)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	RegisterBuiltins(reg)
	for _, typ := range []string{"ai", "claude-code", "mcp", "command", "http",
		"http_client", "http_input", "memory", "noop", "log", "script",
		"workflow", "human-input", "github", "git-checkout"} {
		if !reg.Known(typ) {
			t.Fatalf("provider %q not registered", typ)
		}
	}
}
