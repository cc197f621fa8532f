package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

// GitHubProvider posts a comment on the event's pull request or issue. When
// no token is configured the comment body is still produced as output, so
// dry runs and tests see exactly what would be posted.
type GitHubProvider struct {
	// BaseURL overrides the API endpoint, for GitHub Enterprise and tests.
	BaseURL string
	Client  *http.Client
	// TokenEnv defaults to GITHUB_TOKEN.
	TokenEnv string
}

func (p *GitHubProvider) Validate(check *config.CheckConfig) error {
	if check.Message == "" && check.Template == "" {
		return fmt.Errorf("github check requires `message` or `template`")
	}
	return nil
}

func (p *GitHubProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	body := pc.Check.Message
	if body == "" {
		body = pc.Check.Template
	}
	body = renderPrompt(body, pc)

	res := engine.CheckResult{
		Status: engine.StatusSuccess,
		Output: map[string]any{"body": body, "posted": false},
	}

	tokenEnv := p.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "GITHUB_TOKEN"
	}
	token := os.Getenv(tokenEnv)
	repo := pc.Check.Repo
	if repo == "" && pc.Event != nil {
		repo = pc.Event.Repository
	}
	number := 0
	if pc.Event != nil {
		number = pc.Event.PRNumber
		if number == 0 {
			number = pc.Event.IssueNumber
		}
	}
	if token == "" || repo == "" || number == 0 {
		// nothing to post against; the rendered body is still the output
		return res, nil
	}

	base := p.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", strings.TrimRight(base, "/"), repo, number)
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return engine.CheckResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return engine.CheckResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.CheckResult{}, ctx.Err()
		}
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Output: res.Output,
			Issues: []engine.Issue{engine.SystemIssue("provider/github",
				fmt.Sprintf("post comment to %s: %v", repo, err),
				engine.SeverityError)},
		}, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return engine.CheckResult{
			Status: engine.StatusFailure,
			Output: res.Output,
			Issues: []engine.Issue{engine.SystemIssue("provider/github",
				fmt.Sprintf("post comment to %s: %s: %s", repo, resp.Status, truncate(string(detail), 512)),
				engine.SeverityError)},
		}, nil
	}
	res.Output = map[string]any{"body": body, "posted": true, "repo": repo, "number": number}
	return res, nil
}
