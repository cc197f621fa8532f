package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

// HTTPProvider performs one HTTP request and exposes the decoded response as
// the check's output.
type HTTPProvider struct {
	// Client defaults to a 30s-timeout client.
	Client *http.Client
}

func (p *HTTPProvider) Validate(check *config.CheckConfig) error {
	if strings.TrimSpace(check.URL) == "" {
		return fmt.Errorf("http check requires `url`")
	}
	return nil
}

func (p *HTTPProvider) Execute(ctx context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	check := pc.Check
	method := strings.ToUpper(check.Method)
	if method == "" {
		if check.Body != nil {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	var body io.Reader
	if check.Body != nil {
		encoded, err := json.Marshal(check.Body)
		if err != nil {
			return engine.CheckResult{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, check.URL, body)
	if err != nil {
		return engine.CheckResult{}, fmt.Errorf("build request: %w", err)
	}
	if check.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range check.Headers {
		req.Header.Set(k, v)
	}

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
			Issues: []engine.Issue{engine.SystemIssue("provider/http",
				fmt.Sprintf("%s %s: %v", method, check.URL, err),
				engine.SeverityError)},
		}, nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return engine.CheckResult{}, fmt.Errorf("read response: %w", err)
	}

	res := engine.CheckResult{
		Debug: map[string]any{"statusCode": resp.StatusCode, "url": check.URL},
	}
	res.Output = decodeResponse(payload)
	if resp.StatusCode >= 400 {
		res.Status = engine.StatusFailure
		res.Issues = append(res.Issues, engine.SystemIssue("provider/http",
			fmt.Sprintf("%s %s returned %s", method, check.URL, resp.Status),
			engine.SeverityError))
		return res, nil
	}
	res.Status = engine.StatusSuccess
	return res, nil
}

func decodeResponse(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(trimmed, &parsed); err == nil {
		return parsed
	}
	return string(payload)
}

// HTTPInputProvider injects external data into a pipeline: the configured
// body when present, the event payload otherwise.
type HTTPInputProvider struct{}

func (p *HTTPInputProvider) Validate(*config.CheckConfig) error { return nil }

func (p *HTTPInputProvider) Execute(_ context.Context, pc *engine.ProviderContext) (engine.CheckResult, error) {
	res := engine.CheckResult{Status: engine.StatusSuccess}
	if pc.Check.Body != nil {
		res.Output = pc.Check.Body
		return res, nil
	}
	if pc.Event != nil && pc.Event.Payload != nil {
		res.Output = pc.Event.Payload
	}
	return res, nil
}
