package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies the trigger that started a run. Checks declare the
// events they participate in via the `on` list; an empty list matches any.
type EventType string

const (
	EventPROpened        EventType = "pr_opened"
	EventPRUpdated       EventType = "pr_updated"
	EventPRClosed        EventType = "pr_closed"
	EventIssueOpened     EventType = "issue_opened"
	EventIssueComment    EventType = "issue_comment"
	EventManual          EventType = "manual"
	EventSchedule        EventType = "schedule"
	EventWebhookReceived EventType = "webhook_received"
)

func ParseEventType(s string) (EventType, error) {
	switch EventType(strings.ToLower(strings.TrimSpace(s))) {
	case EventPROpened, EventPRUpdated, EventPRClosed, EventIssueOpened,
		EventIssueComment, EventManual, EventSchedule, EventWebhookReceived:
		return EventType(strings.ToLower(strings.TrimSpace(s))), nil
	default:
		return "", fmt.Errorf("invalid event type: %q", s)
	}
}

// Event is the immutable payload a run executes against. Ingress adapters
// (GitHub, Slack, HTTP) construct one and hand it to the engine.
type Event struct {
	Type         EventType      `json:"type"`
	Repository   string         `json:"repository,omitempty"`
	Branch       string         `json:"branch,omitempty"`
	BaseBranch   string         `json:"base_branch,omitempty"`
	Author       string         `json:"author,omitempty"`
	PRNumber     int            `json:"pr_number,omitempty"`
	IssueNumber  int            `json:"issue_number,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Map renders the event for the expression sandbox.
func (e *Event) Map() map[string]any {
	if e == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"type":       string(e.Type),
		"repository": e.Repository,
		"branch":     e.Branch,
		"baseBranch": e.BaseBranch,
		"author":     e.Author,
	}
	if e.PRNumber > 0 {
		m["prNumber"] = e.PRNumber
	}
	if e.IssueNumber > 0 {
		m["issueNumber"] = e.IssueNumber
	}
	if e.Comment != "" {
		m["comment"] = e.Comment
	}
	if len(e.FilesChanged) > 0 {
		m["filesChanged"] = append([]string{}, e.FilesChanged...)
	}
	for k, v := range e.Payload {
		if _, exists := m[k]; !exists {
			m[k] = v
		}
	}
	return m
}

// Status is the terminal state of one check execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkipped Status = "skipped"
)

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		return StatusSuccess, nil
	case "failure", "fail", "error":
		return StatusFailure, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("invalid status: %q", s)
	}
}

// Severity of a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("invalid severity: %q", s)
	}
}

// Issue is one structured finding. Engine-generated issues use
// file "system" and line 0; formatters hide those from human views.
type Issue struct {
	File        string   `json:"file"`
	Line        int      `json:"line"`
	EndLine     int      `json:"endLine,omitempty"`
	RuleID      string   `json:"ruleId"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
	Group       string   `json:"group,omitempty"`
	Schema      string   `json:"schema,omitempty"`
}

// IsSystem reports whether the issue was produced by the engine rather than
// a provider finding against a real file.
func (i Issue) IsSystem() bool {
	return i.File == SystemIssueFile && i.Line == 0
}

// SystemIssueFile is the synthetic file all engine-level issues attribute to.
const SystemIssueFile = "system"

// SystemIssue builds an engine-level issue with the standard attribution.
func SystemIssue(ruleID, message string, sev Severity) Issue {
	return Issue{
		File:     SystemIssueFile,
		Line:     0,
		RuleID:   ruleID,
		Message:  message,
		Severity: sev,
	}
}

// CheckResult is the universal result a provider produces for one execution.
type CheckResult struct {
	Status     Status         `json:"status"`
	Output     any            `json:"output,omitempty"`
	Issues     []Issue        `json:"issues,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	SkipReason string         `json:"skipReason,omitempty"`
	Debug      map[string]any `json:"debug,omitempty"`
}

// Canonicalize validates the status and normalizes nil collections.
func (r CheckResult) Canonicalize() (CheckResult, error) {
	st, err := ParseStatus(string(r.Status))
	if err != nil {
		return CheckResult{}, err
	}
	r.Status = st
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	return r, nil
}

// IssueMaps renders issues for the expression sandbox.
func IssueMaps(issues []Issue) []map[string]any {
	out := make([]map[string]any, 0, len(issues))
	for _, is := range issues {
		m := map[string]any{
			"file":     is.File,
			"line":     is.Line,
			"ruleId":   is.RuleID,
			"message":  is.Message,
			"severity": string(is.Severity),
		}
		if is.EndLine > 0 {
			m["endLine"] = is.EndLine
		}
		if is.Category != "" {
			m["category"] = is.Category
		}
		if is.Suggestion != "" {
			m["suggestion"] = is.Suggestion
		}
		if is.Replacement != "" {
			m["replacement"] = is.Replacement
		}
		if is.Group != "" {
			m["group"] = is.Group
		}
		if is.Schema != "" {
			m["schema"] = is.Schema
		}
		out = append(out, m)
	}
	return out
}

// IssueMetadata derives the counts exposed to predicates as `metadata`.
func IssueMetadata(issues []Issue, output any) map[string]any {
	var critical, errs, warnings, infos int
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			critical++
		case SeverityError:
			errs++
		case SeverityWarning:
			warnings++
		case SeverityInfo:
			infos++
		}
	}
	return map[string]any{
		"criticalIssues": critical,
		"errorIssues":    errs,
		"warningIssues":  warnings,
		"infoIssues":     infos,
		"totalIssues":    len(issues),
		"hasChanges":     output != nil,
	}
}

// ParseArrayOutput coerces a forEach output into a slice. Strings are
// accepted when they parse as a JSON array.
func ParseArrayOutput(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case string:
		trimmed := strings.TrimSpace(t)
		if !strings.HasPrefix(trimmed, "[") {
			return nil, false
		}
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			return nil, false
		}
		return arr, true
	default:
		return nil, false
	}
}
