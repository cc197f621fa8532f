package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/probelabs/visor/internal/config"
	"github.com/probelabs/visor/internal/engine"
)

func sampleResult(t *testing.T) *engine.RunResult {
	t.Helper()
	cfg := &config.Config{
		Checks: map[string]*config.CheckConfig{
			"lint": {Name: "lint", Group: "quality"},
		},
		CheckOrder: []string{"lint"},
	}
	execs := []engine.ExecutedCheck{{
		Name:     "lint",
		Event:    engine.EventManual,
		Attempts: 1,
		Duration: 12 * time.Millisecond,
		Result: &engine.CheckResult{
			Status: engine.StatusSuccess,
			Issues: []engine.Issue{
				{File: "main.go", Line: 10, RuleID: "style/naming", Message: "rename x|y", Severity: engine.SeverityWarning},
				engine.SystemIssue(engine.RuleSchemaValidation, "output shape off", engine.SeverityWarning),
			},
		},
	}}
	return &engine.RunResult{
		RunID:      "01TEST",
		Event:      engine.EventManual,
		Executions: execs,
		Summary:    engine.BuildSummary(cfg, execs),
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":         FormatTable,
		"table":    FormatTable,
		"JSON":     FormatJSON,
		"md":       FormatMarkdown,
		"markdown": FormatMarkdown,
		"sarif":    FormatSARIF,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestTableHidesSystemIssues(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, FormatTable, sampleResult(t)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "style/naming") {
		t.Fatalf("user issue missing from table:\n%s", out)
	}
	if strings.Contains(out, "schema/validation_failed") {
		t.Fatalf("system issue leaked into table:\n%s", out)
	}
	if !strings.Contains(out, "1 checks: 1 succeeded") {
		t.Fatalf("summary line missing:\n%s", out)
	}
}

func TestMarkdownGroupsAndEscaping(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, FormatMarkdown, sampleResult(t)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "### quality") {
		t.Fatalf("group heading missing:\n%s", out)
	}
	if !strings.Contains(out, `rename x\|y`) {
		t.Fatalf("pipe not escaped:\n%s", out)
	}
	if strings.Contains(out, "output shape off") {
		t.Fatalf("system issue leaked into markdown:\n%s", out)
	}
}

func TestJSONKeepsEverything(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, FormatJSON, sampleResult(t)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "schema/validation_failed") {
		t.Fatal("system issue missing from json output")
	}
}

func TestSARIFStructure(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, FormatSARIF, sampleResult(t)); err != nil {
		t.Fatalf("Render: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("sarif output is not valid json: %v", err)
	}
	if doc["version"] != "2.1.0" {
		t.Fatalf("version = %v", doc["version"])
	}
	runs := doc["runs"].([]any)
	results := runs[0].(map[string]any)["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %d, want both issues (system ones included)", len(results))
	}
}
