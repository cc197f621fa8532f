// Package report renders a run's summary for the CLI. Table and markdown
// views hide engine-internal issues; json and sarif keep everything.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/probelabs/visor/internal/engine"
)

// Format is a supported rendering.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatSARIF    Format = "sarif"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "sarif":
		return FormatSARIF, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// Render writes the run result in the requested format.
func Render(w io.Writer, format Format, result *engine.RunResult) error {
	switch format {
	case FormatTable:
		return renderTable(w, result)
	case FormatJSON:
		return renderJSON(w, result)
	case FormatMarkdown:
		return renderMarkdown(w, result)
	case FormatSARIF:
		return renderSARIF(w, result)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func renderTable(w io.Writer, result *engine.RunResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "CHECK\tSTATUS\tATTEMPTS\tDURATION\tSCOPE\n")
	for _, ex := range result.Executions {
		status := string(ex.Result.Status)
		if ex.Result.Status == engine.StatusSkipped && ex.Result.SkipReason != "" {
			status += " (" + ex.Result.SkipReason + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			ex.Name, status, ex.Attempts, ex.Duration.Round(1_000_000), ex.ScopePath)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	issues := result.Summary.UserIssues()
	if len(issues) > 0 {
		fmt.Fprintf(w, "\nISSUES\n")
		itw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(itw, "SEVERITY\tLOCATION\tRULE\tMESSAGE\n")
		for _, is := range issues {
			fmt.Fprintf(itw, "%s\t%s:%d\t%s\t%s\n", is.Severity, is.File, is.Line, is.RuleID, is.Message)
		}
		if err := itw.Flush(); err != nil {
			return err
		}
	}

	s := result.Summary
	fmt.Fprintf(w, "\n%d checks: %d succeeded, %d failed, %d skipped; %d issues\n",
		s.TotalChecks, s.Succeeded, s.Failed, s.Skipped, len(issues))
	if result.Halted {
		fmt.Fprintf(w, "run halted by %s\n", result.HaltedBy)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

func renderJSON(w io.Writer, result *engine.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func renderMarkdown(w io.Writer, result *engine.RunResult) error {
	fmt.Fprintf(w, "## Review results\n\n")
	s := result.Summary
	fmt.Fprintf(w, "%d checks: %d succeeded, %d failed, %d skipped.\n\n",
		s.TotalChecks, s.Succeeded, s.Failed, s.Skipped)
	if result.Halted {
		fmt.Fprintf(w, "> **Run halted by `%s`.**\n\n", result.HaltedBy)
	}
	for _, group := range s.Groups {
		var user []engine.Issue
		for _, is := range group.Issues {
			if !is.IsSystem() {
				user = append(user, is)
			}
		}
		if len(user) == 0 {
			continue
		}
		fmt.Fprintf(w, "### %s\n\n", group.Group)
		fmt.Fprintf(w, "| Severity | Location | Rule | Message |\n")
		fmt.Fprintf(w, "|---|---|---|---|\n")
		for _, is := range user {
			fmt.Fprintf(w, "| %s | %s:%d | %s | %s |\n",
				is.Severity, is.File, is.Line, is.RuleID, mdEscape(is.Message))
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}

func mdEscape(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", "\\|"), "\n", " ")
}

// sarifLevel maps issue severity onto the sarif level vocabulary.
func sarifLevel(sev engine.Severity) string {
	switch sev {
	case engine.SeverityError, engine.SeverityCritical:
		return "error"
	case engine.SeverityWarning:
		return "warning"
	default:
		return "note"
	}
}

func renderSARIF(w io.Writer, result *engine.RunResult) error {
	type sarifRule struct {
		ID string `json:"id"`
	}
	type sarifResult struct {
		RuleID  string `json:"ruleId"`
		Level   string `json:"level"`
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
		Locations []map[string]any `json:"locations,omitempty"`
	}

	ruleSet := map[string]bool{}
	var results []sarifResult
	for _, group := range result.Summary.Groups {
		for _, is := range group.Issues {
			ruleSet[is.RuleID] = true
			var r sarifResult
			r.RuleID = is.RuleID
			r.Level = sarifLevel(is.Severity)
			r.Message.Text = is.Message
			if is.File != "" {
				region := map[string]any{"startLine": is.Line}
				if is.EndLine > is.Line {
					region["endLine"] = is.EndLine
				}
				r.Locations = []map[string]any{{
					"physicalLocation": map[string]any{
						"artifactLocation": map[string]any{"uri": is.File},
						"region":           region,
					},
				}}
			}
			results = append(results, r)
		}
	}
	var rules []sarifRule
	for id := range ruleSet {
		rules = append(rules, sarifRule{ID: id})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	doc := map[string]any{
		"$schema": "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json",
		"version": "2.1.0",
		"runs": []map[string]any{{
			"tool": map[string]any{
				"driver": map[string]any{
					"name":  "visor",
					"rules": rules,
				},
			},
			"results": results,
		}},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
