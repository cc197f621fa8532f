package engine

import (
	"sort"

	"github.com/probelabs/visor/internal/config"
)

// GroupSummary collects the issues of one output group in a stable order:
// check declaration order first, then emission order within a check.
type GroupSummary struct {
	Group  string  `json:"group"`
	Issues []Issue `json:"issues"`
}

// ReviewSummary is the aggregation boundary: everything downstream
// formatters need, with engine-internal issues still included (formatters
// decide what to hide).
type ReviewSummary struct {
	Groups []GroupSummary `json:"groups"`

	TotalChecks   int `json:"totalChecks"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	TotalIssues   int `json:"totalIssues"`
	ErrorIssues   int `json:"errorIssues"`
	WarningIssues int `json:"warningIssues"`
}

// BuildSummary folds executions into per-group issue lists.
func BuildSummary(cfg *config.Config, executions []ExecutedCheck) *ReviewSummary {
	sum := &ReviewSummary{}
	declIndex := map[string]int{}
	for i, name := range cfg.CheckOrder {
		declIndex[name] = i
	}

	type keyed struct {
		decl  int
		order int
		issue Issue
	}
	byGroup := map[string][]keyed{}
	var groupOrder []string
	seenGroup := map[string]bool{}

	for order, exec := range executions {
		sum.TotalChecks++
		switch exec.Result.Status {
		case StatusSuccess:
			sum.Succeeded++
		case StatusFailure:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}
		group := "default"
		if check, ok := cfg.Checks[exec.Name]; ok && check.Group != "" {
			group = check.Group
		}
		for _, issue := range exec.Result.Issues {
			if issue.Group == "" {
				issue.Group = group
			}
			sum.TotalIssues++
			switch issue.Severity {
			case SeverityError, SeverityCritical:
				sum.ErrorIssues++
			case SeverityWarning:
				sum.WarningIssues++
			}
			if !seenGroup[issue.Group] {
				seenGroup[issue.Group] = true
				groupOrder = append(groupOrder, issue.Group)
			}
			byGroup[issue.Group] = append(byGroup[issue.Group], keyed{
				decl:  declIndex[exec.Name],
				order: order,
				issue: issue,
			})
		}
	}

	for _, group := range groupOrder {
		items := byGroup[group]
		sort.SliceStable(items, func(i, j int) bool {
			if items[i].decl != items[j].decl {
				return items[i].decl < items[j].decl
			}
			return items[i].order < items[j].order
		})
		gs := GroupSummary{Group: group}
		for _, it := range items {
			gs.Issues = append(gs.Issues, it.issue)
		}
		sum.Groups = append(sum.Groups, gs)
	}
	return sum
}

// UserIssues returns the non-system issues across all groups.
func (s *ReviewSummary) UserIssues() []Issue {
	var out []Issue
	for _, g := range s.Groups {
		for _, is := range g.Issues {
			if !is.IsSystem() {
				out = append(out, is)
			}
		}
	}
	return out
}

// HasErrorSeverityUserIssues reports whether any non-system issue is
// error or critical severity; the CLI exit code keys off this.
func (s *ReviewSummary) HasErrorSeverityUserIssues() bool {
	for _, is := range s.UserIssues() {
		if is.Severity == SeverityError || is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
