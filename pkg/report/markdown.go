package report

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// statusLabels render control statuses for humans.
var statusLabels = map[ControlStatus]string{
	StatusCompliant:          "Compliant",
	StatusPartiallyCompliant: "Partially Compliant",
	StatusNonCompliant:       "Non-Compliant",
	StatusNotApplicable:      "Not Applicable",
	StatusNotEvaluated:       "Not Evaluated",
	StatusCompensating:       "Compensating Control",
}

func statusLabel(s ControlStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return titleCaser.String(string(s))
}

func categoryLabel(category string) string {
	return titleCaser.String(strings.ReplaceAll(category, "_", " "))
}

// RenderMarkdown produces the human-readable rendering of a report:
// organisation, framework, period, a summary table, and one section per
// control with its evidence and verification flags.
func RenderMarkdown(rpt *ComplianceReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", rpt.Title)
	fmt.Fprintf(&b, "**Organization:** %s\n", rpt.OrganizationName)
	fmt.Fprintf(&b, "**Framework:** %s (%s)\n", rpt.Framework.Name, rpt.Framework.Version)
	fmt.Fprintf(&b, "**Period:** %s to %s (%s)\n",
		rpt.Period.Start.Format("2006-01-02"), rpt.Period.End.Format("2006-01-02"), rpt.Period.Type)
	fmt.Fprintf(&b, "**Generated:** %s\n", rpt.GeneratedAt.UTC().Format(time.RFC3339))
	if rpt.Scope != "" {
		fmt.Fprintf(&b, "**Scope:** %s\n", rpt.Scope)
	}
	if rpt.Signed() {
		fmt.Fprintf(&b, "**Signed:** yes (%s, key %s)\n", rpt.Signature.Algorithm, rpt.Signature.KeyID)
	}

	b.WriteString("\n## Summary\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Total Controls | %d |\n", rpt.Summary.TotalControls)
	fmt.Fprintf(&b, "| Compliance Rate | %.1f%% |\n", rpt.Summary.ComplianceRate*100)
	fmt.Fprintf(&b, "| Evidence Items | %d (%d verified) |\n", rpt.Summary.TotalEvidence, rpt.Summary.VerifiedEvidence)
	fmt.Fprintf(&b, "| Open Remediations | %d |\n", rpt.Summary.OpenRemediations)
	fmt.Fprintf(&b, "| Critical Findings | %d |\n", rpt.Summary.CriticalFindings)

	b.WriteString("\n### Controls by Status\n\n")
	for _, sc := range orderedStatusCounts(rpt.Summary.ByStatus) {
		fmt.Fprintf(&b, "- %s: %d\n", statusLabel(sc.status), sc.count)
	}

	if len(rpt.SystemsInScope) > 0 {
		b.WriteString("\n## Systems in Scope\n\n")
		for _, sys := range rpt.SystemsInScope {
			fmt.Fprintf(&b, "- %s\n", sys)
		}
	}
	if len(rpt.Exclusions) > 0 {
		b.WriteString("\n## Exclusions\n\n")
		for _, excl := range rpt.Exclusions {
			fmt.Fprintf(&b, "- %s\n", excl)
		}
	}

	b.WriteString("\n## Controls\n")
	for _, control := range rpt.Controls {
		fmt.Fprintf(&b, "\n### %s — %s\n\n", control.ControlID, control.Title)
		fmt.Fprintf(&b, "**Status:** %s  \n", statusLabel(control.Status))
		fmt.Fprintf(&b, "**Category:** %s  \n", categoryLabel(control.Category))
		fmt.Fprintf(&b, "**Priority:** %s\n\n", titleCaser.String(string(control.Priority)))
		fmt.Fprintf(&b, "%s\n", control.Description)

		if len(control.Evidence) > 0 {
			b.WriteString("\n**Evidence:**\n\n")
			for _, item := range control.Evidence {
				flag := "unverified"
				if item.Verified {
					flag = "verified"
				}
				fmt.Fprintf(&b, "- [%s] %s (%s, %s)\n",
					flag, item.Description, item.Source, item.OccurredAt.Format("2006-01-02"))
			}
		}
		if len(control.Remediation) > 0 {
			b.WriteString("\n**Remediation:**\n\n")
			for _, r := range control.Remediation {
				state := "closed"
				if r.Open {
					state = "open"
				}
				fmt.Fprintf(&b, "- [%s] %s\n", state, r.Description)
			}
		}
		for _, note := range control.Notes {
			fmt.Fprintf(&b, "\n> %s\n", note)
		}
	}

	if len(rpt.Attestations) > 0 {
		b.WriteString("\n## Attestations\n")
		for _, a := range rpt.Attestations {
			fmt.Fprintf(&b, "\n- %s (%s), %s: %s\n",
				a.AttestedBy, a.Role, a.AttestedAt.Format("2006-01-02"), a.Statement)
		}
	}
	return b.String()
}

type statusCount struct {
	status ControlStatus
	count  int
}

// orderedStatusCounts keeps the rendering stable across runs.
var statusOrder = []ControlStatus{
	StatusCompliant, StatusPartiallyCompliant, StatusNonCompliant,
	StatusCompensating, StatusNotEvaluated, StatusNotApplicable,
}

func orderedStatusCounts(byStatus map[ControlStatus]int) []statusCount {
	var out []statusCount
	for _, status := range statusOrder {
		if count, ok := byStatus[status]; ok {
			out = append(out, statusCount{status, count})
		}
	}
	return out
}
