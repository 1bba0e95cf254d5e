// Package handoff renders role-to-role handoff documents. Build is a pure
// function: identical inputs (including Date) produce byte-identical output.
// Callers decide whether and where to persist the result.
package handoff

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"shipline/internal/status"
)

// FallbackExcerpt is returned when no sprint heading matches in the backlog.
const FallbackExcerpt = "See full backlog below for this sprint's scope."

// ProjectHandoffCap caps how much of the originating project-level handoff is
// embedded before the truncation marker is appended.
const ProjectHandoffCap = 4000

// TruncationMarker is appended when the project handoff exceeds the cap.
const TruncationMarker = "\n\n[Truncated]"

// Input carries everything the builder may use. Optional pieces may be empty;
// the document degrades section by section, it never fails.
type Input struct {
	ProjectName    string
	ProjectSlug    string
	SprintNumber   int
	SprintName     string
	Goal           string
	Backlog        string
	Architecture   string
	ProjectHandoff string
	PriorReview    string
	DecisionNotes  string
	Decision       string
	FromRole       string
	ToRole         string
	Date           time.Time
}

// Build renders the handoff document with a fixed section order: header, goal,
// prior review, sprint excerpt, full backlog, full architecture, truncated
// project handoff, next steps.
func Build(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Sprint %d Handoff: %s\n\n", in.SprintNumber, in.SprintName)
	fmt.Fprintf(&b, "Project: %s (%s)\n", in.ProjectName, in.ProjectSlug)
	fmt.Fprintf(&b, "Date: %s\n", in.Date.UTC().Format("2006-01-02"))
	if in.FromRole != "" || in.ToRole != "" {
		fmt.Fprintf(&b, "Handoff: %s -> %s\n", in.FromRole, in.ToRole)
	}
	b.WriteString("\n")

	b.WriteString("## Goal\n\n")
	if in.Goal != "" {
		b.WriteString(in.Goal)
	} else {
		b.WriteString("No sprint goal recorded.")
	}
	b.WriteString("\n\n")

	if in.PriorReview != "" {
		b.WriteString("## Previous Sprint Review\n\n")
		b.WriteString(in.PriorReview)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## Sprint %d Backlog\n\n", in.SprintNumber)
	b.WriteString(SprintExcerpt(in.Backlog, in.SprintNumber))
	b.WriteString("\n\n")

	b.WriteString("## Full Backlog Reference\n\n")
	if in.Backlog != "" {
		b.WriteString(in.Backlog)
	} else {
		b.WriteString("No backlog artifact available.")
	}
	b.WriteString("\n\n")

	b.WriteString("## Architecture Reference\n\n")
	if in.Architecture != "" {
		b.WriteString(in.Architecture)
	} else {
		b.WriteString("No architecture artifact available.")
	}
	b.WriteString("\n\n")

	if in.ProjectHandoff != "" {
		b.WriteString("## Project Handoff (excerpt)\n\n")
		if len(in.ProjectHandoff) > ProjectHandoffCap {
			b.WriteString(in.ProjectHandoff[:ProjectHandoffCap])
			b.WriteString(TruncationMarker)
		} else {
			b.WriteString(in.ProjectHandoff)
		}
		b.WriteString("\n\n")
	}

	if in.DecisionNotes != "" {
		b.WriteString("## Decision Notes\n\n")
		b.WriteString(in.DecisionNotes)
		b.WriteString("\n\n")
	}

	b.WriteString("## Next Steps\n\n")
	for _, step := range nextSteps(in.Decision, in.ToRole) {
		fmt.Fprintf(&b, "- [ ] %s\n", step)
	}

	return b.String()
}

// SprintExcerpt returns the body of the "Sprint N" section of the backlog.
// Heading styles are tried in order: "## Sprint N", "### Sprint N", then a
// bold inline "**Sprint N" marker. No match returns FallbackExcerpt; this
// never fails.
func SprintExcerpt(backlog string, n int) string {
	if strings.TrimSpace(backlog) == "" {
		return FallbackExcerpt
	}
	patterns := []*regexp.Regexp{
		regexp.MustCompile(fmt.Sprintf(`(?m)^##\s+Sprint\s+%d\b.*$`, n)),
		regexp.MustCompile(fmt.Sprintf(`(?m)^###\s+Sprint\s+%d\b.*$`, n)),
		regexp.MustCompile(fmt.Sprintf(`(?m)^\*\*Sprint\s+%d\b.*$`, n)),
	}
	for _, re := range patterns {
		loc := re.FindStringIndex(backlog)
		if loc == nil {
			continue
		}
		body := backlog[loc[1]:]
		if end := nextHeading.FindStringIndex(body); end != nil {
			body = body[:end[0]]
		}
		if text := strings.TrimSpace(body); text != "" {
			return text
		}
	}
	return FallbackExcerpt
}

var nextHeading = regexp.MustCompile(`(?m)^(##|###|\*\*)\s*Sprint\s+\d+\b`)

func nextSteps(decision, toRole string) []string {
	switch decision {
	case status.DecisionRequestChanges, status.DecisionFixRequired:
		return []string{
			"Address every item called out in the review summary",
			"Re-run the full test suite before handing back",
			"Hand back to " + orRole(toRole, status.RoleReviewer) + " with a change log",
		}
	case status.DecisionReject:
		return []string{
			"Re-plan the sprint scope with the PM",
			"Capture the rejection rationale in the backlog",
		}
	case status.DecisionApprove, status.DecisionAccept:
		return []string{
			"Pick up the sprint backlog items in order",
			"Record decisions and open questions as you go",
			"Hand off to " + orRole(toRole, status.RoleReviewer) + " when implementation is complete",
		}
	}
	return []string{
		"Review the sprint backlog above",
		"Confirm scope with the PM before starting",
	}
}

func orRole(role, fallback string) string {
	if role != "" {
		return role
	}
	return fallback
}
