package handoff_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/handoff"
	"shipline/internal/status"
)

var fixedDate = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sampleInput() handoff.Input {
	return handoff.Input{
		ProjectName:  "Checkout Revamp",
		ProjectSlug:  "checkout-revamp",
		SprintNumber: 2,
		SprintName:   "Payment flows",
		Goal:         "Ship the card payment happy path.",
		Backlog:      "## Sprint 1\n- scaffolding\n\n## Sprint 2\n- card form\n- 3DS redirect\n\n## Sprint 3\n- wallets",
		Architecture: "Services: gateway, ledger.",
		PriorReview:  "Sprint 1 passed QA with two minor notes.",
		Decision:     status.DecisionApprove,
		FromRole:     status.RolePM,
		ToRole:       status.RoleImplementer,
		Date:         fixedDate,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	in := sampleInput()
	first := handoff.Build(in)
	second := handoff.Build(in)
	assert.Equal(t, first, second)
}

func TestBuildSectionOrder(t *testing.T) {
	doc := handoff.Build(sampleInput())

	sections := []string{
		"# Sprint 2 Handoff: Payment flows",
		"Project: Checkout Revamp (checkout-revamp)",
		"Date: 2026-03-14",
		"## Goal",
		"## Previous Sprint Review",
		"## Sprint 2 Backlog",
		"## Full Backlog Reference",
		"## Architecture Reference",
		"## Next Steps",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(doc, s)
		require.GreaterOrEqual(t, idx, 0, "missing section %q", s)
		assert.Greater(t, idx, last, "section %q out of order", s)
		last = idx
	}
}

func TestBuildExtractsSprintSection(t *testing.T) {
	doc := handoff.Build(sampleInput())
	assert.Contains(t, doc, "- card form\n- 3DS redirect")
	// the excerpt must stop before the next sprint heading
	excerpt := doc[strings.Index(doc, "## Sprint 2 Backlog"):strings.Index(doc, "## Full Backlog Reference")]
	assert.NotContains(t, excerpt, "wallets")
}

func TestBuildTruncatesProjectHandoff(t *testing.T) {
	in := sampleInput()
	in.ProjectHandoff = strings.Repeat("x", handoff.ProjectHandoffCap+100)
	doc := handoff.Build(in)
	assert.Contains(t, doc, "[Truncated]")

	in.ProjectHandoff = "short handoff"
	doc = handoff.Build(in)
	assert.Contains(t, doc, "short handoff")
	assert.NotContains(t, doc, "[Truncated]")
}

func TestBuildEmptyOptionalSections(t *testing.T) {
	in := handoff.Input{
		ProjectName:  "Bare",
		ProjectSlug:  "bare",
		SprintNumber: 1,
		SprintName:   "First",
		Date:         fixedDate,
	}
	doc := handoff.Build(in)
	assert.Contains(t, doc, "No sprint goal recorded.")
	assert.Contains(t, doc, handoff.FallbackExcerpt)
	assert.Contains(t, doc, "No backlog artifact available.")
	assert.Contains(t, doc, "No architecture artifact available.")
	assert.NotContains(t, doc, "## Previous Sprint Review")
	assert.NotContains(t, doc, "## Project Handoff")
}

func TestSprintExcerptHeadingStyles(t *testing.T) {
	cases := map[string]string{
		"h2":   "## Sprint 4\nbody-a\n## Sprint 5\nother",
		"h3":   "### Sprint 4\nbody-a\n### Sprint 5\nother",
		"bold": "**Sprint 4** goals\nbody-a\n**Sprint 5**\nother",
	}
	for name, backlog := range cases {
		got := handoff.SprintExcerpt(backlog, 4)
		assert.Contains(t, got, "body-a", name)
		assert.NotContains(t, got, "other", name)
	}
}

func TestSprintExcerptFallback(t *testing.T) {
	assert.Equal(t, handoff.FallbackExcerpt, handoff.SprintExcerpt("", 1))
	assert.Equal(t, handoff.FallbackExcerpt, handoff.SprintExcerpt("no headings here", 1))
	// Sprint 12 must not match a request for sprint 1
	assert.Equal(t, handoff.FallbackExcerpt, handoff.SprintExcerpt("## Sprint 12\nstuff", 1))
}

func TestNextStepsFollowDecision(t *testing.T) {
	in := sampleInput()
	in.Decision = status.DecisionRequestChanges
	doc := handoff.Build(in)
	assert.Contains(t, doc, "Address every item called out in the review summary")

	in.Decision = status.DecisionReject
	doc = handoff.Build(in)
	assert.Contains(t, doc, "Re-plan the sprint scope with the PM")
}
