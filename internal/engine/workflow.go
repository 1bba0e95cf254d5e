package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/handoff"
	"shipline/internal/mirror"
	"shipline/internal/repo"
	"shipline/internal/status"
)

const (
	summaryMinLen = 1
	summaryMaxLen = 5000
)

type HandoffOptions struct {
	SprintID   string
	FromStatus string
	ToStatus   string
	FromRole   string
	ToRole     string
	Decision   string
	Summary    string
	// Content, when set, is stored as-is instead of a generated document.
	Content string
	ActorID string
}

// HandoffResult reports everything a single workflow transition did.
type HandoffResult struct {
	Transition       domain.WorkflowTransition
	ArtifactID       string
	Sprint           domain.Sprint
	EventSent        bool
	NextSprintID     string
	ProjectCompleted bool
}

// ExecuteHandoff runs one step of the role workflow. The transition audit
// row, the handoff artifact, the sprint status change and any auto-advance
// commit atomically; only notifications happen after the commit. When the
// workflow reaches COMPLETED the next sprint starts immediately, or the
// project moves to COMPLETED if this was the last one.
func (e Engine) ExecuteHandoff(ctx context.Context, opts HandoffOptions) (HandoffResult, error) {
	if !status.IsWorkflowStatus(opts.FromStatus) {
		return HandoffResult{}, ValidationError{Field: "from_status", Reason: "unknown workflow status " + opts.FromStatus}
	}
	if !status.IsWorkflowStatus(opts.ToStatus) {
		return HandoffResult{}, ValidationError{Field: "to_status", Reason: "unknown workflow status " + opts.ToStatus}
	}
	if !status.IsRole(opts.FromRole) {
		return HandoffResult{}, ValidationError{Field: "from_role", Reason: "unknown role " + opts.FromRole}
	}
	if !status.IsRole(opts.ToRole) {
		return HandoffResult{}, ValidationError{Field: "to_role", Reason: "unknown role " + opts.ToRole}
	}
	if !status.IsLegalWorkflowTransition(opts.FromStatus, opts.ToStatus) {
		return HandoffResult{}, InvalidTransitionError{Entity: "workflow", From: opts.FromStatus, To: opts.ToStatus}
	}
	mapped, _ := status.SprintStatusFor(opts.ToStatus)
	summary := strings.TrimSpace(opts.Summary)
	if len(summary) < summaryMinLen {
		return HandoffResult{}, ValidationError{Field: "summary", Reason: "required"}
	}
	if len(summary) > summaryMaxLen {
		return HandoffResult{}, ValidationError{Field: "summary", Reason: fmt.Sprintf("exceeds %d characters", summaryMaxLen)}
	}

	s, err := e.Repo.GetSprint(ctx, opts.SprintID)
	if err != nil {
		return HandoffResult{}, err
	}
	p, err := e.Repo.GetProject(ctx, s.ProjectID)
	if err != nil {
		return HandoffResult{}, err
	}
	if !canAccess(p, opts.ActorID) {
		return HandoffResult{}, ErrForbidden
	}
	// COMPLETED is terminal for sprints; a legal workflow edge cannot
	// reopen one.
	if s.Status == status.SprintCompleted {
		return HandoffResult{}, InvalidTransitionError{Entity: "sprint", From: s.Status, To: mapped}
	}

	content := opts.Content
	if content == "" {
		content = e.buildHandoff(ctx, p, s, opts, summary)
	}

	// Mirroring is best effort and happens outside the transaction; a full
	// disk must not block the state change.
	if err := e.Mirror.Write(mirror.HandoffPath(p.Slug, s.Number), content); err != nil {
		e.logger().Printf("mirror: write handoff for sprint %d failed: %v", s.Number, err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return HandoffResult{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()

	art, err := e.Repo.InsertArtifactTx(ctx, tx, domain.Artifact{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Type:      "HANDOFF",
		Name:      fmt.Sprintf("sprint-%02d-handoff.md", s.Number),
		Content:   content,
		CreatedAt: now,
	})
	if err != nil {
		return HandoffResult{}, fmt.Errorf("insert handoff artifact: %w", err)
	}
	if err := e.Repo.SetSprintHandoffTx(ctx, tx, s.ID, content); err != nil {
		return HandoffResult{}, err
	}
	if err := e.Repo.SetSprintReviewSummaryTx(ctx, tx, s.ID, summary); err != nil {
		return HandoffResult{}, err
	}

	tr := domain.WorkflowTransition{
		ID:         uuid.New().String(),
		ProjectID:  p.ID,
		SprintID:   s.ID,
		FromStatus: opts.FromStatus,
		ToStatus:   opts.ToStatus,
		FromRole:   opts.FromRole,
		ToRole:     opts.ToRole,
		Decision:   opts.Decision,
		Summary:    summary,
		ActorID:    opts.ActorID,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertWorkflowTransitionTx(ctx, tx, tr); err != nil {
		return HandoffResult{}, fmt.Errorf("insert workflow transition: %w", err)
	}

	res := HandoffResult{Transition: tr, ArtifactID: art.ID}

	if mapped != s.Status {
		var startedAt, completedAt *string
		if mapped == status.SprintInProgress {
			startedAt = &now
		}
		if mapped == status.SprintCompleted {
			completedAt = &now
		}
		affected, err := e.Repo.UpdateSprintStatusTx(ctx, tx, s.ID, s.Status, mapped, startedAt, completedAt)
		if err != nil {
			return HandoffResult{}, fmt.Errorf("update sprint status: %w", err)
		}
		if affected == 0 {
			return HandoffResult{}, ErrConflict
		}
		if err := e.Repo.InsertSprintHistoryTx(ctx, tx, domain.SprintStatusHistory{
			ID:        uuid.New().String(),
			SprintID:  s.ID,
			OldStatus: s.Status,
			NewStatus: mapped,
			ChangedBy: opts.ActorID,
			ChangedAt: now,
		}); err != nil {
			return HandoffResult{}, err
		}
	}

	var next domain.Sprint
	var haveNext bool
	if opts.ToStatus == status.WorkflowCompleted {
		next, err = e.Repo.GetSprintByNumberTx(ctx, tx, p.ID, s.Number+1)
		switch {
		case err == nil:
			haveNext = true
			affected, err := e.Repo.UpdateSprintStatusTx(ctx, tx, next.ID, next.Status, status.SprintInProgress, &now, nil)
			if err != nil {
				return HandoffResult{}, fmt.Errorf("advance sprint %d: %w", next.Number, err)
			}
			if affected == 0 {
				return HandoffResult{}, ErrConflict
			}
			if err := e.Repo.InsertSprintHistoryTx(ctx, tx, domain.SprintStatusHistory{
				ID:        uuid.New().String(),
				SprintID:  next.ID,
				OldStatus: next.Status,
				NewStatus: status.SprintInProgress,
				ChangedBy: opts.ActorID,
				ChangedAt: now,
			}); err != nil {
				return HandoffResult{}, err
			}
			res.NextSprintID = next.ID
		case errors.Is(err, repo.ErrNotFound):
			// Last sprint done: the project itself completes. The status
			// is re-read inside the transaction so a transition committed
			// since the pre-transaction read is neither overwritten
			// silently nor recorded with a stale old status.
			cur, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
			if err != nil {
				return HandoffResult{}, err
			}
			affected, err := e.Repo.UpdateProjectStatusTx(ctx, tx, p.ID, cur.Status, status.ProjectCompleted, nil, now)
			if err != nil {
				return HandoffResult{}, fmt.Errorf("complete project: %w", err)
			}
			if affected == 0 {
				return HandoffResult{}, ErrConflict
			}
			if err := e.Repo.InsertProjectHistoryTx(ctx, tx, domain.ProjectStatusHistory{
				ID:        uuid.New().String(),
				ProjectID: p.ID,
				OldStatus: cur.Status,
				NewStatus: status.ProjectCompleted,
				ChangedBy: opts.ActorID,
				ChangedAt: now,
			}); err != nil {
				return HandoffResult{}, err
			}
			res.ProjectCompleted = true
		default:
			return HandoffResult{}, err
		}
	}

	if err := e.Events.Append(ctx, tx, events.TypeWorkflowHandoff, p.ID, events.KindSprint, s.ID, opts.ActorID, events.EventPayload{
		"from_status": opts.FromStatus,
		"to_status":   opts.ToStatus,
		"from_role":   opts.FromRole,
		"to_role":     opts.ToRole,
		"decision":    opts.Decision,
	}); err != nil {
		return HandoffResult{}, err
	}

	updated, err := e.Repo.GetSprintTx(ctx, tx, s.ID)
	if err != nil {
		return HandoffResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return HandoffResult{}, err
	}
	res.Sprint = updated

	e.emit(events.TypeWorkflowHandoff, map[string]any{
		"project_id":    p.ID,
		"sprint_id":     s.ID,
		"sprint_number": s.Number,
		"from_status":   opts.FromStatus,
		"to_status":     opts.ToStatus,
		"from_role":     opts.FromRole,
		"to_role":       opts.ToRole,
		"decision":      opts.Decision,
		"summary":       summary,
	})
	if haveNext {
		res.EventSent = e.emit(events.TypeSprintAdvanced, map[string]any{
			"project_id":    p.ID,
			"slug":          p.Slug,
			"sprint_id":     next.ID,
			"sprint_number": next.Number,
			"goal":          next.Goal,
			"prior_review":  summary,
			"handoff":       content,
		})
	} else if res.ProjectCompleted {
		res.EventSent = e.emit(events.TypeProjectCompleted, map[string]any{
			"project_id": p.ID,
			"slug":       p.Slug,
		})
	} else {
		res.EventSent = true
	}
	e.syncKnowledge()
	return res, nil
}

// buildHandoff assembles builder input from the sprint's project artifacts.
// Missing artifacts degrade to empty sections, never to an error.
func (e Engine) buildHandoff(ctx context.Context, p domain.Project, s domain.Sprint, opts HandoffOptions, summary string) string {
	in := handoff.Input{
		ProjectName:   p.Name,
		ProjectSlug:   p.Slug,
		SprintNumber:  s.Number,
		SprintName:    s.Name,
		Goal:          s.Goal,
		DecisionNotes: summary,
		Decision:      opts.Decision,
		FromRole:      opts.FromRole,
		ToRole:        opts.ToRole,
		Date:          e.now(),
	}
	if a, err := e.Repo.LatestArtifact(ctx, p.ID, "BACKLOG"); err == nil {
		in.Backlog = a.Content
	}
	if a, err := e.Repo.LatestArtifact(ctx, p.ID, "ARCHITECTURE"); err == nil {
		in.Architecture = a.Content
	}
	if a, err := e.Repo.LatestArtifact(ctx, p.ID, "PROJECT_HANDOFF"); err == nil {
		in.ProjectHandoff = a.Content
	}
	if prev, err := e.Repo.GetSprintByNumber(ctx, p.ID, s.Number-1); err == nil && prev.ReviewSummary != nil {
		in.PriorReview = *prev.ReviewSummary
	}
	return handoff.Build(in)
}

// handoffForSprint returns the sprint's kickoff handoff, preferring the
// stored copy, then the latest HANDOFF artifact, then a fresh build. The
// bool reports whether the document had to be rebuilt.
func (e Engine) handoffForSprint(ctx context.Context, p domain.Project, s domain.Sprint) (string, bool) {
	if s.HandoffContent != nil && strings.TrimSpace(*s.HandoffContent) != "" {
		return *s.HandoffContent, false
	}
	name := fmt.Sprintf("sprint-%02d-handoff.md", s.Number)
	if a, err := e.Repo.LatestArtifactNamed(ctx, p.ID, "HANDOFF", name); err == nil {
		return a.Content, false
	}
	content := e.buildHandoff(ctx, p, s, HandoffOptions{
		FromRole: status.RolePM,
		ToRole:   status.RoleImplementer,
	}, "")
	return content, true
}
