package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"shipline/internal/bus"
	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/events"
	"shipline/internal/knowledge"
	"shipline/internal/mirror"
	"shipline/internal/repo"
	"shipline/internal/status"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Bus       bus.Notifier
	Mirror    mirror.Store
	Knowledge knowledge.Trigger
	Config    *config.Config
	Logger    *log.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Bus:       bus.Nop{},
		Mirror:    mirror.Nop{},
		Knowledge: knowledge.Nop{},
		Config:    cfg,
		Now:       time.Now,
	}
	if cfg != nil {
		if len(cfg.Webhooks) > 0 {
			e.Bus = bus.NewHTTPNotifier(cfg.Webhooks)
		}
		if cfg.Handoffs.MirrorDir != "" {
			e.Mirror = mirror.Dir{Base: cfg.Handoffs.MirrorDir}
		}
		if cfg.Knowledge.SyncURL != "" {
			e.Knowledge = knowledge.NewHTTPTrigger(cfg.Knowledge.SyncURL, time.Duration(cfg.Knowledge.TimeoutSeconds)*time.Second)
		}
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) nowStr() string { return e.now().UTC().Format(time.RFC3339) }

// emit sends one event on the bus after a commit. A failed send is logged
// and reported as a flag, never as an error: the state change already
// happened and must not be rolled back or re-reported as failed.
func (e Engine) emit(event string, payload map[string]any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := e.Bus.Send(ctx, event, payload); err != nil {
		e.logger().Printf("bus: send %s failed: %v", event, err)
		return false
	}
	return true
}

// syncKnowledge refreshes derived views in a detached goroutine. Its outcome
// is only ever a log line.
func (e Engine) syncKnowledge() {
	trigger := e.Knowledge
	logger := e.logger()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := trigger.TriggerSync(ctx); err != nil {
			logger.Printf("knowledge: sync failed: %v", err)
		}
	}()
}

// canAccess implements the owner-or-implementer access rule.
func canAccess(p domain.Project, actorID string) bool {
	if actorID == "" {
		return false
	}
	if p.OwnerID != nil && *p.OwnerID == actorID {
		return true
	}
	if p.ImplementerID != nil && *p.ImplementerID == actorID {
		return true
	}
	return false
}

type CreateProjectOptions struct {
	Slug          string
	Name          string
	Description   string
	OwnerID       string
	ImplementerID string
	ActorID       string
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Slug) == "" {
		return domain.Project{}, ValidationError{Field: "slug", Reason: "required"}
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Project{}, ValidationError{Field: "name", Reason: "required"}
	}
	if opts.OwnerID == "" && opts.ImplementerID == "" {
		return domain.Project{}, ValidationError{Field: "owner_id", Reason: "owner or implementer required"}
	}
	now := e.nowStr()
	p := domain.Project{
		ID:             uuid.New().String(),
		Slug:           opts.Slug,
		Name:           opts.Name,
		Description:    opts.Description,
		Status:         status.ProjectIntake,
		ApprovalStatus: status.ApprovalPending,
		OwnerID:        optionalString(opts.OwnerID),
		ImplementerID:  optionalString(opts.ImplementerID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if isUniqueViolation(err) {
			return domain.Project{}, fmt.Errorf("slug %q already taken: %w", opts.Slug, ErrConflict)
		}
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, events.KindProject, p.ID, opts.ActorID, events.EventPayload{"slug": p.Slug, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.syncKnowledge()
	return p, nil
}

// isUniqueViolation sniffs the driver error for a unique-constraint failure.
// modernc.org/sqlite reports these as "constraint failed: UNIQUE ...".
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

type ProjectTransitionOptions struct {
	ProjectID      string
	ExpectedStatus string
	TargetStatus   string
	ActorID        string
}

// TransitionProject applies exactly one project status change under the
// optimistic concurrency protocol: registry precheck, conditional update
// against the expected status, side fields, history row and event log all in
// one transaction. Losers of a race see ErrConflict and decide for
// themselves whether to re-fetch and retry.
func (e Engine) TransitionProject(ctx context.Context, opts ProjectTransitionOptions) (domain.Project, error) {
	if !status.IsProjectStatus(opts.ExpectedStatus) {
		return domain.Project{}, ValidationError{Field: "expected_status", Reason: "unknown status " + opts.ExpectedStatus}
	}
	if !status.IsProjectStatus(opts.TargetStatus) {
		return domain.Project{}, ValidationError{Field: "target_status", Reason: "unknown status " + opts.TargetStatus}
	}
	if !status.IsLegalProjectTransition(opts.ExpectedStatus, opts.TargetStatus) {
		return domain.Project{}, InvalidTransitionError{Entity: "project", From: opts.ExpectedStatus, To: opts.TargetStatus}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
		return domain.Project{}, err
	}
	now := e.nowStr()
	var archivedAt *string
	if status.IsArchival(opts.TargetStatus) {
		archivedAt = &now
	}
	affected, err := e.Repo.UpdateProjectStatusTx(ctx, tx, opts.ProjectID, opts.ExpectedStatus, opts.TargetStatus, archivedAt, now)
	if err != nil {
		return domain.Project{}, fmt.Errorf("update project status: %w", err)
	}
	if affected == 0 {
		return domain.Project{}, ErrConflict
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProjectHistoryTx(ctx, tx, domain.ProjectStatusHistory{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		OldStatus: opts.ExpectedStatus,
		NewStatus: opts.TargetStatus,
		ChangedBy: opts.ActorID,
		ChangedAt: now,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("insert status history: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectStatusChanged, p.ID, events.KindProject, p.ID, opts.ActorID, events.EventPayload{
		"from": opts.ExpectedStatus,
		"to":   opts.TargetStatus,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}

	e.emit(events.TypeProjectStatusChanged, map[string]any{
		"project_id": p.ID,
		"slug":       p.Slug,
		"from":       opts.ExpectedStatus,
		"to":         opts.TargetStatus,
	})
	e.syncKnowledge()
	return p, nil
}

func (e Engine) SetApprovalStatus(ctx context.Context, projectID, approval, actorID string) (domain.Project, error) {
	if !status.IsApprovalStatus(approval) {
		return domain.Project{}, ValidationError{Field: "approval_status", Reason: "unknown value " + approval}
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !canAccess(p, actorID) {
		return domain.Project{}, ErrForbidden
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.SetApprovalStatusTx(ctx, tx, projectID, approval, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectApprovalChanged, projectID, events.KindProject, projectID, actorID, events.EventPayload{
		"from": p.ApprovalStatus,
		"to":   approval,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.ApprovalStatus = approval
	p.UpdatedAt = now
	e.syncKnowledge()
	return p, nil
}

type SprintPlan struct {
	Name string
	Goal string
}

type GeneratePlanOptions struct {
	ProjectID    string
	Backlog      string
	Architecture string
	// ProjectHandoff is the intake-level handoff document; sprint handoffs
	// embed a capped excerpt of it.
	ProjectHandoff string
	Sprints        []SprintPlan
	ActorID        string
}

// KickoffResult reports a state change whose follow-on AI work is started by
// an event. EventSent false means the change committed but the notification
// did not go out; Reinitiate can re-send it.
type KickoffResult struct {
	Project   domain.Project
	Sprints   []domain.Sprint
	EventSent bool
}

// GeneratePlan materializes an approved plan: backlog and architecture
// artifacts plus the full numbered sprint sequence in one transaction.
// Sprint 1 starts AWAITING_APPROVAL so a human gates the first kickoff; the
// rest queue as PLANNED.
func (e Engine) GeneratePlan(ctx context.Context, opts GeneratePlanOptions) (KickoffResult, error) {
	if len(opts.Sprints) == 0 {
		return KickoffResult{}, ValidationError{Field: "sprints", Reason: "at least one sprint required"}
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return KickoffResult{}, err
	}
	if !canAccess(p, opts.ActorID) {
		return KickoffResult{}, ErrForbidden
	}
	if p.ApprovalStatus != status.ApprovalApproved {
		return KickoffResult{}, ValidationError{Field: "approval_status", Reason: "plan must be approved before generation (currently " + p.ApprovalStatus + ")"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return KickoffResult{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()

	for _, a := range []struct{ typ, name, content string }{
		{"BACKLOG", "backlog.md", opts.Backlog},
		{"ARCHITECTURE", "architecture.md", opts.Architecture},
		{"PROJECT_HANDOFF", "project-handoff.md", opts.ProjectHandoff},
	} {
		if strings.TrimSpace(a.content) == "" {
			continue
		}
		if _, err := e.Repo.InsertArtifactTx(ctx, tx, domain.Artifact{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Type:      a.typ,
			Name:      a.name,
			Content:   a.content,
			CreatedAt: now,
		}); err != nil {
			return KickoffResult{}, fmt.Errorf("insert %s artifact: %w", a.typ, err)
		}
	}

	sprints := make([]domain.Sprint, 0, len(opts.Sprints))
	for i, plan := range opts.Sprints {
		st := status.SprintPlanned
		if i == 0 {
			st = status.SprintAwaitingApproval
		}
		s := domain.Sprint{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Number:    i + 1,
			Name:      plan.Name,
			Goal:      plan.Goal,
			Status:    st,
			CreatedAt: now,
		}
		if err := e.Repo.InsertSprintTx(ctx, tx, s); err != nil {
			return KickoffResult{}, fmt.Errorf("insert sprint %d: %w", s.Number, err)
		}
		sprints = append(sprints, s)
	}

	// Re-read inside the transaction: a transition committed after the
	// approval check above must show up as this history row's old status.
	cur, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return KickoffResult{}, err
	}
	if err := e.Repo.SetProjectStatusTx(ctx, tx, p.ID, status.ProjectInProgress, nil, now); err != nil {
		return KickoffResult{}, err
	}
	if err := e.Repo.InsertProjectHistoryTx(ctx, tx, domain.ProjectStatusHistory{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		OldStatus: cur.Status,
		NewStatus: status.ProjectInProgress,
		ChangedBy: opts.ActorID,
		ChangedAt: now,
	}); err != nil {
		return KickoffResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePlanGenerated, p.ID, events.KindProject, p.ID, opts.ActorID, events.EventPayload{
		"sprints": len(sprints),
	}); err != nil {
		return KickoffResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return KickoffResult{}, err
	}

	p.Status = status.ProjectInProgress
	p.UpdatedAt = now
	sent := e.emit(events.TypeProjectKickoff, map[string]any{
		"project_id":   p.ID,
		"slug":         p.Slug,
		"sprint_id":    sprints[0].ID,
		"sprint_goal":  sprints[0].Goal,
		"backlog":      opts.Backlog,
		"architecture": opts.Architecture,
	})
	e.syncKnowledge()
	return KickoffResult{Project: p, Sprints: sprints, EventSent: sent}, nil
}

// SprintGateResult is the outcome of an approval-gate action.
type SprintGateResult struct {
	Sprint    domain.Sprint
	EventSent bool
}

// ApproveSprint releases a sprint the pipeline parked at AWAITING_APPROVAL.
// The emitted event is what starts the external implementer; its payload
// carries everything that worker needs.
func (e Engine) ApproveSprint(ctx context.Context, sprintID, actorID string) (SprintGateResult, error) {
	s, err := e.Repo.GetSprint(ctx, sprintID)
	if err != nil {
		return SprintGateResult{}, err
	}
	p, err := e.Repo.GetProject(ctx, s.ProjectID)
	if err != nil {
		return SprintGateResult{}, err
	}
	if !canAccess(p, actorID) {
		return SprintGateResult{}, ErrForbidden
	}
	if s.Status != status.SprintAwaitingApproval {
		return SprintGateResult{}, InvalidTransitionError{Entity: "sprint", From: s.Status, To: status.SprintInProgress}
	}
	now := e.nowStr()
	s2, err := e.swapSprintStatus(ctx, s, status.SprintInProgress, actorID, &now, nil)
	if err != nil {
		return SprintGateResult{}, err
	}

	payload := map[string]any{
		"project_id":    p.ID,
		"slug":          p.Slug,
		"sprint_id":     s2.ID,
		"sprint_number": s2.Number,
		"goal":          s2.Goal,
	}
	if s2.HandoffContent != nil {
		payload["handoff"] = *s2.HandoffContent
	}
	if prev, err := e.Repo.GetSprintByNumber(ctx, p.ID, s2.Number-1); err == nil && prev.ReviewSummary != nil {
		payload["prior_review"] = *prev.ReviewSummary
	}
	sent := e.emit(events.TypeSprintApproved, payload)
	e.syncKnowledge()
	return SprintGateResult{Sprint: s2, EventSent: sent}, nil
}

// RejectSprint re-queues an AWAITING_APPROVAL sprint for re-planning. It
// does not regress earlier sprints and touches nothing else.
func (e Engine) RejectSprint(ctx context.Context, sprintID, actorID string) (SprintGateResult, error) {
	s, err := e.Repo.GetSprint(ctx, sprintID)
	if err != nil {
		return SprintGateResult{}, err
	}
	p, err := e.Repo.GetProject(ctx, s.ProjectID)
	if err != nil {
		return SprintGateResult{}, err
	}
	if !canAccess(p, actorID) {
		return SprintGateResult{}, ErrForbidden
	}
	if s.Status != status.SprintAwaitingApproval {
		return SprintGateResult{}, InvalidTransitionError{Entity: "sprint", From: s.Status, To: status.SprintPlanned}
	}
	s2, err := e.swapSprintStatus(ctx, s, status.SprintPlanned, actorID, nil, nil)
	if err != nil {
		return SprintGateResult{}, err
	}
	sent := e.emit(events.TypeSprintRejected, map[string]any{
		"project_id":    p.ID,
		"sprint_id":     s2.ID,
		"sprint_number": s2.Number,
	})
	e.syncKnowledge()
	return SprintGateResult{Sprint: s2, EventSent: sent}, nil
}

// swapSprintStatus runs one sprint CAS in its own transaction with history
// and event log. startedAt/completedAt stamps pass through COALESCE so a
// re-entry never overwrites the first stamp.
func (e Engine) swapSprintStatus(ctx context.Context, s domain.Sprint, target, actorID string, startedAt, completedAt *string) (domain.Sprint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Sprint{}, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	affected, err := e.Repo.UpdateSprintStatusTx(ctx, tx, s.ID, s.Status, target, startedAt, completedAt)
	if err != nil {
		return domain.Sprint{}, fmt.Errorf("update sprint status: %w", err)
	}
	if affected == 0 {
		return domain.Sprint{}, ErrConflict
	}
	if err := e.Repo.InsertSprintHistoryTx(ctx, tx, domain.SprintStatusHistory{
		ID:        uuid.New().String(),
		SprintID:  s.ID,
		OldStatus: s.Status,
		NewStatus: target,
		ChangedBy: actorID,
		ChangedAt: now,
	}); err != nil {
		return domain.Sprint{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSprintStatusChanged, s.ProjectID, events.KindSprint, s.ID, actorID, events.EventPayload{
		"from": s.Status,
		"to":   target,
	}); err != nil {
		return domain.Sprint{}, err
	}
	updated, err := e.Repo.GetSprintTx(ctx, tx, s.ID)
	if err != nil {
		return domain.Sprint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Sprint{}, err
	}
	return updated, nil
}

// ReinitiateResult reports a recovery re-send.
type ReinitiateResult struct {
	SprintID  string
	Rebuilt   bool
	EventSent bool
}

// Reinitiate re-sends the kickoff notification for a stuck workflow without
// touching status or history. If the active sprint has no stored handoff it
// is rebuilt from the backlog and architecture artifacts.
func (e Engine) Reinitiate(ctx context.Context, projectID, actorID string) (ReinitiateResult, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return ReinitiateResult{}, err
	}
	if !canAccess(p, actorID) {
		return ReinitiateResult{}, ErrForbidden
	}
	if p.Status != status.ProjectInProgress && p.Status != status.ProjectActive {
		return ReinitiateResult{}, ValidationError{Field: "status", Reason: "project is not in progress (currently " + p.Status + ")"}
	}
	s, err := e.Repo.ActiveSprint(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ReinitiateResult{}, ValidationError{Field: "sprint", Reason: "no active sprint to reinitiate"}
		}
		return ReinitiateResult{}, err
	}
	content, rebuilt := e.handoffForSprint(ctx, p, s)
	payload := map[string]any{
		"project_id":    p.ID,
		"slug":          p.Slug,
		"sprint_id":     s.ID,
		"sprint_number": s.Number,
		"goal":          s.Goal,
		"handoff":       content,
		"reinitiated":   true,
	}
	sent := e.emit(events.TypeSprintApproved, payload)
	return ReinitiateResult{SprintID: s.ID, Rebuilt: rebuilt, EventSent: sent}, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
