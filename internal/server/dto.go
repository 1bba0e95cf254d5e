package server

import (
	"shipline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	OwnerID       *string `json:"owner_id,omitempty"`
	ImplementerID *string `json:"implementer_id,omitempty"`
}

type TransitionProjectRequest struct {
	ExpectedStatus string `json:"expected_status"`
	TargetStatus   string `json:"target_status"`
}

type SetApprovalRequest struct {
	ApprovalStatus string `json:"approval_status" enum:"PENDING,APPROVED,REJECTED,REVISION_REQUESTED"`
}

type SprintPlanRequest struct {
	Name string `json:"name"`
	Goal string `json:"goal,omitempty"`
}

type GeneratePlanRequest struct {
	Backlog        string              `json:"backlog,omitempty"`
	Architecture   string              `json:"architecture,omitempty"`
	ProjectHandoff string              `json:"project_handoff,omitempty"`
	Sprints        []SprintPlanRequest `json:"sprints"`
}

type HandoffRequest struct {
	FromStatus string `json:"from_status" enum:"IMPLEMENTING,REVIEWING,TESTING,AWAITING_APPROVAL,COMPLETED"`
	ToStatus   string `json:"to_status" enum:"IMPLEMENTING,REVIEWING,TESTING,AWAITING_APPROVAL,COMPLETED"`
	FromRole   string `json:"from_role" enum:"Implementer,Reviewer,QA,PM"`
	ToRole     string `json:"to_role" enum:"Implementer,Reviewer,QA,PM"`
	Decision   string `json:"decision,omitempty"`
	Summary    string `json:"summary"`
	Content    string `json:"content,omitempty"`
}

// Response payloads

type ProjectResponse = domain.Project

type SprintResponse = domain.Sprint

type KickoffResponse struct {
	Project   ProjectResponse  `json:"project"`
	Sprints   []SprintResponse `json:"sprints"`
	EventSent bool             `json:"event_sent"`
}

type SprintGateResponse struct {
	Sprint    SprintResponse `json:"sprint"`
	EventSent bool           `json:"event_sent"`
}

type HandoffResponse struct {
	Transition       domain.WorkflowTransition `json:"transition"`
	Sprint           SprintResponse            `json:"sprint"`
	ArtifactID       string                    `json:"artifact_id"`
	EventSent        bool                      `json:"event_sent"`
	NextSprintID     string                    `json:"next_sprint_id,omitempty"`
	ProjectCompleted bool                      `json:"project_completed"`
}

type ReinitiateResponse struct {
	SprintID  string `json:"sprint_id"`
	Rebuilt   bool   `json:"rebuilt"`
	EventSent bool   `json:"event_sent"`
}

type HistoryResponse struct {
	Project []domain.ProjectStatusHistory `json:"project"`
	Sprints []domain.SprintStatusHistory  `json:"sprints,omitempty"`
}
