package domain

type Project struct {
	ID             string  `json:"id"`
	Slug           string  `json:"slug"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status"`
	ApprovalStatus string  `json:"approval_status"`
	OwnerID        *string `json:"owner_id,omitempty"`
	ImplementerID  *string `json:"implementer_id,omitempty"`
	ArchivedAt     *string `json:"archived_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Sprint struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Number         int     `json:"number"`
	Name           string  `json:"name"`
	Goal           string  `json:"goal,omitempty"`
	Status         string  `json:"status" enum:"PLANNED,IN_PROGRESS,REVIEW,AWAITING_APPROVAL,COMPLETED,BLOCKED"`
	HandoffContent *string `json:"handoff_content,omitempty"`
	ReviewSummary  *string `json:"review_summary,omitempty"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

// Artifact rows are append-only; a regenerated document is a new row with a
// bumped version, never an edit.
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Type      string `json:"type" enum:"BACKLOG,ARCHITECTURE,PROJECT_HANDOFF,HANDOFF"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Version   int    `json:"version"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ProjectStatusHistory struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ChangedBy string `json:"changed_by"`
	ChangedAt string `json:"changed_at" format:"date-time"`
}

type SprintStatusHistory struct {
	ID        string `json:"id"`
	SprintID  string `json:"sprint_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	ChangedBy string `json:"changed_by"`
	ChangedAt string `json:"changed_at" format:"date-time"`
}

// WorkflowTransition is the audit record of one role-to-role handoff.
type WorkflowTransition struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	SprintID   string `json:"sprint_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	FromRole   string `json:"from_role"`
	ToRole     string `json:"to_role"`
	Decision   string `json:"decision,omitempty"`
	Summary    string `json:"summary"`
	ActorID    string `json:"actor_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
