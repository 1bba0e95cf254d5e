// Package events persists the append-only log that records every
// lifecycle change: project and sprint status moves, plan generation,
// approval decisions and role handoffs. A log row shares its transaction
// with the state change it describes, so the two commit or roll back
// together.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine. Bus notifications reuse the same
// names, so a log row can be matched to its webhook delivery.
const (
	TypeProjectCreated         = "project.created"
	TypeProjectStatusChanged   = "project.status.changed"
	TypeProjectApprovalChanged = "project.approval.changed"
	TypeProjectKickoff         = "project.kickoff"
	TypeProjectCompleted       = "project.completed"
	TypePlanGenerated          = "plan.generated"
	TypeSprintStatusChanged    = "sprint.status.changed"
	TypeSprintApproved         = "sprint.approved"
	TypeSprintRejected         = "sprint.rejected"
	TypeSprintAdvanced         = "sprint.advanced"
	TypeWorkflowHandoff        = "workflow.handoff"
)

// Entity kinds a log row may reference.
const (
	KindProject = "project"
	KindSprint  = "sprint"
)

// Writer appends to the event log inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload is the free-form JSON body of one log row.
type EventPayload map[string]any

// Append writes one event row. projectID and entityID may be empty and are
// stored as NULL; a nil payload is stored as an empty object.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, eventType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), eventType, nullable(projectID), entityKind, nullable(entityID), actorID, string(body))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
