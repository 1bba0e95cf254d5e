package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"shipline/internal/domain"
)

func (r Repo) InsertProjectHistoryTx(ctx context.Context, tx *sql.Tx, h domain.ProjectStatusHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_status_history(id,project_id,old_status,new_status,changed_by,changed_at) VALUES (?,?,?,?,?,?)`,
		h.ID, h.ProjectID, h.OldStatus, h.NewStatus, h.ChangedBy, h.ChangedAt)
	return err
}

func (r Repo) InsertSprintHistoryTx(ctx context.Context, tx *sql.Tx, h domain.SprintStatusHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprint_status_history(id,sprint_id,old_status,new_status,changed_by,changed_at) VALUES (?,?,?,?,?,?)`,
		h.ID, h.SprintID, h.OldStatus, h.NewStatus, h.ChangedBy, h.ChangedAt)
	return err
}

func (r Repo) ListProjectHistory(ctx context.Context, projectID string) ([]domain.ProjectStatusHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,old_status,new_status,changed_by,changed_at FROM project_status_history WHERE project_id=? ORDER BY changed_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectStatusHistory
	for rows.Next() {
		var h domain.ProjectStatusHistory
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.OldStatus, &h.NewStatus, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) ListSprintHistory(ctx context.Context, sprintID string) ([]domain.SprintStatusHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sprint_id,old_status,new_status,changed_by,changed_at FROM sprint_status_history WHERE sprint_id=? ORDER BY changed_at ASC, id ASC`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SprintStatusHistory
	for rows.Next() {
		var h domain.SprintStatusHistory
		if err := rows.Scan(&h.ID, &h.SprintID, &h.OldStatus, &h.NewStatus, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertWorkflowTransitionTx(ctx context.Context, tx *sql.Tx, t domain.WorkflowTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_transitions(id,project_id,sprint_id,from_status,to_status,from_role,to_role,decision,summary,actor_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.SprintID, t.FromStatus, t.ToStatus, t.FromRole, t.ToRole, nullable(t.Decision), t.Summary, t.ActorID, t.CreatedAt)
	return err
}

func (r Repo) ListWorkflowTransitions(ctx context.Context, sprintID string) ([]domain.WorkflowTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,sprint_id,from_status,to_status,from_role,to_role,COALESCE(decision,''),summary,actor_id,created_at FROM workflow_transitions WHERE sprint_id=? ORDER BY created_at ASC, id ASC`, sprintID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTransition
	for rows.Next() {
		var t domain.WorkflowTransition
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.SprintID, &t.FromStatus, &t.ToStatus, &t.FromRole, &t.ToRole, &t.Decision, &t.Summary, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEvents returns recent event-log rows, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
