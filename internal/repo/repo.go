package repo

import (
	"context"
	"database/sql"
	"errors"

	"shipline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,slug,name,COALESCE(description,'') AS description,status,approval_status,owner_id,implementer_id,archived_at,created_at,updated_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var ownerID, implementerID, archivedAt sql.NullString
	err := scan(&p.ID, &p.Slug, &p.Name, &p.Description, &p.Status, &p.ApprovalStatus, &ownerID, &implementerID, &archivedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if ownerID.Valid {
		p.OwnerID = &ownerID.String
	}
	if implementerID.Valid {
		p.ImplementerID = &implementerID.String
	}
	if archivedAt.Valid {
		p.ArchivedAt = &archivedAt.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,slug,name,description,status,approval_status,owner_id,implementer_id,archived_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, nullable(p.Description), p.Status, p.ApprovalStatus,
		nullableStringPtr(p.OwnerID), nullableStringPtr(p.ImplementerID), nullableStringPtr(p.ArchivedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectBySlug(ctx context.Context, slug string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE slug=?`, slug)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectStatusTx is the compare-and-swap primitive for project status:
// the row is written only while its status still equals expected. The caller
// decides what an affected count of zero means.
func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, expected, target string, archivedAt *string, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, archived_at=?, updated_at=? WHERE id=? AND status=?`,
		target, nullableStringPtr(archivedAt), updatedAt, id, expected)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetProjectStatusTx writes the status unconditionally. Callers must have
// re-read the row in the same transaction so the change they record is
// against the committed status, not a stale one.
func (r Repo) SetProjectStatusTx(ctx context.Context, tx *sql.Tx, id, target string, archivedAt *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, archived_at=?, updated_at=? WHERE id=?`,
		target, nullableStringPtr(archivedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetApprovalStatusTx(ctx context.Context, tx *sql.Tx, id, approval, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET approval_status=?, updated_at=? WHERE id=?`, approval, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sprintColumns = `id,project_id,number,name,COALESCE(goal,'') AS goal,status,handoff_content,review_summary,started_at,completed_at,created_at`

func scanSprint(scan func(...any) error) (domain.Sprint, error) {
	var s domain.Sprint
	var handoffContent, reviewSummary, startedAt, completedAt sql.NullString
	err := scan(&s.ID, &s.ProjectID, &s.Number, &s.Name, &s.Goal, &s.Status, &handoffContent, &reviewSummary, &startedAt, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if handoffContent.Valid {
		s.HandoffContent = &handoffContent.String
	}
	if reviewSummary.Valid {
		s.ReviewSummary = &reviewSummary.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) InsertSprintTx(ctx context.Context, tx *sql.Tx, s domain.Sprint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sprints(id,project_id,number,name,goal,status,handoff_content,review_summary,started_at,completed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Number, s.Name, nullable(s.Goal), s.Status,
		nullableStringPtr(s.HandoffContent), nullableStringPtr(s.ReviewSummary),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), s.CreatedAt)
	return err
}

func (r Repo) GetSprint(ctx context.Context, id string) (domain.Sprint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, id)
	return scanSprint(row.Scan)
}

func (r Repo) GetSprintTx(ctx context.Context, tx *sql.Tx, id string) (domain.Sprint, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE id=?`, id)
	return scanSprint(row.Scan)
}

func (r Repo) GetSprintByNumber(ctx context.Context, projectID string, number int) (domain.Sprint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE project_id=? AND number=?`, projectID, number)
	return scanSprint(row.Scan)
}

// GetSprintByNumberTx reads a sprint by (project, number) inside the caller's
// transaction, so auto-advance checks see the same snapshot they write.
func (r Repo) GetSprintByNumberTx(ctx context.Context, tx *sql.Tx, projectID string, number int) (domain.Sprint, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE project_id=? AND number=?`, projectID, number)
	return scanSprint(row.Scan)
}

func (r Repo) ListSprints(ctx context.Context, projectID string) ([]domain.Sprint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE project_id=? ORDER BY number ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Sprint
	for rows.Next() {
		s, err := scanSprint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ActiveSprint returns the lowest-numbered sprint that is not COMPLETED.
func (r Repo) ActiveSprint(ctx context.Context, projectID string) (domain.Sprint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sprintColumns+` FROM sprints WHERE project_id=? AND status != 'COMPLETED' ORDER BY number ASC LIMIT 1`, projectID)
	return scanSprint(row.Scan)
}

// UpdateSprintStatusTx is the sprint compare-and-swap. startedAt/completedAt
// are only ever filled in, never overwritten: COALESCE keeps the first stamp.
func (r Repo) UpdateSprintStatusTx(ctx context.Context, tx *sql.Tx, id, expected, target string, startedAt, completedAt *string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sprints SET status=?, started_at=COALESCE(started_at,?), completed_at=COALESCE(completed_at,?) WHERE id=? AND status=?`,
		target, nullableStringPtr(startedAt), nullableStringPtr(completedAt), id, expected)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) SetSprintHandoffTx(ctx context.Context, tx *sql.Tx, id, content string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sprints SET handoff_content=? WHERE id=?`, content, id)
	return err
}

func (r Repo) SetSprintReviewSummaryTx(ctx context.Context, tx *sql.Tx, id, summary string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sprints SET review_summary=? WHERE id=?`, summary, id)
	return err
}
