package repo

import (
	"context"
	"database/sql"

	"shipline/internal/domain"
)

const artifactColumns = `id,project_id,type,name,content,version,created_at`

func scanArtifact(scan func(...any) error) (domain.Artifact, error) {
	var a domain.Artifact
	err := scan(&a.ID, &a.ProjectID, &a.Type, &a.Name, &a.Content, &a.Version, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertArtifactTx appends an artifact row, assigning the next version for
// the (project, type, name) series. Artifacts are never updated in place.
func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) (domain.Artifact, error) {
	var version int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM artifacts WHERE project_id=? AND type=? AND name=?`,
		a.ProjectID, a.Type, a.Name).Scan(&version)
	if err != nil {
		return a, err
	}
	a.Version = version
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,type,name,content,version,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Type, a.Name, a.Content, a.Version, a.CreatedAt)
	return a, err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id)
	return scanArtifact(row.Scan)
}

// LatestArtifact returns the newest version of a project's artifact type.
func (r Repo) LatestArtifact(ctx context.Context, projectID, artifactType string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND type=? ORDER BY version DESC, created_at DESC LIMIT 1`,
		projectID, artifactType)
	return scanArtifact(row.Scan)
}

// LatestArtifactNamed returns the newest version of one named artifact.
func (r Repo) LatestArtifactNamed(ctx context.Context, projectID, artifactType, name string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND type=? AND name=? ORDER BY version DESC LIMIT 1`,
		projectID, artifactType, name)
	return scanArtifact(row.Scan)
}

func (r Repo) ListArtifacts(ctx context.Context, projectID, artifactType string) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id=?`
	args := []any{projectID}
	if artifactType != "" {
		query += ` AND type=?`
		args = append(args, artifactType)
	}
	query += ` ORDER BY created_at DESC, version DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
