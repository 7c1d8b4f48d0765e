package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stateline/internal/domain"
)

// AssignMemberRole grants or replaces an actor's role in a workspace.
func (r Repo) AssignMemberRole(ctx context.Context, tx *sql.Tx, workspace, actorID string, role int) error {
	if workspace == "" || actorID == "" {
		return errors.New("workspace and actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.exec(ctx, tx, `INSERT INTO workspace_members(workspace, actor_id, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(workspace, actor_id) DO UPDATE SET role=excluded.role`, workspace, actorID, role, now)
	return err
}

func (r Repo) RevokeMember(ctx context.Context, tx *sql.Tx, workspace, actorID string) error {
	res, err := r.exec(ctx, tx, `DELETE FROM workspace_members WHERE workspace=? AND actor_id=?`, workspace, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRole returns the actor's role value in the workspace.
func (r Repo) MemberRole(ctx context.Context, workspace, actorID string) (int, error) {
	var role int
	err := r.DB.QueryRowContext(ctx, r.DB.Rebind(`SELECT role FROM workspace_members WHERE workspace=? AND actor_id=?`), workspace, actorID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return role, err
}

func (r Repo) ListMembers(ctx context.Context, workspace string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(`SELECT workspace, actor_id, role, created_at FROM workspace_members WHERE workspace=? ORDER BY actor_id`), workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.Workspace, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
