package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stateline/internal/db"
	"stateline/internal/domain"
)

// Repo holds the hand written SQL that sits outside the generic resource store:
// credentials, workspace membership and the activity log.
type Repo struct {
	DB *db.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exec runs on tx when given, otherwise on the pool.
func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	var e execer = r.DB
	if tx != nil {
		e = tx
	}
	return e.ExecContext(ctx, r.DB.Rebind(query), args...)
}

type EventFilter struct {
	Workspace  string
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"workspace=?"}
	args := []any{f.Workspace}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

// LatestEvents returns events newest first. A non-empty cursor returns events
// older than that event id. Event ids are time ordered.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter, limit int, cursor string) ([]domain.Event, error) {
	if f.Workspace == "" {
		return nil, errors.New("workspace required")
	}
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor != "" {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,workspace,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args)
}

// EventsAfter returns events newer than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, f EventFilter, limit int, cursor string) ([]domain.Event, error) {
	if f.Workspace == "" {
		return nil, errors.New("workspace required")
	}
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor != "" {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,workspace,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args)
}

func (r Repo) queryEvents(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.DB.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Workspace, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
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
