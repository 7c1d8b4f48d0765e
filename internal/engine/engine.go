package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"stateline/internal/catalog"
	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/events"
	"stateline/internal/metrics"
	"stateline/internal/repo"
	"stateline/internal/store"
)

type Options struct {
	// TransitionDefaultAllow decides pairs that have no stored transition row.
	TransitionDefaultAllow bool
	SequenceSeed           float64
	SequenceStep           float64
}

func DefaultOptions() Options {
	return Options{TransitionDefaultAllow: true, SequenceSeed: 65535, SequenceStep: 15000}
}

// StateUsage reports whether live work items still reference a state.
type StateUsage interface {
	StateInUse(ctx context.Context, workspace, projectID, stateID string) (bool, error)
}

type Engine struct {
	DB      *db.DB
	Repo    repo.Repo
	Events  events.Writer
	Options Options
	Usage   StateUsage
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Now     func() time.Time
}

func New(conn *db.DB, opts Options) Engine {
	return Engine{
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Options: opts,
		Log:     zap.NewNop(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

// Store returns the soft-delete store for a catalog resource.
func (e Engine) Store(schema store.Schema) store.Store {
	return store.Store{DB: e.DB, Schema: schema, Now: e.Now}
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// EnsureIndexes creates the live-row unique indexes for every resource.
func (e Engine) EnsureIndexes(ctx context.Context) error {
	for _, schema := range catalog.All() {
		if err := e.Store(schema).EnsureIndexes(ctx); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in one transaction and records the outcome under resource/op.
func (e Engine) inTx(ctx context.Context, resource, op string, fn func(tx *sql.Tx) error) (err error) {
	defer func() {
		e.Metrics.RecordStoreOp(resource, op, err)
		if store.IsUnavailable(err) {
			e.log().Warn("store unavailable", zap.String("resource", resource), zap.String("op", op), zap.Error(err))
		}
	}()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return store.Classify(resource+"."+op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return store.Classify(resource+"."+op, tx.Commit())
}

func (e Engine) observeRead(resource, op string, err error) {
	e.Metrics.RecordStoreOp(resource, op, err)
	if store.IsUnavailable(err) {
		e.log().Warn("store unavailable", zap.String("resource", resource), zap.String("op", op), zap.Error(err))
	}
}

func projectScope(workspace, projectID string) store.Scope {
	return store.Scope{"workspace": workspace, "project_id": projectID}
}

func optionalString(rec store.Record, name string) *string {
	if v, ok := rec[name].(string); ok {
		return &v
	}
	return nil
}

func auditFrom(rec store.Record) domain.Audit {
	a := domain.Audit{
		CreatedAt: rec.Time(store.ColCreatedAt),
		UpdatedAt: rec.Time(store.ColUpdatedAt),
		CreatedBy: rec.String(store.ColCreatedBy),
		UpdatedBy: rec.String(store.ColUpdatedBy),
	}
	if rec.Deleted() {
		t := rec.Time(store.ColDeletedAt)
		a.DeletedAt = &t
	}
	return a
}
