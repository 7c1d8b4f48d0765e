package engine

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	"stateline/internal/catalog"
	"stateline/internal/events"
	"stateline/internal/store"
)

// Resource is CRUD over one catalog schema with activity events. States and
// transitions have their own operations and are not served here.
type Resource struct {
	engine Engine
	store  store.Store
}

func (e Engine) Resource(name string) (Resource, error) {
	if name == catalog.State || name == catalog.StateTransition {
		return Resource{}, fmt.Errorf("resource %s has dedicated operations", name)
	}
	schema, err := catalog.Lookup(name)
	if err != nil {
		return Resource{}, err
	}
	return Resource{engine: e, store: e.Store(schema)}, nil
}

func (r Resource) Name() string { return r.store.Schema.Resource }

func (r Resource) Schema() store.Schema { return r.store.Schema }

func (r Resource) appendEvent(ctx context.Context, tx *sql.Tx, action string, rec store.Record, actor string, payload events.EventPayload) error {
	return r.engine.events().Append(ctx, tx, r.Name()+"."+action, rec.String("workspace"), rec.String("project_id"), r.Name(), rec.ID(), actor, payload)
}

// checkReferences requires referenced workspace resources to be live.
func (r Resource) checkReferences(ctx context.Context, tx *sql.Tx, rec store.Record) error {
	for _, ref := range catalog.References[r.Name()] {
		id, _ := rec[ref.Field].(string)
		if id == "" {
			continue
		}
		schema, err := catalog.Lookup(ref.Resource)
		if err != nil {
			return err
		}
		_, err = r.engine.Store(schema).GetTx(ctx, tx, id, store.Scope{"workspace": rec["workspace"]})
		if store.IsNotFound(err) {
			return &store.ValidationError{Field: ref.Field, Reason: fmt.Sprintf("must reference a live %s", ref.Resource)}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Resource) Create(ctx context.Context, actor string, input store.Record) (store.Record, error) {
	var out store.Record
	err := r.engine.inTx(ctx, r.Name(), "create", func(tx *sql.Tx) error {
		if err := r.checkReferences(ctx, tx, input); err != nil {
			return err
		}
		var err error
		if out, err = r.store.CreateTx(ctx, tx, actor, input); err != nil {
			return err
		}
		return r.appendEvent(ctx, tx, "created", out, actor, events.RecordPayload(out))
	})
	return out, err
}

func (r Resource) Get(ctx context.Context, id string, scope store.Scope) (store.Record, error) {
	rec, err := r.store.Get(ctx, id, scope)
	r.engine.observeRead(r.Name(), "get", err)
	return rec, err
}

// List is lazy; each iteration queries the store again.
func (r Resource) List(ctx context.Context, q store.Query) iter.Seq2[store.Record, error] {
	return r.store.List(ctx, q)
}

// Update applies patch and records an event. An empty patch only reads.
func (r Resource) Update(ctx context.Context, actor, id string, scope store.Scope, patch store.Record) (store.Record, error) {
	if len(patch) == 0 {
		return r.Get(ctx, id, scope)
	}
	var out store.Record
	err := r.engine.inTx(ctx, r.Name(), "update", func(tx *sql.Tx) error {
		var err error
		if out, err = r.store.UpdateTx(ctx, tx, actor, id, scope, patch); err != nil {
			return err
		}
		return r.appendEvent(ctx, tx, "updated", out, actor, events.EventPayload(patch))
	})
	return out, err
}

func (r Resource) Delete(ctx context.Context, actor, id string, scope store.Scope) error {
	return r.engine.inTx(ctx, r.Name(), "delete", func(tx *sql.Tx) error {
		rec, changed, err := r.store.SoftDeleteTx(ctx, tx, actor, id, scope)
		if err != nil || !changed {
			return err
		}
		return r.appendEvent(ctx, tx, "deleted", rec, actor, nil)
	})
}
