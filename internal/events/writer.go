package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stateline/internal/db"
	"stateline/internal/store"
)

// Writer appends activity events inside the caller's transaction so an event
// exists exactly when its mutation committed.
type Writer struct {
	DB  *db.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspace, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := w.Now().UTC().Format(store.TimeLayout)
	_, err = tx.ExecContext(ctx, w.DB.Rebind(`INSERT INTO events(id,ts,type,workspace,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`),
		id.String(), ts, evtType, workspace, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// RecordPayload flattens a record into an event payload.
func RecordPayload(rec store.Record) EventPayload {
	out := EventPayload{}
	for k, v := range rec {
		if t, ok := v.(time.Time); ok {
			out[k] = t.Format(time.RFC3339Nano)
			continue
		}
		out[k] = v
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
