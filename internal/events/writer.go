package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	WorkspaceCreated      = "workspace.created"
	WorkspaceTransitioned = "workspace.transitioned"
	WorkspaceLocked       = "workspace.locked"
	StageCommitted        = "stage.committed"
	EntityCreated         = "entity.created"
	ElementResolved       = "missing_element.resolved"
	ActionExecuted        = "proposed_action.executed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside tx so it commits or rolls back with the
// mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, payload EventPayload) error {
	ts, data, err := w.Encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(workspaceID), entityKind, nullable(entityID), actorID, data)
	return err
}

// Encode returns the timestamp and JSON body Append would store.
func (w Writer) Encode(payload EventPayload) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return now().UTC().Format(time.RFC3339), string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
