package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type Writer struct {
	DB *sql.DB
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction. The timestamp
// comes from the caller so event rows carry the same clock as the state
// change they record.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, ts, evtType, contractID, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,contract_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(contractID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
