package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated      = "task.created"
	TaskAccepted     = "task.accepted"
	TaskCanceled     = "task.canceled"
	TaskExpired      = "task.expired"
	TaskCompleted    = "task.completed"
	EscrowRefunded   = "task.escrow_refunded"
	MessageAdded     = "message.added"
	UserRegistered   = "user.registered"
	UserUpdated      = "user.updated"
	UserBlocked      = "user.blocked"
	UserUnblocked    = "user.unblocked"
	UserBanned       = "user.banned"
	UserUnbanned     = "user.unbanned"
	APIKeyCreated    = "api_key.created"
	APIKeyRevoked    = "api_key.revoked"
	TransferOrphaned = "ledger.transfer_orphaned"
)

// Writer appends audit events inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
