package domain

import (
	"slices"
	"time"
)

type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAccepted   Status = "accepted"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// Valid reports whether s names one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAccepted, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// SystemActor is recorded as the actor of transitions driven by the sweeper.
const SystemActor = "system"

type User struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	LedgerAccount   string        `json:"ledger_account"`
	Banned          bool          `json:"banned"`
	BlockedUserIDs  []string      `json:"blocked_user_ids"`
	MinTaskPrice    int64         `json:"min_task_price"`
	MinTaskDuration time.Duration `json:"min_task_duration"`
	CreatedAt       time.Time     `json:"created_at" format:"date-time"`
}

// Blocks reports whether u has id in its blocklist.
func (u User) Blocks(id string) bool {
	return slices.Contains(u.BlockedUserIDs, id)
}

type Task struct {
	ID                   string        `json:"id"`
	Description          string        `json:"description"`
	MinPrice             int64         `json:"min_price"`
	MaxPrice             int64         `json:"max_price"`
	RequestedBy          string        `json:"requested_by"`
	ExecutedBy           *string       `json:"executed_by,omitempty"`
	AmountEscrowed       int64         `json:"amount_escrowed"`
	AmountPaid           int64         `json:"amount_paid"`
	MatchExpiration      time.Duration `json:"match_expiration"`
	CompletionExpiration time.Duration `json:"completion_expiration"`
	SubmittedAt          time.Time     `json:"submitted_at" format:"date-time"`
	AcceptedAt           *time.Time    `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt          *time.Time    `json:"completed_at,omitempty" format:"date-time"`
	CanceledAt           *time.Time    `json:"canceled_at,omitempty" format:"date-time"`
}

// Status derives the lifecycle state from the timestamps. It is never stored.
func (t Task) Status() Status {
	switch {
	case t.CanceledAt != nil:
		return StatusCanceled
	case t.CompletedAt != nil:
		return StatusCompleted
	case t.AcceptedAt != nil:
		return StatusAccepted
	default:
		return StatusUnassigned
	}
}

// IsParty reports whether userID is the requester or the executor.
func (t Task) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	if t.RequestedBy == userID {
		return true
	}
	return t.ExecutedBy != nil && *t.ExecutedBy == userID
}

// CompletionDeadline returns when an accepted task expires; ok is false when
// the task is not accepted or has no completion window.
func (t Task) CompletionDeadline() (deadline time.Time, ok bool) {
	if t.Status() != StatusAccepted || t.CompletionExpiration <= 0 {
		return time.Time{}, false
	}
	return t.AcceptedAt.Add(t.CompletionExpiration), true
}

// MatchDeadline returns when an unassigned task stops being offered.
func (t Task) MatchDeadline() (deadline time.Time, ok bool) {
	if t.Status() != StatusUnassigned || t.MatchExpiration <= 0 {
		return time.Time{}, false
	}
	return t.SubmittedAt.Add(t.MatchExpiration), true
}

type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	SenderID  string    `json:"sender_id"`
	Seq       int64     `json:"seq"`
	Text      *string   `json:"text,omitempty"`
	ImageRef  *string   `json:"image_ref,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
