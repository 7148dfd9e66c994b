package server

import (
	"time"

	"marketline/internal/domain"
)

// Request payloads

// RegisterUserRequest registers the authenticated principal. Its ledger
// account is the principal's user id.
type RegisterUserRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

type UpdateProfileRequest struct {
	DisplayName            *string `json:"display_name,omitempty"`
	MinTaskPrice           *int64  `json:"min_task_price,omitempty" minimum:"0"`
	MinTaskDurationSeconds *int64  `json:"min_task_duration_seconds,omitempty" minimum:"0"`
}

type BlockUserRequest struct {
	UserID string `json:"user_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	Description                 string `json:"description"`
	MinPrice                    int64  `json:"min_price" minimum:"0"`
	MaxPrice                    int64  `json:"max_price" minimum:"0"`
	MatchExpirationSeconds      int64  `json:"match_expiration_seconds,omitempty" minimum:"0" doc:"0 uses the server default"`
	CompletionExpirationSeconds int64  `json:"completion_expiration_seconds,omitempty" minimum:"0" doc:"0 uses the server default"`
}

type AddMessageRequest struct {
	Text  *string `json:"text,omitempty"`
	Image []byte  `json:"image,omitempty" doc:"Base64 image bytes, at most 1 MiB decoded"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type UserResponse struct {
	ID                     string   `json:"id"`
	DisplayName            string   `json:"display_name"`
	LedgerAccount          string   `json:"ledger_account"`
	Banned                 bool     `json:"banned"`
	BlockedUserIDs         []string `json:"blocked_user_ids"`
	MinTaskPrice           int64    `json:"min_task_price"`
	MinTaskDurationSeconds int64    `json:"min_task_duration_seconds"`
	CreatedAt              string   `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID                          string  `json:"id"`
	Status                      string  `json:"status" enum:"unassigned,accepted,completed,canceled"`
	Description                 string  `json:"description"`
	MinPrice                    int64   `json:"min_price"`
	MaxPrice                    int64   `json:"max_price"`
	RequestedBy                 string  `json:"requested_by"`
	ExecutedBy                  *string `json:"executed_by,omitempty"`
	AmountEscrowed              int64   `json:"amount_escrowed"`
	AmountPaid                  int64   `json:"amount_paid"`
	MatchExpirationSeconds      int64   `json:"match_expiration_seconds"`
	CompletionExpirationSeconds int64   `json:"completion_expiration_seconds"`
	SubmittedAt                 string  `json:"submitted_at" format:"date-time"`
	AcceptedAt                  *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt                 *string `json:"completed_at,omitempty" format:"date-time"`
	CanceledAt                  *string `json:"canceled_at,omitempty" format:"date-time"`
}

type MessageResponse struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	SenderID  string  `json:"sender_id"`
	Seq       int64   `json:"seq"`
	Text      *string `json:"text,omitempty"`
	ImageRef  *string `json:"image_ref,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Secret    string `json:"secret,omitempty" doc:"Only returned on creation"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type taskList struct {
	Items []TaskResponse `json:"items"`
}

type messageList struct {
	Items []MessageResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type apiKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func userResponse(u domain.User) UserResponse {
	blocked := u.BlockedUserIDs
	if blocked == nil {
		blocked = []string{}
	}
	return UserResponse{
		ID:                     u.ID,
		DisplayName:            u.DisplayName,
		LedgerAccount:          u.LedgerAccount,
		Banned:                 u.Banned,
		BlockedUserIDs:         blocked,
		MinTaskPrice:           u.MinTaskPrice,
		MinTaskDurationSeconds: int64(u.MinTaskDuration / time.Second),
		CreatedAt:              formatTime(u.CreatedAt),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:                          t.ID,
		Status:                      string(t.Status()),
		Description:                 t.Description,
		MinPrice:                    t.MinPrice,
		MaxPrice:                    t.MaxPrice,
		RequestedBy:                 t.RequestedBy,
		ExecutedBy:                  t.ExecutedBy,
		AmountEscrowed:              t.AmountEscrowed,
		AmountPaid:                  t.AmountPaid,
		MatchExpirationSeconds:      int64(t.MatchExpiration / time.Second),
		CompletionExpirationSeconds: int64(t.CompletionExpiration / time.Second),
		SubmittedAt:                 formatTime(t.SubmittedAt),
		AcceptedAt:                  formatTimePtr(t.AcceptedAt),
		CompletedAt:                 formatTimePtr(t.CompletedAt),
		CanceledAt:                  formatTimePtr(t.CanceledAt),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		TaskID:    m.TaskID,
		SenderID:  m.SenderID,
		Seq:       m.Seq,
		Text:      m.Text,
		ImageRef:  m.ImageRef,
		CreatedAt: formatTime(m.CreatedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, Secret: secret}
}
