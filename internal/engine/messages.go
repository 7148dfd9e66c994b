package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"marketline/internal/domain"
	"marketline/internal/engine/policy"
	"marketline/internal/events"
)

// MessageContent is exactly one of Text or Image.
type MessageContent struct {
	Text  *string
	Image []byte
}

func (e Engine) validateContent(c MessageContent) error {
	switch {
	case c.Text != nil && c.Image != nil:
		return fmt.Errorf("%w: message carries both text and image", domain.ErrInvalidArgument)
	case c.Text != nil:
		if strings.TrimSpace(*c.Text) == "" {
			return fmt.Errorf("%w: message text is empty", domain.ErrInvalidArgument)
		}
		if limit := e.Config.Tasks.MaxTextBytes; len(*c.Text) > limit {
			return fmt.Errorf("%w: text is %d bytes, limit %d", domain.ErrPayloadTooLarge, len(*c.Text), limit)
		}
	case c.Image != nil:
		if limit := e.Config.Tasks.MaxImageBytes; len(c.Image) > limit {
			return fmt.Errorf("%w: image is %d bytes, limit %d", domain.ErrPayloadTooLarge, len(c.Image), limit)
		}
	default:
		return fmt.Errorf("%w: message needs text or image", domain.ErrInvalidArgument)
	}
	return nil
}

// AddMessage appends a message from a party to an accepted task. Images go
// to the blob store and only the reference is kept on the message.
func (e Engine) AddMessage(ctx context.Context, taskID string, sender domain.User, content MessageContent) (domain.Message, error) {
	unlock := e.lock(taskID)
	defer unlock()

	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return domain.Message{}, err
	}
	if err := requireStatus(t, domain.StatusAccepted); err != nil {
		return domain.Message{}, err
	}
	if err := policy.CanAct(policy.ActionMessage, t, sender, sender); err != nil {
		return domain.Message{}, err
	}
	if err := e.validateContent(content); err != nil {
		return domain.Message{}, err
	}

	m := domain.Message{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		SenderID:  sender.ID,
		Text:      content.Text,
		CreatedAt: e.now(),
	}
	if content.Image != nil {
		ref, err := e.Blobs.Put(content.Image)
		if err != nil {
			return domain.Message{}, err
		}
		m.ImageRef = &ref
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := e.Repo.InsertMessage(ctx, tx, m)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		m.Seq = seq
		kind := "text"
		if m.ImageRef != nil {
			kind = "image"
		}
		return e.emit(ctx, tx, events.MessageAdded, "task", t.ID, sender.ID, events.EventPayload{"message_id": m.ID, "kind": kind})
	})
	if err != nil {
		if m.ImageRef != nil {
			if derr := e.Blobs.Delete(*m.ImageRef); derr != nil {
				e.log().WarnContext(ctx, "drop unreferenced image", "task_id", t.ID, "ref", *m.ImageRef, "err", derr)
			}
		}
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns messages[start:end] of a task in creation order. A nil
// end reads to the last message; a negative start or end before start yields
// an empty slice.
func (e Engine) ListMessages(ctx context.Context, taskID string, viewer domain.User, start int, end *int) ([]domain.Message, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := policy.CanAct(policy.ActionView, t, viewer, viewer); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, t.ID, start, end)
}

// GetImage returns an image attached to one of the task's messages.
func (e Engine) GetImage(ctx context.Context, taskID, ref string, viewer domain.User) ([]byte, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := policy.CanAct(policy.ActionView, t, viewer, viewer); err != nil {
		return nil, err
	}
	ok, err := e.Repo.HasImage(ctx, t.ID, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: image %s on task %s", domain.ErrNotFound, ref, t.ID)
	}
	return e.Blobs.Get(ref)
}
