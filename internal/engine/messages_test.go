package engine_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"marketline/internal/domain"
	"marketline/internal/engine"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func text(s string) engine.MessageContent { return engine.MessageContent{Text: &s} }

func TestMessagesRequireAcceptedTaskAndParty(t *testing.T) {
	env := newTestEnv(t)
	req, w, other := env.user(t, "req"), env.user(t, "w"), env.user(t, "other")
	task := env.task(t, req, 1, 2)

	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, req, text("hi")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected InvalidState before accept, got %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, w); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, other, text("hi")); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected Forbidden for outsider, got %v", err)
	}
	if _, err := env.Engine.ListMessages(env.Ctx, task.ID, other, 0, nil); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected Forbidden listing for outsider, got %v", err)
	}
	if _, err := env.Engine.AddMessage(env.Ctx, "missing", req, text("hi")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMessagesContentRules(t *testing.T) {
	env := newTestEnv(t)
	req, w := env.user(t, "req"), env.user(t, "w")
	task := env.task(t, req, 1, 2)
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, w); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, w, text("   ")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for empty text, got %v", err)
	}
	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, w, engine.MessageContent{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for empty content, got %v", err)
	}
	long := strings.Repeat("a", env.Engine.Config.Tasks.MaxTextBytes+1)
	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, w, text(long)); !errors.Is(err, domain.ErrPayloadTooLarge) {
		t.Fatalf("expected PayloadTooLarge for text, got %v", err)
	}
	big := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{0}, 1<<20)...)
	if _, err := env.Engine.AddMessage(env.Ctx, task.ID, w, engine.MessageContent{Image: big}); !errors.Is(err, domain.ErrPayloadTooLarge) {
		t.Fatalf("expected PayloadTooLarge for image, got %v", err)
	}

	img, err := env.Engine.AddMessage(env.Ctx, task.ID, w, engine.MessageContent{Image: pngHeader})
	if err != nil {
		t.Fatalf("image message: %v", err)
	}
	if img.ImageRef == nil || img.Text != nil {
		t.Fatalf("expected image reference only, got %+v", img)
	}
	data, err := env.Engine.GetImage(env.Ctx, task.ID, *img.ImageRef, req)
	if err != nil || !bytes.Equal(data, pngHeader) {
		t.Fatalf("get image: %v", err)
	}
	other := env.task(t, req, 1, 2)
	if _, err := env.Engine.GetImage(env.Ctx, other.ID, *img.ImageRef, req); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("image must belong to the task, got %v", err)
	}
}

func TestListMessagesOrderAndRange(t *testing.T) {
	env := newTestEnv(t)
	req, w := env.user(t, "req"), env.user(t, "w")
	task := env.task(t, req, 1, 2)
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, w); err != nil {
		t.Fatal(err)
	}
	var last int64
	for i, body := range []string{"one", "two", "three", "four"} {
		sender := req
		if i%2 == 1 {
			sender = w
		}
		m, err := env.Engine.AddMessage(env.Ctx, task.ID, sender, text(body))
		if err != nil {
			t.Fatal(err)
		}
		if m.Seq <= last {
			t.Fatalf("seq must increase: %d after %d", m.Seq, last)
		}
		last = m.Seq
	}

	all, err := env.Engine.ListMessages(env.Ctx, task.ID, w, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || *all[0].Text != "one" || *all[3].Text != "four" {
		t.Fatalf("unexpected messages %+v", all)
	}
	end := 3
	mid, err := env.Engine.ListMessages(env.Ctx, task.ID, w, 1, &end)
	if err != nil {
		t.Fatal(err)
	}
	if len(mid) != 2 || *mid[0].Text != "two" || *mid[1].Text != "three" {
		t.Fatalf("unexpected slice %+v", mid)
	}
	before := 0
	for _, tc := range []struct {
		start int
		end   *int
	}{{-1, nil}, {2, &before}, {10, nil}} {
		got, err := env.Engine.ListMessages(env.Ctx, task.ID, w, tc.start, tc.end)
		if err != nil {
			t.Fatalf("range %d: %v", tc.start, err)
		}
		if len(got) != 0 {
			t.Fatalf("range %d: expected empty, got %d", tc.start, len(got))
		}
	}
}
