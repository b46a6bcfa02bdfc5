package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/providers"
	"polychat/internal/storage"
)

type fakeSource struct {
	prompts   []storage.Prompt
	responses []storage.Response
	err       error
}

func (f *fakeSource) ListPrompts(context.Context, string) ([]storage.Prompt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prompts, nil
}

func (f *fakeSource) ListResponses(context.Context, string) ([]storage.Response, error) {
	return f.responses, nil
}

func TestLoadOrdersByCreationTime(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		prompts: []storage.Prompt{
			{ID: "p2", Content: "second question", CreatedAt: t0.Add(2 * time.Minute)},
			{ID: "p1", Content: "first question", CreatedAt: t0},
		},
		responses: []storage.Response{
			{ID: "r2", Content: "second answer", CreatedAt: t0.Add(3 * time.Minute)},
			{ID: "r1", Content: "first answer", CreatedAt: t0},
		},
	}
	res := New(Config{Source: src, Logger: zerolog.Nop()}).Load(context.Background(), "c1")
	if !res.OK() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	want := []providers.Message{
		{Role: providers.RoleUser, Content: "first question"},
		{Role: providers.RoleAssistant, Content: "first answer"},
		{Role: providers.RoleUser, Content: "second question"},
		{Role: providers.RoleAssistant, Content: "second answer"},
	}
	if len(res.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(res.Messages))
	}
	for i := range want {
		if res.Messages[i] != want[i] {
			t.Fatalf("message %d: expected %#v, got %#v", i, want[i], res.Messages[i])
		}
	}
}

func TestLoadExcludingAndTrim(t *testing.T) {
	t0 := time.Now()
	src := &fakeSource{
		prompts: []storage.Prompt{
			{ID: "p1", Content: "a", CreatedAt: t0},
			{ID: "p2", Content: "b", CreatedAt: t0.Add(time.Second)},
			{ID: "p3", Content: "c", CreatedAt: t0.Add(2 * time.Second)},
		},
	}
	a := New(Config{Source: src, Logger: zerolog.Nop(), MaxMessages: 1})
	res := a.LoadExcluding(context.Background(), "c1", "p3")
	if len(res.Messages) != 1 || res.Messages[0].Content != "b" {
		t.Fatalf("unexpected messages %#v", res.Messages)
	}
}

func TestLoadFailureIsTagged(t *testing.T) {
	src := &fakeSource{err: errors.New("connection reset")}
	res := New(Config{Source: src, Logger: zerolog.Nop()}).Load(context.Background(), "c1")
	if res.OK() {
		t.Fatalf("expected failure result")
	}
	if !apperr.IsPersistence(res.Err) {
		t.Fatalf("expected persistence error, got %v", res.Err)
	}
	if res.Messages == nil || len(res.Messages) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", res.Messages)
	}
}
