package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/storage"
)

type countingStore struct {
	*storage.Store
	inserts int
	failFor string
}

func (c *countingStore) InsertResponse(ctx context.Context, conversationID string, promptID *string, model, content string, tokens int64) (storage.Response, error) {
	c.inserts++
	if model == c.failFor {
		return storage.Response{}, errors.New("constraint violation")
	}
	return c.Store.InsertResponse(ctx, conversationID, promptID, model, content, tokens)
}

func newTestGateway(t *testing.T) (*Gateway, *countingStore) {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "conv.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cs := &countingStore{Store: s}
	return New(Config{Store: cs, Logger: zerolog.Nop()}), cs
}

func TestStoreResponsesLengthMismatchWritesNothing(t *testing.T) {
	g, cs := newTestGateway(t)
	ctx := context.Background()
	c, _ := g.CreateConversation(ctx, "user:1", "")

	_, err := g.StoreResponses(ctx, StoreResponsesInput{
		ConversationID: c.ID,
		Models:         []string{"A", "B", "C"},
		Responses:      []string{"a", "b"},
		TokensUsed:     []int{1, 2, 3},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if cs.inserts != 0 {
		t.Fatalf("expected zero inserts, got %d", cs.inserts)
	}
}

func TestStoreResponsesPerItemOutcomes(t *testing.T) {
	g, cs := newTestGateway(t)
	cs.failFor = "B"
	ctx := context.Background()
	c, _ := g.CreateConversation(ctx, "user:1", "maths")
	pid, err := g.StorePrompt(ctx, c.ID, "2+2?", []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("store prompt: %v", err)
	}

	res, err := g.StoreResponses(ctx, StoreResponsesInput{
		ConversationID: c.ID,
		PromptID:       pid,
		Models:         []string{"A", "B", "C"},
		Responses:      []string{"4", "four", "IV"},
		TokensUsed:     []int{12, 9, 3},
	})
	if err != nil {
		t.Fatalf("store responses: %v", err)
	}
	if res.AllSuccessful || len(res.Outcomes) != 3 {
		t.Fatalf("unexpected result %#v", res)
	}
	if !res.Outcomes[0].Success || res.Outcomes[1].Success || !res.Outcomes[2].Success {
		t.Fatalf("unexpected outcomes %#v", res.Outcomes)
	}
	if !apperr.IsPersistence(res.Outcomes[1].Err) {
		t.Fatalf("expected persistence error for B, got %v", res.Outcomes[1].Err)
	}

	th, err := g.GetThread(ctx, c.ID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(th.Groups) != 1 || len(th.Groups[0].Responses) != 2 {
		t.Fatalf("unexpected thread %#v", th)
	}
	if th.Groups[0].State != StatePartiallyAnswered {
		t.Fatalf("expected partially answered, got %s", th.Groups[0].State)
	}
}

func TestStorePromptValidation(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	if _, err := g.StorePrompt(ctx, "", "hi", nil); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for missing conversation, got %v", err)
	}
	if _, err := g.StorePrompt(ctx, "c1", "   ", nil); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for empty content, got %v", err)
	}
	if _, err := g.StorePrompt(ctx, "missing", "hi", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOwnershipAndDelete(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()
	c, _ := g.CreateConversation(ctx, "user:1", "")
	if err := g.CheckOwner(ctx, c.ID, "user:2"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := g.CheckOwner(ctx, c.ID, "user:1"); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := g.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := g.DeleteConversation(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	list, err := g.ListConversations(ctx, "user:1")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %v %v", list, err)
	}
}
