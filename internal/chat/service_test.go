package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/conversation"
	"polychat/internal/history"
	"polychat/internal/ledger"
	"polychat/internal/orchestrator"
	"polychat/internal/providers"
	"polychat/internal/providers/registry"
	"polychat/internal/queue"
	"polychat/internal/storage"
)

type scriptedProvider struct {
	calls   atomic.Int32
	content string
	tokens  int
	err     error

	mu       sync.Mutex
	requests []providers.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req providers.Request) (providers.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.err != nil {
		return providers.Result{}, p.err
	}
	return providers.Result{Content: p.content, TokensUsed: p.tokens}, nil
}

type failingLedger struct {
	*ledger.Ledger
}

func (failingLedger) DebitAll(context.Context, string, []int) error {
	return &ledger.LedgerError{Principal: "user:1", Err: errors.New("read only")}
}

type fixture struct {
	store   *storage.Store
	gateway *conversation.Gateway
	ledger  *ledger.Ledger
	orch    *orchestrator.Orchestrator
	convID  string
}

func newFixture(t *testing.T, available int64, models map[string]*scriptedProvider) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, "sqlite", "file:"+filepath.Join(t.TempDir(), "chat.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New()
	for name, p := range models {
		if err := reg.Register(registry.Entry{Name: name, Vendor: "test", Model: name, Provider: p}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	led := ledger.New(ledger.Config{Store: s, Logger: zerolog.Nop()})
	if err := led.EnsurePrincipal(ctx, "user:1", available); err != nil {
		t.Fatalf("ensure principal: %v", err)
	}
	gw := conversation.New(conversation.Config{Store: s, Logger: zerolog.Nop()})
	c, err := gw.CreateConversation(ctx, "user:1", "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	orch := orchestrator.New(orchestrator.Config{
		Models:          reg,
		History:         history.New(history.Config{Source: s, Logger: zerolog.Nop()}),
		Ledger:          led,
		Logger:          zerolog.Nop(),
		ProviderTimeout: time.Second,
	})
	return &fixture{store: s, gateway: gw, ledger: led, orch: orch, convID: c.ID}
}

func (f *fixture) service(l Ledger, rl RateLimiter) *Service {
	if l == nil {
		l = f.ledger
	}
	return New(Config{
		Conversations: f.gateway,
		Orchestrator:  f.orch,
		Ledger:        l,
		RateLimiter:   rl,
		Logger:        zerolog.Nop(),
	})
}

func TestAskPartialSuccessPersistsAndDebits(t *testing.T) {
	a := &scriptedProvider{content: "4", tokens: 12}
	b := &scriptedProvider{err: errors.New("network unreachable")}
	f := newFixture(t, 100, map[string]*scriptedProvider{"ModelA": a, "ModelB": b})
	svc := f.service(nil, nil)
	ctx := context.Background()

	res, err := svc.Ask(ctx, AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "2+2?", Models: []string{"ModelA", "ModelB"}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(res.Answers) != 1 || res.Answers[0].Content != "4" || res.Answers[0].ResponseID == "" {
		t.Fatalf("unexpected answers %#v", res.Answers)
	}
	if len(res.Failures) != 1 || res.Failures[0].Model != "ModelB" {
		t.Fatalf("unexpected failures %#v", res.Failures)
	}
	if res.Debited != 12 {
		t.Fatalf("expected 12 debited, got %d", res.Debited)
	}
	bal, _ := svc.Balance(ctx, "user:1")
	if bal.Available != 88 {
		t.Fatalf("expected balance 88, got %d", bal.Available)
	}
	if len(a.requests[0].History) != 0 {
		t.Fatalf("first ask should carry no history, got %#v", a.requests[0].History)
	}

	if _, err := svc.Ask(ctx, AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "and 3+3?", Models: []string{"ModelA"}}); err != nil {
		t.Fatalf("second ask: %v", err)
	}
	hist := a.requests[1].History
	if len(hist) != 2 || hist[0].Content != "2+2?" || hist[1].Content != "4" {
		t.Fatalf("second ask should see the first exchange once, got %#v", hist)
	}

	th, err := svc.GetThread(ctx, f.convID)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if len(th.Groups) != 2 || th.Groups[0].Responses[0].Pairing != conversation.PairingLinked {
		t.Fatalf("unexpected thread %#v", th)
	}
}

func TestAskAllFailedWritesNoResponses(t *testing.T) {
	a := &scriptedProvider{err: errors.New("boom")}
	b := &scriptedProvider{err: errors.New("bang")}
	f := newFixture(t, 100, map[string]*scriptedProvider{"ModelA": a, "ModelB": b})
	svc := f.service(nil, nil)
	ctx := context.Background()

	res, err := svc.Ask(ctx, AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "hi", Models: []string{"ModelA", "ModelB"}})
	if !errors.Is(err, orchestrator.ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("expected both failures reported, got %#v", res.Failures)
	}
	rows, _ := f.store.ListResponses(ctx, f.convID)
	if len(rows) != 0 {
		t.Fatalf("expected no responses, got %d", len(rows))
	}
	bal, _ := svc.Balance(ctx, "user:1")
	if bal.Available != 100 {
		t.Fatalf("balance should be untouched, got %d", bal.Available)
	}
}

func TestAskUnknownModelsWritesNothing(t *testing.T) {
	a := &scriptedProvider{content: "x", tokens: 1}
	f := newFixture(t, 100, map[string]*scriptedProvider{"ModelA": a})
	svc := f.service(nil, nil)
	ctx := context.Background()

	res, err := svc.Ask(ctx, AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "hi", Models: []string{"Nope", "Nope"}})
	if !errors.Is(err, orchestrator.ErrNoKnownModels) || !apperr.IsValidation(err) {
		t.Fatalf("expected ErrNoKnownModels validation error, got %v", err)
	}
	if res.PromptID != "" {
		t.Fatalf("no prompt should be stored, got id %q", res.PromptID)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "Nope" {
		t.Fatalf("unexpected skipped %#v", res.Skipped)
	}
	prompts, err := f.store.ListPrompts(ctx, f.convID)
	if err != nil {
		t.Fatalf("list prompts: %v", err)
	}
	if len(prompts) != 0 {
		t.Fatalf("expected no prompt rows, got %d", len(prompts))
	}
	if a.calls.Load() != 0 {
		t.Fatalf("expected zero provider calls, got %d", a.calls.Load())
	}
}

func TestAskInsufficientTokens(t *testing.T) {
	a := &scriptedProvider{content: "x", tokens: 1}
	f := newFixture(t, 0, map[string]*scriptedProvider{"ModelA": a})
	svc := f.service(nil, nil)
	ctx := context.Background()

	_, err := svc.Ask(ctx, AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "hi", Models: []string{"ModelA"}})
	if !errors.Is(err, orchestrator.ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("expected no provider calls")
	}
	prompts, _ := f.store.ListPrompts(ctx, f.convID)
	if len(prompts) != 0 {
		t.Fatalf("prompt should not be stored, got %d", len(prompts))
	}
}

func TestAskRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := &scriptedProvider{content: "ok", tokens: 1}
	f := newFixture(t, 100, map[string]*scriptedProvider{"ModelA": a})
	svc := f.service(nil, queue.NewRateLimiter(rdb, 1))
	ctx := context.Background()
	req := AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "hi", Models: []string{"ModelA"}}

	if _, err := svc.Ask(ctx, req); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	_, err = svc.Ask(ctx, req)
	var rl *RateLimitedError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) || rl.Used != 2 {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if a.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", a.calls.Load())
	}
}

func TestAskDebitFailureKeepsAnswers(t *testing.T) {
	a := &scriptedProvider{content: "kept", tokens: 5}
	f := newFixture(t, 100, map[string]*scriptedProvider{"ModelA": a})
	svc := f.service(failingLedger{Ledger: f.ledger}, nil)

	res, err := svc.Ask(context.Background(), AskRequest{ConversationID: f.convID, PrincipalID: "user:1", Prompt: "hi", Models: []string{"ModelA"}})
	if err != nil {
		t.Fatalf("ask should succeed despite debit failure: %v", err)
	}
	var le *ledger.LedgerError
	if !errors.As(res.DebitErr, &le) {
		t.Fatalf("expected ledger error, got %v", res.DebitErr)
	}
	if len(res.Answers) != 1 || res.Answers[0].Content != "kept" || res.Debited != 0 {
		t.Fatalf("unexpected result %#v", res)
	}
}
