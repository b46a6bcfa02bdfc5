// Package chat composes the conversation store, the orchestrator and the ledger
// into the operations transports call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/conversation"
	"polychat/internal/ledger"
	"polychat/internal/metrics"
	"polychat/internal/orchestrator"
)

// RateLimitedError reports a principal that used up its hourly allowance.
type RateLimitedError struct {
	Used    int64
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d asks this hour, resets at %s", e.Used, e.ResetAt.Format(time.RFC3339))
}

var ErrRateLimited = errors.New("rate limited")

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type RateLimiter interface {
	Allow(ctx context.Context, principal string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Conversations interface {
	StorePrompt(ctx context.Context, conversationID, content string, models []string) (string, error)
	StoreResponses(ctx context.Context, in conversation.StoreResponsesInput) (conversation.StoreResult, error)
	GetThread(ctx context.Context, conversationID string) (conversation.Thread, error)
}

type Orchestrator interface {
	ContactModels(ctx context.Context, req orchestrator.ContactRequest) (orchestrator.Batch, error)
	Preflight(ctx context.Context, principal string) error
	Resolve(models []string) (known, skipped []string, err error)
}

type Ledger interface {
	Balance(ctx context.Context, principal string) (ledger.Balance, error)
	DebitAll(ctx context.Context, principal string, tokensUsed []int) error
}

type Config struct {
	Conversations Conversations
	Orchestrator  Orchestrator
	Ledger        Ledger
	// RateLimiter is optional.
	RateLimiter RateLimiter
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Service struct {
	conversations Conversations
	orchestrator  Orchestrator
	ledger        Ledger
	limiter       RateLimiter
	logger        zerolog.Logger
	now           func() time.Time
	metrics       *metrics.Metrics
}

func New(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		conversations: cfg.Conversations,
		orchestrator:  cfg.Orchestrator,
		ledger:        cfg.Ledger,
		limiter:       cfg.RateLimiter,
		logger:        cfg.Logger.With().Str("component", "chat").Logger(),
		now:           cfg.Now,
		metrics:       metrics.Global(),
	}
}

type AskRequest struct {
	ConversationID string
	PrincipalID    string
	Prompt         string
	Models         []string
}

type ModelAnswer struct {
	Model      string
	Content    string
	TokensUsed int
	ResponseID string
}

type ModelError struct {
	Model   string
	Err     error
	Timeout bool
}

type AskResult struct {
	PromptID string
	Answers  []ModelAnswer
	// Failures lists models that did not answer or whose answer could not be
	// stored.
	Failures []ModelError
	Skipped  []string
	Debited  int
	// DebitErr is set when accounting failed; the answers are still valid.
	DebitErr error
}

func (s *Service) GetThread(ctx context.Context, conversationID string) (conversation.Thread, error) {
	return s.conversations.GetThread(ctx, conversationID)
}

func (s *Service) SubmitPrompt(ctx context.Context, conversationID, content string, models []string) (string, error) {
	return s.conversations.StorePrompt(ctx, conversationID, content, models)
}

func (s *Service) ContactModels(ctx context.Context, req orchestrator.ContactRequest) (orchestrator.Batch, error) {
	return s.orchestrator.ContactModels(ctx, req)
}

func (s *Service) PersistResponses(ctx context.Context, in conversation.StoreResponsesInput) (conversation.StoreResult, error) {
	return s.conversations.StoreResponses(ctx, in)
}

func (s *Service) Debit(ctx context.Context, principal string, tokensUsed []int) error {
	return s.ledger.DebitAll(ctx, principal, tokensUsed)
}

func (s *Service) Balance(ctx context.Context, principal string) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, principal)
}

// Ask runs one prompt end to end: store it, call the models, store their
// answers and debit the tokens they used. Provider failures are reported per
// model. Only a failed prompt or response write, or a batch with no answers at
// all, is returned as an error.
func (s *Service) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	res, err := s.ask(ctx, req)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = classify(err)
	case len(res.Failures) > 0:
		outcome = "partial"
	}
	s.metrics.AskTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (s *Service) ask(ctx context.Context, req AskRequest) (AskResult, error) {
	if strings.TrimSpace(req.PrincipalID) == "" {
		return AskResult{}, apperr.Validation("principal", "empty")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return AskResult{}, apperr.Validation("prompt", "empty")
	}
	if len(req.Models) == 0 {
		return AskResult{}, apperr.Validation("models", "none selected")
	}
	log := s.logger.With().Str("conversation_id", req.ConversationID).Str("principal", req.PrincipalID).Logger()

	if s.limiter != nil {
		allowed, used, resetAt, err := s.limiter.Allow(ctx, req.PrincipalID, s.now())
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, allowing ask")
		} else if !allowed {
			return AskResult{}, &RateLimitedError{Used: used, ResetAt: resetAt}
		}
	}

	// Nothing is written until the selection names a callable model.
	if _, skipped, err := s.orchestrator.Resolve(req.Models); err != nil {
		return AskResult{Skipped: skipped}, err
	}
	if err := s.orchestrator.Preflight(ctx, req.PrincipalID); err != nil {
		return AskResult{}, err
	}

	promptID, err := s.conversations.StorePrompt(ctx, req.ConversationID, req.Prompt, req.Models)
	if err != nil {
		return AskResult{}, fmt.Errorf("store prompt: %w", err)
	}
	out := AskResult{PromptID: promptID}

	batch, err := s.orchestrator.ContactModels(ctx, orchestrator.ContactRequest{
		Models:          req.Models,
		Prompt:          req.Prompt,
		ConversationID:  req.ConversationID,
		PrincipalID:     req.PrincipalID,
		ExcludePromptID: promptID,
	})
	out.Skipped = batch.Skipped
	for _, f := range batch.Failures {
		out.Failures = append(out.Failures, ModelError{Model: f.Model, Err: f.Err, Timeout: f.Timeout})
	}
	if err != nil {
		return out, err
	}

	in := conversation.StoreResponsesInput{
		ConversationID: req.ConversationID,
		PromptID:       promptID,
		Models:         make([]string, 0, len(batch.Responses)),
		Responses:      make([]string, 0, len(batch.Responses)),
		TokensUsed:     batch.TokensUsed,
	}
	for _, r := range batch.Responses {
		in.Models = append(in.Models, r.Model)
		in.Responses = append(in.Responses, r.Content)
	}
	stored, err := s.conversations.StoreResponses(ctx, in)
	if err != nil {
		return out, fmt.Errorf("store responses: %w", err)
	}

	var storeErr error
	for i, o := range stored.Outcomes {
		r := batch.Responses[i]
		if !o.Success {
			out.Failures = append(out.Failures, ModelError{Model: o.Model, Err: o.Err})
			storeErr = errors.Join(storeErr, o.Err)
			continue
		}
		out.Answers = append(out.Answers, ModelAnswer{
			Model:      r.Model,
			Content:    r.Content,
			TokensUsed: r.TokensUsed,
			ResponseID: o.ResponseID,
		})
	}

	// Tokens were spent on every answered call, stored or not.
	if err := s.ledger.DebitAll(ctx, req.PrincipalID, batch.TokensUsed); err != nil {
		out.DebitErr = err
		log.Error().Err(err).Int("tokens", batch.TotalTokens()).Msg("debit failed, answers kept")
	} else {
		out.Debited = batch.TotalTokens()
	}

	if storeErr != nil {
		return out, fmt.Errorf("store responses: %w", storeErr)
	}
	return out, nil
}

func classify(err error) string {
	switch {
	case apperr.IsValidation(err):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, orchestrator.ErrInsufficientTokens):
		return "insufficient_tokens"
	case errors.Is(err, orchestrator.ErrAllProvidersFailed):
		return "all_failed"
	case apperr.IsPersistence(err):
		return "persistence"
	default:
		return "error"
	}
}
