// Package orchestrator fans a prompt out to the selected models and gathers
// their answers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"polychat/internal/apperr"
	"polychat/internal/history"
	"polychat/internal/ledger"
	"polychat/internal/metrics"
	"polychat/internal/providers"
	"polychat/internal/providers/registry"
	"polychat/internal/storage"
)

var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrAllProvidersFailed = errors.New("all providers failed")
	ErrNoKnownModels      = &apperr.ValidationError{Field: "models", Reason: "no known models selected"}
)

const defaultProviderTimeout = 30 * time.Second

type Models interface {
	Lookup(name string) (registry.Entry, bool)
}

type HistoryLoader interface {
	LoadExcluding(ctx context.Context, conversationID, promptID string) history.Result
}

type BalanceReader interface {
	Balance(ctx context.Context, principal string) (ledger.Balance, error)
}

type Config struct {
	Models          Models
	History         HistoryLoader
	Ledger          BalanceReader
	Logger          zerolog.Logger
	ProviderTimeout time.Duration
	// VendorRPS throttles outbound calls per vendor when > 0.
	VendorRPS   float64
	VendorBurst int
}

type Orchestrator struct {
	models   Models
	history  HistoryLoader
	ledger   BalanceReader
	logger   zerolog.Logger
	timeout  time.Duration
	rps      rate.Limit
	burst    int
	metrics  *metrics.Metrics
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.VendorBurst <= 0 {
		cfg.VendorBurst = 1
	}
	return &Orchestrator{
		models:   cfg.Models,
		history:  cfg.History,
		ledger:   cfg.Ledger,
		logger:   cfg.Logger.With().Str("component", "orchestrator").Logger(),
		timeout:  cfg.ProviderTimeout,
		rps:      rate.Limit(cfg.VendorRPS),
		burst:    cfg.VendorBurst,
		metrics:  metrics.Global(),
		limiters: map[string]*rate.Limiter{},
	}
}

type ContactRequest struct {
	Models         []string
	Prompt         string
	ConversationID string
	PrincipalID    string
	// ExcludePromptID leaves an already stored copy of Prompt out of history.
	ExcludePromptID string
}

type ModelResponse struct {
	Model      string
	Content    string
	TokensUsed int
}

type ModelFailure struct {
	Model   string
	Err     error
	Timeout bool
}

type Batch struct {
	Responses []ModelResponse
	// TokensUsed[i] is the usage of Responses[i].
	TokensUsed []int
	Failures   []ModelFailure
	Skipped    []string
	// HistoryErr is set when the conversation context could not be loaded and
	// the models were called without it.
	HistoryErr error
}

func (b Batch) TotalTokens() int {
	total := 0
	for _, n := range b.TokensUsed {
		total += n
	}
	return total
}

// EstimateTokens is a rough prompt size estimate, about four characters per
// token.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Preflight rejects principals with no tokens left. A principal without a
// quota row has no tokens.
func (o *Orchestrator) Preflight(ctx context.Context, principal string) error {
	b, err := o.ledger.Balance(ctx, principal)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("principal %s has no quota: %w", principal, ErrInsufficientTokens)
		}
		if apperr.IsPersistence(err) {
			return err
		}
		return apperr.Persistence("read balance", err)
	}
	if b.Available <= 0 {
		return fmt.Errorf("principal %s has %d tokens: %w", principal, b.Available, ErrInsufficientTokens)
	}
	return nil
}

type target struct {
	name  string
	entry registry.Entry
}

// Resolve splits the selected names into registered models and skipped ones,
// collapsing duplicates. It returns ErrNoKnownModels when nothing is callable.
func (o *Orchestrator) Resolve(models []string) (known, skipped []string, err error) {
	targets, skipped := o.resolve(models)
	for _, t := range targets {
		known = append(known, t.name)
	}
	if len(known) == 0 {
		return nil, skipped, ErrNoKnownModels
	}
	return known, skipped, nil
}

func (o *Orchestrator) resolve(models []string) (targets []target, skipped []string) {
	seen := make(map[string]bool, len(models))
	for _, name := range models {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		entry, ok := o.models.Lookup(name)
		if !ok {
			o.logger.Warn().Str("model", name).Msg("unsupported model skipped")
			skipped = append(skipped, name)
			continue
		}
		targets = append(targets, target{name: name, entry: entry})
	}
	return targets, skipped
}

// ContactModels calls every known selected model concurrently. The returned
// Batch is populated even when the error is ErrAllProvidersFailed.
func (o *Orchestrator) ContactModels(ctx context.Context, req ContactRequest) (Batch, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Batch{}, apperr.Validation("prompt", "empty")
	}
	if len(req.Models) == 0 {
		return Batch{}, apperr.Validation("models", "none selected")
	}

	targets, skipped := o.resolve(req.Models)
	batch := Batch{Skipped: skipped}
	if len(targets) == 0 {
		return batch, ErrNoKnownModels
	}

	if err := o.Preflight(ctx, req.PrincipalID); err != nil {
		return batch, err
	}

	log := o.logger.With().Str("conversation_id", req.ConversationID).Str("principal", req.PrincipalID).Logger()
	log.Debug().Int("estimated_prompt_tokens", EstimateTokens(req.Prompt)).Int("models", len(targets)).Msg("contacting models")

	var hist []providers.Message
	if req.ConversationID != "" {
		h := o.history.LoadExcluding(ctx, req.ConversationID, req.ExcludePromptID)
		hist = h.Messages
		batch.HistoryErr = h.Err
	}

	type outcome struct {
		res providers.Result
		err error
	}
	outcomes := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			res, err := o.call(ctx, t, req.Prompt, hist)
			outcomes[i] = outcome{res: res, err: err}
		}(i, t)
	}
	wg.Wait()

	for i, t := range targets {
		out := outcomes[i]
		if out.err != nil {
			log.Warn().Err(out.err).Str("model", t.name).Msg("model call failed")
			batch.Failures = append(batch.Failures, ModelFailure{
				Model:   t.name,
				Err:     out.err,
				Timeout: providers.IsTimeout(out.err),
			})
			continue
		}
		batch.Responses = append(batch.Responses, ModelResponse{
			Model:      t.name,
			Content:    out.res.Content,
			TokensUsed: out.res.TokensUsed,
		})
		batch.TokensUsed = append(batch.TokensUsed, out.res.TokensUsed)
	}

	if len(batch.Responses) == 0 {
		names := make([]string, 0, len(batch.Failures))
		for _, f := range batch.Failures {
			names = append(names, f.Model)
		}
		return batch, fmt.Errorf("%w: %s", ErrAllProvidersFailed, strings.Join(names, ", "))
	}
	return batch, nil
}

func (o *Orchestrator) call(ctx context.Context, t target, prompt string, hist []providers.Message) (providers.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	res, err := o.invoke(callCtx, t, prompt, hist)
	o.metrics.ProviderLatency.WithLabelValues(t.name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err != nil && providers.IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	o.metrics.ProviderCalls.WithLabelValues(t.name, outcome).Inc()
	return res, err
}

func (o *Orchestrator) invoke(ctx context.Context, t target, prompt string, hist []providers.Message) (providers.Result, error) {
	if lim := o.limiter(t.entry.Vendor); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return providers.Result{}, providers.Fail(t.entry.Vendor, fmt.Errorf("wait for vendor slot: %w", err))
		}
	}
	res, err := t.entry.Provider.Complete(ctx, t.entry.Request(prompt, hist))
	if err != nil {
		return providers.Result{}, providers.Fail(t.entry.Vendor, err)
	}
	return res, nil
}

func (o *Orchestrator) limiter(vendor string) *rate.Limiter {
	if o.rps <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	lim, ok := o.limiters[vendor]
	if !ok {
		lim = rate.NewLimiter(o.rps, o.burst)
		o.limiters[vendor] = lim
	}
	return lim
}
