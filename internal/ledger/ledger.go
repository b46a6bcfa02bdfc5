// Package ledger tracks per-principal token balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/metrics"
	"polychat/internal/storage"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// LedgerError marks a debit that could not be written.
type LedgerError struct {
	Principal string
	Err       error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Principal, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

func UserPrincipal(id string) string {
	return "user:" + id
}

func GuestPrincipal(id string) string {
	return "guest:" + id
}

func IsGuest(principal string) bool {
	return strings.HasPrefix(principal, "guest:")
}

type Store interface {
	GetQuota(ctx context.Context, principalID string) (storage.Quota, error)
	EnsureQuota(ctx context.Context, principalID string, allocation int64) (bool, error)
	DecrementQuota(ctx context.Context, principalID string, n int64) (bool, error)
	ClampQuota(ctx context.Context, principalID string, n int64) (bool, error)
	SetAvailableTokens(ctx context.Context, principalID string, available int64) error
}

type Balance struct {
	Available int64
	Allocated int64
}

type Config struct {
	Store  Store
	Logger zerolog.Logger
	// LegacyMode reads the balance, subtracts in memory and writes it back.
	// Concurrent debits can be lost and balances can go negative.
	LegacyMode bool
}

type Ledger struct {
	store   Store
	logger  zerolog.Logger
	legacy  bool
	metrics *metrics.Metrics
}

func New(cfg Config) *Ledger {
	return &Ledger{
		store:   cfg.Store,
		logger:  cfg.Logger.With().Str("component", "ledger").Logger(),
		legacy:  cfg.LegacyMode,
		metrics: metrics.Global(),
	}
}

// Balance returns storage.ErrNotFound for an unknown principal.
func (l *Ledger) Balance(ctx context.Context, principal string) (Balance, error) {
	q, err := l.store.GetQuota(ctx, principal)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Balance{}, err
		}
		return Balance{}, apperr.Persistence("read balance", err)
	}
	return Balance{Available: q.AvailableTokens, Allocated: q.AllocatedTokens}, nil
}

// EnsurePrincipal seeds a quota row with allocation tokens available. An
// existing balance is left as is.
func (l *Ledger) EnsurePrincipal(ctx context.Context, principal string, allocation int64) error {
	if strings.TrimSpace(principal) == "" {
		return apperr.Validation("principal", "empty")
	}
	if allocation < 0 {
		return apperr.Validation("allocation", "negative")
	}
	created, err := l.store.EnsureQuota(ctx, principal, allocation)
	if err != nil {
		return &LedgerError{Principal: principal, Err: err}
	}
	if created {
		l.logger.Info().Str("principal", principal).Int64("allocation", allocation).Msg("principal quota created")
	}
	return nil
}

// Debit subtracts tokens from the principal's balance. When the balance does
// not cover the amount it is set to zero and ErrQuotaExceeded is returned.
func (l *Ledger) Debit(ctx context.Context, principal string, tokens int64) error {
	if tokens < 0 {
		return apperr.Validation("tokens", "negative debit")
	}
	if tokens == 0 {
		return nil
	}
	if l.legacy {
		return l.debitLegacy(ctx, principal, tokens)
	}

	applied, err := l.store.DecrementQuota(ctx, principal, tokens)
	if err != nil {
		return l.writeFailed(principal, err)
	}
	if applied {
		l.metrics.TokensDebited.Add(float64(tokens))
		return nil
	}

	// The balance moved below tokens between the two statements or never
	// covered them. ClampQuota settles either way in a single write.
	clamped, err := l.store.ClampQuota(ctx, principal, tokens)
	if err != nil {
		return l.writeFailed(principal, err)
	}
	if !clamped {
		return storage.ErrNotFound
	}
	l.logger.Warn().Str("principal", principal).Int64("tokens", tokens).Msg("debit exceeded balance, clamped")
	return fmt.Errorf("debit %d tokens from %s: %w", tokens, principal, ErrQuotaExceeded)
}

// DebitAll debits the sum of the per-model usage list.
func (l *Ledger) DebitAll(ctx context.Context, principal string, tokensUsed []int) error {
	var sum int64
	for _, n := range tokensUsed {
		if n < 0 {
			return apperr.Validation("tokens", "negative usage entry")
		}
		sum += int64(n)
	}
	return l.Debit(ctx, principal, sum)
}

func (l *Ledger) debitLegacy(ctx context.Context, principal string, tokens int64) error {
	q, err := l.store.GetQuota(ctx, principal)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return l.writeFailed(principal, err)
	}
	if err := l.store.SetAvailableTokens(ctx, principal, q.AvailableTokens-tokens); err != nil {
		return l.writeFailed(principal, err)
	}
	l.metrics.TokensDebited.Add(float64(tokens))
	return nil
}

func (l *Ledger) writeFailed(principal string, err error) error {
	l.metrics.DebitFailures.Inc()
	return &LedgerError{Principal: principal, Err: err}
}
