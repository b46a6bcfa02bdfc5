package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"polychat/internal/apperr"
	"polychat/internal/storage"
)

func newTestLedger(t *testing.T, legacy bool) (*Ledger, *storage.Store) {
	t.Helper()
	s, err := storage.Open(context.Background(), "sqlite", "file:"+filepath.Join(t.TempDir(), "ledger.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(Config{Store: s, Logger: zerolog.Nop(), LegacyMode: legacy}), s
}

func TestDebitSubtractsAndReportsBalance(t *testing.T) {
	l, _ := newTestLedger(t, false)
	ctx := context.Background()
	p := UserPrincipal("42")
	if err := l.EnsurePrincipal(ctx, p, 1000); err != nil {
		t.Fatalf("ensure principal: %v", err)
	}
	if err := l.DebitAll(ctx, p, []int{120, 80}); err != nil {
		t.Fatalf("debit all: %v", err)
	}
	b, err := l.Balance(ctx, p)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != 800 || b.Allocated != 1000 {
		t.Fatalf("unexpected balance %#v", b)
	}
}

func TestDebitClampsAtZero(t *testing.T) {
	l, _ := newTestLedger(t, false)
	ctx := context.Background()
	p := GuestPrincipal("abc")
	_ = l.EnsurePrincipal(ctx, p, 50)

	err := l.Debit(ctx, p, 80)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	b, _ := l.Balance(ctx, p)
	if b.Available != 0 {
		t.Fatalf("expected clamp to zero, got %d", b.Available)
	}
}

func TestDebitValidationAndUnknownPrincipal(t *testing.T) {
	l, _ := newTestLedger(t, false)
	ctx := context.Background()
	if err := l.Debit(ctx, "user:x", -1); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := l.Debit(ctx, "user:x", 0); err != nil {
		t.Fatalf("zero debit should be a no-op, got %v", err)
	}
	if err := l.Debit(ctx, "user:missing", 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.Balance(ctx, "user:missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from balance, got %v", err)
	}
}

func TestConcurrentDebitsSum(t *testing.T) {
	l, _ := newTestLedger(t, false)
	ctx := context.Background()
	p := UserPrincipal("7")
	_ = l.EnsurePrincipal(ctx, p, 1000)

	var wg sync.WaitGroup
	for _, n := range []int64{100, 250} {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			if err := l.Debit(ctx, p, n); err != nil {
				t.Errorf("debit %d: %v", n, err)
			}
		}(n)
	}
	wg.Wait()

	b, _ := l.Balance(ctx, p)
	if b.Available != 650 {
		t.Fatalf("expected 650 after concurrent debits, got %d", b.Available)
	}
}

func TestLegacyModeGoesNegative(t *testing.T) {
	l, _ := newTestLedger(t, true)
	ctx := context.Background()
	p := UserPrincipal("legacy")
	_ = l.EnsurePrincipal(ctx, p, 10)
	if err := l.Debit(ctx, p, 25); err != nil {
		t.Fatalf("legacy debit: %v", err)
	}
	b, _ := l.Balance(ctx, p)
	if b.Available != -15 {
		t.Fatalf("expected -15, got %d", b.Available)
	}
}

type brokenStore struct {
	*storage.Store
}

func (brokenStore) DecrementQuota(context.Context, string, int64) (bool, error) {
	return false, errors.New("disk full")
}

func TestDebitWriteFailureIsLedgerError(t *testing.T) {
	_, s := newTestLedger(t, false)
	l := New(Config{Store: brokenStore{Store: s}, Logger: zerolog.Nop()})
	err := l.Debit(context.Background(), "user:1", 5)
	var le *LedgerError
	if !errors.As(err, &le) || le.Principal != "user:1" {
		t.Fatalf("expected LedgerError, got %v", err)
	}
}

// racingStore reports every guarded decrement as rejected, the way a debit
// running concurrently with another one can observe it.
type racingStore struct {
	*storage.Store
}

func (racingStore) DecrementQuota(context.Context, string, int64) (bool, error) {
	return false, nil
}

func TestDebitAfterRejectedDecrementStillAccounts(t *testing.T) {
	_, s := newTestLedger(t, false)
	ctx := context.Background()
	l := New(Config{Store: racingStore{Store: s}, Logger: zerolog.Nop()})
	if err := l.EnsurePrincipal(ctx, "user:7", 100); err != nil {
		t.Fatalf("ensure principal: %v", err)
	}

	if err := l.Debit(ctx, "user:7", 30); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	b, err := l.Balance(ctx, "user:7")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Available != 70 {
		t.Fatalf("expected the 30 tokens to be debited, got %d", b.Available)
	}

	if err := l.Debit(ctx, "user:7", 500); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if b, _ := l.Balance(ctx, "user:7"); b.Available != 0 {
		t.Fatalf("expected clamp to zero, got %d", b.Available)
	}
	if err := l.Debit(ctx, "user:ghost", 5); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown principal, got %v", err)
	}
}
