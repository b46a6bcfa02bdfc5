package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) GetQuota(ctx context.Context, principalID string) (Quota, error) {
	q := s.sql.Select("principal_id", "available_tokens", "allocated_tokens", "updated_at").
		From("principal_quota").
		Where(sq.Eq{"principal_id": principalID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Quota{}, fmt.Errorf("build get quota query: %w", err)
	}
	var out Quota
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&out.PrincipalID, &out.AvailableTokens, &out.AllocatedTokens, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Quota{}, ErrNotFound
		}
		return Quota{}, fmt.Errorf("get quota: %w", err)
	}
	return out, nil
}

// EnsureQuota creates the quota row with available = allocated = allocation
// unless the principal already has one. created reports whether a row was
// inserted.
func (s *Store) EnsureQuota(ctx context.Context, principalID string, allocation int64) (created bool, err error) {
	q := s.sql.Insert("principal_quota").
		Columns("principal_id", "available_tokens", "allocated_tokens", "updated_at").
		Values(principalID, allocation, allocation, s.now()).
		Suffix("ON CONFLICT(principal_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build ensure quota query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("ensure quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure quota rows affected: %w", err)
	}
	return n > 0, nil
}

// DecrementQuota subtracts n only while the balance covers it. The check and
// the write are one statement, so concurrent callers cannot lose updates.
// applied is false when the row is missing or the balance is below n.
func (s *Store) DecrementQuota(ctx context.Context, principalID string, n int64) (applied bool, err error) {
	q := s.sql.Update("principal_quota").
		Set("available_tokens", sq.Expr("available_tokens - ?", n)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"principal_id": principalID}).
		Where(sq.GtOrEq{"available_tokens": n})
	return s.execAffected(ctx, q, "decrement quota")
}

// ClampQuota subtracts n, or zeroes the balance when it cannot cover n, in
// one statement. applied is false only when the row is missing.
func (s *Store) ClampQuota(ctx context.Context, principalID string, n int64) (applied bool, err error) {
	q := s.sql.Update("principal_quota").
		Set("available_tokens", sq.Expr("CASE WHEN available_tokens >= ? THEN available_tokens - ? ELSE 0 END", n, n)).
		Set("updated_at", s.now()).
		Where(sq.Eq{"principal_id": principalID})
	return s.execAffected(ctx, q, "clamp quota")
}

// SetAvailableTokens overwrites the balance unconditionally.
func (s *Store) SetAvailableTokens(ctx context.Context, principalID string, available int64) error {
	q := s.sql.Update("principal_quota").
		Set("available_tokens", available).
		Set("updated_at", s.now()).
		Where(sq.Eq{"principal_id": principalID})
	applied, err := s.execAffected(ctx, q, "set available tokens")
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

func (s *Store) execAffected(ctx context.Context, q sq.UpdateBuilder, op string) (bool, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s rows affected: %w", op, err)
	}
	return n > 0, nil
}
