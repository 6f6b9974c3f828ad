package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/cart_sentinel/internal/domain"
)

const recoveriesTable = "recovery_attempts"

var recoveryColumns = []string{
	"id", "tenant_id", "cart_token", "stage", "customer_id", "email",
	"cart_value", "due_at", "status", "sent_at", "last_error", "created_at",
}

func scanRecovery(row pgx.Row) (*domain.RecoveryAttempt, error) {
	var (
		r      domain.RecoveryAttempt
		stage  string
		status string
	)
	err := row.Scan(
		&r.ID,
		&r.TenantID,
		&r.CartToken,
		&stage,
		&r.CustomerID,
		&r.Email,
		&r.CartValue,
		&r.DueAt,
		&status,
		&r.SentAt,
		&r.LastError,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Stage = domain.RecoveryStage(stage)
	r.Status = domain.RecoveryStatus(status)
	return &r, nil
}

func (s *Store) ScheduleRecoveries(ctx context.Context, attempts []*domain.RecoveryAttempt) (int, error) {
	inserted := 0
	err := s.withinTransaction(ctx, func(ctx context.Context) error {
		for _, a := range attempts {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			status := a.Status
			if status == "" {
				status = domain.RecoveryScheduled
			}
			n, err := s.exec(ctx, "ScheduleRecoveries", s.builder.
				Insert(recoveriesTable).
				Columns(
					"id", "tenant_id", "cart_token", "stage", "customer_id",
					"email", "cart_value", "due_at", "status", "created_at",
				).
				Values(
					id,
					a.TenantID,
					a.CartToken,
					string(a.Stage),
					a.CustomerID,
					a.Email,
					a.CartValue,
					a.DueAt,
					string(status),
					createdOr(a.CreatedAt, time.Now().UTC()),
				).
				Suffix("ON CONFLICT (tenant_id, cart_token, stage) DO NOTHING"))
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) ClaimDueRecoveries(ctx context.Context, now time.Time, limit int) ([]*domain.RecoveryAttempt, error) {
	due := squirrel.
		Select("ra.id").
		From(recoveriesTable + " ra").
		LeftJoin(cartsTable + " c ON c.tenant_id = ra.tenant_id AND c.cart_token = ra.cart_token").
		Where(squirrel.Eq{"ra.status": string(domain.RecoveryScheduled)}).
		Where(squirrel.LtOrEq{"ra.due_at": now}).
		Where("COALESCE(c.converted_to_order, FALSE) = FALSE").
		OrderBy("ra.due_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE OF ra SKIP LOCKED")

	rows, err := s.query(ctx, "ClaimDueRecoveries", s.builder.
		Update(recoveriesTable).
		Set("status", string(domain.RecoverySending)).
		Where(squirrel.Expr("id IN (?)", due)).
		Suffix("RETURNING "+joinColumns(recoveryColumns)))
	if err != nil {
		return nil, err
	}
	out, err := collect("ClaimDueRecoveries", rows, scanRecovery)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *Store) MarkRecoverySent(ctx context.Context, id string, at time.Time) error {
	n, err := s.exec(ctx, "MarkRecoverySent", s.builder.
		Update(recoveriesTable).
		Set("status", string(domain.RecoverySent)).
		Set("sent_at", at).
		Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("Store - MarkRecoverySent - recovery %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkRecoveryFailed(ctx context.Context, id string, cause string) error {
	n, err := s.exec(ctx, "MarkRecoveryFailed", s.builder.
		Update(recoveriesTable).
		Set("status", string(domain.RecoveryFailed)).
		Set("last_error", cause).
		Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("Store - MarkRecoveryFailed - recovery %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CancelRecoveries(ctx context.Context, tenantID, cartToken string) (int64, error) {
	return s.exec(ctx, "CancelRecoveries", s.builder.
		Update(recoveriesTable).
		Set("status", string(domain.RecoveryCancelled)).
		Where(squirrel.Eq{
			"tenant_id":  tenantID,
			"cart_token": cartToken,
			"status":     string(domain.RecoveryScheduled),
		}))
}

func (s *Store) ListRecoveries(ctx context.Context, tenantID, cartToken string) ([]*domain.RecoveryAttempt, error) {
	rows, err := s.query(ctx, "ListRecoveries", s.builder.
		Select(recoveryColumns...).
		From(recoveriesTable).
		Where(squirrel.Eq{"tenant_id": tenantID, "cart_token": cartToken}).
		OrderBy("due_at ASC"))
	if err != nil {
		return nil, err
	}
	return collect("ListRecoveries", rows, scanRecovery)
}
