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

const eventsTable = "webhook_events"

var eventColumns = []string{
	"id", "tenant_id", "event_type", "payload", "status", "priority",
	"retry_count", "dedup_key", "last_error", "created_at",
	"processed_at", "completed_at", "archived_at",
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var (
		ev       domain.WebhookEvent
		status   string
		priority string
	)
	err := row.Scan(
		&ev.ID,
		&ev.TenantID,
		&ev.EventType,
		&ev.Payload,
		&status,
		&priority,
		&ev.RetryCount,
		&ev.DedupKey,
		&ev.LastError,
		&ev.CreatedAt,
		&ev.ProcessedAt,
		&ev.CompletedAt,
		&ev.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	if ev.Status, err = domain.ParseEventStatus(status); err != nil {
		return nil, err
	}
	if ev.Priority, err = domain.ParsePriority(priority); err != nil {
		return nil, err
	}
	return &ev, nil
}

func sortEvents(evs []*domain.WebhookEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].CreatedAt.Before(evs[j].CreatedAt)
	})
}

func (s *Store) InsertEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("Store - InsertEvent: empty id: %w", domain.ErrValidation)
	}
	_, err := s.exec(ctx, "InsertEvent", s.builder.
		Insert(eventsTable).
		Columns(eventColumns[:10]...).
		Values(
			ev.ID,
			ev.TenantID,
			string(ev.EventType),
			ev.Payload,
			string(ev.Status),
			ev.Priority.String(),
			ev.RetryCount,
			ev.DedupKey,
			ev.LastError,
			ev.CreatedAt,
		))
	return err
}

// eventExists separates "not found" from "lost a conditional update".
func (s *Store) eventExists(ctx context.Context, op, id string) error {
	row, err := s.queryRow(ctx, op, s.builder.
		Select("1").
		From(eventsTable).
		Where(squirrel.Eq{"id": id}))
	if err != nil {
		return err
	}
	var one int
	if err := row.Scan(&one); err != nil {
		if isNoRows(err) {
			return fmt.Errorf("Store - %s - event %s: %w", op, id, domain.ErrNotFound)
		}
		return fmt.Errorf("Store - %s - row.Scan: %w", op, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("Store - GetEvent - event %s: %w", id, domain.ErrNotFound)
	}
	row, err := s.queryRow(ctx, "GetEvent", s.builder.
		Select(eventColumns...).
		From(eventsTable).
		Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	ev, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("Store - GetEvent - event %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Store - GetEvent - row.Scan: %w", err)
	}
	return ev, nil
}

func (s *Store) ClaimEvent(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := s.exec(ctx, "ClaimEvent", s.builder.
		Update(eventsTable).
		Set("status", string(domain.StatusProcessing)).
		Set("processed_at", at).
		Where(squirrel.Eq{"id": id, "status": string(domain.StatusPending)}))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, s.eventExists(ctx, "ClaimEvent", id)
	}
	return true, nil
}

func (s *Store) CompleteEvent(ctx context.Context, id string, at time.Time) error {
	n, err := s.exec(ctx, "CompleteEvent", s.builder.
		Update(eventsTable).
		Set("status", string(domain.StatusCompleted)).
		Set("completed_at", at).
		Set("last_error", "").
		Where(squirrel.Eq{"id": id, "status": string(domain.StatusProcessing)}))
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.eventExists(ctx, "CompleteEvent", id); err != nil {
			return err
		}
		return fmt.Errorf("Store - CompleteEvent - event %s: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) FailEvent(ctx context.Context, id string, cause string) (*domain.WebhookEvent, error) {
	row, err := s.queryRow(ctx, "FailEvent", s.builder.
		Update(eventsTable).
		Set("status", string(domain.StatusFailed)).
		Set("last_error", cause).
		Where(squirrel.Eq{"id": id, "status": string(domain.StatusProcessing)}).
		Suffix("RETURNING "+joinColumns(eventColumns)))
	if err != nil {
		return nil, err
	}
	ev, err := scanEvent(row)
	if err != nil {
		if isNoRows(err) {
			if err := s.eventExists(ctx, "FailEvent", id); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("Store - FailEvent - event %s: %w", id, domain.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("Store - FailEvent - row.Scan: %w", err)
	}
	return ev, nil
}

// claimRetriesQuery moves the oldest retryable FAILED rows back to PENDING.
// SKIP LOCKED lets concurrent sweepers split the backlog.
func (s *Store) claimRetriesQuery(maxRetries, limit int) squirrel.UpdateBuilder {
	candidates := squirrel.
		Select("id").
		From(eventsTable).
		Where(squirrel.Eq{"status": string(domain.StatusFailed)}).
		Where(squirrel.Lt{"retry_count": maxRetries}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")

	return s.builder.
		Update(eventsTable).
		Set("status", string(domain.StatusPending)).
		Set("retry_count", squirrel.Expr("retry_count + 1")).
		Where(squirrel.Expr("id IN (?)", candidates)).
		Suffix("RETURNING " + joinColumns(eventColumns))
}

func (s *Store) ClaimRetries(ctx context.Context, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := s.query(ctx, "ClaimRetries", s.claimRetriesQuery(maxRetries, limit))
	if err != nil {
		return nil, err
	}
	evs, err := collect("ClaimRetries", rows, scanEvent)
	if err != nil {
		return nil, err
	}
	sortEvents(evs)
	return evs, nil
}

func (s *Store) FailInterrupted(ctx context.Context, olderThan time.Time, cause string) (int64, error) {
	return s.exec(ctx, "FailInterrupted", s.builder.
		Update(eventsTable).
		Set("status", string(domain.StatusFailed)).
		Set("last_error", cause).
		Where(squirrel.Eq{"status": string(domain.StatusProcessing)}).
		Where(squirrel.Lt{"processed_at": olderThan}))
}

func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := s.query(ctx, "ListPending", s.builder.
		Select(eventColumns...).
		From(eventsTable).
		Where(squirrel.Eq{"status": string(domain.StatusPending)}).
		Where(squirrel.Lt{"created_at": olderThan}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return collect("ListPending", rows, scanEvent)
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.EventStatus]int64, error) {
	rows, err := s.query(ctx, "CountByStatus", s.builder.
		Select("status", "COUNT(*)").
		From(eventsTable).
		GroupBy("status"))
	if err != nil {
		return nil, err
	}
	type count struct {
		status string
		n      int64
	}
	counts, err := collect("CountByStatus", rows, func(r pgx.Row) (count, error) {
		var c count
		err := r.Scan(&c.status, &c.n)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[domain.EventStatus]int64, len(counts))
	for _, c := range counts {
		out[domain.EventStatus(c.status)] = c.n
	}
	return out, nil
}

func (s *Store) CountExhausted(ctx context.Context, maxRetries int) (int64, error) {
	row, err := s.queryRow(ctx, "CountExhausted", s.builder.
		Select("COUNT(*)").
		From(eventsTable).
		Where(squirrel.Eq{"status": string(domain.StatusFailed)}).
		Where(squirrel.GtOrEq{"retry_count": maxRetries}))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("Store - CountExhausted - row.Scan: %w", err)
	}
	return n, nil
}

func (s *Store) ListArchivable(ctx context.Context, before time.Time, maxRetries, limit int) ([]*domain.WebhookEvent, error) {
	rows, err := s.query(ctx, "ListArchivable", s.builder.
		Select(eventColumns...).
		From(eventsTable).
		Where(squirrel.Eq{"archived_at": nil}).
		Where(squirrel.Lt{"created_at": before}).
		Where(squirrel.Or{
			squirrel.Eq{"status": string(domain.StatusCompleted)},
			squirrel.And{
				squirrel.Eq{"status": string(domain.StatusFailed)},
				squirrel.GtOrEq{"retry_count": maxRetries},
			},
		}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	return collect("ListArchivable", rows, scanEvent)
}

func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.exec(ctx, "MarkArchived", s.builder.
		Update(eventsTable).
		Set("archived_at", at).
		Where(squirrel.Eq{"id": ids, "archived_at": nil}))
	return err
}
