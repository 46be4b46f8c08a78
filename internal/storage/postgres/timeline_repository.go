package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	insertTimelineEvent = `
		INSERT INTO timeline_events (id, order_id, type, reason, actor, occurred)
		VALUES ($1, $2, $3, $4, $5, $6)`
	selectTimeline = `
		SELECT id, type, reason, actor, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id`
)

// TimelineRepository хранит ленту заказа в timeline_events.
type TimelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт репозиторий поверх store.
func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB()}
}

// Append сохраняет событие; пустые id и время заполняются.
func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event = event.Stamped(time.Now())

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, insertTimelineEvent,
		event.ID, event.OrderID, event.Type, event.Reason, event.Actor, event.Occurred); err != nil {
		return fmt.Errorf("append timeline event %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List возвращает ленту в порядке TimelineEvent.Precedes.
func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, selectTimeline, orderID)
	if err != nil {
		return nil, fmt.Errorf("list timeline for order %s: %w", orderID, err)
	}
	defer rows.Close()

	feed := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		event := domain.TimelineEvent{OrderID: orderID}
		if err := rows.Scan(&event.ID, &event.Type, &event.Reason, &event.Actor, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		event.Occurred = event.Occurred.UTC()
		feed = append(feed, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline events: %w", err)
	}
	return feed, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
