package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// TimelineRepository хранит ленты заказов, каждая отсортирована по Precedes.
type TimelineRepository struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт пустое хранилище лент.
func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{events: make(map[string][]domain.TimelineEvent)}
}

// Append вставляет событие на его место в ленте.
func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	event = event.Stamped(time.Now())

	r.mu.Lock()
	defer r.mu.Unlock()

	feed := r.events[event.OrderID]
	at := sort.Search(len(feed), func(i int) bool { return event.Precedes(feed[i]) })
	feed = append(feed, domain.TimelineEvent{})
	copy(feed[at+1:], feed[at:])
	feed[at] = event
	r.events[event.OrderID] = feed
	return nil
}

// List возвращает копию ленты заказа.
func (r *TimelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(make([]domain.TimelineEvent, 0, len(r.events[orderID])), r.events[orderID]...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
