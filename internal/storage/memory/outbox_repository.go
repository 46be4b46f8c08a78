package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultPullLimit = 100

// OutboxRepository хранит события заказов в памяти; порядок выдачи совпадает с порядком Enqueue.
type OutboxRepository struct {
	mu       sync.RWMutex
	seq      uint64
	order    map[string]uint64
	messages map[string]domain.OutboxMessage
	now      func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		order:    make(map[string]uint64),
		messages: make(map[string]domain.OutboxMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := r.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.Status = domain.OutboxPending
	msg.Attempts = 0
	msg.UpdatedAt = now
	msg.Payload = append([]byte(nil), msg.Payload...)

	r.seq++
	r.order[msg.ID] = r.seq
	r.messages[msg.ID] = msg
	return cloneMessage(msg), nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}
	pending := r.byStatus(domain.OutboxPending)
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *OutboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	pending := r.byStatus(domain.OutboxPending)
	stats := domain.OutboxStats{
		PendingCount: len(pending),
		FailedCount:  len(r.byStatus(domain.OutboxFailed)),
	}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].CreatedAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxFailed)
}

// PurgeSent удаляет старейшие доставленные сообщения с UpdatedAt < before.
func (r *OutboxRepository) PurgeSent(_ context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	victims := make([]string, 0)
	for _, msg := range r.byStatus(domain.OutboxSent) {
		if msg.UpdatedAt.Before(before) {
			victims = append(victims, msg.ID)
		}
	}
	if len(victims) > limit {
		victims = victims[:limit]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range victims {
		delete(r.messages, id)
		delete(r.order, id)
	}
	return len(victims), nil
}

// Messages возвращает снимок всех сообщений в порядке постановки.
func (r *OutboxRepository) Messages() []domain.OutboxMessage {
	return r.byStatus("")
}

func (r *OutboxRepository) settle(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	msg.Status = status
	msg.Attempts++
	msg.UpdatedAt = r.now()
	r.messages[id] = msg
	return nil
}

// byStatus отдаёт копии сообщений со статусом status (все при пустом) по порядку постановки.
func (r *OutboxRepository) byStatus(status domain.OutboxStatus) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OutboxMessage, 0, len(r.messages))
	for _, msg := range r.messages {
		if status == "" || msg.Status == status {
			result = append(result, cloneMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool { return r.order[result[i].ID] < r.order[result[j].ID] })
	return result
}

func cloneMessage(msg domain.OutboxMessage) domain.OutboxMessage {
	msg.Payload = append([]byte(nil), msg.Payload...)
	return msg
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
