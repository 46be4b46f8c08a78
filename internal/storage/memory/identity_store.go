package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// IdentityStore — in-memory пользователи.
type IdentityStore struct {
	mu         sync.RWMutex
	users      map[string]domain.User
	superAdmin string
}

// NewIdentityStore создаёт пустое хранилище пользователей.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{users: make(map[string]domain.User)}
}

// CreateUser добавляет пользователя. Второй super_admin отклоняется.
func (s *IdentityStore) CreateUser(_ context.Context, user domain.User) error {
	if !user.Role.Valid() {
		return domain.NewValidationError("role", "unknown role")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return domain.ErrUserAlreadyExists
	}
	if user.Role == domain.RoleSuperAdmin {
		if s.superAdmin != "" {
			return domain.ErrSuperAdminExists
		}
		s.superAdmin = user.ID
	}
	s.users[user.ID] = user
	return nil
}

// GetUser возвращает пользователя или ErrUserNotFound.
func (s *IdentityStore) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

var (
	_ domain.IdentityStore  = (*IdentityStore)(nil)
	_ domain.IdentityWriter = (*IdentityStore)(nil)
)
