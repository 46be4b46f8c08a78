package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const superAdminIndex = "uq_users_single_super_admin"

// IdentityStore — пользователи в PostgreSQL. Единственность super_admin
// гарантирует частичный уникальный индекс.
type IdentityStore struct {
	db *sql.DB
}

// NewIdentityStore создаёт PostgreSQL-хранилище пользователей.
func NewIdentityStore(store *Store) *IdentityStore {
	return &IdentityStore{db: store.DB()}
}

// CreateUser добавляет пользователя.
func (s *IdentityStore) CreateUser(ctx context.Context, user domain.User) error {
	if !user.Role.Valid() {
		return domain.NewValidationError("role", "unknown role")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, mobile, role, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.ID, user.Name, user.Email, user.Mobile, string(user.Role), user.CreatedAt)
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		if constraintName(err) == superAdminIndex {
			return domain.ErrSuperAdminExists
		}
		return domain.ErrUserAlreadyExists
	}
	return fmt.Errorf("insert user: %w", err)
}

// GetUser возвращает пользователя или ErrUserNotFound.
func (s *IdentityStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		user domain.User
		role string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, mobile, role, created_at FROM users WHERE id = $1
	`, id).Scan(&user.ID, &user.Name, &user.Email, &user.Mobile, &role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	user.Role = domain.Role(role)
	return user, nil
}

var (
	_ domain.IdentityStore  = (*IdentityStore)(nil)
	_ domain.IdentityWriter = (*IdentityStore)(nil)
)
