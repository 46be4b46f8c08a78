package domain

import "time"

// Role задаёт права пользователя.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Valid проверяет роль.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// Admin — роль с правами администратора.
func (r Role) Admin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// User — пользователь из identity store.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Mobile    string    `json:"mobile,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Actor — тот, от чьего имени выполняется операция.
type Actor struct {
	UserID string
	Name   string
	Role   Role
}

// IsAdmin сообщает, есть ли у актора права администратора.
func (a Actor) IsAdmin() bool {
	return a.Role.Admin()
}

// CanAccess пропускает владельца заказа и администратора.
func (a Actor) CanAccess(order Order) bool {
	return a.IsAdmin() || (a.UserID != "" && a.UserID == order.UserID)
}
