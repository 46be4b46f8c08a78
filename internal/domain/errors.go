package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound — базовая ошибка отсутствующей сущности.
	ErrNotFound = errors.New("not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)
	// ErrProductNotFound — товар отсутствует в каталоге.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrUserNotFound — пользователь отсутствует в identity store.
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
	// ErrProductUnavailable — товар выключен или не в статусе active.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrVariantNotFound — у товара нет варианта с таким SKU.
	ErrVariantNotFound = errors.New("variant not found")
	// ErrInsufficientStock — остатка не хватает на запрошенное количество.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition — переход статуса не разрешён таблицей переходов.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrCannotCancel — заказ уже нельзя отменить.
	ErrCannotCancel = errors.New("order cannot be cancelled")
	// ErrReturnWindowExpired — окно возврата истекло или заказ не доставлен.
	ErrReturnWindowExpired = errors.New("return window expired")
	// ErrReturnAlreadyExists — по заказу уже есть заявка на возврат.
	ErrReturnAlreadyExists = errors.New("return already requested")
	// ErrUnauthorized — действие не разрешено текущему пользователю.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPersistence — ошибка записи в хранилище.
	ErrPersistence = errors.New("persistence failure")
	// ErrSuperAdminExists — в системе может быть только один super admin.
	ErrSuperAdminExists = errors.New("super admin already exists")
	// ErrUserAlreadyExists — пользователь с таким ID уже создан.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrOrderNotDeletable — удалить можно только отменённый заказ.
	ErrOrderNotDeletable = errors.New("only cancelled orders can be deleted")

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrRefundFailed — платёжный шлюз не смог вернуть деньги.
	ErrRefundFailed = errors.New("refund failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict — ключ уже занят или переиспользован с другим телом.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// FieldError — нарушение правила для конкретного поля запроса.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError собирает все нарушения входных данных.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError создаёт ошибку с одним полем.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// Add добавляет нарушение.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Empty — true, если нарушений нет.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil возвращает nil, если ошибок не накопилось.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError — запрошенный переход отсутствует в таблице.
type TransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change order status from %q to %q", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ReturnTransitionError — недопустимый переход заявки на возврат.
type ReturnTransitionError struct {
	From ReturnStatus
	To   ReturnStatus
}

func (e *ReturnTransitionError) Error() string {
	return fmt.Sprintf("cannot change return status from %q to %q", e.From, e.To)
}

func (e *ReturnTransitionError) Unwrap() error { return ErrInvalidTransition }

// StockError описывает нехватку остатка по позиции.
type StockError struct {
	ProductID string
	SKU       string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	if e.SKU != "" {
		return fmt.Sprintf("insufficient stock for product %s sku %s: requested %d, available %d",
			e.ProductID, e.SKU, e.Requested, e.Available)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// CancelError — отмена запрошена в неотменяемом статусе.
type CancelError struct {
	Status OrderStatus
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("order cannot be cancelled in status %q", e.Status)
}

func (e *CancelError) Unwrap() error { return ErrCannotCancel }

// ReturnWindowError — заявка на возврат пришла после дедлайна или до доставки.
type ReturnWindowError struct {
	Status   OrderStatus
	Deadline time.Time
}

func (e *ReturnWindowError) Error() string {
	if e.Status != OrderStatusDelivered {
		return fmt.Sprintf("return is only allowed for delivered orders, current status %q", e.Status)
	}
	return fmt.Sprintf("return window closed at %s", e.Deadline.UTC().Format(time.RFC3339))
}

func (e *ReturnWindowError) Unwrap() error { return ErrReturnWindowExpired }

// PersistenceError оборачивает сбой хранилища в многошаговой операции.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap отдаёт и ErrPersistence, и исходную причину.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// Persistence оборачивает ошибку, если это не известная доменная ошибка.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusinessError(err) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsBusinessError — ошибки, которые вызывающий может исправить и повторить.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrProductUnavailable, ErrVariantNotFound, ErrInsufficientStock,
		ErrInvalidTransition, ErrCannotCancel, ErrReturnWindowExpired, ErrReturnAlreadyExists,
		ErrUnauthorized, ErrOrderVersionConflict, ErrOrderNotDeletable, ErrSuperAdminExists, ErrUserAlreadyExists,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Коды ошибок для внешних клиентов.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotFound            = "NOT_FOUND"
	CodeVariantNotFound     = "VARIANT_NOT_FOUND"
	CodeProductUnavailable  = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock   = "INSUFFICIENT_STOCK"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeCannotCancel        = "CANNOT_CANCEL"
	CodeReturnWindowExpired = "RETURN_WINDOW_EXPIRED"
	CodeReturnExists        = "RETURN_ALREADY_EXISTS"
	CodeNotDeletable        = "ORDER_NOT_DELETABLE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeConflict            = "CONFLICT"
	CodeRefundFailed        = "REFUND_FAILED"
	CodePersistence         = "PERSISTENCE_FAILURE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Code возвращает машинный код ошибки.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrVariantNotFound):
		return CodeVariantNotFound
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrProductUnavailable):
		return CodeProductUnavailable
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrCannotCancel):
		return CodeCannotCancel
	case errors.Is(err, ErrReturnWindowExpired):
		return CodeReturnWindowExpired
	case errors.Is(err, ErrReturnAlreadyExists):
		return CodeReturnExists
	case errors.Is(err, ErrOrderNotDeletable):
		return CodeNotDeletable
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrOrderVersionConflict), errors.Is(err, ErrSuperAdminExists),
		errors.Is(err, ErrUserAlreadyExists), IsIdempotencyConflict(err):
		return CodeConflict
	case errors.Is(err, ErrRefundFailed):
		return CodeRefundFailed
	default:
		return CodeInternal
	}
}
