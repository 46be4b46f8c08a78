package domain

import (
	"net/http"
	"strings"
	"time"
)

// IdempotencyStatus — стадия обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// Valid проверяет, что статус известен.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyOutcome выбирает итоговый статус по коду ответа. 4xx и 5xx тоже
// кэшируются: повтор оформления после INSUFFICIENT_STOCK получает тот же отказ.
func IdempotencyOutcome(httpStatus int) IdempotencyStatus {
	if httpStatus >= http.StatusBadRequest {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}

// IdempotencyScope изолирует ключи разных покупателей: один и тот же
// Idempotency-Key у двух пользователей означает два разных оформления.
func IdempotencyScope(userID, key string) string {
	key = strings.TrimSpace(key)
	userID = strings.TrimSpace(userID)
	if userID == "" || key == "" {
		return key
	}
	return userID + ":" + key
}

// IdempotencyRecord — сохранённый результат запроса.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, что ответ сохранён и его можно отдать повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status != IdempotencyStatusProcessing && r.Status.Valid() && r.HTTPStatus != 0
}

// Expired — ключ можно удалить.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !r.TTLAt.After(now)
}
