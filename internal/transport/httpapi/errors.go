package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrorBody — содержимое поля "error" в ответе.
type ErrorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorResponse — конверт ошибки API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// statusFor переводит код доменной ошибки в HTTP-статус.
func statusFor(code string, authenticated bool) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		if authenticated {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case domain.CodeNotFound, domain.CodeVariantNotFound:
		return http.StatusNotFound
	case domain.CodeProductUnavailable, domain.CodeInsufficientStock, domain.CodeInvalidTransition,
		domain.CodeCannotCancel, domain.CodeReturnExists, domain.CodeNotDeletable, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeReturnWindowExpired:
		return http.StatusUnprocessableEntity
	case domain.CodeRefundFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorDetails вытаскивает контекст из типизированных ошибок, чтобы клиент мог исправить запрос.
func errorDetails(err error) interface{} {
	var (
		verr  *domain.ValidationError
		terr  *domain.TransitionError
		rterr *domain.ReturnTransitionError
		serr  *domain.StockError
		cerr  *domain.CancelError
		rwerr *domain.ReturnWindowError
	)
	switch {
	case errors.As(err, &verr):
		return verr.Fields
	case errors.As(err, &terr):
		return map[string]interface{}{"currentStatus": terr.From, "requestedStatus": terr.To}
	case errors.As(err, &rterr):
		return map[string]interface{}{"currentStatus": rterr.From, "requestedStatus": rterr.To}
	case errors.As(err, &serr):
		return map[string]interface{}{
			"productId": serr.ProductID,
			"sku":       serr.SKU,
			"requested": serr.Requested,
			"available": serr.Available,
		}
	case errors.As(err, &cerr):
		return map[string]interface{}{"currentStatus": cerr.Status}
	case errors.As(err, &rwerr):
		details := map[string]interface{}{"currentStatus": rwerr.Status}
		if !rwerr.Deadline.IsZero() {
			details["deadline"] = rwerr.Deadline.UTC().Format(time.RFC3339)
		}
		return details
	default:
		return nil
	}
}

// writeError отвечает конвертом ошибки по доменному коду.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.Code(err)
	_, authenticated := ActorFromContext(r.Context())
	status := statusFor(code, authenticated)

	message := err.Error()
	entry := s.logger.WithError(err).WithFields(log.Fields{
		"request_id": requestID(r),
		"code":       code,
		"status":     status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
		if status == http.StatusInternalServerError {
			message = "internal server error"
		}
	} else {
		entry.Debug("request rejected")
	}

	s.writeStatus(w, r, status, code, message, errorDetails(err))
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID(r),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON читает тело запроса. Битый JSON считается ошибкой валидации поля body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("body", "request body is required")
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.NewValidationError("body", "request body is too large")
		}
		return domain.NewValidationError("body", "malformed JSON: "+strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
