package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	// IdempotencyKeyHeader — заголовок с ключом идемпотентности.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader помечает ответ, отданный из кэша.
	IdempotentReplayHeader = "Idempotent-Replayed"

	maxIdempotencyKeyLength = 255
)

// idempotent выполняет запрос один раз на ключ: повтор с тем же телом получает
// сохранённый ответ, другое тело или параллельный дубль получают 409.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" || s.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			s.writeError(w, r, domain.NewValidationError(IdempotencyKeyHeader, "must be at most 255 characters"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, r, domain.NewValidationError("body", "request body is too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		logger := s.logger.WithFields(log.Fields{
			"request_id":      requestID(r),
			"idempotency_key": key,
		})

		key = domain.IdempotencyScope(actorOf(r).UserID, key)
		hash := requestHash(r, body)
		record, err := s.idempotency.CreateProcessing(r.Context(), key, hash, s.now().UTC().Add(s.cfg.IdempotencyTTL))
		if err != nil {
			s.replay(w, r, logger, record, err)
			return
		}

		// Запись ключа не должна зависеть от таймаута запроса: иначе ключ
		// останется в processing до истечения TTL.
		storeCtx := context.WithoutCancel(r.Context())
		settled := false
		defer func() {
			if settled {
				return
			}
			rec := recover()
			s.abandonKey(storeCtx, r, logger, key, http.StatusInternalServerError)
			if rec != nil {
				panic(rec)
			}
		}()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		var captured bytes.Buffer
		ww.Tee(&captured)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 && r.Context().Err() != nil {
			settled = true
			s.abandonKey(storeCtx, r, logger, key, http.StatusGatewayTimeout)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		mark := s.idempotency.MarkDone
		if domain.IdempotencyOutcome(status) == domain.IdempotencyStatusFailed {
			mark = s.idempotency.MarkFailed
		}
		settled = true
		if err := mark(storeCtx, key, captured.Bytes(), status); err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
	})
}

// abandonKey закрывает ключ ошибкой, если обработчик упал или не успел ответить.
func (s *Server) abandonKey(ctx context.Context, r *http.Request, logger *log.Entry, key string, status int) {
	body, err := json.Marshal(ErrorResponse{Error: ErrorBody{
		Code:      domain.CodeInternal,
		Message:   "request was interrupted, retry with a new idempotency key",
		RequestID: requestID(r),
	}})
	if err != nil {
		logger.WithError(err).Error("failed to encode interrupted response")
		return
	}
	if err := s.idempotency.MarkFailed(ctx, key, body, status); err != nil {
		logger.WithError(err).Warn("failed to release interrupted idempotency key")
		return
	}
	logger.WithField("status", status).Warn("idempotent request interrupted")
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, logger *log.Entry, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		s.writeStatus(w, r, http.StatusConflict, domain.CodeConflict,
			"idempotency key is already used with a different request payload", nil)
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Replayable():
			logger.WithField("status", record.HTTPStatus).Debug("replaying cached response")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(IdempotentReplayHeader, "true")
			w.WriteHeader(record.HTTPStatus)
			_, _ = w.Write(record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			s.writeStatus(w, r, http.StatusConflict, domain.CodeConflict,
				"request with the same idempotency key is already processing", nil)
		default:
			s.writeStatus(w, r, http.StatusInternalServerError, domain.CodeInternal, "idempotency cache is empty", nil)
		}
	default:
		logger.WithError(createErr).Error("failed to create idempotency record")
		s.writeStatus(w, r, http.StatusInternalServerError, domain.CodeInternal, "failed to initialize idempotent request", nil)
	}
}

// requestHash привязывает ключ к методу, пути, пользователю и телу запроса.
func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{'\n'})
	h.Write([]byte(actorOf(r).UserID))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
