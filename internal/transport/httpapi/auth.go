package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var (
	// ErrTokenMissing — запрос пришёл без bearer-токена.
	ErrTokenMissing = errors.New("auth: bearer token missing")
	// ErrTokenInvalid — подпись, срок действия или claims не прошли проверку.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims — полезная нагрузка токена: sub, name и role.
type Claims struct {
	Name string      `json:"name,omitempty"`
	Role domain.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator проверяет HS256-токены и превращает их в domain.Actor.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator создаёт проверку токенов. Пустой issuer не проверяется.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

// Issue подписывает токен для actor. Используется сидером и нагрузочным клиентом.
func (a *Authenticator) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := a.now().UTC()
	claims := Claims{
		Name: actor.Name,
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate разбирает и проверяет токен.
func (a *Authenticator) Authenticate(raw string) (domain.Actor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Actor{}, ErrTokenMissing
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return domain.Actor{}, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}
	if claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: subject is empty", ErrTokenInvalid)
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleUser
	}
	if !role.Valid() {
		return domain.Actor{}, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	return domain.Actor{UserID: claims.Subject, Name: claims.Name, Role: role}, nil
}

type actorKey struct{}

// WithActor кладёт актора в контекст.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext достаёт актора, если запрос аутентифицирован.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok && actor.UserID != ""
}

// authenticate принимает запросы без токена, но отклоняет битые токены.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			s.writeStatus(w, r, http.StatusUnauthorized, domain.CodeUnauthorized, "authorization header must use Bearer scheme", nil)
			return
		}
		actor, err := s.auth.Authenticate(token)
		if err != nil {
			s.logger.WithError(err).WithField("request_id", requestID(r)).Debug("token rejected")
			s.writeStatus(w, r, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := ActorFromContext(r.Context()); !ok {
			s.writeStatus(w, r, http.StatusUnauthorized, domain.CodeUnauthorized, "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		if !actor.IsAdmin() {
			s.writeStatus(w, r, http.StatusForbidden, domain.CodeUnauthorized, "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorOf(r *http.Request) domain.Actor {
	a, _ := ActorFromContext(r.Context())
	return a
}
