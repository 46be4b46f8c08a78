package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Service       string           `json:"service"`
	Version       string           `json:"version,omitempty"`
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Checks        map[string]Check `json:"checks,omitempty"`
}

// Checker проверяет одну зависимость: хранилище, каталог, очередь outbox.
type Checker interface {
	Check() Check
}

// Handler собирает проверки и отдаёт их по HTTP.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	service  string
	version  string
	started  time.Time
	now      func() time.Time
}

// NewHandler создаёт handler для сервиса service версии version.
func NewHandler(service, version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		service:  service,
		version:  version,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register добавляет проверку; повторная регистрация заменяет предыдущую.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Names возвращает зарегистрированные проверки в алфавитном порядке.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate запускает все проверки параллельно и сводит их в один статус.
func (h *Handler) Evaluate() Report {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	h.mu.RUnlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			check := checker.Check()
			mu.Lock()
			checks[name] = check
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, check := range checks {
		if check.Status.rank() > overall.rank() {
			overall = check.Status
		}
	}

	now := h.now()
	return Report{
		Service:       h.service,
		Version:       h.version,
		Status:        overall,
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(h.started).Seconds()),
		Checks:        checks,
	}
}

// ServeHTTP отдаёт полный отчёт; degraded остаётся 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	report := h.Evaluate()
	writeJSON(w, statusCode(report.Status), report)
}

// Readiness — короткий ответ для балансировщика.
func (h *Handler) Readiness(w http.ResponseWriter, _ *http.Request) {
	report := h.Evaluate()
	writeJSON(w, statusCode(report.Status), map[string]Status{"status": report.Status})
}

// Liveness отвечает 200, пока процесс обслуживает HTTP.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func statusCode(status Status) int {
	if status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Probe превращает ping-функцию в Checker с ограничением по времени.
func Probe(name string, timeout time.Duration, ping func(context.Context) error) Checker {
	return probe{name: name, timeout: timeout, ping: ping}
}

type probe struct {
	name    string
	timeout time.Duration
	ping    func(context.Context) error
}

func (p probe) Check() Check {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.ping(ctx)
	check := Check{Name: p.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}
