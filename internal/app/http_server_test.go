package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// startOpsServer поднимает ops-сервер на свободном порту и ждёт /livez.
func startOpsServer(t *testing.T, h *healthcheck.Handler) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	base := fmt.Sprintf("http://127.0.0.1:%d", findFreePort(t))
	srv := startMetricsServer(ctx, strings.TrimPrefix(base, "http://"), log.WithField("test", t.Name()), h)
	require.NotNil(t, srv)
	waitForHTTP(t, base+"/livez")
	return base, cancel
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsServer_Endpoints(t *testing.T) {
	base, cancel := startOpsServer(t, healthcheck.NewHandler(version.Service, version.Current().Version))
	defer cancel()

	tests := []struct {
		path     string
		contains string
	}{
		{"/metrics", "go_goroutines"},
		{"/healthz", `"service":"storefront"`},
		{"/readyz", `"status":"healthy"`},
		{"/livez", "ok"},
	}
	for _, tc := range tests {
		code, body := get(t, base+tc.path)
		require.Equal(t, http.StatusOK, code, tc.path)
		require.Contains(t, body, tc.contains, tc.path)
	}
}

func TestMetricsServer_FailingStorageIsNotReady(t *testing.T) {
	h := healthcheck.NewHandler(version.Service, version.Current().Version)
	h.Register("storage", healthcheck.Probe("storage", time.Second, func(context.Context) error {
		return errors.New("connection refused")
	}))
	base, cancel := startOpsServer(t, h)
	defer cancel()

	for _, path := range []string{"/readyz", "/healthz"} {
		code, _ := get(t, base+path)
		require.Equal(t, http.StatusServiceUnavailable, code, path)
	}

	_, body := get(t, base+"/healthz")
	var report healthcheck.Report
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	require.Equal(t, healthcheck.StatusUnhealthy, report.Checks["storage"].Status)

	code, _ := get(t, base+"/livez")
	require.Equal(t, http.StatusOK, code, "liveness ignores dependencies")
}

func TestMetricsServer_StopsWithContext(t *testing.T) {
	base, cancel := startOpsServer(t, healthcheck.NewHandler(version.Service, ""))
	cancel()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/livez")
		if err == nil {
			resp.Body.Close()
		}
		return err != nil
	}, 3*time.Second, 25*time.Millisecond)
}

func TestMetricsServer_BusyAddrDoesNotPanic(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := startMetricsServer(ctx, listener.Addr().String(), log.WithField("test", "busy"), healthcheck.NewHandler(version.Service, ""))
	require.NotNil(t, srv)
}

func TestNewHealthHandler_RegistersDependencies(t *testing.T) {
	deps := memoryDependencies()
	deps.storageChecker = healthcheck.Probe("postgres", time.Second, func(context.Context) error { return nil })

	h := newHealthHandler(DefaultConfig(), deps)
	require.Equal(t, []string{"outbox", "storage"}, h.Names())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestShutdownHTTP(t *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "nil-server"))

	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	go func() { _ = srv.ListenAndServe() }()
	waitForHTTP(t, "http://"+addr+"/")

	shutdownHTTP(srv, log.WithField("test", "shutdown"))
	_, err := http.Get("http://" + addr + "/")
	require.Error(t, err)
}

func findFreePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
