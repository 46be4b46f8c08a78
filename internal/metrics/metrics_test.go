package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	metric := &dto.Metric{}
	m, ok := <-ch
	if !ok {
		t.Fatal("collector produced no metric")
	}
	if err := m.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return metric.Gauge.GetValue()
}

func TestOrderMetricsBegin(t *testing.T) {
	m := NewOrderMetricsWith(prometheus.NewRegistry())

	done := m.Begin("create")
	if got := counterValue(t, m.inFlight); got != 1 {
		t.Fatalf("expected in-flight 1, got %f", got)
	}
	done("ok")

	if got := counterValue(t, m.inFlight); got != 0 {
		t.Fatalf("expected in-flight 0, got %f", got)
	}
	if got := counterValue(t, m.operations.WithLabelValues("create", "ok")); got != 1 {
		t.Fatalf("expected 1 create/ok, got %f", got)
	}

	histogram := &dto.Metric{}
	observer := m.operationDuration.WithLabelValues("create").(prometheus.Metric)
	if err := observer.Write(histogram); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if histogram.Histogram.GetSampleCount() != 1 {
		t.Fatalf("expected one duration sample, got %d", histogram.Histogram.GetSampleCount())
	}
}

func TestOrderMetricsCounters(t *testing.T) {
	m := NewOrderMetricsWith(prometheus.NewRegistry())

	m.RecordTransition("Pending", "Confirmed")
	m.RecordTransition("Pending", "Confirmed")
	m.RecordTimelineEvent()
	m.RecordOutboxEvent()
	m.RecordVersionRetry()
	m.RecordSalesDrift()
	m.ObserveOrderValue(1770)

	if got := counterValue(t, m.transitions.WithLabelValues("Pending", "Confirmed")); got != 2 {
		t.Fatalf("expected 2 transitions, got %f", got)
	}
	if got := counterValue(t, m.timelineEvents); got != 1 {
		t.Fatalf("expected 1 timeline event, got %f", got)
	}
	if got := counterValue(t, m.versionRetries); got != 1 {
		t.Fatalf("expected 1 retry, got %f", got)
	}
	if got := counterValue(t, m.salesDrift); got != 1 {
		t.Fatalf("expected 1 sales drift, got %f", got)
	}
}

func TestNilMetricsAreNoop(t *testing.T) {
	var orders *OrderMetrics
	orders.Begin("create")("ok")
	orders.RecordTransition("a", "b")
	orders.RecordOutboxEvent()
	orders.RecordSalesDrift()

	var stock *StockMetrics
	stock.RecordReservation("reserved")
	stock.RecordCompensation()

	var httpMetrics *HTTPMetrics
	httpMetrics.Observe("GET", "/", 200, time.Millisecond)
}

func TestStockMetrics(t *testing.T) {
	m := NewStockMetricsWith(prometheus.NewRegistry())

	m.RecordReservation("reserved")
	m.RecordReservation("insufficient")
	m.RecordCompensation()
	m.RecordReleased(3)
	m.RecordReleased(-1)

	if got := counterValue(t, m.reservations.WithLabelValues("insufficient")); got != 1 {
		t.Fatalf("expected 1 insufficient, got %f", got)
	}
	if got := counterValue(t, m.releasedUnits); got != 3 {
		t.Fatalf("expected 3 released units, got %f", got)
	}
}

func TestHTTPMetricsObserve(t *testing.T) {
	m := NewHTTPMetricsWith(prometheus.NewRegistry())

	m.Observe("POST", "/api/v1/orders", 201, 10*time.Millisecond)
	m.Observe("GET", "", 404, time.Millisecond)

	if got := counterValue(t, m.requests.WithLabelValues("POST", "/api/v1/orders", "201")); got != 1 {
		t.Fatalf("expected 1 request, got %f", got)
	}
	if got := counterValue(t, m.requests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected unmatched route, got %f", got)
	}
}

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewStockMetricsWith(reg)
	second := NewStockMetricsWith(reg)

	first.RecordCompensation()
	if got := counterValue(t, second.compensations); got != 1 {
		t.Fatalf("expected shared collector, got %f", got)
	}
}

func TestWorkerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	outbox := NewOutboxMetricsWith(reg)
	cleanup := NewCleanupMetricsWith(reg)

	outbox.RecordAttempt("sent")
	outbox.RecordAttempt("sent")
	outbox.SetBacklog(3, 1, -time.Second)
	if got := counterValue(t, outbox.publishAttempts.WithLabelValues("sent")); got != 2 {
		t.Fatalf("expected 2 sent attempts, got %f", got)
	}
	if got := counterValue(t, outbox.pending); got != 3 {
		t.Fatalf("expected 3 pending, got %f", got)
	}
	if got := counterValue(t, outbox.failed); got != 1 {
		t.Fatalf("expected 1 failed, got %f", got)
	}
	if got := counterValue(t, outbox.oldestAge); got != 0 {
		t.Fatalf("negative age must be clamped, got %f", got)
	}

	cleanup.AddDeleted(5)
	cleanup.AddDeleted(-1)
	cleanup.RecordRun("ok", 5)
	cleanup.RecordRun("error", 0)
	if got := counterValue(t, cleanup.deleted); got != 5 {
		t.Fatalf("expected 5 deleted, got %f", got)
	}
	if got := counterValue(t, cleanup.lastDeleted); got != 5 {
		t.Fatalf("error run must not reset last deleted, got %f", got)
	}
}
