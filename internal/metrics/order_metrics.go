package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики движка заказов.
type OrderMetrics struct {
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	orderValue        prometheus.Histogram
	timelineEvents    prometheus.Counter
	outboxEvents      prometheus.Counter
	versionRetries    prometheus.Counter
	salesDrift        prometheus.Counter
	inFlight          prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWith(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWith регистрирует метрики в переданном registerer.
func NewOrderMetricsWith(registerer prometheus.Registerer) *OrderMetrics {
	return &OrderMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_operations_total",
			Help: "Total number of order engine operations grouped by operation and result.",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_operation_duration_seconds",
			Help:    "Duration of order engine operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_status_transitions_total",
			Help: "Total number of order status transitions.",
		}, []string{"from", "to"}),
		orderValue: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_value",
			Help:    "Distribution of order totals at creation.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000},
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded.",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of events enqueued into the outbox.",
		}),
		versionRetries: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_version_retries_total",
			Help: "Total number of retries caused by optimistic locking conflicts.",
		}),
		salesDrift: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_sales_counter_drift_total",
			Help: "Total number of orders whose sales counters were not updated and need reconciliation.",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_order_operations_in_flight",
			Help: "Number of order engine operations currently running.",
		}),
	}
}

// Begin отмечает старт операции и возвращает функцию завершения.
func (m *OrderMetrics) Begin(operation string) func(result string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(result string) {
		m.inFlight.Dec()
		m.operations.WithLabelValues(operation, result).Inc()
		m.operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// RecordTransition считает переход статуса.
func (m *OrderMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveOrderValue записывает сумму созданного заказа.
func (m *OrderMetrics) ObserveOrderValue(total float64) {
	if m == nil {
		return
	}
	m.orderValue.Observe(total)
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordVersionRetry считает повтор после конфликта версий.
func (m *OrderMetrics) RecordVersionRetry() {
	if m == nil {
		return
	}
	m.versionRetries.Inc()
}

// RecordSalesDrift считает заказ, у которого не обновились счётчики продаж.
func (m *OrderMetrics) RecordSalesDrift() {
	if m == nil {
		return
	}
	m.salesDrift.Inc()
}
