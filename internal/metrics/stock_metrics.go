package metrics

import "github.com/prometheus/client_golang/prometheus"

// StockMetrics — метрики саги резервирования.
type StockMetrics struct {
	reservations  *prometheus.CounterVec
	compensations prometheus.Counter
	releasedUnits prometheus.Counter
}

// NewStockMetrics регистрирует метрики в DefaultRegisterer.
func NewStockMetrics() *StockMetrics {
	return NewStockMetricsWith(prometheus.DefaultRegisterer)
}

// NewStockMetricsWith регистрирует метрики в переданном registerer.
func NewStockMetricsWith(registerer prometheus.Registerer) *StockMetrics {
	return &StockMetrics{
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_reservations_total",
			Help: "Stock line reservations grouped by result.",
		}, []string{"result"}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_compensations_total",
			Help: "Number of reservation sagas rolled back.",
		}),
		releasedUnits: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_released_units_total",
			Help: "Units returned to stock by cancellations and compensations.",
		}),
	}
}

// RecordReservation считает результат резервирования строки.
func (m *StockMetrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordCompensation считает откат саги.
func (m *StockMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// RecordReleased считает возвращённые единицы.
func (m *StockMetrics) RecordReleased(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.releasedUnits.Add(float64(units))
}
