package main

import (
	"math"
	"sort"
	"sync"
	"time"
)

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeAccepted
	outcomeSoldOut
	outcomeCancelled
)

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	Total             int64                   `json:"total"`
	Accepted          int64                   `json:"accepted"`
	SoldOut           int64                   `json:"sold_out"`
	Cancelled         int64                   `json:"cancelled"`
	Failed            int64                   `json:"failed"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu       sync.Mutex
	methods  map[string]*methodStats
	outcomes map[outcome]int64
}

func newCollector() *collector {
	return &collector{
		methods:  make(map[string]*methodStats),
		outcomes: make(map[outcome]int64),
	}
}

func (c *collector) record(method string, latency time.Duration, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}
	stats.calls++
	stats.codes[label]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

// finish учитывает итог сценария; отменённый заказ тоже был принят.
func (c *collector) finish(result outcome, latency time.Duration) {
	c.record(methodScenario, latency, "done")

	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[result]++
	if result == outcomeCancelled {
		c.outcomes[outcomeAccepted]++
	}
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Accepted:        c.outcomes[outcomeAccepted],
		SoldOut:         c.outcomes[outcomeSoldOut],
		Cancelled:       c.outcomes[outcomeCancelled],
		Failed:          c.outcomes[outcomeFailed],
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	for name, stats := range c.methods {
		if name == methodScenario {
			result.Total = stats.calls
			result.ScenarioLatencyMs = buildLatencySummary(stats.latencies)
			continue
		}
		codes := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codes[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Codes:     codes,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	if duration > 0 {
		result.RPS = float64(result.Total) / duration.Seconds()
	}
	return result
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
