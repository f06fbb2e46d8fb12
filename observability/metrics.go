package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dailymint"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	mintdMetricsOnce sync.Once
	mintdRegistry    *MintdMetrics
)

// API returns the lazily-initialised metrics registry used to record HTTP API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// MintdMetrics wraps collectors tracking daily settlement health.
type MintdMetrics struct {
	batchLatency   *prometheus.HistogramVec
	settledUnits   prometheus.Counter
	skips          *prometheus.CounterVec
	errors         *prometheus.CounterVec
	withdrawable   prometheus.Gauge
	lastSettledDay prometheus.Gauge
	pauseEngaged   prometheus.Gauge
}

// Mintd exposes the metrics registry for mintd.
func Mintd() *MintdMetrics {
	mintdMetricsOnce.Do(func() {
		mintdRegistry = &MintdMetrics{
			batchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "batch_latency_seconds",
				Help:      "Latency distribution for settlement batches segmented by outcome.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			settledUnits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "settled_units_total",
				Help:      "Commodity units delivered by committed batches.",
			}),
			skips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "skips_total",
				Help:      "Candidates skipped by committed batches segmented by reason.",
			}, []string{"reason"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "errors_total",
				Help:      "Count of failed operations segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			withdrawable: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "withdrawable_fees",
				Help:      "Protocol fees accrued and not yet withdrawn, in currency base units.",
			}),
			lastSettledDay: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "last_settled_day",
				Help:      "Most recent target day committed by the scheduler.",
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mintd",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement scheduler pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			mintdRegistry.batchLatency,
			mintdRegistry.settledUnits,
			mintdRegistry.skips,
			mintdRegistry.errors,
			mintdRegistry.withdrawable,
			mintdRegistry.lastSettledDay,
			mintdRegistry.pauseEngaged,
		)
	})
	return mintdRegistry
}

// ObserveBatch records one settlement attempt.
func (m *MintdMetrics) ObserveBatch(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "committed"
	if err != nil {
		outcome = "failed"
	}
	m.batchLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordSettlement records the units and skips of a committed batch.
func (m *MintdMetrics) RecordSettlement(day, units uint64, skipsByReason map[string]int) {
	if m == nil {
		return
	}
	m.settledUnits.Add(float64(units))
	for reason, n := range skipsByReason {
		m.skips.WithLabelValues(labelReason(reason)).Add(float64(n))
	}
	m.lastSettledDay.Set(float64(day))
}

// RecordError increments the error counter for the supplied operation and kind.
func (m *MintdMetrics) RecordError(operation, kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelReason(operation), labelReason(kind)).Inc()
}

// SetWithdrawable updates the accrued fee gauge.
func (m *MintdMetrics) SetWithdrawable(amount *uint256.Int) {
	if m == nil || amount == nil {
		return
	}
	m.withdrawable.Set(bigToFloat(amount.ToBig()))
}

// SetPause toggles the pause_engaged gauge.
func (m *MintdMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelReason(reason string) string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return "unspecified"
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
