package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTickLatency              = "fundarb_tick_latency_ms"
	MetricQueueDepth               = "fundarb_queue_depth"
	MetricRiskLevel                = "fundarb_risk_level"
	MetricIntentsTotal             = "fundarb_intents_total"
	MetricRequestsTotal            = "fundarb_requests_total"
	MetricRequestRetriesTotal      = "fundarb_request_retries_total"
	MetricRateLimitWait            = "fundarb_rate_limit_wait_ms"
	MetricCircuitBreakerOpen       = "fundarb_circuit_breaker_open"
	MetricReconcilerInconsistTotal = "fundarb_reconciler_inconsistencies_total"
	MetricHedgeDrift               = "fundarb_hedge_drift_bps"
	MetricPositionNotional         = "fundarb_position_notional_quote"
)

// riskLevelOrdinal maps level strings onto a gauge scale (0 = SAFE)
var riskLevelOrdinal = map[string]int64{
	"SAFE":    0,
	"CAUTION": 1,
	"WARNING": 2,
	"DANGER":  3,
	"BLOCKED": 4,
}

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TickLatency          metric.Float64Histogram
	QueueDepth           metric.Int64ObservableGauge
	RiskLevel            metric.Int64ObservableGauge
	IntentsTotal         metric.Int64Counter
	RequestsTotal        metric.Int64Counter
	RequestRetriesTotal  metric.Int64Counter
	RateLimitWait        metric.Float64Histogram
	CircuitBreakerOpen   metric.Int64ObservableGauge
	ReconcilerInconsist  metric.Int64Counter
	HedgeDrift           metric.Float64Histogram
	PositionNotional     metric.Float64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	queueDepth     int64
	riskLevel      int64
	breakerOpenMap map[string]int64
	notionalMap    map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			breakerOpenMap: make(map[string]int64),
			notionalMap:    make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TickLatency, err = meter.Float64Histogram(MetricTickLatency,
		metric.WithDescription("Evaluator tick latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.IntentsTotal, err = meter.Int64Counter(MetricIntentsTotal,
		metric.WithDescription("Trading intents emitted by the evaluator"))
	if err != nil {
		return err
	}

	m.RequestsTotal, err = meter.Int64Counter(MetricRequestsTotal,
		metric.WithDescription("Outbound venue requests through the request policy"))
	if err != nil {
		return err
	}

	m.RequestRetriesTotal, err = meter.Int64Counter(MetricRequestRetriesTotal,
		metric.WithDescription("Request policy retries"))
	if err != nil {
		return err
	}

	m.RateLimitWait, err = meter.Float64Histogram(MetricRateLimitWait,
		metric.WithDescription("Time spent waiting for rate limit tokens"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ReconcilerInconsist, err = meter.Int64Counter(MetricReconcilerInconsistTotal,
		metric.WithDescription("Inconsistencies detected by the reconciler"))
	if err != nil {
		return err
	}

	m.HedgeDrift, err = meter.Float64Histogram(MetricHedgeDrift,
		metric.WithDescription("Hedge leg size drift after execution"), metric.WithUnit("bps"))
	if err != nil {
		return err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge(MetricQueueDepth,
		metric.WithDescription("Pending jobs in the serial execution queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.queueDepth)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskLevel, err = meter.Int64ObservableGauge(MetricRiskLevel,
		metric.WithDescription("Current risk level ordinal (0=SAFE..4=BLOCKED)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.riskLevel)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker open state by breaker name"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for name, v := range m.breakerOpenMap {
				o.Observe(v, metric.WithAttributes(attribute.String("breaker", name)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionNotional, err = meter.Float64ObservableGauge(MetricPositionNotional,
		metric.WithDescription("Open hedge notional in quote units"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for symbol, v := range m.notionalMap {
				o.Observe(v, metric.WithAttributes(attribute.String("symbol", symbol)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordTickLatency records one evaluator tick duration
func (m *MetricsHolder) RecordTickLatency(ctx context.Context, ms float64) {
	if m.TickLatency != nil {
		m.TickLatency.Record(ctx, ms)
	}
}

// RecordIntent counts one emitted intent by type
func (m *MetricsHolder) RecordIntent(ctx context.Context, intentType string) {
	if m.IntentsTotal != nil {
		m.IntentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", intentType)))
	}
}

// RecordRequest counts one outbound request with its outcome
func (m *MetricsHolder) RecordRequest(ctx context.Context, endpoint, outcome string) {
	if m.RequestsTotal != nil {
		m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordRetry counts one request retry
func (m *MetricsHolder) RecordRetry(ctx context.Context, endpoint string) {
	if m.RequestRetriesTotal != nil {
		m.RequestRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
	}
}

// RecordRateLimitWait records time spent blocked on a token bucket
func (m *MetricsHolder) RecordRateLimitWait(ctx context.Context, ms float64, category string) {
	if m.RateLimitWait != nil {
		m.RateLimitWait.Record(ctx, ms, metric.WithAttributes(attribute.String("category", category)))
	}
}

// RecordInconsistency counts one reconciler finding by field and severity
func (m *MetricsHolder) RecordInconsistency(ctx context.Context, field, severity string) {
	if m.ReconcilerInconsist != nil {
		m.ReconcilerInconsist.Add(ctx, 1, metric.WithAttributes(
			attribute.String("field", field),
			attribute.String("severity", severity),
		))
	}
}

// RecordHedgeDrift records the post-execution leg drift
func (m *MetricsHolder) RecordHedgeDrift(ctx context.Context, bps float64) {
	if m.HedgeDrift != nil {
		m.HedgeDrift.Record(ctx, bps)
	}
}

// SetQueueDepth updates the queue depth gauge
func (m *MetricsHolder) SetQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = depth
}

// SetRiskLevel updates the risk level gauge
func (m *MetricsHolder) SetRiskLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskLevel = riskLevelOrdinal[level]
}

// SetCircuitBreakerOpen updates a breaker's open state
func (m *MetricsHolder) SetCircuitBreakerOpen(name string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.breakerOpenMap[name] = 1
	} else {
		m.breakerOpenMap[name] = 0
	}
}

// SetPositionNotional updates the notional gauge for a symbol
func (m *MetricsHolder) SetPositionNotional(symbol string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notionalMap[symbol] = notional
}
