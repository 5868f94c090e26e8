package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/leafsii/leafsii-intents/internal/intent"
	"github.com/leafsii/leafsii-intents/internal/verify"
)

type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	ActiveConnections metric.Int64UpDownCounter

	Transitions  metric.Int64Counter
	Verdicts     metric.Int64Counter
	EscrowOps    metric.Int64Counter
	EscrowAmount metric.Float64Counter
	Halts        metric.Int64Counter
	Settlements  metric.Int64Counter
	SweepRuns    metric.Int64Counter

	meter metric.Meter
}

// Setup builds a meter provider exporting to a fresh Prometheus registry and
// returns the handler that serves it.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(serviceName)

	m := &Metrics{meter: meter}

	int64Counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "lfs_http_requests_total", "Total number of HTTP requests"},
		{&m.Transitions, "lfs_intent_transitions_total", "Committed intent status transitions"},
		{&m.Verdicts, "lfs_verification_verdicts_total", "Verification verdicts by stage and outcome"},
		{&m.EscrowOps, "lfs_escrow_operations_total", "Escrow lock and release operations"},
		{&m.Halts, "lfs_intent_halts_total", "Intents halted on a bookkeeping violation"},
		{&m.Settlements, "lfs_settlements_total", "Token ledger settlement attempts"},
		{&m.SweepRuns, "lfs_sweeper_actions_total", "Expiry sweeper actions"},
	}
	for _, c := range int64Counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"lfs_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EscrowAmount, err = meter.Float64Counter(
		"lfs_escrow_amount_total",
		metric.WithDescription("Base units moved through escrow by operation and token"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"lfs_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, handler, nil
}

// ObserveEscrow registers a gauge reporting the locked total per token.
func (m *Metrics) ObserveEscrow(totals func() map[string]decimal.Decimal) error {
	_, err := m.meter.Float64ObservableGauge(
		"lfs_escrow_locked",
		metric.WithDescription("Currently locked escrow per token in base units"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			for token, total := range totals() {
				o.Observe(total.InexactFloat64(), metric.WithAttributes(attribute.String("token", token)))
			}
			return nil
		}),
	)
	return err
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to intent.Status) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) RecordVerdict(ctx context.Context, stage string, outcome verify.Outcome) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome.String()),
	))
}

func (m *Metrics) RecordEscrow(ctx context.Context, op, token string, amount decimal.Decimal) {
	labels := metric.WithAttributes(attribute.String("op", op), attribute.String("token", token))
	m.EscrowOps.Add(ctx, 1, labels)
	m.EscrowAmount.Add(ctx, amount.Abs().InexactFloat64(), labels)
}

func (m *Metrics) RecordHalt(ctx context.Context) {
	m.Halts.Add(ctx, 1)
}

func (m *Metrics) RecordSettlement(ctx context.Context, ok bool) {
	m.Settlements.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) RecordSweep(ctx context.Context, action string, n int) {
	if n == 0 {
		return
	}
	m.SweepRuns.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

var _ intent.Recorder = (*Metrics)(nil)
