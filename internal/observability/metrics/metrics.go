package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes entitlement-level instruments.
type Metrics struct {
	cacheEvents     metric.Int64Counter
	fetches         metric.Int64Counter
	accessDecisions metric.Int64Counter
	billingEvents   metric.Int64Counter
	resyncs         metric.Int64Counter
	creditsConsumed metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the entitlement instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitlements"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"entitlements_cache_events_total", &m.cacheEvents},
		{"entitlements_fetch_total", &m.fetches},
		{"entitlements_access_decisions_total", &m.accessDecisions},
		{"entitlements_billing_events_total", &m.billingEvents},
		{"entitlements_resync_total", &m.resyncs},
		{"entitlements_credits_consumed_total", &m.creditsConsumed},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// RecordCacheEvent counts cache activity. Safe on a nil receiver.
func (m *Metrics) RecordCacheEvent(event string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("event", strings.TrimSpace(event)))
	m.cacheEvents.Add(context.Background(), int64(count), metric.WithAttributes(attrs...))
}

// RecordFetch counts primary store lookups by outcome.
func (m *Metrics) RecordFetch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.fetches.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAccessDecision counts allow and deny answers.
func (m *Metrics) RecordAccessDecision(ctx context.Context, allowed bool, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.Bool("allowed", allowed),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.accessDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillingEvent counts billing events applied to entitlements.
func (m *Metrics) RecordBillingEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.billingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResync counts reconcile outcomes.
func (m *Metrics) RecordResync(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.resyncs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsConsumed adds consumed credits per plan.
func (m *Metrics) RecordCreditsConsumed(ctx context.Context, plan string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("plan", strings.TrimSpace(plan)))
	m.creditsConsumed.Add(ctx, amount, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// user_id and session_id are deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"event":       {},
	"outcome":     {},
	"allowed":     {},
	"reason":      {},
	"event_type":  {},
	"plan":        {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
