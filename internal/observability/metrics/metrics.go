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

// Metrics exposes application-level instruments.
type Metrics struct {
	eventsSubmitted  metric.Int64Counter
	eventsValidated  metric.Int64Counter
	redemptions      metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	fraudInsights    metric.Int64Counter
	sweepRequeued    metric.Int64Counter
	couponsExpired   metric.Int64Counter
	webhooksRejected metric.Int64Counter
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "habitloop"
	}
	meter := provider.Meter(name)

	eventsSubmitted, err := meter.Int64Counter("habitloop_events_submitted_total")
	if err != nil {
		return nil, err
	}
	eventsValidated, err := meter.Int64Counter("habitloop_events_validated_total")
	if err != nil {
		return nil, err
	}
	redemptions, err := meter.Int64Counter("habitloop_redemptions_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("habitloop_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}
	fraudInsights, err := meter.Int64Counter("habitloop_fraud_insights_total")
	if err != nil {
		return nil, err
	}
	sweepRequeued, err := meter.Int64Counter("habitloop_sweep_requeued_total")
	if err != nil {
		return nil, err
	}
	couponsExpired, err := meter.Int64Counter("habitloop_coupons_expired_total")
	if err != nil {
		return nil, err
	}
	webhooksRejected, err := meter.Int64Counter("habitloop_webhooks_rejected_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsSubmitted:  eventsSubmitted,
		eventsValidated:  eventsValidated,
		redemptions:      redemptions,
		rateLimitDenied:  rateLimitDenied,
		fraudInsights:    fraudInsights,
		sweepRequeued:    sweepRequeued,
		couponsExpired:   couponsExpired,
		webhooksRejected: webhooksRejected,
	}, nil
}

// RecordEventSubmitted increments submitted event counts.
func (m *Metrics) RecordEventSubmitted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventsSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventValidated increments terminal validation outcomes.
func (m *Metrics) RecordEventValidated(ctx context.Context, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.eventsValidated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRedemption increments redemption outcomes.
func (m *Metrics) RecordRedemption(ctx context.Context, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("result", strings.TrimSpace(result)))
	m.redemptions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFraudInsight increments emitted fraud insight counts.
func (m *Metrics) RecordFraudInsight(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("severity", strings.TrimSpace(severity)))
	m.fraudInsights.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSweepRequeued increments requeued stuck-validating counts.
func (m *Metrics) RecordSweepRequeued(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRequeued.Add(ctx, n)
}

// RecordCouponsExpired increments swept coupon expiry counts.
func (m *Metrics) RecordCouponsExpired(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.couponsExpired.Add(ctx, n)
}

// RecordWebhookRejected increments rejected provider notification counts.
func (m *Metrics) RecordWebhookRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.webhooksRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"event_type":  {},
	"status":      {},
	"result":      {},
	"reason":      {},
	"severity":    {},
	"endpoint":    {},
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
