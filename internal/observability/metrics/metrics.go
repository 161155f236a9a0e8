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

// Metrics exposes billing instruments exported over OTLP.
type Metrics struct {
	ledgerTransactions  metric.Int64Counter
	debitRejected       metric.Int64Counter
	optimisticConflicts metric.Int64Counter
	settlements         metric.Int64Counter
	billingStarts       metric.Int64Counter
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

// New configures the billing instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "sessionbill"
	}
	meter := provider.Meter(name)

	ledgerTransactions, err := meter.Int64Counter("sessionbill_ledger_transactions_total")
	if err != nil {
		return nil, err
	}
	debitRejected, err := meter.Int64Counter("sessionbill_debit_rejected_total")
	if err != nil {
		return nil, err
	}
	optimisticConflicts, err := meter.Int64Counter("sessionbill_optimistic_conflicts_total")
	if err != nil {
		return nil, err
	}
	settlements, err := meter.Int64Counter("sessionbill_settlements_total")
	if err != nil {
		return nil, err
	}
	billingStarts, err := meter.Int64Counter("sessionbill_billing_starts_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerTransactions:  ledgerTransactions,
		debitRejected:       debitRejected,
		optimisticConflicts: optimisticConflicts,
		settlements:         settlements,
		billingStarts:       billingStarts,
	}, nil
}

// RecordLedgerTransaction increments applied transaction counts.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDebitRejected increments rejected debits by reason.
func (m *Metrics) RecordDebitRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.debitRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOptimisticConflict increments version conflicts seen by the retry loop.
func (m *Metrics) RecordOptimisticConflict(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.optimisticConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlement increments closed billing records by termination reason.
func (m *Metrics) RecordSettlement(ctx context.Context, reason, anomaly string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("anomaly", strings.TrimSpace(anomaly)),
	)
	m.settlements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBillingStart(ctx context.Context, userClass, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("user_class", strings.TrimSpace(userClass)),
		attribute.String("resource_tier", strings.TrimSpace(tier)),
	)
	m.billingStarts.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"kind":          {},
	"reason":        {},
	"anomaly":       {},
	"operation":     {},
	"user_class":    {},
	"resource_tier": {},
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
