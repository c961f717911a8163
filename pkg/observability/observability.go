// Package observability exports settlement metrics through OpenTelemetry.
//
// Instruments:
//   - orderpay.decisions: decisions committed, by outcome and reason
//   - orderpay.reorgs: tracked transactions removed from the canonical chain
//   - orderpay.poll_errors: failed chain or order store calls, by error class
//   - orderpay.settlement.duration: attempt creation to decision, in seconds
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	orderpay "github.com/x402-foundation/orderpay"
)

const meterName = "github.com/x402-foundation/orderpay"

// Config configures the metric provider
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string        // e.g. "localhost:4317" for gRPC
	Interval       time.Duration // export interval
	Insecure       bool          // plaintext gRPC (dev only)
	Enabled        bool
}

// DefaultConfig returns export settings for a local collector
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "orderpay",
		ServiceVersion: "dev",
		OTLPEndpoint:   "localhost:4317",
		Interval:       15 * time.Second,
		Enabled:        true,
	}
}

// Provider records settlement metrics. It implements orderpay.Metrics; a
// disabled provider records nothing.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	decisions  metric.Int64Counter
	reorgs     metric.Int64Counter
	pollErrors metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ orderpay.Metrics = (*Provider)(nil)

// New creates a provider exporting over OTLP/gRPC and sets it as the global
// meter provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")

	if !config.Enabled {
		logger.InfoContext(ctx, "metrics disabled")
		return &Provider{logger: logger}, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := config.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "orderpay"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p, err := newProvider(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.meterProvider)

	logger.InfoContext(ctx, "metrics initialized", "endpoint", config.OTLPEndpoint, "insecure", config.Insecure)
	return p, nil
}

// NewWithReader creates a provider on the given reader without touching the
// global meter provider.
func NewWithReader(reader sdkmetric.Reader) (*Provider, error) {
	return newProvider(reader, resource.Default())
}

func newProvider(reader sdkmetric.Reader, res *resource.Resource) (*Provider, error) {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	p := &Provider{
		meterProvider: mp,
		meter:         mp.Meter(meterName),
		logger:        slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.decisions, err = p.meter.Int64Counter("orderpay.decisions",
		metric.WithDescription("Settlement decisions committed"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.reorgs, err = p.meter.Int64Counter("orderpay.reorgs",
		metric.WithDescription("Tracked transactions removed from the canonical chain"),
		metric.WithUnit("{reorg}"),
	)
	if err != nil {
		return err
	}

	p.pollErrors, err = p.meter.Int64Counter("orderpay.poll_errors",
		metric.WithDescription("Failed chain or order store calls while settling"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.duration, err = p.meter.Float64Histogram("orderpay.settlement.duration",
		metric.WithDescription("Time from attempt creation to decision"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600),
	)
	return err
}

// RecordDecision counts a committed decision and its settlement time
func (p *Provider) RecordDecision(ctx context.Context, outcome orderpay.Outcome, reason orderpay.Reason, elapsed time.Duration) {
	if p.decisions == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("reason", string(reason)),
	)
	p.decisions.Add(ctx, 1, attrs)
	p.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordReorg counts a reorganized transaction
func (p *Provider) RecordReorg(ctx context.Context) {
	if p.reorgs == nil {
		return
	}
	p.reorgs.Add(ctx, 1)
}

// RecordPollError counts a failed call by error class
func (p *Provider) RecordPollError(ctx context.Context, class orderpay.ErrorClass) {
	if p.pollErrors == nil {
		return
	}
	p.pollErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(class))))
}

// Shutdown flushes and stops the provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}
