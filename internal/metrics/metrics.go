// Package metrics exports attester counters through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"Attester/internal/logger"
)

// meterName scopes every instrument of the node.
const meterName = "attester"

// defaultInterval is the export period.
const defaultInterval = 15 * time.Second

// Config configures the meter provider.
type Config struct {
	ServiceName string        // ServiceName is reported as service.name
	Endpoint    string        // Endpoint is the OTLP gRPC collector; empty disables export
	Insecure    bool          // Insecure disables TLS to the collector
	Interval    time.Duration // Interval is the export period
}

// Provider owns the SDK meter provider.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// Setup installs a global meter provider. Without an endpoint the
// provider records but never exports.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = meterName
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	}

	if cfg.Endpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}

		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create metric exporter:\n%w", err)
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	logger.Info("metrics initialized",
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval,
	)

	return &Provider{mp: mp}, nil
}

// Meter returns the node meter.
func (p *Provider) Meter() metric.Meter {
	return p.mp.Meter(meterName)
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

// Recorder counts round engine events.
type Recorder struct {
	attestations metric.Int64Counter
	rounds       metric.Int64Counter
	submissions  metric.Int64Counter
}

// NewRecorder creates the counters on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	attestations, err := meter.Int64Counter("attester.attestations",
		metric.WithDescription("Attestations processed by source and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create attestations counter:\n%w", err)
	}

	rounds, err := meter.Int64Counter("attester.rounds",
		metric.WithDescription("Rounds completed by final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rounds counter:\n%w", err)
	}

	submissions, err := meter.Int64Counter("attester.submissions",
		metric.WithDescription("Chain submissions by action and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create submissions counter:\n%w", err)
	}

	return &Recorder{
		attestations: attestations,
		rounds:       rounds,
		submissions:  submissions,
	}, nil
}

// AttestationProcessed counts one resolved attestation.
func (r *Recorder) AttestationProcessed(source, status string) {
	r.attestations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("status", status),
	))
}

// RoundFinished counts one completed round.
func (r *Recorder) RoundFinished(status string) {
	r.rounds.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// SubmissionDone counts one submission outcome.
func (r *Recorder) SubmissionDone(action string, ok bool) {
	r.submissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("ok", ok),
	))
}

// ObserveActiveRound registers a gauge reporting active().
func ObserveActiveRound(meter metric.Meter, active func() uint64) error {
	_, err := meter.Int64ObservableGauge("attester.active_round",
		metric.WithDescription("Round currently collecting"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(active()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create active round gauge:\n%w", err)
	}

	return nil
}
