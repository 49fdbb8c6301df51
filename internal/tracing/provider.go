// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires OpenTelemetry traces and Prometheus metrics for
// the platform. The Provider owns the tracer and meter providers; the
// MetricsCollector is the single telemetry sink the queue, dispatcher,
// webhook service, poller, outbox replayer and connector clients report
// into.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config selects the span exporter and sampling behavior.
type Config struct {
	// Enabled turns on span export. Metrics are collected regardless.
	Enabled bool

	// ServiceName is the reported service.name resource attribute.
	ServiceName string

	// ServiceVersion is the reported service.version resource attribute.
	ServiceVersion string

	// Exporter is one of "otlp-grpc", "otlp-http", "stdout", "none".
	Exporter string

	// Endpoint is the OTLP collector endpoint for the otlp exporters.
	Endpoint string

	// Insecure disables TLS on the OTLP connection.
	Insecure bool

	// SampleRate is the head sampling ratio in [0, 1].
	SampleRate float64

	// AlwaysSampleErrors records error spans regardless of SampleRate.
	AlwaysSampleErrors bool
}

// Provider owns the OpenTelemetry tracer and meter providers.
type Provider struct {
	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	metrics *MetricsCollector
}

// NewProvider builds a Provider from config. The meter provider is
// always backed by the Prometheus exporter so /metrics works even when
// trace export is disabled.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	}
	if cfg.Enabled {
		exporter, err := newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if exporter != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("building prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	metrics, err := NewMetricsCollector(mp)
	if err != nil {
		return nil, err
	}

	return &Provider{tp: tp, mp: mp, metrics: metrics}, nil
}

// newExporter builds the configured span exporter. A nil exporter means
// spans are sampled but not exported.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(
				grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Metrics returns the shared metrics collector.
func (p *Provider) Metrics() *MetricsCollector {
	return p.metrics
}

// MetricsHandler serves the Prometheus scrape endpoint. The otel
// prometheus exporter registers with the default registry, so the
// default promhttp handler exposes everything.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ForceFlush exports pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if err := p.tp.ForceFlush(ctx); err != nil {
		return err
	}
	return p.mp.ForceFlush(ctx)
}

// Shutdown flushes and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.mp.Shutdown(ctx)
}
