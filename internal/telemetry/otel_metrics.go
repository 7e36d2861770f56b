package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/sa"
	"github.com/yuuki/ibsa/internal/state"
)

const (
	meterName      = "github.com/yuuki/ibsa/sa"
	exportPeriod   = 10 * time.Second
	serviceName    = "ibsa"
	serviceVersion = "0.1.0"
)

// Metrics contains the instruments of the SA server
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	responses     metric.Int64Counter
	rdmaTransfers metric.Int64Counter
	rdmaBytes     metric.Int64Counter
	rdmaDuration  metric.Float64Histogram
	rdmaFallbacks metric.Int64Counter
	dumpDuration  metric.Float64Histogram
	dumpFailures  metric.Int64Counter

	madsSent metric.Int64ObservableGauge
	reg      metric.Registration
}

var _ sa.Metrics = (*Metrics)(nil)

// NewMetrics creates the OTLP exporter for collectorAddr and the SA instruments.
// st backs the in-flight MAD gauge.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string, st *state.ServiceState) (*Metrics, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http", "https":
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
		if scheme == "http" {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}

	m, err := newMetrics(instanceID, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportPeriod)), st)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// parseCollectorAddr accepts scheme://host:port or a bare host:port, which means grpc
func parseCollectorAddr(addr string) (scheme, endpoint string, err error) {
	u, err := url.Parse(addr)
	if err == nil && u.Host != "" {
		scheme, endpoint = strings.ToLower(u.Scheme), u.Host
	} else if addr != "" && !strings.Contains(addr, "/") && strings.Contains(addr, ":") {
		scheme, endpoint = "grpc", addr
	} else {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", addr)
	}

	switch scheme {
	case "grpc", "grpcs", "http", "https":
		return scheme, endpoint, nil
	}
	return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, addr)
}

func newMetrics(instanceID string, reader sdkmetric.Reader, st *state.ServiceState) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	m := &Metrics{provider: provider, meter: provider.Meter(meterName)}

	if m.responses, err = m.meter.Int64Counter(
		"ibsa.responses",
		metric.WithDescription("SA responses sent, by attribute and status"),
		metric.WithUnit("{response}"),
	); err != nil {
		return nil, err
	}
	if m.rdmaTransfers, err = m.meter.Int64Counter(
		"ibsa.rdma.transfers",
		metric.WithDescription("RDMA table transfers, by outcome"),
		metric.WithUnit("{transfer}"),
	); err != nil {
		return nil, err
	}
	if m.rdmaBytes, err = m.meter.Int64Counter(
		"ibsa.rdma.bytes",
		metric.WithDescription("Bytes written to clients by RDMA"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.rdmaDuration, err = m.meter.Float64Histogram(
		"ibsa.rdma.duration",
		metric.WithDescription("RDMA transfer time from attach to completion in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.rdmaFallbacks, err = m.meter.Int64Counter(
		"ibsa.rdma.fallbacks",
		metric.WithDescription("RDMA requests answered in band, by reason"),
		metric.WithUnit("{response}"),
	); err != nil {
		return nil, err
	}
	if m.dumpDuration, err = m.meter.Float64Histogram(
		"ibsa.sadb.dump_duration",
		metric.WithDescription("Time to write the SA database file in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.dumpFailures, err = m.meter.Int64Counter(
		"ibsa.sadb.dump_failures",
		metric.WithDescription("Failed SA database dumps"),
		metric.WithUnit("{dump}"),
	); err != nil {
		return nil, err
	}

	if m.madsSent, err = m.meter.Int64ObservableGauge(
		"ibsa.mads_sent",
		metric.WithDescription("MADs handed to the transport and not yet completed"),
		metric.WithUnit("{mad}"),
	); err != nil {
		return nil, err
	}
	m.reg, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.madsSent, st.MADsSent())
		return nil
	}, m.madsSent)
	if err != nil {
		return nil, fmt.Errorf("failed to register mads_sent callback: %w", err)
	}

	return m, nil
}

// RecordResponse counts one SA response
func (m *Metrics) RecordResponse(ctx context.Context, attr mad.AttrID, status mad.Status) {
	m.responses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("attr", attr.String()),
		attribute.String("status", status.String()),
	))
}

// RecordRDMATransfer records one RDMA write of bytes that took d
func (m *Metrics) RecordRDMATransfer(ctx context.Context, outcome string, bytes int, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.rdmaTransfers.Add(ctx, 1, attrs)
	if outcome == sa.OutcomeSuccess {
		m.rdmaBytes.Add(ctx, int64(bytes))
	}
	m.rdmaDuration.Record(ctx, float64(d.Nanoseconds())/1_000_000.0, attrs)
}

// RecordRDMAFallback counts an RDMA request served in band
func (m *Metrics) RecordRDMAFallback(ctx context.Context, reason string) {
	m.rdmaFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDump records an SA database dump
func (m *Metrics) RecordDump(ctx context.Context, d time.Duration, err error) {
	if err != nil {
		m.dumpFailures.Add(ctx, 1)
		return
	}
	m.dumpDuration.Record(ctx, float64(d.Nanoseconds())/1_000_000.0)
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.reg != nil {
		if err := m.reg.Unregister(); err != nil {
			return err
		}
	}
	return m.provider.Shutdown(ctx)
}
