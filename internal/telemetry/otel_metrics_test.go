package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/sa"
	"github.com/yuuki/ibsa/internal/state"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	ctx := context.Background()
	st := state.NewServiceState()
	st.IncMADsSent()
	st.IncMADsSent()

	reader := sdkmetric.NewManualReader()
	m, err := newMetrics("test", reader, st)
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	m.RecordResponse(ctx, mad.AttrServiceRecord, mad.StatusSuccess)
	m.RecordResponse(ctx, mad.AttrServiceRecord, mad.StatusNoRecords)
	m.RecordRDMATransfer(ctx, sa.OutcomeSuccess, 4096, 3*time.Millisecond)
	m.RecordRDMATransfer(ctx, sa.OutcomeFailed, 4096, time.Millisecond)
	m.RecordRDMAFallback(ctx, "unavailable")
	m.RecordDump(ctx, 5*time.Millisecond, nil)
	m.RecordDump(ctx, time.Millisecond, errors.New("disk full"))

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, got["ibsa.responses"]))
	assert.Equal(t, int64(2), sumOf(t, got["ibsa.rdma.transfers"]))
	assert.Equal(t, int64(4096), sumOf(t, got["ibsa.rdma.bytes"]))
	assert.Equal(t, int64(1), sumOf(t, got["ibsa.rdma.fallbacks"]))
	assert.Equal(t, int64(1), sumOf(t, got["ibsa.sadb.dump_failures"]))

	hist, ok := got["ibsa.sadb.dump_duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)

	gauge, ok := got["ibsa.mads_sent"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}

func TestParseCollectorAddr(t *testing.T) {
	tests := []struct {
		addr     string
		scheme   string
		endpoint string
		wantErr  bool
	}{
		{addr: "localhost:4317", scheme: "grpc", endpoint: "localhost:4317"},
		{addr: "grpc://collector:4317", scheme: "grpc", endpoint: "collector:4317"},
		{addr: "GRPCS://collector:4317", scheme: "grpcs", endpoint: "collector:4317"},
		{addr: "http://collector:4318", scheme: "http", endpoint: "collector:4318"},
		{addr: "https://collector:4318", scheme: "https", endpoint: "collector:4318"},
		{addr: "ftp://collector:21", wantErr: true},
		{addr: "collector", wantErr: true},
		{addr: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			scheme, endpoint, err := parseCollectorAddr(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}
