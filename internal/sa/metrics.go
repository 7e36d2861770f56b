package sa

import (
	"context"
	"time"

	"github.com/yuuki/ibsa/internal/mad"
)

// RDMA transfer outcomes reported to Metrics
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Metrics receives SA response and RDMA transfer measurements
type Metrics interface {
	RecordResponse(ctx context.Context, attr mad.AttrID, status mad.Status)
	RecordRDMATransfer(ctx context.Context, outcome string, bytes int, d time.Duration)
	RecordRDMAFallback(ctx context.Context, reason string)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordResponse(context.Context, mad.AttrID, mad.Status) {}
func (NopMetrics) RecordRDMATransfer(context.Context, string, int, time.Duration) {}
func (NopMetrics) RecordRDMAFallback(context.Context, string) {}
