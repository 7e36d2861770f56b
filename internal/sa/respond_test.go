package sa

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
)

func records(n, size int) [][]byte {
	recs := make([][]byte, n)
	for i := range recs {
		recs[i] = bytes.Repeat([]byte{byte(i + 1)}, size)
	}
	return recs
}

func TestRespondGetCardinality(t *testing.T) {
	tests := []struct {
		name   string
		count  int
		status mad.Status
	}{
		{"no records", 0, mad.StatusNoRecords},
		{"one record", 1, mad.StatusSuccess},
		{"two records", 2, mad.StatusTooManyRecords},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.sa.Respond(context.Background(), newRequest(mad.MethodGet, mad.AttrNodeRecord), 108, RecordSet{Records: records(tt.count, 108)})

			resp := f.lastSent(t)
			assert.Equal(t, tt.status, resp.Status())
			assert.Equal(t, mad.MethodGetResp, resp.Method())
			assert.Zero(t, resp.SMKey())
		})
	}
}

func TestRespondGetTableEmpty(t *testing.T) {
	f := newFixture(t, Config{})
	f.sa.Respond(context.Background(), newRequest(mad.MethodGetTable, mad.AttrLinkRecord), 8, RecordSet{})

	resp := f.lastSent(t)
	assert.Equal(t, mad.StatusSuccess, resp.Status())
	assert.Equal(t, mad.MethodGetTableResp, resp.Method())
	assert.Zero(t, resp.AttrOffset())
	assert.Equal(t, uint8(mad.RMPPTypeData), resp.RMPPType())
	assert.Equal(t, uint8(mad.RMPPFlagsComplete), resp.RMPPFlags())
}

func TestRespondTrimming(t *testing.T) {
	tests := []struct {
		name      string
		segmented bool
		attrSize  int
		count     int
		wantRecs  int
		wantFlags uint8
	}{
		{"fits one MAD", false, 72, 2, 2, mad.RMPPFlagsComplete},
		{"trimmed to one MAD", false, 72, 5, 2, mad.RMPPFlagsComplete},
		{"small records", false, 8, 30, 25, mad.RMPPFlagsComplete},
		{"segmented keeps all", true, 72, 5, 5, mad.RMPPFlagActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{SegmentedDelivery: tt.segmented})
			recs := records(tt.count, tt.attrSize)
			f.sa.Respond(context.Background(), newRequest(mad.MethodGetTable, mad.AttrNodeRecord), tt.attrSize, RecordSet{Records: recs})

			resp := f.lastSent(t)
			assert.Equal(t, mad.StatusSuccess, resp.Status())
			assert.Equal(t, tt.wantFlags, resp.RMPPFlags())
			assert.Equal(t, mad.AttrOffsetFor(tt.attrSize), resp.AttrOffset())
			assert.GreaterOrEqual(t, len(resp), mad.SAHeaderSize+tt.wantRecs*tt.attrSize)
			assert.GreaterOrEqual(t, len(resp), mad.MADSize)

			payload := resp.Payload()
			for i := 0; i < tt.wantRecs; i++ {
				assert.Equal(t, recs[i], payload[i*tt.attrSize:(i+1)*tt.attrSize], "record %d", i)
			}
			if end := tt.wantRecs * tt.attrSize; end < len(payload) {
				assert.Zero(t, payload[end], "nothing past the last kept record")
			}
		})
	}
}

func TestRespondSetBecomesGet(t *testing.T) {
	f := newFixture(t, Config{})
	req := newRequest(mad.MethodSet, mad.AttrServiceRecord)
	f.sa.Respond(context.Background(), req, ServiceRecordSize, RecordSet{Records: records(1, ServiceRecordSize)})

	resp := f.lastSent(t)
	assert.Equal(t, mad.MethodGetResp, resp.Method())
	assert.Zero(t, resp.SMKey())
	assert.Equal(t, uint16(ServiceRecordSize>>3), resp.AttrOffset())
	assert.Equal(t, req.MAD.TID(), resp.TID())
	assert.Zero(t, resp.RMPPType(), "only GetTable responses carry RMPP")
}

func TestRespondRDMA(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)
	m := &MockMetrics{}
	m.On("RecordRDMATransfer", OutcomeSuccess, 272).Return()
	m.On("RecordResponse", mad.AttrNodeRecord, mad.StatusRDMAComplete).Return()
	f.sa.metrics = m

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	recs := records(3, 72)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: recs})

	resp := f.lastSent(t)
	assert.Len(t, resp, mad.MADSize)
	assert.Equal(t, mad.StatusRDMAComplete, resp.Status())
	assert.Equal(t, uint32(mad.SAHeaderSize+3*72), resp.RDMALength())
	assert.Equal(t, uint8(mad.RMPPFlagsComplete), resp.RMPPFlags())
	assert.Zero(t, resp.SMKey())

	writes := dev.WriteLog()
	require.Len(t, writes, 1)
	w := writes[0]
	assert.Equal(t, rdma.SendWRID, w.WRID&0xffffffff)
	assert.Equal(t, uint32(0x42), w.Remote.QPN)
	require.Len(t, w.Data, mad.SAHeaderSize+3*72)
	for i, r := range recs {
		off := mad.SAHeaderSize + i*72
		assert.Equal(t, r, w.Data[off:off+72])
	}
	// the written header is the response header before the status is set
	hdr := mad.SAMAD(append([]byte(nil), w.Data[:mad.SAHeaderSize]...))
	assert.Equal(t, mad.MethodGetTableResp, hdr.Method())
	assert.Equal(t, mad.StatusSuccess, hdr.Status())

	assert.Zero(t, dev.LiveRegions(), "locally allocated buffer is freed")
	st, _ := dev.QPs[0].Snapshot()
	assert.Equal(t, "INIT", st)
	lastRTR := dev.QPs[0].LastRTR
	assert.Equal(t, uint16(testLID), lastRTR.DLID)
	assert.Equal(t, uint8(3), lastRTR.SL)
	assert.Equal(t, rdma.MTU2048, lastRTR.PathMTU)
	m.AssertExpectations(t)
}

func TestRespondRDMAClientBufferTooSmall(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 100)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(3, 72)})

	assert.Equal(t, mad.StatusNoResources, f.lastSent(t).Status())
	assert.Empty(t, dev.WriteLog())
	assert.Zero(t, dev.LiveRegions())
}

func TestRespondRDMAAllocationFailure(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)
	dev.FailRegister = true

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(1, 72)})

	assert.Equal(t, mad.StatusNoResources, f.lastSent(t).Status())
}

func TestRespondRDMACompletionTimeout(t *testing.T) {
	f := newFixture(t, Config{RDMACompletionTimeout: 20 * time.Millisecond})
	dev := f.attachRDMA(t)
	dev.HoldCompletions = true

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(2, 72)})

	assert.Equal(t, mad.StatusNoResources, f.lastSent(t).Status())
	st, _ := dev.QPs[0].Snapshot()
	assert.Equal(t, "INIT", st, "queue pair is detached after a timeout")
	assert.Zero(t, dev.LiveRegions())
}

func TestRespondRDMAFatalDetach(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)
	dev.QPs[0].FailReset = rdma.ErrTransport

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(1, 72)})

	// the data reached the client before the detach failed
	assert.Equal(t, mad.StatusRDMAComplete, f.lastSent(t).Status())
	select {
	case ferr := <-f.sa.Fatal():
		assert.ErrorIs(t, ferr, rdma.ErrFatal)
		assert.Equal(t, dev.QPs[0].QPN(), ferr.QPN)
	default:
		t.Fatal("fatal detach was not reported")
	}

	// the only slot is quarantined, so the next transfer fails fast
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(1, 72)})
	assert.Equal(t, mad.StatusNoResources, f.lastSent(t).Status())
}

func TestRespondRDMAFallback(t *testing.T) {
	f := newFixture(t, Config{})
	f.state.DisableRDMA("no device")
	m := &MockMetrics{}
	m.On("RecordRDMAFallback", "no device").Return()
	m.On("RecordResponse", mad.AttrNodeRecord, mad.StatusSuccess).Return()
	f.sa.metrics = m

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(2, 72)})

	resp := f.lastSent(t)
	assert.Equal(t, mad.StatusSuccess, resp.Status())
	assert.Equal(t, bytes.Repeat([]byte{2}, 72), resp.Payload()[72:144])
	m.AssertExpectations(t)
}

func TestRespondPrebuiltBuffer(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)

	buf, err := f.sa.rdma.AllocateBuffer(mad.SAHeaderSize + 2*72)
	require.NoError(t, err)
	for i, r := range records(2, 72) {
		copy(buf.Bytes()[mad.SAHeaderSize+i*72:], r)
	}
	rs := RecordSet{Buffer: buf, Count: 2}

	t.Run("in-band", func(t *testing.T) {
		f.sa.Respond(context.Background(), newRequest(mad.MethodGetTable, mad.AttrNodeRecord), 72, rs)
		resp := f.lastSent(t)
		assert.Equal(t, bytes.Repeat([]byte{1}, 72), resp.Payload()[:72])
		assert.Equal(t, bytes.Repeat([]byte{2}, 72), resp.Payload()[72:144])
	})

	t.Run("rdma", func(t *testing.T) {
		req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
		requestRDMA(req, 4096)
		f.sa.Respond(context.Background(), req, 72, rs)

		resp := f.lastSent(t)
		assert.Equal(t, mad.StatusRDMAComplete, resp.Status())
		writes := dev.WriteLog()
		require.NotEmpty(t, writes)
		assert.Equal(t, buf.Bytes(), writes[len(writes)-1].Data)
	})

	assert.Equal(t, 1, dev.LiveRegions(), "caller-owned buffer is left alone")
	f.sa.rdma.FreeBuffer(buf)
}

func TestRespondPrebuiltBufferLongerThanRecords(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)

	buf, err := f.sa.rdma.AllocateBuffer(mad.SAHeaderSize + 8*72)
	require.NoError(t, err)
	defer f.sa.rdma.FreeBuffer(buf)
	for i, r := range records(2, 72) {
		copy(buf.Bytes()[mad.SAHeaderSize+i*72:], r)
	}

	// the client buffer fits the records but not the whole registration
	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, mad.SAHeaderSize+2*72)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Buffer: buf, Count: 2})

	resp := f.lastSent(t)
	assert.Equal(t, mad.StatusRDMAComplete, resp.Status())
	assert.Equal(t, uint32(mad.SAHeaderSize+2*72), resp.RDMALength())
	writes := dev.WriteLog()
	require.Len(t, writes, 1)
	assert.Len(t, writes[0].Data, mad.SAHeaderSize+2*72)
	assert.Equal(t, bytes.Repeat([]byte{2}, 72), writes[0].Data[mad.SAHeaderSize+72:])
}

func TestRespondPrebuiltBufferShorterThanRecords(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)

	buf, err := f.sa.rdma.AllocateBuffer(mad.SAHeaderSize + 72)
	require.NoError(t, err)
	defer f.sa.rdma.FreeBuffer(buf)

	req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
	requestRDMA(req, 4096)
	f.sa.Respond(context.Background(), req, 72, RecordSet{Buffer: buf, Count: 2})

	assert.Equal(t, mad.StatusNoResources, f.lastSent(t).Status())
	assert.Empty(t, dev.WriteLog())
}

func TestRespondRDMASerializesOnSinglePair(t *testing.T) {
	f := newFixture(t, Config{})
	dev := f.attachRDMA(t)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			req := newRequest(mad.MethodGetTable, mad.AttrNodeRecord)
			requestRDMA(req, 4096)
			f.sa.Respond(context.Background(), req, 72, RecordSet{Records: records(1, 72)})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	assert.Len(t, dev.WriteLog(), 8)
	for _, w := range f.mads.Sent() {
		assert.Equal(t, mad.StatusRDMAComplete, w.MAD.Status())
	}
}
