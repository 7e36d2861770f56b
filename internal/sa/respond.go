package sa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
)

// RecordSet is the result of a query, ready to be framed. Records holds
// encoded records of attrSize bytes each. When Buffer is set instead, it is
// a registered buffer holding Count records after the SA header; it stays
// owned by the caller and may be longer than the records.
type RecordSet struct {
	Records [][]byte
	Buffer  *rdma.Buffer
	Count   int
}

// Len is the number of records in the set
func (rs RecordSet) Len() int {
	if rs.Buffer != nil {
		return rs.Count
	}
	return len(rs.Records)
}

// Respond frames rs into the response to req and sends it, in-band or by
// RDMA write when the client asked for it and the fast path is available.
func (s *SA) Respond(ctx context.Context, req *mad.Wrapper, attrSize int, rs RecordSet) {
	m := req.MAD
	n := rs.Len()

	if m.Method() == mad.MethodGet && n > 1 {
		log.Debug().Str("attr", m.AttrID().String()).Int("records", n).Msg("Get matched more than one record")
		s.SendError(ctx, req, mad.StatusTooManyRecords)
		return
	}
	if m.Method() == mad.MethodGet && n == 0 {
		s.SendError(ctx, req, mad.StatusNoRecords)
		return
	}

	if m.RDMARequested() {
		s.rdmaMu.RLock()
		if tr := s.rdma; tr != nil {
			defer s.rdmaMu.RUnlock()
			s.respondRDMA(ctx, tr, req, attrSize, rs)
			return
		}
		s.rdmaMu.RUnlock()

		reason := s.state.GetRDMADisabledReason()
		if reason == "" {
			reason = "unavailable"
		}
		log.Debug().Uint64("tid", m.TID()).Str("reason", reason).Msg("RDMA requested but disabled, answering in-band")
		s.metrics.RecordRDMAFallback(ctx, reason)
	}
	s.respondInBand(ctx, req, attrSize, rs)
}

// respondTable answers with n records that put encodes into dst. A GetTable
// going out by RDMA has its records encoded straight into the registered
// buffer.
func (s *SA) respondTable(ctx context.Context, req *mad.Wrapper, attrSize, n int, put func(i int, dst []byte)) {
	if s.respondPrebuilt(ctx, req, attrSize, n, put) {
		return
	}
	recs := make([][]byte, n)
	for i := range recs {
		recs[i] = make([]byte, attrSize)
		put(i, recs[i])
	}
	s.Respond(ctx, req, attrSize, RecordSet{Records: recs})
}

func (s *SA) respondPrebuilt(ctx context.Context, req *mad.Wrapper, attrSize, n int, put func(i int, dst []byte)) bool {
	m := req.MAD
	if !m.RDMARequested() || m.Method() != mad.MethodGetTable || n == 0 {
		return false
	}
	total := mad.SAHeaderSize + n*attrSize
	if int(m.RDMADescriptor().Length) < total {
		return false
	}

	s.rdmaMu.RLock()
	defer s.rdmaMu.RUnlock()
	tr := s.rdma
	if tr == nil {
		return false
	}
	buf, err := tr.AllocateBuffer(total)
	if err != nil {
		log.Warn().Err(err).Int("size", total).Msg("Failed to pre-build RDMA response")
		return false
	}
	defer tr.FreeBuffer(buf)

	data := buf.Bytes()
	for i := 0; i < n; i++ {
		off := mad.SAHeaderSize + i*attrSize
		put(i, data[off:off+attrSize])
	}
	s.respondRDMA(ctx, tr, req, attrSize, RecordSet{Buffer: buf, Count: n})
	return true
}

func (s *SA) respondInBand(ctx context.Context, req *mad.Wrapper, attrSize int, rs RecordSet) {
	n := rs.Len()
	if !s.cfg.SegmentedDelivery && attrSize > 0 {
		if max := mad.SADataSize / attrSize; n > max {
			log.Info().
				Str("attr", req.MAD.AttrID().String()).
				Int("records", n).
				Int("max", max).
				Msg("Response does not fit one MAD, trimming")
			n = max
		}
	}

	resp := mad.NewWrapper(mad.SAHeaderSize+n*attrSize, req.Addr)
	s.fillHeader(resp.MAD, req.MAD, attrSize, n)

	payload := resp.MAD.Payload()
	if rs.Buffer != nil {
		copy(payload[:n*attrSize], rs.Buffer.Bytes()[mad.SAHeaderSize:])
	} else {
		for i := 0; i < n; i++ {
			copy(payload[i*attrSize:(i+1)*attrSize], rs.Records[i])
		}
	}
	s.deliver(ctx, req, resp)
}

func (s *SA) respondRDMA(ctx context.Context, tr RDMA, req *mad.Wrapper, attrSize int, rs RecordSet) {
	n := rs.Len()
	total := mad.SAHeaderSize + n*attrSize
	if rs.Buffer != nil && rs.Buffer.Size() < total {
		log.Error().Int("size", rs.Buffer.Size()).Int("needed", total).Msg("Pre-built RDMA buffer shorter than its records")
		s.SendError(ctx, req, mad.StatusNoResources)
		return
	}

	remote := req.MAD.RDMADescriptor()
	if int(remote.Length) < total {
		log.Warn().
			Uint64("tid", req.MAD.TID()).
			Uint32("client_len", remote.Length).
			Int("needed", total).
			Msg("Client RDMA buffer too small")
		s.SendError(ctx, req, mad.StatusNoResources)
		return
	}

	var buf *rdma.Buffer
	if rs.Buffer != nil {
		buf = rs.Buffer.Prefix(total)
	} else {
		b, err := tr.AllocateBuffer(total)
		if err != nil {
			log.Error().Err(err).Int("size", total).Msg("Failed to allocate RDMA response buffer")
			s.SendError(ctx, req, mad.StatusNoResources)
			return
		}
		buf = b
		defer tr.FreeBuffer(buf)

		data := buf.Bytes()
		for i, r := range rs.Records {
			off := mad.SAHeaderSize + i*attrSize
			copy(data[off:off+attrSize], r)
		}
	}

	resp := mad.NewWrapper(mad.MADSize, req.Addr)
	s.fillHeader(resp.MAD, req.MAD, attrSize, n)
	resp.MAD.SetRMPPVersion(mad.RMPPVersion)
	resp.MAD.SetRMPPType(mad.RMPPTypeData)
	resp.MAD.SetRMPPFlags(mad.RMPPFlagsComplete)
	copy(buf.Bytes()[:mad.SAHeaderSize], resp.MAD.Header())
	resp.MAD.SetRDMALength(uint32(total))

	if err := s.transfer(ctx, tr, req.Addr, buf, remote); err != nil {
		log.Error().Err(err).Uint64("tid", req.MAD.TID()).Int("bytes", total).Msg("RDMA delivery failed")
		s.SendError(ctx, req, mad.StatusNoResources)
		return
	}

	resp.MAD.SetStatus(mad.StatusRDMAComplete)
	s.deliver(ctx, req, resp)
}

// transfer writes buf into the client's memory and waits for the write to
// complete. The queue pair is detached again whatever happens once attached.
func (s *SA) transfer(ctx context.Context, tr RDMA, addr mad.Address, buf *rdma.Buffer, remote mad.RemoteDescriptor) (err error) {
	s.limiter.Take()
	start := time.Now()
	defer func() {
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeFailed
		}
		s.metrics.RecordRDMATransfer(ctx, outcome, buf.Size(), time.Since(start))
	}()

	path := rdma.PathInfo{DLID: addr.DestLID, SL: addr.SL, MTU: rdma.MTU2048}
	h, err := tr.Attach(ctx, remote, path)
	if err != nil {
		s.checkFatal(err)
		return fmt.Errorf("failed to attach queue pair: %w", err)
	}
	defer func() {
		if derr := tr.Detach(h); derr != nil {
			if !s.checkFatal(derr) {
				log.Warn().Err(derr).Int("slot", int(h)).Msg("Failed to detach queue pair")
			}
		}
	}()

	if err := tr.PostSend(h, buf, remote); err != nil {
		return err
	}
	if err := tr.WaitCompletion(ctx, h, s.cfg.RDMACompletionTimeout); err != nil {
		return err
	}
	log.Debug().Uint32("remote_qpn", remote.QPN).Int("bytes", buf.Size()).Dur("took", time.Since(start)).Msg("RDMA write completed")
	return nil
}

// checkFatal forwards a *rdma.FatalError found in err to the supervisor
func (s *SA) checkFatal(err error) bool {
	var ferr *rdma.FatalError
	if errors.As(err, &ferr) {
		s.reportFatal(ferr)
		return true
	}
	return false
}

// fillHeader turns the request header into a response header for n records
func (s *SA) fillHeader(dst, req mad.SAMAD, attrSize, n int) {
	copy(dst.Header(), req.Header())
	if dst.Method() == mad.MethodSet {
		dst.SetMethod(mad.MethodGet)
	}
	dst.SetMethod(dst.Method() | mad.MethodResponseMask)
	dst.SetStatus(mad.StatusSuccess)
	dst.SetSMKey(0)
	if n > 0 {
		dst.SetAttrOffset(mad.AttrOffsetFor(attrSize))
	} else {
		dst.SetAttrOffset(0)
	}

	if req.Method() == mad.MethodGetTable {
		dst.SetRMPPVersion(mad.RMPPVersion)
		dst.SetRMPPType(mad.RMPPTypeData)
		if s.cfg.SegmentedDelivery {
			dst.SetRMPPFlags(mad.RMPPFlagActive)
		} else {
			dst.SetRMPPFlags(mad.RMPPFlagsComplete)
		}
	}
}

func (s *SA) deliver(ctx context.Context, req, resp *mad.Wrapper) {
	if err := s.Send(resp, false); err != nil {
		log.Error().Err(err).Uint64("tid", req.MAD.TID()).Msg("Failed to send SA response")
		return
	}
	s.metrics.RecordResponse(ctx, req.MAD.AttrID(), resp.MAD.Status())
}
