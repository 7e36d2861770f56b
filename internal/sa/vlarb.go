package sa

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/subnet"
)

// handleVLArb stores a VL arbitration block read from a port. The MAD is the
// GetResp of an SMP; its context names the port it was sent to.
func (s *SA) handleVLArb(_ context.Context, w *mad.Wrapper) {
	vc, ok := w.Context.(mad.VLArbContext)
	if !ok {
		log.Warn().Str("msg", mad.MsgVLArb.String()).Msg("VL arbitration response without port context")
		return
	}
	if st := w.MAD.SMPStatus(); st != mad.StatusSuccess {
		log.Warn().Uint64("port_guid", vc.PortGUID).Uint8("block", vc.Block).Str("status", st.String()).Msg("VL arbitration query failed")
		return
	}

	s.subnet.Lock()
	defer s.subnet.Unlock()
	p := s.portForContext(vc.PortGUID)
	if p == nil {
		log.Debug().Uint64("port_guid", vc.PortGUID).Msg("VL arbitration table for unknown port")
		return
	}
	if err := s.subnet.SetVLArb(p, vc.Block, w.MAD.SMPData()); err != nil {
		log.Warn().Err(err).Uint64("port_guid", vc.PortGUID).Msg("Dropping VL arbitration table")
		return
	}
	log.Debug().Uint64("port_guid", p.GUID).Uint8("port", vc.PortNum).Uint8("block", vc.Block).Msg("VL arbitration table updated")
}

// handlePKeyTable stores a P_Key table block read from a port
func (s *SA) handlePKeyTable(_ context.Context, w *mad.Wrapper) {
	pc, ok := w.Context.(mad.PKeyContext)
	if !ok {
		log.Warn().Str("msg", mad.MsgPKeyTable.String()).Msg("P_Key table response without port context")
		return
	}
	if st := w.MAD.SMPStatus(); st != mad.StatusSuccess {
		log.Warn().Uint64("port_guid", pc.PortGUID).Uint16("block", pc.Block).Str("status", st.String()).Msg("P_Key table query failed")
		return
	}

	s.subnet.Lock()
	defer s.subnet.Unlock()
	p := s.portForContext(pc.PortGUID)
	if p == nil {
		log.Debug().Uint64("port_guid", pc.PortGUID).Msg("P_Key table for unknown port")
		return
	}
	s.subnet.SetPKeyBlock(p, pc.Block, w.MAD.SMPData())
	log.Debug().Uint64("port_guid", p.GUID).Uint16("block", pc.Block).Msg("P_Key table block updated")
}

func (s *SA) portForContext(guid uint64) *subnet.Port {
	if p := s.subnet.Port(guid); p != nil {
		return p
	}
	return s.subnet.PortByAlias(guid)
}
