package sa

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/subnet"
)

// ClassPortInfo capability bits
const (
	capGetSet       uint16 = 0x0002
	capOptionalRecs uint16 = 0x0100
	capUDMulticast  uint16 = 0x0200
	capMultiPath    uint16 = 0x0400

	respTimeVal = 18
)

// Component mask bits of the keys the handlers filter on
const (
	compServiceID   uint64 = 1 << 0
	compServiceGID  uint64 = 1 << 1
	compServicePKey uint64 = 1 << 2
	compServiceName uint64 = 1 << 6

	compMCMGID    uint64 = 1 << 0
	compMCPortGID uint64 = 1 << 1
	compMCMLID    uint64 = 1 << 3

	compGUIDInfoLID   uint64 = 1 << 0
	compGUIDInfoBlock uint64 = 1 << 1

	compInformGID  uint64 = 1 << 0
	compInformEnum uint64 = 1 << 1

	compVLArbLID   uint64 = 1 << 0
	compVLArbPort  uint64 = 1 << 1
	compVLArbBlock uint64 = 1 << 2

	compPKeyLID   uint64 = 1 << 0
	compPKeyBlock uint64 = 1 << 1
	compPKeyPort  uint64 = 1 << 2
)

func isQuery(m mad.Method) bool {
	return m == mad.MethodGet || m == mad.MethodGetTable
}

func (s *SA) handleClassPortInfo(ctx context.Context, w *mad.Wrapper) {
	if w.MAD.Method() != mad.MethodGet {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	c := ClassPortInfo{
		BaseVersion:  mad.BaseVersion,
		ClassVersion: mad.ClassVersionSA,
		CapMask:      capGetSet | capOptionalRecs | capUDMulticast,
		RespTimeVal:  respTimeVal,
	}
	if s.cfg.SegmentedDelivery {
		c.CapMask |= capMultiPath
	}
	s.Respond(ctx, w, ClassPortInfoSize, RecordSet{Records: [][]byte{encodeClassPortInfo(c)}})
}

// handleEmptyTable serves record types this SA keeps no data for
func (s *SA) handleEmptyTable(ctx context.Context, w *mad.Wrapper) {
	switch w.MAD.Method() {
	case mad.MethodGet, mad.MethodGetTable, mad.MethodGetMulti:
		s.Respond(ctx, w, 0, RecordSet{})
	default:
		s.SendError(ctx, w, mad.StatusReqInvalid)
	}
}

func (s *SA) handleServiceRecord(ctx context.Context, w *mad.Wrapper) {
	want, err := decodeServiceRecord(w.MAD.Payload())
	if err != nil {
		log.Debug().Err(err).Uint64("tid", w.MAD.TID()).Msg("Malformed ServiceRecord request")
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}

	switch m := w.MAD.Method(); {
	case isQuery(m):
		s.queryServices(ctx, w, want)
	case m == mad.MethodSet:
		s.registerService(ctx, w, want)
	case m == mad.MethodDelete:
		s.deleteService(ctx, w, want)
	default:
		s.SendError(ctx, w, mad.StatusReqInvalid)
	}
}

func matchService(sr, want *subnet.ServiceRecord, mask uint64) bool {
	if mask&compServiceID != 0 && sr.ID != want.ID {
		return false
	}
	if mask&compServiceGID != 0 && sr.GID != want.GID {
		return false
	}
	if mask&compServicePKey != 0 && sr.PKey != want.PKey {
		return false
	}
	if mask&compServiceName != 0 && sr.Name != want.Name {
		return false
	}
	return true
}

func (s *SA) queryServices(ctx context.Context, w *mad.Wrapper, want *subnet.ServiceRecord) {
	mask := w.MAD.CompMask()
	var matched []subnet.ServiceRecord

	s.subnet.RLock()
	for _, sr := range s.subnet.Services() {
		if matchService(sr, want, mask) {
			matched = append(matched, *sr)
		}
	}
	s.subnet.RUnlock()

	s.respondTable(ctx, w, ServiceRecordSize, len(matched), func(i int, dst []byte) {
		putServiceRecord(dst, &matched[i])
	})
}

func (s *SA) registerService(ctx context.Context, w *mad.Wrapper, sr *subnet.ServiceRecord) {
	sr.ModifiedTime = uint32(s.now().Unix())
	sr.LeasePeriod = sr.Lease
	rec := encodeServiceRecord(sr)

	s.subnet.Lock()
	if old := s.subnet.ServiceByRID(sr); old != nil {
		*old = *sr
	} else {
		s.subnet.AddService(sr)
	}
	s.subnet.Unlock()
	s.state.MarkDirty()

	if sr.Lease != subnet.InfiniteLease {
		s.lease.Trim(time.Duration(sr.Lease) * time.Second)
	}
	log.Debug().Uint64("service_id", sr.ID).Str("gid", sr.GID.String()).Str("name", sr.Name).Msg("Service registered")

	s.Respond(ctx, w, ServiceRecordSize, RecordSet{Records: [][]byte{rec}})
}

func (s *SA) deleteService(ctx context.Context, w *mad.Wrapper, want *subnet.ServiceRecord) {
	s.subnet.Lock()
	old := s.subnet.ServiceByRID(want)
	if old != nil {
		s.subnet.RemoveService(old)
	}
	s.subnet.Unlock()

	if old == nil {
		s.SendError(ctx, w, mad.StatusNoRecords)
		return
	}
	s.state.MarkDirty()
	log.Debug().Uint64("service_id", old.ID).Str("gid", old.GID.String()).Msg("Service deleted")

	s.Respond(ctx, w, ServiceRecordSize, RecordSet{Records: [][]byte{encodeServiceRecord(old)}})
}

func memberRecord(g *subnet.MulticastGroup, m *subnet.MCMember) subnet.MCMemberRecord {
	rec := g.Rec
	rec.MLID = g.MLID
	rec.PortGID = m.PortGID
	rec.ScopeState = m.ScopeState
	rec.ProxyJoin = m.ProxyJoin
	return rec
}

func (s *SA) handleMCMemberRecord(ctx context.Context, w *mad.Wrapper) {
	want, err := decodeMCMemberRecord(w.MAD.Payload())
	if err != nil {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}

	switch m := w.MAD.Method(); {
	case isQuery(m):
		s.queryMembers(ctx, w, want)
	case m == mad.MethodSet:
		s.joinGroup(ctx, w, want)
	case m == mad.MethodDelete:
		s.leaveGroup(ctx, w, want)
	default:
		s.SendError(ctx, w, mad.StatusReqInvalid)
	}
}

func (s *SA) queryMembers(ctx context.Context, w *mad.Wrapper, want subnet.MCMemberRecord) {
	mask := w.MAD.CompMask()
	var recs [][]byte

	s.subnet.RLock()
	for _, g := range s.subnet.Groups() {
		if mask&compMCMGID != 0 && g.Rec.MGID != want.MGID {
			continue
		}
		if mask&compMCMLID != 0 && g.MLID != want.MLID {
			continue
		}
		for _, m := range g.Members() {
			if mask&compMCPortGID != 0 && m.PortGID != want.PortGID {
				continue
			}
			recs = append(recs, encodeMCMemberRecord(memberRecord(g, m)))
		}
	}
	s.subnet.RUnlock()

	s.Respond(ctx, w, MCMemberRecordSize, RecordSet{Records: recs})
}

func (s *SA) joinGroup(ctx context.Context, w *mad.Wrapper, rec subnet.MCMemberRecord) {
	if rec.MGID.IsZero() {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}

	s.subnet.Lock()
	out, err := s.joinLocked(rec)
	s.subnet.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("mgid", rec.MGID.String()).Str("port_gid", rec.PortGID.String()).Msg("Multicast join rejected")
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	s.state.MarkDirty()
	log.Debug().Str("mgid", out.MGID.String()).Uint16("mlid", out.MLID).Str("port_gid", out.PortGID.String()).Msg("Port joined multicast group")

	s.Respond(ctx, w, MCMemberRecordSize, RecordSet{Records: [][]byte{encodeMCMemberRecord(out)}})
}

// joinLocked checks the port and join state before the group is created
func (s *SA) joinLocked(rec subnet.MCMemberRecord) (subnet.MCMemberRecord, error) {
	p := s.subnet.PortByAlias(rec.PortGID.InterfaceID)
	if p == nil {
		return subnet.MCMemberRecord{}, subnet.ErrUnknownPort
	}
	if rec.JoinState() == 0 {
		return subnet.MCMemberRecord{}, subnet.ErrInvalidJoin
	}
	g, err := s.subnet.CreateGroup(rec, false)
	if err != nil {
		return subnet.MCMemberRecord{}, err
	}
	m, err := s.subnet.AddMember(g, p, rec)
	if err != nil {
		return subnet.MCMemberRecord{}, err
	}
	return memberRecord(g, m), nil
}

func (s *SA) leaveGroup(ctx context.Context, w *mad.Wrapper, rec subnet.MCMemberRecord) {
	guid := rec.PortGID.InterfaceID

	s.subnet.Lock()
	var (
		out   subnet.MCMemberRecord
		found bool
	)
	if g := s.subnet.GroupByMGID(rec.MGID); g != nil {
		if m := g.Member(guid); m != nil {
			found = true
			m.ScopeState &^= rec.JoinState()
			out = memberRecord(g, m)
			if m.ScopeState&0x0f == 0 {
				s.subnet.RemoveMember(g, guid)
			}
		}
	}
	s.subnet.Unlock()

	if !found {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	s.state.MarkDirty()
	log.Debug().Str("mgid", rec.MGID.String()).Str("port_gid", rec.PortGID.String()).Msg("Port left multicast group")

	s.Respond(ctx, w, MCMemberRecordSize, RecordSet{Records: [][]byte{encodeMCMemberRecord(out)}})
}

func (s *SA) handleGUIDInfoRecord(ctx context.Context, w *mad.Wrapper) {
	if !isQuery(w.MAD.Method()) {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	payload := w.MAD.Payload()
	lid := be.Uint16(payload[0:])
	block := int(payload[2])
	mask := w.MAD.CompMask()
	var recs [][]byte

	s.subnet.RLock()
	for _, p := range s.subnet.Ports() {
		if mask&compGUIDInfoLID != 0 && p.BaseLID != lid {
			continue
		}
		for b := 0; b < p.GUIDBlocks(); b++ {
			if mask&compGUIDInfoBlock != 0 && b != block {
				continue
			}
			guids, ok := p.GUIDBlock(b)
			if !ok {
				break
			}
			recs = append(recs, encodeGUIDInfoRecord(p.BaseLID, uint8(b), guids))
		}
	}
	s.subnet.RUnlock()

	s.Respond(ctx, w, GUIDInfoRecordSize, RecordSet{Records: recs})
}

// handleInformInfo subscribes or unsubscribes the requester for traps
func (s *SA) handleInformInfo(ctx context.Context, w *mad.Wrapper) {
	if w.MAD.Method() != mad.MethodSet {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	info, err := decodeInformInfo(w.MAD.Payload())
	if err != nil {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}

	s.subnet.Lock()
	var ok bool
	p := s.subnet.PortByLID(w.Addr.DestLID)
	if p != nil {
		ir := &subnet.InformRecord{
			SubscriberGID: subnet.GID{Prefix: s.subnet.Options().SubnetPrefix, InterfaceID: p.GUID},
			Info:          info,
			Addr: subnet.ReportAddr{
				LID:        w.Addr.DestLID,
				PathBits:   w.Addr.PathBits,
				StaticRate: w.Addr.StaticRate,
				RemoteQP:   w.Addr.RemoteQP,
				RemoteQKey: w.Addr.RemoteQKey,
				PKeyIndex:  w.Addr.PKeyIndex,
				SL:         w.Addr.SL,
			},
		}
		if info.Subscribe == 1 {
			s.subnet.AddInform(ir)
			ok = true
		} else {
			ir.Info.Subscribe = 1
			ok = s.subnet.RemoveInform(ir)
		}
	}
	s.subnet.Unlock()

	if !ok {
		log.Debug().Uint16("lid", w.Addr.DestLID).Uint8("subscribe", info.Subscribe).Msg("InformInfo request rejected")
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	s.state.MarkDirty()

	b := make([]byte, InformInfoSize)
	encodeInformInfo(b, info)
	s.Respond(ctx, w, InformInfoSize, RecordSet{Records: [][]byte{b}})
}

func (s *SA) handleInformInfoRecord(ctx context.Context, w *mad.Wrapper) {
	if !isQuery(w.MAD.Method()) {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	payload := w.MAD.Payload()
	gid := getGID(payload[0:])
	enum := be.Uint16(payload[16:])
	mask := w.MAD.CompMask()
	var recs [][]byte

	s.subnet.RLock()
	for _, ir := range s.subnet.Informs() {
		if mask&compInformGID != 0 && ir.SubscriberGID != gid {
			continue
		}
		if mask&compInformEnum != 0 && ir.SubscriberEnum != enum {
			continue
		}
		recs = append(recs, encodeInformInfoRecord(ir))
	}
	s.subnet.RUnlock()

	s.Respond(ctx, w, InformInfoRecordSize, RecordSet{Records: recs})
}

func (s *SA) handleVLArbRecord(ctx context.Context, w *mad.Wrapper) {
	if !isQuery(w.MAD.Method()) {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	payload := w.MAD.Payload()
	lid := be.Uint16(payload[0:])
	port, block := payload[2], payload[3]
	mask := w.MAD.CompMask()
	var recs [][]byte

	s.subnet.RLock()
	for _, p := range s.subnet.Ports() {
		if mask&compVLArbLID != 0 && p.BaseLID != lid {
			continue
		}
		if mask&compVLArbPort != 0 && p.PortNum != port {
			continue
		}
		for i, table := range p.VLArb {
			b := uint8(i + 1)
			if table == nil || (mask&compVLArbBlock != 0 && b != block) {
				continue
			}
			recs = append(recs, encodeVLArbRecord(p.BaseLID, p.PortNum, b, table))
		}
	}
	s.subnet.RUnlock()

	s.Respond(ctx, w, VLArbRecordSize, RecordSet{Records: recs})
}

func (s *SA) handlePKeyTableRecord(ctx context.Context, w *mad.Wrapper) {
	if !isQuery(w.MAD.Method()) {
		s.SendError(ctx, w, mad.StatusReqInvalid)
		return
	}
	payload := w.MAD.Payload()
	lid := be.Uint16(payload[0:])
	block := be.Uint16(payload[2:])
	port := payload[4]
	mask := w.MAD.CompMask()
	var recs [][]byte

	s.subnet.RLock()
	for _, p := range s.subnet.Ports() {
		if mask&compPKeyLID != 0 && p.BaseLID != lid {
			continue
		}
		if mask&compPKeyPort != 0 && p.PortNum != port {
			continue
		}
		blocks := make([]uint16, 0, len(p.PKeys))
		for b := range p.PKeys {
			blocks = append(blocks, b)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
		for _, b := range blocks {
			if mask&compPKeyBlock != 0 && b != block {
				continue
			}
			recs = append(recs, encodePKeyTableRecord(p.BaseLID, b, p.PortNum, p.PKeys[b]))
		}
	}
	s.subnet.RUnlock()

	s.Respond(ctx, w, PKeyTableRecordSize, RecordSet{Records: recs})
}
