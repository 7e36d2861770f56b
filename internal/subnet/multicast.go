package subnet

import (
	"fmt"
	"sort"
)

const (
	MLIDMin uint16 = 0xC000
	MLIDMax uint16 = 0xFFFE
)

// MCMemberRecord is the SA MCMemberRecord attribute
type MCMemberRecord struct {
	MGID       GID
	PortGID    GID
	QKey       uint32
	MLID       uint16
	MTU        uint8
	TClass     uint8
	PKey       uint16
	Rate       uint8
	PktLife    uint8
	SLFlowHop  uint32
	ScopeState uint8
	ProxyJoin  bool
}

// JoinState is the low nibble of ScopeState
func (r MCMemberRecord) JoinState() uint8 { return r.ScopeState & 0x0f }

// MCMember is a port joined to a multicast group
type MCMember struct {
	PortGID    GID
	PortGUID   uint64
	ScopeState uint8
	ProxyJoin  bool
}

// MulticastGroup is a multicast group and its members keyed by alias GUID
type MulticastGroup struct {
	MLID      uint16
	WellKnown bool
	Rec       MCMemberRecord
	members   map[uint64]*MCMember
}

// Member returns the member joined through alias GUID guid
func (g *MulticastGroup) Member(guid uint64) *MCMember {
	return g.members[guid]
}

// Members returns the members sorted by alias GUID
func (g *MulticastGroup) Members() []*MCMember {
	keys := make([]uint64, 0, len(g.members))
	for k := range g.members {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*MCMember, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.members[k])
	}
	return out
}

// GroupByMGID looks a group up by MGID
func (s *Subnet) GroupByMGID(mgid GID) *MulticastGroup {
	return s.groups[mgid]
}

// GroupByMLID looks a group up by MLID
func (s *Subnet) GroupByMLID(mlid uint16) *MulticastGroup {
	return s.groupsMLID[mlid]
}

// Groups returns all groups sorted by MGID
func (s *Subnet) Groups() []*MulticastGroup {
	out := make([]*MulticastGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rec.MGID.Less(out[j].Rec.MGID) })
	return out
}

// CreateGroup creates a group for rec. A zero rec.MLID takes the lowest free
// MLID; a non-zero one must be in range and not owned by another group.
func (s *Subnet) CreateGroup(rec MCMemberRecord, wellKnown bool) (*MulticastGroup, error) {
	if g, ok := s.groups[rec.MGID]; ok {
		return g, nil
	}

	mlid := rec.MLID
	if mlid == 0 {
		var err error
		if mlid, err = s.freeMLID(); err != nil {
			return nil, err
		}
	} else {
		if mlid < MLIDMin || mlid > MLIDMax {
			return nil, fmt.Errorf("MLID 0x%04x: %w", mlid, ErrInvalidMLID)
		}
		if owner, ok := s.groupsMLID[mlid]; ok {
			return nil, fmt.Errorf("MLID 0x%04x held by %s: %w", mlid, owner.Rec.MGID, ErrMLIDInUse)
		}
	}

	rec.MLID = mlid
	g := &MulticastGroup{
		MLID:      mlid,
		WellKnown: wellKnown,
		Rec:       rec,
		members:   make(map[uint64]*MCMember),
	}
	s.groups[rec.MGID] = g
	s.groupsMLID[mlid] = g
	return g, nil
}

func (s *Subnet) freeMLID() (uint16, error) {
	for mlid := MLIDMin; mlid <= MLIDMax; mlid++ {
		if _, ok := s.groupsMLID[mlid]; !ok {
			return mlid, nil
		}
	}
	return 0, ErrMLIDsExhausted
}

// AddMember joins port p to g through the alias GUID carried in rec.PortGID
func (s *Subnet) AddMember(g *MulticastGroup, p *Port, rec MCMemberRecord) (*MCMember, error) {
	if p == nil {
		return nil, ErrUnknownPort
	}
	if rec.JoinState() == 0 {
		return nil, fmt.Errorf("port %s in group %s: %w", rec.PortGID, g.Rec.MGID, ErrInvalidJoin)
	}
	guid := rec.PortGID.InterfaceID
	if m, ok := g.members[guid]; ok {
		m.ScopeState |= rec.ScopeState & 0x0f
		return m, nil
	}
	m := &MCMember{
		PortGID:    rec.PortGID,
		PortGUID:   p.GUID,
		ScopeState: rec.ScopeState,
		ProxyJoin:  rec.ProxyJoin,
	}
	g.members[guid] = m
	return m, nil
}

// RemoveMember drops a member; the group is deleted when it was the last one
// and the group is not well known.
func (s *Subnet) RemoveMember(g *MulticastGroup, guid uint64) bool {
	if _, ok := g.members[guid]; !ok {
		return false
	}
	delete(g.members, guid)
	if len(g.members) == 0 && !g.WellKnown {
		delete(s.groups, g.Rec.MGID)
		delete(s.groupsMLID, g.MLID)
	}
	return true
}
