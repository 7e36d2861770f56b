// Package sadb saves and restores the SA database in the line-oriented text
// format read back by the SA on its first sweep as master.
package sadb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/subnet"
)

const (
	maxLineLength  = 64 * 1024
	maxServiceName = 63
)

// LeaseTrimmer is the service-record lease timer
type LeaseTrimmer interface {
	Trim(d time.Duration)
}

// ParseError locates a malformed line in a dump file
type ParseError struct {
	File  string
	Line  int
	Token string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: after %q: %v", e.File, e.Line, e.Token, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	errTokenMissing = errors.New("token not found")
	errBadHex       = errors.New("malformed hex value")
)

// LoadResult summarises a restore
type LoadResult struct {
	Lines      int
	Groups     int
	Members    int
	Services   int
	Informs    int
	GUIDBlocks int
	// Rereg is set when some state could not be restored as saved
	Rereg  bool
	Errors []error
}

// Dump writes the SA-visible state of sn to w. It holds the subnet read lock
// for the whole walk.
func Dump(w io.Writer, sn *subnet.Subnet) error {
	sn.RLock()
	defer sn.RUnlock()

	bw := bufio.NewWriter(w)

	log.Debug().Msg("Dump guidinfo")
	for _, p := range sn.Ports() {
		dumpGUIDInfo(bw, p)
	}

	log.Debug().Msg("Dump multicast")
	for _, g := range sn.Groups() {
		dumpGroup(bw, g)
	}

	log.Debug().Msg("Dump inform")
	for _, ir := range sn.Informs() {
		dumpInform(bw, ir)
	}

	log.Debug().Msg("Dump services")
	for _, sr := range sn.Services() {
		dumpService(bw, sr)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write SA database: %w", err)
	}
	return nil
}

func dumpGUIDInfo(w io.Writer, p *subnet.Port) {
	if p.GUIDTable == nil {
		return
	}
	for b := 0; b < p.GUIDBlocks(); b++ {
		blk, ok := p.GUIDBlock(b)
		if !ok {
			break
		}
		fmt.Fprintf(w, "GUIDInfo Record: base_guid=0x%016x lid=0x%04x block_num=0x%x", p.GUIDTable[0], p.BaseLID, b)
		for i, g := range blk {
			fmt.Fprintf(w, " guid%d=0x%016x", i, g)
		}
		fmt.Fprint(w, "\n\n")
	}
}

func dumpGroup(w io.Writer, g *subnet.MulticastGroup) {
	wk := ""
	if g.WellKnown {
		wk = " (well known)"
	}
	r := g.Rec
	fmt.Fprintf(w, "MC Group 0x%04x %s:"+
		" mgid=0x%016x:0x%016x port_gid=0x%016x:0x%016x"+
		" qkey=0x%08x mlid=0x%04x mtu=0x%02x tclass=0x%02x"+
		" pkey=0x%04x rate=0x%02x pkt_life=0x%02x sl_flow_hop=0x%08x"+
		" scope_state=0x%02x proxy_join=0x%x\n\n",
		g.MLID, wk,
		r.MGID.Prefix, r.MGID.InterfaceID, r.PortGID.Prefix, r.PortGID.InterfaceID,
		r.QKey, r.MLID, r.MTU, r.TClass,
		r.PKey, r.Rate, r.PktLife, r.SLFlowHop,
		r.ScopeState, b2u(r.ProxyJoin))

	for _, m := range g.Members() {
		fmt.Fprintf(w, "mcm_port: port_gid=0x%016x:0x%016x scope_state=0x%02x proxy_join=0x%x\n\n",
			m.PortGID.Prefix, m.PortGID.InterfaceID, m.ScopeState, b2u(m.ProxyJoin))
	}
}

func dumpInform(w io.Writer, ir *subnet.InformRecord) {
	in, a := ir.Info, ir.Addr
	fmt.Fprintf(w, "InformInfo Record:"+
		" subscriber_gid=0x%016x:0x%016x subscriber_enum=0x%x"+
		" InformInfo: gid=0x%016x:0x%016x lid_range_begin=0x%x lid_range_end=0x%x"+
		" is_generic=0x%x subscribe=0x%x trap_type=0x%x trap_num=0x%x"+
		" qpn_resp_time_val=0x%x node_type=0x%06x"+
		" rep_addr: lid=0x%04x path_bits=0x%02x static_rate=0x%02x"+
		" remote_qp=0x%08x remote_qkey=0x%08x pkey_ix=0x%04x sl=0x%02x\n\n",
		ir.SubscriberGID.Prefix, ir.SubscriberGID.InterfaceID, ir.SubscriberEnum,
		in.GID.Prefix, in.GID.InterfaceID, in.LIDRangeBegin, in.LIDRangeEnd,
		in.IsGeneric, in.Subscribe, in.TrapType, in.TrapNum,
		in.QPNRespTimeVal, in.ProducerType(),
		a.LID, a.PathBits, a.StaticRate,
		a.RemoteQP, a.RemoteQKey, a.PKeyIndex, a.SL)
}

func dumpService(w io.Writer, sr *subnet.ServiceRecord) {
	quote := "'"
	if strings.Contains(sr.Name, "'") {
		quote = `"`
	}
	fmt.Fprintf(w, "Service Record: id=0x%016x gid=0x%016x:0x%016x pkey=0x%x lease=0x%x"+
		" key=0x%x:0x%x name=%s%s%s"+
		" data8=0x%x:0x%x"+
		" data16=0x%04x%04x%04x%04x:0x%04x%04x%04x%04x"+
		" data32=0x%08x%08x:0x%08x%08x"+
		" data64=0x%016x:0x%016x"+
		" modified_time=0x%x lease_period=0x%x\n\n",
		sr.ID, sr.GID.Prefix, sr.GID.InterfaceID, sr.PKey, sr.Lease,
		sr.Key[:8], sr.Key[8:], quote, sr.Name, quote,
		sr.Data8[:8], sr.Data8[8:],
		sr.Data16[0], sr.Data16[1], sr.Data16[2], sr.Data16[3],
		sr.Data16[4], sr.Data16[5], sr.Data16[6], sr.Data16[7],
		sr.Data32[0], sr.Data32[1], sr.Data32[2], sr.Data32[3],
		sr.Data64[0], sr.Data64[1],
		sr.ModifiedTime, sr.LeasePeriod)
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Load restores records from r into sn. name is used in log and error
// messages only. A malformed line is skipped, recorded in the result and
// sets Rereg; it never stops the restore. A read error ends the restore at
// that point and is reported the same way. The subnet write lock is taken per
// record. When Rereg ends up set, client re-registration is re-enabled on
// sn.
func Load(r io.Reader, name string, sn *subnet.Subnet, lease LeaseTrimmer) (*LoadResult, error) {
	res := &LoadResult{}
	l := &loader{name: name, sn: sn, lease: lease, res: res}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), maxLineLength)
	for sc.Scan() {
		res.Lines++
		l.line(res.Lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		// records read so far stay; the rest is lost
		log.Error().Str("file", name).Int("line", res.Lines+1).Err(err).Msg("Failed to read SA database, restore is partial")
		res.Errors = append(res.Errors, fmt.Errorf("failed to read SA database %s: %w", name, err))
		res.Rereg = true
	}

	if res.Rereg {
		sn.Lock()
		sn.SetNoClientsRereg(false)
		sn.Unlock()
	}
	return res, nil
}

type loader struct {
	name  string
	sn    *subnet.Subnet
	lease LeaseTrimmer
	res   *LoadResult

	// group is the group later mcm_port lines join; any other record line
	// closes it
	group *subnet.MulticastGroup
}

func (l *loader) line(lineno int, text string) {
	text = strings.TrimLeft(text, " \t\r\v\f")
	if strings.HasPrefix(text, "#") {
		return
	}

	p := &lineParser{s: text}
	var err error
	switch {
	case strings.HasPrefix(text, "MC Group"):
		l.group = nil
		err = l.loadGroup(p)
	case l.group != nil && strings.HasPrefix(text, "mcm_port"):
		err = l.loadMember(p)
	case strings.HasPrefix(text, "Service Record:"):
		l.group = nil
		err = l.loadService(p)
	case strings.HasPrefix(text, "InformInfo Record:"):
		l.group = nil
		err = l.loadInform(p)
	case strings.HasPrefix(text, "GUIDInfo Record:"):
		l.group = nil
		err = l.loadGUIDInfo(p)
	default:
		return
	}

	if err != nil {
		perr := &ParseError{File: l.name, Line: lineno, Token: p.token, Err: err}
		log.Error().
			Str("file", l.name).
			Int("line", lineno).
			Str("token", p.token).
			Err(err).
			Msg("PARSE ERROR in SA database")
		l.res.Errors = append(l.res.Errors, perr)
		l.res.Rereg = true
	}
}

func (l *loader) loadGroup(p *lineParser) error {
	var rec subnet.MCMemberRecord
	mlid := p.u16(" 0x")
	wellKnown := p.err == nil && strings.Contains(p.rest(), "well known")
	rec.MGID = p.gid(" mgid=0x")
	rec.PortGID = p.gid(" port_gid=0x")
	rec.QKey = p.u32(" qkey=0x")
	rec.MLID = p.u16(" mlid=0x")
	rec.MTU = p.u8(" mtu=0x")
	rec.TClass = p.u8(" tclass=0x")
	rec.PKey = p.u16(" pkey=0x")
	rec.Rate = p.u8(" rate=0x")
	rec.PktLife = p.u8(" pkt_life=0x")
	rec.SLFlowHop = p.u32(" sl_flow_hop=0x")
	rec.ScopeState = p.u8(" scope_state=0x")
	rec.ProxyJoin = p.u8(" proxy_join=0x") != 0
	if p.err != nil {
		return p.err
	}

	l.sn.Lock()
	defer l.sn.Unlock()

	l.sn.NoteLoadedMLID(mlid)

	if g := l.sn.GroupByMGID(rec.MGID); g != nil {
		if g.MLID == mlid {
			log.Debug().Uint16("mlid", mlid).Msg("Multicast group is already here")
			l.group = g
			return nil
		}
		log.Info().
			Uint16("mlid", mlid).
			Str("mgid", rec.MGID.String()).
			Msg("MGID already used with another MLID, requesting client reregistration")
		l.res.Rereg = true
		return nil
	}

	if rec.MLID != mlid {
		log.Error().
			Uint16("mlid", mlid).
			Uint16("record_mlid", rec.MLID).
			Str("mgid", rec.MGID.String()).
			Msg("Cannot create multicast group: MLID mismatch")
		l.res.Rereg = true
		return nil
	}
	g, err := l.sn.CreateGroup(rec, wellKnown)
	if err != nil {
		log.Error().Err(err).
			Uint16("mlid", mlid).
			Str("mgid", rec.MGID.String()).
			Msg("Cannot create multicast group")
		l.res.Rereg = true
		return nil
	}
	l.group = g
	l.res.Groups++
	return nil
}

func (l *loader) loadMember(p *lineParser) error {
	var rec subnet.MCMemberRecord
	rec.PortGID = p.gid(" port_gid=0x")
	rec.ScopeState = p.u8(" scope_state=0x")
	rec.ProxyJoin = p.u8(" proxy_join=0x") != 0
	if p.err != nil {
		return p.err
	}

	l.sn.Lock()
	defer l.sn.Unlock()

	guid := rec.PortGID.InterfaceID
	port := l.sn.PortByAlias(guid)
	if port == nil || l.group.Member(guid) != nil {
		return nil
	}
	if _, err := l.sn.AddMember(l.group, port, rec); err != nil {
		log.Error().Err(err).
			Str("port_gid", rec.PortGID.String()).
			Uint16("mlid", l.group.MLID).
			Msg("Cannot restore multicast group member")
		l.res.Rereg = true
		return nil
	}
	l.res.Members++
	return nil
}

func (l *loader) loadService(p *lineParser) error {
	sr := &subnet.ServiceRecord{}
	sr.ID = p.u64(" id=0x")
	sr.GID = p.gid(" gid=0x")
	sr.PKey = p.u16(" pkey=0x")
	sr.Lease = p.u32(" lease=0x")
	binary.BigEndian.PutUint64(sr.Key[0:], p.u64(" key=0x"))
	binary.BigEndian.PutUint64(sr.Key[8:], p.u64(":0x"))
	sr.Name = p.str(" name=")

	var raw [8]uint64
	raw[0] = p.u64(" data8=0x")
	raw[1] = p.u64(":0x")
	raw[2] = p.u64(" data16=0x")
	raw[3] = p.u64(":0x")
	raw[4] = p.u64(" data32=0x")
	raw[5] = p.u64(":0x")
	sr.Data64[0] = p.u64(" data64=0x")
	sr.Data64[1] = p.u64(":0x")
	sr.ModifiedTime = p.u32(" modified_time=0x")
	sr.LeasePeriod = p.u32(" lease_period=0x")
	if p.err != nil {
		return p.err
	}

	binary.BigEndian.PutUint64(sr.Data8[0:], raw[0])
	binary.BigEndian.PutUint64(sr.Data8[8:], raw[1])
	for i := 0; i < 4; i++ {
		sr.Data16[i] = uint16(raw[2] >> (48 - 16*i))
		sr.Data16[4+i] = uint16(raw[3] >> (48 - 16*i))
	}
	sr.Data32[0], sr.Data32[1] = uint32(raw[4]>>32), uint32(raw[4])
	sr.Data32[2], sr.Data32[3] = uint32(raw[5]>>32), uint32(raw[5])

	l.sn.Lock()
	defer l.sn.Unlock()

	if !l.sn.AddService(sr) {
		log.Info().Uint64("service_id", sr.ID).Msg("ServiceRecord already exists")
		return nil
	}
	l.res.Services++
	if sr.LeasePeriod != subnet.InfiniteLease && l.lease != nil {
		l.lease.Trim(time.Second)
	}
	return nil
}

func (l *loader) loadInform(p *lineParser) error {
	ir := &subnet.InformRecord{}
	ir.SubscriberGID = p.gid(" subscriber_gid=0x")
	ir.SubscriberEnum = p.u16(" subscriber_enum=0x")
	ir.Info.GID = p.gid(" gid=0x")
	ir.Info.LIDRangeBegin = p.u16(" lid_range_begin=0x")
	ir.Info.LIDRangeEnd = p.u16(" lid_range_end=0x")
	ir.Info.IsGeneric = p.u8(" is_generic=0x")
	ir.Info.Subscribe = p.u8(" subscribe=0x")
	ir.Info.TrapType = p.u16(" trap_type=0x")
	ir.Info.TrapNum = p.u16(" trap_num=0x")
	ir.Info.QPNRespTimeVal = p.u32(" qpn_resp_time_val=0x")
	ir.Info.NodeType = p.u32(" node_type=0x")
	ir.Addr.LID = p.u16(" rep_addr: lid=0x")
	ir.Addr.PathBits = p.u8(" path_bits=0x")
	ir.Addr.StaticRate = p.u8(" static_rate=0x")
	ir.Addr.RemoteQP = p.u32(" remote_qp=0x")
	ir.Addr.RemoteQKey = p.u32(" remote_qkey=0x")
	ir.Addr.PKeyIndex = p.u16(" pkey_ix=0x")
	ir.Addr.SL = p.u8(" sl=0x")
	if p.err != nil {
		return p.err
	}

	l.sn.Lock()
	defer l.sn.Unlock()

	if !l.sn.AddInform(ir) {
		log.Info().Str("subscriber_gid", ir.SubscriberGID.String()).Msg("InformInfo Record already exists")
		return nil
	}
	l.res.Informs++
	return nil
}

func (l *loader) loadGUIDInfo(p *lineParser) error {
	baseGUID := p.u64(" base_guid=0x")
	_ = p.u16(" lid=0x")
	block := int(p.u8(" block_num=0x"))
	var guids [subnet.GUIDTableBlockSize]uint64
	for i := range guids {
		guids[i] = p.u64(fmt.Sprintf(" guid%d=0x", i))
	}
	if p.err != nil {
		return p.err
	}

	l.sn.Lock()
	defer l.sn.Unlock()

	port := l.sn.Port(baseGUID)
	if port == nil {
		log.Debug().Uint64("base_guid", baseGUID).Msg("GUIDInfo for unknown port skipped")
		return nil
	}
	l.sn.EnsureGUIDTable(port)

	for i, g := range guids {
		if g == 0 || (block == 0 && i == 0) {
			continue
		}
		if block*subnet.GUIDTableBlockSize+i > int(port.GUIDCap) {
			break
		}
		if err := l.sn.AddAlias(g, port); err != nil {
			log.Error().Err(err).
				Int("index", block*subnet.GUIDTableBlockSize+i).
				Uint64("base_guid", port.GUID).
				Msg("Duplicate alias port GUID")
			l.res.Rereg = true
			return nil
		}
	}

	if err := l.sn.SetGUIDBlock(port, block, guids); err != nil {
		log.Error().Err(err).Uint64("base_guid", port.GUID).Msg("Cannot restore GUIDInfo block")
		l.res.Rereg = true
		return nil
	}
	l.res.GUIDBlocks++
	return nil
}
