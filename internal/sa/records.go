package sa

import (
	"encoding/binary"
	"fmt"

	"github.com/yuuki/ibsa/internal/subnet"
)

// Wire sizes of the SA records served here
const (
	ClassPortInfoSize    = 72
	ServiceRecordSize    = 176
	MCMemberRecordSize   = 56
	GUIDInfoRecordSize   = 72
	InformInfoSize       = 36
	InformInfoRecordSize = 80
	VLArbRecordSize      = 72
	PKeyTableRecordSize  = 72

	serviceNameSize = 64
	tableBlockSize  = 64
)

var be = binary.BigEndian

func putGID(b []byte, g subnet.GID) {
	be.PutUint64(b[0:], g.Prefix)
	be.PutUint64(b[8:], g.InterfaceID)
}

func getGID(b []byte) subnet.GID {
	return subnet.GID{Prefix: be.Uint64(b[0:]), InterfaceID: be.Uint64(b[8:])}
}

func shortRecord(name string, b []byte, want int) error {
	if len(b) < want {
		return fmt.Errorf("short %s: %d bytes, want %d", name, len(b), want)
	}
	return nil
}

// ClassPortInfo fields the SA advertises
type ClassPortInfo struct {
	BaseVersion  uint8
	ClassVersion uint8
	CapMask      uint16
	RespTimeVal  uint8
}

func encodeClassPortInfo(c ClassPortInfo) []byte {
	b := make([]byte, ClassPortInfoSize)
	b[0] = c.BaseVersion
	b[1] = c.ClassVersion
	be.PutUint16(b[2:], c.CapMask)
	// CapabilityMask2 (27 bits) and RespTimeValue (5 bits)
	be.PutUint32(b[4:], uint32(c.RespTimeVal&0x1f))
	return b
}

// ServiceRecord layout:
//
//	0 ServiceID, 8 ServiceGID, 24 P_Key, 26 reserved, 28 Lease,
//	32 Key, 48 Name, 112 Data8, 128 Data16, 144 Data32, 160 Data64
func encodeServiceRecord(sr *subnet.ServiceRecord) []byte {
	b := make([]byte, ServiceRecordSize)
	putServiceRecord(b, sr)
	return b
}

func putServiceRecord(b []byte, sr *subnet.ServiceRecord) {
	be.PutUint64(b[0:], sr.ID)
	putGID(b[8:], sr.GID)
	be.PutUint16(b[24:], sr.PKey)
	be.PutUint32(b[28:], sr.Lease)
	copy(b[32:48], sr.Key[:])
	copy(b[48:48+serviceNameSize-1], sr.Name)
	copy(b[112:128], sr.Data8[:])
	for i, v := range sr.Data16 {
		be.PutUint16(b[128+2*i:], v)
	}
	for i, v := range sr.Data32 {
		be.PutUint32(b[144+4*i:], v)
	}
	for i, v := range sr.Data64 {
		be.PutUint64(b[160+8*i:], v)
	}
}

func decodeServiceRecord(b []byte) (*subnet.ServiceRecord, error) {
	if err := shortRecord("ServiceRecord", b, ServiceRecordSize); err != nil {
		return nil, err
	}
	sr := &subnet.ServiceRecord{
		ID:    be.Uint64(b[0:]),
		GID:   getGID(b[8:]),
		PKey:  be.Uint16(b[24:]),
		Lease: be.Uint32(b[28:]),
	}
	copy(sr.Key[:], b[32:48])
	name := b[48 : 48+serviceNameSize]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	sr.Name = string(name)
	copy(sr.Data8[:], b[112:128])
	for i := range sr.Data16 {
		sr.Data16[i] = be.Uint16(b[128+2*i:])
	}
	for i := range sr.Data32 {
		sr.Data32[i] = be.Uint32(b[144+4*i:])
	}
	for i := range sr.Data64 {
		sr.Data64[i] = be.Uint64(b[160+8*i:])
	}
	return sr, nil
}

// MCMemberRecord layout:
//
//	0 MGID, 16 PortGID, 32 Q_Key, 36 MLID, 38 MTU, 39 TClass, 40 P_Key,
//	42 Rate, 43 PacketLifeTime, 44 SL/FlowLabel/HopLimit, 48 Scope/JoinState,
//	49 ProxyJoin, 50 reserved (padded to 56)
func encodeMCMemberRecord(r subnet.MCMemberRecord) []byte {
	b := make([]byte, MCMemberRecordSize)
	putGID(b[0:], r.MGID)
	putGID(b[16:], r.PortGID)
	be.PutUint32(b[32:], r.QKey)
	be.PutUint16(b[36:], r.MLID)
	b[38] = r.MTU
	b[39] = r.TClass
	be.PutUint16(b[40:], r.PKey)
	b[42] = r.Rate
	b[43] = r.PktLife
	be.PutUint32(b[44:], r.SLFlowHop)
	b[48] = r.ScopeState
	if r.ProxyJoin {
		b[49] = 0x80
	}
	return b
}

func decodeMCMemberRecord(b []byte) (subnet.MCMemberRecord, error) {
	if err := shortRecord("MCMemberRecord", b, MCMemberRecordSize); err != nil {
		return subnet.MCMemberRecord{}, err
	}
	return subnet.MCMemberRecord{
		MGID:       getGID(b[0:]),
		PortGID:    getGID(b[16:]),
		QKey:       be.Uint32(b[32:]),
		MLID:       be.Uint16(b[36:]),
		MTU:        b[38],
		TClass:     b[39],
		PKey:       be.Uint16(b[40:]),
		Rate:       b[42],
		PktLife:    b[43],
		SLFlowHop:  be.Uint32(b[44:]),
		ScopeState: b[48],
		ProxyJoin:  b[49]&0x80 != 0,
	}, nil
}

// GUIDInfoRecord: 0 LID, 2 BlockNum, 3 reserved, 4 reserved, 8 GUIDs
func encodeGUIDInfoRecord(lid uint16, block uint8, guids [subnet.GUIDTableBlockSize]uint64) []byte {
	b := make([]byte, GUIDInfoRecordSize)
	be.PutUint16(b[0:], lid)
	b[2] = block
	for i, g := range guids {
		be.PutUint64(b[8+8*i:], g)
	}
	return b
}

// InformInfo layout:
//
//	0 GID, 16 LIDRangeBegin, 18 LIDRangeEnd, 20 reserved, 22 IsGeneric,
//	23 Subscribe, 24 Type, 26 TrapNumber, 28 QPN/RespTimeValue,
//	32 reserved/ProducerType
func encodeInformInfo(b []byte, in subnet.InformInfo) {
	putGID(b[0:], in.GID)
	be.PutUint16(b[16:], in.LIDRangeBegin)
	be.PutUint16(b[18:], in.LIDRangeEnd)
	b[22] = in.IsGeneric
	b[23] = in.Subscribe
	be.PutUint16(b[24:], in.TrapType)
	be.PutUint16(b[26:], in.TrapNum)
	be.PutUint32(b[28:], in.QPNRespTimeVal)
	be.PutUint32(b[32:], in.NodeType)
}

func decodeInformInfo(b []byte) (subnet.InformInfo, error) {
	if err := shortRecord("InformInfo", b, InformInfoSize); err != nil {
		return subnet.InformInfo{}, err
	}
	return subnet.InformInfo{
		GID:            getGID(b[0:]),
		LIDRangeBegin:  be.Uint16(b[16:]),
		LIDRangeEnd:    be.Uint16(b[18:]),
		IsGeneric:      b[22],
		Subscribe:      b[23],
		TrapType:       be.Uint16(b[24:]),
		TrapNum:        be.Uint16(b[26:]),
		QPNRespTimeVal: be.Uint32(b[28:]),
		NodeType:       be.Uint32(b[32:]),
	}, nil
}

// InformInfoRecord: 0 SubscriberGID, 16 Enum, 18 reserved, 24 InformInfo
func encodeInformInfoRecord(ir *subnet.InformRecord) []byte {
	b := make([]byte, InformInfoRecordSize)
	putGID(b[0:], ir.SubscriberGID)
	be.PutUint16(b[16:], ir.SubscriberEnum)
	encodeInformInfo(b[24:24+InformInfoSize], ir.Info)
	return b
}

// VLArbitrationTableRecord: 0 LID, 2 OutputPortNum, 3 BlockNum, 4 reserved, 8 table
func encodeVLArbRecord(lid uint16, port, block uint8, table []byte) []byte {
	b := make([]byte, VLArbRecordSize)
	be.PutUint16(b[0:], lid)
	b[2] = port
	b[3] = block
	copy(b[8:8+tableBlockSize], table)
	return b
}

// P_KeyTableRecord: 0 LID, 2 BlockNum, 4 PortNum, 5 reserved, 8 table
func encodePKeyTableRecord(lid, block uint16, port uint8, table []byte) []byte {
	b := make([]byte, PKeyTableRecordSize)
	be.PutUint16(b[0:], lid)
	be.PutUint16(b[2:], block)
	b[4] = port
	copy(b[8:8+tableBlockSize], table)
	return b
}
