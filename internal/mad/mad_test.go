package mad

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSAMADLayout checks that accessors land on the wire offsets
func TestSAMADLayout(t *testing.T) {
	m := NewSAMAD(0)
	require.Len(t, m, MADSize)

	InitSARequest(m, MethodGetTable, AttrServiceRecord, 0x1122334455667788)
	m.SetStatus(StatusNoRecords)
	m.SetResv1(RDMARequestFlag)
	m.SetSMKey(0xdeadbeefcafef00d)
	m.SetAttrOffset(22)
	m.SetCompMask(0x3)

	assert.Equal(t, uint8(0x01), m[0])
	assert.Equal(t, uint8(0x03), m[1])
	assert.Equal(t, uint8(0x02), m[2])
	assert.Equal(t, uint8(0x12), m[3])
	assert.Equal(t, []byte{0x03, 0x00}, []byte(m[4:6]))
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, []byte(m[8:16]))
	assert.Equal(t, []byte{0x00, 0x31}, []byte(m[16:18]))
	assert.Equal(t, []byte{0x00, 0x01}, []byte(m[18:20]))
	assert.Equal(t, uint8(0xde), m[36])
	assert.Equal(t, []byte{0x00, 0x16}, []byte(m[44:46]))
	assert.Equal(t, uint8(0x03), m[55])

	assert.True(t, m.RDMARequested())
	assert.Equal(t, AttrServiceRecord, m.AttrID())
	assert.Len(t, m.Payload(), SADataSize)
}

func TestRDMADescriptor(t *testing.T) {
	m := NewSAMAD(MADSize)
	d := RemoteDescriptor{QPN: 0x48, Addr: 0x7f0012345000, RKey: 0xabcd, Length: 4096}
	m.PutRDMADescriptor(d)

	// qpn is the first field of the trailing 20 bytes
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x48}, []byte(m[236:240]))
	assert.Equal(t, d, m.RDMADescriptor())
}

func TestRDMALengthWord(t *testing.T) {
	m := NewSAMAD(MADSize)
	m.SetRDMALength(56 + 10*176)
	assert.Equal(t, 252, RDMALengthOffset)
	assert.Equal(t, uint32(1816), m.RDMALength())

	want := make([]byte, 4)
	binary.NativeEndian.PutUint32(want, 1816)
	assert.Equal(t, want, []byte(m[252:256]))
	assert.Equal(t, uint32(1816), *(*uint32)(unsafe.Pointer(&m[252])))
}

func TestAttrOffsetFor(t *testing.T) {
	assert.Equal(t, uint16(22), AttrOffsetFor(176))
	assert.Equal(t, uint16(7), AttrOffsetFor(56))
	assert.Equal(t, uint16(9), AttrOffsetFor(72))
}

func TestMethodString(t *testing.T) {
	assert.Equal(t, "SubnAdmGetTableResp", (MethodGetTable | MethodResponseMask).String())
	assert.True(t, MethodGetResp.IsResponse())
	assert.False(t, MethodSet.IsResponse())
	assert.Equal(t, "UNKNOWN(0x7f)", Method(0x7f).String())
}

func TestMsgIDForAttr(t *testing.T) {
	assert.Equal(t, MsgMultiPathRecord, MsgIDForAttr(AttrMultiPathRecord))
	assert.Equal(t, MsgInformInfoRecord, MsgIDForAttr(AttrInformInfoRecord))
	assert.Equal(t, MsgNone, MsgIDForAttr(AttrTraceRecord))
}

func TestContextVariants(t *testing.T) {
	var ctx Context = VLArbContext{PortGUID: 1, Block: 2}
	switch c := ctx.(type) {
	case VLArbContext:
		assert.Equal(t, uint8(2), c.Block)
	default:
		t.Fatalf("unexpected context %T", ctx)
	}
}

func TestClassify(t *testing.T) {
	m := NewSAMAD(MADSize)
	InitSARequest(m, MethodGetTable, AttrServiceRecord, 1)
	assert.Equal(t, MsgServiceRecord, Classify(m))

	m.SetMethod(MethodGetTableResp)
	assert.Equal(t, MsgNone, Classify(m))

	smp := NewSAMAD(MADSize)
	smp[1] = MgmtClassSubnLID
	smp.SetMethod(MethodGetResp)
	smp.SetAttrID(AttrSMPVLArbitration)
	smp.SetAttrMod(3<<16 | 2)
	assert.Equal(t, MsgVLArb, Classify(smp))
	port, block := smp.SMPPortBlock()
	assert.Equal(t, uint8(3), port)
	assert.Equal(t, uint16(2), block)

	smp.SetAttrID(AttrSMPPKeyTable)
	assert.Equal(t, MsgPKeyTable, Classify(smp))

	smp.SetMethod(MethodGet)
	assert.Equal(t, MsgNone, Classify(smp))

	assert.Equal(t, MsgNone, Classify(SAMAD(make([]byte, 64))))
}

func TestSMPRequest(t *testing.T) {
	m := NewSAMAD(MADSize)
	InitSMPRequest(m, MethodGet, AttrSMPPKeyTable, 0xabd)
	assert.Equal(t, uint8(MgmtClassSubnLID), m.MgmtClass())
	assert.Equal(t, uint8(BaseVersion), m.ClassVersion())
	assert.Equal(t, uint64(0xabd), m.TID())
	assert.Equal(t, MsgNone, Classify(m))

	m.SetMethod(MethodGetResp)
	m.SetStatus(0x8000)
	assert.Equal(t, MsgPKeyTable, Classify(m))
	assert.Equal(t, StatusSuccess, m.SMPStatus())

	m.SetStatus(0x8000 | StatusReqInvalid)
	assert.Equal(t, StatusReqInvalid, m.SMPStatus())
}
