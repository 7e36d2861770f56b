package mad

import (
	"encoding/binary"
	"fmt"
)

const (
	// MADSize is the size of one management datagram block
	MADSize = 256
	// SAHeaderSize covers the common, RMPP and SA class headers
	SAHeaderSize = 56
	// SADataSize is the payload space left in a single SA MAD
	SADataSize = MADSize - SAHeaderSize

	// RDMADescriptorSize is the size of the client descriptor trailing an RDMA request
	RDMADescriptorSize = 20
	// RDMADescriptorOffset is where the client descriptor starts inside the request
	RDMADescriptorOffset = MADSize - RDMADescriptorSize
	// RDMALengthOffset is data word 49 of the response, carrying the transferred length
	RDMALengthOffset = SAHeaderSize + 49*4

	// RDMARequestFlag marks a request asking for out-of-band delivery
	RDMARequestFlag uint16 = 0x0001

	BaseVersion       = 0x01
	MgmtClassSubnAdm  = 0x03
	ClassVersionSA    = 0x02
	RMPPVersion       = 0x01
	RMPPTypeData      = 0x01
	RMPPFlagActive    = 0x01
	RMPPFlagFirst     = 0x02
	RMPPFlagLast      = 0x04
	RMPPFlagsComplete = RMPPFlagFirst | RMPPFlagLast | RMPPFlagActive
)

// Header field offsets
const (
	offBaseVersion  = 0
	offMgmtClass    = 1
	offClassVersion = 2
	offMethod       = 3
	offStatus       = 4
	offTID          = 8
	offAttrID       = 16
	offResv1        = 18
	offAttrMod      = 20
	offRMPPVersion  = 24
	offRMPPType     = 25
	offRMPPFlags    = 26
	offRMPPStatus   = 27
	offSegNum       = 28
	offPaylen       = 32
	offSMKey        = 36
	offAttrOffset   = 44
	offCompMask     = 48
)

// Method is the management method of a MAD
type Method uint8

const (
	MethodGet          Method = 0x01
	MethodSet          Method = 0x02
	MethodSend         Method = 0x03
	MethodReport       Method = 0x06
	MethodGetTable     Method = 0x12
	MethodGetTraceTbl  Method = 0x13
	MethodGetMulti     Method = 0x14
	MethodDelete       Method = 0x15
	MethodResponseMask Method = 0x80

	MethodGetResp      = MethodGet | MethodResponseMask
	MethodReportResp   = MethodReport | MethodResponseMask
	MethodGetTableResp = MethodGetTable | MethodResponseMask
	MethodGetMultiResp = MethodGetMulti | MethodResponseMask
	MethodDeleteResp   = MethodDelete | MethodResponseMask
)

// IsResponse reports whether the response bit is set
func (m Method) IsResponse() bool {
	return m&MethodResponseMask != 0
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "SubnAdmGet"
	case MethodSet:
		return "SubnAdmSet"
	case MethodSend:
		return "SubnAdmSend"
	case MethodReport:
		return "SubnAdmReport"
	case MethodGetTable:
		return "SubnAdmGetTable"
	case MethodGetTraceTbl:
		return "SubnAdmGetTraceTable"
	case MethodGetMulti:
		return "SubnAdmGetMulti"
	case MethodDelete:
		return "SubnAdmDelete"
	case MethodGetResp:
		return "SubnAdmGetResp"
	case MethodReportResp:
		return "SubnAdmReportResp"
	case MethodGetTableResp:
		return "SubnAdmGetTableResp"
	case MethodGetMultiResp:
		return "SubnAdmGetMultiResp"
	case MethodDeleteResp:
		return "SubnAdmDeleteResp"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(m))
}

// Status is the 16-bit MAD status word as seen on the wire
type Status uint16

const (
	StatusSuccess           Status = 0x0000
	StatusRDMAComplete      Status = 0x0009
	StatusNoResources       Status = 0x0100
	StatusReqInvalid        Status = 0x0200
	StatusNoRecords         Status = 0x0300
	StatusTooManyRecords    Status = 0x0400
	StatusInvalidGID        Status = 0x0500
	StatusInsufficientComps Status = 0x0600
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusRDMAComplete:
		return "RDMA_COMPLETE"
	case StatusNoResources:
		return "NO_RESOURCES"
	case StatusReqInvalid:
		return "REQ_INVALID"
	case StatusNoRecords:
		return "NO_RECORDS"
	case StatusTooManyRecords:
		return "TOO_MANY_RECORDS"
	case StatusInvalidGID:
		return "INVALID_GID"
	case StatusInsufficientComps:
		return "INSUFFICIENT_COMPONENTS"
	}
	return fmt.Sprintf("0x%04x", uint16(s))
}

// SAMAD is a view over the raw bytes of an SA class MAD.
// The slice must be at least SAHeaderSize long; all fields are big-endian.
type SAMAD []byte

// NewSAMAD allocates a zeroed MAD able to carry size bytes (never less than one block)
func NewSAMAD(size int) SAMAD {
	if size < MADSize {
		size = MADSize
	}
	return make(SAMAD, size)
}

// Validate checks that the buffer can hold an SA header
func (m SAMAD) Validate() error {
	if len(m) < SAHeaderSize {
		return fmt.Errorf("short SA MAD: %d bytes", len(m))
	}
	return nil
}

func (m SAMAD) BaseVersion() uint8     { return m[offBaseVersion] }
func (m SAMAD) MgmtClass() uint8       { return m[offMgmtClass] }
func (m SAMAD) ClassVersion() uint8    { return m[offClassVersion] }
func (m SAMAD) Method() Method         { return Method(m[offMethod]) }
func (m SAMAD) SetMethod(v Method)     { m[offMethod] = uint8(v) }
func (m SAMAD) Status() Status         { return Status(binary.BigEndian.Uint16(m[offStatus:])) }
func (m SAMAD) SetStatus(s Status)     { binary.BigEndian.PutUint16(m[offStatus:], uint16(s)) }
func (m SAMAD) TID() uint64            { return binary.BigEndian.Uint64(m[offTID:]) }
func (m SAMAD) SetTID(v uint64)        { binary.BigEndian.PutUint64(m[offTID:], v) }
func (m SAMAD) AttrID() AttrID         { return AttrID(binary.BigEndian.Uint16(m[offAttrID:])) }
func (m SAMAD) SetAttrID(v AttrID)     { binary.BigEndian.PutUint16(m[offAttrID:], uint16(v)) }
func (m SAMAD) Resv1() uint16          { return binary.BigEndian.Uint16(m[offResv1:]) }
func (m SAMAD) SetResv1(v uint16)      { binary.BigEndian.PutUint16(m[offResv1:], v) }
func (m SAMAD) AttrMod() uint32        { return binary.BigEndian.Uint32(m[offAttrMod:]) }
func (m SAMAD) SetAttrMod(v uint32)    { binary.BigEndian.PutUint32(m[offAttrMod:], v) }
func (m SAMAD) RMPPVersion() uint8     { return m[offRMPPVersion] }
func (m SAMAD) SetRMPPVersion(v uint8) { m[offRMPPVersion] = v }
func (m SAMAD) RMPPType() uint8        { return m[offRMPPType] }
func (m SAMAD) SetRMPPType(v uint8)    { m[offRMPPType] = v }
func (m SAMAD) RMPPFlags() uint8       { return m[offRMPPFlags] }
func (m SAMAD) SetRMPPFlags(v uint8)   { m[offRMPPFlags] = v }
func (m SAMAD) RMPPStatus() uint8      { return m[offRMPPStatus] }
func (m SAMAD) SegNum() uint32         { return binary.BigEndian.Uint32(m[offSegNum:]) }
func (m SAMAD) PayloadLen() uint32     { return binary.BigEndian.Uint32(m[offPaylen:]) }
func (m SAMAD) SMKey() uint64          { return binary.BigEndian.Uint64(m[offSMKey:]) }
func (m SAMAD) SetSMKey(v uint64)      { binary.BigEndian.PutUint64(m[offSMKey:], v) }
func (m SAMAD) AttrOffset() uint16     { return binary.BigEndian.Uint16(m[offAttrOffset:]) }
func (m SAMAD) SetAttrOffset(v uint16) { binary.BigEndian.PutUint16(m[offAttrOffset:], v) }
func (m SAMAD) CompMask() uint64       { return binary.BigEndian.Uint64(m[offCompMask:]) }
func (m SAMAD) SetCompMask(v uint64)   { binary.BigEndian.PutUint64(m[offCompMask:], v) }

// Header returns the fixed 56-byte header
func (m SAMAD) Header() []byte { return m[:SAHeaderSize] }

// Payload returns everything after the header
func (m SAMAD) Payload() []byte { return m[SAHeaderSize:] }

// RDMARequested reports whether the client asked for out-of-band delivery
func (m SAMAD) RDMARequested() bool {
	return m.Resv1()&RDMARequestFlag != 0
}

// SetRDMALength stores the number of bytes written by the RDMA transfer in
// data word 49. Unlike the rest of the MAD the word is in host byte order;
// clients on the same fabric read it as a native u32.
func (m SAMAD) SetRDMALength(n uint32) {
	binary.NativeEndian.PutUint32(m[RDMALengthOffset:], n)
}

// RDMALength reads data word 49 in host byte order
func (m SAMAD) RDMALength() uint32 {
	return binary.NativeEndian.Uint32(m[RDMALengthOffset:])
}

// AttrOffsetFor returns the attribute offset, in 8-byte words, for records of attrSize bytes
func AttrOffsetFor(attrSize int) uint16 {
	return uint16(attrSize >> 3)
}

// InitSARequest fills the fixed header fields of a new SA request
func InitSARequest(m SAMAD, method Method, attr AttrID, tid uint64) {
	m[offBaseVersion] = BaseVersion
	m[offMgmtClass] = MgmtClassSubnAdm
	m[offClassVersion] = ClassVersionSA
	m.SetMethod(method)
	m.SetTID(tid)
	m.SetAttrID(attr)
}
