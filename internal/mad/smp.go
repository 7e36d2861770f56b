package mad

const (
	MgmtClassSubnLID      = 0x01
	MgmtClassSubnDirected = 0x81

	// SMPDataOffset is where the 64-byte SMP payload starts
	SMPDataOffset = 64
	SMPDataSize   = 64
)

const (
	AttrSMPPKeyTable     AttrID = 0x0016
	AttrSMPVLArbitration AttrID = 0x0018
)

const (
	smpAttrModPortShift        = 16
	smpAttrModBlockMask uint32 = 0xffff
)

// SMPData returns the SMP payload of a subnet management packet
func (m SAMAD) SMPData() []byte {
	return m[SMPDataOffset : SMPDataOffset+SMPDataSize]
}

// SMPPortBlock splits the attribute modifier of a P_Key or VL arbitration
// table SMP into port number and block
func (m SAMAD) SMPPortBlock() (port uint8, block uint16) {
	mod := m.AttrMod()
	return uint8(mod >> smpAttrModPortShift), uint16(mod & smpAttrModBlockMask)
}

// Classify picks the dispatcher message for a received MAD: SA requests by
// attribute, and P_Key / VL arbitration table responses from ports.
func Classify(m SAMAD) MsgID {
	if len(m) < MADSize {
		return MsgNone
	}
	switch m.MgmtClass() {
	case MgmtClassSubnAdm:
		if m.Method().IsResponse() {
			return MsgNone
		}
		return MsgIDForAttr(m.AttrID())
	case MgmtClassSubnLID, MgmtClassSubnDirected:
		if m.Method() != MethodGetResp {
			return MsgNone
		}
		switch m.AttrID() {
		case AttrSMPPKeyTable:
			return MsgPKeyTable
		case AttrSMPVLArbitration:
			return MsgVLArb
		}
	}
	return MsgNone
}

// smpDirection is the D bit of a directed route SMP status word
const smpDirection Status = 0x8000

// SMPStatus returns the status of an SMP without the direction bit
func (m SAMAD) SMPStatus() Status {
	return m.Status() &^ smpDirection
}

// InitSMPRequest fills the header of a LID routed SMP
func InitSMPRequest(m SAMAD, method Method, attr AttrID, tid uint64) {
	m[offBaseVersion] = BaseVersion
	m[offMgmtClass] = MgmtClassSubnLID
	m[offClassVersion] = BaseVersion
	m.SetMethod(method)
	m.SetTID(tid)
	m.SetAttrID(attr)
}
