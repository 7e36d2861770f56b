package mad

import "fmt"

// AttrID identifies the SA attribute carried by a MAD
type AttrID uint16

const (
	AttrClassPortInfo    AttrID = 0x0001
	AttrNotice           AttrID = 0x0002
	AttrInformInfo       AttrID = 0x0003
	AttrNodeRecord       AttrID = 0x0011
	AttrPortInfoRecord   AttrID = 0x0012
	AttrSLVLTableRecord  AttrID = 0x0013
	AttrSwitchInfoRecord AttrID = 0x0014
	AttrLFTRecord        AttrID = 0x0015
	AttrMFTRecord        AttrID = 0x0017
	AttrSMInfoRecord     AttrID = 0x0018
	AttrLinkRecord       AttrID = 0x0020
	AttrGUIDInfoRecord   AttrID = 0x0030
	AttrServiceRecord    AttrID = 0x0031
	AttrPKeyTableRecord  AttrID = 0x0033
	AttrPathRecord       AttrID = 0x0035
	AttrVLArbRecord      AttrID = 0x0036
	AttrMCMemberRecord   AttrID = 0x0038
	AttrTraceRecord      AttrID = 0x0039
	AttrMultiPathRecord  AttrID = 0x003A
	AttrInformInfoRecord AttrID = 0x00F3
)

var attrNames = map[AttrID]string{
	AttrClassPortInfo:    "ClassPortInfo",
	AttrNotice:           "Notice",
	AttrInformInfo:       "InformInfo",
	AttrNodeRecord:       "NodeRecord",
	AttrPortInfoRecord:   "PortInfoRecord",
	AttrSLVLTableRecord:  "SL2VLTableRecord",
	AttrSwitchInfoRecord: "SwitchInfoRecord",
	AttrLFTRecord:        "LinearForwardingTableRecord",
	AttrMFTRecord:        "MulticastForwardingTableRecord",
	AttrSMInfoRecord:     "SMInfoRecord",
	AttrLinkRecord:       "LinkRecord",
	AttrGUIDInfoRecord:   "GuidInfoRecord",
	AttrServiceRecord:    "ServiceRecord",
	AttrPKeyTableRecord:  "P_KeyTableRecord",
	AttrPathRecord:       "PathRecord",
	AttrVLArbRecord:      "VLArbitrationTableRecord",
	AttrMCMemberRecord:   "MCMemberRecord",
	AttrTraceRecord:      "TraceRecord",
	AttrMultiPathRecord:  "MultiPathRecord",
	AttrInformInfoRecord: "InformInfoRecord",
}

func (a AttrID) String() string {
	if name, ok := attrNames[a]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(a))
}

// MsgID is the dispatcher key a received MAD is routed by
type MsgID int

const (
	MsgNone MsgID = iota
	MsgClassPortInfo
	MsgNodeRecord
	MsgPortInfoRecord
	MsgGUIDInfoRecord
	MsgLinkRecord
	MsgPathRecord
	MsgMultiPathRecord
	MsgSMInfoRecord
	MsgMCMemberRecord
	MsgServiceRecord
	MsgInformInfo
	MsgInformInfoRecord
	MsgVLArbRecord
	MsgSLVLTableRecord
	MsgPKeyTableRecord
	MsgLFTRecord
	MsgSwitchInfoRecord
	MsgMFTRecord
	// MsgVLArb carries a VL arbitration table fetched from a port by the SM
	MsgVLArb
	// MsgPKeyTable carries a P_Key table block fetched from a port by the SM
	MsgPKeyTable
)

var msgNames = map[MsgID]string{
	MsgClassPortInfo:    "class_port_info",
	MsgNodeRecord:       "node_record",
	MsgPortInfoRecord:   "portinfo_record",
	MsgGUIDInfoRecord:   "guidinfo_record",
	MsgLinkRecord:       "link_record",
	MsgPathRecord:       "path_record",
	MsgMultiPathRecord:  "multipath_record",
	MsgSMInfoRecord:     "sminfo_record",
	MsgMCMemberRecord:   "mcmember_record",
	MsgServiceRecord:    "service_record",
	MsgInformInfo:       "inform_info",
	MsgInformInfoRecord: "inform_info_record",
	MsgVLArbRecord:      "vl_arb_record",
	MsgSLVLTableRecord:  "slvl_tbl_record",
	MsgPKeyTableRecord:  "pkey_tbl_record",
	MsgLFTRecord:        "lft_record",
	MsgSwitchInfoRecord: "switch_info_record",
	MsgMFTRecord:        "mft_record",
	MsgVLArb:            "vl_arb",
	MsgPKeyTable:        "pkey_table",
}

func (id MsgID) String() string {
	if name, ok := msgNames[id]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", int(id))
}

var attrMsgs = map[AttrID]MsgID{
	AttrClassPortInfo:    MsgClassPortInfo,
	AttrNodeRecord:       MsgNodeRecord,
	AttrPortInfoRecord:   MsgPortInfoRecord,
	AttrGUIDInfoRecord:   MsgGUIDInfoRecord,
	AttrLinkRecord:       MsgLinkRecord,
	AttrPathRecord:       MsgPathRecord,
	AttrMultiPathRecord:  MsgMultiPathRecord,
	AttrSMInfoRecord:     MsgSMInfoRecord,
	AttrMCMemberRecord:   MsgMCMemberRecord,
	AttrServiceRecord:    MsgServiceRecord,
	AttrInformInfo:       MsgInformInfo,
	AttrInformInfoRecord: MsgInformInfoRecord,
	AttrVLArbRecord:      MsgVLArbRecord,
	AttrSLVLTableRecord:  MsgSLVLTableRecord,
	AttrPKeyTableRecord:  MsgPKeyTableRecord,
	AttrLFTRecord:        MsgLFTRecord,
	AttrSwitchInfoRecord: MsgSwitchInfoRecord,
	AttrMFTRecord:        MsgMFTRecord,
}

// MsgIDForAttr maps an SA attribute to the dispatcher message that serves it
func MsgIDForAttr(a AttrID) MsgID {
	if id, ok := attrMsgs[a]; ok {
		return id
	}
	return MsgNone
}
