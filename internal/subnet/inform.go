package subnet

// InformInfo is the InformInfo attribute in its generic form
type InformInfo struct {
	GID            GID
	LIDRangeBegin  uint16
	LIDRangeEnd    uint16
	IsGeneric      uint8
	Subscribe      uint8
	TrapType       uint16
	TrapNum        uint16
	QPNRespTimeVal uint32
	// NodeType holds the reserved byte and the 24-bit producer type
	NodeType uint32
}

// ProducerType is the 24-bit node type of the event producer
func (i InformInfo) ProducerType() uint32 { return i.NodeType & 0x00ffffff }

// ReportAddr is where reports for a subscription are sent
type ReportAddr struct {
	LID        uint16
	PathBits   uint8
	StaticRate uint8
	RemoteQP   uint32
	RemoteQKey uint32
	PKeyIndex  uint16
	SL         uint8
}

// InformRecord is a subscription: InformInfoRecord plus its report address
type InformRecord struct {
	SubscriberGID  GID
	SubscriberEnum uint16
	Info           InformInfo
	Addr           ReportAddr
}

// InformByRec finds a subscription equal to r
func (s *Subnet) InformByRec(r *InformRecord) *InformRecord {
	for _, ir := range s.informs {
		if *ir == *r {
			return ir
		}
	}
	return nil
}

// AddInform appends r unless an equal subscription exists
func (s *Subnet) AddInform(r *InformRecord) bool {
	if s.InformByRec(r) != nil {
		return false
	}
	s.informs = append(s.informs, r)
	return true
}

// RemoveInform drops the subscription equal to r
func (s *Subnet) RemoveInform(r *InformRecord) bool {
	for i, ir := range s.informs {
		if *ir == *r {
			s.informs = append(s.informs[:i], s.informs[i+1:]...)
			return true
		}
	}
	return false
}

// Informs returns subscriptions in insertion order
func (s *Subnet) Informs() []*InformRecord {
	return append([]*InformRecord(nil), s.informs...)
}
