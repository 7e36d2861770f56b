package mad

import "encoding/binary"

// Address is the reverse path of a received MAD, used to route the response
type Address struct {
	DestLID    uint16
	PathBits   uint8
	StaticRate uint8
	RemoteQP   uint32
	RemoteQKey uint32
	PKeyIndex  uint16
	SL         uint8
}

// Wrapper couples MAD bytes with addressing and the dispatcher context
type Wrapper struct {
	MAD     SAMAD
	Addr    Address
	Context Context
}

// NewWrapper allocates a response wrapper of size bytes addressed like req
func NewWrapper(size int, addr Address) *Wrapper {
	return &Wrapper{MAD: NewSAMAD(size), Addr: addr}
}

// RemoteDescriptor is the client buffer announced in an RDMA request
type RemoteDescriptor struct {
	QPN    uint32
	Addr   uint64
	RKey   uint32
	Length uint32
}

// RDMADescriptor decodes the client descriptor from the tail of the first MAD block
func (m SAMAD) RDMADescriptor() RemoteDescriptor {
	b := m[RDMADescriptorOffset:MADSize]
	return RemoteDescriptor{
		QPN:    binary.BigEndian.Uint32(b[0:4]),
		Addr:   binary.BigEndian.Uint64(b[4:12]),
		RKey:   binary.BigEndian.Uint32(b[12:16]),
		Length: binary.BigEndian.Uint32(b[16:20]),
	}
}

// PutRDMADescriptor encodes d into the tail of the first MAD block
func (m SAMAD) PutRDMADescriptor(d RemoteDescriptor) {
	b := m[RDMADescriptorOffset:MADSize]
	binary.BigEndian.PutUint32(b[0:4], d.QPN)
	binary.BigEndian.PutUint64(b[4:12], d.Addr)
	binary.BigEndian.PutUint32(b[12:16], d.RKey)
	binary.BigEndian.PutUint32(b[16:20], d.Length)
}
