// Package subnet holds the SA-visible part of the subnet database: ports and
// their GUID tables, multicast groups, service records and event
// subscriptions.
//
// Subnet is guarded by a single RWMutex. Accessors and mutators do not lock;
// callers take RLock for reads and Lock for updates, mirroring the way the
// whole database is locked while it is swept, dumped or restored.
package subnet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// GUIDTableBlockSize is the number of GUIDs in one GUIDInfo block
const GUIDTableBlockSize = 8

var (
	ErrDuplicateAlias = errors.New("alias GUID already assigned")
	ErrUnknownPort    = errors.New("unknown port")
	ErrMLIDInUse      = errors.New("MLID used by another multicast group")
	ErrInvalidMLID    = errors.New("MLID outside the multicast range")
	ErrMLIDsExhausted = errors.New("no free MLID")
	ErrInvalidJoin    = errors.New("join state is empty")
	ErrInvalidBlock   = errors.New("table block out of range")
)

// GID is a 128-bit port or group identifier
type GID struct {
	Prefix      uint64
	InterfaceID uint64
}

func (g GID) IsZero() bool { return g.Prefix == 0 && g.InterfaceID == 0 }

func (g GID) String() string {
	return fmt.Sprintf("0x%016x:0x%016x", g.Prefix, g.InterfaceID)
}

// Less orders GIDs the way the MGID map is ordered
func (g GID) Less(o GID) bool {
	if g.Prefix != o.Prefix {
		return g.Prefix < o.Prefix
	}
	return g.InterfaceID < o.InterfaceID
}

// Port is an end port known to the SA
type Port struct {
	GUID     uint64
	NodeGUID uint64
	PortNum  uint8
	BaseLID  uint16
	GUIDCap  uint16
	// GUIDTable is nil until the first GUIDInfo block is set
	GUIDTable []uint64
	VLArb     [4][]byte
	PKeys     map[uint16][]byte
}

// GUIDBlocks returns how many GUIDInfo blocks cover GUIDCap
func (p *Port) GUIDBlocks() int {
	return (int(p.GUIDCap) + GUIDTableBlockSize - 1) / GUIDTableBlockSize
}

// GUIDBlock returns a copy of block n, or false when no table is allocated
func (p *Port) GUIDBlock(n int) ([GUIDTableBlockSize]uint64, bool) {
	var b [GUIDTableBlockSize]uint64
	if p.GUIDTable == nil || (n+1)*GUIDTableBlockSize > len(p.GUIDTable) {
		return b, false
	}
	copy(b[:], p.GUIDTable[n*GUIDTableBlockSize:])
	return b, true
}

// Options are subnet manager settings the SA consults or changes
type Options struct {
	FirstTimeMasterSweep bool
	NoClientsRereg       bool
	SubnetPrefix         uint64
}

// Subnet is the SA database
type Subnet struct {
	mu sync.RWMutex

	opts         Options
	mlidsInitMax uint16

	ports   map[uint64]*Port
	aliases map[uint64]*Port

	groups     map[GID]*MulticastGroup
	groupsMLID map[uint16]*MulticastGroup

	services []*ServiceRecord
	informs  []*InformRecord
}

// New creates an empty subnet database
func New(opts Options) *Subnet {
	return &Subnet{
		opts:       opts,
		ports:      make(map[uint64]*Port),
		aliases:    make(map[uint64]*Port),
		groups:     make(map[GID]*MulticastGroup),
		groupsMLID: make(map[uint16]*MulticastGroup),
	}
}

func (s *Subnet) Lock()    { s.mu.Lock() }
func (s *Subnet) Unlock()  { s.mu.Unlock() }
func (s *Subnet) RLock()   { s.mu.RLock() }
func (s *Subnet) RUnlock() { s.mu.RUnlock() }

func (s *Subnet) Options() Options         { return s.opts }
func (s *Subnet) SetNoClientsRereg(v bool) { s.opts.NoClientsRereg = v }

// SetFirstTimeMasterSweep records whether the next sweep is the first one as master
func (s *Subnet) SetFirstTimeMasterSweep(v bool) { s.opts.FirstTimeMasterSweep = v }

// MLIDsInitMax is the highest MLID seen while restoring groups
func (s *Subnet) MLIDsInitMax() uint16 { return s.mlidsInitMax }

// NoteLoadedMLID raises MLIDsInitMax to mlid if it is higher
func (s *Subnet) NoteLoadedMLID(mlid uint16) {
	if mlid > s.mlidsInitMax {
		s.mlidsInitMax = mlid
	}
}

// AddPort registers p and its base GUID as an alias of itself
func (s *Subnet) AddPort(p *Port) error {
	if _, ok := s.aliases[p.GUID]; ok {
		return fmt.Errorf("port 0x%016x: %w", p.GUID, ErrDuplicateAlias)
	}
	s.ports[p.GUID] = p
	s.aliases[p.GUID] = p
	return nil
}

// Port looks a port up by its base GUID
func (s *Subnet) Port(guid uint64) *Port {
	return s.ports[guid]
}

// PortByAlias looks a port up by any GUID assigned to it
func (s *Subnet) PortByAlias(guid uint64) *Port {
	return s.aliases[guid]
}

// PortByLID finds the port whose base LID is lid
func (s *Subnet) PortByLID(lid uint16) *Port {
	for _, p := range s.ports {
		if p.BaseLID == lid {
			return p
		}
	}
	return nil
}

// Ports returns all ports sorted by GUID
func (s *Subnet) Ports() []*Port {
	ports := make([]*Port, 0, len(s.ports))
	for _, p := range s.ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].GUID < ports[j].GUID })
	return ports
}

// AddAlias assigns guid to p. Any existing assignment, even to p, is a duplicate.
func (s *Subnet) AddAlias(guid uint64, p *Port) error {
	if owner, ok := s.aliases[guid]; ok {
		return fmt.Errorf("alias 0x%016x of port 0x%016x held by 0x%016x: %w",
			guid, p.GUID, owner.GUID, ErrDuplicateAlias)
	}
	s.aliases[guid] = p
	return nil
}

// EnsureGUIDTable allocates the GUID table of p when it has none. Entry 0
// always holds the port GUID.
func (s *Subnet) EnsureGUIDTable(p *Port) {
	if p.GUIDTable != nil {
		return
	}
	n := p.GUIDBlocks() * GUIDTableBlockSize
	if n == 0 {
		n = GUIDTableBlockSize
	}
	p.GUIDTable = make([]uint64, n)
	p.GUIDTable[0] = p.GUID
}

// SetGUIDBlock copies a block into the GUID table of p
func (s *Subnet) SetGUIDBlock(p *Port, block int, guids [GUIDTableBlockSize]uint64) error {
	s.EnsureGUIDTable(p)
	if block < 0 || (block+1)*GUIDTableBlockSize > len(p.GUIDTable) {
		return fmt.Errorf("GUID block %d of port 0x%016x: %w", block, p.GUID, ErrInvalidBlock)
	}
	copy(p.GUIDTable[block*GUIDTableBlockSize:], guids[:])
	if block == 0 {
		p.GUIDTable[0] = p.GUID
	}
	return nil
}

// SetVLArb stores one 64-byte VL arbitration block (1..4) on p
func (s *Subnet) SetVLArb(p *Port, block uint8, table []byte) error {
	if block < 1 || block > 4 {
		return fmt.Errorf("VL arbitration block %d: %w", block, ErrInvalidBlock)
	}
	p.VLArb[block-1] = append([]byte(nil), table...)
	return nil
}

// SetPKeyBlock stores one 64-byte P_Key block on p
func (s *Subnet) SetPKeyBlock(p *Port, block uint16, table []byte) {
	if p.PKeys == nil {
		p.PKeys = make(map[uint16][]byte)
	}
	p.PKeys[block] = append([]byte(nil), table...)
}
