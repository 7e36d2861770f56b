package subnet

// InfiniteLease marks a service record that never expires
const InfiniteLease uint32 = 0xffffffff

// ServiceRecord is the SA ServiceRecord attribute plus lease bookkeeping
type ServiceRecord struct {
	ID     uint64
	GID    GID
	PKey   uint16
	Lease  uint32
	Key    [16]byte
	Name   string
	Data8  [16]uint8
	Data16 [8]uint16
	Data32 [4]uint32
	Data64 [2]uint64

	// ModifiedTime is in seconds since the epoch
	ModifiedTime uint32
	// LeasePeriod is the remaining lease in seconds
	LeasePeriod uint32
}

func (r *ServiceRecord) sameRID(o *ServiceRecord) bool {
	return r.ID == o.ID && r.GID == o.GID && r.PKey == o.PKey
}

// ServiceByRID finds the record with the same id, GID and P_Key as r
func (s *Subnet) ServiceByRID(r *ServiceRecord) *ServiceRecord {
	for _, sr := range s.services {
		if sr.sameRID(r) {
			return sr
		}
	}
	return nil
}

// AddService appends r unless a record with the same RID exists
func (s *Subnet) AddService(r *ServiceRecord) bool {
	if s.ServiceByRID(r) != nil {
		return false
	}
	s.services = append(s.services, r)
	return true
}

// RemoveService removes the record with r's RID
func (s *Subnet) RemoveService(r *ServiceRecord) bool {
	for i, sr := range s.services {
		if sr.sameRID(r) {
			s.services = append(s.services[:i], s.services[i+1:]...)
			return true
		}
	}
	return false
}

// Services returns the records in insertion order
func (s *Subnet) Services() []*ServiceRecord {
	return append([]*ServiceRecord(nil), s.services...)
}

// ExpireServices charges the time elapsed since each record was last touched
// against its lease and drops the records whose lease ran out. It returns
// the number removed and the shortest remaining finite lease in seconds
// (zero when every record is infinite).
func (s *Subnet) ExpireServices(nowSec uint32) (removed int, nextSec uint32) {
	kept := s.services[:0]
	for _, sr := range s.services {
		if sr.LeasePeriod == InfiniteLease {
			kept = append(kept, sr)
			continue
		}
		elapsed := nowSec - sr.ModifiedTime
		if nowSec < sr.ModifiedTime {
			elapsed = 0
		}
		if elapsed >= sr.LeasePeriod {
			removed++
			continue
		}
		sr.LeasePeriod -= elapsed
		sr.ModifiedTime = nowSec
		if nextSec == 0 || sr.LeasePeriod < nextSec {
			nextSec = sr.LeasePeriod
		}
		kept = append(kept, sr)
	}
	for i := len(kept); i < len(s.services); i++ {
		s.services[i] = nil
	}
	s.services = kept
	return removed, nextSec
}
