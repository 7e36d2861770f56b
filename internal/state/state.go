package state

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Lifecycle is the SA service state
type Lifecycle int32

const (
	LifecycleInit Lifecycle = iota
	LifecycleReady
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleInit:
		return "init"
	case LifecycleReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ServiceState holds the counters and flags shared by the SA components.
// The counter and flags are atomics; the binding details are read through
// getters behind an RWMutex.
type ServiceState struct {
	madsSent      atomic.Int64
	dirty         atomic.Bool
	exiting       atomic.Bool
	fabricChanged atomic.Bool
	lifecycle     atomic.Int32

	portGUID     uint64
	rdmaDevice   string
	rdmaDisabled string
	mutex        sync.RWMutex
}

// NewServiceState creates a service state in LifecycleInit
func NewServiceState() *ServiceState {
	return &ServiceState{}
}

// IncMADsSent counts one MAD handed to the transport
func (s *ServiceState) IncMADsSent() int64 { return s.madsSent.Add(1) }

// DecMADsSent takes back a count after the transport refused a MAD
func (s *ServiceState) DecMADsSent() int64 { return s.madsSent.Add(-1) }

// MADsSent returns the number of MADs sent
func (s *ServiceState) MADsSent() int64 { return s.madsSent.Load() }

// MarkDirty records that persisted SA state changed
func (s *ServiceState) MarkDirty() { s.dirty.Store(true) }

func (s *ServiceState) ClearDirty() { s.dirty.Store(false) }

func (s *ServiceState) IsDirty() bool { return s.dirty.Load() }

// TakeDirty clears the dirty flag and reports whether it was set. Changes
// made after the call mark the state dirty again.
func (s *ServiceState) TakeDirty() bool { return s.dirty.Swap(false) }

// SetExiting tells the SA to stop answering with error responses
func (s *ServiceState) SetExiting() {
	if !s.exiting.Swap(true) {
		log.Debug().Msg("SA service state marked exiting")
	}
}

func (s *ServiceState) IsExiting() bool { return s.exiting.Load() }

// SetFabricChanged flags that the SA needs a subnet sweep
func (s *ServiceState) SetFabricChanged(v bool) { s.fabricChanged.Store(v) }

func (s *ServiceState) FabricChanged() bool { return s.fabricChanged.Load() }

func (s *ServiceState) SetLifecycle(l Lifecycle) { s.lifecycle.Store(int32(l)) }

func (s *ServiceState) Lifecycle() Lifecycle { return Lifecycle(s.lifecycle.Load()) }

// SetBinding records the port and RDMA device the SA is bound to
func (s *ServiceState) SetBinding(portGUID uint64, rdmaDevice string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.portGUID = portGUID
	s.rdmaDevice = rdmaDevice
	s.rdmaDisabled = ""
}

// GetPortGUID returns the bound port GUID
func (s *ServiceState) GetPortGUID() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.portGUID
}

// GetRDMADevice returns the RDMA device name, empty when RDMA is not in use
func (s *ServiceState) GetRDMADevice() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.rdmaDevice
}

// DisableRDMA records why the RDMA fast path was turned off
func (s *ServiceState) DisableRDMA(reason string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.rdmaDevice = ""
	s.rdmaDisabled = reason
	log.Warn().Str("reason", reason).Msg("RDMA delivery disabled, serving responses in-band")
}

// GetRDMADisabledReason returns the reason given to DisableRDMA
func (s *ServiceState) GetRDMADisabledReason() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.rdmaDisabled
}
