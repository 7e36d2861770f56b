// Package rdmatest provides an in-memory RDMA device for tests. Writes are
// copied into a map keyed by remote address and complete immediately.
package rdmatest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
)

var ErrInjected = errors.New("injected failure")

// Write is one RDMA write observed by the fake device
type Write struct {
	QPN    uint32
	WRID   uint64
	Data   []byte
	Remote mad.RemoteDescriptor
}

// Device implements rdma.Device
type Device struct {
	mu sync.Mutex

	QPs    []*QueuePair
	Writes []Write
	Closed bool

	// FailCreateAt fails the n-th CreateQueuePair call (1-based)
	FailCreateAt int
	FailRegister bool
	PollErr      error
	// HoldCompletions keeps posted writes from ever completing
	HoldCompletions  bool
	CompletionStatus int

	creates   int
	nextQPN   uint32
	nextAddr  uint64
	cq        []rdma.Completion
	liveMRs   int
	pollCount int
}

// NewDevice returns an empty fake device
func NewDevice() *Device {
	return &Device{nextQPN: 0x100, nextAddr: 0x10000}
}

func (d *Device) Name() string { return "fake0" }

func (d *Device) CreateQueuePair() (rdma.QueuePair, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates++
	if d.FailCreateAt == d.creates {
		return nil, ErrInjected
	}
	qp := &QueuePair{dev: d, qpn: d.nextQPN, State: "RESET"}
	d.nextQPN++
	d.QPs = append(d.QPs, qp)
	return qp, nil
}

func (d *Device) Register(size int, access rdma.Access) (rdma.MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailRegister {
		return nil, ErrInjected
	}
	mr := &Region{dev: d, data: make([]byte, size), addr: d.nextAddr, Access: access}
	d.nextAddr += uint64(size + 4096)
	d.liveMRs++
	return mr, nil
}

func (d *Device) PollCompletion() (rdma.Completion, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollCount++
	if d.PollErr != nil {
		return rdma.Completion{}, false, d.PollErr
	}
	if len(d.cq) == 0 {
		return rdma.Completion{}, false, nil
	}
	c := d.cq[0]
	d.cq = d.cq[1:]
	return c, true, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// LiveRegions counts registered regions not yet deregistered
func (d *Device) LiveRegions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.liveMRs
}

// WriteLog returns a copy of every write seen so far
func (d *Device) WriteLog() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.Writes...)
}

// Complete pushes a completion as if the hardware had produced it
func (d *Device) Complete(c rdma.Completion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cq = append(d.cq, c)
}

// QueuePair implements rdma.QueuePair
type QueuePair struct {
	dev *Device
	qpn uint32

	State       string
	Transitions []string
	LastAccess  rdma.Access
	LastRTR     rdma.RTRParams
	LastRTS     rdma.RTSParams
	Destroyed   bool

	FailRTR   error
	FailRTS   error
	FailReset error
	// FailIdleInit fails the INIT transition made while detaching
	FailIdleInit error
	FailPost     error
}

func (q *QueuePair) QPN() uint32 { return q.qpn }

func (q *QueuePair) transition(to string, fail error) error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if fail != nil {
		return fail
	}
	q.State = to
	q.Transitions = append(q.Transitions, to)
	return nil
}

func (q *QueuePair) ToInit(access rdma.Access) error {
	var fail error
	if access == 0 {
		fail = q.FailIdleInit
	}
	if err := q.transition("INIT", fail); err != nil {
		return err
	}
	q.dev.mu.Lock()
	q.LastAccess = access
	q.dev.mu.Unlock()
	return nil
}

func (q *QueuePair) ToRTR(p rdma.RTRParams) error {
	if err := q.transition("RTR", q.FailRTR); err != nil {
		return err
	}
	q.dev.mu.Lock()
	q.LastRTR = p
	q.dev.mu.Unlock()
	return nil
}

func (q *QueuePair) ToRTS(p rdma.RTSParams) error {
	if err := q.transition("RTS", q.FailRTS); err != nil {
		return err
	}
	q.dev.mu.Lock()
	q.LastRTS = p
	q.dev.mu.Unlock()
	return nil
}

func (q *QueuePair) ToReset() error {
	return q.transition("RESET", q.FailReset)
}

func (q *QueuePair) PostWrite(wrID uint64, mr rdma.MemoryRegion, length int, remote mad.RemoteDescriptor) error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if q.FailPost != nil {
		return q.FailPost
	}
	if q.State != "RTS" {
		return fmt.Errorf("QP 0x%x is in %s", q.qpn, q.State)
	}
	data := append([]byte(nil), mr.Bytes()[:length]...)
	q.dev.Writes = append(q.dev.Writes, Write{QPN: q.qpn, WRID: wrID, Data: data, Remote: remote})
	if !q.dev.HoldCompletions {
		q.dev.cq = append(q.dev.cq, rdma.Completion{
			WRID:   wrID,
			QPN:    q.qpn,
			Status: q.dev.CompletionStatus,
			Bytes:  uint32(length),
		})
	}
	return nil
}

func (q *QueuePair) Destroy() error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	q.Destroyed = true
	return nil
}

// Snapshot returns the current state and the transition history under the device lock
func (q *QueuePair) Snapshot() (string, []string) {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	return q.State, append([]string(nil), q.Transitions...)
}

// Region implements rdma.MemoryRegion
type Region struct {
	dev    *Device
	data   []byte
	addr   uint64
	freed  bool
	Access rdma.Access
}

func (r *Region) Bytes() []byte { return r.data }
func (r *Region) Addr() uint64  { return r.addr }
func (r *Region) LKey() uint32  { return uint32(r.addr >> 12) }

func (r *Region) Deregister() error {
	r.dev.mu.Lock()
	defer r.dev.mu.Unlock()
	if r.freed {
		return errors.New("region deregistered twice")
	}
	r.freed = true
	r.dev.liveMRs--
	return nil
}
