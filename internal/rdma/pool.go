package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Handle names a queue pair slot in the pool
type Handle int

// slot is one queue pair together with its exclusivity lock.
// mu is held from attach until detach.
type slot struct {
	mu       sync.Mutex
	qp       QueuePair
	attached atomic.Bool
	broken   atomic.Bool
	comp     chan Completion
	gen      uint32
	// wrID is the work request id of the current attachment
	wrID     atomic.Uint64
}

// qpPool is a fixed arena of queue pair slots indexed by Handle
type qpPool struct {
	slots     []*slot
	free      chan Handle
	healthy   atomic.Int32
	exhausted chan struct{}
	closeOnce sync.Once
}

func newQPPool(qps []QueuePair) *qpPool {
	p := &qpPool{
		slots:     make([]*slot, len(qps)),
		free:      make(chan Handle, len(qps)),
		exhausted: make(chan struct{}),
	}
	for i, qp := range qps {
		p.slots[i] = &slot{qp: qp, comp: make(chan Completion, 1)}
		p.free <- Handle(i)
	}
	p.healthy.Store(int32(len(qps)))
	return p
}

func (p *qpPool) get(h Handle) (*slot, error) {
	if int(h) < 0 || int(h) >= len(p.slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return p.slots[h], nil
}

// acquire blocks until a slot is free, the pool has no healthy slot left
// or ctx is done. The returned slot is locked.
func (p *qpPool) acquire(ctx context.Context) (Handle, *slot, error) {
	if p.healthy.Load() == 0 {
		return 0, nil, ErrPoolExhausted
	}
	select {
	case h := <-p.free:
		s := p.slots[h]
		s.mu.Lock()
		s.gen++
		s.wrID.Store(attachWRID(s.gen))
		s.attached.Store(true)
		return h, s, nil
	case <-p.exhausted:
		return 0, nil, ErrPoolExhausted
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// release unlocks the slot and hands it back unless it was quarantined
func (p *qpPool) release(h Handle, s *slot) {
	// drop a completion that arrived after its waiter gave up
	select {
	case <-s.comp:
	default:
	}
	s.attached.Store(false)
	s.mu.Unlock()
	if s.broken.Load() {
		return
	}
	p.free <- h
}

func (p *qpPool) quarantine(h Handle, s *slot) {
	if s.broken.Swap(true) {
		return
	}
	left := p.healthy.Add(-1)
	log.Error().Int("slot", int(h)).Uint32("qpn", s.qp.QPN()).Int32("healthy", left).Msg("Queue pair quarantined")
	if left == 0 {
		p.closeOnce.Do(func() { close(p.exhausted) })
	}
}

// attachWRID keeps SendWRID in the low word and the attach generation in
// the high word so a completion left over from an earlier attach never
// matches the current one.
func attachWRID(gen uint32) uint64 {
	return uint64(gen)<<32 | SendWRID
}

// deliver routes a completion polled by another waiter to the owner slot
func (p *qpPool) deliver(c Completion) bool {
	for _, s := range p.slots {
		if s.qp.QPN() != c.QPN {
			continue
		}
		if !s.attached.Load() || s.wrID.Load() != c.WRID {
			return false
		}
		select {
		case s.comp <- c:
			return true
		default:
			return false
		}
	}
	return false
}

func (p *qpPool) destroy() error {
	var errs []error
	for i := len(p.slots) - 1; i >= 0; i-- {
		if err := p.slots[i].qp.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy QP 0x%x: %w", p.slots[i].qp.QPN(), err))
		}
	}
	return errors.Join(errs...)
}
