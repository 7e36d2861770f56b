package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ibsa/internal/mad"
)

// Transport owns an RDMA device, its shared completion queue and a pool of
// reliable-connection queue pairs used to push large responses to clients.
type Transport struct {
	dev  Device
	cfg  Config
	pool *qpPool
	cqMu sync.Mutex
}

// Open builds the queue pair pool on dev and parks every pair in INIT.
// Open takes ownership of dev and closes it when it fails.
func Open(dev Device, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()

	qps := make([]QueuePair, 0, cfg.PoolSize)
	cleanup := func() {
		for i := len(qps) - 1; i >= 0; i-- {
			if err := qps[i].Destroy(); err != nil {
				log.Warn().Err(err).Uint32("qpn", qps[i].QPN()).Msg("Failed to destroy QP during cleanup")
			}
		}
		if err := dev.Close(); err != nil {
			log.Warn().Err(err).Str("device", dev.Name()).Msg("Failed to close device during cleanup")
		}
	}

	for i := 0; i < cfg.PoolSize; i++ {
		qp, err := dev.CreateQueuePair()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create QP %d on %s: %w: %w", i, dev.Name(), ErrResourceExhausted, err)
		}
		qps = append(qps, qp)

		if err := qp.ToInit(QPAccess); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to modify QP 0x%x to INIT: %w: %w", qp.QPN(), ErrTransport, err)
		}
		log.Debug().Str("device", dev.Name()).Uint32("qpn", qp.QPN()).Int("slot", i).Msg("QP parked in INIT")
	}

	log.Info().Str("device", dev.Name()).Int("qps", cfg.PoolSize).Msg("RDMA transport ready")
	return &Transport{
		dev:  dev,
		cfg:  cfg,
		pool: newQPPool(qps),
	}, nil
}

// DeviceName returns the name of the underlying device
func (t *Transport) DeviceName() string {
	return t.dev.Name()
}

// Healthy returns the number of slots that have not been quarantined
func (t *Transport) Healthy() int {
	return int(t.pool.healthy.Load())
}

// Attach takes exclusive use of a free queue pair and connects it to the
// client's queue pair over path. It blocks until a pair is free or ctx is done.
func (t *Transport) Attach(ctx context.Context, remote mad.RemoteDescriptor, path PathInfo) (Handle, error) {
	h, s, err := t.pool.acquire(ctx)
	if err != nil {
		return 0, err
	}
	qpn := s.qp.QPN()

	if err := s.qp.ToRTR(rtrParams(remote, path)); err != nil {
		t.pool.release(h, s)
		return 0, fmt.Errorf("failed to modify QP 0x%x to RTR: %w: %w", qpn, ErrTransport, err)
	}
	log.Debug().Uint32("qpn", qpn).Uint32("dest_qpn", remote.QPN).Uint16("dlid", path.DLID).Uint8("sl", path.SL).Msg("QP state changed to RTR")

	if err := s.qp.ToRTS(rtsParams); err != nil {
		rtsErr := fmt.Errorf("failed to modify QP 0x%x to RTS: %w: %w", qpn, ErrTransport, err)
		if derr := t.Detach(h); derr != nil {
			return 0, errors.Join(rtsErr, derr)
		}
		return 0, rtsErr
	}
	log.Debug().Uint32("qpn", qpn).Msg("QP state changed to RTS")

	return h, nil
}

// Detach returns the queue pair to INIT and releases it. When the pair
// cannot be reset it is quarantined and a *FatalError is returned; the slot
// lock is released in every case.
func (t *Transport) Detach(h Handle) error {
	s, err := t.pool.get(h)
	if err != nil {
		return err
	}
	if !s.attached.Load() {
		return fmt.Errorf("%w: slot %d is not attached", ErrInvalidHandle, h)
	}
	qpn := s.qp.QPN()

	var ferr error
	if err := s.qp.ToReset(); err != nil {
		ferr = fmt.Errorf("failed to modify QP to RESET: %w", err)
	} else if err := s.qp.ToInit(0); err != nil {
		ferr = fmt.Errorf("failed to modify QP to INIT: %w", err)
	}
	if ferr != nil {
		t.pool.quarantine(h, s)
	}
	t.pool.release(h, s)

	if ferr != nil {
		return &FatalError{Slot: h, QPN: qpn, Err: ferr}
	}
	log.Debug().Uint32("qpn", qpn).Int("slot", int(h)).Msg("QP detached")
	return nil
}

// AllocateBuffer allocates and registers size bytes for local and remote access
func (t *Transport) AllocateBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	mr, err := t.dev.Register(size, BufferAccess)
	if err != nil {
		return nil, fmt.Errorf("failed to register %d byte buffer: %w: %w", size, ErrResourceExhausted, err)
	}
	return &Buffer{mr: mr, size: size}, nil
}

// FreeBuffer deregisters and releases b. It must be called once per buffer.
func (t *Transport) FreeBuffer(b *Buffer) {
	if err := b.mr.Deregister(); err != nil {
		log.Warn().Err(err).Int("size", b.size).Msg("Failed to deregister RDMA buffer")
	}
}

// PostSend posts one signaled RDMA write of the whole buffer to the remote region
func (t *Transport) PostSend(h Handle, b *Buffer, remote mad.RemoteDescriptor) error {
	s, err := t.pool.get(h)
	if err != nil {
		return err
	}
	if !s.attached.Load() {
		return fmt.Errorf("%w: slot %d is not attached", ErrInvalidHandle, h)
	}
	if err := s.qp.PostWrite(s.wrID.Load(), b.mr, b.size, remote); err != nil {
		return fmt.Errorf("failed to post RDMA write on QP 0x%x: %w: %w", s.qp.QPN(), ErrPostFailed, err)
	}
	log.Debug().Uint32("qpn", s.qp.QPN()).Int("bytes", b.size).Uint64("raddr", remote.Addr).Msg("Posted RDMA write")
	return nil
}

// WaitCompletion waits for the completion of the write posted on h.
// A zero timeout uses the configured default. It returns ErrTimeout when the
// deadline passes and ctx.Err() when ctx is cancelled first.
func (t *Transport) WaitCompletion(ctx context.Context, h Handle, timeout time.Duration) error {
	s, err := t.pool.get(h)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = t.cfg.CompletionTimeout
	}
	qpn := s.qp.QPN()
	wrID := s.wrID.Load()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-s.comp:
			if c.WRID == wrID {
				return checkCompletion(c)
			}
		default:
		}

		t.cqMu.Lock()
		c, ok, err := t.dev.PollCompletion()
		t.cqMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to poll CQ: %w: %w", ErrCompletion, err)
		}
		if ok {
			if c.QPN == qpn {
				if c.WRID == wrID {
					return checkCompletion(c)
				}
				log.Warn().Uint32("qpn", c.QPN).Uint64("wr_id", c.WRID).Uint64("want", wrID).Msg("Dropping stale completion")
				continue
			}
			if !t.pool.deliver(c) {
				log.Warn().Uint32("qpn", c.QPN).Uint64("wr_id", c.WRID).Msg("Dropping completion for idle QP")
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s on QP 0x%x", ErrTimeout, timeout, qpn)
		case <-ticker.C:
		}
	}
}

func checkCompletion(c Completion) error {
	if c.Status != 0 {
		return fmt.Errorf("%w: status %d wr_id 0x%x qpn 0x%x", ErrCompletion, c.Status, c.WRID, c.QPN)
	}
	return nil
}

// Close destroys every queue pair and closes the device
func (t *Transport) Close() error {
	err := t.pool.destroy()
	if cerr := t.dev.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close device %s: %w", t.dev.Name(), cerr))
	}
	log.Debug().Str("device", t.dev.Name()).Msg("RDMA transport closed")
	return err
}
