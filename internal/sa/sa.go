// Package sa implements the Subnet Administration service: attribute
// handlers, the responder that frames record sets into SA responses (in-band
// or through an RDMA write into the client's buffer) and the lifecycle that
// registers the handlers with the dispatcher.
package sa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/ibsa/internal/dispatch"
	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
	"github.com/yuuki/ibsa/internal/state"
	"github.com/yuuki/ibsa/internal/subnet"
)

const (
	DefaultLeaseCheckInterval = time.Second
	fatalQueueDepth           = 8
)

var ErrNotReady = errors.New("SA service is not ready")

// MADTransport sends and receives MADs on one local port
type MADTransport interface {
	Bind(portGUID uint64) error
	Unbind() error
	Send(w *mad.Wrapper, respExpected bool) error
}

// Dispatcher registers handlers per message id
type Dispatcher interface {
	Register(id mad.MsgID, h dispatch.Handler) (dispatch.Binding, error)
	Unregister(b dispatch.Binding)
}

// RDMA is the bulk transfer path used for responses that asked for it
type RDMA interface {
	DeviceName() string
	Attach(ctx context.Context, remote mad.RemoteDescriptor, path rdma.PathInfo) (rdma.Handle, error)
	Detach(h rdma.Handle) error
	AllocateBuffer(size int) (*rdma.Buffer, error)
	FreeBuffer(b *rdma.Buffer)
	PostSend(h rdma.Handle, b *rdma.Buffer, remote mad.RemoteDescriptor) error
	WaitCompletion(ctx context.Context, h rdma.Handle, timeout time.Duration) error
	Close() error
}

// RDMAOpener opens the RDMA path on the HCA owning portGUID
type RDMAOpener func(portGUID uint64) (RDMA, error)

// Config holds the SA settings
type Config struct {
	// SegmentedDelivery lets the MAD transport segment large responses.
	// In-band tables are trimmed to the records fitting one MAD only when it
	// is false; the setting stands in for RMPP support of the MAD layer.
	SegmentedDelivery     bool
	RDMAEnabled           bool
	RDMACompletionTimeout time.Duration
	// RDMARatePerSecond caps RDMA transfers; zero is unlimited
	RDMARatePerSecond  int
	LeaseCheckInterval time.Duration
}

// Deps are the collaborators of the SA
type Deps struct {
	Subnet     *subnet.Subnet
	State      *state.ServiceState
	MADs       MADTransport
	Dispatcher Dispatcher
	OpenRDMA   RDMAOpener
	Metrics    Metrics
}

// SA is the Subnet Administration service
type SA struct {
	cfg     Config
	subnet  *subnet.Subnet
	state   *state.ServiceState
	mads    MADTransport
	disp    Dispatcher
	open    RDMAOpener
	metrics Metrics
	limiter ratelimit.Limiter

	// rdmaMu is held shared for the whole of an RDMA delivery
	rdmaMu sync.RWMutex
	rdma   RDMA

	bindings []dispatch.Binding
	lease    *leaseTimer
	fatal    chan *rdma.FatalError
	now      func() time.Time
}

// New creates the SA in the Init state
func New(cfg Config, deps Deps) *SA {
	if cfg.RDMACompletionTimeout <= 0 {
		cfg.RDMACompletionTimeout = rdma.DefaultCompletionTimeout
	}
	if cfg.LeaseCheckInterval <= 0 {
		cfg.LeaseCheckInterval = DefaultLeaseCheckInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.RDMARatePerSecond > 0 {
		limiter = ratelimit.New(cfg.RDMARatePerSecond)
	}

	s := &SA{
		cfg:     cfg,
		subnet:  deps.Subnet,
		state:   deps.State,
		mads:    deps.MADs,
		disp:    deps.Dispatcher,
		open:    deps.OpenRDMA,
		metrics: deps.Metrics,
		limiter: limiter,
		fatal:   make(chan *rdma.FatalError, fatalQueueDepth),
		now:     time.Now,
	}
	s.lease = newLeaseTimer(s.expireLeases)
	s.state.SetLifecycle(state.LifecycleInit)
	return s
}

type registration struct {
	id      mad.MsgID
	handler dispatch.Handler
}

func (s *SA) registrations() []registration {
	regs := []registration{
		{mad.MsgClassPortInfo, s.handleClassPortInfo},
		{mad.MsgNodeRecord, s.handleEmptyTable},
		{mad.MsgPortInfoRecord, s.handleEmptyTable},
		{mad.MsgGUIDInfoRecord, s.handleGUIDInfoRecord},
		{mad.MsgLinkRecord, s.handleEmptyTable},
		{mad.MsgPathRecord, s.handleEmptyTable},
	}
	if s.cfg.SegmentedDelivery {
		regs = append(regs, registration{mad.MsgMultiPathRecord, s.handleEmptyTable})
	}
	regs = append(regs,
		registration{mad.MsgSMInfoRecord, s.handleEmptyTable},
		registration{mad.MsgMCMemberRecord, s.handleMCMemberRecord},
		registration{mad.MsgServiceRecord, s.handleServiceRecord},
		registration{mad.MsgInformInfo, s.handleInformInfo},
		registration{mad.MsgInformInfoRecord, s.handleInformInfoRecord},
		registration{mad.MsgVLArbRecord, s.handleVLArbRecord},
		registration{mad.MsgSLVLTableRecord, s.handleEmptyTable},
		registration{mad.MsgPKeyTableRecord, s.handlePKeyTableRecord},
		registration{mad.MsgLFTRecord, s.handleEmptyTable},
		registration{mad.MsgSwitchInfoRecord, s.handleEmptyTable},
		registration{mad.MsgMFTRecord, s.handleEmptyTable},
		registration{mad.MsgVLArb, s.handleVLArb},
		registration{mad.MsgPKeyTable, s.handlePKeyTable},
	)
	return regs
}

// Init moves the SA to Ready, starts the lease timer and registers one
// handler per supported record type. The first failed registration aborts
// Init; registrations made so far stay until Shutdown.
func (s *SA) Init() error {
	s.state.SetLifecycle(state.LifecycleReady)
	s.state.SetFabricChanged(true)
	s.lease.Start(s.cfg.LeaseCheckInterval)

	regs := s.registrations()
	s.bindings = make([]dispatch.Binding, 0, len(regs))
	for _, r := range regs {
		b, err := s.disp.Register(r.id, r.handler)
		if err != nil {
			return fmt.Errorf("failed to register %s handler: %w", r.id, err)
		}
		s.bindings = append(s.bindings, b)
	}
	log.Info().Int("handlers", len(regs)).Msg("SA service initialized")
	return nil
}

// Bind opens the RDMA path for portGUID, then binds the MAD transport. An
// RDMA failure only disables the fast path.
func (s *SA) Bind(portGUID uint64) error {
	if s.state.Lifecycle() != state.LifecycleReady {
		return ErrNotReady
	}

	dev := ""
	if s.cfg.RDMAEnabled && s.open != nil {
		tr, err := s.open(portGUID)
		if err != nil {
			log.Error().Err(err).Uint64("port_guid", portGUID).Msg("Failed to open RDMA transport")
			s.state.DisableRDMA(err.Error())
		} else {
			s.rdmaMu.Lock()
			s.rdma = tr
			s.rdmaMu.Unlock()
			dev = tr.DeviceName()
		}
	}
	s.state.SetBinding(portGUID, dev)

	if err := s.mads.Bind(portGUID); err != nil {
		return fmt.Errorf("failed to bind MAD transport to port 0x%016x: %w", portGUID, err)
	}
	log.Info().Uint64("port_guid", portGUID).Str("rdma_device", dev).Msg("SA bound")
	return nil
}

// Shutdown stops the lease timer, unbinds the MAD transport, drops every
// handler registration and closes the RDMA path
func (s *SA) Shutdown() {
	s.lease.Stop()

	if err := s.mads.Unbind(); err != nil {
		log.Warn().Err(err).Msg("Failed to unbind MAD transport")
	}
	for _, b := range s.bindings {
		s.disp.Unregister(b)
	}
	s.bindings = nil

	s.closeRDMA()
	s.state.SetLifecycle(state.LifecycleInit)
	log.Info().Msg("SA service stopped")
}

// Fatal delivers unrecoverable RDMA errors to the supervisor
func (s *SA) Fatal() <-chan *rdma.FatalError {
	return s.fatal
}

func (s *SA) reportFatal(ferr *rdma.FatalError) {
	log.Error().Err(ferr).Int("slot", int(ferr.Slot)).Uint32("qpn", ferr.QPN).Msg("Unrecoverable RDMA queue pair error")
	select {
	case s.fatal <- ferr:
	default:
		log.Warn().Msg("Fatal RDMA error queue full, dropping report")
	}
}

// DisableRDMA turns the fast path off and closes the transport once
// in-flight deliveries are done. Later RDMA requests are served in-band.
func (s *SA) DisableRDMA(reason string) {
	s.closeRDMA()
	s.state.DisableRDMA(reason)
}

func (s *SA) closeRDMA() {
	s.rdmaMu.Lock()
	tr := s.rdma
	s.rdma = nil
	s.rdmaMu.Unlock()
	if tr == nil {
		return
	}
	if err := tr.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close RDMA transport")
	}
}

// Send hands a response to the MAD transport and counts it
func (s *SA) Send(w *mad.Wrapper, respExpected bool) error {
	s.state.IncMADsSent()
	if err := s.mads.Send(w, respExpected); err != nil {
		s.state.DecMADsSent()
		return fmt.Errorf("failed to send %s %s: %w", w.MAD.Method(), w.MAD.AttrID(), err)
	}
	return nil
}

// SendError answers req with an error status. Nothing is sent once the
// service is exiting.
func (s *SA) SendError(ctx context.Context, req *mad.Wrapper, status mad.Status) {
	if s.state.IsExiting() {
		return
	}

	resp := mad.NewWrapper(mad.MADSize, req.Addr)
	copy(resp.MAD, req.MAD)
	m := resp.MAD
	m.SetStatus(status)
	if m.Method() == mad.MethodSet {
		m.SetMethod(mad.MethodGet)
	} else if m.Method() == mad.MethodGetTable {
		m.SetAttrOffset(0)
	}
	m.SetMethod(m.Method() | mad.MethodResponseMask)
	m.SetSMKey(0)
	// MultiPathRecord errors are reported as PathRecord
	if m.AttrID() == mad.AttrMultiPathRecord {
		m.SetAttrID(mad.AttrPathRecord)
	}

	log.Debug().
		Str("attr", req.MAD.AttrID().String()).
		Str("method", req.MAD.Method().String()).
		Uint64("tid", req.MAD.TID()).
		Str("status", status.String()).
		Msg("Sending SA error response")

	if err := s.Send(resp, false); err != nil {
		log.Error().Err(err).Uint64("tid", req.MAD.TID()).Msg("Failed to send error response")
		return
	}
	s.metrics.RecordResponse(ctx, req.MAD.AttrID(), status)
}

func (s *SA) expireLeases() time.Duration {
	now := uint32(s.now().Unix())
	s.subnet.Lock()
	removed, next := s.subnet.ExpireServices(now)
	s.subnet.Unlock()

	if removed > 0 {
		s.state.MarkDirty()
		log.Info().Int("removed", removed).Msg("Expired service records")
	}
	if next == 0 {
		return s.cfg.LeaseCheckInterval
	}
	return time.Duration(next) * time.Second
}

// TrimLease makes the lease check run within d
func (s *SA) TrimLease(d time.Duration) {
	s.lease.Trim(d)
}
