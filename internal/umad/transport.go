// Package umad moves MADs between the kernel user MAD interface and the
// dispatcher. Received SA requests are routed by attribute; P_Key and VL
// arbitration table responses get a context naming the port they describe.
package umad

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/dispatch"
	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/subnet"
)

var (
	ErrRecvTimeout = errors.New("umad receive timed out")
	ErrNotBound    = errors.New("MAD transport is not bound")
	ErrBound       = errors.New("MAD transport is already bound")
)

// Agent names a registered management class agent
type Agent int

const (
	AgentSA Agent = iota
	AgentSMPLID
	AgentSMPDirected
)

const (
	// MaxMADSize bounds one received MAD, RMPP reassembled
	MaxMADSize = 8192

	// InitialTID is the first transaction id used for requests sent from here
	InitialTID uint64 = 0xabc

	DefaultRecvTimeout = 100 * time.Millisecond
	DefaultSendTimeout = 200 * time.Millisecond
	DefaultRetries     = 3

	recvErrorBackoff = 10 * time.Millisecond
)

// PortAttr describes the local port a device was opened on
type PortAttr struct {
	CAName    string
	PortNum   int
	GUID      uint64
	BaseLID   uint16
	SMLID     uint16
	GIDPrefix uint64
}

// Device is the user MAD file of one local port
type Device interface {
	Port() PortAttr
	Send(agent Agent, b []byte, addr mad.Address, timeout time.Duration, retries int) error
	// Recv returns ErrRecvTimeout when nothing arrived within timeout
	Recv(b []byte, timeout time.Duration) (int, Agent, mad.Address, error)
	Close() error
}

// Opener opens the device for a port GUID. Zero selects caName/caPort.
type Opener func(caName string, caPort int, portGUID uint64) (Device, error)

// Poster queues a received MAD for its handler
type Poster interface {
	Post(ctx context.Context, id mad.MsgID, w *mad.Wrapper) error
}

// Config selects the local port and the umad timeouts
type Config struct {
	CAName      string
	CAPort      int
	SendTimeout time.Duration
	Retries     int
	RecvTimeout time.Duration
}

// Transport implements the SA's MAD transport over libibumad
type Transport struct {
	cfg    Config
	open   Opener
	poster Poster
	subnet *subnet.Subnet

	mu     sync.Mutex
	dev    Device
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tid      atomic.Uint64
	received atomic.Int64
	dropped  atomic.Int64
}

// New creates an unbound transport. Received MADs are posted to poster.
func New(cfg Config, open Opener, poster Poster, sn *subnet.Subnet) *Transport {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	t := &Transport{cfg: cfg, open: open, poster: poster, subnet: sn}
	t.tid.Store(InitialTID)
	return t
}

// Bind opens the port and starts receiving
func (t *Transport) Bind(portGUID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return ErrBound
	}

	dev, err := t.open(t.cfg.CAName, t.cfg.CAPort, portGUID)
	if err != nil {
		return fmt.Errorf("failed to open umad port: %w", err)
	}
	t.dev = dev

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.receive(ctx, dev)

	pa := dev.Port()
	log.Info().
		Str("ca", pa.CAName).
		Int("port", pa.PortNum).
		Str("port_guid", fmt.Sprintf("0x%016x", pa.GUID)).
		Uint16("lid", pa.BaseLID).
		Msg("MAD transport bound")
	return nil
}

// Unbind stops the receive loop and closes the port
func (t *Transport) Unbind() error {
	t.mu.Lock()
	dev, cancel := t.dev, t.cancel
	t.dev, t.cancel = nil, nil
	t.mu.Unlock()
	if dev == nil {
		return nil
	}

	cancel()
	t.wg.Wait()
	if err := dev.Close(); err != nil {
		return fmt.Errorf("failed to close umad port: %w", err)
	}
	log.Info().Int64("received", t.received.Load()).Int64("dropped", t.dropped.Load()).Msg("MAD transport unbound")
	return nil
}

// Port returns the attributes of the bound port
func (t *Transport) Port() (PortAttr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev == nil {
		return PortAttr{}, ErrNotBound
	}
	return t.dev.Port(), nil
}

// Send transmits w on the agent matching its management class
func (t *Transport) Send(w *mad.Wrapper, respExpected bool) error {
	t.mu.Lock()
	dev := t.dev
	t.mu.Unlock()
	if dev == nil {
		return ErrNotBound
	}

	agent, err := agentFor(w.MAD)
	if err != nil {
		return err
	}
	var (
		timeout time.Duration
		retries int
	)
	if respExpected {
		timeout, retries = t.cfg.SendTimeout, t.cfg.Retries
	}
	if err := dev.Send(agent, w.MAD, w.Addr, timeout, retries); err != nil {
		return fmt.Errorf("failed to send MAD tid 0x%x to lid 0x%x: %w", w.MAD.TID(), w.Addr.DestLID, err)
	}
	return nil
}

// QueryPortTable asks the port at lid for one block of a P_Key or VL
// arbitration table. The answer arrives through the receive loop.
func (t *Transport) QueryPortTable(lid uint16, attr mad.AttrID, port uint8, block uint16) error {
	switch attr {
	case mad.AttrSMPPKeyTable, mad.AttrSMPVLArbitration:
	default:
		return fmt.Errorf("attribute %s is not a port table", attr)
	}
	w := mad.NewWrapper(mad.MADSize, mad.Address{DestLID: lid})
	mad.InitSMPRequest(w.MAD, mad.MethodGet, attr, t.NextTID())
	w.MAD.SetAttrMod(uint32(port)<<16 | uint32(block))
	return t.Send(w, true)
}

// NextTID returns a fresh transaction id
func (t *Transport) NextTID() uint64 {
	return t.tid.Add(1)
}

func agentFor(m mad.SAMAD) (Agent, error) {
	switch m.MgmtClass() {
	case mad.MgmtClassSubnAdm:
		return AgentSA, nil
	case mad.MgmtClassSubnLID:
		return AgentSMPLID, nil
	case mad.MgmtClassSubnDirected:
		return AgentSMPDirected, nil
	}
	return 0, fmt.Errorf("no agent for management class 0x%02x", m.MgmtClass())
}

func (t *Transport) receive(ctx context.Context, dev Device) {
	defer t.wg.Done()
	buf := make([]byte, MaxMADSize)

	for {
		if ctx.Err() != nil {
			return
		}
		n, agent, addr, err := dev.Recv(buf, t.cfg.RecvTimeout)
		if err != nil {
			if errors.Is(err, ErrRecvTimeout) {
				continue
			}
			log.Warn().Err(err).Msg("umad receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(recvErrorBackoff):
			}
			continue
		}
		t.received.Add(1)

		if n < mad.MADSize {
			t.dropped.Add(1)
			log.Debug().Int("bytes", n).Int("agent", int(agent)).Msg("Dropping short MAD")
			continue
		}
		w := &mad.Wrapper{MAD: append(mad.SAMAD(nil), buf[:n]...), Addr: addr, Context: mad.NoContext{}}
		t.deliver(ctx, w)
	}
}

func (t *Transport) deliver(ctx context.Context, w *mad.Wrapper) {
	id := mad.Classify(w.MAD)
	if id == mad.MsgNone {
		t.dropped.Add(1)
		log.Debug().
			Uint8("class", w.MAD.MgmtClass()).
			Str("method", w.MAD.Method().String()).
			Str("attr", w.MAD.AttrID().String()).
			Msg("Dropping unhandled MAD")
		return
	}
	if id == mad.MsgVLArb || id == mad.MsgPKeyTable {
		w.Context = t.portContext(w)
	}

	if err := t.poster.Post(ctx, id, w); err != nil {
		t.dropped.Add(1)
		if errors.Is(err, dispatch.ErrNoHandler) {
			log.Debug().Str("msg", id.String()).Msg("No handler for MAD")
			return
		}
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("msg", id.String()).Uint64("tid", w.MAD.TID()).Msg("Failed to dispatch MAD")
		}
	}
}

// portContext names the port a table response came from by its source LID
func (t *Transport) portContext(w *mad.Wrapper) mad.Context {
	port, block := w.MAD.SMPPortBlock()

	t.subnet.RLock()
	p := t.subnet.PortByLID(w.Addr.DestLID)
	var nodeGUID, portGUID uint64
	if p != nil {
		nodeGUID, portGUID = p.NodeGUID, p.GUID
		if port == 0 {
			port = p.PortNum
		}
	}
	t.subnet.RUnlock()

	if p == nil {
		log.Debug().Uint16("lid", w.Addr.DestLID).Msg("Table response from unknown LID")
		return mad.NoContext{}
	}
	if w.MAD.AttrID() == mad.AttrSMPVLArbitration {
		return mad.VLArbContext{NodeGUID: nodeGUID, PortGUID: portGUID, PortNum: port, Block: uint8(block)}
	}
	return mad.PKeyContext{NodeGUID: nodeGUID, PortGUID: portGUID, PortNum: port, Block: block}
}
