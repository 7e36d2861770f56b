package umad

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibsa/internal/dispatch"
	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/subnet"
)

const (
	testPortGUID = 0x0002c90300a1b2c1
	testNodeGUID = 0x0002c90300a1b2c0
	testLID      = 0x12
)

type inbound struct {
	b     []byte
	agent Agent
	addr  mad.Address
	err   error
}

type sentMAD struct {
	agent   Agent
	b       []byte
	addr    mad.Address
	timeout time.Duration
	retries int
}

type fakeDevice struct {
	port PortAttr
	in   chan inbound

	mu     sync.Mutex
	sent   []sentMAD
	closed bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		port: PortAttr{CAName: "mlx5_0", PortNum: 1, GUID: testPortGUID, BaseLID: testLID},
		in:   make(chan inbound, 16),
	}
}

func (d *fakeDevice) Port() PortAttr { return d.port }

func (d *fakeDevice) Send(agent Agent, b []byte, addr mad.Address, timeout time.Duration, retries int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentMAD{agent: agent, b: append([]byte(nil), b...), addr: addr, timeout: timeout, retries: retries})
	return nil
}

func (d *fakeDevice) Recv(b []byte, timeout time.Duration) (int, Agent, mad.Address, error) {
	select {
	case m := <-d.in:
		if m.err != nil {
			return 0, 0, mad.Address{}, m.err
		}
		return copy(b, m.b), m.agent, m.addr, nil
	case <-time.After(timeout):
		return 0, 0, mad.Address{}, ErrRecvTimeout
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) Sent() []sentMAD {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMAD(nil), d.sent...)
}

type posted struct {
	id mad.MsgID
	w  *mad.Wrapper
}

type fakePoster struct {
	ch  chan posted
	err error
}

func (p *fakePoster) Post(_ context.Context, id mad.MsgID, w *mad.Wrapper) error {
	if p.err != nil {
		return p.err
	}
	p.ch <- posted{id: id, w: w}
	return nil
}

func newTestTransport(t *testing.T) (*Transport, *fakeDevice, *fakePoster) {
	t.Helper()
	sn := subnet.New(subnet.Options{})
	require.NoError(t, sn.AddPort(&subnet.Port{GUID: testPortGUID, NodeGUID: testNodeGUID, PortNum: 1, BaseLID: testLID}))

	dev := newFakeDevice()
	poster := &fakePoster{ch: make(chan posted, 16)}
	open := func(string, int, uint64) (Device, error) { return dev, nil }
	tr := New(Config{RecvTimeout: 5 * time.Millisecond}, open, poster, sn)
	return tr, dev, poster
}

func waitPosted(t *testing.T, p *fakePoster) posted {
	t.Helper()
	select {
	case m := <-p.ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("nothing was posted")
	}
	return posted{}
}

func TestBindUnbind(t *testing.T) {
	tr, dev, _ := newTestTransport(t)

	_, err := tr.Port()
	assert.ErrorIs(t, err, ErrNotBound)

	require.NoError(t, tr.Bind(testPortGUID))
	assert.ErrorIs(t, tr.Bind(testPortGUID), ErrBound)

	pa, err := tr.Port()
	require.NoError(t, err)
	assert.Equal(t, uint16(testLID), pa.BaseLID)

	require.NoError(t, tr.Unbind())
	assert.True(t, dev.closed)
	assert.NoError(t, tr.Unbind())
}

func TestBindOpenFailure(t *testing.T) {
	sn := subnet.New(subnet.Options{})
	open := func(string, int, uint64) (Device, error) { return nil, ErrPortNotFound }
	tr := New(Config{}, open, &fakePoster{}, sn)

	err := tr.Bind(testPortGUID)
	assert.ErrorIs(t, err, ErrPortNotFound)
	assert.ErrorIs(t, tr.Send(mad.NewWrapper(mad.MADSize, mad.Address{}), false), ErrNotBound)
}

func TestReceivePostsSARequest(t *testing.T) {
	tr, dev, poster := newTestTransport(t)
	require.NoError(t, tr.Bind(testPortGUID))
	defer tr.Unbind()

	req := mad.NewSAMAD(mad.MADSize)
	mad.InitSARequest(req, mad.MethodGetTable, mad.AttrServiceRecord, 7)
	addr := mad.Address{DestLID: 0x20, RemoteQP: 1, SL: 2}

	dev.in <- inbound{b: make([]byte, 64), agent: AgentSA}
	dev.in <- inbound{err: errors.New("transient")}
	dev.in <- inbound{b: req, agent: AgentSA, addr: addr}

	m := waitPosted(t, poster)
	assert.Equal(t, mad.MsgServiceRecord, m.id)
	assert.Equal(t, uint64(7), m.w.MAD.TID())
	assert.Equal(t, addr, m.w.Addr)
	assert.Equal(t, mad.NoContext{}, m.w.Context)
	assert.Len(t, m.w.MAD, mad.MADSize)
}

func TestReceiveTableResponseContext(t *testing.T) {
	tr, dev, poster := newTestTransport(t)
	require.NoError(t, tr.Bind(testPortGUID))
	defer tr.Unbind()

	resp := mad.NewSAMAD(mad.MADSize)
	mad.InitSMPRequest(resp, mad.MethodGetResp, mad.AttrSMPVLArbitration, 9)
	resp.SetAttrMod(3)
	dev.in <- inbound{b: resp, agent: AgentSMPLID, addr: mad.Address{DestLID: testLID}}

	m := waitPosted(t, poster)
	assert.Equal(t, mad.MsgVLArb, m.id)
	assert.Equal(t, mad.VLArbContext{NodeGUID: testNodeGUID, PortGUID: testPortGUID, PortNum: 1, Block: 3}, m.w.Context)

	resp = mad.NewSAMAD(mad.MADSize)
	mad.InitSMPRequest(resp, mad.MethodGetResp, mad.AttrSMPPKeyTable, 10)
	resp.SetAttrMod(2<<16 | 1)
	dev.in <- inbound{b: resp, agent: AgentSMPLID, addr: mad.Address{DestLID: testLID}}

	m = waitPosted(t, poster)
	assert.Equal(t, mad.MsgPKeyTable, m.id)
	assert.Equal(t, mad.PKeyContext{NodeGUID: testNodeGUID, PortGUID: testPortGUID, PortNum: 2, Block: 1}, m.w.Context)

	// unknown source LID
	dev.in <- inbound{b: resp, agent: AgentSMPLID, addr: mad.Address{DestLID: 0x99}}
	m = waitPosted(t, poster)
	assert.Equal(t, mad.NoContext{}, m.w.Context)
}

func TestDeliverDropsUnhandled(t *testing.T) {
	tr, _, poster := newTestTransport(t)

	resp := mad.NewSAMAD(mad.MADSize)
	mad.InitSARequest(resp, mad.MethodGetResp, mad.AttrServiceRecord, 1)
	tr.deliver(context.Background(), &mad.Wrapper{MAD: resp, Context: mad.NoContext{}})
	assert.Equal(t, int64(1), tr.dropped.Load())
	assert.Empty(t, poster.ch)

	poster.err = dispatch.ErrNoHandler
	req := mad.NewSAMAD(mad.MADSize)
	mad.InitSARequest(req, mad.MethodGet, mad.AttrClassPortInfo, 2)
	tr.deliver(context.Background(), &mad.Wrapper{MAD: req, Context: mad.NoContext{}})
	assert.Equal(t, int64(2), tr.dropped.Load())
}

func TestSendAgentAndRetries(t *testing.T) {
	tr, dev, _ := newTestTransport(t)
	require.NoError(t, tr.Bind(testPortGUID))
	defer tr.Unbind()

	w := mad.NewWrapper(mad.MADSize, mad.Address{DestLID: 0x20})
	mad.InitSARequest(w.MAD, mad.MethodGetResp, mad.AttrServiceRecord, 3)
	require.NoError(t, tr.Send(w, false))

	require.NoError(t, tr.QueryPortTable(0x20, mad.AttrSMPPKeyTable, 1, 4))
	assert.Error(t, tr.QueryPortTable(0x20, mad.AttrServiceRecord, 1, 4))

	bad := mad.NewWrapper(mad.MADSize, mad.Address{})
	bad.MAD[1] = 0x04
	assert.Error(t, tr.Send(bad, false))

	sent := dev.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, AgentSA, sent[0].agent)
	assert.Zero(t, sent[0].timeout)
	assert.Zero(t, sent[0].retries)

	smp := mad.SAMAD(sent[1].b)
	assert.Equal(t, AgentSMPLID, sent[1].agent)
	assert.Equal(t, DefaultSendTimeout, sent[1].timeout)
	assert.Equal(t, DefaultRetries, sent[1].retries)
	assert.Equal(t, mad.MethodGet, smp.Method())
	assert.Equal(t, uint32(1<<16|4), smp.AttrMod())
	assert.Equal(t, InitialTID+1, smp.TID())
}

// TestOpenHardware needs an HCA; set IBSA_TEST_PORT_GUID to its port GUID
func TestOpenHardware(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping umad hardware test in CI environment")
	}
	guidStr := os.Getenv("IBSA_TEST_PORT_GUID")
	if guidStr == "" {
		t.Skip("IBSA_TEST_PORT_GUID is not set")
	}
	guid, err := strconv.ParseUint(guidStr, 0, 64)
	require.NoError(t, err)

	dev, err := Open("", 0, guid)
	require.NoError(t, err)
	defer dev.Close()

	pa := dev.Port()
	assert.Equal(t, guid, pa.GUID)
	assert.NotEmpty(t, pa.CAName)
	assert.NotZero(t, pa.BaseLID)
}
