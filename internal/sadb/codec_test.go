package sadb

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibsa/internal/subnet"
)

const (
	testPrefix   = 0xfe80000000000000
	testPortGUID = 0x0002c90300a1b2c1
)

type mockTrimmer struct {
	mock.Mock
}

func (m *mockTrimmer) Trim(d time.Duration) {
	m.Called(d)
}

func newFabric(t *testing.T) *subnet.Subnet {
	t.Helper()
	sn := subnet.New(subnet.Options{SubnetPrefix: testPrefix, NoClientsRereg: true})
	require.NoError(t, sn.AddPort(&subnet.Port{
		GUID:     testPortGUID,
		NodeGUID: testPortGUID - 1,
		PortNum:  1,
		BaseLID:  0x12,
		GUIDCap:  10,
	}))
	return sn
}

func populate(t *testing.T, sn *subnet.Subnet) {
	t.Helper()
	p := sn.Port(testPortGUID)

	require.NoError(t, sn.SetGUIDBlock(p, 0, [8]uint64{testPortGUID, 0x0002c90300a1b2d0}))
	require.NoError(t, sn.SetGUIDBlock(p, 1, [8]uint64{0x0002c90300a1b2d8, 0x0002c90300a1b2d9}))

	ipoib := subnet.GID{Prefix: 0xff12401bffff0000, InterfaceID: 0x00000000ffffffff}
	g, err := sn.CreateGroup(subnet.MCMemberRecord{
		MGID:       ipoib,
		PortGID:    subnet.GID{Prefix: testPrefix, InterfaceID: testPortGUID},
		QKey:       0x0b1b,
		MTU:        0x84,
		TClass:     0,
		PKey:       0xffff,
		Rate:       0x83,
		PktLife:    0x92,
		SLFlowHop:  0x00000000,
		ScopeState: 0x21,
	}, false)
	require.NoError(t, err)
	_, err = sn.AddMember(g, p, subnet.MCMemberRecord{
		PortGID:    subnet.GID{Prefix: testPrefix, InterfaceID: testPortGUID},
		ScopeState: 0x21,
	})
	require.NoError(t, err)

	_, err = sn.CreateGroup(subnet.MCMemberRecord{
		MGID: subnet.GID{Prefix: 0xff12601bffff0000, InterfaceID: 0x0000000000000001},
		PKey: 0xffff,
	}, true)
	require.NoError(t, err)

	sn.AddInform(&subnet.InformRecord{
		SubscriberGID:  subnet.GID{Prefix: testPrefix, InterfaceID: testPortGUID},
		SubscriberEnum: 2,
		Info: subnet.InformInfo{
			LIDRangeBegin:  0xffff,
			IsGeneric:      1,
			Subscribe:      1,
			TrapType:       0xffff,
			TrapNum:        64,
			QPNRespTimeVal: 0x00000112,
			NodeType:       0x000004,
		},
		Addr: subnet.ReportAddr{LID: 0x12, RemoteQP: 1, RemoteQKey: 0x80010000, PKeyIndex: 0, SL: 0},
	})

	sn.AddService(&subnet.ServiceRecord{
		ID:           0x1000000000000001,
		GID:          subnet.GID{Prefix: testPrefix, InterfaceID: testPortGUID},
		PKey:         0xffff,
		Lease:        0xffffffff,
		Key:          [16]byte{0x01, 0x02, 15: 0xff},
		Name:         "storage target",
		Data8:        [16]uint8{0xaa, 15: 0x55},
		Data16:       [8]uint16{1, 2, 3, 4, 5, 6, 7, 8},
		Data32:       [4]uint32{0xdeadbeef, 1, 2, 0xcafe},
		Data64:       [2]uint64{0x0123456789abcdef, 42},
		ModifiedTime: 0x65000000,
		LeasePeriod:  subnet.InfiniteLease,
	})
	sn.AddService(&subnet.ServiceRecord{
		ID:           0x2,
		GID:          subnet.GID{Prefix: testPrefix, InterfaceID: testPortGUID},
		PKey:         0x7fff,
		Lease:        60,
		Name:         "it's quoted",
		ModifiedTime: 0x65000000,
		LeasePeriod:  60,
	})
}

func dumpString(t *testing.T, sn *subnet.Subnet) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, sn))
	return buf.String()
}

func TestDumpFormat(t *testing.T) {
	sn := newFabric(t)
	populate(t, sn)
	out := dumpString(t, sn)

	assert.Contains(t, out, "GUIDInfo Record: base_guid=0x0002c90300a1b2c1 lid=0x0012 block_num=0x0 "+
		"guid0=0x0002c90300a1b2c1 guid1=0x0002c90300a1b2d0 guid2=0x0000000000000000")
	assert.Contains(t, out, "MC Group 0xc000 : mgid=0xff12401bffff0000:0x00000000ffffffff "+
		"port_gid=0xfe80000000000000:0x0002c90300a1b2c1 qkey=0x00000b1b mlid=0xc000 mtu=0x84 tclass=0x00 "+
		"pkey=0xffff rate=0x83 pkt_life=0x92 sl_flow_hop=0x00000000 scope_state=0x21 proxy_join=0x0\n\n")
	assert.Contains(t, out, "mcm_port: port_gid=0xfe80000000000000:0x0002c90300a1b2c1 scope_state=0x21 proxy_join=0x0\n\n")
	assert.Contains(t, out, "MC Group 0xc001  (well known): mgid=0xff12601bffff0000:0x0000000000000001")
	assert.Contains(t, out, "node_type=0x000004 rep_addr: lid=0x0012")
	assert.Contains(t, out, "key=0x0102000000000000:0x00000000000000ff name='storage target' "+
		"data8=0xaa00000000000000:0x0000000000000055 "+
		"data16=0x0001000200030004:0x0005000600070008 "+
		"data32=0xdeadbeef00000001:0x000000020000cafe "+
		"data64=0x0123456789abcdef:0x000000000000002a")
	assert.Contains(t, out, `name="it's quoted"`)

	guidAt := strings.Index(out, "GUIDInfo Record:")
	groupAt := strings.Index(out, "MC Group")
	informAt := strings.Index(out, "InformInfo Record:")
	serviceAt := strings.Index(out, "Service Record:")
	assert.True(t, guidAt < groupAt && groupAt < informAt && informAt < serviceAt)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	src := newFabric(t)
	populate(t, src)
	first := dumpString(t, src)

	dst := newFabric(t)
	trim := &mockTrimmer{}
	trim.On("Trim", time.Second).Return()

	res, err := Load(strings.NewReader(first), "opensm-sa.dump", dst, trim)
	require.NoError(t, err)
	assert.False(t, res.Rereg, "errors: %v", res.Errors)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, res.Groups)
	assert.Equal(t, 1, res.Members)
	assert.Equal(t, 2, res.Services)
	assert.Equal(t, 1, res.Informs)
	assert.Equal(t, 2, res.GUIDBlocks)
	assert.True(t, dst.Options().NoClientsRereg)
	trim.AssertNumberOfCalls(t, "Trim", 1)

	assert.Equal(t, first, dumpString(t, dst))

	p := dst.PortByAlias(0x0002c90300a1b2d9)
	require.NotNil(t, p)
	assert.Equal(t, uint64(testPortGUID), p.GUID)
	assert.Equal(t, uint16(0xc001), dst.MLIDsInitMax())

	services := dst.Services()
	require.Len(t, services, 2)
	assert.Equal(t, "it's quoted", services[1].Name)
	assert.Equal(t, [4]uint32{0xdeadbeef, 1, 2, 0xcafe}, services[0].Data32)
}

func TestLoadSkipsDuplicates(t *testing.T) {
	src := newFabric(t)
	populate(t, src)
	text := dumpString(t, src)

	dst := newFabric(t)
	_, err := Load(strings.NewReader(text), "first", dst, nil)
	require.NoError(t, err)

	// the GUIDInfo aliases are already known the second time round
	res, err := Load(strings.NewReader(text), "second", dst, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Services)
	assert.Zero(t, res.Informs)
	assert.Zero(t, res.Groups)
	assert.True(t, res.Rereg)
	assert.Len(t, dst.Services(), 2)
	assert.Len(t, dst.Informs(), 1)
}

func TestLoadMalformedLineIsLocal(t *testing.T) {
	text := strings.Join([]string{
		"# SA database",
		"   ",
		"Service Record: id=0x1 gid=0xfe80000000000000:0x2 pkey=0xfffff lease=0x0",
		"Something unknown",
		"Service Record: id=0x0000000000000003 gid=0xfe80000000000000:0x0000000000000004 pkey=0xffff lease=0xffffffff " +
			"key=0x0000000000000000:0x0000000000000000 name=plain data8=0x0:0x0 data16=0x0:0x0 " +
			"data32=0x0:0x0 data64=0x0:0x0 modified_time=0x1 lease_period=0xffffffff",
		"InformInfo Record: subscriber_gid=0xfe80000000000000:0xzz",
	}, "\n")

	sn := newFabric(t)
	res, err := Load(strings.NewReader(text), "broken.dump", sn, nil)
	require.NoError(t, err)

	assert.True(t, res.Rereg)
	assert.False(t, sn.Options().NoClientsRereg)
	require.Len(t, res.Errors, 2)

	var perr *ParseError
	require.ErrorAs(t, res.Errors[0], &perr)
	assert.Equal(t, 3, perr.Line)
	assert.Equal(t, " pkey=0x", perr.Token)
	assert.Equal(t, "broken.dump", perr.File)

	require.ErrorAs(t, res.Errors[1], &perr)
	assert.Equal(t, 6, perr.Line)

	services := sn.Services()
	require.Len(t, services, 1)
	assert.Equal(t, "plain", services[0].Name)
	assert.Equal(t, uint64(3), services[0].ID)
}

func TestLoadGroupMLIDConflict(t *testing.T) {
	sn := newFabric(t)
	_, err := sn.CreateGroup(subnet.MCMemberRecord{
		MGID: subnet.GID{Prefix: 0xff12601bffff0000, InterfaceID: 9},
		MLID: 0xc000,
	}, false)
	require.NoError(t, err)

	line := "MC Group 0xc000 : mgid=0xff12601bffff0000:0x0000000000000001 " +
		"port_gid=0x0000000000000000:0x0000000000000000 qkey=0x00000000 mlid=0xc000 mtu=0x00 tclass=0x00 " +
		"pkey=0xffff rate=0x00 pkt_life=0x00 sl_flow_hop=0x00000000 scope_state=0x01 proxy_join=0x0\n" +
		"mcm_port: port_gid=0xfe80000000000000:0x0002c90300a1b2c1 scope_state=0x01 proxy_join=0x0\n"

	res, err := Load(strings.NewReader(line), "conflict", sn, nil)
	require.NoError(t, err)
	assert.True(t, res.Rereg)
	assert.Empty(t, res.Errors)
	assert.Zero(t, res.Members, "member line without a group context is ignored")
	assert.Nil(t, sn.GroupByMGID(subnet.GID{Prefix: 0xff12601bffff0000, InterfaceID: 1}))
}

func TestLoadMemberNeedsOpenGroup(t *testing.T) {
	sn := newFabric(t)
	text := "MC Group 0xc003 : mgid=0xff12601bffff0000:0x0000000000000005 " +
		"port_gid=0x0000000000000000:0x0000000000000000 qkey=0x00000000 mlid=0xc003 mtu=0x00 tclass=0x00 " +
		"pkey=0xffff rate=0x00 pkt_life=0x00 sl_flow_hop=0x00000000 scope_state=0x01 proxy_join=0x0\n" +
		"# comment keeps the group open\n" +
		"mcm_port: port_gid=0xfe80000000000000:0x0002c90300a1b2c1 scope_state=0x01 proxy_join=0x1\n" +
		"GUIDInfo Record: base_guid=0x0000000000000099 lid=0x0001 block_num=0x0 guid0=0x0 guid1=0x0 " +
		"guid2=0x0 guid3=0x0 guid4=0x0 guid5=0x0 guid6=0x0 guid7=0x0\n" +
		"mcm_port: port_gid=0xfe80000000000000:0x0002c90300a1b2c1 scope_state=0x02 proxy_join=0x0\n"

	res, err := Load(strings.NewReader(text), "members", sn, nil)
	require.NoError(t, err)
	assert.False(t, res.Rereg)
	assert.Equal(t, 1, res.Members)

	g := sn.GroupByMLID(0xc003)
	require.NotNil(t, g)
	m := g.Member(testPortGUID)
	require.NotNil(t, m)
	assert.True(t, m.ProxyJoin)
	assert.Equal(t, uint8(0x01), m.ScopeState)
}

func TestLoadGUIDInfoDuplicateAlias(t *testing.T) {
	sn := newFabric(t)
	require.NoError(t, sn.AddPort(&subnet.Port{GUID: 0x77, GUIDCap: 8}))
	require.NoError(t, sn.AddAlias(0x1234, sn.Port(0x77)))

	text := "GUIDInfo Record: base_guid=0x0002c90300a1b2c1 lid=0x0012 block_num=0x0 " +
		"guid0=0x0002c90300a1b2c1 guid1=0x0000000000001234 guid2=0x0 guid3=0x0 guid4=0x0 guid5=0x0 guid6=0x0 guid7=0x0\n"
	res, err := Load(strings.NewReader(text), "dup", sn, nil)
	require.NoError(t, err)
	assert.True(t, res.Rereg)
	assert.Zero(t, res.GUIDBlocks)
	assert.Same(t, sn.Port(0x77), sn.PortByAlias(0x1234))
}

func TestParserHexWidth(t *testing.T) {
	p := &lineParser{s: "a=0x1ff b=0x12:c"}
	assert.Zero(t, p.u8(" a=0x"))
	assert.ErrorIs(t, p.err, errTokenMissing)

	p = &lineParser{s: " a=0x1ff b=0x12:c"}
	assert.Zero(t, p.u8(" a=0x"))
	assert.ErrorIs(t, p.err, errBadHex)

	p = &lineParser{s: " a=0x1ff b=0x12:c"}
	assert.Equal(t, uint16(0x1ff), p.u16(" a=0x"))
	assert.Equal(t, uint8(0x12), p.u8(" b=0x"))
	require.NoError(t, p.err)

	p = &lineParser{s: " a=0x12g"}
	p.u8(" a=0x")
	assert.ErrorIs(t, p.err, errBadHex)
}

func TestParserString(t *testing.T) {
	p := &lineParser{s: " name='a b' next"}
	assert.Equal(t, "a b", p.str(" name="))
	assert.Equal(t, " next", p.rest())

	p = &lineParser{s: ` name="x'y" next`}
	assert.Equal(t, "x'y", p.str(" name="))

	p = &lineParser{s: " name=bare next"}
	assert.Equal(t, "bare", p.str(" name="))

	long := strings.Repeat("n", 100)
	p = &lineParser{s: " name=" + long}
	assert.Len(t, p.str(" name="), maxServiceName)
}
