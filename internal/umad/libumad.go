package umad

// #cgo CFLAGS: -I/usr/include/infiniband
// #cgo LDFLAGS: -libumad
// #include <stdlib.h>
// #include <string.h>
// #include <stdint.h>
// #include <errno.h>
// #include <endian.h>
// #include <arpa/inet.h>
// #include <umad.h>
//
// static int ca_numports(const char *ca_name) {
//     umad_ca_t ca;
//     if (umad_get_ca(ca_name, &ca) < 0) {
//         return -1;
//     }
//     int n = ca.numports;
//     umad_release_ca(&ca);
//     return n;
// }
//
// static int query_port(const char *ca_name, int portnum, char *name_out, int *portnum_out,
//                       uint64_t *guid, uint64_t *prefix, unsigned *lid, unsigned *sm_lid) {
//     umad_port_t port;
//     int ret = umad_get_port(ca_name, portnum, &port);
//     if (ret < 0) {
//         return ret;
//     }
//     strncpy(name_out, port.ca_name, UMAD_CA_NAME_LEN);
//     *portnum_out = port.portnum;
//     *guid = be64toh(port.port_guid);
//     *prefix = be64toh(port.gid_prefix);
//     *lid = port.base_lid;
//     *sm_lid = port.sm_lid;
//     umad_release_port(&port);
//     return 0;
// }
//
// static int register_sa(int fd) {
//     long mask[16 / sizeof(long)];
//     int methods[] = {0x01, 0x02, 0x12, 0x13, 0x14, 0x15};
//     int bits = 8 * sizeof(long);
//     memset(mask, 0, sizeof(mask));
//     for (unsigned i = 0; i < sizeof(methods) / sizeof(methods[0]); i++) {
//         mask[methods[i] / bits] |= 1L << (methods[i] % bits);
//     }
//     return umad_register(fd, 0x03, 2, 1, mask);
// }
//
// static int register_smp(int fd, int mgmt_class) {
//     return umad_register(fd, mgmt_class, 1, 0, NULL);
// }
//
// static int send_mad(int fd, int agent, void *mad, int len, int timeout_ms, int retries,
//                     int dlid, int dqp, int sl, int qkey, int pkey_index) {
//     void *umad = calloc(1, umad_size() + len);
//     if (!umad) {
//         return -ENOMEM;
//     }
//     memcpy(umad_get_mad(umad), mad, len);
//     umad_set_addr(umad, dlid, dqp, sl, qkey);
//     umad_set_pkey(umad, pkey_index);
//     int ret = umad_send(fd, agent, umad, len, timeout_ms, retries);
//     free(umad);
//     return ret;
// }
//
// static int recv_mad(int fd, void *buf, int *len, int timeout_ms, int *status,
//                     uint16_t *lid, uint8_t *sl, uint8_t *path_bits, uint32_t *qpn,
//                     uint32_t *qkey, uint16_t *pkey_index) {
//     int length = *len;
//     void *umad = calloc(1, umad_size() + length);
//     if (!umad) {
//         return -ENOMEM;
//     }
//     int agent = umad_recv(fd, umad, &length, timeout_ms);
//     if (agent < 0) {
//         free(umad);
//         return agent;
//     }
//     ib_mad_addr_t *addr = umad_get_mad_addr(umad);
//     *status = umad_status(umad);
//     *lid = ntohs(addr->lid);
//     *sl = addr->sl;
//     *path_bits = addr->path_bits;
//     *qpn = ntohl(addr->qpn);
//     *qkey = ntohl(addr->qkey);
//     *pkey_index = addr->pkey_index;
//     if (length > *len) {
//         length = *len;
//     }
//     memcpy(buf, umad_get_mad(umad), length);
//     *len = length;
//     free(umad);
//     return agent;
// }
import "C"
import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/mad"
)

// ErrPortNotFound is returned when no local port carries the requested GUID
var ErrPortNotFound = errors.New("no local port with that GUID")

var (
	initOnce sync.Once
	initErr  error
)

func umadInit() error {
	initOnce.Do(func() {
		if C.umad_init() < 0 {
			initErr = errors.New("umad_init failed")
		}
	})
	return initErr
}

// Done releases libibumad. Devices must be closed first.
func Done() {
	C.umad_done()
}

// LibDevice is a port opened through libibumad with the SA and SMP agents registered
type LibDevice struct {
	fd     C.int
	port   PortAttr
	agents map[Agent]C.int
	byID   map[C.int]Agent
}

var _ Device = (*LibDevice)(nil)

// Open is an Opener backed by libibumad
func Open(caName string, caPort int, portGUID uint64) (Device, error) {
	pa, err := LookupPort(caName, caPort, portGUID)
	if err != nil {
		return nil, err
	}

	cName := C.CString(pa.CAName)
	defer C.free(unsafe.Pointer(cName))
	fd := C.umad_open_port(cName, C.int(pa.PortNum))
	if fd < 0 {
		return nil, fmt.Errorf("failed to open umad port %s/%d: %w", pa.CAName, pa.PortNum, syscall.Errno(-fd))
	}

	d := &LibDevice{fd: fd, port: pa, agents: make(map[Agent]C.int), byID: make(map[C.int]Agent)}
	register := []struct {
		agent Agent
		reg   func() C.int
	}{
		{AgentSA, func() C.int { return C.register_sa(fd) }},
		{AgentSMPLID, func() C.int { return C.register_smp(fd, C.int(mad.MgmtClassSubnLID)) }},
		{AgentSMPDirected, func() C.int { return C.register_smp(fd, C.int(mad.MgmtClassSubnDirected)) }},
	}
	for _, r := range register {
		id := r.reg()
		if id < 0 {
			C.umad_close_port(fd)
			return nil, fmt.Errorf("failed to register umad agent %d: %w", r.agent, syscall.Errno(-id))
		}
		d.agents[r.agent] = id
		d.byID[id] = r.agent
	}

	log.Debug().Str("ca", pa.CAName).Int("port", pa.PortNum).Msg("Opened umad port")
	return d, nil
}

// LookupPort returns the attributes of a local port without opening it.
// A non-zero portGUID wins over caName/caPort.
func LookupPort(caName string, caPort int, portGUID uint64) (PortAttr, error) {
	if err := umadInit(); err != nil {
		return PortAttr{}, err
	}
	if portGUID != 0 {
		return findPort(portGUID)
	}
	return queryPort(caName, caPort)
}

func findPort(guid uint64) (PortAttr, error) {
	for _, ca := range caNames() {
		cName := C.CString(ca)
		n := int(C.ca_numports(cName))
		C.free(unsafe.Pointer(cName))

		for p := 1; p <= n; p++ {
			pa, err := queryPort(ca, p)
			if err != nil {
				log.Debug().Err(err).Str("ca", ca).Int("port", p).Msg("Skipping port")
				continue
			}
			if pa.GUID == guid {
				return pa, nil
			}
		}
	}
	return PortAttr{}, fmt.Errorf("port GUID 0x%016x: %w", guid, ErrPortNotFound)
}

// caNames lists the CAs known to libibumad
func caNames() []string {
	var buf [C.UMAD_MAX_DEVICES][C.UMAD_CA_NAME_LEN]byte
	n := C.umad_get_cas_names((*[C.UMAD_CA_NAME_LEN]C.char)(unsafe.Pointer(&buf[0])), C.UMAD_MAX_DEVICES)

	names := make([]string, 0, int(n))
	for i := 0; i < int(n); i++ {
		names = append(names, strings.TrimRight(string(buf[i][:]), "\x00"))
	}
	return names
}

func queryPort(caName string, portNum int) (PortAttr, error) {
	var (
		cName   *C.char
		nameOut [C.UMAD_CA_NAME_LEN]C.char
		portOut C.int
		guid    C.uint64_t
		prefix  C.uint64_t
		lid     C.uint
		smLID   C.uint
	)
	if caName != "" {
		cName = C.CString(caName)
		defer C.free(unsafe.Pointer(cName))
	}
	ret := C.query_port(cName, C.int(portNum), &nameOut[0], &portOut, &guid, &prefix, &lid, &smLID)
	if ret < 0 {
		return PortAttr{}, fmt.Errorf("failed to query umad port %q/%d: %w", caName, portNum, syscall.Errno(-ret))
	}
	return PortAttr{
		CAName:    C.GoString(&nameOut[0]),
		PortNum:   int(portOut),
		GUID:      uint64(guid),
		BaseLID:   uint16(lid),
		SMLID:     uint16(smLID),
		GIDPrefix: uint64(prefix),
	}, nil
}

func (d *LibDevice) Port() PortAttr { return d.port }

func (d *LibDevice) Send(agent Agent, b []byte, addr mad.Address, timeout time.Duration, retries int) error {
	id, ok := d.agents[agent]
	if !ok {
		return fmt.Errorf("umad agent %d is not registered", agent)
	}
	if len(b) == 0 {
		return errors.New("empty MAD")
	}
	ret := C.send_mad(d.fd, id, unsafe.Pointer(&b[0]), C.int(len(b)),
		C.int(timeout.Milliseconds()), C.int(retries),
		C.int(addr.DestLID), C.int(addr.RemoteQP), C.int(addr.SL), C.int(addr.RemoteQKey), C.int(addr.PKeyIndex))
	if ret < 0 {
		return fmt.Errorf("umad_send: %w", syscall.Errno(-ret))
	}
	return nil
}

func (d *LibDevice) Recv(b []byte, timeout time.Duration) (int, Agent, mad.Address, error) {
	var (
		length   = C.int(len(b))
		status   C.int
		lid      C.uint16_t
		sl       C.uint8_t
		pathBits C.uint8_t
		qpn      C.uint32_t
		qkey     C.uint32_t
		pkeyIdx  C.uint16_t
	)
	if len(b) == 0 {
		return 0, 0, mad.Address{}, errors.New("empty receive buffer")
	}
	id := C.recv_mad(d.fd, unsafe.Pointer(&b[0]), &length, C.int(timeout.Milliseconds()), &status,
		&lid, &sl, &pathBits, &qpn, &qkey, &pkeyIdx)
	if id < 0 {
		errno := syscall.Errno(-id)
		if errno == syscall.ETIMEDOUT || errno == syscall.EAGAIN {
			return 0, 0, mad.Address{}, ErrRecvTimeout
		}
		return 0, 0, mad.Address{}, fmt.Errorf("umad_recv: %w", errno)
	}

	agent, ok := d.byID[id]
	if !ok {
		return 0, 0, mad.Address{}, fmt.Errorf("MAD received on unknown agent %d", int(id))
	}
	if status != 0 {
		return 0, agent, mad.Address{}, fmt.Errorf("umad send to lid 0x%x failed: %w", uint16(lid), syscall.Errno(status))
	}
	addr := mad.Address{
		DestLID:    uint16(lid),
		PathBits:   uint8(pathBits),
		RemoteQP:   uint32(qpn),
		RemoteQKey: uint32(qkey),
		PKeyIndex:  uint16(pkeyIdx),
		SL:         uint8(sl),
	}
	return int(length), agent, addr, nil
}

func (d *LibDevice) Close() error {
	for agent, id := range d.agents {
		if ret := C.umad_unregister(d.fd, id); ret < 0 {
			log.Warn().Int("agent", int(agent)).Err(syscall.Errno(-ret)).Msg("Failed to unregister umad agent")
		}
	}
	if ret := C.umad_close_port(d.fd); ret < 0 {
		return fmt.Errorf("umad_close_port: %w", syscall.Errno(-ret))
	}
	return nil
}
