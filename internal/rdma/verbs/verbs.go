// Package verbs binds the rdma transport to libibverbs.
package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <stdint.h>
// #include <infiniband/verbs.h>
//
// static int get_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
//
// static int query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// static int post_rdma_write(struct ibv_qp *qp, uint64_t wr_id, void *addr, uint32_t length,
//                            uint32_t lkey, uint64_t remote_addr, uint32_t rkey) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = (uintptr_t)addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = IBV_WR_RDMA_WRITE;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// static int poll_one(struct ibv_cq *cq, uint64_t *wr_id, int *status, uint32_t *qp_num, uint32_t *byte_len) {
//     struct ibv_wc wc;
//     int n = ibv_poll_cq(cq, 1, &wc);
//     if (n <= 0) {
//         return n;
//     }
//     *wr_id = wc.wr_id;
//     *status = wc.status;
//     *qp_num = wc.qp_num;
//     *byte_len = wc.byte_len;
//     return n;
// }
import "C"
import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ibsa/internal/mad"
	"github.com/yuuki/ibsa/internal/rdma"
)

// Device is an opened verbs context bound to one port
type Device struct {
	name    string
	portNum uint8
	gidIdx  int
	ctx     *C.struct_ibv_context
	pd      *C.struct_ibv_pd
	cq      *C.struct_ibv_cq
}

// OpenByPortGUID opens the device owning portGUID. Every device, every port
// and every GID table index is scanned for a GID whose interface id equals
// the GUID.
func OpenByPortGUID(portGUID uint64, cqDepth int) (*Device, error) {
	if portGUID == 0 {
		return nil, fmt.Errorf("port GUID 0: %w", rdma.ErrDeviceNotFound)
	}
	if cqDepth <= 0 {
		cqDepth = rdma.DefaultCQDepth
	}

	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("failed to get RDMA device list: %w", rdma.ErrDeviceNotFound)
	}
	defer C.ibv_free_device_list(deviceList)

	devices := unsafe.Slice(deviceList, int(numDevices))
	for _, device := range devices {
		if device == nil {
			continue
		}
		name := C.GoString(C.ibv_get_device_name(device))

		ctx := C.ibv_open_device(device)
		if ctx == nil {
			log.Warn().Str("device", name).Msg("Failed to open device, skipping")
			continue
		}

		port, gidIdx, ok := findPort(ctx, name, portGUID)
		if !ok {
			C.ibv_close_device(ctx)
			continue
		}

		d := &Device{name: name, portNum: port, gidIdx: gidIdx, ctx: ctx}
		if err := d.allocate(cqDepth); err != nil {
			return nil, err
		}
		log.Info().
			Str("device", name).
			Uint8("port", port).
			Int("gid_index", gidIdx).
			Str("port_guid", fmt.Sprintf("0x%016x", portGUID)).
			Msg("Opened RDMA device for SA")
		return d, nil
	}

	return nil, fmt.Errorf("port GUID 0x%016x: %w", portGUID, rdma.ErrDeviceNotFound)
}

func findPort(ctx *C.struct_ibv_context, name string, portGUID uint64) (uint8, int, bool) {
	var physPortCnt C.uint8_t
	if C.get_phys_port_cnt(ctx, &physPortCnt) != 0 {
		log.Warn().Str("device", name).Msg("Failed to query device attributes")
		return 0, 0, false
	}

	for portNum := C.uint8_t(1); portNum <= physPortCnt; portNum++ {
		var portAttr C.struct_ibv_port_attr
		if C.query_port(ctx, portNum, &portAttr) != 0 {
			log.Warn().Str("device", name).Uint8("port", uint8(portNum)).Msg("Failed to query port, skipping port")
			continue
		}
		for idx := 0; idx < int(portAttr.gid_tbl_len); idx++ {
			var gid C.union_ibv_gid
			if C.ibv_query_gid(ctx, portNum, C.int(idx), &gid) != 0 {
				continue
			}
			raw := unsafe.Slice((*byte)(unsafe.Pointer(&gid)), C.sizeof_union_ibv_gid)
			if binary.BigEndian.Uint64(raw[8:16]) == portGUID {
				return uint8(portNum), idx, true
			}
		}
	}
	return 0, 0, false
}

// allocate creates the protection domain and the shared completion queue.
// On failure everything including the context is released.
func (d *Device) allocate(cqDepth int) error {
	d.pd = C.ibv_alloc_pd(d.ctx)
	if d.pd == nil {
		C.ibv_close_device(d.ctx)
		d.ctx = nil
		return fmt.Errorf("failed to allocate protection domain for %s: %w", d.name, rdma.ErrResourceExhausted)
	}

	d.cq = C.ibv_create_cq(d.ctx, C.int(cqDepth), nil, nil, 0)
	if d.cq == nil {
		C.ibv_dealloc_pd(d.pd)
		C.ibv_close_device(d.ctx)
		d.pd, d.ctx = nil, nil
		return fmt.Errorf("failed to create CQ of depth %d for %s: %w", cqDepth, d.name, rdma.ErrResourceExhausted)
	}
	return nil
}

func (d *Device) Name() string { return d.name }

// CreateQueuePair creates an RC queue pair on the shared CQ. It is left in RESET.
func (d *Device) CreateQueuePair() (rdma.QueuePair, error) {
	var initAttr C.struct_ibv_qp_init_attr
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.sq_sig_all = 0
	initAttr.send_cq = d.cq
	initAttr.recv_cq = d.cq
	initAttr.cap.max_send_wr = C.uint32_t(rdma.MaxSendWR)
	initAttr.cap.max_recv_wr = C.uint32_t(rdma.MaxRecvWR)
	initAttr.cap.max_send_sge = C.uint32_t(rdma.MaxSGE)
	initAttr.cap.max_recv_sge = C.uint32_t(rdma.MaxSGE)

	qp := C.ibv_create_qp(d.pd, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("failed to create RC QP on %s", d.name)
	}
	log.Debug().Str("device", d.name).Uint32("qpn", uint32(qp.qp_num)).Msg("Created RC QP")
	return &queuePair{dev: d, qp: qp}, nil
}

// Register allocates page-aligned memory and registers it with the protection domain
func (d *Device) Register(size int, access rdma.Access) (rdma.MemoryRegion, error) {
	buf := C.aligned_alloc(C.size_t(os.Getpagesize()), C.size_t(alignUp(size, os.Getpagesize())))
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate %d bytes", size)
	}
	C.memset(buf, 0, C.size_t(size))

	mr := C.ibv_reg_mr(d.pd, buf, C.size_t(size), C.int(access))
	if mr == nil {
		C.free(buf)
		return nil, fmt.Errorf("failed to register %d byte memory region on %s", size, d.name)
	}
	return &memoryRegion{buf: buf, size: size, mr: mr}, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// PollCompletion polls the shared CQ for at most one entry
func (d *Device) PollCompletion() (rdma.Completion, bool, error) {
	var wrID C.uint64_t
	var status C.int
	var qpNum, byteLen C.uint32_t
	n := C.poll_one(d.cq, &wrID, &status, &qpNum, &byteLen)
	if n < 0 {
		return rdma.Completion{}, false, fmt.Errorf("ibv_poll_cq returned %d", int(n))
	}
	if n == 0 {
		return rdma.Completion{}, false, nil
	}
	return rdma.Completion{
		WRID:   uint64(wrID),
		QPN:    uint32(qpNum),
		Status: int(status),
		Bytes:  uint32(byteLen),
	}, true, nil
}

// Close releases the CQ, PD and context in reverse order of creation
func (d *Device) Close() error {
	if d.cq != nil {
		if ret := C.ibv_destroy_cq(d.cq); ret != 0 {
			return fmt.Errorf("failed to destroy CQ on %s: %d", d.name, int(ret))
		}
		d.cq = nil
	}
	if d.pd != nil {
		if ret := C.ibv_dealloc_pd(d.pd); ret != 0 {
			return fmt.Errorf("failed to deallocate PD on %s: %d", d.name, int(ret))
		}
		d.pd = nil
	}
	if d.ctx != nil {
		C.ibv_close_device(d.ctx)
		d.ctx = nil
	}
	log.Debug().Str("device", d.name).Msg("Closed RDMA device")
	return nil
}

type queuePair struct {
	dev *Device
	qp  *C.struct_ibv_qp
}

func (q *queuePair) QPN() uint32 { return uint32(q.qp.qp_num) }

func (q *queuePair) ToInit(access rdma.Access) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(q.dev.portNum)
	attr.qp_access_flags = C.uint(access)

	if ret := C.ibv_modify_qp(q.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_PKEY_INDEX|C.IBV_QP_PORT|C.IBV_QP_ACCESS_FLAGS); ret != 0 {
		return fmt.Errorf("ibv_modify_qp INIT: %d", int(ret))
	}
	return nil
}

func (q *queuePair) ToRTR(p rdma.RTRParams) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.enum_ibv_mtu(p.PathMTU)
	attr.dest_qp_num = C.uint32_t(p.DestQPN)
	attr.rq_psn = C.uint32_t(p.RQPSN)
	attr.max_dest_rd_atomic = C.uint8_t(p.MaxDestRdAtomic)
	attr.min_rnr_timer = C.uint8_t(p.MinRNRTimer)
	attr.ah_attr.is_global = 0
	attr.ah_attr.dlid = C.uint16_t(p.DLID)
	attr.ah_attr.sl = C.uint8_t(p.SL)
	attr.ah_attr.src_path_bits = C.uint8_t(p.SrcPathBits)
	attr.ah_attr.port_num = C.uint8_t(q.dev.portNum)

	if ret := C.ibv_modify_qp(q.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_AV|C.IBV_QP_PATH_MTU|C.IBV_QP_DEST_QPN|
			C.IBV_QP_RQ_PSN|C.IBV_QP_MAX_DEST_RD_ATOMIC|C.IBV_QP_MIN_RNR_TIMER); ret != 0 {
		return fmt.Errorf("ibv_modify_qp RTR: %d", int(ret))
	}
	return nil
}

func (q *queuePair) ToRTS(p rdma.RTSParams) error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = C.uint8_t(p.Timeout)
	attr.retry_cnt = C.uint8_t(p.RetryCount)
	attr.rnr_retry = C.uint8_t(p.RNRRetry)
	attr.sq_psn = C.uint32_t(p.SQPSN)
	attr.max_rd_atomic = C.uint8_t(p.MaxRdAtomic)

	if ret := C.ibv_modify_qp(q.qp, &attr,
		C.IBV_QP_STATE|C.IBV_QP_TIMEOUT|C.IBV_QP_RETRY_CNT|C.IBV_QP_RNR_RETRY|
			C.IBV_QP_SQ_PSN|C.IBV_QP_MAX_QP_RD_ATOMIC); ret != 0 {
		return fmt.Errorf("ibv_modify_qp RTS: %d", int(ret))
	}
	return nil
}

func (q *queuePair) ToReset() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RESET
	if ret := C.ibv_modify_qp(q.qp, &attr, C.IBV_QP_STATE); ret != 0 {
		return fmt.Errorf("ibv_modify_qp RESET: %d", int(ret))
	}
	return nil
}

func (q *queuePair) PostWrite(wrID uint64, mr rdma.MemoryRegion, length int, remote mad.RemoteDescriptor) error {
	region, ok := mr.(*memoryRegion)
	if !ok {
		return fmt.Errorf("memory region %T was not registered by verbs", mr)
	}
	if ret := C.post_rdma_write(q.qp, C.uint64_t(wrID), region.buf, C.uint32_t(length),
		region.mr.lkey, C.uint64_t(remote.Addr), C.uint32_t(remote.RKey)); ret != 0 {
		return fmt.Errorf("ibv_post_send: %d", int(ret))
	}
	return nil
}

func (q *queuePair) Destroy() error {
	if ret := C.ibv_destroy_qp(q.qp); ret != 0 {
		return fmt.Errorf("ibv_destroy_qp: %d", int(ret))
	}
	return nil
}

type memoryRegion struct {
	buf  unsafe.Pointer
	size int
	mr   *C.struct_ibv_mr
}

func (m *memoryRegion) Bytes() []byte {
	return unsafe.Slice((*byte)(m.buf), m.size)
}

func (m *memoryRegion) Addr() uint64 { return uint64(uintptr(m.buf)) }

func (m *memoryRegion) LKey() uint32 { return uint32(m.mr.lkey) }

func (m *memoryRegion) Deregister() error {
	ret := C.ibv_dereg_mr(m.mr)
	C.free(m.buf)
	if ret != 0 {
		return fmt.Errorf("ibv_dereg_mr: %d", int(ret))
	}
	return nil
}
