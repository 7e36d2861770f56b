package rdma

import (
	"time"

	"github.com/yuuki/ibsa/internal/mad"
)

const (
	// SendWRID is the low word of the wr_id of every RDMA write posted by
	// the responder. The high word counts attaches of the queue pair.
	SendWRID uint64 = 0xDEADBEEF

	MaxSendWR      = 10
	MaxRecvWR      = 500
	MaxSGE         = 1
	DefaultCQDepth = 1000

	DefaultPoolSize          = 1
	DefaultCompletionTimeout = 5 * time.Second
	DefaultPollInterval      = 50 * time.Microsecond
)

// Access mirrors the verbs memory and QP access bits
type Access uint32

const (
	AccessLocalWrite  Access = 1
	AccessRemoteWrite Access = 1 << 1
	AccessRemoteRead  Access = 1 << 2
)

// QPAccess is granted to every queue pair when it enters INIT for service
const QPAccess = AccessRemoteWrite | AccessRemoteRead | AccessLocalWrite

// BufferAccess is used for every registered response buffer
const BufferAccess = AccessLocalWrite | AccessRemoteRead | AccessRemoteWrite

// MTU is the verbs path MTU enumeration
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// PathInfo is the route used to reach the client
type PathInfo struct {
	DLID uint16
	SL   uint8
	MTU  MTU
}

// RTRParams are applied on the INIT to RTR transition
type RTRParams struct {
	DestQPN         uint32
	PathMTU         MTU
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	DLID            uint16
	SL              uint8
	SrcPathBits     uint8
}

// RTSParams are applied on the RTR to RTS transition
type RTSParams struct {
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	SQPSN       uint32
	MaxRdAtomic uint8
}

func rtrParams(remote mad.RemoteDescriptor, path PathInfo) RTRParams {
	return RTRParams{
		DestQPN:         remote.QPN,
		PathMTU:         path.MTU,
		RQPSN:           1,
		MaxDestRdAtomic: 1,
		MinRNRTimer:     12,
		DLID:            path.DLID,
		SL:              path.SL,
		SrcPathBits:     0,
	}
}

var rtsParams = RTSParams{
	Timeout:     14,
	RetryCount:  7,
	RNRRetry:    7,
	SQPSN:       1,
	MaxRdAtomic: 1,
}

// Completion is one polled work completion
type Completion struct {
	WRID   uint64
	QPN    uint32
	Status int
	Bytes  uint32
}

// MemoryRegion is registered memory owned by a Device
type MemoryRegion interface {
	Bytes() []byte
	Addr() uint64
	LKey() uint32
	Deregister() error
}

// QueuePair is a reliable-connection queue pair
type QueuePair interface {
	QPN() uint32
	ToInit(access Access) error
	ToRTR(p RTRParams) error
	ToRTS(p RTSParams) error
	ToReset() error
	PostWrite(wrID uint64, mr MemoryRegion, length int, remote mad.RemoteDescriptor) error
	Destroy() error
}

// Device is an opened RDMA context with one protection domain and one
// completion queue shared by all of its queue pairs.
type Device interface {
	Name() string
	CreateQueuePair() (QueuePair, error)
	Register(size int, access Access) (MemoryRegion, error)
	// PollCompletion polls at most one entry without blocking
	PollCompletion() (Completion, bool, error)
	Close() error
}

// Buffer is registered memory handed out to the responder
type Buffer struct {
	mr   MemoryRegion
	size int
}

// Bytes returns the usable part of the buffer
func (b *Buffer) Bytes() []byte { return b.mr.Bytes()[:b.size] }

// Size is the number of bytes transferred by a post
func (b *Buffer) Size() int { return b.size }

// Prefix returns a view of the first n bytes of b. A post of the view
// transfers only those bytes. The view shares the registration of b and
// must not be freed.
func (b *Buffer) Prefix(n int) *Buffer {
	if n > b.size {
		n = b.size
	}
	return &Buffer{mr: b.mr, size: n}
}

// Addr is the registered virtual address of the first byte
func (b *Buffer) Addr() uint64 { return b.mr.Addr() }

// Config tunes the transport
type Config struct {
	PoolSize          int
	CompletionTimeout time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = DefaultCompletionTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
