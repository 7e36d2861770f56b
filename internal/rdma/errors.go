package rdma

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound    = errors.New("no RDMA device owns the port GUID")
	ErrResourceExhausted = errors.New("RDMA resources exhausted")
	ErrTransport         = errors.New("queue pair transition failed")
	ErrPostFailed        = errors.New("work request rejected")
	ErrCompletion        = errors.New("work completion failed")
	ErrTimeout           = errors.New("timed out waiting for work completion")
	ErrPoolExhausted     = errors.New("no usable queue pair left in pool")
	ErrInvalidHandle     = errors.New("invalid queue pair handle")
	ErrFatal             = errors.New("queue pair left in unknown state")
)

// FatalError reports a queue pair that could not be returned to an idle
// state. The slot is quarantined; the supervisor decides whether to keep
// serving without RDMA or to terminate.
type FatalError struct {
	Slot Handle
	QPN  uint32
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal RDMA error on slot %d (qpn 0x%x): %v", e.Slot, e.QPN, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }
