package mad

// Context is the per-attribute data attached to a MAD by whoever issued the
// request it answers. Handlers switch on the concrete type.
type Context interface {
	isContext()
}

// NoContext is attached to unsolicited requests
type NoContext struct{}

// VLArbContext identifies the port a VL arbitration block was read from
type VLArbContext struct {
	NodeGUID uint64
	PortGUID uint64
	PortNum  uint8
	Block    uint8
}

// PKeyContext identifies the port a P_Key table block was read from
type PKeyContext struct {
	NodeGUID uint64
	PortGUID uint64
	PortNum  uint8
	Block    uint16
}

func (NoContext) isContext()    {}
func (VLArbContext) isContext() {}
func (PKeyContext) isContext()  {}
