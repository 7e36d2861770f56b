// Package dispatch routes received MADs to the handler registered for their
// message id and runs the handlers on a fixed pool of worker goroutines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibsa/internal/mad"
)

var (
	ErrClosed            = errors.New("dispatcher closed")
	ErrAlreadyRegistered = errors.New("message already has a handler")
	ErrNoHandler         = errors.New("no handler registered")
)

// Handler processes one MAD. It runs on a dispatcher worker.
type Handler func(ctx context.Context, w *mad.Wrapper)

// Binding identifies one registration
type Binding uint64

// InvalidBinding is never returned by Register
const InvalidBinding Binding = 0

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 1024
)

type registration struct {
	binding Binding
	handler Handler
}

type job struct {
	id mad.MsgID
	w  *mad.Wrapper
}

// Dispatcher maps message ids to handlers
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[mad.MsgID]registration
	bindings map[Binding]mad.MsgID
	next     Binding

	// queueMu guards sends on queue against its close
	queueMu sync.RWMutex
	queue   chan job
	closed  atomic.Bool
	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a dispatcher with the given number of workers and queue depth.
// Zero values take the defaults.
func New(workers, queueDepth int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Dispatcher{
		handlers: make(map[mad.MsgID]registration),
		bindings: make(map[Binding]mad.MsgID),
		queue:    make(chan job, queueDepth),
		workers:  workers,
	}
}

// Start launches the workers. Handlers receive a context derived from ctx
// that is cancelled by Close.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	log.Info().Int("workers", d.workers).Msg("Dispatcher started")
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	for j := range d.queue {
		d.mu.RLock()
		reg, ok := d.handlers[j.id]
		d.mu.RUnlock()
		if !ok {
			log.Debug().Str("msg", j.id.String()).Int("worker", n).Msg("Dropping MAD with no handler")
			continue
		}
		reg.handler(ctx, j.w)
	}
}

// Register binds h to id
func (d *Dispatcher) Register(id mad.MsgID, h Handler) (Binding, error) {
	if d.closed.Load() {
		return InvalidBinding, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; ok {
		return InvalidBinding, fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
	}
	d.next++
	b := d.next
	d.handlers[id] = registration{binding: b, handler: h}
	d.bindings[b] = id
	log.Debug().Str("msg", id.String()).Uint64("binding", uint64(b)).Msg("Handler registered")
	return b, nil
}

// Unregister removes a registration. Unknown and invalid bindings are ignored.
func (d *Dispatcher) Unregister(b Binding) {
	if b == InvalidBinding {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.bindings[b]
	if !ok {
		return
	}
	delete(d.bindings, b)
	delete(d.handlers, id)
}

// Post queues w for the handler of id. It blocks while the queue is full
// until ctx is done.
func (d *Dispatcher) Post(ctx context.Context, id mad.MsgID, w *mad.Wrapper) error {
	d.mu.RLock()
	_, ok := d.handlers[id]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNoHandler)
	}

	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.queue <- job{id: id, w: w}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting MADs, lets the workers drain the queue and waits
// for them
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.queueMu.Lock()
	close(d.queue)
	d.queueMu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	log.Info().Msg("Dispatcher stopped")
}
