package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibsa/internal/mad"
)

func TestRegisterUnregister(t *testing.T) {
	d := New(1, 4)

	b, err := d.Register(mad.MsgServiceRecord, func(context.Context, *mad.Wrapper) {})
	require.NoError(t, err)
	assert.NotEqual(t, InvalidBinding, b)

	_, err = d.Register(mad.MsgServiceRecord, func(context.Context, *mad.Wrapper) {})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	d.Unregister(b)
	d.Unregister(b)
	d.Unregister(InvalidBinding)
	d.Unregister(Binding(999))

	b2, err := d.Register(mad.MsgServiceRecord, func(context.Context, *mad.Wrapper) {})
	require.NoError(t, err)
	assert.NotEqual(t, b, b2)
}

func TestPostRunsHandlersOnWorkers(t *testing.T) {
	d := New(4, 16)
	d.Start(context.Background())

	var count atomic.Int32
	var wg sync.WaitGroup
	_, err := d.Register(mad.MsgPathRecord, func(_ context.Context, w *mad.Wrapper) {
		defer wg.Done()
		assert.Equal(t, mad.AttrPathRecord, w.MAD.AttrID())
		count.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		w := mad.NewWrapper(mad.MADSize, mad.Address{})
		mad.InitSARequest(w.MAD, mad.MethodGetTable, mad.AttrPathRecord, uint64(i))
		wg.Add(1)
		require.NoError(t, d.Post(context.Background(), mad.MsgPathRecord, w))
	}
	wg.Wait()
	assert.Equal(t, int32(20), count.Load())

	d.Close()
	d.Close()
}

func TestPostWithoutHandler(t *testing.T) {
	d := New(1, 1)
	err := d.Post(context.Background(), mad.MsgNodeRecord, mad.NewWrapper(0, mad.Address{}))
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPostAfterClose(t *testing.T) {
	d := New(1, 1)
	d.Start(context.Background())
	_, err := d.Register(mad.MsgNodeRecord, func(context.Context, *mad.Wrapper) {})
	require.NoError(t, err)
	d.Close()

	err = d.Post(context.Background(), mad.MsgNodeRecord, mad.NewWrapper(0, mad.Address{}))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = d.Register(mad.MsgLinkRecord, func(context.Context, *mad.Wrapper) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPostBlocksUntilContextDone(t *testing.T) {
	d := New(1, 1)
	_, err := d.Register(mad.MsgNodeRecord, func(context.Context, *mad.Wrapper) {})
	require.NoError(t, err)

	// no workers: the second post finds the queue full
	require.NoError(t, d.Post(context.Background(), mad.MsgNodeRecord, mad.NewWrapper(0, mad.Address{})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = d.Post(ctx, mad.MsgNodeRecord, mad.NewWrapper(0, mad.Address{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsQueue(t *testing.T) {
	d := New(2, 8)
	var count atomic.Int32
	_, err := d.Register(mad.MsgNodeRecord, func(context.Context, *mad.Wrapper) {
		time.Sleep(time.Millisecond)
		count.Add(1)
	})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, d.Post(context.Background(), mad.MsgNodeRecord, mad.NewWrapper(0, mad.Address{})))
	}
	d.Start(context.Background())
	d.Close()
	assert.Equal(t, int32(8), count.Load())
}
