package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMADCounterConcurrent(t *testing.T) {
	s := NewServiceState()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncMADsSent()
			s.IncMADsSent()
			s.DecMADsSent()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), s.MADsSent())
}

func TestFlags(t *testing.T) {
	s := NewServiceState()
	assert.False(t, s.IsDirty())
	s.MarkDirty()
	assert.True(t, s.IsDirty())
	s.ClearDirty()
	assert.False(t, s.IsDirty())
	s.MarkDirty()
	assert.True(t, s.TakeDirty())
	assert.False(t, s.TakeDirty())

	assert.False(t, s.IsExiting())
	s.SetExiting()
	s.SetExiting()
	assert.True(t, s.IsExiting())

	assert.Equal(t, LifecycleInit, s.Lifecycle())
	s.SetLifecycle(LifecycleReady)
	assert.Equal(t, LifecycleReady, s.Lifecycle())
	assert.Equal(t, "ready", s.Lifecycle().String())
}

func TestBindingAndDisable(t *testing.T) {
	s := NewServiceState()
	s.SetBinding(0x1122, "mlx5_0")
	assert.Equal(t, uint64(0x1122), s.GetPortGUID())
	assert.Equal(t, "mlx5_0", s.GetRDMADevice())

	s.DisableRDMA("queue pair quarantined")
	assert.Empty(t, s.GetRDMADevice())
	assert.Equal(t, "queue pair quarantined", s.GetRDMADisabledReason())
	assert.Equal(t, uint64(0x1122), s.GetPortGUID())
}
