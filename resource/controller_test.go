package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCeiling(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	assert.True(t, c.TryAcquireMemory(60))
	assert.Equal(t, int64(60), c.MemoryUsage())

	assert.False(t, c.TryAcquireMemory(50), "would exceed the ceiling")
	assert.Equal(t, int64(60), c.MemoryUsage())

	c.ReleaseMemory(60)
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.True(t, c.TryAcquireMemory(100))
	c.ReleaseMemory(100)
}

func TestUnlimitedMemoryTracksUsage(t *testing.T) {
	c := NewController(Config{})

	assert.True(t, c.TryAcquireMemory(1 << 30))
	assert.Equal(t, int64(1<<30), c.MemoryUsage())
	c.ReleaseMemory(1 << 30)
}

func TestNilControllerIsNoop(t *testing.T) {
	var c *Controller

	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	assert.Equal(t, int64(0), c.MemoryUsage())
	require.NoError(t, c.AcquireIO(context.Background(), 1024))
}

func TestBackgroundSlots(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 1})

	require.NoError(t, c.AcquireBackground(context.Background()))
	assert.False(t, c.TryAcquireBackground())
	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()
}
