package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBudget(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(50))
	require.NoError(t, c.AcquireMemory(40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	err := c.AcquireMemory(20)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int64(20), limitErr.Requested)
	assert.Equal(t, int64(90), limitErr.InUse)
	assert.Equal(t, int64(100), limitErr.Limit)

	c.ReleaseMemory(50)
	require.NoError(t, c.AcquireMemory(20))
	assert.Equal(t, int64(60), c.MemoryUsage())
	assert.Equal(t, int64(90), c.MemoryPeak())
}

func TestUnlimited(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.AcquireMemory(1<<40))
	assert.Equal(t, int64(0), c.MemoryLimit())
	require.NoError(t, c.AcquireIO(t.Context(), 1<<30))

	var nilController *Controller
	require.NoError(t, nilController.AcquireMemory(10))
	nilController.ReleaseMemory(10)
	assert.True(t, nilController.TryAcquireWorker())
	assert.Equal(t, 1, nilController.MaxWorkers())
}

func TestWorkers(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})
	require.NoError(t, c.AcquireWorker(t.Context()))
	require.NoError(t, c.AcquireWorker(t.Context()))
	assert.False(t, c.TryAcquireWorker())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireWorker(ctx), context.DeadlineExceeded)

	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
}

func TestLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer
	w := c.Writer(t.Context(), &buf)

	payload := bytes.Repeat([]byte{1}, 3<<20/2)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf.Bytes())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = c.Writer(ctx, &buf).Write(payload)
	assert.Error(t, err)
}
