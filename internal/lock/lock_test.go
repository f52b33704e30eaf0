package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/procprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	m := New(t.TempDir(), time.Second, procprobe.New(), logger.Default())
	release, err := m.Acquire(context.Background(), "coder", time.Second)
	require.NoError(t, err)
	release()

	release2, err := m.Acquire(context.Background(), "coder", time.Second)
	require.NoError(t, err)
	release2()
}

func TestAcquireBlocksConcurrentCallerForSameProfile(t *testing.T) {
	m := New(t.TempDir(), 5*time.Second, procprobe.New(), logger.Default())

	release, err := m.Acquire(context.Background(), "docs", time.Second)
	require.NoError(t, err)

	var secondAcquired int32
	done := make(chan struct{})
	go func() {
		r, err := m.Acquire(context.Background(), "docs", 2*time.Second)
		if err == nil {
			atomic.StoreInt32(&secondAcquired, 1)
			r()
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&secondAcquired), "second caller should still be blocked")

	release()
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&secondAcquired))
}

func TestAcquireTimesOutWhenHeldElsewhere(t *testing.T) {
	m := New(t.TempDir(), 5*time.Second, procprobe.New(), logger.Default())
	release, err := m.Acquire(context.Background(), "vision", time.Second)
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), "vision", 200*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
}
