package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_SleepAdvances(t *testing.T) {
	m := NewManual()
	assert.Equal(t, Epoch, m.Now())

	require.NoError(t, m.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, m.Sleep(context.Background(), time.Second))
	m.Advance(500 * time.Millisecond)

	assert.Equal(t, Epoch.Add(3500*time.Millisecond), m.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, m.Slept())
}

func TestManual_SleepHonoursCancellation(t *testing.T) {
	m := NewManual()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, m.Sleep(ctx, time.Second), context.Canceled)
	assert.Equal(t, Epoch, m.Now())
	assert.Empty(t, m.Slept())
}

func TestManual_ConcurrentUse(t *testing.T) {
	m := NewManual()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Sleep(context.Background(), time.Millisecond)
			_ = m.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(50*time.Millisecond), m.Now())
	assert.Len(t, m.Slept(), 50)
}

func TestReal_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Real{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReal_SleepWaits(t *testing.T) {
	start := time.Now()
	require.NoError(t, Real{}.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}
