package videoengine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTimeProvider(t *testing.T) {
	provider := DefaultTimeProvider{}
	before := time.Now()
	got := provider.Now()
	after := time.Now()

	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
	assert.GreaterOrEqual(t, provider.Since(before), time.Duration(0))
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewManualClock(start)

	assert.True(t, clock.Now().Equal(start))
	assert.True(t, clock.Advance(5*time.Second).Equal(start.Add(5*time.Second)))
	assert.Equal(t, 5*time.Second, clock.Since(start))

	later := time.Date(2027, 6, 1, 12, 0, 0, 0, time.UTC)
	clock.Set(later)
	assert.True(t, clock.Now().Equal(later))
}

func TestManualClockConcurrentAdvance(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Advance(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800*time.Millisecond, clock.Since(start))
}

func TestEngineUsesTimeProvider(t *testing.T) {
	e, clock := newManualEngine(t)
	require.True(t, e.now().Equal(testStart))

	clock.Advance(10 * time.Minute)
	assert.True(t, e.now().Equal(testStart.Add(10*time.Minute)))
}
