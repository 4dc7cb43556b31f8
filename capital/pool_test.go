package capital

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndRelease(t *testing.T) {
	pool := NewPool(1000)

	require.NoError(t, pool.Reserve(50))
	assert.InDelta(t, 50, pool.Reserved(), 1e-9)
	assert.InDelta(t, 950, pool.Free(), 1e-9)

	pool.Release(50)
	assert.InDelta(t, 0, pool.Reserved(), 1e-9)
	assert.InDelta(t, 1000, pool.Free(), 1e-9)
}

func TestReserveFailsOnInsufficientFunds(t *testing.T) {
	pool := NewPool(100)

	require.NoError(t, pool.Reserve(80))
	err := pool.Reserve(30)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed reservation must not change the pool
	assert.InDelta(t, 80, pool.Reserved(), 1e-9)
	assert.InDelta(t, 20, pool.Free(), 1e-9)
}

func TestReserveRejectsNonPositiveAmounts(t *testing.T) {
	pool := NewPool(100)
	assert.Error(t, pool.Reserve(0))
	assert.Error(t, pool.Reserve(-5))
}

// Conservation under concurrent reservations: no interleaving may overcommit
// the pool, and reserved + free must always equal total.
func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	pool := NewPool(100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Reserve(10); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.InDelta(t, 100, pool.Reserved(), 1e-9)
	assert.InDelta(t, 0, pool.Free(), 1e-9)
	assert.InDelta(t, pool.Total(), pool.Reserved()+pool.Free(), 1e-9)
}

func TestAdjustTracksActualFill(t *testing.T) {
	pool := NewPool(1000)
	require.NoError(t, pool.Reserve(50))

	// Exchange filled 49.73 instead of the proposed 50
	pool.Adjust(50, 49.73)
	assert.InDelta(t, 49.73, pool.Reserved(), 1e-9)
	assert.InDelta(t, 950.27, pool.Free(), 1e-9)

	// Slight overshoot is also possible
	pool.Adjust(49.73, 50.11)
	assert.InDelta(t, 50.11, pool.Reserved(), 1e-9)
}

func TestOverReleaseClamps(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Reserve(40))

	pool.Release(70)
	assert.InDelta(t, 0, pool.Reserved(), 1e-9)
	assert.InDelta(t, 100, pool.Free(), 1e-9)
}

func TestNewPoolWithReserved(t *testing.T) {
	pool, err := NewPoolWithReserved(1000, 300)
	require.NoError(t, err)
	assert.InDelta(t, 300, pool.Reserved(), 1e-9)
	assert.InDelta(t, 700, pool.Free(), 1e-9)

	_, err = NewPoolWithReserved(100, 200)
	assert.Error(t, err)

	_, err = NewPoolWithReserved(100, -1)
	assert.Error(t, err)
}
