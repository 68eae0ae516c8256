package syncmap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateRunsCreateOnce(t *testing.T) {
	var m Map[string, *int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]*int, 50)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _ := m.GetOrCreate("tenant-a", func() *int {
				calls.Add(1)
				n := 42
				return &n
			})
			results[i] = v
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Same(t, results[0], v)
	}
	require.Equal(t, 1, m.Len())
}

func TestLoadAndDelete(t *testing.T) {
	var m Map[string, int]
	m.Store("a", 1)
	m.Store("b", 2)

	v, ok := m.LoadAndDelete("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = m.LoadAndDelete("a")
	require.False(t, ok)

	_, created := m.GetOrCreate("a", func() int { return 3 })
	require.True(t, created)

	require.Equal(t, []string{"a", "b"}, m.SortedKeys(func(a, b string) bool { return a < b }))
	require.ElementsMatch(t, []int{3, 2}, m.Values())
}

func TestLocksSerializeAndRelease(t *testing.T) {
	var locks Locks[string]

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
		maxSeen atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("tenant-a")
			defer unlock()

			n := holders.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			holders.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxSeen.Load())
	require.Zero(t, locks.Len())
}

func TestLocksKeysAreIndependent(t *testing.T) {
	var locks Locks[string]

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	require.Equal(t, 2, locks.Len())

	unlockA()
	unlockA()
	require.Equal(t, 1, locks.Len())

	unlockB()
	require.Zero(t, locks.Len())
}
