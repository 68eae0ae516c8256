package routing

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const window = 2 * time.Second

func TestCoalescerBurst(t *testing.T) {
	for _, k := range []int{2, 3, 10, 50} {
		mock := clock.NewMock()
		c := NewCoalescer(mock, window)

		var runs atomic.Int32
		fn := func() { runs.Add(1) }

		c.Trigger("nginx", fn)
		require.Equal(t, int32(1), runs.Load(), "leading edge runs immediately")

		for range k - 1 {
			mock.Add(window / time.Duration(2*k))
			c.Trigger("nginx", fn)
		}
		require.Equal(t, int32(1), runs.Load())
		require.Equal(t, StatePendingTrailing, c.State("nginx"))

		mock.Add(window)
		require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
		require.Equal(t, StateCooling, c.State("nginx"))

		mock.Add(window)
		require.Eventually(t, func() bool { return c.State("nginx") == StateIdle }, time.Second, time.Millisecond)
		require.Equal(t, int32(2), runs.Load(), "k=%d", k)
	}
}

func TestCoalescerSingle(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var runs atomic.Int32
	c.Trigger("nginx", func() { runs.Add(1) })

	mock.Add(window)
	require.Eventually(t, func() bool { return c.State("nginx") == StateIdle }, time.Second, time.Millisecond)
	require.Equal(t, int32(1), runs.Load())
}

func TestCoalescerTrailingUsesLatest(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var last atomic.Value
	c.Trigger("nginx", func() { last.Store("first") })
	c.Trigger("nginx", func() { last.Store("second") })
	c.Trigger("nginx", func() { last.Store("third") })

	mock.Add(window)
	require.Eventually(t, func() bool { return last.Load() == "third" }, time.Second, time.Millisecond)
}

func TestCoalescerTrailingRearms(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var runs atomic.Int32
	fn := func() { runs.Add(1) }

	c.Trigger("nginx", fn)
	c.Trigger("nginx", fn)

	mock.Add(window)
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	// inside the window opened by the trailing run
	c.Trigger("nginx", fn)
	require.Equal(t, int32(2), runs.Load())

	mock.Add(window)
	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
}

func TestCoalescerKeysAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var a, b atomic.Int32
	c.Trigger("a", func() { a.Add(1) })
	c.Trigger("b", func() { b.Add(1) })

	require.Equal(t, int32(1), a.Load())
	require.Equal(t, int32(1), b.Load())
}

func TestCoalescerStop(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var runs atomic.Int32
	fn := func() { runs.Add(1) }
	c.Trigger("nginx", fn)
	c.Trigger("nginx", fn)

	c.Stop()
	mock.Add(2 * window)

	require.Never(t, func() bool { return runs.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, StateIdle, c.State("nginx"))
}

func TestCoalescerFlush(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var runs atomic.Int32
	fn := func() { runs.Add(1) }
	c.Trigger("nginx", fn)
	c.Trigger("nginx", fn)
	require.Equal(t, StatePendingTrailing, c.State("nginx"))

	c.Flush()
	require.Equal(t, int32(2), runs.Load())
	require.Equal(t, StateIdle, c.State("nginx"))

	// the cancelled window never fires
	mock.Add(2 * window)
	require.Never(t, func() bool { return runs.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)

	// nothing pending, nothing runs
	c.Flush()
	require.Equal(t, int32(2), runs.Load())
}

func TestCoalescerConcurrentTriggers(t *testing.T) {
	c := NewCoalescer(clock.New(), 5*time.Millisecond)

	var runs atomic.Int32
	fn := func() { runs.Add(1) }

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				c.Trigger("nginx", fn)
				time.Sleep(100 * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.State("nginx") == StateIdle }, 2*time.Second, time.Millisecond)
	n := runs.Load()
	require.GreaterOrEqual(t, n, int32(2))
	require.Less(t, n, int32(400))

	// the settled key starts a fresh leading run
	c.Trigger("nginx", fn)
	require.Equal(t, n+1, runs.Load())
}

func TestCoalescerRestartAfterStop(t *testing.T) {
	mock := clock.NewMock()
	c := NewCoalescer(mock, window)

	var runs atomic.Int32
	fn := func() { runs.Add(1) }

	c.Trigger("nginx", fn)
	c.Stop()
	c.Trigger("nginx", fn)
	c.Trigger("nginx", fn)
	require.Equal(t, int32(2), runs.Load())

	mock.Add(window)
	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)

	mock.Add(window)
	require.Eventually(t, func() bool { return c.State("nginx") == StateIdle }, time.Second, time.Millisecond)
	require.Equal(t, int32(3), runs.Load())
}
