package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbot/logger"
)

func TestSessionFor(t *testing.T) {
	t.Parallel()
	cases := map[int]Session{
		0:  SessionAsian,
		3:  SessionAsian,
		6:  SessionAsian,
		7:  SessionOverlapAsiaEU,
		8:  SessionOverlapAsiaEU,
		9:  SessionEuropean,
		12: SessionEuropean,
		13: SessionOverlapEUUS,
		15: SessionOverlapEUUS,
		16: SessionUS,
		20: SessionUS,
		21: SessionQuiet,
		23: SessionQuiet,
	}
	for hour, want := range cases {
		assert.Equal(t, want, SessionFor(hour), "hour %d", hour)
	}
}

func TestScanIntervals(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint64(1), SessionOverlapEUUS.ScanInterval())
	assert.Equal(t, uint64(1), SessionUS.ScanInterval())
	assert.Equal(t, uint64(1), SessionEuropean.ScanInterval())
	assert.Equal(t, uint64(2), SessionOverlapAsiaEU.ScanInterval())
	assert.Equal(t, uint64(2), SessionAsian.ScanInterval())
	assert.Equal(t, uint64(3), SessionQuiet.ScanInterval())
}

// The counter is never reset: for interval n, exactly every nth tick
// dispatches.
func TestSkipPattern(t *testing.T) {
	t.Parallel()
	interval := SessionAsian.ScanInterval()
	var dispatched []uint64
	var cycle uint64
	for tick := 1; tick <= 6; tick++ {
		cycle++
		if cycle%interval == 0 {
			dispatched = append(dispatched, cycle)
		}
	}
	assert.Equal(t, []uint64{2, 4, 6}, dispatched)
}

func TestSniperSwitchIdempotent(t *testing.T) {
	t.Parallel()
	s := &Scheduler{inFlight: make(map[string]struct{}), log: logger.With("test")}
	assert.False(t, s.IsSniperActive(), "off at startup")
	s.StartSniper()
	s.StartSniper()
	assert.True(t, s.IsSniperActive())
	s.StopSniper()
	assert.False(t, s.IsSniperActive())
}

func TestInFlightSet(t *testing.T) {
	t.Parallel()
	s := &Scheduler{inFlight: make(map[string]struct{}), log: logger.With("test")}
	require.True(t, s.acquire("BTCUSDT"))
	assert.False(t, s.acquire("BTCUSDT"), "no second task for a busy symbol")
	assert.True(t, s.acquire("ETHUSDT"))
	s.release("BTCUSDT")
	assert.True(t, s.acquire("BTCUSDT"))
}

func TestPoolRunsEverything(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(200), count.Load())
	pool.Shutdown(time.Second)
}

func TestPoolStaysLiveWhenSaturated(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	block := make(chan struct{})
	// Saturate workers and the queue from independent goroutines (a
	// caller-runs submit parks its submitter until block closes).
	saturating := poolMaxWorkers + poolQueueDepth + 8
	var parked sync.WaitGroup
	for i := 0; i < saturating; i++ {
		parked.Add(1)
		go func() {
			defer parked.Done()
			pool.Submit(func() { <-block })
		}()
	}
	time.Sleep(100 * time.Millisecond)

	// A further submit must not hang: it either queues or caller-runs.
	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		pool.Submit(func() { ran.Store(true) })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit blocked on a saturated pool")
	}

	close(block)
	parked.Wait()
	assert.Eventually(t, ran.Load, 2*time.Second, 10*time.Millisecond)
	pool.Shutdown(time.Second)
}

func TestPoolShutdownBoundedWait(t *testing.T) {
	t.Parallel()
	pool := NewPool()
	pool.Submit(func() { time.Sleep(5 * time.Second) })
	start := time.Now()
	pool.Shutdown(200 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "drain wait is bounded")
}
