package vm

import (
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Sweeper: Periodic reclamation of condemned heap cells
// ---------------------------------------------------------------------------

// Sweeper periodically runs Heap.Sweep so condemned cells return to the free
// lists without the embedder calling Sweep by hand. Long-running processes
// (servers, REPL hosts) start one per heap; batch runs can skip it and sweep
// explicitly.
type Sweeper struct {
	heap     *Heap
	interval time.Duration
	enabled  atomic.Bool
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	// Statistics
	sweepCount atomic.Uint64
	lastStats  atomic.Value // *SweepStats
}

// DefaultSweepInterval is the default interval between reclamation passes.
const DefaultSweepInterval = time.Second

// NewSweeper creates a sweeper for the given heap with the specified
// interval. Use DefaultSweepInterval for the default (1s).
func NewSweeper(heap *Heap, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		heap:     heap,
		interval: interval,
	}
	s.enabled.Store(true)
	return s
}

// Start begins the periodic sweep goroutine. It is safe to call Start
// multiple times; only one sweep loop will run.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return // already running
	}

	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	// Capture channels locally so the goroutine does not read s.stop/s.stopped
	// after Stop() has nilled them out.
	stopCh := s.stop
	stoppedCh := s.stopped
	go s.loop(stopCh, stoppedCh)
}

// Stop halts the periodic sweep goroutine and waits for it to finish.
// It is safe to call Stop multiple times or on a sweeper that was never
// started.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh := s.stop
	stoppedCh := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables sweeping. When disabled, the goroutine
// still runs but skips sweep passes.
func (s *Sweeper) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// IsEnabled returns whether sweeping is currently enabled.
func (s *Sweeper) IsEnabled() bool {
	return s.enabled.Load()
}

// Interval returns the sweep interval.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// SweepCount returns the total number of sweeps performed.
func (s *Sweeper) SweepCount() uint64 {
	return s.sweepCount.Load()
}

// LastStats returns statistics from the most recent sweep, or nil if no
// sweep has been performed yet.
func (s *Sweeper) LastStats() *SweepStats {
	v := s.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*SweepStats)
}

// SweepNow performs an immediate sweep regardless of the timer.
// This is useful for testing and deterministic cleanup.
func (s *Sweeper) SweepNow() *SweepStats {
	return s.sweep()
}

// loop is the sweep goroutine. stopCh and stoppedCh are captured copies of
// s.stop and s.stopped to avoid reading struct fields that may be nilled by
// Stop().
func (s *Sweeper) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.enabled.Load() {
				s.sweep()
			}
		}
	}
}

func (s *Sweeper) sweep() *SweepStats {
	stats := s.heap.Sweep()
	s.sweepCount.Add(1)
	s.lastStats.Store(&stats)
	return &stats
}
