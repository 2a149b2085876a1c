// Package progress reports elapsed time and segment progress for a download run.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Stopwatch measures time since the start of a run and logs laps against it.
// A Stopwatch is created once per run and passed to the components that report.
type Stopwatch struct {
	start  time.Time
	now    func() time.Time
	logger *slog.Logger
}

// NewStopwatch starts a stopwatch.
func NewStopwatch(logger *slog.Logger) *Stopwatch {
	return newStopwatch(logger, time.Now)
}

func newStopwatch(logger *slog.Logger, now func() time.Time) *Stopwatch {
	return &Stopwatch{start: now(), now: now, logger: logger}
}

// Elapsed returns the time since the stopwatch started.
func (s *Stopwatch) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}

// Lap logs msg at debug level with the elapsed time attached.
func (s *Stopwatch) Lap(msg string, args ...any) {
	s.logger.Debug(msg, append(args, "elapsed", s.Elapsed().Round(time.Millisecond))...)
}

// State is the lifecycle state reported by a Tracker.
type State string

const (
	StateWaiting  State = "waiting"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Tracker counts written segments and logs throughput at most once per interval.
// It is safe for concurrent use; the status server reads it while the merger writes.
type Tracker struct {
	mu       sync.Mutex
	watch    *Stopwatch
	logger   *slog.Logger
	interval time.Duration

	state    State
	total    int
	written  int
	buffered int
	bytes    int64
	lastLog  time.Time
}

// NewTracker creates a tracker that logs through the stopwatch's clock.
func NewTracker(watch *Stopwatch, logger *slog.Logger) *Tracker {
	return &Tracker{
		watch:    watch,
		logger:   logger,
		interval: time.Second,
		state:    StateWaiting,
	}
}

// Start records the number of segments in the run.
func (t *Tracker) Start(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = total
	t.state = StateRunning
	t.lastLog = t.watch.now()
}

// Buffered records how many results wait out of order.
func (t *Tracker) Buffered(n int) {
	t.mu.Lock()
	t.buffered = n
	t.mu.Unlock()
}

// Written records one segment of n bytes reaching the sink.
func (t *Tracker) Written(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written++
	t.bytes += int64(n)

	now := t.watch.now()
	if now.Sub(t.lastLog) < t.interval {
		return
	}
	t.lastLog = now

	left := t.total - t.written
	t.logger.Info("progress",
		"done", t.written,
		"left", left,
		"buffered", t.buffered,
		"bytes", t.bytes,
		"eta", t.etaLocked().Truncate(time.Second),
	)
}

// Finish records the final state of the run.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.state = StateFailed
		return
	}
	t.state = StateComplete
	t.buffered = 0
}

func (t *Tracker) etaLocked() time.Duration {
	if t.written == 0 {
		return 0
	}
	avg := t.watch.Elapsed() / time.Duration(t.written)
	return avg * time.Duration(t.total-t.written)
}

// Stats returns current statistics about the run.
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"state":            string(t.state),
		"total_segments":   t.total,
		"written_segments": t.written,
		"buffered":         t.buffered,
		"bytes":            t.bytes,
		"elapsed_seconds":  t.watch.Elapsed().Seconds(),
		"eta_seconds":      t.etaLocked().Seconds(),
	}
}
