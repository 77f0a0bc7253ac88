package sql

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quarrydb/quarry/dialect"
)

// Stats holds statement execution statistics.
type Stats struct {
	// Queries is the total number of row-returning statements executed.
	Queries atomic.Int64
	// Execs is the total number of non-row statements executed.
	Execs atomic.Int64
	// Duration is the total time spent executing statements, in
	// nanoseconds.
	Duration atomic.Int64
	// Slow is the count of statements exceeding the slow threshold.
	Slow atomic.Int64
	// Errors is the count of statement errors.
	Errors atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Queries  int64
	Execs    int64
	Duration time.Duration
	Slow     int64
	Errors   int64
}

// Snapshot returns a consistent-enough copy of the current statistics.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Queries:  s.Queries.Load(),
		Execs:    s.Execs.Load(),
		Duration: time.Duration(s.Duration.Load()),
		Slow:     s.Slow.Load(),
		Errors:   s.Errors.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *Stats) Reset() {
	s.Queries.Store(0)
	s.Execs.Store(0)
	s.Duration.Store(0)
	s.Slow.Store(0)
	s.Errors.Store(0)
}

// AvgDuration returns the average statement duration.
func (s Snapshot) AvgDuration() time.Duration {
	total := s.Queries + s.Execs
	if total == 0 {
		return 0
	}
	return s.Duration / time.Duration(total)
}

// String returns a human-readable summary of the statistics.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d",
		s.Queries, s.Execs, s.Duration, s.AvgDuration(), s.Slow, s.Errors,
	)
}

// SlowHook is called when a statement exceeds the slow threshold.
type SlowHook func(ctx context.Context, query string, args []any, d time.Duration)

// StatsDriver wraps a dialect.Driver with statistics collection and
// structured statement logging.
type StatsDriver struct {
	dialect.Driver
	stats    Stats
	log      *slog.Logger
	slowAt   time.Duration
	slowHook SlowHook
}

// StatsOption configures a StatsDriver.
type StatsOption func(*StatsDriver)

// WithLogger sets the logger used for per-statement debug records.
func WithLogger(l *slog.Logger) StatsOption {
	return func(d *StatsDriver) { d.log = l }
}

// WithSlowThreshold sets the duration above which a statement counts as
// slow. Zero disables slow tracking.
func WithSlowThreshold(t time.Duration) StatsOption {
	return func(d *StatsDriver) { d.slowAt = t }
}

// WithSlowHook sets a hook invoked for each slow statement.
func WithSlowHook(h SlowHook) StatsOption {
	return func(d *StatsDriver) { d.slowHook = h }
}

// NewStatsDriver wraps drv with statistics collection.
func NewStatsDriver(drv dialect.Driver, opts ...StatsOption) *StatsDriver {
	d := &StatsDriver{Driver: drv, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns a snapshot of the collected statistics.
func (d *StatsDriver) Stats() Snapshot { return d.stats.Snapshot() }

// ResetStats resets the collected statistics.
func (d *StatsDriver) ResetStats() { d.stats.Reset() }

// Query implements dialect.ExecQuerier.
func (d *StatsDriver) Query(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Query(ctx, query, args, v)
	d.record(ctx, &d.stats.Queries, query, args, start, err)
	return err
}

// Exec implements dialect.ExecQuerier.
func (d *StatsDriver) Exec(ctx context.Context, query string, args, v any) error {
	start := time.Now()
	err := d.Driver.Exec(ctx, query, args, v)
	d.record(ctx, &d.stats.Execs, query, args, start, err)
	return err
}

func (d *StatsDriver) record(ctx context.Context, counter *atomic.Int64, query string, args any, start time.Time, err error) {
	elapsed := time.Since(start)
	counter.Add(1)
	d.stats.Duration.Add(int64(elapsed))
	if err != nil {
		d.stats.Errors.Add(1)
	}
	argv, _ := args.([]any)
	d.log.LogAttrs(ctx, slog.LevelDebug, "quarry statement",
		slog.String("query", query),
		slog.Any("args", argv),
		slog.Duration("duration", elapsed),
	)
	if d.slowAt > 0 && elapsed >= d.slowAt {
		d.stats.Slow.Add(1)
		d.log.LogAttrs(ctx, slog.LevelWarn, "quarry slow statement",
			slog.String("query", query),
			slog.Duration("duration", elapsed),
		)
		if d.slowHook != nil {
			d.slowHook(ctx, query, argv, elapsed)
		}
	}
}
