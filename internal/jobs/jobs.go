// Package jobs runs scheduled work under a hard deadline.
//
// There is no evaluation loop in the process. An external scheduler calls
// the internal job endpoints (or the CLI), and each call runs one job
// through Runner with a deadline of budget minus safety margin. Job bodies
// check HasTime before each unit and stop with Truncated set rather than
// start a unit they cannot finish. Jobs are re-entrant: overlapping runs
// are safe because every unit is an idempotent upsert or a cooldown claim.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Defaults for the invocation deadline.
const (
	DefaultBudget       = 55 * time.Second
	DefaultSafetyMargin = 5 * time.Second
	// DefaultUnitBudget is the time reserved for one unit of work.
	DefaultUnitBudget = 2 * time.Second
)

// ErrUnknownJob is returned by Run for an unregistered job name.
var ErrUnknownJob = errors.New("jobs: unknown job")

// Func is one job body. date is the UTC day the job targets.
type Func func(ctx context.Context, date time.Time) (model.JobSummary, error)

// Runner executes registered jobs under a deadline.
type Runner struct {
	budget time.Duration
	margin time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	jobs map[string]Func

	duration metric.Float64Histogram
	units    metric.Int64Counter
}

// NewRunner creates a runner. A budget at or below the margin falls back to
// the defaults.
func NewRunner(budget, margin time.Duration, logger *slog.Logger) *Runner {
	if budget <= 0 || margin < 0 || budget <= margin {
		budget, margin = DefaultBudget, DefaultSafetyMargin
	}
	meter := telemetry.Meter("jobs")
	dur, _ := meter.Float64Histogram("kansoku.job.duration",
		metric.WithDescription("Scheduled job wall time"),
		metric.WithUnit("ms"),
	)
	units, _ := meter.Int64Counter("kansoku.job.units",
		metric.WithDescription("Units processed by scheduled jobs, by outcome"),
	)
	return &Runner{
		budget:   budget,
		margin:   margin,
		logger:   logger,
		now:      time.Now,
		jobs:     make(map[string]Func),
		duration: dur,
		units:    units,
	}
}

// Register adds a job under name, replacing any previous one.
func (r *Runner) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[name] = fn
}

// Names returns the registered job names in sorted order.
func (r *Runner) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for n := range r.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Deadline is the effective time limit for one invocation.
func (r *Runner) Deadline() time.Duration { return r.budget - r.margin }

// Run executes the named job for date (zero means today, UTC).
func (r *Runner) Run(ctx context.Context, name string, date time.Time) (model.JobSummary, error) {
	r.mu.RLock()
	fn, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return model.JobSummary{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if date.IsZero() {
		date = r.now()
	}
	date = model.UTCDay(date)

	ctx, cancel := context.WithTimeout(ctx, r.Deadline())
	defer cancel()

	start := r.now()
	summary, err := fn(ctx, date)
	elapsed := r.now().Sub(start)

	summary.Job = name
	summary.StartedAt = start.UTC()
	summary.DurationMS = elapsed.Milliseconds()

	attrs := metric.WithAttributes(attribute.String("job", name))
	r.duration.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()), attrs)
	r.units.Add(context.WithoutCancel(ctx), int64(summary.Processed), metric.WithAttributes(
		attribute.String("job", name), attribute.String("outcome", "processed")))
	r.units.Add(context.WithoutCancel(ctx), int64(summary.Failed), metric.WithAttributes(
		attribute.String("job", name), attribute.String("outcome", "failed")))

	level := slog.LevelInfo
	if err != nil || summary.Failed > 0 || summary.Truncated {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "job finished",
		"job", name,
		"date", date.Format(model.DateLayout),
		"processed", summary.Processed,
		"fired", summary.Fired,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"truncated", summary.Truncated,
		"duration_ms", summary.DurationMS,
		"error", err,
	)
	if err != nil {
		return summary, fmt.Errorf("jobs: %s: %w", name, err)
	}
	return summary, nil
}

// HasTime reports whether ctx leaves at least unit before its deadline. A
// context without a deadline always has time; a cancelled one never does.
func HasTime(ctx context.Context, unit time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= unit
}

// WithPrevious runs fn for the day before date and then for date, so a
// day that received late data is recomputed once more after it closes.
// The two summaries are added together.
func WithPrevious(fn Func) Func {
	return func(ctx context.Context, date time.Time) (model.JobSummary, error) {
		prev, err := fn(ctx, date.AddDate(0, 0, -1))
		if err != nil {
			return prev, err
		}
		cur, err := fn(ctx, date)
		cur.Processed += prev.Processed
		cur.Fired += prev.Fired
		cur.Failed += prev.Failed
		cur.Skipped += prev.Skipped
		cur.Remaining += prev.Remaining
		cur.Truncated = cur.Truncated || prev.Truncated
		return cur, err
	}
}
