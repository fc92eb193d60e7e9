package tasks

import (
	"context"
	"runtime"
	"time"

	"ecowatt/telemetry/logging"
)

// TickFunc executes one period of a task. Errors are the tick's own
// business: loops log and continue, only the watchdog escalates.
type TickFunc func(ctx context.Context) error

// Spec describes one periodic task. Period is a function so reloaded
// configuration takes effect without restarting the runner.
type Spec struct {
	Name     string
	Priority int
	CPU      int
	Deadline time.Duration
	Period   func() time.Duration
	Tick     TickFunc

	// OnOverrun fires when a tick exceeds Deadline; the owner classifies the
	// miss (task-local vs network) in its own monitor.
	OnOverrun func(elapsed time.Duration)
	// Feed pets the hardware watchdog after each tick. Nil for the OTA task,
	// which is excluded from the watchdog window by design.
	Feed func(name string)
	// SuspendExempt keeps the task running while the rest of the fleet is
	// frozen (only the OTA task sets it).
	SuspendExempt bool
}

type runner struct {
	spec  Spec
	stats *Stats
	log   logging.Logger
}

// run is the scheduling loop: absolute-time waits, so a long tick delays its
// own next wake but skipped ticks never accelerate the cadence.
func (r *runner) run(ctx context.Context, m *Manager) {
	defer m.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinCurrentThread(r.spec.CPU); err != nil {
		r.log.WarnCtx(ctx, "cpu pinning unavailable", "task", r.spec.Name, "cpu", r.spec.CPU, "err", err)
	}

	next := time.Now().Add(r.spec.Period())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		timer.Reset(time.Until(next))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !r.spec.SuspendExempt {
			if gate := m.suspendGate.Load(); gate != nil {
				select {
				case <-ctx.Done():
					return
				case <-(*gate):
				}
				// Frozen time does not count against the schedule.
				next = time.Now()
			}
		}

		start := time.Now()
		if err := r.spec.Tick(ctx); err != nil {
			r.log.ErrorCtx(ctx, "task tick failed", "task", r.spec.Name, "err", err)
		}
		elapsed := time.Since(start)
		r.stats.record(elapsed)
		if r.spec.Deadline > 0 && elapsed > r.spec.Deadline {
			r.stats.recordMiss()
			if r.spec.OnOverrun != nil {
				r.spec.OnOverrun(elapsed)
			}
		}
		if r.spec.Feed != nil {
			r.spec.Feed(r.spec.Name)
		}

		period := r.spec.Period()
		next = next.Add(period)
		if now := time.Now(); next.Before(now) {
			// Missed one or more boundaries; resume the cadence from here.
			next = now.Add(period)
		}
	}
}
