// Package poll implements the sensor-poll task: the highest-priority loop,
// pinned to the acquisition CPU, feeding the sample queue.
package poll

import (
	"context"
	"time"

	"ecowatt/internal/devconfig"
	"ecowatt/internal/queue"
	"ecowatt/internal/registers"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
)

// Deadline for one poll tick.
const Deadline = 2 * time.Second

type Task struct {
	cfg      *devconfig.Runtime
	reload   *tasks.CountingSemaphore
	acquirer *registers.Acquirer
	sampleQ  *queue.Queue[models.Sample]
	monitor  *watchdog.DeadlineMonitor
	bus      *events.Bus
	log      logging.Logger

	active []models.RegID // task-local copy of the layout in use
	nowMs  func() uint64
}

func NewTask(cfg *devconfig.Runtime, reload *tasks.CountingSemaphore, acq *registers.Acquirer,
	sampleQ *queue.Queue[models.Sample], monitor *watchdog.DeadlineMonitor, bus *events.Bus, log logging.Logger) *Task {
	return &Task{
		cfg:      cfg,
		reload:   reload,
		acquirer: acq,
		sampleQ:  sampleQ,
		monitor:  monitor,
		bus:      bus,
		log:      log,
		active:   cfg.ActiveRegisters(),
		nowMs:    func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
}

// Monitor exposes the task's deadline monitor to the watchdog.
func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

// Tick runs one poll: consume at most one reload token, read the inverter,
// assemble the sample with the current layout, hand it off without ever
// blocking on a full queue.
func (t *Task) Tick(ctx context.Context) error {
	if t.reload.TryTake() {
		// Period changes take effect through the runner's period func; the
		// register list swap is ours.
		fresh := t.cfg.ActiveRegisters()
		if !devconfig.SameRegisters(fresh, t.active) {
			t.log.InfoCtx(ctx, "active register list changed", "old", len(t.active), "new", len(fresh))
			t.active = fresh
		}
	}
	if len(t.active) == 0 {
		t.active = t.cfg.ActiveRegisters()
		if len(t.active) == 0 {
			return nil
		}
	}

	dv := t.acquirer.ReadRequest(ctx, t.active)
	if dv.Count < len(t.active) {
		t.log.WarnCtx(ctx, "partial acquisition, sample skipped", "want", len(t.active), "got", dv.Count)
		return nil
	}

	var s models.Sample
	s.Timestamp = t.nowMs()
	s.RegisterCount = uint8(len(t.active))
	copy(s.Registers[:], t.active)
	for i := 0; i < dv.Count; i++ {
		s.Values[i] = dv.Values[i]
	}

	if !t.sampleQ.TrySend(s) {
		t.monitor.RecordMiss(false)
		t.log.WarnCtx(ctx, "sample queue full, sample dropped", "dropped_total", t.sampleQ.Dropped())
		if t.bus != nil {
			_ = t.bus.Publish(events.Event{Category: events.CategoryPipeline, Type: "sample_dropped", Severity: "warn"})
		}
	}
	return nil
}

// Spec builds the task-manager registration for this task.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "sensor-poll",
		Priority: tasks.PrioritySensorPoll,
		CPU:      tasks.CPUAcquire,
		Deadline: Deadline,
		Period:   tasks.PeriodValue(&t.cfg.PollPeriodMs),
		Tick:     t.Tick,
		OnOverrun: func(elapsed time.Duration) {
			t.monitor.RecordMiss(false)
		},
		Feed: hw.Feed,
	}
}
