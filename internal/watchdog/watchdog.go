package watchdog

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/security"
	"ecowatt/internal/tasks"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
	"ecowatt/telemetry/metrics"
)

const (
	CheckInterval = 5 * time.Second
	// MaxTaskIdle is the hard liveness bound on the sensor-poll task.
	MaxTaskIdle = 60 * time.Second
	// rebootFlushDelay lets the log sink drain before the forced restart.
	rebootFlushDelay = 250 * time.Millisecond

	healthReportEvery = 12 // passes between health reports (~1 min)
	netLockTimeout    = 2 * time.Second
)

// Rebooter performs the forced restart.
type Rebooter func(reason string)

// Monitors bundles the deadline monitors the supervisor watches.
type Monitors struct {
	Poll     *DeadlineMonitor
	Upload   *DeadlineMonitor
	Compress *DeadlineMonitor
}

// HealthReport is the periodic diagnostics record.
type HealthReport struct {
	Timestamp   uint64                `json:"timestamp"`
	Uptime      string                `json:"uptime"`
	HeapAlloc   uint64                `json:"heap_alloc"`
	HeapSys     uint64                `json:"heap_sys"`
	MinFreeHeap uint64                `json:"min_free_heap"`
	Goroutines  int                   `json:"goroutines"`
	Tasks       []tasks.StatsSnapshot `json:"tasks"`
}

type Task struct {
	cfg      *devconfig.Runtime
	mgr      *tasks.Manager
	hw       *Hardware
	monitors Monitors
	client   *cloud.Client
	sealer   *security.Sealer
	reboot   Rebooter
	bus      *events.Bus
	log      logging.Logger

	startedAt   time.Time
	passes      uint64
	minFreeHeap uint64

	mMisses metrics.Gauge
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, hw *Hardware, monitors Monitors,
	client *cloud.Client, sealer *security.Sealer, reboot Rebooter, bus *events.Bus,
	provider metrics.Provider, log logging.Logger) *Task {
	t := &Task{
		cfg: cfg, mgr: mgr, hw: hw, monitors: monitors, client: client, sealer: sealer,
		reboot: reboot, bus: bus, log: log, startedAt: time.Now(), minFreeHeap: ^uint64(0),
	}
	if provider != nil {
		t.mMisses = provider.NewGauge(metrics.Opts{Subsystem: "watchdog", Name: "lifetime_misses", Help: "Lifetime deadline misses per task", Labels: []string{"task"}})
	}
	return t
}

func (t *Task) Tick(ctx context.Context) error {
	t.passes++

	// Hard liveness: a silent sensor-poll task forces a reboot.
	if last := t.hw.LastFeed("sensor-poll"); !last.IsZero() && time.Since(last) > MaxTaskIdle {
		t.escalate(ctx, "sensor-poll idle beyond limit")
		return nil
	}
	if t.monitors.Poll != nil && t.monitors.Poll.ShouldRestart() {
		t.escalate(ctx, "sensor-poll sustained deadline misses")
		return nil
	}

	// Soft liveness: warn-only thresholds for the downstream stages.
	uploadPeriod := time.Duration(t.cfg.UploadPeriodMs.Load()) * time.Millisecond
	if last := t.hw.LastFeed("upload"); !last.IsZero() && time.Since(last) > 3*uploadPeriod {
		t.log.WarnCtx(ctx, "upload task stalled", "idle", time.Since(last).String())
	}
	pollPeriod := time.Duration(t.cfg.PollPeriodMs.Load()) * time.Millisecond
	if last := t.hw.LastFeed("compression"); !last.IsZero() && time.Since(last) > 10*pollPeriod {
		t.log.WarnCtx(ctx, "compression task stalled", "idle", time.Since(last).String())
	}

	// Connectivity returned: forgive network-related misses, keep lifetime
	// counters.
	if t.client.TakeReconnected() {
		t.log.InfoCtx(ctx, "network restored, clearing network-related miss counters")
		for _, m := range []*DeadlineMonitor{t.monitors.Poll, t.monitors.Upload, t.monitors.Compress} {
			if m != nil {
				m.ClearNetworkMisses()
			}
		}
		if t.bus != nil {
			_ = t.bus.Publish(events.Event{Category: events.CategoryWatchdog, Type: "network_restored"})
		}
	}

	if t.mMisses != nil {
		if t.monitors.Poll != nil {
			t.mMisses.Set(float64(t.monitors.Poll.LifetimeMisses()), "sensor-poll")
		}
		if t.monitors.Upload != nil {
			t.mMisses.Set(float64(t.monitors.Upload.LifetimeMisses()), "upload")
		}
		if t.monitors.Compress != nil {
			t.mMisses.Set(float64(t.monitors.Compress.LifetimeMisses()), "compression")
		}
	}

	if t.passes%healthReportEvery == 0 {
		t.publishHealth(ctx)
	}
	return nil
}

func (t *Task) escalate(ctx context.Context, reason string) {
	t.log.ErrorCtx(ctx, "watchdog forcing reboot", "reason", reason)
	if t.bus != nil {
		_ = t.bus.Publish(events.Event{Category: events.CategoryWatchdog, Type: "forced_reboot", Severity: "error", Fields: map[string]interface{}{"reason": reason}})
	}
	time.Sleep(rebootFlushDelay)
	if t.reboot != nil {
		t.reboot(reason)
	}
}

// publishHealth logs the report always and posts it to the diagnostics
// endpoint when the network mutex is free; diagnostics never compete with
// telemetry uploads.
func (t *Task) publishHealth(ctx context.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	free := ms.HeapSys - ms.HeapAlloc
	if free < t.minFreeHeap {
		t.minFreeHeap = free
	}
	report := HealthReport{
		Timestamp:   uint64(time.Now().UnixMilli()),
		Uptime:      time.Since(t.startedAt).Round(time.Second).String(),
		HeapAlloc:   ms.HeapAlloc,
		HeapSys:     ms.HeapSys,
		MinFreeHeap: t.minFreeHeap,
		Goroutines:  runtime.NumGoroutine(),
		Tasks:       t.mgr.Snapshots(),
	}
	t.log.InfoCtx(ctx, "health report", "uptime", report.Uptime, "heap_alloc", report.HeapAlloc, "goroutines", report.Goroutines)

	if t.sealer == nil || t.client == nil {
		return
	}
	plaintext, err := json.Marshal(report)
	if err != nil {
		return
	}
	envelope, err := t.sealer.SealJSON(plaintext)
	if err != nil {
		t.log.ErrorCtx(ctx, "health report sealing failed", "err", err)
		return
	}
	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		return
	}
	defer t.mgr.NetMutex.Release()
	if err := t.client.PostDiagnostics(ctx, envelope); err != nil {
		t.log.WarnCtx(ctx, "diagnostics post failed", "err", err)
	}
}

// Spec builds the task-manager registration.
func (t *Task) Spec(hw *Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "watchdog",
		Priority: tasks.PriorityWatchdog,
		CPU:      tasks.CPUAcquire,
		Period:   func() time.Duration { return CheckInterval },
		Tick:     t.Tick,
		Feed:     hw.Feed,
	}
}
