// Package command executes remote commands against the inverter and
// reports outcomes keyed by command id.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/protocol"
	"ecowatt/internal/registers"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
)

const (
	Deadline       = 5 * time.Second
	netLockTimeout = 5 * time.Second

	exportLimitRegister = models.RegID(14)
	ratedPowerRegister  = models.RegID(15)
)

// StatsSource lets a command report task statistics without the executor
// depending on the supervision wiring.
type StatsSource func() []tasks.StatsSnapshot

// CounterReset is the hook the reset_counters command calls. The agent's
// hook clears no counter: queue drop counters, deadline-monitor counts and
// the watchdog's heap watermark keep their values.
type CounterReset func()

type Task struct {
	cfg     *devconfig.Runtime
	mgr     *tasks.Manager
	client  *cloud.Client
	adapter *protocol.Adapter
	stats   StatsSource
	reset   CounterReset
	monitor *watchdog.DeadlineMonitor
	bus     *events.Bus
	log     logging.Logger
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, client *cloud.Client, adapter *protocol.Adapter,
	stats StatsSource, reset CounterReset, monitor *watchdog.DeadlineMonitor, bus *events.Bus, log logging.Logger) *Task {
	return &Task{cfg: cfg, mgr: mgr, client: client, adapter: adapter, stats: stats, reset: reset, monitor: monitor, bus: bus, log: log}
}

func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

func (t *Task) Tick(ctx context.Context) error {
	t.mgr.ConfigReload.TryTake()

	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		t.monitor.RecordMiss(true)
		return nil
	}
	defer t.mgr.NetMutex.Release()

	var cmd models.Command
	ok, err := t.client.PollCommand(ctx, &cmd)
	if err != nil {
		t.monitor.RecordMiss(true)
		t.log.WarnCtx(ctx, "command poll failed", "err", err)
		return nil
	}
	if !ok {
		return nil
	}

	result := t.Execute(ctx, &cmd)
	if err := t.client.PostCommandResult(ctx, result); err != nil {
		t.log.WarnCtx(ctx, "command result post failed", "command", cmd.ID, "err", err)
		t.monitor.RecordMiss(true)
		return nil
	}
	if t.bus != nil {
		_ = t.bus.Publish(events.Event{Category: events.CategoryCommand, Type: string(cmd.Type), Labels: map[string]string{"id": cmd.ID}, Severity: severity(result.Success)})
	}
	return nil
}

// Execute runs one command synchronously and builds its result record.
func (t *Task) Execute(ctx context.Context, cmd *models.Command) models.CommandResult {
	res := models.CommandResult{ID: cmd.ID, FinishedAt: uint64(time.Now().UnixMilli())}
	attempt := uuid.NewString()

	switch cmd.Type {
	case models.CommandWriteRegister:
		d, ok := registers.Lookup(cmd.Register)
		if !ok {
			res.Detail = fmt.Sprintf("unknown register %d", cmd.Register)
			return res
		}
		if err := t.adapter.WriteRegister(ctx, d.Address, cmd.Value); err != nil {
			res.Detail = err.Error()
			return res
		}
		res.Success = true

	case models.CommandSetPower:
		res = t.writePercent(ctx, res, cmd.Percent)

	case models.CommandSetPowerWatts:
		pct, err := t.wattsToPercent(ctx, cmd.Watts)
		if err != nil {
			res.Detail = err.Error()
			return res
		}
		res = t.writePercent(ctx, res, pct)

	case models.CommandReadStats:
		if t.stats == nil {
			res.Detail = "stats unavailable"
			return res
		}
		res.Success = true
		res.Detail = fmt.Sprintf("attempt %s: %d tasks reporting", attempt, len(t.stats()))

	case models.CommandResetCounters:
		if t.reset != nil {
			t.reset()
		}
		res.Success = true

	default:
		res.Detail = fmt.Sprintf("unknown command type %q", cmd.Type)
	}
	return res
}

func (t *Task) writePercent(ctx context.Context, res models.CommandResult, pct uint8) models.CommandResult {
	if pct > 100 {
		res.Detail = fmt.Sprintf("percent %d out of range", pct)
		return res
	}
	d, _ := registers.Lookup(exportLimitRegister)
	if err := t.adapter.WriteRegister(ctx, d.Address, uint16(pct)); err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Success = true
	return res
}

// wattsToPercent converts an absolute setpoint into a percentage of rated
// capacity, reading the rated-power register.
func (t *Task) wattsToPercent(ctx context.Context, watts uint32) (uint8, error) {
	d, _ := registers.Lookup(ratedPowerRegister)
	values, err := t.adapter.ReadRegisters(ctx, d.Address, 1)
	if err != nil {
		return 0, fmt.Errorf("rated power read: %w", err)
	}
	rated := uint32(values[0])
	if rated == 0 {
		return 0, fmt.Errorf("rated power register is zero")
	}
	pct := (watts*100 + rated/2) / rated
	if pct > 100 {
		pct = 100
	}
	return uint8(pct), nil
}

func severity(ok bool) string {
	if ok {
		return "info"
	}
	return "warn"
}

// Spec builds the task-manager registration.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "command",
		Priority: tasks.PriorityCommand,
		CPU:      tasks.CPUNetwork,
		Deadline: Deadline,
		Period:   tasks.PeriodValue(&t.cfg.CommandPeriodMs),
		Tick:     t.Tick,
		OnOverrun: func(elapsed time.Duration) {
			t.monitor.RecordMiss(!t.client.Online())
		},
		Feed: hw.Feed,
	}
}
