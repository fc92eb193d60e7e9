// Package power implements the periodic energy-accounting report.
package power

import (
	"context"
	"encoding/json"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/registers"
	"ecowatt/internal/security"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

const (
	Deadline       = 5 * time.Second
	netLockTimeout = 5 * time.Second
)

// The accounting registers are fixed; they are read regardless of the
// active telemetry register list.
var accountingRegs = []models.RegID{2, 9, 10, 11}

type reportBody struct {
	Timestamp     uint64 `json:"timestamp"`
	ACPowerW      uint16 `json:"ac_power_w"`
	EnergyToday   uint16 `json:"energy_today"`
	EnergyTotalLo uint16 `json:"energy_total_lo"`
	EnergyTotalHi uint16 `json:"energy_total_hi"`
}

type Task struct {
	cfg      *devconfig.Runtime
	mgr      *tasks.Manager
	acquirer *registers.Acquirer
	sealer   *security.Sealer
	client   *cloud.Client
	monitor  *watchdog.DeadlineMonitor
	log      logging.Logger
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, acq *registers.Acquirer, sealer *security.Sealer,
	client *cloud.Client, monitor *watchdog.DeadlineMonitor, log logging.Logger) *Task {
	return &Task{cfg: cfg, mgr: mgr, acquirer: acq, sealer: sealer, client: client, monitor: monitor, log: log}
}

func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

func (t *Task) Tick(ctx context.Context) error {
	t.mgr.ConfigReload.TryTake()

	dv := t.acquirer.ReadRequest(ctx, accountingRegs)
	if dv.Count < len(accountingRegs) {
		t.log.WarnCtx(ctx, "energy read incomplete, report skipped", "got", dv.Count)
		return nil
	}
	body := reportBody{
		Timestamp:     uint64(time.Now().UnixMilli()),
		ACPowerW:      dv.Values[0],
		EnergyToday:   dv.Values[1],
		EnergyTotalLo: dv.Values[2],
		EnergyTotalHi: dv.Values[3],
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return err
	}
	envelope, err := t.sealer.SealJSON(plaintext)
	if err != nil {
		t.log.ErrorCtx(ctx, "power report sealing failed", "err", err)
		return nil
	}

	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		t.monitor.RecordMiss(true)
		return nil
	}
	defer t.mgr.NetMutex.Release()
	if err := t.client.PostPowerReport(ctx, envelope); err != nil {
		t.monitor.RecordMiss(true)
		t.log.WarnCtx(ctx, "power report failed", "err", err)
	}
	return nil
}

// Spec builds the task-manager registration.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "power-report",
		Priority: tasks.PriorityPower,
		CPU:      tasks.CPUNetwork,
		Deadline: Deadline,
		Period:   tasks.PeriodValue(&t.cfg.PowerPeriodMs),
		Tick:     t.Tick,
		OnOverrun: func(elapsed time.Duration) {
			t.monitor.RecordMiss(!t.client.Online())
		},
		Feed: hw.Feed,
	}
}
