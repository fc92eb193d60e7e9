// Package configsync pulls remote configuration deltas, persists accepted
// values, and updates the shared runtime record. Each field is versioned
// independently on the cloud side; a field is applied only when its remote
// version is ahead of the persisted one.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/nvs"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
)

const (
	Deadline       = 2 * time.Second
	netLockTimeout = 5 * time.Second
	nvsLockTimeout = 2 * time.Second
)

// Remote field names. Values travel as strings; periods are millisecond
// integers, the register list is comma-separated IDs.
const (
	FieldPollPeriod      = "poll_period"
	FieldUploadPeriod    = "upload_period"
	FieldConfigPeriod    = "config_period"
	FieldCommandPeriod   = "command_period"
	FieldOTAPeriod       = "ota_period"
	FieldPowerPeriod     = "power_report_period"
	FieldActiveRegisters = "active_registers"
)

const versionKeyPrefix = "config:ver:"

type Task struct {
	cfg     *devconfig.Runtime
	mgr     *tasks.Manager
	client  *cloud.Client
	store   nvs.Store
	monitor *watchdog.DeadlineMonitor
	bus     *events.Bus
	log     logging.Logger
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, client *cloud.Client, store nvs.Store,
	monitor *watchdog.DeadlineMonitor, bus *events.Bus, log logging.Logger) *Task {
	return &Task{cfg: cfg, mgr: mgr, client: client, store: store, monitor: monitor, bus: bus, log: log}
}

func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

func (t *Task) Tick(ctx context.Context) error {
	// Consume our own reload token; the new config period reaches us via the
	// runner's period func.
	t.mgr.ConfigReload.TryTake()

	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		t.monitor.RecordMiss(true)
		return nil
	}
	remote, err := t.client.FetchConfig(ctx)
	t.mgr.NetMutex.Release()
	if err != nil {
		t.monitor.RecordMiss(true)
		t.log.WarnCtx(ctx, "remote config fetch failed", "err", err)
		return nil
	}
	changed, err := t.applyDeltas(ctx, remote)
	if err != nil {
		return err
	}
	if changed > 0 {
		t.log.InfoCtx(ctx, "configuration updated from cloud", "fields", changed)
		if t.bus != nil {
			_ = t.bus.Publish(events.Event{Category: events.CategoryConfig, Type: "remote_applied", Fields: map[string]interface{}{"fields": changed}})
		}
	}
	return nil
}

// applyDeltas applies every field whose remote version is ahead, persisting
// value and version before mutating the shared record.
func (t *Task) applyDeltas(ctx context.Context, remote *cloud.RemoteConfig) (int, error) {
	if remote == nil || len(remote.Fields) == 0 {
		return 0, nil
	}
	if !t.mgr.NVSMutex.Acquire(ctx, nvsLockTimeout) {
		t.monitor.RecordMiss(false)
		return 0, nil
	}
	defer t.mgr.NVSMutex.Release()

	changed := 0
	for name, field := range remote.Fields {
		localVer, err := t.store.GetU32(versionKeyPrefix + name)
		if err != nil && !errors.Is(err, nvs.ErrNotFound) {
			return changed, err
		}
		if int64(localVer) >= field.Version {
			continue
		}
		if err := t.applyField(ctx, name, field.Value); err != nil {
			t.log.WarnCtx(ctx, "config field rejected", "field", name, "value", field.Value, "err", err)
			continue
		}
		if err := t.store.SetU32(versionKeyPrefix+name, uint32(field.Version)); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// ApplyLocal routes a local override (file watcher, CLI) through the same
// validation and persistence path as a remote delta, without version
// bookkeeping.
func (t *Task) ApplyLocal(ctx context.Context, name, value string) error {
	if !t.mgr.NVSMutex.Acquire(ctx, nvsLockTimeout) {
		return fmt.Errorf("configsync: nvs busy")
	}
	defer t.mgr.NVSMutex.Release()
	return t.applyField(ctx, name, value)
}

func (t *Task) applyField(ctx context.Context, name, value string) error {
	switch name {
	case FieldActiveRegisters:
		regs, err := ParseRegisterList(value)
		if err != nil {
			return err
		}
		if err := t.store.SetBytes(nvs.KeyActiveRegisters, devconfig.EncodeRegisters(regs)); err != nil {
			return err
		}
		t.cfg.SetActiveRegisters(regs)
		return nil
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ms < 100 || ms > 24*60*60*1000 {
		return fmt.Errorf("configsync: period %q out of range", value)
	}
	switch name {
	case FieldPollPeriod:
		if err := t.store.SetU32(nvs.KeyPollPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.PollPeriodMs.Store(ms)
	case FieldUploadPeriod:
		if err := t.store.SetU32(nvs.KeyUploadPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.UploadPeriodMs.Store(ms)
		t.mgr.MarkUploadPeriodChanged()
	case FieldConfigPeriod:
		if err := t.store.SetU32(nvs.KeyConfigPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.ConfigPeriodMs.Store(ms)
	case FieldCommandPeriod:
		if err := t.store.SetU32(nvs.KeyCommandPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.CommandPeriodMs.Store(ms)
	case FieldOTAPeriod:
		if err := t.store.SetU32(nvs.KeyOTAPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.OTAPeriodMs.Store(ms)
	case FieldPowerPeriod:
		if err := t.store.SetU32(nvs.KeyPowerPeriod, uint32(ms)); err != nil {
			return err
		}
		t.cfg.PowerPeriodMs.Store(ms)
	default:
		return fmt.Errorf("configsync: unknown field %q", name)
	}
	return nil
}

// ParseRegisterList parses "0,1,2" into register IDs.
func ParseRegisterList(s string) ([]models.RegID, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) == 0 || len(parts) > models.MaxRegisters {
		return nil, fmt.Errorf("configsync: register list size %d", len(parts))
	}
	out := make([]models.RegID, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("configsync: bad register id %q", p)
		}
		out = append(out, models.RegID(v))
	}
	return out, nil
}

// Spec builds the task-manager registration.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "config",
		Priority: tasks.PriorityConfig,
		CPU:      tasks.CPUNetwork,
		Deadline: Deadline,
		Period:   tasks.PeriodValue(&t.cfg.ConfigPeriodMs),
		Tick:     t.Tick,
		OnOverrun: func(elapsed time.Duration) {
			t.monitor.RecordMiss(!t.client.Online())
		},
		Feed: hw.Feed,
	}
}
