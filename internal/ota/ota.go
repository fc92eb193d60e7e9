package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/nvs"
	"ecowatt/internal/tasks"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
)

// State enumerates the update machine.
type State string

const (
	StateIdle             State = "idle"
	StateCheckingManifest State = "checking_manifest"
	StateDownloading      State = "downloading"
	StateVerifying        State = "verifying"
	StateApplying         State = "applying"
	StateFinalizing       State = "finalizing"
	StateRollback         State = "rollback_on_failure"
)

const (
	chunkSize      = 4 * 1024
	progressStride = 32 * 1024
	netLockTimeout = 10 * time.Second
	// maxImageSize guards against a hostile manifest; no shipped image
	// approaches it.
	maxImageSize = 64 * 1024 * 1024
)

var (
	ErrHashMismatch = errors.New("ota: image hash mismatch")
	ErrSizeMismatch = errors.New("ota: image size mismatch")
)

// Rebooter requests a device restart once the new image is committed.
type Rebooter func(reason string)

type Task struct {
	cfg     *devconfig.Runtime
	mgr     *tasks.Manager
	client  *cloud.Client
	slots   *Slots
	store   nvs.Store
	reboot  Rebooter
	bus     *events.Bus
	log     logging.Logger
	version string

	state atomic.Value // State
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, client *cloud.Client, slots *Slots,
	store nvs.Store, reboot Rebooter, bus *events.Bus, log logging.Logger) *Task {
	version, err := store.GetString(nvs.KeyFirmwareVersion)
	if err != nil {
		version = "0.0.0"
	}
	t := &Task{cfg: cfg, mgr: mgr, client: client, slots: slots, store: store,
		reboot: reboot, bus: bus, log: log, version: version}
	t.state.Store(StateIdle)
	return t
}

// State reports the machine position (health probe, tests).
func (t *Task) State() State { return t.state.Load().(State) }

// CurrentVersion reports the running firmware version.
func (t *Task) CurrentVersion() string { return t.version }

func (t *Task) setState(ctx context.Context, s State) {
	t.state.Store(s)
	if t.bus != nil {
		_ = t.bus.Publish(events.Event{Category: events.CategoryOTA, Type: string(s)})
	}
	t.log.InfoCtx(ctx, "ota state", "state", string(s))
}

// Tick runs one pass of the state machine: manifest check, and when a newer
// image is published, the full download/verify/apply sequence within this
// single tick. The task never feeds the hardware watchdog; its liveness is
// bounded by per-chunk HTTP timeouts and the manifest-declared size.
func (t *Task) Tick(ctx context.Context) error {
	t.setState(ctx, StateCheckingManifest)
	defer func() {
		if t.State() != StateFinalizing {
			t.state.Store(StateIdle)
		}
	}()

	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		t.log.WarnCtx(ctx, "network busy, manifest check skipped")
		return nil
	}
	manifest, err := t.client.FetchManifest(ctx)
	if err != nil {
		t.mgr.NetMutex.Release()
		t.log.WarnCtx(ctx, "manifest fetch failed", "err", err)
		return nil
	}
	if !NewerVersion(manifest.Version, t.version) {
		t.mgr.NetMutex.Release()
		return nil
	}
	if manifest.Size <= 0 || manifest.Size > maxImageSize {
		t.mgr.NetMutex.Release()
		t.log.WarnCtx(ctx, "manifest size rejected", "size", manifest.Size)
		return nil
	}

	// The fleet freezes before the download starts and the network mutex
	// stays held across suspend/apply, so no frozen task can be parked
	// waiting on it.
	t.log.InfoCtx(ctx, "firmware update available", "current", t.version, "new", manifest.Version, "size", manifest.Size)
	t.mgr.SuspendAllExceptOTA()
	err = t.downloadAndApply(ctx, manifest)
	if err != nil {
		t.setState(ctx, StateRollback)
		t.slots.DiscardInactive()
		t.mgr.ResumeAll()
		t.mgr.NetMutex.Release()
		t.log.ErrorCtx(ctx, "firmware update aborted, staying on current image", "err", err)
		return nil
	}

	t.setState(ctx, StateFinalizing)
	t.mgr.NetMutex.Release()
	if t.reboot != nil {
		t.reboot(fmt.Sprintf("firmware %s committed", manifest.Version))
	}
	return nil
}

func (t *Task) downloadAndApply(ctx context.Context, manifest *cloud.Manifest) error {
	t.setState(ctx, StateDownloading)
	w, err := t.slots.OpenInactive()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	hasher := sha256.New()
	var received int64
	var lastLogged int64
	for received < manifest.Size {
		want := int64(chunkSize)
		if manifest.Size-received < want {
			want = manifest.Size - received
		}
		chunk, err := t.client.FetchChunk(ctx, manifest.URL, received, want)
		if err != nil {
			return fmt.Errorf("chunk at %d: %w", received, err)
		}
		if len(chunk) == 0 {
			return fmt.Errorf("chunk at %d: %w", received, ErrSizeMismatch)
		}
		if _, err := w.Write(chunk); err != nil {
			return fmt.Errorf("slot write at %d: %w", received, err)
		}
		_, _ = hasher.Write(chunk)
		received += int64(len(chunk))
		if received-lastLogged >= progressStride {
			lastLogged = received
			t.log.InfoCtx(ctx, "download progress", "received", received, "total", manifest.Size)
		}
	}
	if received != manifest.Size {
		return ErrSizeMismatch
	}
	if err := w.Sync(); err != nil {
		return err
	}

	t.setState(ctx, StateVerifying)
	got := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(got, manifest.SHA256) {
		return fmt.Errorf("%w: got %s want %s", ErrHashMismatch, got, manifest.SHA256)
	}

	t.setState(ctx, StateApplying)
	if err := t.slots.CommitInactive(); err != nil {
		return err
	}
	if err := t.store.SetString(nvs.KeyFirmwareVersion, manifest.Version); err != nil {
		return err
	}
	t.version = manifest.Version
	return nil
}

// NewerVersion compares dotted-integer versions; a manifest version equal
// to or older than current is not an update.
func NewerVersion(candidate, current string) bool {
	cp := strings.Split(strings.TrimSpace(candidate), ".")
	cu := strings.Split(strings.TrimSpace(current), ".")
	n := len(cp)
	if len(cu) > n {
		n = len(cu)
	}
	for i := 0; i < n; i++ {
		a, b := 0, 0
		if i < len(cp) {
			a, _ = strconv.Atoi(cp[i])
		}
		if i < len(cu) {
			b, _ = strconv.Atoi(cu[i])
		}
		if a != b {
			return a > b
		}
	}
	return false
}

// Spec builds the task-manager registration. No Feed: the OTA task is
// excluded from the hardware watchdog, its cycles can exceed the window.
func (t *Task) Spec() tasks.Spec {
	return tasks.Spec{
		Name:          "ota",
		Priority:      tasks.PriorityOTA,
		CPU:           tasks.CPUNetwork,
		Period:        tasks.PeriodValue(&t.cfg.OTAPeriodMs),
		Tick:          t.Tick,
		SuspendExempt: true,
	}
}
