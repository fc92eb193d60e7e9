// Package agent composes every subsystem of the EcoWatt telemetry endpoint
// behind a single facade: the task fleet, the ring stages, the compression
// pipeline, the secured uploader, remote configuration, commands, OTA, and
// supervision.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/command"
	"ecowatt/internal/compression"
	"ecowatt/internal/configsync"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/nvs"
	"ecowatt/internal/ota"
	"ecowatt/internal/poll"
	"ecowatt/internal/power"
	"ecowatt/internal/protocol"
	"ecowatt/internal/registers"
	"ecowatt/internal/security"
	"ecowatt/internal/tasks"
	"ecowatt/internal/uploader"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/health"
	"ecowatt/telemetry/logging"
	"ecowatt/telemetry/metrics"
)

// TelemetryEvent is the reduced, stable event representation handed to
// external observers.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Snapshot is a unified view of agent state.
type Snapshot struct {
	StartedAt       time.Time             `json:"started_at"`
	Uptime          time.Duration         `json:"uptime"`
	FirmwareVersion string                `json:"firmware_version"`
	OTAState        string                `json:"ota_state"`
	Nonce           uint32                `json:"nonce"`
	SampleQueue     int                   `json:"sample_queue"`
	CompressedQueue int                   `json:"compressed_queue"`
	StagedPackets   int                   `json:"staged_packets"`
	DroppedSamples  uint64                `json:"dropped_samples"`
	Online          bool                  `json:"online"`
	Tasks           []tasks.StatsSnapshot `json:"tasks"`
}

// Agent owns the whole pipeline. Construct with New, drive with Start/Stop.
type Agent struct {
	cfg Config
	log logging.Logger

	store   nvs.Store
	runtime *devconfig.Runtime
	mgr     *tasks.Manager
	client  *cloud.Client
	sealer  *security.Sealer
	nonce   *security.NonceCounter
	hw      *watchdog.Hardware

	pollTask     *poll.Task
	compressTask *compression.Task
	uploadTask   *uploader.Task
	configTask   *configsync.Task
	commandTask  *command.Task
	otaTask      *ota.Task
	powerTask    *power.Task
	watchdogTask *watchdog.Task

	metricsProvider metrics.Provider
	eventBus        *events.Bus
	eventSub        *events.Subscription
	healthEval      *health.Evaluator

	started   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	rebootReason atomic.Pointer[string]
	rebootCh     chan string

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver
}

// New wires every subsystem. Any primitive or store failure is fatal; the
// caller decides whether to retry boot.
func New(cfg Config, base *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logging.New(base)

	var store nvs.Store
	var err error
	if cfg.MemoryStore {
		store = nvs.NewMemoryStore()
	} else {
		store, err = nvs.OpenBadger(cfg.DataDir)
		if err != nil {
			return nil, err
		}
	}

	a := &Agent{cfg: cfg, log: log, store: store, rebootCh: make(chan string, 1)}
	a.metricsProvider = selectMetricsProvider(cfg)
	a.eventBus = events.NewBus(a.metricsProvider)

	// Runtime tunables: defaults, then whatever survived the last boot.
	defaultRegs := []models.RegID{0, 1, 2, 3, 8}
	a.runtime = devconfig.New(defaultRegs)
	if err := a.runtime.LoadPersisted(store); err != nil {
		return nil, err
	}

	a.mgr, err = tasks.NewManager(cfg.Queues, log)
	if err != nil {
		return nil, err
	}

	a.client = cloud.New(cloud.Options{BaseURL: cfg.CloudBaseURL, DeviceID: cfg.DeviceID, Timeout: cfg.HTTPTimeout}, log)

	hmacKey, err := cfg.hmacKey()
	if err != nil {
		return nil, err
	}
	aesKey, _ := cfg.aesKey()
	a.nonce = security.NewNonceCounter(store)
	a.sealer, err = security.NewSealer(hmacKey, aesKey, cfg.EncryptionEnabled, a.nonce)
	if err != nil {
		return nil, err
	}

	adapter := protocol.NewAdapter(a.client, byte(cfg.InverterSlave), log)
	acquirer := registers.NewAcquirer(adapter, log)
	a.hw = watchdog.NewHardware()

	newMonitor := func() *watchdog.DeadlineMonitor {
		return watchdog.NewDeadlineMonitor(cfg.RestartThreshold, cfg.RestartWindow)
	}

	a.pollTask = poll.NewTask(a.runtime, a.mgr.ConfigReload, acquirer, a.mgr.SampleQ, newMonitor(), a.eventBus, log)
	a.compressTask = compression.NewTask(a.runtime, a.mgr.ConfigReload, a.mgr.SampleQ, a.mgr.CompressedQ,
		a.mgr.BatchReady, a.mgr.PipelineMutex, newMonitor(), a.eventBus, a.metricsProvider, log)
	a.uploadTask = uploader.NewTask(a.runtime, a.mgr, a.sealer, a.client, newMonitor(), a.eventBus, a.metricsProvider, log)
	a.configTask = configsync.NewTask(a.runtime, a.mgr, a.client, store, newMonitor(), a.eventBus, log)
	a.commandTask = command.NewTask(a.runtime, a.mgr, a.client, adapter, a.mgr.Snapshots, a.resetCounters, newMonitor(), a.eventBus, log)

	slots, err := ota.NewSlots(cfg.FirmwareDir)
	if err != nil {
		return nil, err
	}
	a.otaTask = ota.NewTask(a.runtime, a.mgr, a.client, slots, store, a.RequestReboot, a.eventBus, log)
	a.powerTask = power.NewTask(a.runtime, a.mgr, acquirer, a.sealer, a.client, newMonitor(), log)
	a.watchdogTask = watchdog.NewTask(a.runtime, a.mgr, a.hw, watchdog.Monitors{
		Poll:     a.pollTask.Monitor(),
		Upload:   a.uploadTask.Monitor(),
		Compress: a.compressTask.Monitor(),
	}, a.client, a.sealer, a.RequestReboot, a.eventBus, a.metricsProvider, log)

	for _, spec := range []tasks.Spec{
		a.pollTask.Spec(a.hw),
		a.uploadTask.Spec(a.hw),
		a.compressTask.Spec(a.hw),
		a.commandTask.Spec(a.hw),
		a.configTask.Spec(a.hw),
		a.powerTask.Spec(a.hw),
		a.otaTask.Spec(),
		a.watchdogTask.Spec(a.hw),
	} {
		if err := a.mgr.Register(spec); err != nil {
			return nil, err
		}
	}

	a.healthEval = health.NewEvaluator(2*time.Second, a.healthProbes()...)
	a.bridgeEvents()
	return a, nil
}

// selectMetricsProvider maps config onto a backend.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "ecowatt"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func (a *Agent) healthProbes() []health.Probe {
	pipelineProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		dropped := a.mgr.SampleQ.Dropped()
		sent := a.mgr.SampleQ.Sent()
		if sent == 0 && dropped == 0 {
			return health.Unknown("pipeline", "no samples yet")
		}
		if dropped == 0 {
			return health.Healthy("pipeline")
		}
		ratio := float64(dropped) / float64(dropped+sent)
		if ratio >= 0.5 {
			return health.Unhealthy("pipeline", "most samples dropped")
		}
		if ratio >= 0.05 {
			return health.Degraded("pipeline", "sample drops elevated")
		}
		return health.Healthy("pipeline")
	})
	uploadProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		staged := a.uploadTask.StagedCount()
		if staged >= uploader.StagingCapacity {
			return health.Unhealthy("uploader", "staging saturated")
		}
		if staged > uploader.StagingCapacity/2 {
			return health.Degraded("uploader", "staging backlog")
		}
		return health.Healthy("uploader")
	})
	networkProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if a.client.Online() {
			return health.Healthy("network")
		}
		return health.Degraded("network", "cloud unreachable")
	})
	storeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if _, err := a.nonce.Current(); err != nil {
			return health.Unhealthy("nvs", err.Error())
		}
		return health.Healthy("nvs")
	})
	return []health.Probe{pipelineProbe, uploadProbe, networkProbe, storeProbe}
}

// bridgeEvents forwards internal bus events to registered observers.
func (a *Agent) bridgeEvents() {
	sub := a.eventBus.Subscribe(256)
	a.eventSub = sub
	go func() {
		for ev := range sub.C() {
			a.dispatchEvent(ev)
		}
	}()
}

func (a *Agent) dispatchEvent(ev events.Event) {
	a.eventObserversMu.RLock()
	if len(a.eventObservers) == 0 {
		a.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), a.eventObservers...)
	a.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// RegisterEventObserver adds an observer invoked for each telemetry event.
func (a *Agent) RegisterEventObserver(obs EventObserver) {
	if a == nil || obs == nil {
		return
	}
	a.eventObserversMu.Lock()
	a.eventObservers = append(a.eventObservers, obs)
	a.eventObserversMu.Unlock()
}

// Start spawns the task fleet and the optional override watcher.
func (a *Agent) Start(ctx context.Context) error {
	if a.started.Swap(true) {
		return errors.New("agent: already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.startedAt = time.Now()
	if err := a.mgr.StartAll(ctx); err != nil {
		return err
	}
	if a.cfg.LocalOverridePath != "" {
		w, err := configsync.NewWatcher(a.cfg.LocalOverridePath, a.configTask, a.log)
		if err != nil {
			a.log.WarnCtx(ctx, "override watcher unavailable", "path", a.cfg.LocalOverridePath, "err", err)
		} else {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				w.Run(ctx)
			}()
		}
	}
	a.log.InfoCtx(ctx, "agent started", "device", a.cfg.DeviceID, "firmware", a.otaTask.CurrentVersion())
	return nil
}

// Stop halts every task and closes the store. Idempotent.
func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mgr.Stop()
	a.wg.Wait()
	if a.eventSub != nil {
		a.eventSub.Close()
	}
	return a.store.Close()
}

// RequestReboot records the reason and signals the embedder; the process
// supervisor performs the actual restart.
func (a *Agent) RequestReboot(reason string) {
	a.rebootReason.Store(&reason)
	select {
	case a.rebootCh <- reason:
	default:
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// RebootRequested delivers the reboot reason once requested.
func (a *Agent) RebootRequested() <-chan string { return a.rebootCh }

func (a *Agent) resetCounters() {
	// Clears nothing. Queue drop counters, deadline-monitor windows and
	// lifetime counts, and the watchdog's minimum-free-heap watermark keep
	// their values until the process restarts.
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (a *Agent) HealthSnapshot(ctx context.Context) health.Snapshot {
	return a.healthEval.Evaluate(ctx)
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only); nil otherwise.
func (a *Agent) MetricsHandler() http.Handler {
	if hp, ok := a.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Snapshot returns a unified state view.
func (a *Agent) Snapshot() Snapshot {
	nonce, _ := a.nonce.Current()
	snap := Snapshot{
		StartedAt:       a.startedAt,
		FirmwareVersion: a.otaTask.CurrentVersion(),
		OTAState:        string(a.otaTask.State()),
		Nonce:           nonce,
		SampleQueue:     a.mgr.SampleQ.Len(),
		CompressedQueue: a.mgr.CompressedQ.Len(),
		StagedPackets:   a.uploadTask.StagedCount(),
		DroppedSamples:  a.mgr.SampleQ.Dropped(),
		Online:          a.client.Online(),
		Tasks:           a.mgr.Snapshots(),
	}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = time.Now()
	}
	snap.Uptime = time.Since(snap.StartedAt)
	return snap
}
