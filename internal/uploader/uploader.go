// Package uploader drains compressed packets into authenticated batch
// uploads and, on success, fans the configuration reload out to every
// consuming task.
package uploader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"time"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/queue"
	"ecowatt/internal/security"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
	"ecowatt/telemetry/metrics"
)

const (
	Deadline        = 5 * time.Second
	netLockTimeout  = 15 * time.Second
	StagingCapacity = 32
)

// batchBody is the plaintext JSON the envelope wraps. The server decodes
// the payload with the method tag and the layout carried here.
type batchBody struct {
	Timestamp        uint64         `json:"timestamp"`
	SampleCount      uint16         `json:"sample_count"`
	RegisterCount    uint8          `json:"register_count"`
	Registers        []models.RegID `json:"registers"`
	Method           string         `json:"method"`
	UncompressedSize uint32         `json:"uncompressed_size"`
	CompressedSize   uint32         `json:"compressed_size"`
	Payload          string         `json:"payload"` // base64 of the compressed bytes
}

type Task struct {
	cfg     *devconfig.Runtime
	mgr     *tasks.Manager
	inQ     *queue.Queue[models.CompressedPacket]
	sealer  *security.Sealer
	client  *cloud.Client
	monitor *watchdog.DeadlineMonitor
	bus     *events.Bus
	log     logging.Logger

	// staging holds packets awaiting upload; bounded, oldest dropped.
	staging []models.CompressedPacket
	stagedN atomic.Int32

	mUploads metrics.Counter
	mDropped metrics.Counter
	mStaged  metrics.Gauge
}

func NewTask(cfg *devconfig.Runtime, mgr *tasks.Manager, sealer *security.Sealer, client *cloud.Client,
	monitor *watchdog.DeadlineMonitor, bus *events.Bus, provider metrics.Provider, log logging.Logger) *Task {
	t := &Task{
		cfg:     cfg,
		mgr:     mgr,
		inQ:     mgr.CompressedQ,
		sealer:  sealer,
		client:  client,
		monitor: monitor,
		bus:     bus,
		log:     log,
		staging: make([]models.CompressedPacket, 0, StagingCapacity),
	}
	if provider != nil {
		t.mUploads = provider.NewCounter(metrics.Opts{Subsystem: "upload", Name: "batches_total", Help: "Upload outcomes", Labels: []string{"outcome"}})
		t.mDropped = provider.NewCounter(metrics.Opts{Subsystem: "upload", Name: "staging_dropped_total", Help: "Packets evicted from staging"})
		t.mStaged = provider.NewGauge(metrics.Opts{Subsystem: "upload", Name: "staging_depth", Help: "Packets awaiting upload"})
	}
	return t
}

func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

// StagedCount reports packets awaiting upload (health probe).
func (t *Task) StagedCount() int { return int(t.stagedN.Load()) }

func (t *Task) Tick(ctx context.Context) error {
	// Coalesce any batch-ready signals accumulated since the last cycle.
	t.mgr.BatchReady.DrainAll()

	// Move every available packet into staging, oldest-drop on overflow.
	fresh := t.inQ.Drain(nil)
	for _, pkt := range fresh {
		if len(t.staging) >= StagingCapacity {
			t.staging = t.staging[1:]
			if t.mDropped != nil {
				t.mDropped.Inc(1)
			}
			t.log.WarnCtx(ctx, "staging full, oldest packet dropped")
		}
		t.staging = append(t.staging, pkt)
	}
	t.stagedN.Store(int32(len(t.staging)))
	if t.mStaged != nil {
		t.mStaged.Set(float64(len(t.staging)))
	}
	if len(t.staging) == 0 {
		return nil
	}

	if !t.mgr.NetMutex.Acquire(ctx, netLockTimeout) {
		t.monitor.RecordMiss(true)
		t.log.WarnCtx(ctx, "network mutex timeout, upload cycle skipped", "staged", len(t.staging))
		return nil
	}
	defer t.mgr.NetMutex.Release()

	allSent := true
	remaining := t.staging[:0]
	for i := range t.staging {
		pkt := &t.staging[i]
		if err := t.uploadOne(ctx, pkt); err != nil {
			t.log.WarnCtx(ctx, "batch upload failed, packet kept in staging", "err", err)
			if t.mUploads != nil {
				t.mUploads.Inc(1, "failure")
			}
			t.monitor.RecordMiss(true)
			allSent = false
			remaining = append(remaining, *pkt)
			continue
		}
		if t.mUploads != nil {
			t.mUploads.Inc(1, "success")
		}
		t.log.InfoCtx(ctx, "batch uploaded", "samples", pkt.SampleCount, "method", pkt.Method.String(), "ratio", pkt.Ratio())
	}
	t.staging = remaining
	t.stagedN.Store(int32(len(t.staging)))
	if t.mStaged != nil {
		t.mStaged.Set(float64(len(t.staging)))
	}

	if allSent {
		// The uploader is the sole producer of reload tokens: one per
		// config-consuming task, after a fully successful cycle.
		t.mgr.ConfigReload.Post(tasks.ReloadConsumers)
		if t.bus != nil {
			_ = t.bus.Publish(events.Event{Category: events.CategoryUpload, Type: "cycle_complete"})
		}
	}
	return nil
}

func (t *Task) uploadOne(ctx context.Context, pkt *models.CompressedPacket) error {
	body := batchBody{
		Timestamp:        pkt.Timestamp,
		SampleCount:      pkt.SampleCount,
		RegisterCount:    pkt.RegisterCount,
		Registers:        append([]models.RegID(nil), pkt.Registers[:pkt.RegisterCount]...),
		Method:           pkt.Method.String(),
		UncompressedSize: pkt.UncompressedSize,
		CompressedSize:   pkt.CompressedSize,
		Payload:          base64.StdEncoding.EncodeToString(pkt.Payload()),
	}
	plaintext, err := json.Marshal(body)
	if err != nil {
		return err
	}
	envelope, err := t.sealer.SealJSON(plaintext)
	if err != nil {
		// Local sealing failure: the nonce is burned, the packet stays.
		t.log.ErrorCtx(ctx, "envelope sealing failed", "err", err)
		return err
	}
	return t.client.PostBatch(ctx, envelope)
}

// Spec builds the task-manager registration. The uploader learns its own
// period through the dedicated changed-flag, not through reload tokens,
// because it is the task that produces those tokens.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "upload",
		Priority: tasks.PriorityUpload,
		CPU:      tasks.CPUNetwork,
		Deadline: Deadline,
		Period: func() time.Duration {
			// Consuming the flag here rebases the very next wake.
			t.mgr.ConsumeUploadPeriodChanged()
			return time.Duration(t.cfg.UploadPeriodMs.Load()) * time.Millisecond
		},
		Tick: t.Tick,
		OnOverrun: func(elapsed time.Duration) {
			t.monitor.RecordMiss(!t.client.Online())
		},
		Feed: hw.Feed,
	}
}
