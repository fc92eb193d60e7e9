// Package compression implements the batch-assembly task: it drains the
// sample queue, linearizes full batches under the pipeline mutex, runs the
// smart selector, and emits fixed-size packets to the upload stage.
package compression

import (
	"context"
	"time"

	"ecowatt/internal/compress"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/queue"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/events"
	"ecowatt/telemetry/logging"
	"ecowatt/telemetry/metrics"
)

const (
	Deadline            = 2 * time.Second
	pipelineLockTimeout = 1 * time.Second
)

type Task struct {
	cfg        *devconfig.Runtime
	reload     *tasks.CountingSemaphore
	sampleQ    *queue.Queue[models.Sample]
	outQ       *queue.Queue[models.CompressedPacket]
	batchReady *tasks.BinarySemaphore
	pipeline   *tasks.TimedMutex
	monitor    *watchdog.DeadlineMonitor
	bus        *events.Bus
	log        logging.Logger

	batch      []models.Sample
	batchSize  int
	// scratch is the fixed linearization buffer; sized once to the maximum
	// batch geometry, reused for every batch.
	scratch [models.MaxBatchSamples * models.MaxRegisters]uint16

	mRatio   metrics.Histogram
	mPackets metrics.Counter
	mErrors  metrics.Counter
}

func NewTask(cfg *devconfig.Runtime, reload *tasks.CountingSemaphore,
	sampleQ *queue.Queue[models.Sample], outQ *queue.Queue[models.CompressedPacket],
	batchReady *tasks.BinarySemaphore, pipeline *tasks.TimedMutex,
	monitor *watchdog.DeadlineMonitor, bus *events.Bus, provider metrics.Provider, log logging.Logger) *Task {
	t := &Task{
		cfg:        cfg,
		reload:     reload,
		sampleQ:    sampleQ,
		outQ:       outQ,
		batchReady: batchReady,
		pipeline:   pipeline,
		monitor:    monitor,
		bus:        bus,
		log:        log,
	}
	t.batchSize = cfg.BatchSize()
	t.batch = make([]models.Sample, 0, models.MaxBatchSamples)
	if provider != nil {
		t.mRatio = provider.NewHistogram(metrics.Opts{Subsystem: "compress", Name: "ratio", Help: "Compressed/uncompressed size ratio per batch"}, []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1})
		t.mPackets = provider.NewCounter(metrics.Opts{Subsystem: "compress", Name: "packets_total", Help: "Packets emitted", Labels: []string{"method"}})
		t.mErrors = provider.NewCounter(metrics.Opts{Subsystem: "compress", Name: "errors_total", Help: "Discarded batches", Labels: []string{"reason"}})
	}
	return t
}

func (t *Task) Monitor() *watchdog.DeadlineMonitor { return t.monitor }

// Tick blocks for one sample (the pipeline's single unbounded wait) and
// folds it into the in-flight batch.
func (t *Task) Tick(ctx context.Context) error {
	if t.reload.TryTake() {
		// A configuration change never lands mid-batch: rebuild from zero.
		if n := t.cfg.BatchSize(); n != t.batchSize || len(t.batch) > 0 {
			t.batchSize = n
			t.batch = t.batch[:0]
		}
	}

	s, err := t.sampleQ.Receive(ctx)
	if err != nil {
		return nil // shutting down
	}

	// A layout change invalidates the in-flight batch; the first sample's
	// layout is authoritative.
	if len(t.batch) > 0 && !s.SameLayout(&t.batch[0]) {
		t.log.WarnCtx(ctx, "register layout changed mid-batch, batch discarded", "had", len(t.batch))
		t.batch = t.batch[:0]
	}
	t.batch = append(t.batch, s)
	if len(t.batch) < t.batchSize {
		return nil
	}
	t.flush(ctx)
	return nil
}

// flush compresses the full batch. The tick's wall time is dominated by the
// blocking sample receive, so the deadline is enforced here, over the
// compress step only.
func (t *Task) flush(ctx context.Context) {
	start := time.Now()
	defer func() {
		t.batch = t.batch[:0]
		if time.Since(start) > Deadline {
			t.monitor.RecordMiss(false)
		}
	}()

	if !t.pipeline.Acquire(ctx, pipelineLockTimeout) {
		t.log.ErrorCtx(ctx, "pipeline mutex timeout, batch discarded", "samples", len(t.batch))
		if t.mErrors != nil {
			t.mErrors.Inc(1, "pipeline_lock")
		}
		t.monitor.RecordMiss(false)
		return
	}
	defer t.pipeline.Release()

	first := &t.batch[0]
	regCount := int(first.RegisterCount)
	sampleCount := len(t.batch)
	total := regCount * sampleCount
	for i, smp := range t.batch {
		for p := 0; p < regCount; p++ {
			t.scratch[i*regCount+p] = smp.Values[p]
		}
	}

	res := compress.Smart(t.scratch[:total], first.Layout(), sampleCount)
	if len(res.Data) > models.PacketDataCap {
		t.log.ErrorCtx(ctx, "compressed output exceeds packet capacity, batch discarded",
			"size", len(res.Data), "cap", models.PacketDataCap)
		if t.mErrors != nil {
			t.mErrors.Inc(1, "oversize")
		}
		return
	}

	var pkt models.CompressedPacket
	copy(pkt.Data[:], res.Data)
	pkt.DataSize = uint32(len(res.Data))
	pkt.Timestamp = t.batch[sampleCount-1].Timestamp
	pkt.SampleCount = uint16(sampleCount)
	pkt.RegisterCount = first.RegisterCount
	copy(pkt.Registers[:], first.Registers[:])
	pkt.UncompressedSize = uint32(total * 2)
	pkt.CompressedSize = uint32(len(res.Data))
	pkt.Method = res.Method
	if res.Method != models.MethodRaw && len(res.Data) > 0 {
		pkt.Method = models.MethodForTag(res.Data[0])
	}

	if t.mRatio != nil {
		t.mRatio.Observe(pkt.Ratio())
	}
	if t.mPackets != nil {
		t.mPackets.Inc(1, pkt.Method.String())
	}
	if !t.outQ.TrySend(pkt) {
		t.log.WarnCtx(ctx, "compressed queue full, packet dropped", "dropped_total", t.outQ.Dropped())
		if t.mErrors != nil {
			t.mErrors.Inc(1, "queue_full")
		}
		return
	}
	t.batchReady.Signal()
	if t.bus != nil {
		_ = t.bus.Publish(events.Event{Category: events.CategoryPipeline, Type: "batch_compressed", Fields: map[string]interface{}{
			"method": pkt.Method.String(), "samples": sampleCount, "ratio": pkt.Ratio(),
		}})
	}
}

// Spec builds the task-manager registration. The period is short: the tick
// blocks on the sample queue, so the cadence is producer-driven.
func (t *Task) Spec(hw *watchdog.Hardware) tasks.Spec {
	return tasks.Spec{
		Name:     "compression",
		Priority: tasks.PriorityCompress,
		CPU:      tasks.CPUAcquire,
		Period:   func() time.Duration { return 50 * time.Millisecond },
		Tick:     t.Tick,
		Feed:     hw.Feed,
	}
}
