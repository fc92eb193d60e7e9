package compression

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/internal/compress"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

func newFixture(t *testing.T) (*Task, *tasks.Manager, *devconfig.Runtime) {
	t.Helper()
	log := logging.New(slog.Default())
	mgr, err := tasks.NewManager(tasks.DefaultQueueSizes(), log)
	require.NoError(t, err)
	cfg := devconfig.New([]models.RegID{0, 1, 2})
	task := NewTask(cfg, mgr.ConfigReload, mgr.SampleQ, mgr.CompressedQ, mgr.BatchReady,
		mgr.PipelineMutex, watchdog.NewDeadlineMonitor(5, time.Minute), nil, nil, log)
	return task, mgr, cfg
}

func sample(ts uint64, values ...uint16) models.Sample {
	var s models.Sample
	s.Timestamp = ts
	s.RegisterCount = uint8(len(values))
	for i := range values {
		s.Registers[i] = models.RegID(i)
		s.Values[i] = values[i]
	}
	return s
}

func TestBatchOfThreeCompressesToDictionary(t *testing.T) {
	task, mgr, _ := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, mgr.SampleQ.TrySend(sample(uint64(1000+i*5000), 230, 0, 5000)))
		require.NoError(t, task.Tick(ctx))
	}

	pkt, ok := mgr.CompressedQ.TryReceive()
	require.True(t, ok, "a full batch must emit one packet")
	assert.True(t, mgr.BatchReady.DrainAll(), "batch-ready must be signaled")

	assert.Equal(t, models.MethodDictionary, pkt.Method)
	assert.EqualValues(t, compress.TagDictionary, pkt.Data[0])
	assert.EqualValues(t, 3, pkt.SampleCount)
	assert.EqualValues(t, 3, pkt.RegisterCount)
	assert.EqualValues(t, 11000, pkt.Timestamp, "packet carries the last sample's timestamp")
	assert.EqualValues(t, 18, pkt.UncompressedSize)
	assert.LessOrEqual(t, pkt.Ratio(), 0.30)

	out := make([]uint16, 9)
	n, err := compress.Decode(pkt.Payload(), pkt.Registers[:pkt.RegisterCount], out)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	assert.Equal(t, []uint16{230, 0, 5000, 230, 0, 5000, 230, 0, 5000}, out)
}

func TestLayoutChangeInvalidatesBatch(t *testing.T) {
	task, mgr, _ := newFixture(t)
	ctx := context.Background()

	require.True(t, mgr.SampleQ.TrySend(sample(1, 230, 0, 5000)))
	require.NoError(t, task.Tick(ctx))

	// Different layout: two registers instead of three.
	require.True(t, mgr.SampleQ.TrySend(sample(2, 230, 0)))
	require.NoError(t, task.Tick(ctx))

	_, ok := mgr.CompressedQ.TryReceive()
	assert.False(t, ok, "layout change must discard the in-flight batch")

	// The new layout now needs a full batch of its own.
	require.True(t, mgr.SampleQ.TrySend(sample(3, 231, 1)))
	require.NoError(t, task.Tick(ctx))
	require.True(t, mgr.SampleQ.TrySend(sample(4, 232, 2)))
	require.NoError(t, task.Tick(ctx))
	pkt, ok := mgr.CompressedQ.TryReceive()
	require.True(t, ok)
	assert.EqualValues(t, 2, pkt.RegisterCount)
}

func TestReloadRebuildsBatchFromZero(t *testing.T) {
	task, mgr, cfg := newFixture(t)
	ctx := context.Background()

	require.True(t, mgr.SampleQ.TrySend(sample(1, 230, 0, 5000)))
	require.NoError(t, task.Tick(ctx))

	// Upload period doubles: N goes 3 -> 6 and the partial batch resets.
	cfg.UploadPeriodMs.Store(30000)
	mgr.ConfigReload.Post(1)

	for i := 0; i < 6; i++ {
		require.True(t, mgr.SampleQ.TrySend(sample(uint64(10+i), 230, 0, 5000)))
		require.NoError(t, task.Tick(ctx))
	}
	pkt, ok := mgr.CompressedQ.TryReceive()
	require.True(t, ok)
	assert.EqualValues(t, 6, pkt.SampleCount, "new batch geometry after reload")
}

func TestPipelineLockTimeoutDiscardsBatch(t *testing.T) {
	task, mgr, _ := newFixture(t)
	ctx := context.Background()

	// Hold the pipeline mutex so the flush cannot acquire it.
	require.True(t, mgr.PipelineMutex.Acquire(ctx, time.Second))
	defer mgr.PipelineMutex.Release()

	for i := 0; i < 3; i++ {
		require.True(t, mgr.SampleQ.TrySend(sample(uint64(i), 230, 0, 5000)))
		require.NoError(t, task.Tick(ctx))
	}
	_, ok := mgr.CompressedQ.TryReceive()
	assert.False(t, ok, "lock timeout must discard the batch, not emit")
	assert.EqualValues(t, 1, task.Monitor().LifetimeMisses())
}
