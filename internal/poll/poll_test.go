package poll

import (
	"context"
	"encoding/hex"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/internal/devconfig"
	"ecowatt/internal/protocol"
	"ecowatt/internal/registers"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

// registerFile answers reads from a synthetic address space.
type registerFile struct {
	values map[uint16]uint16
	fail   bool
}

func (f *registerFile) ExchangeFrame(ctx context.Context, frameHex string) (string, error) {
	if f.fail {
		return "", context.DeadlineExceeded
	}
	raw, _ := hex.DecodeString(frameHex)
	start := uint16(raw[2])<<8 | uint16(raw[3])
	count := uint16(raw[4])<<8 | uint16(raw[5])
	body := []byte{raw[0], raw[1], byte(count * 2)}
	for i := uint16(0); i < count; i++ {
		v := f.values[start+i]
		body = append(body, byte(v>>8), byte(v))
	}
	crc := protocol.CRC16(body)
	body = append(body, byte(crc&0xFF), byte(crc>>8))
	return hex.EncodeToString(body), nil
}

func newFixture(t *testing.T, file *registerFile) (*Task, *tasks.Manager, *devconfig.Runtime) {
	t.Helper()
	log := logging.New(slog.Default())
	mgr, err := tasks.NewManager(tasks.QueueSizes{Samples: 2, Compressed: 2, Commands: 2}, log)
	require.NoError(t, err)
	cfg := devconfig.New([]models.RegID{0, 1, 2})
	acq := registers.NewAcquirer(protocol.NewAdapter(file, 0x11, log), log)
	task := NewTask(cfg, mgr.ConfigReload, acq, mgr.SampleQ, watchdog.NewDeadlineMonitor(5, time.Minute), nil, log)
	return task, mgr, cfg
}

func TestTickEmitsSampleInLayoutOrder(t *testing.T) {
	file := &registerFile{values: map[uint16]uint16{0: 2300, 1: 17, 2: 5000}}
	task, mgr, _ := newFixture(t, file)

	require.NoError(t, task.Tick(context.Background()))
	s, ok := mgr.SampleQ.TryReceive()
	require.True(t, ok)
	assert.EqualValues(t, 3, s.RegisterCount)
	assert.Equal(t, []models.RegID{0, 1, 2}, s.Layout())
	assert.EqualValues(t, 2300, s.Values[0])
	assert.EqualValues(t, 17, s.Values[1])
	assert.EqualValues(t, 5000, s.Values[2])
	assert.NotZero(t, s.Timestamp)
}

func TestFailedReadEmitsNothing(t *testing.T) {
	task, mgr, _ := newFixture(t, &registerFile{fail: true})
	require.NoError(t, task.Tick(context.Background()))
	_, ok := mgr.SampleQ.TryReceive()
	assert.False(t, ok, "a failed poll must not produce a sample")
}

func TestFullQueueDropsAndCountsMiss(t *testing.T) {
	file := &registerFile{values: map[uint16]uint16{0: 1, 1: 2, 2: 3}}
	task, mgr, _ := newFixture(t, file)

	for i := 0; i < 3; i++ {
		require.NoError(t, task.Tick(context.Background()))
	}
	assert.EqualValues(t, 1, mgr.SampleQ.Dropped())
	assert.EqualValues(t, 1, task.Monitor().LifetimeMisses())
	assert.EqualValues(t, 0, task.Monitor().NetworkMisses(), "queue-full is a task-local miss")
}

func TestReloadSwapsRegisterList(t *testing.T) {
	file := &registerFile{values: map[uint16]uint16{0: 1, 1: 2, 2: 3, 8: 35}}
	task, mgr, cfg := newFixture(t, file)

	cfg.SetActiveRegisters([]models.RegID{8})
	mgr.ConfigReload.Post(1)

	require.NoError(t, task.Tick(context.Background()))
	s, ok := mgr.SampleQ.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []models.RegID{8}, s.Layout())
	assert.EqualValues(t, 35, s.Values[0])
}

func TestNoReloadTokenKeepsOldList(t *testing.T) {
	file := &registerFile{values: map[uint16]uint16{0: 1, 1: 2, 2: 3, 8: 35}}
	task, mgr, cfg := newFixture(t, file)

	// Changed shared config without a token: the task keeps its local copy.
	cfg.SetActiveRegisters([]models.RegID{8})
	require.NoError(t, task.Tick(context.Background()))
	s, ok := mgr.SampleQ.TryReceive()
	require.True(t, ok)
	assert.Equal(t, []models.RegID{0, 1, 2}, s.Layout())
}
