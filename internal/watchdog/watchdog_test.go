package watchdog

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/internal/cloud"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/tasks"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

func newSupervisor(t *testing.T, url string) (*Task, *Hardware, Monitors, *string, *cloud.Client) {
	t.Helper()
	log := logging.New(slog.Default())
	mgr, err := tasks.NewManager(tasks.DefaultQueueSizes(), log)
	require.NoError(t, err)
	cfg := devconfig.New([]models.RegID{0})
	hw := NewHardware()
	monitors := Monitors{
		Poll:     NewDeadlineMonitor(3, time.Minute),
		Upload:   NewDeadlineMonitor(3, time.Minute),
		Compress: NewDeadlineMonitor(3, time.Minute),
	}
	client := cloud.New(cloud.Options{BaseURL: url, DeviceID: "dev-1", Timeout: time.Second}, log)
	rebooted := new(string)
	task := NewTask(cfg, mgr, hw, monitors, client, nil, func(reason string) { *rebooted = reason }, nil, nil, log)
	return task, hw, monitors, rebooted, client
}

func TestSustainedLocalMissesForceReboot(t *testing.T) {
	task, hw, monitors, rebooted, _ := newSupervisor(t, "http://127.0.0.1:1")
	hw.Feed("sensor-poll")
	for i := 0; i < 3; i++ {
		monitors.Poll.RecordMiss(false)
	}
	require.NoError(t, task.Tick(context.Background()))
	assert.NotEmpty(t, *rebooted)
}

func TestNetworkMissesDoNotForceReboot(t *testing.T) {
	task, hw, monitors, rebooted, _ := newSupervisor(t, "http://127.0.0.1:1")
	hw.Feed("sensor-poll")
	for i := 0; i < 20; i++ {
		monitors.Poll.RecordMiss(true)
	}
	require.NoError(t, task.Tick(context.Background()))
	assert.Empty(t, *rebooted, "connectivity loss is external; reboot cannot fix it")
}

// flakyTransport fails while down, succeeds otherwise.
type flakyTransport struct{ down bool }

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.down {
		return nil, context.DeadlineExceeded
	}
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	_, _ = rec.WriteString(`{"fields":{}}`)
	return rec.Result(), nil
}

func TestReconnectClearsNetworkCounters(t *testing.T) {
	log := logging.New(slog.Default())
	mgr, err := tasks.NewManager(tasks.DefaultQueueSizes(), log)
	require.NoError(t, err)
	cfg := devconfig.New([]models.RegID{0})
	hw := NewHardware()
	hw.Feed("sensor-poll")
	monitors := Monitors{
		Poll:     NewDeadlineMonitor(3, time.Minute),
		Upload:   NewDeadlineMonitor(3, time.Minute),
		Compress: NewDeadlineMonitor(3, time.Minute),
	}
	tr := &flakyTransport{down: true}
	client := cloud.New(cloud.Options{BaseURL: "http://device.invalid", DeviceID: "dev-1", HTTPClient: &http.Client{Transport: tr}}, log)
	task := NewTask(cfg, mgr, hw, monitors, client, nil, nil, nil, nil, log)

	// Offline period: network-related misses accumulate.
	_, _ = client.FetchConfig(context.Background())
	require.False(t, client.Online())
	monitors.Poll.RecordMiss(true)
	monitors.Upload.RecordMiss(true)
	monitors.Upload.RecordMiss(false)

	// Connectivity returns.
	tr.down = false
	_, err = client.FetchConfig(context.Background())
	require.NoError(t, err)
	require.True(t, client.Online())

	require.NoError(t, task.Tick(context.Background()))
	assert.EqualValues(t, 0, monitors.Poll.NetworkMisses())
	assert.EqualValues(t, 0, monitors.Upload.NetworkMisses())
	assert.EqualValues(t, 1, monitors.Poll.LifetimeMisses(), "lifetime counters survive the clear")
	assert.EqualValues(t, 2, monitors.Upload.LifetimeMisses())
}

func TestIdlePollForcesReboot(t *testing.T) {
	task, hw, _, rebooted, _ := newSupervisor(t, "http://127.0.0.1:1")
	// Pretend the poll task fed long ago by backdating through a fresh
	// Hardware: feed, then age the entry.
	hw.mu.Lock()
	hw.feeds["sensor-poll"] = time.Now().Add(-2 * MaxTaskIdle)
	hw.mu.Unlock()
	require.NoError(t, task.Tick(context.Background()))
	assert.NotEmpty(t, *rebooted)
}

func TestHealthReportCadence(t *testing.T) {
	task, hw, _, rebooted, _ := newSupervisor(t, "http://127.0.0.1:1")
	hw.Feed("sensor-poll")
	for i := 0; i < healthReportEvery; i++ {
		require.NoError(t, task.Tick(context.Background()))
	}
	assert.Empty(t, *rebooted)
	assert.EqualValues(t, healthReportEvery, task.passes)
}
