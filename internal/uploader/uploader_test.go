package uploader

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/internal/cloud"
	"ecowatt/internal/compress"
	"ecowatt/internal/devconfig"
	"ecowatt/internal/nvs"
	"ecowatt/internal/security"
	"ecowatt/internal/tasks"
	"ecowatt/internal/watchdog"
	"ecowatt/models"
	"ecowatt/telemetry/logging"
)

var (
	hmacKey = bytes.Repeat([]byte{0x11}, security.HMACKeySize)
	aesKey  = bytes.Repeat([]byte{0x22}, security.AESKeySize)
)

type ingestServer struct {
	mu       sync.Mutex
	verifier *security.Verifier
	bodies   [][]byte
	failures int
}

func (s *ingestServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		plaintext, err := s.verifier.VerifyJSON(raw)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.bodies = append(s.bodies, plaintext)
		w.WriteHeader(http.StatusOK)
	})
}

func (s *ingestServer) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.bodies))
	copy(out, s.bodies)
	return out
}

func newFixture(t *testing.T, srvURL string) (*Task, *tasks.Manager) {
	t.Helper()
	log := logging.New(slog.Default())
	mgr, err := tasks.NewManager(tasks.DefaultQueueSizes(), log)
	require.NoError(t, err)
	cfg := devconfig.New([]models.RegID{0, 1, 2})
	sealer, err := security.NewSealer(hmacKey, aesKey, false, security.NewNonceCounter(nvs.NewMemoryStore()))
	require.NoError(t, err)
	client := cloud.New(cloud.Options{BaseURL: srvURL, DeviceID: "dev-1", Timeout: 2 * time.Second}, log)
	task := NewTask(cfg, mgr, sealer, client, watchdog.NewDeadlineMonitor(5, time.Minute), nil, nil, log)
	return task, mgr
}

func testPacket(values []uint16, regs []models.RegID, samples int) models.CompressedPacket {
	res := compress.Smart(values, regs, samples)
	var pkt models.CompressedPacket
	copy(pkt.Data[:], res.Data)
	pkt.DataSize = uint32(len(res.Data))
	pkt.SampleCount = uint16(samples)
	pkt.RegisterCount = uint8(len(regs))
	copy(pkt.Registers[:], regs)
	pkt.UncompressedSize = uint32(len(values) * 2)
	pkt.CompressedSize = uint32(len(res.Data))
	pkt.Method = res.Method
	pkt.Timestamp = 123456
	return pkt
}

func TestUploadCycleSealsPostsAndFansOut(t *testing.T) {
	srv := &ingestServer{verifier: security.NewVerifier(hmacKey, aesKey)}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	task, mgr := newFixture(t, ts.URL)
	regs := []models.RegID{0, 1, 2}
	values := []uint16{230, 0, 5000, 230, 0, 5000, 230, 0, 5000}
	require.True(t, mgr.CompressedQ.TrySend(testPacket(values, regs, 3)))
	mgr.BatchReady.Signal()

	require.NoError(t, task.Tick(context.Background()))

	bodies := srv.received()
	require.Len(t, bodies, 1)
	var body struct {
		SampleCount   uint16         `json:"sample_count"`
		RegisterCount uint8          `json:"register_count"`
		Registers     []models.RegID `json:"registers"`
		Method        string         `json:"method"`
		Payload       string         `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &body))
	assert.EqualValues(t, 3, body.SampleCount)
	assert.EqualValues(t, 3, body.RegisterCount)
	assert.Equal(t, regs, body.Registers)
	assert.Equal(t, "dictionary", body.Method)

	// The payload round-trips through the server-side decoder.
	data, err := base64.StdEncoding.DecodeString(body.Payload)
	require.NoError(t, err)
	out := make([]uint16, 9)
	n, err := compress.Decode(data, body.Registers, out)
	require.NoError(t, err)
	assert.Equal(t, values, out[:n])

	assert.Equal(t, 0, task.StagedCount(), "sent packets leave staging")
	assert.Equal(t, tasks.ReloadConsumers, mgr.ConfigReload.Pending(), "successful cycle fans out reload tokens")
}

func TestFailedUploadKeepsPacketStaged(t *testing.T) {
	srv := &ingestServer{verifier: security.NewVerifier(hmacKey, aesKey), failures: 1}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	task, mgr := newFixture(t, ts.URL)
	regs := []models.RegID{0}
	require.True(t, mgr.CompressedQ.TrySend(testPacket([]uint16{7, 8}, regs, 2)))

	require.NoError(t, task.Tick(context.Background()))
	assert.Equal(t, 1, task.StagedCount(), "failed packet stays for the next cycle")
	assert.Equal(t, 0, mgr.ConfigReload.Pending(), "no fan-out on a failed cycle")
	assert.EqualValues(t, 1, task.Monitor().NetworkMisses())

	// Next cycle succeeds and drains staging.
	require.NoError(t, task.Tick(context.Background()))
	assert.Equal(t, 0, task.StagedCount())
	require.Len(t, srv.received(), 1)
	assert.Equal(t, tasks.ReloadConsumers, mgr.ConfigReload.Pending())
}

func TestStagingOldestDropPolicy(t *testing.T) {
	// Unreachable server: everything fails, staging saturates.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	task, mgr := newFixture(t, ts.URL)
	regs := []models.RegID{0}
	for i := 0; i < StagingCapacity+3; i++ {
		if !mgr.CompressedQ.TrySend(testPacket([]uint16{uint16(i), uint16(i + 1)}, regs, 2)) {
			// Queue capacity is below staging capacity; drain through ticks.
			require.NoError(t, task.Tick(context.Background()))
			require.True(t, mgr.CompressedQ.TrySend(testPacket([]uint16{uint16(i), uint16(i + 1)}, regs, 2)))
		}
	}
	require.NoError(t, task.Tick(context.Background()))
	assert.LessOrEqual(t, task.StagedCount(), StagingCapacity)
}

func TestNetMutexTimeoutSkipsCycle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()
	task, mgr := newFixture(t, ts.URL)
	require.True(t, mgr.CompressedQ.TrySend(testPacket([]uint16{1, 2}, []models.RegID{0}, 2)))

	// Another owner holds the network mutex; the cycle must skip, flagged as
	// a network-related miss. Use a short-lived context so the bounded wait
	// does not stretch the test.
	require.True(t, mgr.NetMutex.Acquire(context.Background(), time.Second))
	defer mgr.NetMutex.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, task.Tick(ctx))
	assert.Equal(t, 1, task.StagedCount())
	assert.EqualValues(t, 1, task.Monitor().NetworkMisses())
}
