package telemetryhttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecowatt/agent"
)

func testAgent(t *testing.T) *agent.Agent {
	t.Helper()
	cfg := agent.Defaults()
	cfg.DeviceID = "dev-1"
	cfg.CloudBaseURL = "http://cloud.local:8080"
	cfg.HMACKeyHex = strings.Repeat("ab", 32)
	cfg.MemoryStore = true
	cfg.MetricsBackend = "prometheus"
	cfg.FirmwareDir = filepath.Join(t.TempDir(), "fw")
	a, err := agent.New(cfg, slog.Default())
	require.NoError(t, err)
	return a
}

func TestHealthEndpoint(t *testing.T) {
	router := NewRouter(Options{Agent: testAgent(t), IncludeProbes: true})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "overall")
	assert.Contains(t, body, "probes")
}

func TestSnapshotEndpoint(t *testing.T) {
	router := NewRouter(Options{Agent: testAgent(t)})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Contains(t, snap, "ota_state")
	assert.Contains(t, snap, "tasks")
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(Options{Agent: testAgent(t)})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNilAgentUnavailable(t *testing.T) {
	router := NewRouter(Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
