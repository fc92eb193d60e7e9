package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.DeviceID = "dev-1"
	cfg.CloudBaseURL = "http://cloud.local:8080"
	cfg.HMACKeyHex = strings.Repeat("ab", 32)
	cfg.AESKeyHex = strings.Repeat("cd", 16)
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	cfg := validConfig()
	cfg.DeviceID = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadKeys(t *testing.T) {
	cfg := validConfig()
	cfg.HMACKeyHex = "abcd"
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.EncryptionEnabled = true
	cfg.AESKeyHex = "zz"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := validConfig()
	cfg.CloudBaseURL = "not a url"
	require.Error(t, cfg.Validate())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecowatt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"device_id: dev-9\n"+
			"cloud_base_url: http://ingest.example:9000\n"+
			"hmac_key: "+strings.Repeat("11", 32)+"\n"+
			"metrics_backend: otel\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", cfg.DeviceID)
	assert.Equal(t, "otel", cfg.MetricsBackend)
	assert.EqualValues(t, 0x11, cfg.InverterSlave, "unset fields keep defaults")
	require.NoError(t, cfg.Validate())
}
