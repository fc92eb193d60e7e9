package agent

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ecowatt/internal/tasks"
)

// Config is the boot-time configuration of the agent. Runtime tunables
// (periods, register list) live in the shared runtime record and are
// seeded from persistent storage; this struct covers identity, transport,
// keys, and local plumbing.
type Config struct {
	DeviceID     string `yaml:"device_id" validate:"required"`
	CloudBaseURL string `yaml:"cloud_base_url" validate:"required,url"`

	InverterSlave uint8 `yaml:"inverter_slave"`

	DataDir     string `yaml:"data_dir"`
	FirmwareDir string `yaml:"firmware_dir"`
	// MemoryStore swaps the persistent store for an in-memory one (bench and
	// test profiles only).
	MemoryStore bool `yaml:"memory_store"`

	HMACKeyHex        string `yaml:"hmac_key" validate:"required"`
	AESKeyHex         string `yaml:"aes_key"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsBackend string `yaml:"metrics_backend"`

	// TelemetryListen binds the local health/metrics HTTP surface when set.
	TelemetryListen string `yaml:"telemetry_listen"`

	// LocalOverridePath enables the fsnotify override watcher when set.
	LocalOverridePath string `yaml:"local_override_path"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`

	Queues tasks.QueueSizes `yaml:"queues"`

	// RestartThreshold/RestartWindow shape the sensor-poll restart decision.
	RestartThreshold int           `yaml:"restart_threshold"`
	RestartWindow    time.Duration `yaml:"restart_window"`
}

// Defaults returns a runnable baseline; callers overlay identity and keys.
func Defaults() Config {
	return Config{
		InverterSlave:    0x11,
		DataDir:          "data",
		FirmwareDir:      "firmware",
		MetricsEnabled:   true,
		MetricsBackend:   "prometheus",
		HTTPTimeout:      10 * time.Second,
		Queues:           tasks.DefaultQueueSizes(),
		RestartThreshold: 5,
		RestartWindow:    5 * time.Minute,
	}
}

// LoadFile reads a YAML config over Defaults().
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("agent: parse config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the structural rules plus the key-material sizes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("agent: config invalid: %w", err)
	}
	if _, err := c.hmacKey(); err != nil {
		return err
	}
	if c.EncryptionEnabled {
		if _, err := c.aesKey(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) hmacKey() ([]byte, error) {
	key, err := hex.DecodeString(c.HMACKeyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("agent: hmac_key must be 64 hex chars")
	}
	return key, nil
}

func (c *Config) aesKey() ([]byte, error) {
	if c.AESKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AESKeyHex)
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("agent: aes_key must be 32 hex chars")
	}
	return key, nil
}
