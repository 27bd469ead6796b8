package clutchtester

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.viam.com/rdk/resource"
	"gopkg.in/yaml.v3"

	"clutchtester/internal/engine"
	"clutchtester/internal/registers"
	"clutchtester/internal/rtu"
	"clutchtester/internal/telemetry"
	"clutchtester/internal/transport"
)

const (
	defaultBaudRate      = 115200
	defaultSlaveID       = 1
	defaultReadTimeoutMs = 1000
	defaultLedgerName    = "Log_no_of_cycles.log"
)

// Config describes the rig. It is the controller's Viam attributes and the
// standalone CLI's YAML file.
type Config struct {
	// SerialPort is a device path, or a Modbus URL such as
	// rtuovertcp://host:port for a serial server.
	SerialPort     string                `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate       int                   `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	SlaveID        int                   `json:"slave_id,omitempty" yaml:"slave_id,omitempty"`
	ReadTimeoutMs  int                   `json:"read_timeout_ms,omitempty" yaml:"read_timeout_ms,omitempty"`
	RetryBackoffMs int                   `json:"retry_backoff_ms,omitempty" yaml:"retry_backoff_ms,omitempty"`
	LedgerPath     string                `json:"ledger_path,omitempty" yaml:"ledger_path,omitempty"`
	Measurements   map[string]uint16     `json:"measurements,omitempty" yaml:"measurements,omitempty"`
	Defaults       *Defaults             `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	MQTT           *telemetry.MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	// Simulate drives an in-memory controller instead of the serial port.
	Simulate       bool                  `json:"simulate,omitempty" yaml:"simulate,omitempty"`
}

// Defaults are the test parameters used when a start command omits them.
type Defaults struct {
	Parameters   engine.Params `json:"parameters" yaml:"parameters"`
	TargetCycles int64         `json:"target_cycles" yaml:"target_cycles"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.SerialPort == "" && !cfg.Simulate {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "serial_port")
	}
	if cfg.BaudRate < 0 {
		return nil, nil, fmt.Errorf("%s: baud_rate must be positive", path)
	}
	if cfg.SlaveID < 0 || cfg.SlaveID > 247 {
		return nil, nil, fmt.Errorf("%s: slave_id %d is outside 1-247", path, cfg.SlaveID)
	}
	if cfg.ReadTimeoutMs < 0 || cfg.RetryBackoffMs < 0 {
		return nil, nil, fmt.Errorf("%s: timeouts must not be negative", path)
	}
	if _, err := registers.Default(cfg.Measurements); err != nil {
		return nil, nil, fmt.Errorf("%s: measurements: %w", path, err)
	}
	if cfg.Defaults != nil {
		if err := cfg.Defaults.Parameters.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%s: defaults: %w", path, err)
		}
		if err := engine.ValidateTarget(cfg.Defaults.TargetCycles); err != nil {
			return nil, nil, fmt.Errorf("%s: defaults: %w", path, err)
		}
	}
	if cfg.MQTT != nil && cfg.MQTT.Broker == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path+".mqtt", "broker")
	}
	return nil, nil, nil
}

// LoadConfigFile reads a YAML rig description.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultRun returns the parameters and target for a start without arguments.
func (cfg *Config) defaultRun() (engine.Params, int64) {
	if cfg.Defaults == nil {
		return engine.DefaultParams, engine.Unbounded
	}
	return cfg.Defaults.Parameters, cfg.Defaults.TargetCycles
}

func (cfg *Config) serial() rtu.Config {
	sc := rtu.Config{
		Port:     cfg.SerialPort,
		BaudRate: cfg.BaudRate,
		SlaveID:  byte(cfg.SlaveID),
		Timeout:  time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
	}
	if sc.BaudRate == 0 {
		sc.BaudRate = defaultBaudRate
	}
	if sc.SlaveID == 0 {
		sc.SlaveID = defaultSlaveID
	}
	if sc.Timeout == 0 {
		sc.Timeout = defaultReadTimeoutMs * time.Millisecond
	}
	return sc
}

func (cfg *Config) retryPolicy() transport.RetryPolicy {
	p := transport.DefaultRetryPolicy
	if cfg.RetryBackoffMs > 0 {
		p.Backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	}
	return p
}

// LedgerFile is the ledger path, falling back to the module data directory
// viam-server provides.
func (cfg *Config) LedgerFile() string {
	if cfg.LedgerPath != "" {
		return cfg.LedgerPath
	}
	return filepath.Join(os.Getenv("VIAM_MODULE_DATA"), defaultLedgerName)
}
