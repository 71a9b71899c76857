package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds phiwatch configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Activation ActivationConfig `yaml:"activation"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Clients    []ClientConfig   `yaml:"clients"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr                string        `yaml:"addr"` // HTTP listen address, e.g. ":8080"
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	RateLimitRPS        float64       `yaml:"rate_limit_rps"` // 0 disables
	RateLimitBurst      int           `yaml:"rate_limit_burst"`
	CORSAllowedOrigins  []string      `yaml:"cors_allowed_origins"`
}

type StorageConfig struct {
	Driver       string        `yaml:"driver"` // sqlite | memory
	Path         string        `yaml:"path"`
	LogLevel     string        `yaml:"log_level"` // silent | error | warn | info
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RetainText   string        `yaml:"retain_text"` // full | redacted | none
}

type MetricsConfig struct {
	WindowHours       int           `yaml:"window_hours"`
	HistoryDays       int           `yaml:"history_days"`
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
	RecomputeOnWrite  *bool         `yaml:"recompute_on_write"`
}

// RecomputeAfterWrite defaults to true when the key is absent.
func (m MetricsConfig) RecomputeAfterWrite() bool {
	return m.RecomputeOnWrite == nil || *m.RecomputeOnWrite
}

// Window returns the rolling metrics window.
func (m MetricsConfig) Window() time.Duration {
	return time.Duration(m.WindowHours) * time.Hour
}

type AlertsConfig struct {
	DriftWarnPercent        float64 `yaml:"drift_warn_percent"`
	DriftEscalatePercent    float64 `yaml:"drift_escalate_percent"`
	ComplianceWarnScore     float64 `yaml:"compliance_warn_score"`
	ComplianceEscalateScore float64 `yaml:"compliance_escalate_score"`
	BiasWarnScore           float64 `yaml:"bias_warn_score"`
	BiasEscalateScore       float64 `yaml:"bias_escalate_score"`
	TrainingWarnRatio       float64 `yaml:"training_warn_ratio"`
	TrainingEscalateRatio   float64 `yaml:"training_escalate_ratio"`
}

type ActivationConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Sinks           []SinkConfig  `yaml:"sinks"`
}

type SinkConfig struct {
	Type                 string            `yaml:"type"` // file_jsonl | webhook
	Path                 string            `yaml:"path"`
	URL                  string            `yaml:"url"`
	Headers              map[string]string `yaml:"headers"`
	Timeout              time.Duration     `yaml:"timeout"`
	AllowPrivateNetworks bool              `yaml:"allow_private_networks"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http
	Service  string `yaml:"service"`
}

type ClientConfig struct {
	ID      string   `yaml:"id"`
	APIKeys []string `yaml:"api_keys"`
}

type LoggingConfig struct {
	PreviewLevel string `yaml:"preview_level"` // metadata | redacted | full
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.Addr == "" {
		s.Addr = ":8080"
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}
	if s.RateLimitRPS > 0 && s.RateLimitBurst <= 0 {
		s.RateLimitBurst = int(s.RateLimitRPS) * 2
		if s.RateLimitBurst < 1 {
			s.RateLimitBurst = 1
		}
	}
	if len(s.CORSAllowedOrigins) == 0 {
		s.CORSAllowedOrigins = []string{"*"}
	}

	st := &cfg.Storage
	if st.Driver == "" {
		st.Driver = "sqlite"
	}
	if st.Path == "" && st.Driver == "sqlite" {
		st.Path = "data/phiwatch.db"
	}
	if st.LogLevel == "" {
		st.LogLevel = "warn"
	}
	if st.WriteTimeout <= 0 {
		st.WriteTimeout = 2 * time.Second
	}
	if st.RetainText == "" {
		st.RetainText = "redacted"
	}

	m := &cfg.Metrics
	if m.WindowHours <= 0 {
		m.WindowHours = 24
	}
	if m.HistoryDays <= 0 {
		m.HistoryDays = 7
	}
	if m.RecomputeInterval <= 0 {
		m.RecomputeInterval = 5 * time.Minute
	}

	a := &cfg.Alerts
	if a.DriftWarnPercent <= 0 {
		a.DriftWarnPercent = 5
	}
	if a.DriftEscalatePercent <= 0 {
		a.DriftEscalatePercent = 10
	}
	if a.ComplianceWarnScore <= 0 {
		a.ComplianceWarnScore = 95
	}
	if a.ComplianceEscalateScore <= 0 {
		a.ComplianceEscalateScore = 90
	}
	if a.BiasWarnScore <= 0 {
		a.BiasWarnScore = 0.1
	}
	if a.BiasEscalateScore <= 0 {
		a.BiasEscalateScore = 0.2
	}
	if a.TrainingWarnRatio <= 0 {
		a.TrainingWarnRatio = 0.05
	}
	if a.TrainingEscalateRatio <= 0 {
		a.TrainingEscalateRatio = 0.15
	}

	act := &cfg.Activation
	if act.QueueSize <= 0 {
		act.QueueSize = 1000
	}
	if act.Workers <= 0 {
		act.Workers = 2
	}
	if act.ShutdownTimeout <= 0 {
		act.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "phiwatch"
	}

	if cfg.Logging.PreviewLevel == "" {
		cfg.Logging.PreviewLevel = "metadata"
	}
}
