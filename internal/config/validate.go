package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks the loaded config for required fields and safe values.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr must be set")
	}
	if cfg.Server.RateLimitRPS < 0 {
		return errors.New("server.rate_limit_rps must not be negative")
	}

	if err := validateStorageConfig(cfg.Storage); err != nil {
		return err
	}
	if err := validateMetricsConfig(cfg.Metrics); err != nil {
		return err
	}
	if err := validateAlertsConfig(cfg.Alerts); err != nil {
		return err
	}
	if err := validateActivationConfig(cfg.Activation); err != nil {
		return err
	}
	if err := validateTelemetryConfig(cfg.Telemetry); err != nil {
		return err
	}
	if err := validateClients(cfg.Clients); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.PreviewLevel)) {
	case "", "metadata", "redacted", "full":
	default:
		return fmt.Errorf("logging.preview_level must be metadata, redacted or full, got %q", cfg.Logging.PreviewLevel)
	}

	return nil
}

func validateStorageConfig(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return errors.New("storage.path must be set for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", s.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(s.RetainText)) {
	case "", "full", "redacted", "none":
	default:
		return fmt.Errorf("storage.retain_text must be full, redacted or none, got %q", s.RetainText)
	}
	switch strings.ToLower(strings.TrimSpace(s.LogLevel)) {
	case "", "silent", "error", "warn", "info":
	default:
		return fmt.Errorf("storage.log_level must be silent, error, warn or info, got %q", s.LogLevel)
	}
	if s.WriteTimeout < 0 {
		return errors.New("storage.write_timeout must not be negative")
	}
	return nil
}

func validateMetricsConfig(m MetricsConfig) error {
	if m.WindowHours <= 0 {
		return errors.New("metrics.window_hours must be positive")
	}
	if m.HistoryDays <= 0 {
		return errors.New("metrics.history_days must be positive")
	}
	if m.RecomputeInterval <= 0 {
		return errors.New("metrics.recompute_interval must be positive")
	}
	return nil
}

func validateAlertsConfig(a AlertsConfig) error {
	if a.DriftWarnPercent > a.DriftEscalatePercent {
		return errors.New("alerts.drift_warn_percent must not exceed alerts.drift_escalate_percent")
	}
	if a.ComplianceEscalateScore > a.ComplianceWarnScore {
		return errors.New("alerts.compliance_escalate_score must not exceed alerts.compliance_warn_score")
	}
	if a.ComplianceWarnScore > 100 {
		return errors.New("alerts.compliance_warn_score must be a percentage")
	}
	if a.BiasWarnScore > a.BiasEscalateScore {
		return errors.New("alerts.bias_warn_score must not exceed alerts.bias_escalate_score")
	}
	if a.TrainingWarnRatio > a.TrainingEscalateRatio {
		return errors.New("alerts.training_warn_ratio must not exceed alerts.training_escalate_ratio")
	}
	if a.TrainingEscalateRatio > 1 {
		return errors.New("alerts.training_escalate_ratio must be a ratio between 0 and 1")
	}
	return nil
}

func validateActivationConfig(a ActivationConfig) error {
	if len(a.Sinks) == 0 {
		return nil
	}
	for i, s := range a.Sinks {
		switch strings.ToLower(strings.TrimSpace(s.Type)) {
		case "file_jsonl":
			if strings.TrimSpace(s.Path) == "" {
				return fmt.Errorf("activation.sinks[%d] (file_jsonl) missing path", i)
			}
		case "webhook":
			if strings.TrimSpace(s.URL) == "" {
				return fmt.Errorf("activation.sinks[%d] (webhook) missing url", i)
			}
			u, err := url.Parse(s.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("activation.sinks[%d] (webhook) has invalid url", i)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("activation.sinks[%d] (webhook) url must be http or https", i)
			}
			if err := blockPrivateHost(u.Host, s.AllowPrivateNetworks); err != nil {
				return fmt.Errorf("activation.sinks[%d] (webhook) url blocked: %w", i, err)
			}
		default:
			return fmt.Errorf("activation.sinks[%d] has unknown type %q", i, s.Type)
		}
	}
	return nil
}

func validateTelemetryConfig(t TelemetryConfig) error {
	if !t.Enabled {
		return nil
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		return errors.New("telemetry enabled but telemetry.endpoint is empty")
	}
	if t.Protocol != "" {
		switch strings.ToLower(strings.TrimSpace(t.Protocol)) {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", t.Protocol)
		}
	}
	return nil
}

func validateClients(clients []ClientConfig) error {
	seen := make(map[string]string)
	for i, c := range clients {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("clients[%d].id must be set", i)
		}
		if len(c.APIKeys) == 0 {
			return fmt.Errorf("client %q must define at least one api_keys entry", c.ID)
		}
		for _, key := range c.APIKeys {
			if strings.TrimSpace(key) == "" {
				return fmt.Errorf("client %q has an empty api_keys entry", c.ID)
			}
			if owner, ok := seen[key]; ok && owner != c.ID {
				return fmt.Errorf("api key of client %q is already assigned to client %q", c.ID, owner)
			}
			seen[key] = c.ID
		}
	}
	return nil
}

func blockPrivateHost(hostport string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	host := hostport
	if strings.Contains(hostport, "]") || strings.Contains(hostport, ":") {
		h, _, err := net.SplitHostPort(hostport)
		if err == nil {
			host = h
		}
	}
	lc := strings.ToLower(strings.TrimSpace(host))
	if lc == "localhost" {
		return errors.New("private network host localhost blocked for SSRF safety")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return fmt.Errorf("private network IP %s blocked for SSRF safety", ip.String())
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []*net.IPNet{
		{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
		{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
		{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("169.254.0.0"), Mask: net.CIDRMask(16, 32)},
		{IP: net.ParseIP("::1"), Mask: net.CIDRMask(128, 128)},
		{IP: net.ParseIP("fc00::"), Mask: net.CIDRMask(7, 128)},
		{IP: net.ParseIP("fe80::"), Mask: net.CIDRMask(10, 128)},
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}
