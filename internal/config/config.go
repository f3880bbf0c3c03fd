// Package config loads and validates the bridge's YAML configuration,
// applying environment variable overrides and documented defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the access-control event bridge.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	ISUP     ISUPConfig             `yaml:"isup"`
	ISAPI    ISAPIConfig            `yaml:"isapi"`
	Features FeaturesConfig         `yaml:"features"`
	Tenants  map[string]TenantEntry `yaml:"tenants"`
	Objects  []ObjectEntry          `yaml:"objects"`
	Hikvision HikvisionConfig       `yaml:"hikvision"`
}

// ServerConfig holds process-wide server settings.
type ServerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	HealthCheckPort    int    `yaml:"health_check_port"`
	LogLevel           string `yaml:"log_level"`
	StoragePath        string `yaml:"storage_path"`
	MaxPendingDays     int    `yaml:"max_pending_days"`
	RetryIntervalSec   int    `yaml:"retry_interval_sec"`
	RedisAddr          string `yaml:"redis_addr"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

// ISUPConfig configures the binary TCP listener.
type ISUPConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	IdleTimeoutSec   int    `yaml:"idle_timeout_sec"`
	StrictCRC        bool   `yaml:"strict_crc"`
	MaxFrameBytes    int    `yaml:"max_frame_bytes"`
}

// ISAPIConfig configures the inbound webhook listener and outbound clients.
type ISAPIConfig struct {
	Host                 string   `yaml:"host"`
	Port                 int      `yaml:"port"`
	WebhookPath          string   `yaml:"webhook_path"`
	WebhookSecret        string   `yaml:"webhook_secret"`
	WebhookBaseURL       string   `yaml:"webhook_base_url"`
	EventTypes           []string `yaml:"event_types"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	CorrelationTTLSec    int      `yaml:"correlation_ttl_sec"`
	HeartbeatTimeoutSec  int      `yaml:"heartbeat_timeout_sec"`
	ReconnectDelaySec    int      `yaml:"reconnect_delay_sec"`
	DispatchTimeoutSec   int      `yaml:"dispatch_timeout_sec"`
	DigestConnectSec     int      `yaml:"digest_connect_timeout_sec"`
	DigestReadSec        int      `yaml:"digest_read_timeout_sec"`
}

// FeaturesConfig toggles optional behaviors.
type FeaturesConfig struct {
	AutoConfigureTerminals bool `yaml:"auto_configure_terminals"`
}

// TenantEntry is one entry of the `tenants` map.
type TenantEntry struct {
	UpstreamURL  string     `yaml:"upstream_url"`
	Auth         AuthConfig `yaml:"auth"`
	ObjectID     string     `yaml:"object_id"`
}

// AuthConfig describes how to authenticate to a tenant's upstream endpoint.
type AuthConfig struct {
	Type   string `yaml:"type"` // "basic" or "bearer"
	User   string `yaml:"user"`
	Pass   string `yaml:"pass"`
	Token  string `yaml:"token"`
}

// ObjectEntry groups terminals under a physical site/object.
type ObjectEntry struct {
	Name      string          `yaml:"name"`
	Terminals []TerminalEntry `yaml:"terminals"`
}

// TerminalEntry is one device binding: MAC/IP → tenant.
type TerminalEntry struct {
	IP       string `yaml:"ip"`
	Port     int    `yaml:"port"`
	MAC      string `yaml:"mac"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Tenant   string `yaml:"tenant"`
}

// HikvisionConfig configures camera device lists and the callback listener.
type HikvisionConfig struct {
	Devices           []HikvisionDevice `yaml:"devices"`
	Callback          CallbackConfig    `yaml:"callback"`
	AllowedDeviceIDs  []string          `yaml:"allowed_device_ids"`
}

// HikvisionDevice is one camera entry.
type HikvisionDevice struct {
	IP       string `yaml:"ip"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Mode     string `yaml:"mode"` // "alert_stream" or "callback"
	Tenant   string `yaml:"tenant"`
}

// CallbackConfig configures the hikvision-specific callback path.
type CallbackConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// Load reads path, applies environment overrides, and fills defaults.
// A missing file is not fatal: defaults apply and the caller should log a
// warning.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: open %s: %w", path, err)
			}
		} else {
			defer f.Close()
			dec := yaml.NewDecoder(f)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Host = getEnv("BRIDGE_SERVER_HOST", c.Server.Host)
	if v := getEnvInt("BRIDGE_SERVER_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("BRIDGE_HEALTH_PORT", 0); v > 0 {
		c.Server.HealthCheckPort = v
	}
	c.Server.LogLevel = getEnv("BRIDGE_LOG_LEVEL", c.Server.LogLevel)
	c.Server.StoragePath = getEnv("BRIDGE_STORAGE_PATH", c.Server.StoragePath)
	c.Server.RedisAddr = getEnv("BRIDGE_REDIS_ADDR", c.Server.RedisAddr)
	c.Server.PostgresDSN = getEnv("BRIDGE_POSTGRES_DSN", c.Server.PostgresDSN)

	c.ISUP.Host = getEnv("BRIDGE_ISUP_HOST", c.ISUP.Host)
	if v := getEnvInt("BRIDGE_ISUP_PORT", 0); v > 0 {
		c.ISUP.Port = v
	}

	c.ISAPI.Host = getEnv("BRIDGE_ISAPI_HOST", c.ISAPI.Host)
	if v := getEnvInt("BRIDGE_ISAPI_PORT", 0); v > 0 {
		c.ISAPI.Port = v
	}
	c.ISAPI.WebhookSecret = getEnv("BRIDGE_WEBHOOK_SECRET", c.ISAPI.WebhookSecret)
	c.ISAPI.WebhookBaseURL = getEnv("BRIDGE_WEBHOOK_BASE_URL", c.ISAPI.WebhookBaseURL)

	c.Features.AutoConfigureTerminals = getEnvBool("BRIDGE_AUTO_CONFIGURE_TERMINALS", c.Features.AutoConfigureTerminals)
}

// applyDefaults fills zero-valued fields with the spec's documented
// defaults (§5 Timeouts, §4.K/§4.M retention/interval).
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7000
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 9100
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.StoragePath == "" {
		c.Server.StoragePath = "./pending"
	}
	if c.Server.MaxPendingDays == 0 {
		c.Server.MaxPendingDays = 30
	}
	if c.Server.RetryIntervalSec == 0 {
		c.Server.RetryIntervalSec = 10
	}
	if c.Server.ShutdownTimeoutSec == 0 {
		c.Server.ShutdownTimeoutSec = 5
	}

	if c.ISUP.Host == "" {
		c.ISUP.Host = "0.0.0.0"
	}
	if c.ISUP.Port == 0 {
		c.ISUP.Port = 7001
	}
	if c.ISUP.IdleTimeoutSec == 0 {
		c.ISUP.IdleTimeoutSec = 30
	}
	if c.ISUP.MaxFrameBytes == 0 {
		c.ISUP.MaxFrameBytes = 1 << 16
	}

	if c.ISAPI.Host == "" {
		c.ISAPI.Host = "0.0.0.0"
	}
	if c.ISAPI.Port == 0 {
		c.ISAPI.Port = 8000
	}
	if c.ISAPI.WebhookPath == "" {
		c.ISAPI.WebhookPath = "/ISAPI/Event/notification/alert"
	}
	if c.ISAPI.CorrelationTTLSec == 0 {
		c.ISAPI.CorrelationTTLSec = 30
	}
	if c.ISAPI.HeartbeatTimeoutSec == 0 {
		c.ISAPI.HeartbeatTimeoutSec = 60
	}
	if c.ISAPI.ReconnectDelaySec == 0 {
		c.ISAPI.ReconnectDelaySec = 5
	}
	if c.ISAPI.DispatchTimeoutSec == 0 {
		c.ISAPI.DispatchTimeoutSec = 5
	}
	if c.ISAPI.DigestConnectSec == 0 {
		c.ISAPI.DigestConnectSec = 10
	}
	if c.ISAPI.DigestReadSec == 0 {
		c.ISAPI.DigestReadSec = 60
	}

	if c.Hikvision.Callback.Path == "" {
		c.Hikvision.Callback.Path = "/hikvision/callback"
	}
}

// IdleTimeout returns the ISUP connection idle timeout as a duration.
func (c *ISUPConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// HeartbeatTimeout returns the alert-stream heartbeat timeout as a duration.
func (c *ISAPIConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// ReconnectDelay returns the alert-stream reconnect delay as a duration.
func (c *ISAPIConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// DispatchTimeout returns the per-attempt upstream dispatch timeout.
func (c *ISAPIConfig) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSec) * time.Second
}

// CorrelationTTL returns the webhook image/XML correlation cache TTL.
func (c *ISAPIConfig) CorrelationTTL() time.Duration {
	return time.Duration(c.CorrelationTTLSec) * time.Second
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// splitCSV is retained for config values that may arrive as comma-separated
// environment overrides (none currently, kept for parity with tenant lists).
func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

var _ = splitCSV
