// Package config handles KenoBot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kenobot/config.yaml, /etc/kenobot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kenobot", "config.yaml"))
	}

	paths = append(paths, "/etc/kenobot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all KenoBot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	API       APIConfig       `yaml:"api"`
	Provider  ProviderConfig  `yaml:"provider"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Sleep     SleepConfig     `yaml:"sleep"`
	Budget    BudgetConfig    `yaml:"budget"`
	Notify    NotifyConfig    `yaml:"notify"`
	Relay     RelayConfig     `yaml:"relay"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP server settings. The webhook and the REST
// API share one listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// WebhookConfig defines the signed webhook endpoint.
type WebhookConfig struct {
	// Secret is the HMAC-SHA256 key callers sign request bodies with.
	// When empty, every webhook call is rejected with 401.
	Secret string `yaml:"secret"`
	// TimeoutSec bounds how long a webhook call waits for the agent reply
	// (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// APIConfig defines the REST API surface.
type APIConfig struct {
	// Key is the bearer token for authenticated routes. When empty, all
	// authenticated routes reject with 401.
	Key string `yaml:"key"`
	// RateLimit is the number of requests allowed per client IP within
	// RateWindowSec (default 60 per 60s).
	RateLimit     int `yaml:"rate_limit"`
	RateWindowSec int `yaml:"rate_window_sec"`
	// TimeoutSec bounds how long a send-message call waits for the agent
	// reply (default 60).
	TimeoutSec int `yaml:"timeout_sec"`
}

// ProviderConfig defines the language-model provider and its circuit
// breaker.
type ProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"` // per-call timeout (default 120)
	// Breaker trips OPEN after Threshold consecutive failures and probes
	// again after CooldownSec.
	Threshold   int `yaml:"threshold"`    // default 5
	CooldownSec int `yaml:"cooldown_sec"` // default 30
}

// WatchdogConfig defines health check cadence.
type WatchdogConfig struct {
	IntervalSec     int `yaml:"interval_sec"`      // tick period (default 30)
	CheckTimeoutSec int `yaml:"check_timeout_sec"` // per-check bound (default 10)
}

// SleepConfig defines the nightly consolidation job.
type SleepConfig struct {
	PeriodHours int `yaml:"period_hours"` // default 24
	// TargetHour pins runs to a local hour of day (0-23). -1 disables the
	// pin and runs whenever the period has elapsed.
	TargetHour    int `yaml:"target_hour"`
	RetentionDays int `yaml:"retention_days"` // transient chat retention (default 14)
	// UpdateRepo, when set to "owner/repo", lets the self-improvement phase
	// check for newer releases.
	UpdateRepo string `yaml:"update_repo"`
}

// BudgetConfig caps daily provider spend.
type BudgetConfig struct {
	DailyLimitUSD float64 `yaml:"daily_limit_usd"` // 0 disables the check
	// Pricing maps model name to USD per million tokens, input and output.
	Pricing map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// NotifyConfig routes health and notification signals to the owner.
type NotifyConfig struct {
	// OwnerChatID and OwnerChannel address the owner's conversation. Both
	// must be set for chat notifications.
	OwnerChatID  string `yaml:"owner_chat_id"`
	OwnerChannel string `yaml:"owner_channel"`
	// CooldownSec throttles repeats of the same signal type (default 300).
	CooldownSec int         `yaml:"cooldown_sec"`
	Email       EmailConfig `yaml:"email"`
}

// EmailConfig defines the optional SMTP notification sink.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	// StartTLS upgrades the connection after EHLO. Default true; set
	// false for implicit TLS on port 465.
	StartTLS bool `yaml:"starttls"`
}

// RelayConfig defines the websocket relay channel.
type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`   // wss:// relay endpoint
	Token   string `yaml:"token"` // bearer token sent on dial
	// AllowedUsers restricts which relay user ids may talk to the agent.
	// Empty allows everyone.
	AllowedUsers []string `yaml:"allowed_users"`
}

// MQTTConfig defines the optional presence publisher.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"` // empty disables MQTT
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DeviceName  string `yaml:"device_name"`  // default "kenobot"
	IntervalSec int    `yaml:"interval_sec"` // stats publish period (default 60)
}

// UpstreamConfig carries tokens for outbound integrations.
type UpstreamConfig struct {
	GitHubToken string `yaml:"github_token"`
}

// Load reads configuration from a YAML file. Environment variables in the
// file body are expanded before parsing, so secrets can live in the
// environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		Webhook: WebhookConfig{TimeoutSec: 30},
		API: APIConfig{
			RateLimit:     60,
			RateWindowSec: 60,
			TimeoutSec:    60,
		},
		Provider: ProviderConfig{
			TimeoutSec:  120,
			Threshold:   5,
			CooldownSec: 30,
		},
		Watchdog: WatchdogConfig{
			IntervalSec:     30,
			CheckTimeoutSec: 10,
		},
		Sleep: SleepConfig{
			PeriodHours:   24,
			TargetHour:    3,
			RetentionDays: 14,
		},
		Notify: NotifyConfig{
			CooldownSec: 300,
			Email:       EmailConfig{Port: 587, StartTLS: true},
		},
		MQTT: MQTTConfig{
			DeviceName:  "kenobot",
			IntervalSec: 60,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Sleep.TargetHour < -1 || c.Sleep.TargetHour > 23 {
		return fmt.Errorf("sleep.target_hour %d out of range", c.Sleep.TargetHour)
	}
	if c.API.RateLimit < 1 {
		return fmt.Errorf("api.rate_limit must be positive, got %d", c.API.RateLimit)
	}
	if c.Provider.Threshold < 1 {
		return fmt.Errorf("provider.threshold must be positive, got %d", c.Provider.Threshold)
	}
	return nil
}
