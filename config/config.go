package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Lighter    LighterConfig    `yaml:"lighter"`
	MarketData MarketDataConfig `yaml:"marketdata"`
	Session    SessionConfig    `yaml:"session"`
	Redis      RedisConfig      `yaml:"redis"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type GatewayConfig struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	ListenAddr string `yaml:"listen_addr"`
	Endpoint   string `yaml:"endpoint"`
}

type LighterConfig struct {
	URL          string `yaml:"url"`
	WSURL        string `yaml:"ws_url"`
	PrivateKey   string `yaml:"private_key"`
	AccountIndex int    `yaml:"account_index"`
	APIKeyIndex  int    `yaml:"api_key_index"`
	AuthToken    string `yaml:"auth_token"`
}

type MarketDataConfig struct {
	// OrderBookMarkets lists market ids whose books are streamed and
	// mirrored; empty means order-book streaming is off.
	OrderBookMarkets []int           `yaml:"order_book_markets"`
	SendInterval     time.Duration   `yaml:"send_interval"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SessionConfig struct {
	CallTimeout        time.Duration     `yaml:"call_timeout"`
	CancelConfirmDelay time.Duration     `yaml:"cancel_confirm_delay"`
	BalancePoll        BalancePollConfig `yaml:"balance_poll"`
}

// BalancePollConfig controls the REST balance fallback. It is disabled
// by default; websocket account updates are the primary source and the
// poller exists only as a fallback for unreliable feeds.
type BalancePollConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type RedisConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	DB      int           `yaml:"db"`
	KeyTTL  time.Duration `yaml:"key_ttl"`
	Depth   int           `yaml:"depth"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads the YAML configuration file, applies environment
// variable overrides for credentials and endpoints, fills defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = expandEnvVars(data)

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars substitutes ${VAR} references in the raw YAML with the
// value of the environment variable. Unset variables expand to empty so
// defaults can take over.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("LIGHTER_URL"); v != "" {
		config.Lighter.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIGHTER_WS_URL"); v != "" {
		config.Lighter.WSURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIGHTER_API_KEY_PRIVATE_KEY"); v != "" {
		config.Lighter.PrivateKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIGHTER_AUTH_TOKEN"); v != "" {
		config.Lighter.AuthToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("LIGHTER_ACCOUNT_INDEX"); v != "" {
		if idx, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Lighter.AccountIndex = idx
		}
	}
	if v := os.Getenv("LIGHTER_API_KEY_INDEX"); v != "" {
		if idx, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			config.Lighter.APIKeyIndex = idx
		}
	}
	if v := os.Getenv("CPTY_LISTEN_ADDR"); v != "" {
		config.Gateway.ListenAddr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Redis.URL = strings.TrimSpace(v)
	}
}

func applyDefaults(config *Config) {
	if config.Gateway.Name == "" {
		config.Gateway.Name = "lightercpty"
	}
	if config.Gateway.ListenAddr == "" {
		config.Gateway.ListenAddr = ":50051"
	}
	if config.Gateway.Endpoint == "" {
		config.Gateway.Endpoint = "/cpty"
	}
	if config.Lighter.URL == "" {
		config.Lighter.URL = "https://mainnet.zklighter.elliot.ai"
	}
	if config.Lighter.WSURL == "" {
		config.Lighter.WSURL = deriveWSURL(config.Lighter.URL)
	}
	if config.Lighter.APIKeyIndex == 0 {
		config.Lighter.APIKeyIndex = 1
	}
	if config.MarketData.SendInterval <= 0 {
		config.MarketData.SendInterval = 100 * time.Millisecond
	}
	if config.MarketData.Reconnect.MaxAttempts <= 0 {
		config.MarketData.Reconnect.MaxAttempts = 10
	}
	if config.MarketData.Reconnect.BaseDelay <= 0 {
		config.MarketData.Reconnect.BaseDelay = time.Second
	}
	if config.MarketData.Reconnect.MaxDelay <= 0 {
		config.MarketData.Reconnect.MaxDelay = 60 * time.Second
	}
	if config.Session.CallTimeout <= 0 {
		config.Session.CallTimeout = 10 * time.Second
	}
	if config.Session.CancelConfirmDelay <= 0 {
		config.Session.CancelConfirmDelay = 2 * time.Second
	}
	if config.Session.BalancePoll.Interval <= 0 {
		config.Session.BalancePoll.Interval = 30 * time.Second
	}
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379"
	}
	if config.Redis.DB == 0 {
		config.Redis.DB = 2
	}
	if config.Redis.KeyTTL <= 0 {
		config.Redis.KeyTTL = 5 * time.Minute
	}
	if config.Redis.Depth <= 0 {
		config.Redis.Depth = 10
	}
	if config.Channels.EventBuffer <= 0 {
		config.Channels.EventBuffer = 1024
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
}

// deriveWSURL maps the REST base URL onto the venue's streaming
// endpoint when no explicit websocket URL is configured.
func deriveWSURL(apiURL string) string {
	ws := strings.Replace(apiURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimRight(ws, "/") + "/stream"
}

func validateConfig(config *Config) error {
	if config.Lighter.URL == "" {
		return fmt.Errorf("lighter.url is required")
	}
	if !strings.HasPrefix(config.Lighter.WSURL, "ws://") && !strings.HasPrefix(config.Lighter.WSURL, "wss://") {
		return fmt.Errorf("lighter.ws_url must be a ws:// or wss:// URL, got %q", config.Lighter.WSURL)
	}
	if config.Lighter.AccountIndex < 0 {
		return fmt.Errorf("lighter.account_index must not be negative")
	}
	if config.MarketData.Reconnect.BaseDelay > config.MarketData.Reconnect.MaxDelay {
		return fmt.Errorf("marketdata.reconnect.base_delay exceeds max_delay")
	}
	return nil
}
