package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config aggregates every configuration section of the service.
// Values come from an optional YAML file, then environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	AI      AIConfig      `mapstructure:"ai"`
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Port    string `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`

	// Addr is derived from Port.
	Addr string `mapstructure:"-"`
}

// AuthConfig holds token signing and OAuth client settings.
type AuthConfig struct {
	SecretKey          string        `mapstructure:"secret_key"`
	AllowedEmail       string        `mapstructure:"allowed_email"`
	GoogleClientID     string        `mapstructure:"google_client_id"`
	GoogleClientSecret string        `mapstructure:"google_client_secret"`
	TokenTTL           time.Duration `mapstructure:"token_ttl"`
	WSTokenTTL         time.Duration `mapstructure:"ws_token_ttl"`
	CookieSecure       bool          `mapstructure:"cookie_secure"`
}

// OAuthEnabled reports whether Google login can be offered.
func (c AuthConfig) OAuthEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// AIConfig selects and configures the completion provider.
type AIConfig struct {
	Provider     string    `mapstructure:"provider"`
	APIKey       string    `mapstructure:"api_key"`
	Model        string    `mapstructure:"model"`
	MaxTokens    int       `mapstructure:"max_tokens"`
	SystemPrompt string    `mapstructure:"system_prompt"`
	Temperature  *float64  `mapstructure:"temperature"`
	Ark          ArkConfig `mapstructure:"ark"`
}

const (
	ProviderAnthropic = "anthropic"
	ProviderArk       = "ark"
)

// Enabled reports whether the selected provider has the credentials it needs.
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderAnthropic:
		return c.APIKey != "" && c.Model != ""
	case ProviderArk:
		return c.Ark.Enabled()
	default:
		return false
	}
}

// ArkConfig describes the Volcengine Ark chat model.
type ArkConfig struct {
	APIKey    string `mapstructure:"api_key"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	Region    string `mapstructure:"region"`
}

// Enabled reports whether the required keys were provided.
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Ark.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens > 0 {
		val := c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.Ark.BaseURL,
		Region:      c.Ark.Region,
		APIKey:      c.Ark.APIKey,
		AccessKey:   c.Ark.AccessKey,
		SecretKey:   c.Ark.SecretKey,
		Model:       c.Ark.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// SessionConfig tunes the websocket conversation sessions.
type SessionConfig struct {
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var envBindings = map[string]string{
	"server.port":               "PORT",
	"server.base_url":           "BASE_URL",
	"auth.secret_key":           "SECRET_KEY",
	"auth.allowed_email":        "ALLOWED_EMAIL",
	"auth.google_client_id":     "GOOGLE_CLIENT_ID",
	"auth.google_client_secret": "GOOGLE_CLIENT_SECRET",
	"auth.token_ttl":            "AUTH_TOKEN_TTL",
	"auth.ws_token_ttl":         "AUTH_WS_TOKEN_TTL",
	"auth.cookie_secure":        "AUTH_COOKIE_SECURE",
	"ai.provider":               "AI_PROVIDER",
	"ai.api_key":                "ANTHROPIC_API_KEY",
	"ai.model":                  "AI_MODEL",
	"ai.max_tokens":             "AI_MAX_TOKENS",
	"ai.system_prompt":          "AI_SYSTEM_PROMPT",
	"ai.temperature":            "AI_TEMPERATURE",
	"ai.ark.api_key":            "ARK_API_KEY",
	"ai.ark.access_key":         "ARK_ACCESS_KEY",
	"ai.ark.secret_key":         "ARK_SECRET_KEY",
	"ai.ark.model":              "ARK_MODEL",
	"ai.ark.base_url":           "ARK_BASE_URL",
	"ai.ark.region":             "ARK_REGION",
	"store.driver":              "STORE_DRIVER",
	"store.path":                "DATABASE_PATH",
	"session.auth_timeout":      "SESSION_AUTH_TIMEOUT",
	"session.persist_timeout":   "SESSION_PERSIST_TIMEOUT",
	"session.ping_interval":     "SESSION_PING_INTERVAL",
	"session.pong_wait":         "SESSION_PONG_WAIT",
	"session.write_wait":        "SESSION_WRITE_WAIT",
	"session.read_limit":        "SESSION_READ_LIMIT",
	"log.level":                 "LOG_LEVEL",
	"log.format":                "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.base_url", "http://localhost:8000")

	v.SetDefault("auth.token_ttl", 7*24*time.Hour)
	v.SetDefault("auth.ws_token_ttl", 5*time.Minute)
	v.SetDefault("auth.cookie_secure", true)

	v.SetDefault("ai.provider", ProviderAnthropic)
	v.SetDefault("ai.model", "claude-3-5-sonnet-20241022")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.system_prompt", "You are a helpful AI assistant.")
	v.SetDefault("ai.ark.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.ark.region", "cn-beijing")

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.path", "data/conversations.db")

	v.SetDefault("session.auth_timeout", 10*time.Second)
	v.SetDefault("session.persist_timeout", 5*time.Second)
	v.SetDefault("session.ping_interval", 54*time.Second)
	v.SetDefault("session.pong_wait", 60*time.Second)
	v.SetDefault("session.write_wait", 10*time.Second)
	v.SetDefault("session.read_limit", 64*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. configFile is optional.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr
	cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.BaseURL), "/")
	cfg.AI.Provider = strings.ToLower(strings.TrimSpace(cfg.AI.Provider))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Auth.AllowedEmail = strings.TrimSpace(cfg.Auth.AllowedEmail)

	return &cfg, nil
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.SecretKey) == "" {
		return errors.New("SECRET_KEY is required")
	}
	switch c.AI.Provider {
	case ProviderAnthropic, ProviderArk:
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q", c.AI.Provider)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	return nil
}

// RedirectURL is the OAuth callback registered with Google.
func (c *Config) RedirectURL() string {
	return c.Server.BaseURL + "/auth/callback"
}

// listenAddr accepts "8080", ":8080" or "127.0.0.1:8080".
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}
