package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BTBOT"

// Config represents runtime configuration for the bot.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Bot         BotConfig                 `mapstructure:"bot"`
	Gateway     GatewayConfig             `mapstructure:"gateway"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `mapstructure:"server_address"`
	DBType            string `mapstructure:"db_type"`
	AdminToken        string `mapstructure:"admin_token"`
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	QueueSize         int    `mapstructure:"queue_size"`
	WorkerIdleTimeout int    `mapstructure:"worker_idle_timeout_seconds"`
}

// BotConfig holds the conversational behaviour knobs.
type BotConfig struct {
	UserID                 string            `mapstructure:"user_id"`
	Name                   string            `mapstructure:"name"`
	Provider               string            `mapstructure:"provider"`
	Language               string            `mapstructure:"language"`
	Personas               map[string]string `mapstructure:"personas"`
	StartPhrase            string            `mapstructure:"start_phrase"`
	JoinPhrase             string            `mapstructure:"join_phrase"`
	LeavePhrase            string            `mapstructure:"leave_phrase"`
	CommandPrefix          string            `mapstructure:"command_prefix"`
	DefaultTimeoutMinutes  int               `mapstructure:"default_timeout_minutes"`
	MaxTimeoutMinutes      int               `mapstructure:"max_timeout_minutes"`
	MonitorIntervalSeconds int               `mapstructure:"monitor_interval_seconds"`
	ContextWindowTurns     int               `mapstructure:"context_window_turns"`
	CooldownSeconds        int               `mapstructure:"cooldown_seconds"`
}

type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Persona returns the preamble for the configured language, falling back to English.
func (b BotConfig) Persona() string {
	if p, ok := b.Personas[strings.ToLower(b.Language)]; ok && p != "" {
		return p
	}
	return b.Personas["en"]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.db_type", "sqlite3")
	v.SetDefault("basic_config.admin_token", "")
	v.SetDefault("basic_config.min_workers", 2)
	v.SetDefault("basic_config.max_workers", 8)
	v.SetDefault("basic_config.queue_size", 256)
	v.SetDefault("basic_config.worker_idle_timeout_seconds", 30)

	v.SetDefault("bot.user_id", "")
	v.SetDefault("bot.name", "BT")
	v.SetDefault("bot.provider", "openai")
	v.SetDefault("bot.language", "en")
	v.SetDefault("bot.personas", map[string]string{
		"en": "You are a helpful and friendly AI assistant named BT. Reply in English.",
		"ar": "أنت مساعد ذكي وودود اسمه BT. أجب باللغة العربية.",
	})
	v.SetDefault("bot.start_phrase", "hey bt")
	v.SetDefault("bot.join_phrase", "join bt")
	v.SetDefault("bot.leave_phrase", "bye bt")
	v.SetDefault("bot.command_prefix", "!")
	v.SetDefault("bot.default_timeout_minutes", 5)
	v.SetDefault("bot.max_timeout_minutes", 24*60)
	v.SetDefault("bot.monitor_interval_seconds", 60)
	v.SetDefault("bot.context_window_turns", 5)
	v.SetDefault("bot.cooldown_seconds", 10)

	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")

	v.SetDefault("databases.sqlite3.dsn", "btbot.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is not an error: defaults and BTBOT_* environment
// variables still apply.
func Load(path string) (*Config, error) {
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}

	explicit := path != ""
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(absPath); err == nil {
		v.SetConfigFile(absPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	for name, db := range cfg.Databases {
		if !IsSQLite(name) || db.DSN == "" || strings.HasPrefix(db.DSN, ":memory:") || strings.HasPrefix(db.DSN, "file:") {
			continue
		}
		if !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			cfg.Databases[name] = db
		}
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	b := c.Bot
	if strings.TrimSpace(b.StartPhrase) == "" || strings.TrimSpace(b.LeavePhrase) == "" {
		return errors.New("bot.start_phrase and bot.leave_phrase must be configured")
	}
	if b.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("bot.default_timeout_minutes must be positive, got %d", b.DefaultTimeoutMinutes)
	}
	if b.MaxTimeoutMinutes < b.DefaultTimeoutMinutes {
		return fmt.Errorf("bot.max_timeout_minutes (%d) below default timeout (%d)", b.MaxTimeoutMinutes, b.DefaultTimeoutMinutes)
	}
	if b.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("bot.monitor_interval_seconds must be positive, got %d", b.MonitorIntervalSeconds)
	}
	if b.ContextWindowTurns < 0 {
		return fmt.Errorf("bot.context_window_turns must not be negative, got %d", b.ContextWindowTurns)
	}
	if b.CooldownSeconds < 0 {
		return fmt.Errorf("bot.cooldown_seconds must not be negative, got %d", b.CooldownSeconds)
	}
	return nil
}

// IsSQLite reports whether a databases entry or db_type names the sqlite driver.
func IsSQLite(name string) bool {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}
