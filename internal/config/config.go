package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 4096
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18790
	DefaultBufSize         = 100
	DefaultCloudPort       = 9890
	DefaultGraphAPIVersion = "v21.0"
	DefaultGraphBaseURL    = "https://graph.facebook.com"
	DefaultUSDABaseURL     = "https://api.nal.usda.gov/fdc/v1"
	DefaultNutrientTTL     = "720h"
	DefaultDedupWindow     = "10m"
	DefaultSessionTTL      = "24h"
	DefaultListRowLimit    = 10
	DefaultRowTitleLimit   = 24
	DefaultLocale          = "pt-BR"
	DefaultMediaTimeout    = "20s"
	DefaultVisionTimeout   = "60s"
	DefaultLookupTimeout   = "10s"
	DefaultSendTimeout     = "15s"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

type Config struct {
	Channels     ChannelsConfig     `json:"channels"`
	Provider     ProviderConfig     `json:"provider"`
	Nutrition    NutritionConfig    `json:"nutrition"`
	Conversation ConversationConfig `json:"conversation"`
	Timeouts     TimeoutsConfig     `json:"timeouts"`
	Journal      JournalConfig      `json:"journal"`
	Gateway      GatewayConfig      `json:"gateway"`
	Logging      LoggingConfig      `json:"logging"`
}

type ProviderConfig struct {
	Type      string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type ChannelsConfig struct {
	WhatsAppCloud WhatsAppCloudConfig `json:"whatsappCloud"`
	Telegram      TelegramConfig      `json:"telegram"`
	WhatsApp      WhatsAppConfig      `json:"whatsapp"`
}

// WhatsAppCloudConfig configures the Meta Cloud API webhook channel.
type WhatsAppCloudConfig struct {
	Enabled         bool     `json:"enabled"`
	Port            int      `json:"port,omitempty"`
	WebhookPath     string   `json:"webhookPath,omitempty"`
	VerifyToken     string   `json:"verifyToken"`
	AppSecret       string   `json:"appSecret,omitempty"`
	AccessToken     string   `json:"accessToken"`
	PhoneNumberID   string   `json:"phoneNumberId"`
	GraphAPIVersion string   `json:"graphApiVersion,omitempty"`
	GraphBaseURL    string   `json:"graphBaseUrl,omitempty"`
	AllowFrom       []string `json:"allowFrom"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

// WhatsAppConfig configures the linked-device (multi-device web) channel.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	StorePath string   `json:"storePath,omitempty"`
	AllowFrom []string `json:"allowFrom"`
}

type NutritionConfig struct {
	USDAAPIKey         string `json:"usdaApiKey"`
	BaseURL            string `json:"baseUrl,omitempty"`
	CacheTTL           string `json:"cacheTtl,omitempty"`
	MaxParallelLookups int    `json:"maxParallelLookups,omitempty"`
}

type ConversationConfig struct {
	DedupWindow   string `json:"dedupWindow"`
	SessionTTL    string `json:"sessionTtl"`
	ListRowLimit  int    `json:"listRowLimit"`
	RowTitleLimit int    `json:"rowTitleLimit"`
	MessagesFile  string `json:"messagesFile,omitempty"`
	Locale        string `json:"locale"`
}

type TimeoutsConfig struct {
	Media  string `json:"media"`
	Vision string `json:"vision"`
	Lookup string `json:"lookup"`
	Send   string `json:"send"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "console" or "json"
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:     DefaultModel,
			MaxTokens: DefaultMaxTokens,
		},
		Channels: ChannelsConfig{
			WhatsAppCloud: WhatsAppCloudConfig{
				Port:            DefaultCloudPort,
				WebhookPath:     "/webhook",
				GraphAPIVersion: DefaultGraphAPIVersion,
				GraphBaseURL:    DefaultGraphBaseURL,
			},
		},
		Nutrition: NutritionConfig{
			BaseURL:  DefaultUSDABaseURL,
			CacheTTL: DefaultNutrientTTL,
		},
		Conversation: ConversationConfig{
			DedupWindow:   DefaultDedupWindow,
			SessionTTL:    DefaultSessionTTL,
			ListRowLimit:  DefaultListRowLimit,
			RowTitleLimit: DefaultRowTitleLimit,
			Locale:        DefaultLocale,
		},
		Timeouts: TimeoutsConfig{
			Media:  DefaultMediaTimeout,
			Vision: DefaultVisionTimeout,
			Lookup: DefaultLookupTimeout,
			Send:   DefaultSendTimeout,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".platebot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// JournalPath returns the configured journal database path or the default one.
func (c *Config) JournalPath() string {
	if p := strings.TrimSpace(c.Journal.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "platebot.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("PLATEBOT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("PLATEBOT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if m := os.Getenv("PLATEBOT_MODEL"); m != "" {
		cfg.Provider.Model = m
	}
	if token := os.Getenv("PLATEBOT_WHATSAPP_TOKEN"); token != "" {
		cfg.Channels.WhatsAppCloud.AccessToken = token
	}
	if token := os.Getenv("PLATEBOT_WHATSAPP_VERIFY_TOKEN"); token != "" {
		cfg.Channels.WhatsAppCloud.VerifyToken = token
	}
	if id := os.Getenv("PLATEBOT_WHATSAPP_PHONE_NUMBER_ID"); id != "" {
		cfg.Channels.WhatsAppCloud.PhoneNumberID = id
	}
	if secret := os.Getenv("PLATEBOT_WHATSAPP_APP_SECRET"); secret != "" {
		cfg.Channels.WhatsAppCloud.AppSecret = secret
	}
	if token := os.Getenv("PLATEBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("PLATEBOT_USDA_API_KEY"); key != "" {
		cfg.Nutrition.USDAAPIKey = key
	}
	if enabled := os.Getenv("PLATEBOT_JOURNAL_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Journal.Enabled = parsed
		}
	}
	if dbPath := os.Getenv("PLATEBOT_JOURNAL_DB_PATH"); dbPath != "" {
		cfg.Journal.DBPath = dbPath
	}
	if level := os.Getenv("PLATEBOT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if cfg.Conversation.ListRowLimit <= 1 {
		cfg.Conversation.ListRowLimit = DefaultListRowLimit
	}
	if cfg.Conversation.RowTitleLimit <= 3 {
		cfg.Conversation.RowTitleLimit = DefaultRowTitleLimit
	}
	if cfg.Conversation.Locale == "" {
		cfg.Conversation.Locale = DefaultLocale
	}
	if cfg.Channels.WhatsAppCloud.GraphAPIVersion == "" {
		cfg.Channels.WhatsAppCloud.GraphAPIVersion = DefaultGraphAPIVersion
	}
	if cfg.Channels.WhatsAppCloud.GraphBaseURL == "" {
		cfg.Channels.WhatsAppCloud.GraphBaseURL = DefaultGraphBaseURL
	}
	if cfg.Nutrition.BaseURL == "" {
		cfg.Nutrition.BaseURL = DefaultUSDABaseURL
	}

	return cfg, nil
}

// Validate reports settings that cannot work at runtime.
func (c *Config) Validate() error {
	var problems []string
	if c.Channels.WhatsAppCloud.Enabled {
		wc := c.Channels.WhatsAppCloud
		if wc.VerifyToken == "" {
			problems = append(problems, "channels.whatsappCloud.verifyToken is required")
		}
		if wc.AccessToken == "" || wc.PhoneNumberID == "" {
			problems = append(problems, "channels.whatsappCloud.accessToken and phoneNumberId are required")
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		problems = append(problems, "channels.telegram.token is required")
	}
	durations := map[string]string{
		"conversation.dedupWindow": c.Conversation.DedupWindow,
		"conversation.sessionTtl":  c.Conversation.SessionTTL,
		"nutrition.cacheTtl":       c.Nutrition.CacheTTL,
		"timeouts.media":           c.Timeouts.Media,
		"timeouts.vision":          c.Timeouts.Vision,
		"timeouts.lookup":          c.Timeouts.Lookup,
		"timeouts.send":            c.Timeouts.Send,
	}
	for _, key := range sortedKeys(durations) {
		if v := durations[key]; v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid duration %q", key, v))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed.
func Duration(value, def string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
