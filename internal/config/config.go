package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ENTITYSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultAuthIssuer        = "entitysync"
	defaultAuthAudience      = "entitysync-api"
	defaultCookieName        = "entitysync_session"
	defaultTokenTTL          = 30 * time.Minute
	defaultStorageDriver     = "sqlite"
	defaultStorageDSN        = "entitysync.db"
	defaultFullTTL           = 60 * time.Second
	defaultParticipantTTL    = 30 * time.Minute
	defaultSaveRetryDelay    = 5 * time.Second
	defaultUserBatchSize     = 100
	defaultChatBatchSize     = 100
	defaultFetchConcurrency  = 4
	defaultSessionPath       = "session.json"
	defaultRequestsPerSecond = 5
	defaultFloodMaxWait      = time.Minute
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"

	storageDriverPebble   = "pebble"
	telegramDisabledAPIID = 0

	minimumTokenTTL          = time.Minute
	minimumFullTTL           = time.Second
	minimumParticipantTTL    = time.Second
	minimumSaveRetryDelay    = 100 * time.Millisecond
	maximumBatchSize         = 200
	maximumFetchConcurrency  = 64
	maximumRequestsPerSecond = 30
)

var supportedDrivers = []string{"sqlite", "mysql", "postgres", storageDriverPebble}

// AppConfig captures runtime configuration for the engine and its API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	Auth           AuthConfig
	Storage        StorageConfig
	Engine         EngineConfig
	Telegram       TelegramConfig
	Log            LogConfig
}

// AuthConfig configures API tokens.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	CookieName    string
	TokenTTL      time.Duration
}

// StorageConfig selects the durable store. DSN is a file path for sqlite, a directory for pebble and
// a connection string otherwise.
type StorageConfig struct {
	Driver string
	DSN    string
}

// EngineConfig tunes the cache engine.
type EngineConfig struct {
	MyUserID         int64
	UserFullTTL      time.Duration
	ChatFullTTL      time.Duration
	ChannelFullTTL   time.Duration
	ParticipantTTL   time.Duration
	SaveRetryDelay   time.Duration
	UserBatchSize    int
	ChatBatchSize    int
	FetchConcurrency int
}

// TelegramConfig configures the MTProto connection. A zero APIID runs the engine offline.
type TelegramConfig struct {
	APIID             int
	APIHash           string
	SessionPath       string
	RequestsPerSecond int
	FloodMaxWait      time.Duration
}

// Enabled reports whether a remote connection is configured.
func (c TelegramConfig) Enabled() bool {
	return c.APIID != telegramDisabledAPIID
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string
	Format string
}

// UsesPebble reports whether the store is the embedded pebble database.
func (c StorageConfig) UsesPebble() bool {
	return c.Driver == storageDriverPebble
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.dsn", defaultStorageDSN)
	configViper.SetDefault("engine.my_user_id", 0)
	configViper.SetDefault("engine.user_full_ttl", defaultFullTTL)
	configViper.SetDefault("engine.chat_full_ttl", defaultFullTTL)
	configViper.SetDefault("engine.channel_full_ttl", defaultFullTTL)
	configViper.SetDefault("engine.participant_cache_ttl", defaultParticipantTTL)
	configViper.SetDefault("engine.save_retry_delay", defaultSaveRetryDelay)
	configViper.SetDefault("engine.user_batch_size", defaultUserBatchSize)
	configViper.SetDefault("engine.chat_batch_size", defaultChatBatchSize)
	configViper.SetDefault("engine.fetch_concurrency", defaultFetchConcurrency)
	configViper.SetDefault("telegram.api_id", telegramDisabledAPIID)
	configViper.SetDefault("telegram.session_path", defaultSessionPath)
	configViper.SetDefault("telegram.requests_per_second", defaultRequestsPerSecond)
	configViper.SetDefault("telegram.flood_max_wait", defaultFloodMaxWait)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),
		Auth:           authConfig(configViper),
		Storage: StorageConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
			DSN:    configViper.GetString("storage.dsn"),
		},
		Engine: EngineConfig{
			MyUserID:         configViper.GetInt64("engine.my_user_id"),
			UserFullTTL:      configViper.GetDuration("engine.user_full_ttl"),
			ChatFullTTL:      configViper.GetDuration("engine.chat_full_ttl"),
			ChannelFullTTL:   configViper.GetDuration("engine.channel_full_ttl"),
			ParticipantTTL:   configViper.GetDuration("engine.participant_cache_ttl"),
			SaveRetryDelay:   configViper.GetDuration("engine.save_retry_delay"),
			UserBatchSize:    configViper.GetInt("engine.user_batch_size"),
			ChatBatchSize:    configViper.GetInt("engine.chat_batch_size"),
			FetchConcurrency: configViper.GetInt("engine.fetch_concurrency"),
		},
		Telegram: TelegramConfig{
			APIID:             configViper.GetInt("telegram.api_id"),
			APIHash:           configViper.GetString("telegram.api_hash"),
			SessionPath:       configViper.GetString("telegram.session_path"),
			RequestsPerSecond: configViper.GetInt("telegram.requests_per_second"),
			FloodMaxWait:      configViper.GetDuration("telegram.flood_max_wait"),
		},
		Log: LogConfig{
			Level:  configViper.GetString("log.level"),
			Format: configViper.GetString("log.format"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAuth parses only the token settings, for commands that never start the engine.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := authConfig(configViper)
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

func authConfig(configViper *viper.Viper) AuthConfig {
	return AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		CookieName:    configViper.GetString("auth.cookie_name"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
}

func splitList(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (c AppConfig) validate() error {
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	return c.Telegram.validate()
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL < minimumTokenTTL {
		return fmt.Errorf("auth.token_ttl must be at least %s", minimumTokenTTL)
	}
	return nil
}

func (c StorageConfig) validate() error {
	supported := false
	for _, driver := range supportedDrivers {
		if c.Driver == driver {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("storage.driver must be one of %s", strings.Join(supportedDrivers, ", "))
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	return nil
}

func (c EngineConfig) validate() error {
	if c.MyUserID <= 0 {
		return fmt.Errorf("engine.my_user_id is required")
	}
	ttls := []struct {
		key   string
		value time.Duration
	}{
		{key: "engine.user_full_ttl", value: c.UserFullTTL},
		{key: "engine.chat_full_ttl", value: c.ChatFullTTL},
		{key: "engine.channel_full_ttl", value: c.ChannelFullTTL},
	}
	for _, ttl := range ttls {
		if ttl.value < minimumFullTTL {
			return fmt.Errorf("%s must be at least %s", ttl.key, minimumFullTTL)
		}
	}
	if c.ParticipantTTL < minimumParticipantTTL {
		return fmt.Errorf("engine.participant_cache_ttl must be at least %s", minimumParticipantTTL)
	}
	if c.SaveRetryDelay < minimumSaveRetryDelay {
		return fmt.Errorf("engine.save_retry_delay must be at least %s", minimumSaveRetryDelay)
	}
	if c.UserBatchSize <= 0 || c.UserBatchSize > maximumBatchSize {
		return fmt.Errorf("engine.user_batch_size must be between 1 and %d", maximumBatchSize)
	}
	if c.ChatBatchSize <= 0 || c.ChatBatchSize > maximumBatchSize {
		return fmt.Errorf("engine.chat_batch_size must be between 1 and %d", maximumBatchSize)
	}
	if c.FetchConcurrency <= 0 || c.FetchConcurrency > maximumFetchConcurrency {
		return fmt.Errorf("engine.fetch_concurrency must be between 1 and %d", maximumFetchConcurrency)
	}
	return nil
}

func (c TelegramConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.APIID < 0 {
		return fmt.Errorf("telegram.api_id must be positive")
	}
	if strings.TrimSpace(c.APIHash) == "" {
		return fmt.Errorf("telegram.api_hash is required when telegram.api_id is set")
	}
	if strings.TrimSpace(c.SessionPath) == "" {
		return fmt.Errorf("telegram.session_path is required when telegram.api_id is set")
	}
	if c.RequestsPerSecond <= 0 || c.RequestsPerSecond > maximumRequestsPerSecond {
		return fmt.Errorf("telegram.requests_per_second must be between 1 and %d", maximumRequestsPerSecond)
	}
	return nil
}
