package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "DUET"
	defaultHTTPAddress      = "0.0.0.0:3000"
	defaultDatabasePath     = "duet.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCookieName       = "jwt"
	defaultTokenTTL         = 7 * 24 * time.Hour
	defaultAllowedOrigin    = "http://localhost:5173"
	defaultCloudinaryURL    = "https://api.cloudinary.com/v1_1"
	defaultSMTPPort         = 587
	defaultSendPerMinute    = 60
	defaultRealtimeBuffer   = 32
	minimumSigningSecretLen = 16
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	SigningSecret  string
	CookieName     string
	TokenTTL       time.Duration
	SecureCookie   bool
	AllowedOrigins []string
	Cloudinary     CloudinaryConfig
	SMTP           SMTPConfig
	RedisURL       string
	SendPerMinute  int
	RealtimeBuffer int
}

// CloudinaryConfig holds asset host credentials. An empty CloudName disables uploads.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	BaseURL   string
}

// Enabled reports whether uploads can be performed.
func (c CloudinaryConfig) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// SMTPConfig holds outbound mail settings. An empty Host disables delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.secure_cookie", false)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("cloudinary.base_url", defaultCloudinaryURL)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("ratelimit.send_per_minute", defaultSendPerMinute)
	configViper.SetDefault("realtime.send_buffer", defaultRealtimeBuffer)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		SecureCookie:   configViper.GetBool("auth.secure_cookie"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		Cloudinary: CloudinaryConfig{
			CloudName: strings.TrimSpace(configViper.GetString("cloudinary.cloud_name")),
			APIKey:    strings.TrimSpace(configViper.GetString("cloudinary.api_key")),
			APISecret: strings.TrimSpace(configViper.GetString("cloudinary.api_secret")),
			BaseURL:   strings.TrimSpace(configViper.GetString("cloudinary.base_url")),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(configViper.GetString("smtp.host")),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			Sender:   strings.TrimSpace(configViper.GetString("smtp.sender")),
		},
		RedisURL:       strings.TrimSpace(configViper.GetString("redis.url")),
		SendPerMinute:  configViper.GetInt("ratelimit.send_per_minute"),
		RealtimeBuffer: configViper.GetInt("realtime.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLen {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretLen)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.SMTP.Host != "" && c.SMTP.Sender == "" {
		return fmt.Errorf("smtp.sender is required when smtp.host is set")
	}
	if c.RealtimeBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
