package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "STOREFRONT"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "storefront-session.db"
	defaultLogLevel             = "info"
	defaultLogFormat            = "json"
	defaultSessionBackend       = SessionBackendSQLite
	defaultSessionIssuer        = "storefront-session"
	defaultTokenTTLMinutes      = 720
	defaultCookieName           = "storefront_browser"
	defaultRedisKeyPrefix       = "storefront:session:"
	defaultProfilesSource       = ProfilesSourceHTTP
	defaultProfilesTimeout      = 5 * time.Second
	defaultGoogleJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultEntryPath            = "/"
	defaultAwaitingApprovalPath = "/creator-thank-you"
	defaultLatchCapacity        = 4096
)

const (
	SessionBackendSQLite = "sqlite"
	SessionBackendRedis  = "redis"
	SessionBackendMemory = "memory"

	ProfilesSourceHTTP     = "http"
	ProfilesSourceDatabase = "database"
)

// AppConfig captures runtime configuration for the session service.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string

	DatabasePath string

	SessionBackend string
	SigningSecret  string
	SessionIssuer  string
	TokenTTL       time.Duration
	CookieName     string
	CookieSecure   bool

	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	ProfilesSource  string
	ProfilesBaseURL string
	ProfilesAPIKey  string
	ProfilesTimeout time.Duration

	CredentialsBaseURL string

	GoogleClientID string
	GoogleJWKSURL  string

	EntryPath            string
	AwaitingApprovalPath string
	LatchCapacity        int
	AllowedOrigins       []string
	AllowAnyOrigin       bool
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("session.backend", defaultSessionBackend)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.cookie_secure", true)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("profiles.source", defaultProfilesSource)
	configViper.SetDefault("profiles.timeout", defaultProfilesTimeout)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("routing.entry_path", defaultEntryPath)
	configViper.SetDefault("routing.awaiting_approval_path", defaultAwaitingApprovalPath)
	configViper.SetDefault("redirect.latch_capacity", defaultLatchCapacity)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("cors.allow_any_origin", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		DatabasePath:         configViper.GetString("database.path"),
		SessionBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("session.backend"))),
		SigningSecret:        configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		TokenTTL:             time.Duration(configViper.GetInt("session.token_ttl_minutes")) * time.Minute,
		CookieName:           configViper.GetString("session.cookie_name"),
		CookieSecure:         configViper.GetBool("session.cookie_secure"),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		RedisKeyPrefix:       configViper.GetString("redis.key_prefix"),
		ProfilesSource:       strings.ToLower(strings.TrimSpace(configViper.GetString("profiles.source"))),
		ProfilesBaseURL:      configViper.GetString("profiles.base_url"),
		ProfilesAPIKey:       configViper.GetString("profiles.api_key"),
		ProfilesTimeout:      configViper.GetDuration("profiles.timeout"),
		CredentialsBaseURL:   configViper.GetString("credentials.base_url"),
		GoogleClientID:       configViper.GetString("google.client_id"),
		GoogleJWKSURL:        configViper.GetString("google.jwks_url"),
		EntryPath:            configViper.GetString("routing.entry_path"),
		AwaitingApprovalPath: configViper.GetString("routing.awaiting_approval_path"),
		LatchCapacity:        configViper.GetInt("redirect.latch_capacity"),
		AllowedOrigins:       splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		AllowAnyOrigin:       configViper.GetBool("cors.allow_any_origin"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// NeedsDatabase reports whether any configured component uses SQLite.
func (c AppConfig) NeedsDatabase() bool {
	return c.SessionBackend == SessionBackendSQLite || c.ProfilesSource == ProfilesSourceDatabase
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("session.token_ttl_minutes must be positive")
	}
	switch c.SessionBackend {
	case SessionBackendSQLite, SessionBackendMemory:
	case SessionBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis session backend")
		}
	default:
		return fmt.Errorf("session.backend %q is not supported", c.SessionBackend)
	}
	switch c.ProfilesSource {
	case ProfilesSourceHTTP:
		if strings.TrimSpace(c.ProfilesBaseURL) == "" {
			return fmt.Errorf("profiles.base_url is required for the http profile source")
		}
	case ProfilesSourceDatabase:
	default:
		return fmt.Errorf("profiles.source %q is not supported", c.ProfilesSource)
	}
	if c.NeedsDatabase() && strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CredentialsBaseURL) == "" {
		return fmt.Errorf("credentials.base_url is required")
	}
	if len(c.AllowedOrigins) == 0 && !c.AllowAnyOrigin {
		return fmt.Errorf("cors.allowed_origins is required unless cors.allow_any_origin is set")
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
