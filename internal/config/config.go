package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CAMPUSFIX"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "campusfix.db"
	defaultLogLevel          = "info"
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultTokenTTLMinutes   = 60
	defaultFakePenalty       = 10
	defaultResolvedReward    = 20
	defaultClassifierTimeout = 10 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	SigningSecret      string
	TokenTTL           time.Duration
	GoogleClientID     string
	GoogleJWKSURL      string
	StaffEmails        []string
	KarmaPolicy        KarmaPolicy
	ClassifierEndpoint string
	ClassifierTimeout  time.Duration
	ClassifierFailOpen bool
}

// KarmaPolicy holds the fixed karma magnitudes applied by ticket reviews.
// Both values are positive; the review applies the penalty as a negative delta.
type KarmaPolicy struct {
	FakePenalty    int
	ResolvedReward int
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
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("karma.fake_penalty", defaultFakePenalty)
	configViper.SetDefault("karma.resolved_reward", defaultResolvedReward)
	configViper.SetDefault("classifier.timeout_seconds", int(defaultClassifierTimeout/time.Second))
	configViper.SetDefault("classifier.fail_open", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GoogleClientID: configViper.GetString("google.client_id"),
		GoogleJWKSURL:  configViper.GetString("google.jwks_url"),
		StaffEmails:    configViper.GetStringSlice("auth.staff_emails"),
		KarmaPolicy: KarmaPolicy{
			FakePenalty:    configViper.GetInt("karma.fake_penalty"),
			ResolvedReward: configViper.GetInt("karma.resolved_reward"),
		},
		ClassifierEndpoint: configViper.GetString("classifier.endpoint"),
		ClassifierTimeout:  time.Duration(configViper.GetInt("classifier.timeout_seconds")) * time.Second,
		ClassifierFailOpen: configViper.GetBool("classifier.fail_open"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.GoogleClientID) == "" {
		return fmt.Errorf("google.client_id is required")
	}
	if c.KarmaPolicy.FakePenalty <= 0 {
		return fmt.Errorf("karma.fake_penalty must be positive")
	}
	if c.KarmaPolicy.ResolvedReward <= 0 {
		return fmt.Errorf("karma.resolved_reward must be positive")
	}
	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("classifier.timeout_seconds must be positive")
	}
	return nil
}
