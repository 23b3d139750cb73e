package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "WAYMARK"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "waymark.db"
	defaultDataDir        = "data"
	defaultPhotosDir      = "photos"
	defaultTrashDir       = "trash"
	defaultGames          = "5,6"
	defaultLogLevel       = "info"
	defaultCookieName     = "waymark_session"
	defaultSessionTTL     = 30 * 24 * time.Hour
	defaultLockTimeoutSec = 5
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	DataDir           string
	PhotosDir         string
	TrashDir          string
	Games             []string
	LogLevel          string
	SessionSigningKey string
	SessionCookieName string
	SessionTTL        time.Duration
	GoogleMapsAPIKey  string
	LockTimeout       time.Duration
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
	configViper.SetDefault("storage.data_dir", defaultDataDir)
	configViper.SetDefault("storage.photos_dir", defaultPhotosDir)
	configViper.SetDefault("storage.trash_dir", defaultTrashDir)
	configViper.SetDefault("storage.lock_timeout_s", defaultLockTimeoutSec)
	configViper.SetDefault("games", defaultGames)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_hours", int(defaultSessionTTL.Hours()))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		DataDir:           configViper.GetString("storage.data_dir"),
		PhotosDir:         configViper.GetString("storage.photos_dir"),
		TrashDir:          configViper.GetString("storage.trash_dir"),
		Games:             splitGames(configViper.GetString("games")),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionTTL:        time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		GoogleMapsAPIKey:  configViper.GetString("geocode.api_key"),
		LockTimeout:       time.Duration(configViper.GetInt("storage.lock_timeout_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.GoogleMapsAPIKey) == "" {
		return fmt.Errorf("geocode.api_key is required")
	}
	if len(c.Games) == 0 {
		return fmt.Errorf("games is required")
	}
	return nil
}

func splitGames(value string) []string {
	var games []string
	for _, game := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(game)
		if trimmed != "" {
			games = append(games, trimmed)
		}
	}
	return games
}
