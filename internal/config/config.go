package config

import (
	"fmt"
	"os"
	"strconv"
)

// ProviderConfig holds OAuth app settings for one provider
type ProviderConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string
}

// Config holds the full service configuration, loaded from the environment
type Config struct {
	DataDir   string
	NotesDir  string
	ListenAddr string

	// OAuth callback listener port; an ephemeral port is used when taken
	CallbackPort int

	SyncIntervalMinutes int

	Gmail   ProviderConfig
	Outlook ProviderConfig

	// Optional; the note-created event publisher is disabled when empty
	NATSURL string

	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:             getEnv("DATA_DIR", "data"),
		NotesDir:            getEnv("NOTES_DIR", "notes/inbox"),
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		CallbackPort:        getEnvInt("OAUTH_CALLBACK_PORT", 42813),
		SyncIntervalMinutes: getEnvInt("SYNC_INTERVAL_MINUTES", 30),
		NATSURL:             getEnv("NATS_URL", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		Gmail: ProviderConfig{
			Enabled:  getEnvBool("GMAIL_ENABLED", false),
			ClientID: getEnv("GMAIL_CLIENT_ID", ""),
		},
		Outlook: ProviderConfig{
			Enabled:      getEnvBool("OUTLOOK_ENABLED", false),
			ClientID:     getEnv("OUTLOOK_CLIENT_ID", ""),
			ClientSecret: getEnv("OUTLOOK_CLIENT_SECRET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.NotesDir == "" {
		return fmt.Errorf("NOTES_DIR is required")
	}
	if c.SyncIntervalMinutes < 1 {
		return fmt.Errorf("SYNC_INTERVAL_MINUTES must be at least 1")
	}
	if c.CallbackPort < 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("invalid OAUTH_CALLBACK_PORT")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
