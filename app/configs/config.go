package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process-wide settings. It is built once at startup from
// environment variables and treated as read-only afterwards.
type Config struct {
	Line     LineConfig
	Store    StoreConfig
	Model    ModelConfig
	Server   ServerConfig
	Reminder ReminderConfig
}

type LineConfig struct {
	ChannelAccessToken string
	ChannelSecret      string
}

type StoreConfig struct {
	DatabaseURL     string
	CredentialsPath string
}

type ModelConfig struct {
	APIKey  string
	Name    string
	Timeout time.Duration
}

type ServerConfig struct {
	Port int
}

type ReminderConfig struct {
	TickInterval time.Duration
	TickTimeout  time.Duration
}

// FromEnv reads the configuration from the environment. The Google
// service-account blob is materialised to a temp file; the returned cleanup
// removes it and must be called on shutdown.
func FromEnv() (Config, func(), error) {
	cfg := Config{
		Line: LineConfig{
			ChannelAccessToken: strings.TrimSpace(os.Getenv("LINE_CHANNEL_ACCESS_TOKEN")),
			ChannelSecret:      strings.TrimSpace(os.Getenv("LINE_CHANNEL_SECRET")),
		},
		Store: StoreConfig{
			DatabaseURL: strings.TrimSpace(os.Getenv("FIREBASE_DB_URL")),
		},
		Model: ModelConfig{
			APIKey: strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
			Name:   strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
		},
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, nil, fmt.Errorf("config: invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	applyDefaults(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, nil, err
	}

	cleanup := func() {}
	if blob := os.Getenv("GOOGLE_CREDENTIALS"); strings.TrimSpace(blob) != "" {
		path, err := writeCredentialsFile(blob)
		if err != nil {
			return Config{}, nil, err
		}
		cfg.Store.CredentialsPath = path
		cleanup = func() { _ = os.Remove(path) }
	}

	return cfg, cleanup, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "gemini-2.0-flash"
	}
	if cfg.Model.Timeout <= 0 {
		cfg.Model.Timeout = 15 * time.Second
	}
	if cfg.Reminder.TickInterval <= 0 {
		cfg.Reminder.TickInterval = time.Minute
	}
	if cfg.Reminder.TickTimeout <= 0 {
		cfg.Reminder.TickTimeout = 50 * time.Second
	}
}

func validate(cfg Config) error {
	var missing []string
	if cfg.Line.ChannelAccessToken == "" {
		missing = append(missing, "LINE_CHANNEL_ACCESS_TOKEN")
	}
	if cfg.Line.ChannelSecret == "" {
		missing = append(missing, "LINE_CHANNEL_SECRET")
	}
	if cfg.Store.DatabaseURL == "" {
		missing = append(missing, "FIREBASE_DB_URL")
	}
	if cfg.Model.APIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// writeCredentialsFile unescapes the private key (\n sequences arrive
// literal from most env managers) and writes the blob to a temp file.
func writeCredentialsFile(blob string) (string, error) {
	unescaped := strings.ReplaceAll(blob, `\n`, "\n")

	f, err := os.CreateTemp("", "taskline-credentials-*.json")
	if err != nil {
		return "", fmt.Errorf("config: create credentials file: %w", err)
	}
	if _, err := f.WriteString(unescaped); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("config: write credentials file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("config: close credentials file: %w", err)
	}
	return f.Name(), nil
}
