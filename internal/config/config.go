package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	Server Server `toml:"server"`
	Sync   Sync   `toml:"sync"`
}

// Server holds the endpoints and connection tuning for the chat server.
type Server struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`

	HeartbeatInterval           duration `toml:"heartbeat_interval"`
	BackgroundHeartbeatInterval duration `toml:"background_heartbeat_interval"`
	HeartbeatTimeout            duration `toml:"heartbeat_timeout"`
	BackoffBase                 duration `toml:"backoff_base"`
	BackoffCap                  duration `toml:"backoff_cap"`
}

// Sync holds reconciliation and outbound delivery tuning.
type Sync struct {
	PageSize       int      `toml:"page_size"`
	FetchTimeout   duration `toml:"fetch_timeout"`
	AckTimeout     duration `toml:"ack_timeout"`
	MaxSendRetries int      `toml:"max_send_retries"`
	RetryInterval  duration `toml:"retry_interval"`
}

// duration wraps time.Duration for TOML "30s"-style values.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			WSURL:                       "wss://chat.example.com/ws",
			APIURL:                      "https://chat.example.com",
			HeartbeatInterval:           duration(30 * time.Second),
			BackgroundHeartbeatInterval: duration(2 * time.Minute),
			HeartbeatTimeout:            duration(10 * time.Second),
			BackoffBase:                 duration(time.Second),
			BackoffCap:                  duration(30 * time.Second),
		},
		Sync: Sync{
			PageSize:       100,
			FetchTimeout:   duration(15 * time.Second),
			AckTimeout:     duration(10 * time.Second),
			MaxSendRetries: 5,
			RetryInterval:  duration(time.Minute),
		},
	}
}

// Load reads config from the given path, overlaying values onto defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
