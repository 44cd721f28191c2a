package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Relay    Relay    `json:"relay"`
	Detector Detector `json:"detector"`
	Session  Session  `json:"session"`
	Storage  Storage  `json:"storage"`
}

type Relay struct {
	// Websocket endpoint of the relay, e.g. wss://relay.example.org/broadcast
	URL string `json:"url"`

	// Display name announced in REGISTER_SESSION.
	DisplayName string `json:"display_name"`

	// Optional bearer token sent in REGISTER_SESSION.
	AuthToken string `json:"auth_token"`

	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	AckTimeoutSec     int `json:"ack_timeout_sec"`
	PingIntervalSec   int `json:"ping_interval_sec"`
}

type Detector struct {
	// Path to the DJ application's exported history log (TSV).
	HistoryFile string `json:"history_file"`

	// Fallback poll interval for apps that rewrite the log atomically.
	PollIntervalMs int `json:"poll_interval_ms"`
}

type Session struct {
	// Minimum interval before the same (artist,title) may be recorded again.
	MinReplaySec int `json:"min_replay_sec"`

	// Rolling dedup window size.
	DedupWindowSec int `json:"dedup_window_sec"`

	// Debounce window for batched like persistence.
	LikeFlushMs int `json:"like_flush_ms"`

	// Post-session enrichment sync: tracks per batch and per-batch timeout.
	SyncBatchSize       int `json:"sync_batch_size"`
	SyncBatchTimeoutSec int `json:"sync_batch_timeout_sec"`
}

type Storage struct {
	// Directory holding the SQLite database. Relative to the data dir.
	Dir string `json:"dir"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:               "",
			DisplayName:       "",
			ConnectTimeoutSec: 10,
			AckTimeoutSec:     10,
			PingIntervalSec:   25,
		},
		Detector: Detector{
			HistoryFile:    "",
			PollIntervalMs: 2000,
		},
		Session: Session{
			MinReplaySec:        600,
			DedupWindowSec:      300,
			LikeFlushMs:         1500,
			SyncBatchSize:       25,
			SyncBatchTimeoutSec: 10,
		},
		Storage: Storage{
			Dir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("relay.url: %v", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return errors.New("relay.url scheme must be ws or wss")
		}
		if parsed.Host == "" {
			return errors.New("relay.url missing host")
		}
	}

	if c.Relay.ConnectTimeoutSec <= 0 {
		return errors.New("relay.connect_timeout_sec must be > 0")
	}
	if c.Relay.AckTimeoutSec <= 0 {
		return errors.New("relay.ack_timeout_sec must be > 0")
	}
	if c.Relay.PingIntervalSec <= 0 {
		return errors.New("relay.ping_interval_sec must be > 0")
	}

	if c.Detector.PollIntervalMs < 250 {
		return errors.New("detector.poll_interval_ms must be >= 250")
	}

	if c.Session.MinReplaySec <= 0 {
		return errors.New("session.min_replay_sec must be > 0")
	}
	if c.Session.DedupWindowSec <= 0 {
		return errors.New("session.dedup_window_sec must be > 0")
	}
	if c.Session.DedupWindowSec > c.Session.MinReplaySec {
		return errors.New("session.dedup_window_sec must be <= session.min_replay_sec")
	}
	if c.Session.LikeFlushMs <= 0 {
		return errors.New("session.like_flush_ms must be > 0")
	}
	if c.Session.SyncBatchSize <= 0 {
		return errors.New("session.sync_batch_size must be > 0")
	}
	if c.Session.SyncBatchTimeoutSec <= 0 {
		return errors.New("session.sync_batch_timeout_sec must be > 0")
	}

	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
