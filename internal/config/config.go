// Package config loads the bridge configuration from a JSON file. Every
// component receives an explicit config struct at construction; there is no
// process-wide mutable configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/recircle-data/sortbridge/internal/devicemgr"
	"github.com/recircle-data/sortbridge/internal/poller"
)

// Config is the root configuration for the bridge.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen"`

	// DBPath is the sqlite database file.
	DBPath string `json:"db_path"`

	// Commands maps HTTP action names to device command tokens.
	Commands map[string]string `json:"commands"`

	Device DeviceConfig `json:"device"`
	Ledger LedgerConfig `json:"ledger"`
	Poller PollerConfig `json:"poller"`
}

// DeviceConfig configures the device connection manager. Durations are
// strings like "1s" so the JSON stays readable.
type DeviceConfig struct {
	Path             string                `json:"path"`
	Port             devicemgr.PortOptions `json:"port"`
	AppendNewline    bool                  `json:"append_newline"`
	InitialBackoff   string                `json:"initial_backoff"`
	MaxBackoff       string                `json:"max_backoff"`
	MaxAttempts      int                   `json:"max_attempts"`
	PresenceInterval string                `json:"presence_interval"`
}

// LedgerConfig configures the ledger RPC client. An empty RPCURL disables
// the trigger poller entirely.
type LedgerConfig struct {
	RPCURL          string `json:"rpc_url"`
	ContractAddress string `json:"contract_address"`
	EventSignature  string `json:"event_signature"`
}

// PollerConfig configures the trigger poller.
type PollerConfig struct {
	Interval      string `json:"interval"`
	Command       string `json:"command"`
	RetryAttempts int    `json:"retry_attempts"`
	RetryDelay    string `json:"retry_delay"`
	Resume        bool   `json:"resume"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ":8080",
		DBPath: "sortbridge.db",
		Commands: map[string]string{
			"plastic":    "1",
			"metal":      "2",
			"other":      "3",
			"open_door":  "OPEN",
			"close_door": "CLOSE",
		},
		Device: DeviceConfig{
			Path:             "/dev/ttyUSB0",
			AppendNewline:    true,
			InitialBackoff:   "1s",
			MaxBackoff:       "30s",
			PresenceInterval: "2s",
		},
		Ledger: LedgerConfig{
			EventSignature: "Purchase(uint256,address,uint256)",
		},
		Poller: PollerConfig{
			Interval:      "15s",
			Command:       "OPEN",
			RetryAttempts: 3,
			RetryDelay:    "2s",
		},
	}
}

// Load reads a JSON config file over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return d, nil
}

// ManagerConfig converts the device section into a devicemgr.Config.
func (c DeviceConfig) ManagerConfig() (devicemgr.Config, error) {
	initial, err := parseDuration("initial_backoff", c.InitialBackoff, time.Second)
	if err != nil {
		return devicemgr.Config{}, err
	}
	max, err := parseDuration("max_backoff", c.MaxBackoff, 30*time.Second)
	if err != nil {
		return devicemgr.Config{}, err
	}
	presence, err := parseDuration("presence_interval", c.PresenceInterval, 2*time.Second)
	if err != nil {
		return devicemgr.Config{}, err
	}
	if _, err := c.Port.Normalize(); err != nil {
		return devicemgr.Config{}, err
	}

	return devicemgr.Config{
		Path:             c.Path,
		Options:          c.Port,
		AppendNewline:    c.AppendNewline,
		InitialBackoff:   initial,
		MaxBackoff:       max,
		MaxAttempts:      c.MaxAttempts,
		PresenceInterval: presence,
	}, nil
}

// PollerConfig converts the poller section into a poller.Config.
func (c PollerConfig) PollerConfig() (poller.Config, error) {
	interval, err := parseDuration("interval", c.Interval, 15*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	delay, err := parseDuration("retry_delay", c.RetryDelay, 2*time.Second)
	if err != nil {
		return poller.Config{}, err
	}

	return poller.Config{
		Interval:      interval,
		Command:       c.Command,
		RetryAttempts: c.RetryAttempts,
		RetryDelay:    delay,
		Resume:        c.Resume,
	}, nil
}
