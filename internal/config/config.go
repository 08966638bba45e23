package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/confkit/webconferencing/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Portal    Portal    `json:"portal"`
	Channel   Channel   `json:"channel"`
	Prefs     Prefs     `json:"prefs"`
	Providers Providers `json:"providers"`
	Logs      Logs      `json:"logs"`
}

type Identity struct {
	UserID string `json:"user_id"`
}

type Portal struct {
	BaseURL string `json:"base_url"`

	// Providers configuration cache lifetime. 0 = no caching.
	ProvidersTTLSec int `json:"providers_ttl_seconds"`
}

type Channel struct {
	// Namespace prefixes every topic, e.g. "/webconferencing".
	Namespace string `json:"namespace"`

	// Transport selects how topics are reached: "mqtt", "socket" or
	// "memory" (single-process, mostly for development).
	Transport string `json:"transport"`

	// MQTT broker, used when transport is "mqtt".
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`

	// WebSocket endpoint, used when transport is "socket".
	SocketURL string `json:"socket_url"`
}

type Prefs struct {
	// Directory holding the local preferences database.
	Dir string `json:"dir"`
}

type Providers struct {
	// Active maps provider type to its local activation flag. Providers
	// absent from the map default to active.
	Active map[string]bool `json:"active"`
}

type Logs struct {
	// Spool capacity; oldest records are overwritten when full.
	Capacity int `json:"capacity"`

	FlushSec int `json:"flush_seconds"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Portal: Portal{
			BaseURL:         "http://localhost:8080/portal/rest/webconferencing",
			ProvidersTTLSec: 60,
		},
		Channel: Channel{
			Namespace: "/webconferencing",
			Transport: "mqtt",
			BrokerURL: "tcp://localhost:1883",
		},
		Prefs: Prefs{
			Dir: "data",
		},
		Providers: Providers{
			Active: map[string]bool{},
		},
		Logs: Logs{
			Capacity: 500,
			FlushSec: 30,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	// Portal
	if err := validateHTTPURL(c.Portal.BaseURL); err != nil {
		return fmt.Errorf("portal.base_url: %w", err)
	}
	if c.Portal.ProvidersTTLSec < 0 {
		return errors.New("portal.providers_ttl_seconds must be >= 0")
	}

	// Channel
	ns := strings.TrimSpace(c.Channel.Namespace)
	if ns == "" || !strings.HasPrefix(ns, "/") {
		return errors.New("channel.namespace must start with /")
	}
	switch c.Channel.Transport {
	case "mqtt":
		if strings.TrimSpace(c.Channel.BrokerURL) == "" {
			return errors.New("channel.broker_url is required for the mqtt transport")
		}
	case "socket":
		u, err := url.Parse(c.Channel.SocketURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return errors.New("channel.socket_url must be a ws:// or wss:// URL")
		}
	case "memory":
	default:
		return errors.New("channel.transport must be mqtt, socket or memory")
	}

	// Prefs
	if strings.TrimSpace(c.Prefs.Dir) == "" {
		return errors.New("prefs.dir is required")
	}

	// Logs
	if c.Logs.Capacity < 0 {
		return errors.New("logs.capacity must be >= 0")
	}
	if c.Logs.FlushSec < 0 {
		return errors.New("logs.flush_seconds must be >= 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

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

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// seeded with userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
