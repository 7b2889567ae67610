// Package config holds the call configuration and its loading layers.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values used when neither the config file nor the environment
// provides one.
const (
	DefaultRelayURL    = "wss://webrtc-bim-server.glitch.me/"
	DefaultSTUNServer  = "stun:stun.l.google.com:19302"
	DefaultUserAgent   = "xrcall webrtc"
	DefaultRelayListen = "127.0.0.1:8765"
)

// envPrefix prefixes every environment variable read by Load.
const envPrefix = "XRCALL_"

// Config stores every parameter of a call client and the relay.
type Config struct {
	ClientID    string   `yaml:"client_id"`
	RelayURL    string   `yaml:"relay_url"`
	UserAgent   string   `yaml:"user_agent"`
	STUNServers []string `yaml:"stun_servers"`

	// Local media. An empty path means the device is absent.
	CameraFile     string `yaml:"camera_file"`     // IVF (VP8) file standing in for the camera
	MicrophoneFile string `yaml:"microphone_file"` // Ogg/Opus file standing in for the microphone

	// Expected camera resolution. Zero accepts whatever the file holds.
	VideoWidth  int `yaml:"video_width"`
	VideoHeight int `yaml:"video_height"`

	// RecordDir receives remote.ivf / remote.ogg when set; otherwise received
	// media is drained and discarded.
	RecordDir string `yaml:"record_dir"`

	DataChannel bool `yaml:"data_channel"`
	Debug       bool `yaml:"debug"`

	RelayListen string `yaml:"relay_listen"`
}

// Default returns a Config with built-in defaults and a fresh client id.
func Default() *Config {
	return &Config{
		ClientID:    NewClientID(),
		RelayURL:    DefaultRelayURL,
		UserAgent:   DefaultUserAgent,
		STUNServers: []string{DefaultSTUNServer},
		RelayListen: DefaultRelayListen,
	}
}

// NewClientID returns a short random identifier used to tag log lines.
func NewClientID() string {
	return "peer-" + uuid.NewString()[:8]
}

// Load builds a Config from defaults, the optional YAML file at path, an
// optional .env file in the working directory and XRCALL_* environment
// variables, in that order of precedence (later wins).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// applyEnv overrides fields from XRCALL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("CLIENT_ID", &c.ClientID)
	str("RELAY_URL", &c.RelayURL)
	str("USER_AGENT", &c.UserAgent)
	str("CAMERA_FILE", &c.CameraFile)
	str("MICROPHONE_FILE", &c.MicrophoneFile)
	str("RECORD_DIR", &c.RecordDir)
	str("RELAY_LISTEN", &c.RelayListen)

	if v, ok := lookup(envPrefix + "STUN_SERVERS"); ok && v != "" {
		c.STUNServers = splitList(v)
	}

	return errors.Join(
		boolean("DATA_CHANNEL", &c.DataChannel),
		boolean("DEBUG", &c.Debug),
		integer("VIDEO_WIDTH", &c.VideoWidth),
		integer("VIDEO_HEIGHT", &c.VideoHeight),
	)
}

// Validate reports configuration values the call cannot run with.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay URL is required")
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("relay URL must use ws:// or wss://: %s", c.RelayURL)
	}
	if len(c.STUNServers) == 0 {
		return errors.New("at least one STUN server is required")
	}
	if c.VideoWidth < 0 || c.VideoHeight < 0 || (c.VideoWidth == 0) != (c.VideoHeight == 0) {
		return fmt.Errorf("invalid video resolution %dx%d", c.VideoWidth, c.VideoHeight)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
