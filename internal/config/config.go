// Package config loads persistent user settings from ~/.vcall/config.json,
// layered over defaults and overridden by VCALL_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/darkprince558/vcall/internal/call"
	"github.com/darkprince558/vcall/internal/capture"
	"github.com/darkprince558/vcall/internal/rtc"
	"github.com/darkprince558/vcall/internal/signaling"
)

// Broker kinds.
const (
	BrokerMQTT   = "mqtt"
	BrokerAWSIoT = "aws-iot"
)

const envPrefix = "VCALL_"

// Duration marshals as a Go duration string such as "500ms".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(b, &ms); err != nil {
			return fmt.Errorf("duration must be a string like \"2s\": %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type BrokerConfig struct {
	Kind           string `json:"kind"`
	URL            string `json:"url,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	IoTEndpoint    string `json:"iot_endpoint,omitempty"`
	IoTRegion      string `json:"iot_region,omitempty"`
	IdentityPoolID string `json:"identity_pool_id,omitempty"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICEConfig struct {
	Servers []ICEServer `json:"servers,omitempty"`

	// ConfigURL returns extra servers (e.g. TURN credentials) per call.
	ConfigURL string `json:"config_url,omitempty"`
}

// WebRTC converts the configured servers, or the public STUN defaults when
// none are configured.
func (c ICEConfig) WebRTC() []webrtc.ICEServer {
	if len(c.Servers) == 0 {
		return rtc.DefaultServers()
	}
	out := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, webrtc.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

type MediaConfig struct {
	VideoFile  string `json:"video_file,omitempty"`
	AudioFile  string `json:"audio_file,omitempty"`
	RecordDir  string `json:"record_dir,omitempty"`
	NoVideo    bool   `json:"no_video,omitempty"`
	NoAudio    bool   `json:"no_audio,omitempty"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode,omitempty"`
}

// Constraints builds the capture request for a call.
func (m MediaConfig) Constraints() capture.Constraints {
	c := capture.DefaultConstraints()
	if m.NoVideo {
		c.Video = nil
	} else {
		if m.Width > 0 {
			c.Video.Width = m.Width
		}
		if m.Height > 0 {
			c.Video.Height = m.Height
		}
		if m.FacingMode != "" {
			c.Video.FacingMode = m.FacingMode
		}
	}
	if m.NoAudio {
		c.Audio = nil
	}
	return c
}

type RestartConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval"`
	MaxInterval     Duration `json:"max_interval"`
}

func (r RestartConfig) Policy() call.RestartPolicy {
	return call.RestartPolicy{
		InitialInterval: time.Duration(r.InitialInterval),
		MaxInterval:     time.Duration(r.MaxInterval),
		MaxAttempts:     r.MaxAttempts,
	}
}

// Config holds persistent user settings
type Config struct {
	ID        string        `json:"id,omitempty"`
	Namespace string        `json:"namespace"`
	Broker    BrokerConfig  `json:"broker"`
	ICE       ICEConfig     `json:"ice"`
	Media     MediaConfig   `json:"media"`
	Restart   RestartConfig `json:"restart"`
	Discovery bool          `json:"discovery,omitempty"`
	NoHistory bool          `json:"no_history,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() *Config {
	c := capture.DefaultConstraints()
	p := call.DefaultRestartPolicy()
	return &Config{
		Namespace: signaling.DefaultNamespace,
		Broker:    BrokerConfig{Kind: BrokerMQTT, URL: signaling.DefaultBrokerURL},
		Media: MediaConfig{
			Width:      c.Video.Width,
			Height:     c.Video.Height,
			FacingMode: c.Video.FacingMode,
		},
		Restart: RestartConfig{
			MaxAttempts:     p.MaxAttempts,
			InitialInterval: Duration(p.InitialInterval),
			MaxInterval:     Duration(p.MaxInterval),
		},
	}
}

var (
	pathMu       sync.Mutex
	pathOverride string
)

// SetPathOverride points the package at another file. Used by tests.
func SetPathOverride(path string) {
	pathMu.Lock()
	defer pathMu.Unlock()
	pathOverride = path
}

func GetConfigPath() (string, error) {
	pathMu.Lock()
	override := pathOverride
	pathMu.Unlock()
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".vcall")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config file over the defaults, applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadFile()
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads only the config file over the defaults.
func LoadFile() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config file
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	// The file may hold broker and TURN credentials.
	return os.WriteFile(path, data, 0600)
}

// setters maps every settable key to its parser.
var setters = map[string]func(c *Config, v string) error{
	"id":                       str(func(c *Config) *string { return &c.ID }),
	"namespace":                str(func(c *Config) *string { return &c.Namespace }),
	"broker.kind":              str(func(c *Config) *string { return &c.Broker.Kind }),
	"broker.url":               str(func(c *Config) *string { return &c.Broker.URL }),
	"broker.username":          str(func(c *Config) *string { return &c.Broker.Username }),
	"broker.password":          str(func(c *Config) *string { return &c.Broker.Password }),
	"broker.iot_endpoint":      str(func(c *Config) *string { return &c.Broker.IoTEndpoint }),
	"broker.iot_region":        str(func(c *Config) *string { return &c.Broker.IoTRegion }),
	"broker.identity_pool_id":  str(func(c *Config) *string { return &c.Broker.IdentityPoolID }),
	"ice.config_url":           str(func(c *Config) *string { return &c.ICE.ConfigURL }),
	"ice.servers":              setServers,
	"media.video_file":         str(func(c *Config) *string { return &c.Media.VideoFile }),
	"media.audio_file":         str(func(c *Config) *string { return &c.Media.AudioFile }),
	"media.record_dir":         str(func(c *Config) *string { return &c.Media.RecordDir }),
	"media.facing_mode":        str(func(c *Config) *string { return &c.Media.FacingMode }),
	"media.no_video":           boolean(func(c *Config) *bool { return &c.Media.NoVideo }),
	"media.no_audio":           boolean(func(c *Config) *bool { return &c.Media.NoAudio }),
	"media.width":              integer(func(c *Config) *int { return &c.Media.Width }),
	"media.height":             integer(func(c *Config) *int { return &c.Media.Height }),
	"restart.max_attempts":     integer(func(c *Config) *int { return &c.Restart.MaxAttempts }),
	"restart.initial_interval": duration(func(c *Config) *Duration { return &c.Restart.InitialInterval }),
	"restart.max_interval":     duration(func(c *Config) *Duration { return &c.Restart.MaxInterval }),
	"discovery":                boolean(func(c *Config) *bool { return &c.Discovery }),
	"no_history":               boolean(func(c *Config) *bool { return &c.NoHistory }),
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func duration(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

// setServers accepts a JSON array of servers or a comma separated URL list.
func setServers(c *Config, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		c.ICE.Servers = nil
		return nil
	}
	if strings.HasPrefix(v, "[") {
		var servers []ICEServer
		if err := json.Unmarshal([]byte(v), &servers); err != nil {
			return err
		}
		c.ICE.Servers = servers
		return nil
	}
	var urls []string
	for _, u := range strings.Split(v, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	c.ICE.Servers = []ICEServer{{URLs: urls}}
	return nil
}

var ErrUnknownKey = errors.New("unknown config key")

// Keys lists the keys accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses value into the field named by key, e.g. "broker.url".
func (c *Config) Set(key, value string) error {
	set, ok := setters[key]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	if err := set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// EnvName is the environment variable overriding key: broker.url is
// VCALL_BROKER_URL.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// ApplyEnv overrides every key whose variable is set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, key := range Keys() {
		if v, ok := lookup(EnvName(key)); ok {
			if err := c.Set(key, v); err != nil {
				return fmt.Errorf("%s: %w", EnvName(key), err)
			}
		}
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.ID != "" {
		if err := signaling.ValidateID(c.ID); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, "/+#") {
		return fmt.Errorf("namespace %q must be a single topic level", c.Namespace)
	}

	switch c.Broker.Kind {
	case BrokerMQTT:
		if c.Broker.URL != "" {
			u, err := url.Parse(c.Broker.URL)
			if err != nil {
				return fmt.Errorf("broker.url: %w", err)
			}
			switch u.Scheme {
			case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
			default:
				return fmt.Errorf("broker.url: unsupported scheme %q", u.Scheme)
			}
		}
	case BrokerAWSIoT:
		if c.Broker.IoTEndpoint == "" || c.Broker.IoTRegion == "" || c.Broker.IdentityPoolID == "" {
			return fmt.Errorf("broker.kind %s needs iot_endpoint, iot_region and identity_pool_id", BrokerAWSIoT)
		}
	default:
		return fmt.Errorf("broker.kind %q must be %s or %s", c.Broker.Kind, BrokerMQTT, BrokerAWSIoT)
	}

	if err := rtc.ValidateServers(c.ICE.WebRTC()); err != nil {
		return fmt.Errorf("ice.servers: %w", err)
	}
	if c.ICE.ConfigURL != "" {
		u, err := url.Parse(c.ICE.ConfigURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("ice.config_url %q must be an http(s) url", c.ICE.ConfigURL)
		}
	}

	if c.Media.NoVideo && c.Media.NoAudio {
		return errors.New("media: audio and video cannot both be disabled")
	}
	if c.Media.Width < 0 || c.Media.Height < 0 {
		return errors.New("media: width and height must not be negative")
	}
	if c.Restart.MaxAttempts < 0 || c.Restart.InitialInterval < 0 || c.Restart.MaxInterval < 0 {
		return errors.New("restart: values must not be negative")
	}
	return nil
}
