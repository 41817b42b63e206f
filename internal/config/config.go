package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPairingTTL is how long a freshly generated pairing credential
	// stays usable.
	DefaultPairingTTL = 60 * time.Minute

	DefaultSpikeThreshold      = 0.10
	DefaultAudioDeltaThreshold = 5.0

	envJWTSecret = "NEURO_JWT_SECRET"
	envRedisAddr = "NEURO_REDIS_ADDR"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Pairing PairingConfig `yaml:"pairing"`
	Tracker TrackerConfig `yaml:"tracker"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxClientsPerSession caps viewer connections per session. Zero means
	// unlimited.
	MaxClientsPerSession int `yaml:"max_clients_per_session"`

	// IdleTimeout is the read deadline on every socket; it is refreshed on
	// each inbound message and pong.
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Client message rate limit (messages per second, burst).
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	AccessTTL time.Duration `yaml:"access_ttl"`
}

type PairingConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Backend is "memory" or "redis".
	Backend   string      `yaml:"backend"`
	KeyPrefix string      `yaml:"key_prefix"`
	Redis     RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type TrackerConfig struct {
	SpikeThreshold      float64       `yaml:"spike_threshold"`
	AudioDeltaThreshold float64       `yaml:"audio_delta_threshold"`
	PendingFrameTTL     time.Duration `yaml:"pending_frame_ttl"`
	MaxPendingFrames    int           `yaml:"max_pending_frames"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			Host:             "127.0.0.1",
			IdleTimeout:      60 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MessageRate:      20,
			MessageBurst:     40,
		},
		Auth: AuthConfig{
			Issuer:    "neuro-assistant",
			AccessTTL: 3 * time.Hour,
		},
		Pairing: PairingConfig{
			TTL:       DefaultPairingTTL,
			Backend:   "memory",
			KeyPrefix: "np",
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
		},
		Tracker: TrackerConfig{
			SpikeThreshold:      DefaultSpikeThreshold,
			AudioDeltaThreshold: DefaultAudioDeltaThreshold,
			PendingFrameTTL:     2 * time.Minute,
			MaxPendingFrames:    4096,
			IdleTimeout:         30 * time.Minute,
			SweepInterval:       time.Minute,
		},
		Storage: StorageConfig{
			Driver:     "memory",
			SQLitePath: "data/engagements.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		c.Pairing.Redis.Addr = v
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case c.Server.IdleTimeout <= 0:
		return errors.New("server.idle_timeout must be positive")
	case c.Server.MessageRate <= 0 || c.Server.MessageBurst <= 0:
		return errors.New("server.message_rate and server.message_burst must be positive")
	case c.Pairing.TTL <= 0:
		return errors.New("pairing.ttl must be positive")
	case c.Pairing.Backend != "memory" && c.Pairing.Backend != "redis":
		return fmt.Errorf("pairing.backend %q: want memory or redis", c.Pairing.Backend)
	case c.Tracker.SpikeThreshold <= 0:
		return errors.New("tracker.spike_threshold must be positive")
	case c.Tracker.AudioDeltaThreshold <= 0:
		return errors.New("tracker.audio_delta_threshold must be positive")
	case c.Tracker.PendingFrameTTL <= 0 || c.Tracker.MaxPendingFrames <= 0:
		return errors.New("tracker.pending_frame_ttl and tracker.max_pending_frames must be positive")
	case c.Storage.Driver != "memory" && c.Storage.Driver != "sqlite":
		return fmt.Errorf("storage.driver %q: want memory or sqlite", c.Storage.Driver)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
