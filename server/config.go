package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = "127.0.0.1:11451"
	DefaultDataDir       = "./data"
	DefaultUsersDB       = "./config/users.db"
	DefaultIdleTimeout   = 300
	DefaultPollInterval  = time.Second
	DefaultFrameTimeout  = 30 * time.Second
	DefaultRefreshEvery  = 20
	DefaultSweepInterval = time.Minute
)

type Config struct {
	Name    string `yaml:"name"`
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
	UsersDB string `yaml:"users_db"`

	// IdleTimeout is the number of consecutive PollInterval waits without a
	// request after which a session is closed.
	IdleTimeout  int           `yaml:"idle_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// FrameTimeout bounds reading the rest of a frame once its first byte
	// arrived, and writing a reply.
	FrameTimeout time.Duration `yaml:"frame_timeout"`

	// RefreshEvery sweeps unused engines after this many accepted
	// connections, in addition to every SweepInterval.
	RefreshEvery  int           `yaml:"refresh_every"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	CompactionThreshold int64 `yaml:"compaction_threshold,omitempty"`
	SyncWrites          bool  `yaml:"sync_writes,omitempty"`
	Verbose             bool  `yaml:"verbose,omitempty"`

	Logger *slog.Logger `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = "rordb"
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.UsersDB == "" {
		c.UsersDB = DefaultUsersDB
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FrameTimeout == 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.RefreshEvery == 0 {
		c.RefreshEvery = DefaultRefreshEvery
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.IdleTimeout < 0 || cfg.RefreshEvery < 0 || cfg.PollInterval < 0 || cfg.FrameTimeout < 0 {
		return Config{}, fmt.Errorf("%s: negative timeouts are not allowed", path)
	}
	return cfg.WithDefaults(), nil
}

// Save writes c as YAML, creating the parent directory.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
