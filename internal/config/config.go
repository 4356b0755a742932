package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g.
// OVERLAY_TELEMETRY_STALE_AFTER=20s.
const EnvPrefix = "OVERLAY_"

const appDirName = "lobby-overlay"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	Focus     FocusConfig     `yaml:"focus" envPrefix:"FOCUS_"`
	Overlay   OverlayConfig   `yaml:"overlay" envPrefix:"OVERLAY_"`
	Watchdog  WatchdogConfig  `yaml:"watchdog" envPrefix:"WATCHDOG_"`
	Backend   BackendConfig   `yaml:"backend" envPrefix:"BACKEND_"`
	Update    UpdateConfig    `yaml:"update" envPrefix:"UPDATE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT"`
	Host           string   `yaml:"host" env:"HOST"`
	AuthToken      string   `yaml:"auth_token" env:"AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// BroadcastThrottle coalesces bursts of state changes into one push.
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" env:"BROADCAST_THROTTLE"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
}

type TelemetryConfig struct {
	Path         string        `yaml:"path" env:"PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	StaleAfter   time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	HoldWindow   time.Duration `yaml:"hold_window" env:"HOLD_WINDOW"`
}

type SessionConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// StorePath is the lobby record file. Empty keeps records in memory.
	StorePath   string `yaml:"store_path" env:"STORE_PATH"`
	CatalogPath string `yaml:"catalog_path" env:"CATALOG_PATH"`
}

type FocusConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	QueryTimeout  time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	GameProcesses []string      `yaml:"game_processes" env:"GAME_PROCESSES"`
	GameTitles    []string      `yaml:"game_titles" env:"GAME_TITLES"`
	OverlayTitles []string      `yaml:"overlay_titles" env:"OVERLAY_TITLES"`
}

type Rect struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

type OverlayConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	DebugPinned  bool          `yaml:"debug_pinned" env:"DEBUG_PINNED"`
	FadeDuration time.Duration `yaml:"fade_duration" env:"FADE_DURATION"`
	FullBounds   Rect          `yaml:"full_bounds"`
	DebugBounds  Rect          `yaml:"debug_bounds"`
}

type WatchdogConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	MissedPolls int           `yaml:"missed_polls" env:"MISSED_POLLS"`
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
}

type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	Token          string        `yaml:"token" env:"TOKEN"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MirrorLobbies  bool          `yaml:"mirror_lobbies" env:"MIRROR_LOBBIES"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	MaskHostNames  bool          `yaml:"mask_host_names" env:"MASK_HOST_NAMES"`
	MaskSessionIDs bool          `yaml:"mask_session_ids" env:"MASK_SESSION_IDS"`
}

type UpdateConfig struct {
	ManifestURL    string `yaml:"manifest_url" env:"MANIFEST_URL"`
	CurrentVersion string `yaml:"current_version" env:"CURRENT_VERSION"`
	DownloadDir    string `yaml:"download_dir" env:"DOWNLOAD_DIR"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              4646,
			Host:              "127.0.0.1",
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Path:         filepath.Join(defaultDataDir(), "telemetry.json"),
			PollInterval: time.Second,
			StaleAfter:   15 * time.Second,
			HoldWindow:   2 * time.Second,
		},
		Session: SessionConfig{
			PollInterval: time.Second,
			StorePath:    filepath.Join(defaultDataDir(), "lobbies.json"),
		},
		Focus: FocusConfig{
			PollInterval:  140 * time.Millisecond,
			QueryTimeout:  500 * time.Millisecond,
			GameProcesses: []string{"MCC-Win64-Shipping.exe", "MCC-Win64-Shipping", "mcclauncher.exe"},
			GameTitles:    []string{"Halo: The Master Chief Collection"},
			OverlayTitles: []string{"Lobby Overlay"},
		},
		Overlay: OverlayConfig{
			Enabled:      true,
			FadeDuration: 180 * time.Millisecond,
			FullBounds:   Rect{X: 0, Y: 0, Width: 1920, Height: 1080},
			DebugBounds:  Rect{X: 1520, Y: 24, Width: 380, Height: 220},
		},
		Watchdog: WatchdogConfig{
			Enabled:     true,
			Interval:    2 * time.Second,
			MissedPolls: 3,
			StepTimeout: 3 * time.Second,
		},
		Backend: BackendConfig{
			Timeout:       5 * time.Second,
			MirrorLobbies: true,
			MaxRetries:    3,
		},
		Update: UpdateConfig{
			CurrentVersion: "v0.0.0",
			DownloadDir:    filepath.Join(defaultDataDir(), "updates"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Default returns the built-in configuration without consulting the file
// system or the environment.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to the defaults (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = defaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// It reports whether a file was loaded.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// ApplyEnv overrides fields from OVERLAY_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// Validate rejects configurations the loops cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Telemetry.Path == "" {
		return errors.New("telemetry.path is required")
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"telemetry.poll_interval", c.Telemetry.PollInterval},
		{"telemetry.stale_after", c.Telemetry.StaleAfter},
		{"telemetry.hold_window", c.Telemetry.HoldWindow},
		{"session.poll_interval", c.Session.PollInterval},
		{"focus.poll_interval", c.Focus.PollInterval},
		{"watchdog.interval", c.Watchdog.Interval},
		{"server.broadcast_throttle", c.Server.BroadcastThrottle},
		{"server.snapshot_interval", c.Server.SnapshotInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.d)
		}
	}
	if c.Telemetry.HoldWindow > c.Telemetry.StaleAfter {
		return fmt.Errorf("telemetry.hold_window (%s) must not exceed telemetry.stale_after (%s)",
			c.Telemetry.HoldWindow, c.Telemetry.StaleAfter)
	}
	if c.Watchdog.MissedPolls < 1 {
		return fmt.Errorf("watchdog.missed_polls must be at least 1, got %d", c.Watchdog.MissedPolls)
	}
	if c.Overlay.FadeDuration < 0 {
		return fmt.Errorf("overlay.fade_duration must not be negative, got %s", c.Overlay.FadeDuration)
	}
	return nil
}

// GenerateToken returns a random 128-bit hex token for the content-layer
// API when none is configured.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// defaultDataDir returns the per-user directory for the telemetry file and
// lobby store, falling back to the temp dir when no config dir is known.
func defaultDataDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appDirName)
}
