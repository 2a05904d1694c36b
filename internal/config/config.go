package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/jordan16ellis/fw-coll-env/internal/physics"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
)

const (
	// PathEnv names the environment variable pointing at the YAML config file.
	PathEnv = "FWCOLL_CONFIG"
	// DefaultConfigPath is read when PathEnv is unset.
	DefaultConfigPath = "fwcoll.yaml"

	// DefaultHTTPAddr is the default address for the HTTP API and live stream.
	DefaultHTTPAddr = ":8080"
	// DefaultGRPCAddr is the default address for the gRPC safety filter service.
	DefaultGRPCAddr = ":9090"

	// DefaultRateWindow bounds how frequently filter requests may be made per client.
	DefaultRateWindow = time.Second
	// DefaultRateBurst sets how many filter requests may be made per window.
	DefaultRateBurst = 50

	// DefaultLivePingInterval controls the keepalive cadence for live viewers.
	DefaultLivePingInterval = 30 * time.Second
	// DefaultLiveMaxClients bounds concurrent live viewers. Zero disables the limit.
	DefaultLiveMaxClients = 64

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "fwcoll.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultReplayMaxEpisodes bounds retained replay bundles.
	DefaultReplayMaxEpisodes = 200
	// DefaultReplayMaxAge bounds how long replay bundles are kept.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
	// DefaultReplaySweepInterval controls how often retention runs.
	DefaultReplaySweepInterval = 10 * time.Minute
)

// Config captures all runtime tunables.
type Config struct {
	HTTPAddr  string                    `yaml:"http_addr"`
	GRPCAddr  string                    `yaml:"grpc_addr"`
	GRPC      GRPCConfig                `yaml:"grpc"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Env       simulation.EnvConfig      `yaml:"env"`
	Grid      GridConfig                `yaml:"grid"`
	Filter    FilterConfig              `yaml:"filter"`
	Scenario  simulation.ScenarioLimits `yaml:"scenario"`
	Episodes  EpisodesConfig            `yaml:"episodes"`
	Replay    ReplayConfig              `yaml:"replay"`
	Database  DatabaseConfig            `yaml:"database"`
	Live      LiveConfig                `yaml:"live"`
	Logging   LoggingConfig             `yaml:"logging"`
}

// GRPCConfig configures transport security for the gRPC listener.
type GRPCConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	TLSCertPath  string `yaml:"tls_cert"`
	TLSKeyPath   string `yaml:"tls_key"`
	ClientCAPath string `yaml:"client_ca"`
}

// RateLimitConfig bounds filter requests over HTTP.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Burst  int           `yaml:"burst"`
}

// GridConfig lists the action grid axes. Turn rates are in degrees per second.
type GridConfig struct {
	V    []float64 `yaml:"v"`
	WDeg []float64 `yaml:"w_deg"`
	DZ   []float64 `yaml:"dz"`
}

// FilterConfig selects and parameterises the barrier filter.
type FilterConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Kind       string  `yaml:"kind"`
	MaxVal     float64 `yaml:"max_val"`
	V          float64 `yaml:"v"`
	WDeg       float64 `yaml:"w_deg"`
	SafetyDist float64 `yaml:"safety_dist"`
	Workers    int     `yaml:"workers"`
}

// EpisodesConfig drives sampled episodes in the server demo and the batch runner.
type EpisodesConfig struct {
	Demo    bool   `yaml:"demo"`
	Seed    uint64 `yaml:"seed"`
	Count   int    `yaml:"count"`
	Workers int    `yaml:"workers"`
}

// ReplayConfig controls replay bundle capture and retention.
type ReplayConfig struct {
	Dir           string        `yaml:"dir"`
	MaxEpisodes   int           `yaml:"max_episodes"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig points at the optional PostgreSQL episode store.
type DatabaseConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// LiveConfig bounds the websocket viewer stream.
type LiveConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxClients     int           `yaml:"max_clients"`

	// TokenSecret enables HS256 viewer tokens when non-empty.
	TokenSecret string `yaml:"token_secret"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the reference two-vehicle setup with every service on its default port.
func Default() *Config {
	return &Config{
		HTTPAddr: DefaultHTTPAddr,
		GRPCAddr: DefaultGRPCAddr,
		RateLimit: RateLimitConfig{
			Window: DefaultRateWindow,
			Burst:  DefaultRateBurst,
		},
		Env: simulation.EnvConfig{
			DT:         0.1,
			MaxSimTime: 30,
			DoneDist:   25,
			SafetyDist: 25,
			Goal1:      physics.Point{X: 200},
			Goal2:      physics.Point{X: -200},
			TimeWarp:   -1,
		},
		Grid: GridConfig{
			V:    []float64{15},
			WDeg: []float64{-12, 0, 12},
			DZ:   []float64{0},
		},
		Filter: FilterConfig{
			Enabled:    true,
			Kind:       "turn",
			MaxVal:     300,
			V:          15,
			WDeg:       12,
			SafetyDist: 25,
		},
		Scenario: simulation.DefaultScenarioLimits(),
		Episodes: EpisodesConfig{Seed: 1, Count: 100},
		Replay: ReplayConfig{
			MaxEpisodes:   DefaultReplayMaxEpisodes,
			MaxAge:        DefaultReplayMaxAge,
			SweepInterval: DefaultReplaySweepInterval,
		},
		Live: LiveConfig{
			PingInterval: DefaultLivePingInterval,
			MaxClients:   DefaultLiveMaxClients,
		},
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
}

// Load layers the YAML file named by FWCOLL_CONFIG (or fwcoll.yaml) over the defaults, then
// applies FWCOLL_* environment overrides and validates the result. Every
// problem found is reported together.
func Load() (*Config, error) {
	cfg := Default()
	//1.- An explicitly named file must exist; the default file is optional.
	path, required := DefaultConfigPath, false
	if named := strings.TrimSpace(os.Getenv(PathEnv)); named != "" {
		path, required = named, true
	}
	if err := cfg.mergeFile(path, required); err != nil {
		return nil, err
	}
	if err := multierr.Append(cfg.applyEnv(), cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path, false); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs error

	c.HTTPAddr = getString("FWCOLL_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getString("FWCOLL_GRPC_ADDR", c.GRPCAddr)
	c.GRPC.SharedSecret = getString("FWCOLL_GRPC_SHARED_SECRET", c.GRPC.SharedSecret)
	c.GRPC.TLSCertPath = getString("FWCOLL_GRPC_TLS_CERT", c.GRPC.TLSCertPath)
	c.GRPC.TLSKeyPath = getString("FWCOLL_GRPC_TLS_KEY", c.GRPC.TLSKeyPath)
	c.GRPC.ClientCAPath = getString("FWCOLL_GRPC_CLIENT_CA", c.GRPC.ClientCAPath)
	c.Filter.Kind = getString("FWCOLL_FILTER_KIND", c.Filter.Kind)
	c.Replay.Dir = getString("FWCOLL_REPLAY_DIR", c.Replay.Dir)
	c.Database.DSN = getString("FWCOLL_DATABASE_DSN", c.Database.DSN)
	c.Logging.Level = getString("FWCOLL_LOG_LEVEL", c.Logging.Level)
	c.Logging.Path = getString("FWCOLL_LOG_PATH", c.Logging.Path)
	c.Live.TokenSecret = getString("FWCOLL_LIVE_TOKEN_SECRET", c.Live.TokenSecret)
	if origins := parseList(os.Getenv("FWCOLL_LIVE_ALLOWED_ORIGINS")); origins != nil {
		c.Live.AllowedOrigins = origins
	}

	errs = multierr.Append(errs, overrideBool("FWCOLL_FILTER_ENABLED", &c.Filter.Enabled))
	errs = multierr.Append(errs, overrideBool("FWCOLL_DEMO", &c.Episodes.Demo))
	errs = multierr.Append(errs, overrideBool("FWCOLL_DATABASE_MIGRATE", &c.Database.Migrate))
	errs = multierr.Append(errs, overrideBool("FWCOLL_LOG_COMPRESS", &c.Logging.Compress))
	errs = multierr.Append(errs, overrideInt("FWCOLL_FILTER_WORKERS", &c.Filter.Workers))
	errs = multierr.Append(errs, overrideInt("FWCOLL_EPISODE_COUNT", &c.Episodes.Count))
	errs = multierr.Append(errs, overrideInt("FWCOLL_EPISODE_WORKERS", &c.Episodes.Workers))
	errs = multierr.Append(errs, overrideInt("FWCOLL_RATE_BURST", &c.RateLimit.Burst))
	errs = multierr.Append(errs, overrideInt("FWCOLL_REPLAY_MAX_EPISODES", &c.Replay.MaxEpisodes))
	errs = multierr.Append(errs, overrideInt("FWCOLL_LIVE_MAX_CLIENTS", &c.Live.MaxClients))
	errs = multierr.Append(errs, overrideInt("FWCOLL_LOG_MAX_SIZE_MB", &c.Logging.MaxSizeMB))
	errs = multierr.Append(errs, overrideInt("FWCOLL_LOG_MAX_BACKUPS", &c.Logging.MaxBackups))
	errs = multierr.Append(errs, overrideInt("FWCOLL_LOG_MAX_AGE_DAYS", &c.Logging.MaxAgeDays))
	errs = multierr.Append(errs, overrideFloat("FWCOLL_TIME_WARP", &c.Env.TimeWarp))
	errs = multierr.Append(errs, overrideDuration("FWCOLL_RATE_WINDOW", &c.RateLimit.Window))
	errs = multierr.Append(errs, overrideDuration("FWCOLL_REPLAY_MAX_AGE", &c.Replay.MaxAge))
	errs = multierr.Append(errs, overrideDuration("FWCOLL_LIVE_PING_INTERVAL", &c.Live.PingInterval))

	if raw := strings.TrimSpace(os.Getenv("FWCOLL_SEED")); raw != "" {
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("FWCOLL_SEED must be an unsigned integer, got %q", raw))
		} else {
			c.Episodes.Seed = value
		}
	}
	return errs
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	problem := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if !(c.Env.DT > 0) {
		problem("env.dt must be positive, got %v", c.Env.DT)
	}
	if !(c.Env.MaxSimTime > 0) {
		problem("env.max_sim_time must be positive, got %v", c.Env.MaxSimTime)
	}
	if c.Env.SafetyDist < 0 || c.Env.DoneDist < 0 {
		problem("env distances must be non-negative")
	}
	if len(c.Grid.V) == 0 || len(c.Grid.WDeg) == 0 || len(c.Grid.DZ) == 0 {
		problem("grid axes must all be non-empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.Filter.Kind)) {
	case "turn", "turning", "straight":
	default:
		problem("filter.kind must be turn or straight, got %q", c.Filter.Kind)
	}
	if c.Filter.Workers < 0 {
		problem("filter.workers must be non-negative, got %d", c.Filter.Workers)
	}
	if c.Episodes.Count < 0 || c.Episodes.Workers < 0 {
		problem("episodes.count and episodes.workers must be non-negative")
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Burst <= 0 {
		problem("rate_limit window and burst must be positive")
	}
	if c.Replay.MaxEpisodes < 0 || c.Replay.MaxAge < 0 {
		problem("replay retention must be non-negative")
	}
	if c.Live.PingInterval <= 0 || c.Live.MaxClients < 0 {
		problem("live.ping_interval must be positive and live.max_clients non-negative")
	}
	if (c.GRPC.TLSCertPath == "") != (c.GRPC.TLSKeyPath == "") {
		problem("grpc.tls_cert and grpc.tls_key must be provided together")
	}
	if c.GRPC.ClientCAPath != "" && c.GRPC.TLSCertPath == "" {
		problem("grpc.client_ca requires grpc.tls_cert and grpc.tls_key")
	}
	if c.Logging.MaxSizeMB <= 0 {
		problem("logging.max_size_mb must be positive, got %d", c.Logging.MaxSizeMB)
	}
	if c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		problem("logging.max_backups and logging.max_age_days must be non-negative")
	}
	return errs
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func overrideBool(key string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%s must be a boolean value, got %q", key, raw)
	}
	*dst = value
	return nil
}

func overrideInt(key string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	*dst = value
	return nil
}

func overrideFloat(key string, dst *float64) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s must be a number, got %q", key, raw)
	}
	*dst = value
	return nil
}

func overrideDuration(key string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	*dst = value
	return nil
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
