package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"metalsdesk/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for metalsdesk.
type Config struct {
	Storage Storage `yaml:"storage"`
	Server  Server  `yaml:"server"`
	Source  Source  `yaml:"source"`
	Cache   Cache   `yaml:"cache"`
	Alpaca  Alpaca  `yaml:"alpaca"`
	EOD     EOD     `yaml:"eod"`
	Logging Logging `yaml:"logging"`
}

// Storage holds paths for data persistence. Engine selects the historical
// store backend: "sqlite" or "parquet". Instrument definitions always live in
// SQLite.
type Storage struct {
	Engine     string `yaml:"engine" env:"STORAGE_ENGINE, overwrite"`
	DataDir    string `yaml:"data_dir" env:"DATA_DIR, overwrite"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH, overwrite"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host" env:"SERVER_HOST, overwrite"`
	Port     int    `yaml:"port" env:"SERVER_PORT, overwrite"`
	GRPCPort int    `yaml:"grpc_port" env:"SERVER_GRPC_PORT, overwrite"`
}

// HTTPAddr returns the host:port of the REST listener.
func (s Server) HTTPAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) }

// GRPCAddr returns the host:port of the gRPC health listener.
func (s Server) GRPCAddr() string { return net.JoinHostPort(s.Host, strconv.Itoa(s.GRPCPort)) }

// Source configures the data-source broker.
type Source struct {
	Mode          string        `yaml:"mode" env:"SOURCE_MODE, overwrite"`
	LookbackDays  int           `yaml:"lookback_days" env:"SOURCE_LOOKBACK_DAYS, overwrite"`
	VendorTimeout time.Duration `yaml:"vendor_timeout" env:"SOURCE_VENDOR_TIMEOUT, overwrite"`
	WindowTTL     time.Duration `yaml:"window_ttl" env:"SOURCE_WINDOW_TTL, overwrite"`
	PersistLive   bool          `yaml:"persist_live" env:"SOURCE_PERSIST_LIVE, overwrite"`
	// SeedDays is how many days of synthetic history `seed` writes.
	SeedDays int `yaml:"seed_days" env:"SOURCE_SEED_DAYS, overwrite"`
}

// Cache configures the latest-quote cache.
type Cache struct {
	TTL        time.Duration `yaml:"ttl" env:"CACHE_TTL, overwrite"`
	MaxEntries int           `yaml:"max_entries" env:"CACHE_MAX_ENTRIES, overwrite"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
// Symbols maps vendor codes to Alpaca symbols; unmapped codes are sent as is.
type Alpaca struct {
	APIKey          string            `yaml:"api_key" env:"APCA_API_KEY_ID, overwrite"`
	APISecret       string            `yaml:"api_secret" env:"APCA_API_SECRET_KEY, overwrite"`
	DataURL         string            `yaml:"data_url" env:"ALPACA_DATA_URL, overwrite"`
	Feed            string            `yaml:"feed" env:"ALPACA_FEED, overwrite"`
	RateLimitPerMin int               `yaml:"rate_limit_per_min" env:"ALPACA_RATE_LIMIT_PER_MIN, overwrite"`
	Symbols         map[string]string `yaml:"symbols"`
}

// EOD configures the end-of-day fold job.
type EOD struct {
	Enabled  bool   `yaml:"enabled" env:"EOD_ENABLED, overwrite"`
	Schedule string `yaml:"schedule" env:"EOD_SCHEDULE, overwrite"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL, overwrite"`
	Format string `yaml:"format" env:"LOG_FORMAT, overwrite"`
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Engine:     "sqlite",
			DataDir:    "data",
			SQLitePath: "data/metalsdesk.db",
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Source: Source{
			Mode:          string(domain.ModeLive),
			LookbackDays:  140,
			VendorTimeout: 10 * time.Second,
			WindowTTL:     30 * time.Second,
			PersistLive:   true,
			SeedDays:      365,
		},
		Cache: Cache{
			TTL:        30 * time.Second,
			MaxEntries: 256,
		},
		Alpaca: Alpaca{
			Feed:            "sip",
			RateLimitPerMin: 200,
		},
		EOD: EOD{
			Enabled:  true,
			Schedule: "30 19 * * 1-5",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := domain.ParseSourceMode(c.Source.Mode); err != nil {
		return err
	}
	switch c.Storage.Engine {
	case "sqlite", "parquet":
	default:
		return fmt.Errorf("unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required")
	}
	if c.Source.LookbackDays <= 0 {
		return fmt.Errorf("source.lookback_days must be positive, got %d", c.Source.LookbackDays)
	}
	if c.Source.VendorTimeout <= 0 {
		return fmt.Errorf("source.vendor_timeout must be positive, got %s", c.Source.VendorTimeout)
	}
	if c.Source.WindowTTL < 0 {
		return fmt.Errorf("source.window_ttl must not be negative, got %s", c.Source.WindowTTL)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load builds the configuration in layers: defaults, then the YAML file at
// path (skipped when path is empty), then a .env file in the working
// directory if present, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides fields whose env tag names a variable that is
// set in the process environment.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return fmt.Errorf("processing environment: %w", err)
	}
	return nil
}
