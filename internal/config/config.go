package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the barvault loader.
type Config struct {
	Storage Storage      `yaml:"storage"`
	Alpaca  Alpaca       `yaml:"alpaca"`
	Logging Logging      `yaml:"logging"`
	Redis   Redis        `yaml:"redis"`
	Metrics Metrics      `yaml:"metrics"`
	Server  Server       `yaml:"server"`
	Ingest  IngestConfig `yaml:"ingest"`
}

// Storage selects the time-series backend and holds paths for data
// persistence.
type Storage struct {
	Backend     string `yaml:"backend"` // "sqlite" or "postgres"
	DataDir     string `yaml:"data_dir"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Checkpoints selects where job checkpoints live: "db" (same backend as
	// bars) or "file" (<data_dir>/checkpoints).
	Checkpoints string `yaml:"checkpoints"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
}

// Redis is optional; when Addr is set it backs the universe cache and the
// job lock.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Metrics configures the Prometheus listener. Empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Server configures the gRPC health listener. Zero GRPCPort disables it.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// IngestConfig holds the tuning parameters of the ingestion pipeline.
type IngestConfig struct {
	StartDate     string   `yaml:"start_date"`
	ReferenceDir  string   `yaml:"reference_dir"`
	Exchanges     []string `yaml:"exchanges"`
	SymbolBatch   int      `yaml:"symbol_batch"`
	MaxResults    int      `yaml:"max_results_per_request"`
	ChunkDays     int      `yaml:"chunk_days"`
	MinChunkDays  int      `yaml:"min_chunk_days"`
	PriorityDays  int      `yaml:"priority_lookback_days"`
	UnitRetries   int      `yaml:"unit_retries"`
	VerifySample  int      `yaml:"verify_sample"`
	MaxDailyMove  float64  `yaml:"max_daily_move"`
	RateLimit     int      `yaml:"rate_limit_per_min"`
	RetryMax      int      `yaml:"retry_max"`
	PerSymbolConc int      `yaml:"per_symbol_concurrency"`
	GroupedConc   int      `yaml:"grouped_concurrency"`
	BatchDaily    int      `yaml:"batch_size_daily"`
	BatchMinute   int      `yaml:"batch_size_minute"`

	CheckpointEvery    int           `yaml:"checkpoint_every"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	UnitTimeout        time.Duration `yaml:"unit_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	UniverseCacheTTL   time.Duration `yaml:"universe_cache_ttl"`
	LockTTL            time.Duration `yaml:"lock_ttl"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars take highest priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills every zero-valued tuning field.
func applyDefaults(cfg *Config) {
	s := &cfg.Storage
	if s.Backend == "" {
		s.Backend = "sqlite"
	}
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.SQLitePath == "" {
		s.SQLitePath = s.DataDir + "/barvault.db"
	}
	if s.Checkpoints == "" {
		s.Checkpoints = "db"
	}

	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "sip"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = os.TempDir()
	}

	in := &cfg.Ingest
	if in.StartDate == "" {
		in.StartDate = "2016-01-01"
	}
	if in.ReferenceDir == "" {
		in.ReferenceDir = "reference/us"
	}
	if len(in.Exchanges) == 0 {
		in.Exchanges = []string{"NYSE", "NASDAQ", "AMEX", "ARCA", "BATS"}
	}
	if in.SymbolBatch == 0 {
		in.SymbolBatch = 5000
	}
	if in.MaxResults == 0 {
		in.MaxResults = 50000
	}
	if in.ChunkDays == 0 {
		in.ChunkDays = 30
	}
	if in.MinChunkDays == 0 {
		in.MinChunkDays = 7
	}
	if in.PriorityDays == 0 {
		in.PriorityDays = 30
	}
	if in.VerifySample == 0 {
		in.VerifySample = 50
	}
	if in.MaxDailyMove == 0 {
		in.MaxDailyMove = 0.5
	}
	if in.RateLimit == 0 {
		in.RateLimit = 10000
	}
	if in.RetryMax == 0 {
		in.RetryMax = 5
	}
	if in.PerSymbolConc == 0 {
		in.PerSymbolConc = 200
	}
	if in.GroupedConc == 0 {
		in.GroupedConc = 4
	}
	if in.BatchDaily == 0 {
		in.BatchDaily = 5000
	}
	if in.BatchMinute == 0 {
		in.BatchMinute = 1000
	}
	if in.CheckpointEvery == 0 {
		in.CheckpointEvery = 100
	}
	if in.CheckpointInterval == 0 {
		in.CheckpointInterval = 10 * time.Second
	}
	if in.UnitTimeout == 0 {
		in.UnitTimeout = 2 * time.Minute
	}
	if in.ShutdownGrace == 0 {
		in.ShutdownGrace = 30 * time.Second
	}
	if in.RetryBaseDelay == 0 {
		in.RetryBaseDelay = 500 * time.Millisecond
	}
	if in.RetryMaxDelay == 0 {
		in.RetryMaxDelay = 30 * time.Second
	}
	if in.UniverseCacheTTL == 0 {
		in.UniverseCacheTTL = 24 * time.Hour
	}
	if in.LockTTL == 0 {
		in.LockTTL = 2 * time.Minute
	}
}
