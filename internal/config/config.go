// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"leadlag-go/internal/leadlag"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Exchange describes which venues feed the aggregator and which symbols they stream.
type Exchange struct {
	Providers  []string  `yaml:"providers"`
	Symbols    []string  `yaml:"symbols"`
	BinanceWS  string    `yaml:"binance_ws"`
	BybitWS    string    `yaml:"bybit_ws"`
	StubTickMs int       `yaml:"stub_tick_ms"`
	Discovery  Discovery `yaml:"discovery"`
}

// Discovery configures volume-ranked symbol discovery against the Binance 24h ticker endpoint.
type Discovery struct {
	Enabled         bool    `yaml:"enabled"`
	BaseURL         string  `yaml:"base_url"`
	QuoteAsset      string  `yaml:"quote_asset"`
	MinQuoteVolume  float64 `yaml:"min_quote_volume"`
	MaxSymbols      int     `yaml:"max_symbols"`
	RefreshInterval int     `yaml:"refresh_interval_ms"`
}

// Bars sizes the aggregator.
type Bars struct {
	BucketMs      int64  `yaml:"bucket_ms"`
	KeepMs        int64  `yaml:"keep_ms"`
	DefaultSource string `yaml:"default_source"`
}

// Batch tunes the once-per-interval estimator run over the live universe.
type Batch struct {
	IntervalMs  int      `yaml:"interval_ms"`
	TopN        int      `yaml:"top_n"`
	WindowBars  int      `yaml:"window_bars"`
	Leaders     []string `yaml:"leaders"`
	MaxLagBars  int      `yaml:"max_lag_bars"`
	MinSamples  int      `yaml:"min_samples"`
	MinImpulses int      `yaml:"min_impulses"`
	MinCorr     float64  `yaml:"min_corr"`
	ImpulseZ    float64  `yaml:"impulse_z"`
}

// Search configures the incremental all-pairs search.
type Search struct {
	Enabled          bool    `yaml:"enabled"`
	PoolSize         int     `yaml:"pool_size"`
	BudgetMs         int     `yaml:"budget_ms"`
	TickIntervalMs   int     `yaml:"tick_interval_ms"`
	MaxFollowers     int     `yaml:"max_followers"`
	LagsMs           []int64 `yaml:"lags_ms"`
	ResponseWindowMs int64   `yaml:"response_window_ms"`
	WindowBars       int     `yaml:"window_bars"`
	ImpulseZ         float64 `yaml:"impulse_z"`
	FollowerThrMult  float64 `yaml:"follower_thr_mult"`
	FollowerAbsFloor float64 `yaml:"follower_abs_floor"`
	Source           string  `yaml:"source"`
	ReportIntervalMs int     `yaml:"report_interval_ms"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Bars     Bars     `yaml:"bars"`
	Batch    Batch    `yaml:"batch"`
	Search   Search   `yaml:"search"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Environment overrides.
const (
	EnvConfigPath  = "LEADLAG_CONFIG"
	EnvLogLevel    = "LEADLAG_LOG_LEVEL"
	EnvMetricsAddr = "LEADLAG_METRICS_ADDR"
	EnvSymbols     = "LEADLAG_SYMBOLS"
)

// LoadDotEnv reads .env files into the process environment. Missing files are ignored.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...) // best-effort
}

// ApplyEnv overlays LEADLAG_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.App.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSymbols)); v != "" {
		var symbols []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		cfg.Exchange.Symbols = symbols
	}
}

// Path resolves the config file location, honoring LEADLAG_CONFIG.
func Path(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return fallback
}

// BatchParams converts the batch section; zero fields, including min_impulses and min_corr,
// take estimator defaults.
func (b Batch) BatchParams(bucketMs int64) leadlag.BatchParams {
	return leadlag.BatchParams{
		BucketMs:    bucketMs,
		MaxLagBars:  b.MaxLagBars,
		MinSamples:  b.MinSamples,
		MinImpulses: b.MinImpulses,
		MinCorr:     b.MinCorr,
		ImpulseZ:    b.ImpulseZ,
	}
}

// SearchParams converts the search section; zero fields take search defaults.
func (s Search) SearchParams() leadlag.SearchParams {
	return leadlag.SearchParams{
		PoolSize:         s.PoolSize,
		BudgetMs:         s.BudgetMs,
		MaxFollowers:     s.MaxFollowers,
		LagsMs:           append([]int64(nil), s.LagsMs...),
		ResponseWindowMs: s.ResponseWindowMs,
		WindowBars:       s.WindowBars,
		ImpulseZ:         s.ImpulseZ,
		FollowerThrMult:  s.FollowerThrMult,
		FollowerAbsFloor: s.FollowerAbsFloor,
		Source:           s.Source,
		TickIntervalMs:   s.TickIntervalMs,
	}
}
