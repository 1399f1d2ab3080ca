package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "leadlag-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.App.MetricsAddr != ":9102" || cfg.App.LogLevel != "debug" {
		t.Fatalf("unexpected app section: %+v", cfg.App)
	}
	if len(cfg.Exchange.Providers) != 2 || cfg.Exchange.Providers[1] != "bybit" {
		t.Fatalf("unexpected providers: %+v", cfg.Exchange.Providers)
	}
	if len(cfg.Exchange.Symbols) != 2 || cfg.Exchange.Symbols[0] != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT first, got %+v", cfg.Exchange.Symbols)
	}
	if !cfg.Exchange.Discovery.Enabled || cfg.Exchange.Discovery.QuoteAsset != "USDT" {
		t.Fatalf("unexpected discovery: %+v", cfg.Exchange.Discovery)
	}
	if cfg.Exchange.Discovery.MinQuoteVolume != 5000000 || cfg.Exchange.Discovery.MaxSymbols != 40 {
		t.Fatalf("unexpected discovery limits: %+v", cfg.Exchange.Discovery)
	}
	if cfg.Bars.BucketMs != 250 || cfg.Bars.KeepMs != 120000 {
		t.Fatalf("unexpected bars: %+v", cfg.Bars)
	}
	if cfg.Batch.IntervalMs != 1000 || cfg.Batch.TopN != 5 || cfg.Batch.MinCorr != 0.3 {
		t.Fatalf("unexpected batch: %+v", cfg.Batch)
	}
	if len(cfg.Batch.Leaders) != 1 || cfg.Batch.Leaders[0] != "BTCUSDT" {
		t.Fatalf("unexpected batch leaders: %+v", cfg.Batch.Leaders)
	}
	if cfg.Search.PoolSize != 60 || len(cfg.Search.LagsMs) != 2 || cfg.Search.LagsMs[0] != 250 {
		t.Fatalf("unexpected search: %+v", cfg.Search)
	}
	if cfg.Search.FollowerAbsFloor != 0.0001 {
		t.Fatalf("unexpected follower floor: %v", cfg.Search.FollowerAbsFloor)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload returned error: %v", err)
	}
	if again.Search.Source != "binance" || again.Batch.WindowBars != 240 {
		t.Fatalf("round trip lost fields: %+v", again)
	}
	if err := Save(path, nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvMetricsAddr, ":9999")
	t.Setenv(EnvSymbols, " solusdt, ,XRPUSDT ")

	cfg := &Config{App: App{LogLevel: "info", MetricsAddr: ":9101"}, Exchange: Exchange{Symbols: []string{"BTCUSDT"}}}
	ApplyEnv(cfg)
	if cfg.App.LogLevel != "warn" || cfg.App.MetricsAddr != ":9999" {
		t.Fatalf("app overrides not applied: %+v", cfg.App)
	}
	if len(cfg.Exchange.Symbols) != 2 || cfg.Exchange.Symbols[0] != "solusdt" || cfg.Exchange.Symbols[1] != "XRPUSDT" {
		t.Fatalf("unexpected symbols: %+v", cfg.Exchange.Symbols)
	}
}

func TestLoadDotEnvAndPath(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	if err := os.WriteFile(env, []byte("LEADLAG_CONFIG=/tmp/leadlag.yaml\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(EnvConfigPath) })
	os.Unsetenv(EnvConfigPath)

	if got := Path("fallback.yaml"); got != "fallback.yaml" {
		t.Fatalf("expected fallback, got %s", got)
	}
	LoadDotEnv(env)
	if got := Path("fallback.yaml"); got != "/tmp/leadlag.yaml" {
		t.Fatalf("expected .env override, got %s", got)
	}
	LoadDotEnv(filepath.Join(dir, "missing.env"))
}

func TestParamsConversion(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	bp := cfg.Batch.BatchParams(cfg.Bars.BucketMs)
	if bp.BucketMs != 250 || bp.MaxLagBars != 8 || bp.MinSamples != 30 || bp.ImpulseZ != 2.0 {
		t.Fatalf("unexpected batch params: %+v", bp)
	}
	sp := cfg.Search.SearchParams()
	if sp.PoolSize != 60 || sp.MaxFollowers != 30 || sp.LagsMs[1] != 500 || sp.Source != "binance" {
		t.Fatalf("unexpected search params: %+v", sp)
	}
}
