package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"leadlag-go/internal/bars"
	"leadlag-go/internal/config"
	"leadlag-go/internal/exchange"
	"leadlag-go/internal/leadlag"
	"leadlag-go/internal/metrics"
	sig "leadlag-go/internal/signal"
	"leadlag-go/internal/util"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load(config.Path(defaultConfigPath))
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	config.ApplyEnv(cfg)
	log := util.NewLogger(cfg.App.LogLevel).With().Str("app", cfg.App.Name).Logger()

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agg := bars.NewAggregator(log,
		bars.WithBucket(cfg.Bars.BucketMs),
		bars.WithKeep(cfg.Bars.KeepMs),
		bars.WithDefaultSource(cfg.Bars.DefaultSource),
	)

	ticks := make(chan sig.Tick, 4096)
	feeds := buildFeeds(cfg, log)
	for _, feed := range feeds {
		feed := feed
		go func() {
			if err := feed.Run(ctx, ticks); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("provider", feed.Provider()).Msg("feed stopped")
			}
		}()
	}

	disc := exchange.NewDiscovery(log, cfg.Exchange.Symbols, cfg.Exchange.Discovery, feeds...)
	disc.Start(ctx)

	search := leadlag.NewSearch(disc, agg, log)
	startSearch := func() {
		if !cfg.Search.Enabled {
			return
		}
		res := search.Start(ctx, cfg.Search.SearchParams())
		if !res.OK {
			log.Warn().Str("reason", res.Reason).Msg("incremental search not started")
		}
	}
	startSearch()
	defer search.Stop("shutdown")

	sweep := time.NewTicker(time.Duration(agg.BucketMs()) * time.Millisecond)
	defer sweep.Stop()
	batchEvery := time.Duration(cfg.Batch.IntervalMs) * time.Millisecond
	if batchEvery <= 0 {
		batchEvery = time.Second
	}
	batch := time.NewTicker(batchEvery)
	defer batch.Stop()
	reportEvery := time.Duration(cfg.Search.ReportIntervalMs) * time.Millisecond
	if reportEvery <= 0 {
		reportEvery = 10 * time.Second
	}
	report := time.NewTicker(reportEvery)
	defer report.Stop()

	batchParams := cfg.Batch.BatchParams(agg.BucketMs())
	log.Info().Int("feeds", len(feeds)).Int64("bucket_ms", agg.BucketMs()).Msg("lead-lag engine started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return
		case tk := <-ticks:
			agg.Ingest(tk)
		case now := <-sweep.C:
			agg.Sweep(now.UnixMilli())
		case <-batch.C:
			runBatch(log, agg, cfg, batchParams)
		case <-report.C:
			if search.State().Phase == leadlag.PhaseIdle {
				startSearch()
			}
			logSearch(log, search)
		}
	}
}

func buildFeeds(cfg *config.Config, log zerolog.Logger) []*exchange.Feed {
	providers := cfg.Exchange.Providers
	if len(providers) == 0 {
		providers = []string{exchange.ProviderStub}
	}
	feeds := make([]*exchange.Feed, 0, len(providers))
	for _, p := range providers {
		feeds = append(feeds, exchange.NewFeed(p, cfg.Exchange.Symbols, log,
			exchange.WithBinanceURL(cfg.Exchange.BinanceWS),
			exchange.WithBybitURL(cfg.Exchange.BybitWS),
			exchange.WithStubInterval(time.Duration(cfg.Exchange.StubTickMs)*time.Millisecond),
		))
	}
	return feeds
}

func runBatch(log zerolog.Logger, agg *bars.Aggregator, cfg *config.Config, params leadlag.BatchParams) {
	source := cfg.Bars.DefaultSource
	symbols := agg.Symbols(source)
	if len(symbols) < 2 {
		return
	}
	top := leadlag.ComputeTop(leadlag.TopRequest{
		Leaders:    cfg.Batch.Leaders,
		Symbols:    symbols,
		GetBars:    func(symbol string, n int) []bars.Bar { return agg.GetBars(symbol, n, source) },
		TopN:       cfg.Batch.TopN,
		WindowBars: cfg.Batch.WindowBars,
		Params:     params,
	})
	if len(top) == 0 {
		return
	}
	lines := make([]string, 0, 3)
	for i, p := range top {
		if i == 3 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s->%s lag=%dms corr=%.3f n=%d ok=%t", p.Leader, p.Follower, p.LagMs, p.Corr, p.Samples, p.Confirmed))
	}
	log.Debug().Int("symbols", len(symbols)).Strs("top", lines).Msg("batch lead-lag")
}

func logSearch(log zerolog.Logger, search *leadlag.Search) {
	st := search.State()
	ev := log.Info().
		Str("phase", string(st.Phase)).
		Float64("progress", st.Progress).
		Int("active", st.Active).
		Int("qualified", st.Qualified).
		Int("dropped", st.Dropped).
		Int("paused", st.Paused).
		Float64("eval_rate", st.EvalRate).
		Float64("eta_scan_sec", st.EtaScanSec)
	if sl := search.Shortlist(); len(sl.Top) > 0 {
		best := sl.Top[0]
		ev = ev.Str("best", fmt.Sprintf("%s->%s conf=%d/%d score=%.1f", best.Leader, best.Follower, best.Confirmations, best.Samples, best.RankScore))
	}
	ev.Msg(st.Message)
}
