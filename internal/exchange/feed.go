// Package exchange hosts connectors for centralized venues and tick sources.
package exchange

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"leadlag-go/internal/metrics"
	"leadlag-go/internal/signal"
)

const (
	// ProviderStub emits deterministic synthetic ticks (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams best bid/ask from Binance public websockets.
	ProviderBinance = "binance"
	// ProviderBybit streams v5 public tickers from Bybit.
	ProviderBybit = "bybit"
)

const (
	defaultStubInterval = 250 * time.Millisecond
	defaultBinanceWS    = "wss://stream.binance.com:9443/stream"
	defaultBybitWS      = "wss://stream.bybit.com/v5/public/spot"
	initialBackoff      = time.Second
	maxBackoff          = 30 * time.Second
)

// Feed represents a pluggable market data stream implementation.
type Feed struct {
	provider     string
	log          zerolog.Logger
	stubInterval time.Duration
	binanceURL   string
	bybitURL     string

	mu      sync.RWMutex
	symbols []string
	changed chan struct{}
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithStubInterval overrides the synthetic tick cadence.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// WithBinanceURL points the Binance provider at a combined-stream endpoint.
func WithBinanceURL(u string) Option {
	return func(f *Feed) {
		if u != "" {
			f.binanceURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithBybitURL points the Bybit provider at a v5 public endpoint.
func WithBybitURL(u string) Option {
	return func(f *Feed) {
		if u != "" {
			f.bybitURL = u
		}
	}
}

// NewFeed constructs a feed backed by the requested provider.
func NewFeed(provider string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		stubInterval: defaultStubInterval,
		binanceURL:   defaultBinanceWS,
		bybitURL:     defaultBybitWS,
		changed:      make(chan struct{}, 1),
	}
	f.log = log.With().Str("component", "feed").Str("provider", f.provider).Logger()
	f.setSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider reports the normalized provider name.
func (f *Feed) Provider() string { return f.provider }

// SetSymbols replaces the tracked symbol list (normalized, deduplicated, sorted for determinism).
// Streaming providers resubscribe when the set changes.
func (f *Feed) SetSymbols(symbols []string) {
	if f.setSymbols(symbols) {
		select {
		case f.changed <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) setSymbols(symbols []string) bool {
	unique := make(map[string]struct{}, len(symbols))
	next := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = signal.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, ok := unique[sym]; ok {
			continue
		}
		unique[sym] = struct{}{}
		next = append(next, sym)
	}
	sort.Strings(next)

	f.mu.Lock()
	defer f.mu.Unlock()
	if equalStrings(next, f.symbols) {
		return false
	}
	f.symbols = next
	return true
}

func (f *Feed) snapshotSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Run pushes ticks onto the provided channel until the context is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- signal.Tick) error {
	switch f.provider {
	case ProviderBinance:
		return f.runStream(ctx, out, f.binanceStream())
	case ProviderBybit:
		return f.runStream(ctx, out, f.bybitStream())
	default:
		return f.runStub(ctx, out)
	}
}

func (f *Feed) emit(ctx context.Context, out chan<- signal.Tick, tick signal.Tick) error {
	select {
	case out <- tick:
		metrics.TicksTotal.WithLabelValues(tick.Symbol, tick.Source).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runStub walks the first symbol randomly with periodic impulses; every other symbol replays
// the first symbol's previous step, so it lags by exactly one interval.
func (f *Feed) runStub(ctx context.Context, out chan<- signal.Tick) error {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(1))
	prices := make(map[string]float64)
	var prevStep float64
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			step := rng.NormFloat64() * 0.0005
			if n%20 == 19 {
				step = 0.004
				if (n/20)%2 == 1 {
					step = -0.004
				}
			}
			n++
			symbols := f.snapshotSymbols()
			for i, sym := range symbols {
				px, ok := prices[sym]
				if !ok {
					px = 100
				}
				if i == 0 {
					px *= math.Exp(step)
				} else {
					px *= math.Exp(prevStep)
				}
				prices[sym] = px
				tick := signal.Tick{
					Symbol: sym,
					Source: signal.SourceBinance,
					TsMs:   now.UnixMilli(),
					Bid:    px * (1 - 1e-4),
					Ask:    px * (1 + 1e-4),
				}
				if err := f.emit(ctx, out, tick); err != nil {
					return err
				}
			}
			prevStep = step
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	return time.Duration(math.Min(float64(maxBackoff), float64(cur)*1.8))
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
