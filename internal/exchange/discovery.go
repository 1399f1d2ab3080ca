package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"leadlag-go/internal/config"
	"leadlag-go/internal/signal"
)

const (
	defaultDiscoveryBaseURL = "https://api.binance.com"
	defaultDiscoveryMax     = 50
	defaultQuoteAsset       = "USDT"
)

// Discovery ranks exchange symbols by 24h quote volume, pushes the result into the feeds and
// serves it as the search universe. Manual symbols always lead the list.
type Discovery struct {
	log     zerolog.Logger
	feeds   []*Feed
	manual  []string
	client  *fasthttp.Client
	baseURL string
	timeout time.Duration
	cfg     config.Discovery

	mu      sync.RWMutex
	current []string
}

type volumeCandidate struct {
	symbol      string
	quoteVolume decimal.Decimal
}

// NewDiscovery builds a discovery service. When cfg is disabled it still serves the manual list.
func NewDiscovery(log zerolog.Logger, manual []string, cfg config.Discovery, feeds ...*Feed) *Discovery {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultDiscoveryBaseURL
	}
	d := &Discovery{
		log:     log.With().Str("component", "discovery").Logger(),
		feeds:   feeds,
		client:  &fasthttp.Client{Name: "leadlag-go/1.0 (discovery)"},
		baseURL: baseURL,
		timeout: 10 * time.Second,
		cfg:     cfg,
	}
	d.manual = mergeSymbols(manual, nil)
	d.current = append([]string(nil), d.manual...)
	return d
}

// UniverseSymbols returns manual symbols followed by discovered ones in volume order.
func (d *Discovery) UniverseSymbols() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.current))
	copy(out, d.current)
	return out
}

// Start launches the discovery loop in a goroutine.
func (d *Discovery) Start(ctx context.Context) {
	if d == nil || !d.cfg.Enabled {
		return
	}
	go d.loop(ctx)
}

func (d *Discovery) loop(ctx context.Context) {
	interval := time.Duration(d.cfg.RefreshInterval) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn().Err(err).Msg("symbol discovery refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn().Err(err).Msg("symbol discovery refresh failed")
			}
		}
	}
}

// Refresh performs a single discovery cycle.
func (d *Discovery) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	candidates, err := d.discover()
	if err != nil {
		return err
	}
	discovered := make([]string, len(candidates))
	for i, cand := range candidates {
		discovered[i] = cand.symbol
	}
	combined := mergeSymbols(d.manual, discovered)

	d.mu.Lock()
	prev := d.current
	d.current = combined
	d.mu.Unlock()

	for _, feed := range d.feeds {
		feed.SetSymbols(combined)
	}
	if !equalStrings(prev, combined) {
		top := ""
		if len(candidates) > 0 {
			top = fmt.Sprintf("%s(qv=%s)", candidates[0].symbol, candidates[0].quoteVolume.StringFixed(0))
		}
		d.log.Info().
			Int("symbols", len(combined)).
			Int("discovered", len(candidates)).
			Strs("manual", d.manual).
			Str("top", top).
			Msg("updated symbol universe")
	}
	return nil
}

func (d *Discovery) discover() ([]volumeCandidate, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.baseURL + "/api/v3/ticker/24hr")
	req.Header.SetMethod(fasthttp.MethodGet)
	if err := d.client.DoTimeout(req, resp, d.timeout); err != nil {
		return nil, fmt.Errorf("ticker request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return rankByQuoteVolume(resp.Body(), d.cfg), nil
}

func rankByQuoteVolume(body []byte, cfg config.Discovery) []volumeCandidate {
	quote := strings.ToUpper(strings.TrimSpace(cfg.QuoteAsset))
	if quote == "" {
		quote = defaultQuoteAsset
	}
	limit := cfg.MaxSymbols
	if limit <= 0 {
		limit = defaultDiscoveryMax
	}
	minVolume := decimal.NewFromFloat(cfg.MinQuoteVolume)

	var out []volumeCandidate
	gjson.ParseBytes(body).ForEach(func(_, row gjson.Result) bool {
		sym := signal.NormalizeSymbol(row.Get("symbol").String())
		if sym == "" || sym == quote || !strings.HasSuffix(sym, quote) {
			return true
		}
		qv, err := decimal.NewFromString(row.Get("quoteVolume").String())
		if err != nil || qv.LessThan(minVolume) || !qv.IsPositive() {
			return true
		}
		out = append(out, volumeCandidate{symbol: sym, quoteVolume: qv})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].quoteVolume.Cmp(out[j].quoteVolume); c != 0 {
			return c > 0
		}
		return out[i].symbol < out[j].symbol
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// mergeSymbols keeps first-seen order: manual entries, then discovered ones.
func mergeSymbols(manual, discovered []string) []string {
	set := make(map[string]struct{}, len(manual)+len(discovered))
	out := make([]string, 0, len(manual)+len(discovered))
	for _, list := range [][]string{manual, discovered} {
		for _, sym := range list {
			sym = signal.NormalizeSymbol(sym)
			if sym == "" {
				continue
			}
			if _, ok := set[sym]; ok {
				continue
			}
			set[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}
