// Package bars turns normalized ticks into fixed-interval bars with gap filling.
package bars

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"leadlag-go/internal/metrics"
	"leadlag-go/internal/ringbuf"
	"leadlag-go/internal/signal"
)

const (
	defaultBucketMs = 250
	defaultKeepMs   = 120_000
	ringSlack       = 16
)

// Bar is one bucket of price activity for a (symbol, source) series.
type Bar struct {
	Symbol    string
	Source    string
	Start     int64 // bucket start, ms since epoch
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Count     int
	Synthetic bool
}

type seriesKey struct {
	symbol string
	source string
}

type series struct {
	ring      *ringbuf.RingBuffer[Bar]
	cur       Bar
	hasCur    bool
	lastStart int64 // last bucket pushed into ring
	lastClose float64
	hasClose  bool
}

// Aggregator maintains in-progress and completed bars for every (symbol, source) it has seen.
type Aggregator struct {
	log           zerolog.Logger
	bucketMs      int64
	keepMs        int64
	capacity      int
	defaultSource string
	onBar         func(Bar)

	mu     sync.RWMutex
	series map[seriesKey]*series
}

// Option configures Aggregator construction parameters.
type Option func(*Aggregator)

// WithBucket overrides the bar width in milliseconds.
func WithBucket(ms int64) Option {
	return func(a *Aggregator) {
		if ms > 0 {
			a.bucketMs = ms
		}
	}
}

// WithKeep sets how much history (ms) each series ring retains.
func WithKeep(ms int64) Option {
	return func(a *Aggregator) {
		if ms > 0 {
			a.keepMs = ms
		}
	}
}

// WithDefaultSource applies src to ticks and queries that carry no source.
func WithDefaultSource(src string) Option {
	return func(a *Aggregator) {
		if canon, ok := signal.NormalizeSource(src); ok {
			a.defaultSource = canon
		}
	}
}

// WithOnBar registers a callback invoked for every finalized bar, real or synthetic.
func WithOnBar(fn func(Bar)) Option {
	return func(a *Aggregator) { a.onBar = fn }
}

// NewAggregator builds an aggregator with 250ms buckets and two minutes of history by default.
func NewAggregator(log zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		log:           log.With().Str("component", "bars").Logger(),
		bucketMs:      defaultBucketMs,
		keepMs:        defaultKeepMs,
		defaultSource: signal.SourceBinance,
		series:        make(map[seriesKey]*series),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.capacity = int(a.keepMs/a.bucketMs) + ringSlack
	return a
}

// BucketMs reports the bar width.
func (a *Aggregator) BucketMs() int64 { return a.bucketMs }

// Capacity reports the per-series ring size.
func (a *Aggregator) Capacity() int { return a.capacity }

// Ingest folds a tick into its series. Malformed ticks are dropped without error.
func (a *Aggregator) Ingest(t signal.Tick) {
	key, ok := a.resolve(t.Symbol, t.Source)
	if !ok {
		metrics.TicksDropped.WithLabelValues("bad_key").Inc()
		return
	}
	px, ok := t.Price()
	if !ok {
		metrics.TicksDropped.WithLabelValues("no_price").Inc()
		return
	}
	bucket := floorBucket(t.TsMs, a.bucketMs)

	a.mu.Lock()
	s := a.series[key]
	if s == nil {
		ring, err := ringbuf.New[Bar](a.capacity)
		if err != nil {
			a.mu.Unlock()
			a.log.Error().Err(err).Msg("allocate series ring")
			return
		}
		s = &series{ring: ring}
		a.series[key] = s
	}

	if s.hasCur && bucket == s.cur.Start {
		if px > s.cur.High {
			s.cur.High = px
		}
		if px < s.cur.Low {
			s.cur.Low = px
		}
		s.cur.Close = px
		s.cur.Count++
		a.mu.Unlock()
		return
	}
	if (s.hasCur && bucket < s.cur.Start) || (!s.hasCur && s.ring.Len() > 0 && bucket <= s.lastStart) {
		a.mu.Unlock()
		metrics.TicksDropped.WithLabelValues("late").Inc()
		return
	}

	var emitted []Bar
	if s.hasCur {
		emitted = a.finalize(s, emitted)
	}
	emitted = a.backfill(s, key, bucket, emitted)
	s.cur = Bar{Symbol: key.symbol, Source: key.source, Start: bucket, Open: px, High: px, Low: px, Close: px, Count: 1}
	s.hasCur = true
	a.mu.Unlock()

	a.emit(emitted)
}

// Sweep closes every in-progress bar whose bucket ended before nowMs and backfills silent
// series up to, but excluding, the bucket containing nowMs.
func (a *Aggregator) Sweep(nowMs int64) {
	current := floorBucket(nowMs, a.bucketMs)
	var emitted []Bar

	a.mu.Lock()
	for key, s := range a.series {
		if s.hasCur && s.cur.Start < current {
			emitted = a.finalize(s, emitted)
			s.hasCur = false
		}
		if !s.hasCur {
			emitted = a.backfill(s, key, current, emitted)
		}
	}
	a.mu.Unlock()

	a.emit(emitted)
}

// GetBars returns up to the last n completed bars for the series, oldest first.
func (a *Aggregator) GetBars(symbol string, n int, source string) []Bar {
	if n <= 0 {
		return []Bar{}
	}
	key, ok := a.resolve(symbol, source)
	if !ok {
		return []Bar{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[key]
	if s == nil {
		return []Bar{}
	}
	return s.ring.Last(n)
}

// Series lists the known (symbol, source) keys as "SYMBOL@SOURCE", sorted.
func (a *Aggregator) Series() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.series))
	for key := range a.series {
		out = append(out, key.symbol+"@"+key.source)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Symbols lists the symbols that have at least one bar for source, sorted.
func (a *Aggregator) Symbols(source string) []string {
	canon, ok := a.resolveSource(source)
	if !ok {
		return nil
	}
	a.mu.RLock()
	out := make([]string, 0, len(a.series))
	for key, s := range a.series {
		if key.source == canon && s.ring.Len() > 0 {
			out = append(out, key.symbol)
		}
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (a *Aggregator) finalize(s *series, emitted []Bar) []Bar {
	s.ring.Push(s.cur)
	s.lastStart = s.cur.Start
	s.lastClose = s.cur.Close
	s.hasClose = true
	return append(emitted, s.cur)
}

// backfill pushes flat bars for every bucket strictly between the last pushed bucket and next.
// At most one ring's worth is produced; older buckets would be overwritten immediately.
func (a *Aggregator) backfill(s *series, key seriesKey, next int64, emitted []Bar) []Bar {
	if !s.hasClose {
		return emitted
	}
	missing := (next-s.lastStart)/a.bucketMs - 1
	if missing <= 0 {
		return emitted
	}
	start := s.lastStart + a.bucketMs
	if missing > int64(a.capacity) {
		a.log.Debug().Str("symbol", key.symbol).Str("source", key.source).Int64("gap_bars", missing).Msg("capping synthetic backfill")
		start = next - int64(a.capacity)*a.bucketMs
	}
	px := s.lastClose
	for ts := start; ts < next; ts += a.bucketMs {
		bar := Bar{Symbol: key.symbol, Source: key.source, Start: ts, Open: px, High: px, Low: px, Close: px, Synthetic: true}
		s.ring.Push(bar)
		s.lastStart = ts
		emitted = append(emitted, bar)
	}
	return emitted
}

func (a *Aggregator) emit(emitted []Bar) {
	for _, bar := range emitted {
		kind := "real"
		if bar.Synthetic {
			kind = "synthetic"
		}
		metrics.BarsTotal.WithLabelValues(bar.Source, kind).Inc()
		if a.onBar != nil {
			a.onBar(bar)
		}
	}
}

func (a *Aggregator) resolve(symbol, source string) (seriesKey, bool) {
	sym := signal.NormalizeSymbol(symbol)
	if sym == "" {
		return seriesKey{}, false
	}
	src, ok := a.resolveSource(source)
	if !ok {
		return seriesKey{}, false
	}
	return seriesKey{symbol: sym, source: src}, true
}

func (a *Aggregator) resolveSource(source string) (string, bool) {
	if source == "" {
		return a.defaultSource, true
	}
	return signal.NormalizeSource(source)
}

func floorBucket(ts, bucketMs int64) int64 {
	b := ts / bucketMs * bucketMs
	if ts < 0 && ts%bucketMs != 0 {
		b -= bucketMs
	}
	return b
}
