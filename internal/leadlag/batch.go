package leadlag

import (
	"math"
	"sort"
	"time"

	"leadlag-go/internal/bars"
	"leadlag-go/internal/metrics"
)

// BarsFunc returns up to the last n bars for symbol.
type BarsFunc func(symbol string, n int) []bars.Bar

// BatchParams tunes the lag scan and the confirmation rule. Zero or negative fields take the
// DefaultBatchParams value, so a zero MinImpulses or MinCorr cannot be expressed.
type BatchParams struct {
	BucketMs    int64
	MaxLagBars  int
	MinSamples  int
	MinImpulses int
	MinCorr     float64
	ImpulseZ    float64
}

// DefaultBatchParams matches 250ms bars scanned two seconds either side.
func DefaultBatchParams() BatchParams {
	return BatchParams{
		BucketMs:    250,
		MaxLagBars:  8,
		MinSamples:  30,
		MinImpulses: 3,
		MinCorr:     0.3,
		ImpulseZ:    2.0,
	}
}

func (p BatchParams) withDefaults() BatchParams {
	d := DefaultBatchParams()
	if p.BucketMs <= 0 {
		p.BucketMs = d.BucketMs
	}
	if p.MaxLagBars <= 0 {
		p.MaxLagBars = d.MaxLagBars
	}
	if p.MinSamples <= 0 {
		p.MinSamples = d.MinSamples
	}
	if p.MinImpulses <= 0 {
		p.MinImpulses = d.MinImpulses
	}
	if p.MinCorr <= 0 {
		p.MinCorr = d.MinCorr
	}
	if p.ImpulseZ <= 0 {
		p.ImpulseZ = d.ImpulseZ
	}
	return p
}

// TopRequest describes one batch estimation over a snapshot of the universe.
type TopRequest struct {
	Leaders    []string // nil means every symbol may lead
	Symbols    []string
	GetBars    BarsFunc
	TopN       int
	WindowBars int
	Params     BatchParams
}

// RankedPair is the best lag found for one ordered (leader, follower) pair.
type RankedPair struct {
	Leader    string
	Follower  string
	LagBars   int
	LagMs     int64
	Corr      float64
	Samples   int
	Impulses  int
	Confirmed bool
}

// corrStats accumulates Pearson sufficient statistics. Ranges are kept so a constant series
// reports exactly zero correlation instead of cancellation noise.
type corrStats struct {
	n                      int
	sx, sy, sxx, syy, sxy  float64
	minX, maxX, minY, maxY float64
}

func (c *corrStats) add(x, y float64) {
	if c.n == 0 {
		c.minX, c.maxX, c.minY, c.maxY = x, x, y, y
	} else {
		c.minX, c.maxX = math.Min(c.minX, x), math.Max(c.maxX, x)
		c.minY, c.maxY = math.Min(c.minY, y), math.Max(c.maxY, y)
	}
	c.n++
	c.sx += x
	c.sy += y
	c.sxx += x * x
	c.syy += y * y
	c.sxy += x * y
}

func (c *corrStats) corr() float64 {
	if c.n < 2 || c.minX == c.maxX || c.minY == c.maxY {
		return 0
	}
	n := float64(c.n)
	cov := c.sxy/n - (c.sx/n)*(c.sy/n)
	varX := c.sxx/n - (c.sx/n)*(c.sx/n)
	varY := c.syy/n - (c.sy/n)*(c.sy/n)
	if varX <= 0 || varY <= 0 {
		return 0
	}
	r := cov / math.Sqrt(varX*varY)
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r
}

type batchSeries struct {
	byTs map[int64]float64
	ts   []int64
	std  float64
}

// ComputeTop scans every ordered pair for its best-confirmed lag and returns the top pairs.
func ComputeTop(req TopRequest) []RankedPair {
	started := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(started).Seconds()) }()

	if req.GetBars == nil || len(req.Symbols) < 2 {
		return []RankedPair{}
	}
	p := req.Params.withDefaults()
	topN := req.TopN
	if topN <= 0 {
		topN = 10
	}
	window := req.WindowBars
	if window <= 0 {
		window = 240
	}

	series := make(map[string]*batchSeries, len(req.Symbols))
	for _, sym := range req.Symbols {
		if _, ok := series[sym]; ok {
			continue
		}
		rs := ComputeReturns(req.GetBars(sym, window))
		bs := &batchSeries{byTs: make(map[int64]float64, rs.Len()), ts: rs.Ts, std: rs.Std}
		for i, ts := range rs.Ts {
			bs.byTs[ts] = rs.Returns[i]
		}
		series[sym] = bs
	}

	leaders := req.Leaders
	if len(leaders) == 0 {
		leaders = req.Symbols
	}
	leaders = uniqueSymbols(leaders)

	out := make([]RankedPair, 0, len(leaders)*len(req.Symbols))
	for _, leader := range leaders {
		ls, ok := series[leader]
		if !ok {
			continue
		}
		thr := impulseThreshold(ls.std, p.ImpulseZ)
		for _, follower := range req.Symbols {
			if follower == leader {
				continue
			}
			fs := series[follower]
			if best, ok := bestLag(leader, follower, ls, fs, thr, p); ok {
				out = append(out, best)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confirmed != b.Confirmed {
			return a.Confirmed
		}
		if ca, cb := math.Abs(a.Corr), math.Abs(b.Corr); ca != cb {
			return ca > cb
		}
		return abs64(a.LagMs) < abs64(b.LagMs)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// bestLag walks lags from -MaxLagBars to +MaxLagBars; the first lag wins ties.
func bestLag(leader, follower string, ls, fs *batchSeries, thr float64, p BatchParams) (RankedPair, bool) {
	var best RankedPair
	found := false
	for lag := -p.MaxLagBars; lag <= p.MaxLagBars; lag++ {
		if lag == 0 {
			continue
		}
		shift := int64(lag) * p.BucketMs
		var st corrStats
		impulses := 0
		for _, ts := range fs.ts {
			x, ok := ls.byTs[ts-shift]
			if !ok {
				continue
			}
			st.add(x, fs.byTs[ts])
			if math.Abs(x) >= thr {
				impulses++
			}
		}
		if st.n < 2 {
			continue
		}
		corr := st.corr()
		confirmed := st.n >= p.MinSamples && impulses >= p.MinImpulses && math.Abs(corr) >= p.MinCorr
		cand := RankedPair{
			Leader:    leader,
			Follower:  follower,
			LagBars:   lag,
			LagMs:     shift,
			Corr:      corr,
			Samples:   st.n,
			Impulses:  impulses,
			Confirmed: confirmed,
		}
		if !found || (confirmed && !best.Confirmed) || (confirmed == best.Confirmed && math.Abs(corr) > math.Abs(best.Corr)) {
			best = cand
			found = true
		}
	}
	return best, found
}

func uniqueSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, sym := range in {
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
