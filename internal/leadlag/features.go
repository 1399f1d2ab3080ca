// Package leadlag searches bar series for leader/follower relationships between symbols.
package leadlag

import (
	"math"
	"sort"

	"leadlag-go/internal/bars"
)

// ReturnSeries holds log returns keyed by the bucket start of the later bar.
type ReturnSeries struct {
	Ts      []int64
	Returns []float64
	Std     float64
}

// Len reports the number of returns.
func (r ReturnSeries) Len() int { return len(r.Ts) }

// ComputeReturns derives log returns from consecutive closes. Closes that are not finite and
// positive are skipped; the next valid close is compared against the last valid one.
func ComputeReturns(series []bars.Bar) ReturnSeries {
	sorted := series
	if !sort.SliceIsSorted(series, func(i, j int) bool { return series[i].Start < series[j].Start }) {
		sorted = make([]bars.Bar, len(series))
		copy(sorted, series)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	}

	out := ReturnSeries{
		Ts:      make([]int64, 0, len(sorted)),
		Returns: make([]float64, 0, len(sorted)),
	}
	prev := 0.0
	for _, b := range sorted {
		c := b.Close
		if !(c > 0) || math.IsInf(c, 0) {
			continue
		}
		if prev > 0 {
			out.Ts = append(out.Ts, b.Start)
			out.Returns = append(out.Returns, math.Log(c/prev))
		}
		prev = c
	}
	out.Std = sampleStd(out.Returns)
	return out
}

func sampleStd(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// impulseThreshold is the minimum |return| that counts as an impulse; unreachable without volatility.
func impulseThreshold(std, z float64) float64 {
	if std <= 0 {
		return math.Inf(1)
	}
	return z * std
}

// feature is a cached return series plus its impulse threshold.
type feature struct {
	ReturnSeries
	threshold float64
}

func newFeature(series []bars.Bar, z float64) feature {
	rs := ComputeReturns(series)
	return feature{ReturnSeries: rs, threshold: impulseThreshold(rs.Std, z)}
}

// firstAtOrAfter returns the index of the first return with ts >= from.
func (f *feature) firstAtOrAfter(from int64) int {
	return sort.Search(len(f.Ts), func(i int) bool { return f.Ts[i] >= from })
}

func (f *feature) firstAfter(ts int64) int {
	return sort.Search(len(f.Ts), func(i int) bool { return f.Ts[i] > ts })
}

// sumBetween adds the returns whose timestamps fall in [from, to]; ok is false when none do.
func (f *feature) sumBetween(from, to int64) (float64, bool) {
	var sum float64
	found := false
	for i := f.firstAtOrAfter(from); i < len(f.Ts) && f.Ts[i] <= to; i++ {
		sum += f.Returns[i]
		found = true
	}
	return sum, found
}

// newest returns the latest return timestamp, or false if the series is empty.
func (f *feature) newest() (int64, bool) {
	if len(f.Ts) == 0 {
		return 0, false
	}
	return f.Ts[len(f.Ts)-1], true
}
