// Package signal standardizes tick payloads shared between feed adapters and the bar layer.
package signal

import (
	"math"
	"strings"
)

// Canonical source codes.
const (
	SourceBybit   = "BT"
	SourceBinance = "BNB"
)

// Tick models a single venue quote update. Optional prices are zero when the venue omitted them.
type Tick struct {
	Symbol string
	Source string
	TsMs   int64
	Bid    float64
	Ask    float64
	Last   float64
	Mark   float64
}

// Price resolves the usable point price: bid/ask mid, then last, then mark.
func (t Tick) Price() (float64, bool) {
	if usable(t.Bid) && usable(t.Ask) {
		return (t.Bid + t.Ask) / 2, true
	}
	if usable(t.Last) {
		return t.Last, true
	}
	if usable(t.Mark) {
		return t.Mark, true
	}
	return 0, false
}

func usable(px float64) bool {
	return px > 0 && !math.IsInf(px, 0) && !math.IsNaN(px)
}

// NormalizeSource maps case-insensitive venue aliases onto canonical codes.
func NormalizeSource(src string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(src)) {
	case "BT", "BYBIT":
		return SourceBybit, true
	case "BNB", "BINANCE":
		return SourceBinance, true
	default:
		return "", false
	}
}

// NormalizeSymbol upper-cases the symbol and strips anything that is not alphanumeric.
func NormalizeSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range symbol {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if r >= 'a' && r <= 'z' {
				r -= 32
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
