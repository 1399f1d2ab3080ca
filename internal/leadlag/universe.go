package leadlag

import (
	"leadlag-go/internal/bars"
	"leadlag-go/internal/signal"
)

// Universe supplies the symbols the incremental search may pool.
type Universe interface {
	UniverseSymbols() []string
}

// BarSource is satisfied by *bars.Aggregator.
type BarSource interface {
	GetBars(symbol string, n int, source string) []bars.Bar
}

// StaticUniverse is a fixed symbol list.
type StaticUniverse []string

// UniverseSymbols returns a copy of the fixed list.
func (u StaticUniverse) UniverseSymbols() []string {
	out := make([]string, len(u))
	copy(out, u)
	return out
}

// poolSymbols normalizes and de-duplicates symbols, keeping universe order, up to limit entries.
func poolSymbols(symbols []string, limit int) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, limit)
	for _, raw := range symbols {
		sym := signal.NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
		if len(out) == limit {
			break
		}
	}
	return out
}
