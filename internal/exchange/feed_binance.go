package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"leadlag-go/internal/signal"
)

func (f *Feed) binanceStream() streamSpec {
	return streamSpec{
		name:    ProviderBinance,
		dialURL: func(symbols []string) string { return binanceStreamURL(f.binanceURL, symbols) },
		ping:    wsPing,
		decode:  decodeBinanceBookTicker,
	}
}

func binanceStreamURL(base string, symbols []string) string {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@bookTicker"
	}
	return fmt.Sprintf("%s?streams=%s", base, strings.Join(streams, "/"))
}

// decodeBinanceBookTicker reads a combined-stream bookTicker frame. Spot frames carry no event
// time, so the local receive time stamps the tick.
func decodeBinanceBookTicker(msg []byte, now time.Time) (signal.Tick, bool) {
	data := gjson.GetBytes(msg, "data")
	if !data.Exists() {
		data = gjson.ParseBytes(msg)
	}
	symbol := data.Get("s").String()
	if symbol == "" {
		symbol = parseBinanceSymbol(gjson.GetBytes(msg, "stream").String())
	}
	symbol = signal.NormalizeSymbol(symbol)
	if symbol == "" {
		return signal.Tick{}, false
	}
	ts := now.UnixMilli()
	if e := data.Get("E"); e.Exists() && e.Int() > 0 {
		ts = e.Int()
	}
	tick := signal.Tick{
		Symbol: symbol,
		Source: signal.SourceBinance,
		TsMs:   ts,
		Bid:    decimalField(data.Get("b")),
		Ask:    decimalField(data.Get("a")),
	}
	if _, ok := tick.Price(); !ok {
		return signal.Tick{}, false
	}
	return tick, true
}

func parseBinanceSymbol(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(parts[0])
}
