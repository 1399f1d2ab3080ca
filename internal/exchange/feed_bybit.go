package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"leadlag-go/internal/signal"
)

// Bybit rejects subscribe requests with more than ten topics.
const bybitTopicsPerRequest = 10

type bybitRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func (f *Feed) bybitStream() streamSpec {
	return streamSpec{
		name:      ProviderBybit,
		dialURL:   func([]string) string { return f.bybitURL },
		subscribe: subscribeBybit,
		ping: func(conn *websocket.Conn) error {
			return conn.WriteJSON(bybitRequest{Op: "ping"})
		},
		decode: decodeBybitTicker,
	}
}

func subscribeBybit(conn *websocket.Conn, symbols []string) error {
	for start := 0; start < len(symbols); start += bybitTopicsPerRequest {
		end := start + bybitTopicsPerRequest
		if end > len(symbols) {
			end = len(symbols)
		}
		args := make([]string, 0, end-start)
		for _, sym := range symbols[start:end] {
			args = append(args, "tickers."+sym)
		}
		payload, err := json.Marshal(bybitRequest{Op: "subscribe", Args: args})
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

// decodeBybitTicker reads a v5 tickers push; op acknowledgements and pongs are ignored.
func decodeBybitTicker(msg []byte, now time.Time) (signal.Tick, bool) {
	topic := gjson.GetBytes(msg, "topic").String()
	if !strings.HasPrefix(topic, "tickers.") {
		return signal.Tick{}, false
	}
	data := gjson.GetBytes(msg, "data")
	symbol := data.Get("symbol").String()
	if symbol == "" {
		symbol = strings.TrimPrefix(topic, "tickers.")
	}
	symbol = signal.NormalizeSymbol(symbol)
	if symbol == "" {
		return signal.Tick{}, false
	}
	ts := gjson.GetBytes(msg, "ts").Int()
	if ts <= 0 {
		ts = now.UnixMilli()
	}
	tick := signal.Tick{
		Symbol: symbol,
		Source: signal.SourceBybit,
		TsMs:   ts,
		Bid:    decimalField(data.Get("bid1Price")),
		Ask:    decimalField(data.Get("ask1Price")),
		Last:   decimalField(data.Get("lastPrice")),
		Mark:   decimalField(data.Get("markPrice")),
	}
	if _, ok := tick.Price(); !ok {
		return signal.Tick{}, false
	}
	return tick, true
}
