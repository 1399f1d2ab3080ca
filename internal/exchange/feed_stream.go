package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"leadlag-go/internal/signal"
)

var errResubscribe = errors.New("symbol set changed")

// streamSpec adapts one venue's websocket protocol to the shared reconnect loop.
type streamSpec struct {
	name      string
	dialURL   func(symbols []string) string
	subscribe func(conn *websocket.Conn, symbols []string) error
	ping      func(conn *websocket.Conn) error
	decode    func(msg []byte, now time.Time) (signal.Tick, bool)
}

func (f *Feed) runStream(ctx context.Context, out chan<- signal.Tick, spec streamSpec) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		symbols := f.snapshotSymbols()
		if len(symbols) == 0 {
			f.log.Warn().Msg("no symbols configured, waiting for discovery")
			select {
			case <-f.changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		received, err := f.consumeStream(ctx, spec, symbols, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errResubscribe) {
			f.log.Info().Strs("symbols", f.snapshotSymbols()).Msg("symbol set changed, resubscribing")
			backoff = initialBackoff
			continue
		}
		if received {
			backoff = initialBackoff
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msgf("%s feed disconnected, retrying", spec.name)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (f *Feed) consumeStream(ctx context.Context, spec streamSpec, symbols []string, out chan<- signal.Tick) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, spec.dialURL(symbols), nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", spec.name, err)
	}
	defer conn.Close()

	if spec.subscribe != nil {
		if err := spec.subscribe(conn, symbols); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", spec.name, err)
		}
	}
	f.log.Info().Strs("symbols", symbols).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	var resubscribe atomic.Bool
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := spec.ping(conn); err != nil {
					f.log.Warn().Err(err).Msg("ping failed")
					return
				}
			case <-f.changed:
				resubscribe.Store(true)
				conn.Close()
				return
			case <-watchCtx.Done():
				conn.Close()
				return
			}
		}
	}()

	received := false
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if resubscribe.Load() {
				return received, errResubscribe
			}
			return received, err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		tick, ok := spec.decode(message, time.Now())
		if !ok {
			continue
		}
		received = true
		if err := f.emit(ctx, out, tick); err != nil {
			return received, err
		}
	}
}

// decimalField parses a venue price string; malformed or missing values read as 0, which
// signal.Tick treats as absent.
func decimalField(r gjson.Result) float64 {
	if !r.Exists() {
		return 0
	}
	d, err := decimal.NewFromString(r.String())
	if err != nil || !d.IsPositive() {
		return 0
	}
	v, _ := d.Float64()
	return v
}

func wsPing(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.PingMessage, nil)
}
