package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/types"
)

// WSHandlers receive parsed market-data events. All callbacks run on the
// read loop goroutine; keep them fast.
type WSHandlers struct {
	OnTicker func(pair string, price float64)
	OnOHLC   func(pair string, bar types.Bar)
	OnBook   func(pair string, snap types.OrderBookSnapshot)
}

// WSClient maintains the market-data websocket: subscriptions, dispatch,
// and reconnection. Reconnect backoff doubles 2s→60s; venue "temporarily
// unavailable" closes use a gentler 15s→120s ladder because hammering a
// degraded venue extends the outage.
type WSClient struct {
	url      string
	pairs    []string
	handlers WSHandlers

	mu             sync.Mutex
	conn           *websocket.Conn
	connected      bool
	disconnectedAt time.Time
	lastMessageAt  time.Time
}

const (
	wsBackoffBase        = 2 * time.Second
	wsBackoffCap         = 60 * time.Second
	wsUnavailableBase    = 15 * time.Second
	wsUnavailableCap     = 120 * time.Second
	wsResubscribeStagger = 500 * time.Millisecond
)

func NewWSClient(url string, pairs []string, handlers WSHandlers) *WSClient {
	norm := make([]string, len(pairs))
	for i, p := range pairs {
		norm[i] = types.NormalizePair(p)
	}
	return &WSClient{url: url, pairs: norm, handlers: handlers, disconnectedAt: time.Now()}
}

// Connected reports whether the socket is currently up.
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// DisconnectedFor returns how long the socket has been down, 0 when up.
func (w *WSClient) DisconnectedFor() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return 0
	}
	return time.Since(w.disconnectedAt)
}

// LastMessageAge returns the time since the last received frame.
func (w *WSClient) LastMessageAge() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastMessageAt.IsZero() {
		return 0
	}
	return time.Since(w.lastMessageAt)
}

// Run connects and pumps messages until ctx is cancelled, reconnecting on
// every failure. It only returns on context cancellation.
func (w *WSClient) Run(ctx context.Context) error {
	backoff := wsBackoffBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := backoff
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "temporarily unavailable") {
			if wait < wsUnavailableBase {
				wait = wsUnavailableBase
			}
			if wait > wsUnavailableCap {
				wait = wsUnavailableCap
			}
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("🔌 WebSocket dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > wsBackoffCap {
			backoff = wsBackoffCap
		}
	}
}

// session runs one connect → subscribe → read-loop lifetime.
func (w *WSClient) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	w.setConnected(conn)
	defer w.setDisconnected()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := w.subscribeAll(conn); err != nil {
		return err
	}
	log.Info().Int("pairs", len(w.pairs)).Msg("📡 WebSocket connected and subscribed")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.lastMessageAt = time.Now()
		w.mu.Unlock()
		w.dispatch(data)
	}
}

// subscribeAll issues one subscription per channel with a short stagger so
// the venue never sees a subscribe burst.
func (w *WSClient) subscribeAll(conn *websocket.Conn) error {
	for _, channel := range []string{"ticker", "ohlc", "book"} {
		sub := map[string]any{
			"event": "subscribe",
			"pair":  w.pairs,
			"subscription": map[string]any{
				"name": channel,
			},
		}
		if channel == "ohlc" {
			sub["subscription"].(map[string]any)["interval"] = 1
		}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
		time.Sleep(wsResubscribeStagger)
	}
	return nil
}

func (w *WSClient) setConnected(conn *websocket.Conn) {
	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
}

func (w *WSClient) setDisconnected() {
	w.mu.Lock()
	w.conn = nil
	w.connected = false
	w.disconnectedAt = time.Now()
	w.mu.Unlock()
}

// dispatch parses one frame. Kraken data frames are arrays
// [channelID, payload, channelName, pair]; event frames are objects and
// only logged.
func (w *WSClient) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] == '{' {
		var ev struct {
			Event  string `json:"event"`
			Status string `json:"status"`
		}
		if json.Unmarshal(data, &ev) == nil && ev.Event == "subscriptionStatus" && ev.Status == "error" {
			log.Warn().RawJSON("frame", data).Msg("Subscription rejected")
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return
	}
	var channel, pair string
	if json.Unmarshal(frame[len(frame)-2], &channel) != nil {
		return
	}
	if json.Unmarshal(frame[len(frame)-1], &pair) != nil {
		return
	}
	pair = types.NormalizePair(strings.ReplaceAll(pair, "XBT", "BTC"))

	switch {
	case channel == "ticker" && w.handlers.OnTicker != nil:
		var payload struct {
			C []json.Number `json:"c"`
		}
		if json.Unmarshal(frame[1], &payload) == nil && len(payload.C) > 0 {
			w.handlers.OnTicker(pair, jsonFloat(payload.C[0]))
		}

	case strings.HasPrefix(channel, "ohlc") && w.handlers.OnOHLC != nil:
		var row []json.Number
		if json.Unmarshal(frame[1], &row) == nil && len(row) >= 8 {
			// [time, etime, open, high, low, close, vwap, volume, count]
			etime := jsonFloat(row[1])
			w.handlers.OnOHLC(pair, types.Bar{
				OpenTime: int64(etime) - 60,
				Open:     jsonFloat(row[2]),
				High:     jsonFloat(row[3]),
				Low:      jsonFloat(row[4]),
				Close:    jsonFloat(row[5]),
				VWAP:     jsonFloat(row[6]),
				Volume:   jsonFloat(row[7]),
			})
		}

	case strings.HasPrefix(channel, "book") && w.handlers.OnBook != nil:
		var payload struct {
			Bs [][]json.Number `json:"bs"`
			As [][]json.Number `json:"as"`
		}
		if json.Unmarshal(frame[1], &payload) == nil && (len(payload.Bs) > 0 || len(payload.As) > 0) {
			snap := types.OrderBookSnapshot{Pair: pair, UpdatedAt: time.Now().UTC()}
			for _, lvl := range payload.Bs {
				if len(lvl) >= 2 {
					snap.Bids = append(snap.Bids, types.BookLevel{Price: jsonFloat(lvl[0]), Size: jsonFloat(lvl[1])})
				}
			}
			for _, lvl := range payload.As {
				if len(lvl) >= 2 {
					snap.Asks = append(snap.Asks, types.BookLevel{Price: jsonFloat(lvl[0]), Size: jsonFloat(lvl[1])})
				}
			}
			w.handlers.OnBook(pair, snap)
		}
	}
}
