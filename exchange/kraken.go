package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/types"
)

// Kraken is the spot REST adapter. All calls share one token bucket; 5xx
// and 429 responses are retried by resty, venue-level rejections are mapped
// to permanent errors where a retry cannot help.
type Kraken struct {
	cfg    config.ExchangeConfig
	client *resty.Client
	lim    *limiter
	nonce  func() int64
}

// NewKraken builds the adapter from config.
func NewKraken(cfg config.ExchangeConfig) *Kraken {
	client := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == 429
		})
	return &Kraken{
		cfg:    cfg,
		client: client,
		lim:    newLimiter(cfg.RateLimitPerSecond),
		nonce:  func() int64 { return time.Now().UnixNano() / int64(time.Millisecond) },
	}
}

func (k *Kraken) Name() string { return "kraken" }

// krakenPair maps "BTC/USD" to the venue symbol "XBTUSD".
func krakenPair(pair string) string {
	p := types.NormalizePair(pair)
	p = strings.ReplaceAll(p, "BTC", "XBT")
	return strings.ReplaceAll(p, "/", "")
}

type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *Kraken) public(ctx context.Context, endpoint string, params map[string]string, out any) error {
	if err := k.lim.wait(ctx); err != nil {
		return err
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/0/public/" + endpoint)
	if err != nil {
		return fmt.Errorf("kraken %s: %w", endpoint, err)
	}
	return k.decode(endpoint, resp.Body(), out)
}

func (k *Kraken) private(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := k.lim.wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(k.nonce(), 10)
	params.Set("nonce", nonce)
	body := params.Encode()
	path := "/0/private/" + endpoint

	sig, err := k.sign(path, nonce, body)
	if err != nil {
		return err
	}
	resp, err := k.client.R().
		SetContext(ctx).
		SetHeader("API-Key", k.cfg.APIKey).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("kraken %s: %w", endpoint, err)
	}
	return k.decode(endpoint, resp.Body(), out)
}

// sign computes the Kraken API signature:
// HMAC-SHA512(secret, path + SHA256(nonce + postdata)).
func (k *Kraken) sign(path, nonce, body string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.cfg.APISecret)
	if err != nil {
		return "", Permanent("invalid api secret encoding")
	}
	sum := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (k *Kraken) decode(endpoint string, body []byte, out any) error {
	kr := krakenResponse{}
	if err := json.Unmarshal(body, &kr); err != nil {
		return fmt.Errorf("kraken %s: malformed response: %w", endpoint, err)
	}
	if err := classifyVenueErrors(kr.Error); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(kr.Result, out); err != nil {
		return fmt.Errorf("kraken %s: malformed result: %w", endpoint, err)
	}
	return nil
}

// GetOHLC returns up to limit most recent bars for the timeframe.
func (k *Kraken) GetOHLC(ctx context.Context, pair string, tfMinutes, limit int) ([]types.Bar, error) {
	var result map[string]json.RawMessage
	err := k.public(ctx, "OHLC", map[string]string{
		"pair":     krakenPair(pair),
		"interval": strconv.Itoa(tfMinutes),
	}, &result)
	if err != nil {
		return nil, err
	}

	var rows [][]json.Number
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken OHLC rows: %w", err)
		}
		break
	}

	bars := make([]types.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		bars = append(bars, types.Bar{
			OpenTime: jsonInt(row[0]),
			Open:     jsonFloat(row[1]),
			High:     jsonFloat(row[2]),
			Low:      jsonFloat(row[3]),
			Close:    jsonFloat(row[4]),
			VWAP:     jsonFloat(row[5]),
			Volume:   jsonFloat(row[6]),
		})
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// GetTicker returns the last trade price.
func (k *Kraken) GetTicker(ctx context.Context, pair string) (*types.Ticker, error) {
	var result map[string]struct {
		C []json.Number `json:"c"` // [price, lot volume]
	}
	if err := k.public(ctx, "Ticker", map[string]string{"pair": krakenPair(pair)}, &result); err != nil {
		return nil, err
	}
	for _, t := range result {
		if len(t.C) == 0 {
			break
		}
		return &types.Ticker{
			Pair:      types.NormalizePair(pair),
			Price:     jsonFloat(t.C[0]),
			UpdatedAt: time.Now().UTC(),
		}, nil
	}
	return nil, fmt.Errorf("kraken ticker: empty result for %s", pair)
}

// GetOrderBook returns the top-of-book depth snapshot.
func (k *Kraken) GetOrderBook(ctx context.Context, pair string, depth int) (*types.OrderBookSnapshot, error) {
	var result map[string]struct {
		Bids [][]json.Number `json:"bids"`
		Asks [][]json.Number `json:"asks"`
	}
	err := k.public(ctx, "Depth", map[string]string{
		"pair":  krakenPair(pair),
		"count": strconv.Itoa(depth),
	}, &result)
	if err != nil {
		return nil, err
	}
	for _, book := range result {
		snap := &types.OrderBookSnapshot{Pair: types.NormalizePair(pair), UpdatedAt: time.Now().UTC()}
		for _, lvl := range book.Bids {
			if len(lvl) >= 2 {
				snap.Bids = append(snap.Bids, types.BookLevel{Price: jsonFloat(lvl[0]), Size: jsonFloat(lvl[1])})
			}
		}
		for _, lvl := range book.Asks {
			if len(lvl) >= 2 {
				snap.Asks = append(snap.Asks, types.BookLevel{Price: jsonFloat(lvl[0]), Size: jsonFloat(lvl[1])})
			}
		}
		return snap, nil
	}
	return nil, fmt.Errorf("kraken depth: empty result for %s", pair)
}

// SubmitOrder places an order and returns its venue id immediately; fill
// status is polled via GetOrder.
func (k *Kraken) SubmitOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.Quantity <= 0 {
		return nil, Permanent("order quantity must be positive")
	}
	params := url.Values{}
	params.Set("pair", krakenPair(req.Pair))
	params.Set("type", string(req.Side))
	params.Set("ordertype", req.Type)
	params.Set("volume", formatDecimal(req.Quantity, k.cfg.QuantityDecimals))
	if req.Type == "limit" {
		params.Set("price", formatDecimal(req.Price, k.cfg.PriceDecimals))
		if req.PostOnly {
			params.Set("oflags", "post")
		}
	}
	if req.ClientOrderID != "" && k.cfg.SupportsClientOrderID {
		params.Set("cl_ord_id", req.ClientOrderID)
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "AddOrder", params, &result); err != nil {
		return nil, err
	}
	if len(result.TxID) == 0 {
		return nil, fmt.Errorf("kraken AddOrder: no txid returned")
	}
	log.Info().Str("pair", req.Pair).Str("side", string(req.Side)).
		Str("order_id", result.TxID[0]).Msg("📤 Order submitted")
	return &types.Order{
		OrderID:       result.TxID[0],
		ClientOrderID: req.ClientOrderID,
		Pair:          types.NormalizePair(req.Pair),
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		Quantity:      req.Quantity,
		Status:        types.OrderPending,
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

// GetOrder refreshes an order's status and fill from the venue.
func (k *Kraken) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)

	var result map[string]struct {
		Status  string      `json:"status"` // pending|open|closed|canceled|expired
		VolExec json.Number `json:"vol_exec"`
		Vol     json.Number `json:"vol"`
		Price   json.Number `json:"price"`
		Descr   struct {
			Pair string `json:"pair"`
			Type string `json:"type"`
		} `json:"descr"`
	}
	if err := k.private(ctx, "QueryOrders", params, &result); err != nil {
		return nil, err
	}
	info, ok := result[orderID]
	if !ok {
		return nil, Permanent("unknown order %s", orderID)
	}

	status := types.OrderOpen
	switch info.Status {
	case "pending":
		status = types.OrderPending
	case "closed":
		status = types.OrderFilled
	case "canceled", "expired":
		status = types.OrderCancelled
	}
	return &types.Order{
		OrderID:      orderID,
		Pair:         types.NormalizePair(info.Descr.Pair),
		Side:         types.Side(info.Descr.Type),
		Quantity:     jsonFloat(info.Vol),
		FilledQty:    jsonFloat(info.VolExec),
		AvgFillPrice: jsonFloat(info.Price),
		Status:       status,
	}, nil
}

// CancelOrder cancels an open order; cancelling an already-closed order is
// surfaced as a permanent error by the venue.
func (k *Kraken) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	return k.private(ctx, "CancelOrder", params, nil)
}

// quote assets excluded from spot position reconstruction.
var quoteAssets = map[string]bool{
	"USD": true, "ZUSD": true, "USDT": true, "USDC": true, "EUR": true, "ZEUR": true,
}

// ListOpenPositions reconstructs spot holdings from asset balances. Entry
// price is unknown at the venue level; reconciliation fills it from the
// ledger.
func (k *Kraken) ListOpenPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	var balances map[string]json.Number
	if err := k.private(ctx, "Balance", url.Values{}, &balances); err != nil {
		return nil, err
	}
	var out []types.BrokerPosition
	for asset, qty := range balances {
		q := jsonFloat(qty)
		if q <= 1e-9 || quoteAssets[asset] {
			continue
		}
		base := strings.TrimPrefix(asset, "X")
		base = strings.ReplaceAll(base, "XBT", "BTC")
		out = append(out, types.BrokerPosition{
			Pair:     base + "/USD",
			Quantity: q,
		})
	}
	return out, nil
}

// ClosePosition market-sells qty of the pair's base asset.
func (k *Kraken) ClosePosition(ctx context.Context, pair string, qty float64) (*types.Order, error) {
	return k.SubmitOrder(ctx, OrderRequest{
		Pair:     pair,
		Side:     types.SideSell,
		Type:     "market",
		Quantity: qty,
	})
}

func formatDecimal(v float64, decimals int) string {
	return decimal.NewFromFloat(v).Round(int32(decimals)).String()
}

func jsonFloat(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func jsonInt(n json.Number) int64 {
	i, err := n.Int64()
	if err != nil {
		f, _ := n.Float64()
		return int64(f)
	}
	return i
}
